package memory

import (
	"fmt"
	"time"

	"github.com/tidwall/btree"

	"stoqscore/pkg/domain"
)

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func cloneCampaign(c domain.Campaign) domain.Campaign {
	c.Description = clonePtr(c.Description)
	c.StartDate = clonePtr(c.StartDate)
	c.EndDate = clonePtr(c.EndDate)
	return c
}

func cloneParameter(p domain.Parameter) domain.Parameter {
	p.Type = clonePtr(p.Type)
	p.Description = clonePtr(p.Description)
	p.StandardName = clonePtr(p.StandardName)
	p.LongName = clonePtr(p.LongName)
	p.Units = clonePtr(p.Units)
	p.Origin = clonePtr(p.Origin)
	return p
}

func cloneActivity(a domain.Activity) domain.Activity {
	a.CampaignID = clonePtr(a.CampaignID)
	a.ActivityTypeID = clonePtr(a.ActivityTypeID)
	a.EndDate = clonePtr(a.EndDate)
	a.NumMeasuredParameters = clonePtr(a.NumMeasuredParameters)
	a.LoadedDate = clonePtr(a.LoadedDate)
	a.MinDepth = clonePtr(a.MinDepth)
	a.MaxDepth = clonePtr(a.MaxDepth)
	if a.MapTrack != nil {
		a.MapTrack = append(domain.LineString(nil), a.MapTrack...)
	}
	return a
}

func duplicateID(entity domain.EntityType, id string) error {
	return &domain.UniquenessError{Entity: entity, Key: "id", Value: id}
}

func immutableID(entity domain.EntityType) error {
	return &domain.ValidationError{Entity: entity, Field: "id", Reason: "cannot be changed"}
}

// Campaigns

func (tx *transaction) checkCampaignName(c domain.Campaign) error {
	key, ok := campaignNameKey(c)
	if !ok {
		return nil
	}
	if other, taken := tx.st.campaignNames.Get(key); taken && other != c.ID {
		return &domain.UniquenessError{Entity: domain.EntityCampaign, Key: "name", Value: fmt.Sprintf("%s@%s", c.Name, domain.CampaignDay(c.StartDate))}
	}
	return nil
}

func (tx *transaction) putCampaign(c domain.Campaign) {
	if key, ok := campaignNameKey(c); ok {
		tx.st.campaignNames.Set(key, c.ID)
	}
	tx.st.campaigns.Set(c.ID, cloneCampaign(c))
}

func (tx *transaction) dropCampaign(c domain.Campaign) {
	if key, ok := campaignNameKey(c); ok {
		tx.st.campaignNames.Delete(key)
	}
	tx.st.campaigns.Delete(c.ID)
}

func (tx *transaction) CreateCampaign(c domain.Campaign) (domain.Campaign, error) {
	if err := domain.AssignID(&c.ID); err != nil {
		return domain.Campaign{}, err
	}
	c.StartDate, c.EndDate = utcPtr(c.StartDate), utcPtr(c.EndDate)
	if err := c.Validate(); err != nil {
		return domain.Campaign{}, err
	}
	if _, exists := tx.st.campaigns.Get(c.ID); exists {
		return domain.Campaign{}, duplicateID(domain.EntityCampaign, c.ID)
	}
	if err := tx.checkCampaignName(c); err != nil {
		return domain.Campaign{}, err
	}
	tx.putCampaign(c)
	return cloneCampaign(c), nil
}

func (tx *transaction) UpdateCampaign(id string, mutator func(*domain.Campaign) error) (domain.Campaign, error) {
	current, ok := tx.st.campaigns.Get(id)
	if !ok {
		return domain.Campaign{}, domain.NotFound(domain.EntityCampaign, id)
	}
	next := cloneCampaign(current)
	if err := mutator(&next); err != nil {
		return domain.Campaign{}, err
	}
	if next.ID != id {
		return domain.Campaign{}, immutableID(domain.EntityCampaign)
	}
	next.StartDate, next.EndDate = utcPtr(next.StartDate), utcPtr(next.EndDate)
	if err := next.Validate(); err != nil {
		return domain.Campaign{}, err
	}
	if err := tx.checkCampaignName(next); err != nil {
		return domain.Campaign{}, err
	}
	tx.dropCampaign(current)
	tx.putCampaign(next)
	return cloneCampaign(next), nil
}

// DeleteCampaign is rejected while activities reference the campaign; its log
// entries go with it.
func (tx *transaction) DeleteCampaign(id string) error {
	current, ok := tx.st.campaigns.Get(id)
	if !ok {
		return domain.NotFound(domain.EntityCampaign, id)
	}
	if activityID, used := firstRef(tx.st.activitiesByCampaign, id); used {
		return domain.StillReferenced(domain.EntityCampaign, id, domain.EntityActivity, activityID)
	}
	for _, logID := range refsOf(tx.st.logsByCampaign, id) {
		tx.st.logs.Delete(logID)
		tx.st.logsByCampaign.Delete(refKey{parent: id, id: logID})
	}
	tx.dropCampaign(current)
	return nil
}

func (tx *transaction) CreateCampaignLog(l domain.CampaignLog) (domain.CampaignLog, error) {
	if err := domain.AssignID(&l.ID); err != nil {
		return domain.CampaignLog{}, err
	}
	l.TimeValue = l.TimeValue.UTC()
	if err := l.Validate(); err != nil {
		return domain.CampaignLog{}, err
	}
	if _, exists := tx.st.logs.Get(l.ID); exists {
		return domain.CampaignLog{}, duplicateID(domain.EntityCampaignLog, l.ID)
	}
	if _, ok := tx.st.campaigns.Get(l.CampaignID); !ok {
		return domain.CampaignLog{}, domain.MissingReference(domain.EntityCampaignLog, l.ID, domain.EntityCampaign, l.CampaignID)
	}
	tx.st.logs.Set(l.ID, l)
	tx.st.logsByCampaign.Set(refKey{parent: l.CampaignID, id: l.ID})
	return l, nil
}

func (tx *transaction) DeleteCampaignLog(id string) error {
	l, ok := tx.st.logs.Get(id)
	if !ok {
		return domain.NotFound(domain.EntityCampaignLog, id)
	}
	tx.st.logs.Delete(id)
	tx.st.logsByCampaign.Delete(refKey{parent: l.CampaignID, id: id})
	return nil
}

// Activity types

func (tx *transaction) CreateActivityType(a domain.ActivityType) (domain.ActivityType, error) {
	if err := domain.AssignID(&a.ID); err != nil {
		return domain.ActivityType{}, err
	}
	if err := a.Validate(); err != nil {
		return domain.ActivityType{}, err
	}
	if _, exists := tx.st.activityTypes.Get(a.ID); exists {
		return domain.ActivityType{}, duplicateID(domain.EntityActivityType, a.ID)
	}
	if _, taken := tx.st.activityTypeNames.Get(a.Name); taken {
		return domain.ActivityType{}, &domain.UniquenessError{Entity: domain.EntityActivityType, Key: "name", Value: a.Name}
	}
	tx.st.activityTypes.Set(a.ID, a)
	tx.st.activityTypeNames.Set(a.Name, a.ID)
	return a, nil
}

func (tx *transaction) UpdateActivityType(id string, mutator func(*domain.ActivityType) error) (domain.ActivityType, error) {
	current, ok := tx.st.activityTypes.Get(id)
	if !ok {
		return domain.ActivityType{}, domain.NotFound(domain.EntityActivityType, id)
	}
	next := current
	if err := mutator(&next); err != nil {
		return domain.ActivityType{}, err
	}
	if next.ID != id {
		return domain.ActivityType{}, immutableID(domain.EntityActivityType)
	}
	if err := next.Validate(); err != nil {
		return domain.ActivityType{}, err
	}
	if other, taken := tx.st.activityTypeNames.Get(next.Name); taken && other != id {
		return domain.ActivityType{}, &domain.UniquenessError{Entity: domain.EntityActivityType, Key: "name", Value: next.Name}
	}
	tx.st.activityTypeNames.Delete(current.Name)
	tx.st.activityTypes.Set(id, next)
	tx.st.activityTypeNames.Set(next.Name, id)
	return next, nil
}

func (tx *transaction) DeleteActivityType(id string) error {
	current, ok := tx.st.activityTypes.Get(id)
	if !ok {
		return domain.NotFound(domain.EntityActivityType, id)
	}
	if activityID, used := firstRef(tx.st.activitiesByType, id); used {
		return domain.StillReferenced(domain.EntityActivityType, id, domain.EntityActivity, activityID)
	}
	tx.st.activityTypes.Delete(id)
	tx.st.activityTypeNames.Delete(current.Name)
	return nil
}

// Platform types

func (tx *transaction) CreatePlatformType(p domain.PlatformType) (domain.PlatformType, error) {
	if err := domain.AssignID(&p.ID); err != nil {
		return domain.PlatformType{}, err
	}
	if err := p.Validate(); err != nil {
		return domain.PlatformType{}, err
	}
	if _, exists := tx.st.platformTypes.Get(p.ID); exists {
		return domain.PlatformType{}, duplicateID(domain.EntityPlatformType, p.ID)
	}
	if _, taken := tx.st.platformTypeNames.Get(p.Name); taken {
		return domain.PlatformType{}, &domain.UniquenessError{Entity: domain.EntityPlatformType, Key: "name", Value: p.Name}
	}
	tx.st.platformTypes.Set(p.ID, p)
	tx.st.platformTypeNames.Set(p.Name, p.ID)
	return p, nil
}

func (tx *transaction) UpdatePlatformType(id string, mutator func(*domain.PlatformType) error) (domain.PlatformType, error) {
	current, ok := tx.st.platformTypes.Get(id)
	if !ok {
		return domain.PlatformType{}, domain.NotFound(domain.EntityPlatformType, id)
	}
	next := current
	if err := mutator(&next); err != nil {
		return domain.PlatformType{}, err
	}
	if next.ID != id {
		return domain.PlatformType{}, immutableID(domain.EntityPlatformType)
	}
	if err := next.Validate(); err != nil {
		return domain.PlatformType{}, err
	}
	if other, taken := tx.st.platformTypeNames.Get(next.Name); taken && other != id {
		return domain.PlatformType{}, &domain.UniquenessError{Entity: domain.EntityPlatformType, Key: "name", Value: next.Name}
	}
	tx.st.platformTypeNames.Delete(current.Name)
	tx.st.platformTypes.Set(id, next)
	tx.st.platformTypeNames.Set(next.Name, id)
	return next, nil
}

func (tx *transaction) DeletePlatformType(id string) error {
	current, ok := tx.st.platformTypes.Get(id)
	if !ok {
		return domain.NotFound(domain.EntityPlatformType, id)
	}
	if platformID, used := firstRef(tx.st.platformsByType, id); used {
		return domain.StillReferenced(domain.EntityPlatformType, id, domain.EntityPlatform, platformID)
	}
	tx.st.platformTypes.Delete(id)
	tx.st.platformTypeNames.Delete(current.Name)
	return nil
}

// Platforms

func (tx *transaction) CreatePlatform(p domain.Platform) (domain.Platform, error) {
	if err := domain.AssignID(&p.ID); err != nil {
		return domain.Platform{}, err
	}
	if err := p.Validate(); err != nil {
		return domain.Platform{}, err
	}
	if _, exists := tx.st.platforms.Get(p.ID); exists {
		return domain.Platform{}, duplicateID(domain.EntityPlatform, p.ID)
	}
	if _, ok := tx.st.platformTypes.Get(p.PlatformTypeID); !ok {
		return domain.Platform{}, domain.MissingReference(domain.EntityPlatform, p.ID, domain.EntityPlatformType, p.PlatformTypeID)
	}
	tx.st.platforms.Set(p.ID, p)
	tx.st.platformsByType.Set(refKey{parent: p.PlatformTypeID, id: p.ID})
	return p, nil
}

func (tx *transaction) UpdatePlatform(id string, mutator func(*domain.Platform) error) (domain.Platform, error) {
	current, ok := tx.st.platforms.Get(id)
	if !ok {
		return domain.Platform{}, domain.NotFound(domain.EntityPlatform, id)
	}
	next := current
	if err := mutator(&next); err != nil {
		return domain.Platform{}, err
	}
	if next.ID != id {
		return domain.Platform{}, immutableID(domain.EntityPlatform)
	}
	if err := next.Validate(); err != nil {
		return domain.Platform{}, err
	}
	if _, ok := tx.st.platformTypes.Get(next.PlatformTypeID); !ok {
		return domain.Platform{}, domain.MissingReference(domain.EntityPlatform, id, domain.EntityPlatformType, next.PlatformTypeID)
	}
	tx.st.platformsByType.Delete(refKey{parent: current.PlatformTypeID, id: id})
	tx.st.platforms.Set(id, next)
	tx.st.platformsByType.Set(refKey{parent: next.PlatformTypeID, id: id})
	return next, nil
}

func (tx *transaction) DeletePlatform(id string) error {
	current, ok := tx.st.platforms.Get(id)
	if !ok {
		return domain.NotFound(domain.EntityPlatform, id)
	}
	if activityID, used := firstRef(tx.st.activitiesByPlatform, id); used {
		return domain.StillReferenced(domain.EntityPlatform, id, domain.EntityActivity, activityID)
	}
	tx.st.platforms.Delete(id)
	tx.st.platformsByType.Delete(refKey{parent: current.PlatformTypeID, id: id})
	return nil
}

// Parameters

func (tx *transaction) CreateParameter(p domain.Parameter) (domain.Parameter, error) {
	if err := domain.AssignID(&p.ID); err != nil {
		return domain.Parameter{}, err
	}
	if err := p.Validate(); err != nil {
		return domain.Parameter{}, err
	}
	if _, exists := tx.st.parameters.Get(p.ID); exists {
		return domain.Parameter{}, duplicateID(domain.EntityParameter, p.ID)
	}
	if _, taken := tx.st.parameterNames.Get(p.Name); taken {
		return domain.Parameter{}, &domain.UniquenessError{Entity: domain.EntityParameter, Key: "name", Value: p.Name}
	}
	tx.st.parameters.Set(p.ID, cloneParameter(p))
	tx.st.parameterNames.Set(p.Name, p.ID)
	return cloneParameter(p), nil
}

func (tx *transaction) UpdateParameter(id string, mutator func(*domain.Parameter) error) (domain.Parameter, error) {
	current, ok := tx.st.parameters.Get(id)
	if !ok {
		return domain.Parameter{}, domain.NotFound(domain.EntityParameter, id)
	}
	next := cloneParameter(current)
	if err := mutator(&next); err != nil {
		return domain.Parameter{}, err
	}
	if next.ID != id {
		return domain.Parameter{}, immutableID(domain.EntityParameter)
	}
	if err := next.Validate(); err != nil {
		return domain.Parameter{}, err
	}
	if other, taken := tx.st.parameterNames.Get(next.Name); taken && other != id {
		return domain.Parameter{}, &domain.UniquenessError{Entity: domain.EntityParameter, Key: "name", Value: next.Name}
	}
	tx.st.parameterNames.Delete(current.Name)
	tx.st.parameters.Set(id, cloneParameter(next))
	tx.st.parameterNames.Set(next.Name, id)
	return cloneParameter(next), nil
}

func (tx *transaction) DeleteParameter(id string) error {
	current, ok := tx.st.parameters.Get(id)
	if !ok {
		return domain.NotFound(domain.EntityParameter, id)
	}
	var blocking int64
	tx.st.measuredByParameter.Ascend(paramKey{parameter: id}, func(k paramKey) bool {
		if k.parameter == id {
			blocking = k.id
		}
		return false
	})
	if blocking != 0 {
		return domain.StillReferenced(domain.EntityParameter, id, domain.EntityMeasuredParameter, fmt.Sprint(blocking))
	}
	if apID, used := firstRef(tx.st.activityParamsByParameter, id); used {
		return domain.StillReferenced(domain.EntityParameter, id, domain.EntityActivityParameter, apID)
	}
	tx.st.parameters.Delete(id)
	tx.st.parameterNames.Delete(current.Name)
	return nil
}

// Activities

func (tx *transaction) checkActivityRefs(a domain.Activity) error {
	if _, ok := tx.st.platforms.Get(a.PlatformID); !ok {
		return domain.MissingReference(domain.EntityActivity, a.ID, domain.EntityPlatform, a.PlatformID)
	}
	if a.CampaignID != nil {
		if _, ok := tx.st.campaigns.Get(*a.CampaignID); !ok {
			return domain.MissingReference(domain.EntityActivity, a.ID, domain.EntityCampaign, *a.CampaignID)
		}
	}
	if a.ActivityTypeID != nil {
		if _, ok := tx.st.activityTypes.Get(*a.ActivityTypeID); !ok {
			return domain.MissingReference(domain.EntityActivity, a.ID, domain.EntityActivityType, *a.ActivityTypeID)
		}
	}
	return nil
}

func normalizeActivity(a *domain.Activity) {
	a.StartDate = a.StartDate.UTC()
	a.EndDate = utcPtr(a.EndDate)
	a.LoadedDate = utcPtr(a.LoadedDate)
}

func (tx *transaction) indexActivity(a domain.Activity, add bool) {
	set := func(idx *btree.BTreeG[refKey], parent string) {
		if add {
			idx.Set(refKey{parent: parent, id: a.ID})
		} else {
			idx.Delete(refKey{parent: parent, id: a.ID})
		}
	}
	set(tx.st.activitiesByPlatform, a.PlatformID)
	if a.CampaignID != nil {
		set(tx.st.activitiesByCampaign, *a.CampaignID)
	}
	if a.ActivityTypeID != nil {
		set(tx.st.activitiesByType, *a.ActivityTypeID)
	}
}

func (tx *transaction) CreateActivity(a domain.Activity) (domain.Activity, error) {
	if err := domain.AssignID(&a.ID); err != nil {
		return domain.Activity{}, err
	}
	normalizeActivity(&a)
	if err := a.Validate(); err != nil {
		return domain.Activity{}, err
	}
	if _, exists := tx.st.activities.Get(a.ID); exists {
		return domain.Activity{}, duplicateID(domain.EntityActivity, a.ID)
	}
	if err := tx.checkActivityRefs(a); err != nil {
		return domain.Activity{}, err
	}
	tx.st.activities.Set(a.ID, cloneActivity(a))
	tx.indexActivity(a, true)
	return cloneActivity(a), nil
}

func (tx *transaction) UpdateActivity(id string, mutator func(*domain.Activity) error) (domain.Activity, error) {
	current, ok := tx.st.activities.Get(id)
	if !ok {
		return domain.Activity{}, domain.NotFound(domain.EntityActivity, id)
	}
	next := cloneActivity(current)
	if err := mutator(&next); err != nil {
		return domain.Activity{}, err
	}
	if next.ID != id {
		return domain.Activity{}, immutableID(domain.EntityActivity)
	}
	normalizeActivity(&next)
	if err := next.Validate(); err != nil {
		return domain.Activity{}, err
	}
	if err := tx.checkActivityRefs(next); err != nil {
		return domain.Activity{}, err
	}
	tx.indexActivity(current, false)
	tx.st.activities.Set(id, cloneActivity(next))
	tx.indexActivity(next, true)
	return cloneActivity(next), nil
}

func (tx *transaction) DeleteActivity(id string) error {
	current, ok := tx.st.activities.Get(id)
	if !ok {
		return domain.NotFound(domain.EntityActivity, id)
	}
	tx.purgeActivity(id)
	tx.indexActivity(current, false)
	tx.st.activities.Delete(id)
	return nil
}

func (tx *transaction) PurgeActivityData(id string) error {
	current, ok := tx.st.activities.Get(id)
	if !ok {
		return domain.NotFound(domain.EntityActivity, id)
	}
	tx.purgeActivity(id)
	current.NumMeasuredParameters = nil
	current.MapTrack = nil
	current.MinDepth = nil
	current.MaxDepth = nil
	current.LoadedDate = nil
	tx.st.activities.Set(id, current)
	return nil
}

func (tx *transaction) purgeActivity(id string) {
	for _, ip := range tx.st.instantsOf(id) {
		tx.removeInstant(ip, false)
	}
	for _, apID := range tx.st.activityParamIDs(id) {
		if ap, ok := tx.st.activityParams.Get(apID); ok {
			tx.removeActivityParam(ap)
		}
	}
}
