package sqlstore

import (
	"database/sql"
	"fmt"

	"stoqscore/pkg/domain"
)

type scanner interface {
	Scan(dest ...any) error
}

func immutableID(entity domain.EntityType) error {
	return &domain.ValidationError{Entity: entity, Field: "id", Reason: "cannot be changed"}
}

// Campaigns

const campaignCols = "id, name, description, startdate, enddate"

func scanCampaign(row scanner) (domain.Campaign, error) {
	var (
		c          domain.Campaign
		desc       sql.NullString
		start, end sql.NullInt64
	)
	if err := row.Scan(&c.ID, &c.Name, &desc, &start, &end); err != nil {
		return domain.Campaign{}, err
	}
	c.Description = stringPtr(desc)
	c.StartDate = timePtr(start)
	c.EndDate = timePtr(end)
	return c, nil
}

func campaignKey(c domain.Campaign) string {
	return fmt.Sprintf("%s@%s", c.Name, domain.CampaignDay(c.StartDate))
}

func (t *Tx) CreateCampaign(c domain.Campaign) (domain.Campaign, error) {
	if err := domain.AssignID(&c.ID); err != nil {
		return domain.Campaign{}, err
	}
	if err := c.Validate(); err != nil {
		return domain.Campaign{}, err
	}
	err := t.guard(func() error {
		_, err := t.Exec("INSERT INTO campaign (id, name, description, startdate, enddate, startday) VALUES (?, ?, ?, ?, ?, ?)",
			c.ID, c.Name, nullString(c.Description), nullNanos(c.StartDate), nullNanos(c.EndDate), nullDay(c))
		return t.fail(domain.EntityCampaign, "name", campaignKey(c), err)
	})
	if err != nil {
		return domain.Campaign{}, err
	}
	return t.GetCampaign(c.ID)
}

func nullDay(c domain.Campaign) any {
	if day := domain.CampaignDay(c.StartDate); day != "" {
		return day
	}
	return nil
}

func (t *Tx) UpdateCampaign(id string, mutator func(*domain.Campaign) error) (domain.Campaign, error) {
	current, err := t.GetCampaign(id)
	if err != nil {
		return domain.Campaign{}, err
	}
	if err := mutator(&current); err != nil {
		return domain.Campaign{}, err
	}
	if current.ID != id {
		return domain.Campaign{}, immutableID(domain.EntityCampaign)
	}
	if err := current.Validate(); err != nil {
		return domain.Campaign{}, err
	}
	err = t.guard(func() error {
		_, err := t.Exec("UPDATE campaign SET name = ?, description = ?, startdate = ?, enddate = ?, startday = ? WHERE id = ?",
			current.Name, nullString(current.Description), nullNanos(current.StartDate), nullNanos(current.EndDate), nullDay(current), id)
		return t.fail(domain.EntityCampaign, "name", campaignKey(current), err)
	})
	if err != nil {
		return domain.Campaign{}, err
	}
	return t.GetCampaign(id)
}

func (t *Tx) DeleteCampaign(id string) error {
	return t.guard(func() error {
		if ok, err := t.exists("campaign", id); err != nil || !ok {
			if err != nil {
				return err
			}
			return domain.NotFound(domain.EntityCampaign, id)
		}
		if err := t.blockIfReferenced(domain.EntityCampaign, id, domain.EntityActivity, "activity", "campaign_id"); err != nil {
			return err
		}
		if _, err := t.Exec("DELETE FROM campaignlog WHERE campaign_id = ?", id); err != nil {
			return fmt.Errorf("delete campaign logs: %w", err)
		}
		_, err := t.Exec("DELETE FROM campaign WHERE id = ?", id)
		return t.fail(domain.EntityCampaign, "id", id, err)
	})
}

func (t *Tx) CreateCampaignLog(l domain.CampaignLog) (domain.CampaignLog, error) {
	if err := domain.AssignID(&l.ID); err != nil {
		return domain.CampaignLog{}, err
	}
	l.TimeValue = l.TimeValue.UTC()
	if err := l.Validate(); err != nil {
		return domain.CampaignLog{}, err
	}
	err := t.guard(func() error {
		if err := t.requireRef(domain.EntityCampaignLog, l.ID, domain.EntityCampaign, "campaign", l.CampaignID); err != nil {
			return err
		}
		_, err := t.Exec("INSERT INTO campaignlog (id, campaign_id, timevalue, message) VALUES (?, ?, ?, ?)",
			l.ID, l.CampaignID, nanos(l.TimeValue), l.Message)
		return t.fail(domain.EntityCampaignLog, "id", l.ID, err)
	})
	if err != nil {
		return domain.CampaignLog{}, err
	}
	return l, nil
}

func (t *Tx) DeleteCampaignLog(id string) error {
	return t.guard(func() error {
		res, err := t.Exec("DELETE FROM campaignlog WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("delete campaign log: %w", err)
		}
		return mustAffect(res, domain.EntityCampaignLog, id)
	})
}

// Named reference tables share one shape: id plus a globally unique name.

func (t *Tx) createNamed(entity domain.EntityType, table, id, name string) error {
	return t.guard(func() error {
		_, err := t.Exec("INSERT INTO "+table+" (id, name) VALUES (?, ?)", id, name)
		return t.fail(entity, "name", name, err)
	})
}

func (t *Tx) renameNamed(entity domain.EntityType, table, id, name string) error {
	return t.guard(func() error {
		_, err := t.Exec("UPDATE "+table+" SET name = ? WHERE id = ?", name, id)
		return t.fail(entity, "name", name, err)
	})
}

func (t *Tx) deleteRow(entity domain.EntityType, table, id string, blockers ...blocker) error {
	return t.guard(func() error {
		if ok, err := t.exists(table, id); err != nil || !ok {
			if err != nil {
				return err
			}
			return domain.NotFound(entity, id)
		}
		for _, b := range blockers {
			if err := t.blockIfReferenced(entity, id, b.entity, b.table, b.column); err != nil {
				return err
			}
		}
		_, err := t.Exec("DELETE FROM "+table+" WHERE id = ?", id)
		return t.fail(entity, "id", id, err)
	})
}

type blocker struct {
	entity domain.EntityType
	table  string
	column string
}

func (t *Tx) CreateActivityType(a domain.ActivityType) (domain.ActivityType, error) {
	if err := domain.AssignID(&a.ID); err != nil {
		return domain.ActivityType{}, err
	}
	if err := a.Validate(); err != nil {
		return domain.ActivityType{}, err
	}
	if err := t.createNamed(domain.EntityActivityType, "activitytype", a.ID, a.Name); err != nil {
		return domain.ActivityType{}, err
	}
	return a, nil
}

func (t *Tx) UpdateActivityType(id string, mutator func(*domain.ActivityType) error) (domain.ActivityType, error) {
	current, err := t.GetActivityType(id)
	if err != nil {
		return domain.ActivityType{}, err
	}
	if err := mutator(&current); err != nil {
		return domain.ActivityType{}, err
	}
	if current.ID != id {
		return domain.ActivityType{}, immutableID(domain.EntityActivityType)
	}
	if err := current.Validate(); err != nil {
		return domain.ActivityType{}, err
	}
	if err := t.renameNamed(domain.EntityActivityType, "activitytype", id, current.Name); err != nil {
		return domain.ActivityType{}, err
	}
	return current, nil
}

func (t *Tx) DeleteActivityType(id string) error {
	return t.deleteRow(domain.EntityActivityType, "activitytype", id, blocker{domain.EntityActivity, "activity", "activitytype_id"})
}

func (t *Tx) CreatePlatformType(p domain.PlatformType) (domain.PlatformType, error) {
	if err := domain.AssignID(&p.ID); err != nil {
		return domain.PlatformType{}, err
	}
	if err := p.Validate(); err != nil {
		return domain.PlatformType{}, err
	}
	if err := t.createNamed(domain.EntityPlatformType, "platformtype", p.ID, p.Name); err != nil {
		return domain.PlatformType{}, err
	}
	return p, nil
}

func (t *Tx) UpdatePlatformType(id string, mutator func(*domain.PlatformType) error) (domain.PlatformType, error) {
	current, err := t.GetPlatformType(id)
	if err != nil {
		return domain.PlatformType{}, err
	}
	if err := mutator(&current); err != nil {
		return domain.PlatformType{}, err
	}
	if current.ID != id {
		return domain.PlatformType{}, immutableID(domain.EntityPlatformType)
	}
	if err := current.Validate(); err != nil {
		return domain.PlatformType{}, err
	}
	if err := t.renameNamed(domain.EntityPlatformType, "platformtype", id, current.Name); err != nil {
		return domain.PlatformType{}, err
	}
	return current, nil
}

func (t *Tx) DeletePlatformType(id string) error {
	return t.deleteRow(domain.EntityPlatformType, "platformtype", id, blocker{domain.EntityPlatform, "platform", "platformtype_id"})
}

// Platforms

func (t *Tx) CreatePlatform(p domain.Platform) (domain.Platform, error) {
	if err := domain.AssignID(&p.ID); err != nil {
		return domain.Platform{}, err
	}
	if err := p.Validate(); err != nil {
		return domain.Platform{}, err
	}
	err := t.guard(func() error {
		if err := t.requireRef(domain.EntityPlatform, p.ID, domain.EntityPlatformType, "platformtype", p.PlatformTypeID); err != nil {
			return err
		}
		_, err := t.Exec("INSERT INTO platform (id, name, platformtype_id) VALUES (?, ?, ?)", p.ID, p.Name, p.PlatformTypeID)
		return t.fail(domain.EntityPlatform, "id", p.ID, err)
	})
	if err != nil {
		return domain.Platform{}, err
	}
	return p, nil
}

func (t *Tx) UpdatePlatform(id string, mutator func(*domain.Platform) error) (domain.Platform, error) {
	current, err := t.GetPlatform(id)
	if err != nil {
		return domain.Platform{}, err
	}
	if err := mutator(&current); err != nil {
		return domain.Platform{}, err
	}
	if current.ID != id {
		return domain.Platform{}, immutableID(domain.EntityPlatform)
	}
	if err := current.Validate(); err != nil {
		return domain.Platform{}, err
	}
	err = t.guard(func() error {
		if err := t.requireRef(domain.EntityPlatform, id, domain.EntityPlatformType, "platformtype", current.PlatformTypeID); err != nil {
			return err
		}
		_, err := t.Exec("UPDATE platform SET name = ?, platformtype_id = ? WHERE id = ?", current.Name, current.PlatformTypeID, id)
		return t.fail(domain.EntityPlatform, "id", id, err)
	})
	if err != nil {
		return domain.Platform{}, err
	}
	return current, nil
}

func (t *Tx) DeletePlatform(id string) error {
	return t.deleteRow(domain.EntityPlatform, "platform", id, blocker{domain.EntityActivity, "activity", "platform_id"})
}

// Parameters

func parameterArgs(p domain.Parameter) []any {
	return []any{p.Name, nullString(p.Type), nullString(p.Description), nullString(p.StandardName), nullString(p.LongName), nullString(p.Units), nullString(p.Origin)}
}

func (t *Tx) CreateParameter(p domain.Parameter) (domain.Parameter, error) {
	if err := domain.AssignID(&p.ID); err != nil {
		return domain.Parameter{}, err
	}
	if err := p.Validate(); err != nil {
		return domain.Parameter{}, err
	}
	err := t.guard(func() error {
		args := append([]any{p.ID}, parameterArgs(p)...)
		_, err := t.Exec("INSERT INTO parameter (id, name, type, description, standard_name, long_name, units, origin) VALUES (?, ?, ?, ?, ?, ?, ?, ?)", args...)
		return t.fail(domain.EntityParameter, "name", p.Name, err)
	})
	if err != nil {
		return domain.Parameter{}, err
	}
	return p, nil
}

func (t *Tx) UpdateParameter(id string, mutator func(*domain.Parameter) error) (domain.Parameter, error) {
	current, err := t.GetParameter(id)
	if err != nil {
		return domain.Parameter{}, err
	}
	if err := mutator(&current); err != nil {
		return domain.Parameter{}, err
	}
	if current.ID != id {
		return domain.Parameter{}, immutableID(domain.EntityParameter)
	}
	if err := current.Validate(); err != nil {
		return domain.Parameter{}, err
	}
	err = t.guard(func() error {
		args := append(parameterArgs(current), id)
		_, err := t.Exec("UPDATE parameter SET name = ?, type = ?, description = ?, standard_name = ?, long_name = ?, units = ?, origin = ? WHERE id = ?", args...)
		return t.fail(domain.EntityParameter, "name", current.Name, err)
	})
	if err != nil {
		return domain.Parameter{}, err
	}
	return current, nil
}

func (t *Tx) DeleteParameter(id string) error {
	return t.deleteRow(domain.EntityParameter, "parameter", id,
		blocker{domain.EntityMeasuredParameter, "measuredparameter", "parameter_id"},
		blocker{domain.EntityActivityParameter, "activityparameter", "parameter_id"})
}

// Activities

const activityCols = "id, campaign_id, platform_id, activitytype_id, name, comment, startdate, enddate, num_measuredparameters, loaded_date, CAST(maptrack AS TEXT), "

func (t *Tx) activitySelect() string {
	return "SELECT " + activityCols + t.d.DecimalSelect("mindepth") + ", " + t.d.DecimalSelect("maxdepth") + " FROM activity"
}

func scanActivity(row scanner) (domain.Activity, error) {
	var (
		a                 domain.Activity
		campaign, atype   sql.NullString
		start             int64
		end, num, loaded  sql.NullInt64
		track, minD, maxD sql.NullString
	)
	if err := row.Scan(&a.ID, &campaign, &a.PlatformID, &atype, &a.Name, &a.Comment, &start, &end, &num, &loaded, &track, &minD, &maxD); err != nil {
		return domain.Activity{}, err
	}
	a.CampaignID = stringPtr(campaign)
	a.ActivityTypeID = stringPtr(atype)
	a.StartDate = fromNanos(start)
	a.EndDate = timePtr(end)
	a.NumMeasuredParameters = intPtr(num)
	a.LoadedDate = timePtr(loaded)
	var err error
	if a.MapTrack, err = decodeTrack(track); err != nil {
		return domain.Activity{}, err
	}
	if a.MinDepth, err = decimalPtr("mindepth", minD); err != nil {
		return domain.Activity{}, err
	}
	if a.MaxDepth, err = decimalPtr("maxdepth", maxD); err != nil {
		return domain.Activity{}, err
	}
	return a, nil
}

func (t *Tx) checkActivityRefs(a domain.Activity) error {
	if err := t.requireRef(domain.EntityActivity, a.ID, domain.EntityPlatform, "platform", a.PlatformID); err != nil {
		return err
	}
	if a.CampaignID != nil {
		if err := t.requireRef(domain.EntityActivity, a.ID, domain.EntityCampaign, "campaign", *a.CampaignID); err != nil {
			return err
		}
	}
	if a.ActivityTypeID != nil {
		if err := t.requireRef(domain.EntityActivity, a.ID, domain.EntityActivityType, "activitytype", *a.ActivityTypeID); err != nil {
			return err
		}
	}
	return nil
}

func activityArgs(a domain.Activity) ([]any, error) {
	track, err := encodeTrack(a.MapTrack)
	if err != nil {
		return nil, err
	}
	return []any{
		nullString(a.CampaignID), a.PlatformID, nullString(a.ActivityTypeID), a.Name, a.Comment,
		nanos(a.StartDate), nullNanos(a.EndDate), nullInt(a.NumMeasuredParameters), nullNanos(a.LoadedDate),
		track, nullDecimal(a.MinDepth), nullDecimal(a.MaxDepth),
	}, nil
}

func (t *Tx) CreateActivity(a domain.Activity) (domain.Activity, error) {
	if err := domain.AssignID(&a.ID); err != nil {
		return domain.Activity{}, err
	}
	if err := a.Validate(); err != nil {
		return domain.Activity{}, err
	}
	args, err := activityArgs(a)
	if err != nil {
		return domain.Activity{}, err
	}
	err = t.guard(func() error {
		if err := t.checkActivityRefs(a); err != nil {
			return err
		}
		_, err := t.Exec("INSERT INTO activity (id, campaign_id, platform_id, activitytype_id, name, comment, startdate, enddate, num_measuredparameters, loaded_date, maptrack, mindepth, maxdepth) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			append([]any{a.ID}, args...)...)
		return t.fail(domain.EntityActivity, "id", a.ID, err)
	})
	if err != nil {
		return domain.Activity{}, err
	}
	return t.GetActivity(a.ID)
}

func (t *Tx) UpdateActivity(id string, mutator func(*domain.Activity) error) (domain.Activity, error) {
	current, err := t.GetActivity(id)
	if err != nil {
		return domain.Activity{}, err
	}
	if err := mutator(&current); err != nil {
		return domain.Activity{}, err
	}
	if current.ID != id {
		return domain.Activity{}, immutableID(domain.EntityActivity)
	}
	if err := current.Validate(); err != nil {
		return domain.Activity{}, err
	}
	args, err := activityArgs(current)
	if err != nil {
		return domain.Activity{}, err
	}
	err = t.guard(func() error {
		if err := t.checkActivityRefs(current); err != nil {
			return err
		}
		_, err := t.Exec("UPDATE activity SET campaign_id = ?, platform_id = ?, activitytype_id = ?, name = ?, comment = ?, startdate = ?, enddate = ?, num_measuredparameters = ?, loaded_date = ?, maptrack = ?, mindepth = ?, maxdepth = ? WHERE id = ?",
			append(args, id)...)
		return t.fail(domain.EntityActivity, "id", id, err)
	})
	if err != nil {
		return domain.Activity{}, err
	}
	return t.GetActivity(id)
}

func (t *Tx) DeleteActivity(id string) error {
	return t.guard(func() error {
		if err := t.purgeActivity(id); err != nil {
			return err
		}
		_, err := t.Exec("DELETE FROM activity WHERE id = ?", id)
		return t.fail(domain.EntityActivity, "id", id, err)
	})
}

func (t *Tx) PurgeActivityData(id string) error {
	return t.guard(func() error {
		if err := t.purgeActivity(id); err != nil {
			return err
		}
		_, err := t.Exec("UPDATE activity SET num_measuredparameters = NULL, maptrack = NULL, mindepth = NULL, maxdepth = NULL, loaded_date = NULL WHERE id = ?", id)
		return t.fail(domain.EntityActivity, "id", id, err)
	})
}

// purgeActivity deletes every sample row and count beneath an activity, leaves first.
func (t *Tx) purgeActivity(id string) error {
	ok, err := t.exists("activity", id)
	if err != nil {
		return err
	}
	if !ok {
		return domain.NotFound(domain.EntityActivity, id)
	}
	stmts := []string{
		"DELETE FROM measuredparameter WHERE measurement_id IN (SELECT m.id FROM measurement m JOIN instantpoint ip ON ip.id = m.instantpoint_id WHERE ip.activity_id = ?)",
		"DELETE FROM measurement WHERE instantpoint_id IN (SELECT id FROM instantpoint WHERE activity_id = ?)",
		"DELETE FROM instantpoint WHERE activity_id = ?",
		"DELETE FROM activityparameter WHERE activity_id = ?",
	}
	for _, stmt := range stmts {
		if _, err := t.Exec(stmt, id); err != nil {
			return fmt.Errorf("purge activity %q: %w", id, err)
		}
	}
	return nil
}
