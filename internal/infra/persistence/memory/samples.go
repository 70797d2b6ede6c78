package memory

import (
	"fmt"
	"math"

	"stoqscore/pkg/domain"
)

func sampleID(id int64) string { return fmt.Sprint(id) }

// Instant points

func (v view) findInstant(activityID string, at int64) (domain.InstantPoint, bool) {
	var (
		found domain.InstantPoint
		ok    bool
	)
	v.st.instantsByActivity.Ascend(timeKey{activity: activityID, at: at, id: math.MinInt64}, func(k timeKey) bool {
		if k.activity == activityID && k.at == at {
			found, ok = v.st.instants.Get(k.id)
		}
		return false
	})
	return found, ok
}

func (tx *transaction) CreateInstantPoint(p domain.InstantPoint) (domain.InstantPoint, error) {
	p.TimeValue = p.TimeValue.UTC()
	if err := p.Validate(); err != nil {
		return domain.InstantPoint{}, err
	}
	if _, ok := tx.st.activities.Get(p.ActivityID); !ok {
		return domain.InstantPoint{}, domain.MissingReference(domain.EntityInstantPoint, sampleID(p.ID), domain.EntityActivity, p.ActivityID)
	}
	at := p.TimeValue.UnixNano()
	if existing, dup := tx.findInstant(p.ActivityID, at); dup {
		return domain.InstantPoint{}, &domain.UniquenessError{Entity: domain.EntityInstantPoint, Key: "activity_id,timevalue", Value: fmt.Sprintf("%s@%s (id %d)", p.ActivityID, p.TimeValue.Format("2006-01-02T15:04:05.999999999Z"), existing.ID)}
	}
	if p.ID == 0 {
		tx.st.seqInstant++
		p.ID = tx.st.seqInstant
	} else {
		if _, exists := tx.st.instants.Get(p.ID); exists {
			return domain.InstantPoint{}, duplicateID(domain.EntityInstantPoint, sampleID(p.ID))
		}
		if p.ID > tx.st.seqInstant {
			tx.st.seqInstant = p.ID
		}
	}
	tx.st.instants.Set(p.ID, p)
	tx.st.instantsByActivity.Set(timeKey{activity: p.ActivityID, at: at, id: p.ID})
	tx.st.instantsByTime.Set(timeKey{at: at, id: p.ID})
	return p, nil
}

// DeleteInstantPoint removes the instant with its measurements and values and
// decrements the activity's cached counts.
func (tx *transaction) DeleteInstantPoint(id int64) error {
	ip, ok := tx.st.instants.Get(id)
	if !ok {
		return domain.NotFound(domain.EntityInstantPoint, sampleID(id))
	}
	tx.removeInstant(ip, true)
	return nil
}

func (tx *transaction) removeInstant(ip domain.InstantPoint, decrement bool) {
	activity := ""
	if decrement {
		activity = ip.ActivityID
	}
	for _, mid := range childrenOf(tx.st.measurementsByInstant, ip.ID) {
		if m, ok := tx.st.measurements.Get(mid); ok {
			tx.removeMeasurement(m, activity)
		}
	}
	at := ip.TimeValue.UnixNano()
	tx.st.instants.Delete(ip.ID)
	tx.st.instantsByActivity.Delete(timeKey{activity: ip.ActivityID, at: at, id: ip.ID})
	tx.st.instantsByTime.Delete(timeKey{at: at, id: ip.ID})
}

// Measurements

func (tx *transaction) CreateMeasurement(m domain.Measurement) (domain.Measurement, error) {
	if err := m.Validate(); err != nil {
		return domain.Measurement{}, err
	}
	if _, ok := tx.st.instants.Get(m.InstantPointID); !ok {
		return domain.Measurement{}, domain.MissingReference(domain.EntityMeasurement, sampleID(m.ID), domain.EntityInstantPoint, sampleID(m.InstantPointID))
	}
	if m.ID == 0 {
		tx.st.seqMeasurement++
		m.ID = tx.st.seqMeasurement
	} else {
		if _, exists := tx.st.measurements.Get(m.ID); exists {
			return domain.Measurement{}, duplicateID(domain.EntityMeasurement, sampleID(m.ID))
		}
		if m.ID > tx.st.seqMeasurement {
			tx.st.seqMeasurement = m.ID
		}
	}
	tx.st.measurements.Set(m.ID, m)
	tx.st.measurementsByInstant.Set(childKey{parent: m.InstantPointID, id: m.ID})
	tx.st.measurementsByDepth.Set(decimalKey{value: m.Depth, id: m.ID})
	r := pointRect(m.Geom)
	tx.st.points.Insert(r, r, m.ID)
	return m, nil
}

func (tx *transaction) DeleteMeasurement(id int64) error {
	m, ok := tx.st.measurements.Get(id)
	if !ok {
		return domain.NotFound(domain.EntityMeasurement, sampleID(id))
	}
	ip, _ := tx.st.instants.Get(m.InstantPointID)
	tx.removeMeasurement(m, ip.ActivityID)
	return nil
}

// removeMeasurement deletes m and its values. A non-empty activity has its
// cached counts decremented for each removed value.
func (tx *transaction) removeMeasurement(m domain.Measurement, activity string) {
	for _, mpID := range childrenOf(tx.st.measuredByMeasurement, m.ID) {
		mp, ok := tx.st.measured.Get(mpID)
		if !ok {
			continue
		}
		tx.removeMeasured(mp)
		if activity != "" {
			tx.adjustActivityParam(activity, mp.ParameterID, -1)
		}
	}
	tx.st.measurements.Delete(m.ID)
	tx.st.measurementsByInstant.Delete(childKey{parent: m.InstantPointID, id: m.ID})
	tx.st.measurementsByDepth.Delete(decimalKey{value: m.Depth, id: m.ID})
	r := pointRect(m.Geom)
	tx.st.points.Delete(r, r, m.ID)
}

// Measured parameters

func (tx *transaction) CreateMeasuredParameter(mp domain.MeasuredParameter) (domain.MeasuredParameter, error) {
	if err := mp.Validate(); err != nil {
		return domain.MeasuredParameter{}, err
	}
	if _, ok := tx.st.measurements.Get(mp.MeasurementID); !ok {
		return domain.MeasuredParameter{}, domain.MissingReference(domain.EntityMeasuredParameter, sampleID(mp.ID), domain.EntityMeasurement, sampleID(mp.MeasurementID))
	}
	if _, ok := tx.st.parameters.Get(mp.ParameterID); !ok {
		return domain.MeasuredParameter{}, domain.MissingReference(domain.EntityMeasuredParameter, sampleID(mp.ID), domain.EntityParameter, mp.ParameterID)
	}
	for _, sibling := range childrenOf(tx.st.measuredByMeasurement, mp.MeasurementID) {
		if other, ok := tx.st.measured.Get(sibling); ok && other.ParameterID == mp.ParameterID {
			return domain.MeasuredParameter{}, &domain.UniquenessError{Entity: domain.EntityMeasuredParameter, Key: "measurement_id,parameter_id", Value: fmt.Sprintf("%d/%s", mp.MeasurementID, mp.ParameterID)}
		}
	}
	if mp.ID == 0 {
		tx.st.seqMeasured++
		mp.ID = tx.st.seqMeasured
	} else {
		if _, exists := tx.st.measured.Get(mp.ID); exists {
			return domain.MeasuredParameter{}, duplicateID(domain.EntityMeasuredParameter, sampleID(mp.ID))
		}
		if mp.ID > tx.st.seqMeasured {
			tx.st.seqMeasured = mp.ID
		}
	}
	tx.st.measured.Set(mp.ID, mp)
	tx.st.measuredByMeasurement.Set(childKey{parent: mp.MeasurementID, id: mp.ID})
	tx.st.measuredByParameter.Set(paramKey{parameter: mp.ParameterID, id: mp.ID})
	tx.st.measuredByValue.Set(decimalKey{value: mp.DataValue, id: mp.ID})
	return mp, nil
}

func (tx *transaction) DeleteMeasuredParameter(id int64) error {
	mp, ok := tx.st.measured.Get(id)
	if !ok {
		return domain.NotFound(domain.EntityMeasuredParameter, sampleID(id))
	}
	m, _ := tx.st.measurements.Get(mp.MeasurementID)
	ip, _ := tx.st.instants.Get(m.InstantPointID)
	tx.removeMeasured(mp)
	tx.adjustActivityParam(ip.ActivityID, mp.ParameterID, -1)
	return nil
}

func (tx *transaction) removeMeasured(mp domain.MeasuredParameter) {
	tx.st.measured.Delete(mp.ID)
	tx.st.measuredByMeasurement.Delete(childKey{parent: mp.MeasurementID, id: mp.ID})
	tx.st.measuredByParameter.Delete(paramKey{parameter: mp.ParameterID, id: mp.ID})
	tx.st.measuredByValue.Delete(decimalKey{value: mp.DataValue, id: mp.ID})
}

// Activity parameters

func (tx *transaction) CreateActivityParameter(ap domain.ActivityParameter) (domain.ActivityParameter, error) {
	if err := domain.AssignID(&ap.ID); err != nil {
		return domain.ActivityParameter{}, err
	}
	if err := ap.Validate(); err != nil {
		return domain.ActivityParameter{}, err
	}
	if _, exists := tx.st.activityParams.Get(ap.ID); exists {
		return domain.ActivityParameter{}, duplicateID(domain.EntityActivityParameter, ap.ID)
	}
	if _, ok := tx.st.activities.Get(ap.ActivityID); !ok {
		return domain.ActivityParameter{}, domain.MissingReference(domain.EntityActivityParameter, ap.ID, domain.EntityActivity, ap.ActivityID)
	}
	if _, ok := tx.st.parameters.Get(ap.ParameterID); !ok {
		return domain.ActivityParameter{}, domain.MissingReference(domain.EntityActivityParameter, ap.ID, domain.EntityParameter, ap.ParameterID)
	}
	if _, taken := tx.st.activityParamPairs.Get(pairKey(ap.ActivityID, ap.ParameterID)); taken {
		return domain.ActivityParameter{}, &domain.UniquenessError{Entity: domain.EntityActivityParameter, Key: "activity_id,parameter_id", Value: ap.ActivityID + "/" + ap.ParameterID}
	}
	tx.putActivityParam(ap)
	return ap, nil
}

func (tx *transaction) IncrementActivityParameter(activityID, parameterID string, delta int64) (domain.ActivityParameter, error) {
	id, ok := tx.st.activityParamPairs.Get(pairKey(activityID, parameterID))
	if !ok {
		return domain.ActivityParameter{}, domain.NotFound(domain.EntityActivityParameter, activityID+"/"+parameterID)
	}
	ap, _ := tx.st.activityParams.Get(id)
	ap.Number += delta
	if err := ap.Validate(); err != nil {
		return domain.ActivityParameter{}, err
	}
	tx.putActivityParam(ap)
	return ap, nil
}

func (tx *transaction) SetActivityParameterCount(activityID, parameterID string, n int64) error {
	if n < 0 {
		return &domain.ValidationError{Entity: domain.EntityActivityParameter, Field: "number", Reason: "must not be negative"}
	}
	id, ok := tx.st.activityParamPairs.Get(pairKey(activityID, parameterID))
	if !ok {
		if n == 0 {
			return nil
		}
		_, err := tx.CreateActivityParameter(domain.ActivityParameter{ActivityID: activityID, ParameterID: parameterID, Number: n})
		return err
	}
	ap, _ := tx.st.activityParams.Get(id)
	if n == 0 {
		tx.removeActivityParam(ap)
		return nil
	}
	ap.Number = n
	tx.putActivityParam(ap)
	return nil
}

// Writers are serialized, so the count and the store cannot interleave.
func (tx *transaction) RecountActivityParameter(activityID, parameterID string) (int64, error) {
	n, err := tx.CountMeasuredParameters(activityID, parameterID)
	if err != nil {
		return 0, err
	}
	return n, tx.SetActivityParameterCount(activityID, parameterID, n)
}

func (tx *transaction) adjustActivityParam(activityID, parameterID string, delta int64) {
	id, ok := tx.st.activityParamPairs.Get(pairKey(activityID, parameterID))
	if !ok {
		return
	}
	ap, _ := tx.st.activityParams.Get(id)
	ap.Number += delta
	if ap.Number <= 0 {
		tx.removeActivityParam(ap)
		return
	}
	tx.putActivityParam(ap)
}

func (tx *transaction) putActivityParam(ap domain.ActivityParameter) {
	tx.st.activityParams.Set(ap.ID, ap)
	tx.st.activityParamPairs.Set(pairKey(ap.ActivityID, ap.ParameterID), ap.ID)
	tx.st.activityParamsByParameter.Set(refKey{parent: ap.ParameterID, id: ap.ID})
}

func (tx *transaction) removeActivityParam(ap domain.ActivityParameter) {
	tx.st.activityParams.Delete(ap.ID)
	tx.st.activityParamPairs.Delete(pairKey(ap.ActivityID, ap.ParameterID))
	tx.st.activityParamsByParameter.Delete(refKey{parent: ap.ParameterID, id: ap.ID})
}

// InsertSamples writes every sample of a batch. Instants already present for
// the activity are reused; a failure leaves the caller to abort the transaction.
func (tx *transaction) InsertSamples(activityID string, samples []domain.Sample) (domain.SampleBatchResult, error) {
	result := domain.SampleBatchResult{PerParameter: make(map[string]int64)}
	if _, ok := tx.st.activities.Get(activityID); !ok {
		return result, domain.MissingReference(domain.EntityInstantPoint, "", domain.EntityActivity, activityID)
	}
	for i, s := range samples {
		if err := s.Validate(); err != nil {
			return result, fmt.Errorf("sample %d: %w", i, err)
		}
		ip, reused := tx.findInstant(activityID, s.TimeValue.UTC().UnixNano())
		if !reused {
			created, err := tx.CreateInstantPoint(domain.InstantPoint{ActivityID: activityID, TimeValue: s.TimeValue})
			if err != nil {
				return result, fmt.Errorf("sample %d: %w", i, err)
			}
			ip = created
			result.InstantPoints++
		}
		m, err := tx.CreateMeasurement(domain.Measurement{InstantPointID: ip.ID, Depth: s.Depth, Geom: s.Geom})
		if err != nil {
			return result, fmt.Errorf("sample %d: %w", i, err)
		}
		result.Measurements++
		for _, v := range s.Values {
			if _, err := tx.CreateMeasuredParameter(domain.MeasuredParameter{MeasurementID: m.ID, ParameterID: v.ParameterID, DataValue: v.Value}); err != nil {
				return result, fmt.Errorf("sample %d: %w", i, err)
			}
			result.MeasuredParameters++
			result.PerParameter[v.ParameterID]++
		}
	}
	return result, nil
}
