// Package storetest holds the behavioural contract every domain.PersistentStore
// backend must satisfy. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stoqscore/pkg/domain"
)

// Factory opens a fresh, empty store for one subtest.
type Factory func(t *testing.T) domain.PersistentStore

// Fixture holds the reference rows seeded for most contract cases.
type Fixture struct {
	PlatformTypeID string
	PlatformID     string
	CampaignID     string
	ActivityID     string
	TemperatureID  string
	SalinityID     string
}

// T0 is the base timestamp used by fixtures.
var T0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// Seed creates a platform type, platform, campaign, activity and two parameters.
func Seed(t *testing.T, store domain.PersistentStore) Fixture {
	t.Helper()
	var fx Fixture
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		pt, err := tx.CreatePlatformType(domain.PlatformType{Name: "auv"})
		if err != nil {
			return err
		}
		p, err := tx.CreatePlatform(domain.Platform{Name: "dorado", PlatformTypeID: pt.ID})
		if err != nil {
			return err
		}
		start := T0
		c, err := tx.CreateCampaign(domain.Campaign{Name: "CANON", StartDate: &start})
		if err != nil {
			return err
		}
		a, err := tx.CreateActivity(domain.Activity{Name: "Dorado389_2024_122", PlatformID: p.ID, CampaignID: &c.ID, StartDate: T0})
		if err != nil {
			return err
		}
		temp, err := tx.CreateParameter(domain.Parameter{Name: "temperature"})
		if err != nil {
			return err
		}
		sal, err := tx.CreateParameter(domain.Parameter{Name: "salinity"})
		if err != nil {
			return err
		}
		fx = Fixture{PlatformTypeID: pt.ID, PlatformID: p.ID, CampaignID: c.ID, ActivityID: a.ID, TemperatureID: temp.ID, SalinityID: sal.ID}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return fx
}

// Samples builds n samples one second apart along a short track, each carrying
// temperature and salinity values.
func Samples(fx Fixture, n int) []domain.Sample {
	out := make([]domain.Sample, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, domain.Sample{
			TimeValue: T0.Add(time.Duration(i) * time.Second),
			Geom:      domain.Point{Lon: -122.5 + float64(i)*0.001, Lat: 36.8},
			Depth:     decimal.NewFromInt(10).Add(decimal.RequireFromString("0.5").Mul(decimal.NewFromInt(int64(i)))),
			Values: []domain.SampleValue{
				{ParameterID: fx.TemperatureID, Value: domain.MustDecimal("12.25")},
				{ParameterID: fx.SalinityID, Value: domain.MustDecimal("33.5")},
			},
		})
	}
	return out
}

// Run executes the contract against stores produced by open.
func Run(t *testing.T, open Factory) {
	cases := []struct {
		name string
		fn   func(*testing.T, domain.PersistentStore)
	}{
		{"MeasurementRequiresInstantPoint", testMeasurementRequiresInstantPoint},
		{"DuplicateMeasuredParameter", testDuplicateMeasuredParameter},
		{"InstantPointUniquePerActivity", testInstantPointUniquePerActivity},
		{"DecimalRoundTrip", testDecimalRoundTrip},
		{"GeometryValidation", testGeometryValidation},
		{"ActivityDeleteCascades", testActivityDeleteCascades},
		{"PlatformTypeDeleteRejected", testPlatformTypeDeleteRejected},
		{"CampaignDeletePolicy", testCampaignDeletePolicy},
		{"CampaignNameUniquePerDay", testCampaignNameUniquePerDay},
		{"ReferenceNamesUnique", testReferenceNamesUnique},
		{"RollbackOnError", testRollbackOnError},
		{"ActivityParameterCounts", testActivityParameterCounts},
		{"RecountActivityParameter", testRecountActivityParameter},
		{"SampleDeletesDecrementCounts", testSampleDeletesDecrementCounts},
		{"PurgeActivityData", testPurgeActivityData},
		{"InsertSamplesAndQuery", testInsertSamplesAndQuery},
		{"NearestMeasurements", testNearestMeasurements},
		{"SummarizeActivity", testSummarizeActivity},
		{"UpdateKeepsIdentity", testUpdateKeepsIdentity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := open(t)
			t.Cleanup(func() { _ = store.Close() })
			tc.fn(t, store)
		})
	}
}

func run(t *testing.T, store domain.PersistentStore, fn func(domain.Transaction) error) error {
	t.Helper()
	return store.RunInTransaction(context.Background(), fn)
}

func mustRun(t *testing.T, store domain.PersistentStore, fn func(domain.Transaction) error) {
	t.Helper()
	if err := run(t, store, fn); err != nil {
		t.Fatalf("transaction: %v", err)
	}
}

func view(t *testing.T, store domain.PersistentStore, fn func(domain.TransactionView) error) {
	t.Helper()
	if err := store.View(context.Background(), fn); err != nil {
		t.Fatalf("view: %v", err)
	}
}

func insertOne(t *testing.T, store domain.PersistentStore, fx Fixture, s domain.Sample) (domain.InstantPoint, domain.Measurement) {
	t.Helper()
	var (
		ip domain.InstantPoint
		m  domain.Measurement
	)
	mustRun(t, store, func(tx domain.Transaction) error {
		var err error
		if ip, err = tx.FindInstantPoint(fx.ActivityID, s.TimeValue); errors.Is(err, domain.ErrNotFound) {
			ip, err = tx.CreateInstantPoint(domain.InstantPoint{ActivityID: fx.ActivityID, TimeValue: s.TimeValue})
		}
		if err != nil {
			return err
		}
		m, err = tx.CreateMeasurement(domain.Measurement{InstantPointID: ip.ID, Depth: s.Depth, Geom: s.Geom})
		return err
	})
	return ip, m
}

func testMeasurementRequiresInstantPoint(t *testing.T, store domain.PersistentStore) {
	fx := Seed(t, store)
	err := run(t, store, func(tx domain.Transaction) error {
		_, err := tx.CreateMeasurement(domain.Measurement{InstantPointID: 987654, Depth: domain.MustDecimal("5"), Geom: domain.Point{Lon: -122.5, Lat: 36.8}})
		return err
	})
	if !errors.Is(err, domain.ErrReferentialIntegrity) {
		t.Fatalf("expected referential integrity violation, got %v", err)
	}

	_, m := insertOne(t, store, fx, Samples(fx, 1)[0])
	view(t, store, func(v domain.TransactionView) error {
		got, err := v.GetMeasurement(m.ID)
		if err != nil {
			return err
		}
		if got.InstantPointID != m.InstantPointID || !got.Depth.Equal(m.Depth) {
			t.Fatalf("retrieved measurement mismatch: %+v vs %+v", got, m)
		}
		return nil
	})
}

func testDuplicateMeasuredParameter(t *testing.T, store domain.PersistentStore) {
	fx := Seed(t, store)
	_, m := insertOne(t, store, fx, Samples(fx, 1)[0])
	mustRun(t, store, func(tx domain.Transaction) error {
		_, err := tx.CreateMeasuredParameter(domain.MeasuredParameter{MeasurementID: m.ID, ParameterID: fx.TemperatureID, DataValue: domain.MustDecimal("11.1")})
		return err
	})
	err := run(t, store, func(tx domain.Transaction) error {
		_, err := tx.CreateMeasuredParameter(domain.MeasuredParameter{MeasurementID: m.ID, ParameterID: fx.TemperatureID, DataValue: domain.MustDecimal("11.2")})
		return err
	})
	if !errors.Is(err, domain.ErrUniqueness) {
		t.Fatalf("expected uniqueness violation, got %v", err)
	}
	err = run(t, store, func(tx domain.Transaction) error {
		_, err := tx.CreateMeasuredParameter(domain.MeasuredParameter{MeasurementID: m.ID, ParameterID: "0123456789abcdef0123456789abcdef", DataValue: domain.MustDecimal("1")})
		return err
	})
	if !errors.Is(err, domain.ErrReferentialIntegrity) {
		t.Fatalf("expected missing parameter to fail, got %v", err)
	}
}

func testInstantPointUniquePerActivity(t *testing.T, store domain.PersistentStore) {
	fx := Seed(t, store)
	mustRun(t, store, func(tx domain.Transaction) error {
		_, err := tx.CreateInstantPoint(domain.InstantPoint{ActivityID: fx.ActivityID, TimeValue: T0})
		return err
	})
	err := run(t, store, func(tx domain.Transaction) error {
		_, err := tx.CreateInstantPoint(domain.InstantPoint{ActivityID: fx.ActivityID, TimeValue: T0.In(time.FixedZone("PDT", -7*3600))})
		return err
	})
	if !errors.Is(err, domain.ErrUniqueness) {
		t.Fatalf("expected duplicate instant to fail, got %v", err)
	}
}

func testDecimalRoundTrip(t *testing.T, store domain.PersistentStore) {
	fx := Seed(t, store)
	const depth = "123.000000000000000000000000000001"
	s := Samples(fx, 1)[0]
	s.Depth = domain.MustDecimal(depth)
	_, m := insertOne(t, store, fx, s)
	var mp domain.MeasuredParameter
	mustRun(t, store, func(tx domain.Transaction) error {
		var err error
		mp, err = tx.CreateMeasuredParameter(domain.MeasuredParameter{MeasurementID: m.ID, ParameterID: fx.TemperatureID, DataValue: domain.MustDecimal("-0.000000000000000000000000000009")})
		return err
	})
	view(t, store, func(v domain.TransactionView) error {
		got, err := v.GetMeasurement(m.ID)
		if err != nil {
			return err
		}
		if got.Depth.String() != depth {
			t.Fatalf("depth round trip: got %s want %s", got.Depth.String(), depth)
		}
		value, err := v.GetMeasuredParameter(mp.ID)
		if err != nil {
			return err
		}
		if value.DataValue.String() != "-0.000000000000000000000000000009" {
			t.Fatalf("value round trip: %s", value.DataValue.String())
		}
		return nil
	})
}

func testGeometryValidation(t *testing.T, store domain.PersistentStore) {
	fx := Seed(t, store)
	ip, _ := insertOne(t, store, fx, Samples(fx, 1)[0])
	err := run(t, store, func(tx domain.Transaction) error {
		_, err := tx.CreateMeasurement(domain.Measurement{InstantPointID: ip.ID, Depth: domain.MustDecimal("1"), Geom: domain.Point{Lon: 181, Lat: 0}})
		return err
	})
	if !errors.Is(err, domain.ErrMalformedGeometry) {
		t.Fatalf("expected malformed geometry, got %v", err)
	}
	var m domain.Measurement
	mustRun(t, store, func(tx domain.Transaction) error {
		var err error
		m, err = tx.CreateMeasurement(domain.Measurement{InstantPointID: ip.ID, Depth: domain.MustDecimal("2"), Geom: domain.Point{Lon: -122.5, Lat: 36.8}})
		return err
	})
	view(t, store, func(v domain.TransactionView) error {
		got, err := v.GetMeasurement(m.ID)
		if err != nil {
			return err
		}
		if got.Geom != (domain.Point{Lon: -122.5, Lat: 36.8}) {
			t.Fatalf("geometry round trip: %+v", got.Geom)
		}
		return nil
	})
}

func testActivityDeleteCascades(t *testing.T, store domain.PersistentStore) {
	fx := Seed(t, store)
	var batch domain.SampleBatchResult
	mustRun(t, store, func(tx domain.Transaction) error {
		var err error
		batch, err = tx.InsertSamples(fx.ActivityID, Samples(fx, 3))
		if err != nil {
			return err
		}
		_, err = tx.CreateActivityParameter(domain.ActivityParameter{ActivityID: fx.ActivityID, ParameterID: fx.TemperatureID, Number: 3})
		return err
	})
	if batch.MeasuredParameters != 6 {
		t.Fatalf("expected 6 measured parameters, got %+v", batch)
	}
	err := run(t, store, func(tx domain.Transaction) error { return tx.DeletePlatform(fx.PlatformID) })
	if !errors.Is(err, domain.ErrReferentialIntegrity) {
		t.Fatalf("platform delete should be blocked by its activity, got %v", err)
	}
	mustRun(t, store, func(tx domain.Transaction) error { return tx.DeleteActivity(fx.ActivityID) })
	view(t, store, func(v domain.TransactionView) error {
		if _, err := v.GetActivity(fx.ActivityID); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("activity should be gone, got %v", err)
		}
		ips, err := v.ListInstantPoints(fx.ActivityID)
		if err != nil {
			return err
		}
		if len(ips) != 0 {
			t.Fatalf("instant points survived cascade: %d", len(ips))
		}
		recs, err := v.QueryMeasurements(domain.MeasurementQuery{})
		if err != nil {
			return err
		}
		if len(recs) != 0 {
			t.Fatalf("measurements survived cascade: %d", len(recs))
		}
		aps, err := v.ListActivityParameters(fx.ActivityID)
		if err != nil {
			return err
		}
		if len(aps) != 0 {
			t.Fatalf("activity parameters survived cascade: %d", len(aps))
		}
		return nil
	})
	mustRun(t, store, func(tx domain.Transaction) error { return tx.DeletePlatform(fx.PlatformID) })
	mustRun(t, store, func(tx domain.Transaction) error { return tx.DeleteParameter(fx.TemperatureID) })
}

func testPlatformTypeDeleteRejected(t *testing.T, store domain.PersistentStore) {
	fx := Seed(t, store)
	err := run(t, store, func(tx domain.Transaction) error { return tx.DeletePlatformType(fx.PlatformTypeID) })
	if !errors.Is(err, domain.ErrReferentialIntegrity) {
		t.Fatalf("expected referential integrity violation, got %v", err)
	}
	view(t, store, func(v domain.TransactionView) error {
		if _, err := v.GetPlatformType(fx.PlatformTypeID); err != nil {
			t.Fatalf("platform type should survive rejected delete: %v", err)
		}
		return nil
	})
}

func testCampaignDeletePolicy(t *testing.T, store domain.PersistentStore) {
	fx := Seed(t, store)
	mustRun(t, store, func(tx domain.Transaction) error {
		_, err := tx.CreateCampaignLog(domain.CampaignLog{CampaignID: fx.CampaignID, TimeValue: T0, Message: "ship departed"})
		return err
	})
	err := run(t, store, func(tx domain.Transaction) error { return tx.DeleteCampaign(fx.CampaignID) })
	if !errors.Is(err, domain.ErrReferentialIntegrity) {
		t.Fatalf("campaign delete should be blocked, got %v", err)
	}
	mustRun(t, store, func(tx domain.Transaction) error {
		if err := tx.DeleteActivity(fx.ActivityID); err != nil {
			return err
		}
		return tx.DeleteCampaign(fx.CampaignID)
	})
	view(t, store, func(v domain.TransactionView) error {
		logs, err := v.ListCampaignLogs(fx.CampaignID)
		if err != nil {
			return err
		}
		if len(logs) != 0 {
			t.Fatalf("campaign logs should cascade, got %d", len(logs))
		}
		return nil
	})
}

func testCampaignNameUniquePerDay(t *testing.T, store domain.PersistentStore) {
	Seed(t, store)
	sameDay := T0.Add(3 * time.Hour)
	err := run(t, store, func(tx domain.Transaction) error {
		_, err := tx.CreateCampaign(domain.Campaign{Name: "CANON", StartDate: &sameDay})
		return err
	})
	if !errors.Is(err, domain.ErrUniqueness) {
		t.Fatalf("expected duplicate campaign name on same day to fail, got %v", err)
	}
	nextDay := T0.Add(24 * time.Hour)
	mustRun(t, store, func(tx domain.Transaction) error {
		if _, err := tx.CreateCampaign(domain.Campaign{Name: "CANON", StartDate: &nextDay}); err != nil {
			return err
		}
		if _, err := tx.CreateCampaign(domain.Campaign{Name: "CANON"}); err != nil {
			return err
		}
		_, err := tx.CreateCampaign(domain.Campaign{Name: "CANON"})
		return err
	})
}

func testReferenceNamesUnique(t *testing.T, store domain.PersistentStore) {
	Seed(t, store)
	checks := map[string]func(domain.Transaction) error{
		"platform type": func(tx domain.Transaction) error {
			_, err := tx.CreatePlatformType(domain.PlatformType{Name: "auv"})
			return err
		},
		"parameter": func(tx domain.Transaction) error {
			_, err := tx.CreateParameter(domain.Parameter{Name: "temperature"})
			return err
		},
		"activity type": func(tx domain.Transaction) error {
			if _, err := tx.CreateActivityType(domain.ActivityType{Name: "transect"}); err != nil {
				return err
			}
			_, err := tx.CreateActivityType(domain.ActivityType{Name: "transect"})
			return err
		},
	}
	for name, fn := range checks {
		if err := run(t, store, fn); !errors.Is(err, domain.ErrUniqueness) {
			t.Fatalf("%s: expected uniqueness violation, got %v", name, err)
		}
	}
	view(t, store, func(v domain.TransactionView) error {
		if _, err := v.FindActivityTypeByName("transect"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("failed transaction leaked activity type: %v", err)
		}
		if _, err := v.FindParameterByName("temperature"); err != nil {
			t.Fatalf("find parameter: %v", err)
		}
		return nil
	})
}

func testRollbackOnError(t *testing.T, store domain.PersistentStore) {
	fx := Seed(t, store)
	boom := errors.New("boom")
	err := run(t, store, func(tx domain.Transaction) error {
		if _, err := tx.InsertSamples(fx.ActivityID, Samples(fx, 5)); err != nil {
			return err
		}
		if _, err := tx.CreatePlatformType(domain.PlatformType{Name: "glider"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	view(t, store, func(v domain.TransactionView) error {
		if _, err := v.FindPlatformTypeByName("glider"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("rolled back platform type visible: %v", err)
		}
		ips, err := v.ListInstantPoints(fx.ActivityID)
		if err != nil {
			return err
		}
		if len(ips) != 0 {
			t.Fatalf("rolled back samples visible: %d", len(ips))
		}
		return nil
	})
}

func testActivityParameterCounts(t *testing.T, store domain.PersistentStore) {
	fx := Seed(t, store)
	err := run(t, store, func(tx domain.Transaction) error {
		_, err := tx.IncrementActivityParameter(fx.ActivityID, fx.TemperatureID, 1)
		return err
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("increment of absent pair should report not found, got %v", err)
	}
	mustRun(t, store, func(tx domain.Transaction) error {
		if _, err := tx.CreateActivityParameter(domain.ActivityParameter{ActivityID: fx.ActivityID, ParameterID: fx.TemperatureID, Number: 1}); err != nil {
			return err
		}
		ap, err := tx.IncrementActivityParameter(fx.ActivityID, fx.TemperatureID, 4)
		if err != nil {
			return err
		}
		if ap.Number != 5 {
			t.Fatalf("expected 5, got %d", ap.Number)
		}
		return nil
	})
	err = run(t, store, func(tx domain.Transaction) error {
		_, err := tx.CreateActivityParameter(domain.ActivityParameter{ActivityID: fx.ActivityID, ParameterID: fx.TemperatureID, Number: 1})
		return err
	})
	if !errors.Is(err, domain.ErrUniqueness) {
		t.Fatalf("duplicate pair should fail, got %v", err)
	}
	mustRun(t, store, func(tx domain.Transaction) error {
		if err := tx.SetActivityParameterCount(fx.ActivityID, fx.SalinityID, 7); err != nil {
			return err
		}
		return tx.SetActivityParameterCount(fx.ActivityID, fx.TemperatureID, 0)
	})
	view(t, store, func(v domain.TransactionView) error {
		aps, err := v.ListActivityParameters(fx.ActivityID)
		if err != nil {
			return err
		}
		if len(aps) != 1 || aps[0].ParameterID != fx.SalinityID || aps[0].Number != 7 {
			t.Fatalf("unexpected counts: %+v", aps)
		}
		return nil
	})
}

func testRecountActivityParameter(t *testing.T, store domain.PersistentStore) {
	fx := Seed(t, store)
	mustRun(t, store, func(tx domain.Transaction) error {
		if _, err := tx.InsertSamples(fx.ActivityID, Samples(fx, 3)); err != nil {
			return err
		}
		return tx.SetActivityParameterCount(fx.ActivityID, fx.TemperatureID, 99)
	})
	mustRun(t, store, func(tx domain.Transaction) error {
		for _, pid := range []string{fx.TemperatureID, fx.SalinityID} {
			n, err := tx.RecountActivityParameter(fx.ActivityID, pid)
			if err != nil {
				return err
			}
			if n != 3 {
				t.Fatalf("parameter %s: recount %d, want 3", pid, n)
			}
		}
		return nil
	})
	err := run(t, store, func(tx domain.Transaction) error {
		_, err := tx.IncrementActivityParameter(fx.ActivityID, fx.TemperatureID, -10)
		return err
	})
	if !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("a negative count should be rejected, got %v", err)
	}
	view(t, store, func(v domain.TransactionView) error {
		aps, err := v.ListActivityParameters(fx.ActivityID)
		if err != nil {
			return err
		}
		if len(aps) != 2 || aps[0].Number != 3 || aps[1].Number != 3 {
			t.Fatalf("expected both counts replaced by the recount, got %+v", aps)
		}
		return nil
	})
}

func testSampleDeletesDecrementCounts(t *testing.T, store domain.PersistentStore) {
	fx := Seed(t, store)
	mustRun(t, store, func(tx domain.Transaction) error {
		batch, err := tx.InsertSamples(fx.ActivityID, Samples(fx, 2))
		if err != nil {
			return err
		}
		for pid, n := range batch.PerParameter {
			if err := tx.SetActivityParameterCount(fx.ActivityID, pid, n); err != nil {
				return err
			}
		}
		return nil
	})
	var first domain.InstantPoint
	view(t, store, func(v domain.TransactionView) error {
		ips, err := v.ListInstantPoints(fx.ActivityID)
		if err != nil {
			return err
		}
		first = ips[0]
		return nil
	})
	mustRun(t, store, func(tx domain.Transaction) error { return tx.DeleteInstantPoint(first.ID) })
	view(t, store, func(v domain.TransactionView) error {
		for _, pid := range []string{fx.TemperatureID, fx.SalinityID} {
			ap, err := v.GetActivityParameter(fx.ActivityID, pid)
			if err != nil {
				return err
			}
			n, err := v.CountMeasuredParameters(fx.ActivityID, pid)
			if err != nil {
				return err
			}
			if ap.Number != 1 || n != 1 {
				t.Fatalf("parameter %s: cached %d recount %d, want 1", pid, ap.Number, n)
			}
		}
		return nil
	})
	var last domain.MeasurementRecord
	view(t, store, func(v domain.TransactionView) error {
		recs, err := v.QueryMeasurements(domain.MeasurementQuery{ActivityIDs: []string{fx.ActivityID}})
		if err != nil {
			return err
		}
		last = recs[0]
		return nil
	})
	mustRun(t, store, func(tx domain.Transaction) error { return tx.DeleteMeasuredParameter(last.Values[0].ID) })
	mustRun(t, store, func(tx domain.Transaction) error { return tx.DeleteMeasurement(last.Measurement.ID) })
	view(t, store, func(v domain.TransactionView) error {
		aps, err := v.ListActivityParameters(fx.ActivityID)
		if err != nil {
			return err
		}
		if len(aps) != 0 {
			t.Fatalf("counts at zero should be removed: %+v", aps)
		}
		return nil
	})
}

func testPurgeActivityData(t *testing.T, store domain.PersistentStore) {
	fx := Seed(t, store)
	mustRun(t, store, func(tx domain.Transaction) error {
		if _, err := tx.InsertSamples(fx.ActivityID, Samples(fx, 4)); err != nil {
			return err
		}
		summary, err := tx.SummarizeActivity(fx.ActivityID)
		if err != nil {
			return err
		}
		loaded := T0.Add(time.Hour)
		_, err = tx.UpdateActivity(fx.ActivityID, func(a *domain.Activity) error {
			summary.Apply(a)
			a.LoadedDate = &loaded
			return nil
		})
		return err
	})
	mustRun(t, store, func(tx domain.Transaction) error { return tx.PurgeActivityData(fx.ActivityID) })
	view(t, store, func(v domain.TransactionView) error {
		a, err := v.GetActivity(fx.ActivityID)
		if err != nil {
			return err
		}
		if a.NumMeasuredParameters != nil || a.LoadedDate != nil || a.MinDepth != nil || len(a.MapTrack) != 0 {
			t.Fatalf("purge should reset cached summary: %+v", a)
		}
		ips, err := v.ListInstantPoints(fx.ActivityID)
		if err != nil {
			return err
		}
		if len(ips) != 0 {
			t.Fatalf("purge left %d instants", len(ips))
		}
		return nil
	})
}

func testInsertSamplesAndQuery(t *testing.T, store domain.PersistentStore) {
	fx := Seed(t, store)
	samples := Samples(fx, 10)
	extra := samples[2]
	extra.Depth = domain.MustDecimal("100")
	extra.Values = []domain.SampleValue{{ParameterID: fx.TemperatureID, Value: domain.MustDecimal("4.5")}}
	mustRun(t, store, func(tx domain.Transaction) error {
		batch, err := tx.InsertSamples(fx.ActivityID, append(samples, extra))
		if err != nil {
			return err
		}
		if batch.InstantPoints != 10 || batch.Measurements != 11 || batch.PerParameter[fx.TemperatureID] != 11 {
			t.Fatalf("unexpected batch result: %+v", batch)
		}
		return nil
	})
	view(t, store, func(v domain.TransactionView) error {
		start, end := T0.Add(2*time.Second), T0.Add(4*time.Second)
		recs, err := v.QueryMeasurements(domain.MeasurementQuery{Start: &start, End: &end})
		if err != nil {
			return err
		}
		if len(recs) != 4 {
			t.Fatalf("time range: expected 4 records, got %d", len(recs))
		}
		for i := 1; i < len(recs); i++ {
			if recs[i].InstantPoint.TimeValue.Before(recs[i-1].InstantPoint.TimeValue) {
				t.Fatalf("records not ordered by time")
			}
		}

		lo, hi := domain.MustDecimal("50"), domain.MustDecimal("150")
		recs, err = v.QueryMeasurements(domain.MeasurementQuery{MinDepth: &lo, MaxDepth: &hi})
		if err != nil {
			return err
		}
		if len(recs) != 1 || !recs[0].Measurement.Depth.Equal(extra.Depth) {
			t.Fatalf("depth range: %+v", recs)
		}

		box := domain.BoundingBox{MinLon: -122.5005, MinLat: 36.7, MaxLon: -122.4975, MaxLat: 36.9}
		recs, err = v.QueryMeasurements(domain.MeasurementQuery{BBox: &box})
		if err != nil {
			return err
		}
		if len(recs) != 4 {
			t.Fatalf("bbox: expected 4 records (0, 1 and both at 2), got %d", len(recs))
		}

		recs, err = v.QueryMeasurements(domain.MeasurementQuery{ActivityIDs: []string{fx.ActivityID, fx.ActivityID}})
		if err != nil {
			return err
		}
		if len(recs) != 11 {
			t.Fatalf("repeated activity id: expected 11 records, got %d", len(recs))
		}

		recs, err = v.QueryMeasurements(domain.MeasurementQuery{ActivityIDs: []string{fx.ActivityID}, ParameterIDs: []string{fx.SalinityID}, Limit: 3})
		if err != nil {
			return err
		}
		if len(recs) != 3 {
			t.Fatalf("limit: expected 3, got %d", len(recs))
		}
		for _, r := range recs {
			if len(r.Values) != 1 || r.Values[0].ParameterID != fx.SalinityID {
				t.Fatalf("parameter filter leaked values: %+v", r.Values)
			}
		}
		return nil
	})
}

func testNearestMeasurements(t *testing.T, store domain.PersistentStore) {
	fx := Seed(t, store)
	mustRun(t, store, func(tx domain.Transaction) error {
		_, err := tx.InsertSamples(fx.ActivityID, Samples(fx, 10))
		return err
	})
	view(t, store, func(v domain.TransactionView) error {
		target := domain.Point{Lon: -122.4949, Lat: 36.8}
		recs, err := v.NearestMeasurements(target, 3, []string{fx.ActivityID})
		if err != nil {
			return err
		}
		if len(recs) != 3 {
			t.Fatalf("expected 3 nearest, got %d", len(recs))
		}
		want := []time.Time{T0.Add(5 * time.Second), T0.Add(6 * time.Second), T0.Add(4 * time.Second)}
		for i, r := range recs {
			if !r.InstantPoint.TimeValue.Equal(want[i]) {
				t.Fatalf("nearest %d: got %s want %s", i, r.InstantPoint.TimeValue, want[i])
			}
		}
		if _, err := v.NearestMeasurements(domain.Point{Lon: 0, Lat: 91}, 1, nil); !errors.Is(err, domain.ErrMalformedGeometry) {
			t.Fatalf("expected malformed target to fail, got %v", err)
		}
		return nil
	})
}

func testSummarizeActivity(t *testing.T, store domain.PersistentStore) {
	fx := Seed(t, store)
	view(t, store, func(v domain.TransactionView) error {
		empty, err := v.SummarizeActivity(fx.ActivityID)
		if err != nil {
			return err
		}
		if empty.NumMeasuredParameters != 0 || empty.MinDepth != nil || len(empty.MapTrack) != 0 {
			t.Fatalf("empty activity summary: %+v", empty)
		}
		return nil
	})
	mustRun(t, store, func(tx domain.Transaction) error {
		_, err := tx.InsertSamples(fx.ActivityID, Samples(fx, 4))
		return err
	})
	view(t, store, func(v domain.TransactionView) error {
		s, err := v.SummarizeActivity(fx.ActivityID)
		if err != nil {
			return err
		}
		if s.NumMeasuredParameters != 8 || len(s.MapTrack) != 4 {
			t.Fatalf("summary: %+v", s)
		}
		if s.MinDepth.String() != "10" || s.MaxDepth.String() != "11.5" {
			t.Fatalf("depth range: %s..%s", s.MinDepth, s.MaxDepth)
		}
		if s.MapTrack[0] != (domain.Point{Lon: -122.5, Lat: 36.8}) {
			t.Fatalf("track should start at the first instant: %+v", s.MapTrack[0])
		}
		return nil
	})
}

func testUpdateKeepsIdentity(t *testing.T, store domain.PersistentStore) {
	fx := Seed(t, store)
	err := run(t, store, func(tx domain.Transaction) error {
		_, err := tx.UpdatePlatform(fx.PlatformID, func(p *domain.Platform) error {
			p.ID = "0123456789abcdef0123456789abcdef"
			return nil
		})
		return err
	})
	if !errors.Is(err, domain.ErrInvalid) {
		t.Fatalf("id change should be rejected, got %v", err)
	}
	err = run(t, store, func(tx domain.Transaction) error {
		_, err := tx.UpdatePlatform(fx.PlatformID, func(p *domain.Platform) error {
			p.PlatformTypeID = "0123456789abcdef0123456789abcdef"
			return nil
		})
		return err
	})
	if !errors.Is(err, domain.ErrReferentialIntegrity) {
		t.Fatalf("dangling platform type should be rejected, got %v", err)
	}
	mustRun(t, store, func(tx domain.Transaction) error {
		units := "degC"
		p, err := tx.UpdateParameter(fx.TemperatureID, func(p *domain.Parameter) error {
			p.Units = &units
			return nil
		})
		if err != nil {
			return err
		}
		if p.Units == nil || *p.Units != "degC" {
			t.Fatalf("units not updated: %+v", p)
		}
		return nil
	})
}
