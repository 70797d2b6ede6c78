package core

import (
	"context"
	"errors"
	"sync"
	"testing"

	"stoqscore/internal/infra/persistence/memory"
	"stoqscore/internal/infra/persistence/storetest"
	"stoqscore/pkg/domain"
)

func TestEnsureActivityTypeIsIdempotent(t *testing.T) {
	metrics := &captureMetrics{}
	svc, _ := newMemoryService(t, WithMetricsRecorder(metrics))
	ctx := context.Background()

	first, err := svc.EnsureActivityType(ctx, "AUV Mission")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	second, err := svc.EnsureActivityType(ctx, "AUV Mission")
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if first.ID == "" || first.ID != second.ID {
		t.Fatalf("expected the same row, got %q and %q", first.ID, second.ID)
	}
	if n := metrics.count("ensure_activity_type"); n != 1 {
		t.Fatalf("second call should be served from cache, saw %d transactions", n)
	}
}

func TestEnsureFindsRowsCreatedElsewhere(t *testing.T) {
	svc, _ := newMemoryService(t)
	ctx := context.Background()
	pt, err := svc.EnsurePlatformType(ctx, "auv")
	if err != nil {
		t.Fatalf("ensure platform type: %v", err)
	}
	// storetest.Seed already created "auv" and "dorado" directly in the store.
	var seeded []domain.PlatformType
	err = svc.Store().View(ctx, func(v domain.TransactionView) error {
		var err error
		seeded, err = v.ListPlatformTypes()
		return err
	})
	if err != nil {
		t.Fatalf("list platform types: %v", err)
	}
	if len(seeded) != 1 || seeded[0].ID != pt.ID {
		t.Fatalf("expected the seeded type to be reused, got %+v", seeded)
	}

	p, err := svc.EnsurePlatform(ctx, "dorado", "auv")
	if err != nil {
		t.Fatalf("ensure platform: %v", err)
	}
	if p.PlatformTypeID != pt.ID {
		t.Fatalf("platform bound to wrong type: %+v", p)
	}
	other, err := svc.EnsurePlatform(ctx, "dorado", "glider")
	if err != nil {
		t.Fatalf("ensure platform of another type: %v", err)
	}
	if other.ID == p.ID {
		t.Fatalf("platform names are scoped by type")
	}
}

func TestEnsureParameterKeepsExistingFields(t *testing.T) {
	svc, fx := newMemoryService(t)
	ctx := context.Background()
	units := "degC"
	p, err := svc.EnsureParameter(ctx, domain.Parameter{Name: "temperature", Units: &units})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if p.ID != fx.TemperatureID || p.Units != nil {
		t.Fatalf("expected the existing parameter unchanged, got %+v", p)
	}

	updated, err := svc.UpdateParameter(ctx, p.ID, func(p *domain.Parameter) error {
		p.Units = &units
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	again, err := svc.EnsureParameter(ctx, domain.Parameter{Name: "temperature"})
	if err != nil {
		t.Fatalf("ensure after update: %v", err)
	}
	if again.Units == nil || *again.Units != *updated.Units {
		t.Fatalf("cache should not serve the stale row, got %+v", again)
	}
}

func TestDeleteInvalidatesCache(t *testing.T) {
	svc, _ := newMemoryService(t)
	ctx := context.Background()
	at, err := svc.EnsureActivityType(ctx, "Mooring Deployment")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := svc.DeleteActivityType(ctx, at.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	recreated, err := svc.EnsureActivityType(ctx, "Mooring Deployment")
	if err != nil {
		t.Fatalf("ensure after delete: %v", err)
	}
	if recreated.ID == at.ID {
		t.Fatalf("expected a fresh row after delete")
	}

	p, err := svc.EnsurePlatform(ctx, "m1", "mooring")
	if err != nil {
		t.Fatalf("ensure platform: %v", err)
	}
	if err := svc.DeletePlatform(ctx, p.ID); err != nil {
		t.Fatalf("delete platform: %v", err)
	}
	if err := svc.DeletePlatformType(ctx, p.PlatformTypeID); err != nil {
		t.Fatalf("delete platform type: %v", err)
	}
	again, err := svc.EnsurePlatform(ctx, "m1", "mooring")
	if err != nil {
		t.Fatalf("ensure platform after delete: %v", err)
	}
	if again.ID == p.ID || again.PlatformTypeID == p.PlatformTypeID {
		t.Fatalf("expected fresh platform rows, got %+v", again)
	}
}

func TestDeleteParameterInUseRejected(t *testing.T) {
	svc, fx := newMemoryService(t)
	ctx := context.Background()
	if _, err := svc.LoadSamples(ctx, fx.ActivityID, temperatureSamples(fx, 0, 1)); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := svc.DeleteParameter(ctx, fx.TemperatureID); !errors.Is(err, domain.ErrReferentialIntegrity) {
		t.Fatalf("expected referential integrity error, got %v", err)
	}
	p, err := svc.EnsureParameter(ctx, domain.Parameter{Name: "temperature"})
	if err != nil || p.ID != fx.TemperatureID {
		t.Fatalf("parameter should survive a rejected delete: %+v %v", p, err)
	}
}

func TestEnsureRetriesLostCreate(t *testing.T) {
	base := memory.NewStore()
	storetest.Seed(t, base)
	metrics := &captureMetrics{}
	racing := &racingStore{PersistentStore: base, races: 1}
	svc := NewService(racing, WithMetricsRecorder(metrics))

	p, err := svc.EnsureParameter(context.Background(), domain.Parameter{Name: "chlorophyll"})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if p.ID == "" || metrics.retries != 1 {
		t.Fatalf("expected one retry before success, got %+v retries=%d", p, metrics.retries)
	}

	racing.races = 10
	_, err = NewService(racing, WithMaxAggregateRetries(2)).EnsureParameter(context.Background(), domain.Parameter{Name: "oxygen"})
	if !errors.Is(err, domain.ErrUniqueness) {
		t.Fatalf("expected uniqueness error after exhausting retries, got %v", err)
	}
}

func TestConcurrentEnsureActivityType(t *testing.T) {
	svc, _ := newSQLiteService(t)
	const callers = 8
	ids := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			at, err := svc.EnsureActivityType(context.Background(), "Ship Survey")
			ids[i], errs[i] = at.ID, err
		}()
	}
	wg.Wait()
	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("callers resolved different rows: %v", ids)
		}
	}
}

func TestCampaignLogRequiresCampaign(t *testing.T) {
	svc, fx := newMemoryService(t)
	ctx := context.Background()
	if _, err := svc.AddCampaignLog(ctx, domain.CampaignLog{CampaignID: fx.CampaignID, TimeValue: storetest.T0, Message: "ship departed"}); err != nil {
		t.Fatalf("add log: %v", err)
	}
	logs, err := svc.ListCampaignLogs(ctx, fx.CampaignID)
	if err != nil || len(logs) != 1 {
		t.Fatalf("expected one log, got %v %v", logs, err)
	}
	if _, err := svc.ListCampaignLogs(ctx, "0123456789abcdef0123456789abcdef"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found for unknown campaign, got %v", err)
	}
}

func TestQueryValidatesBeforeReading(t *testing.T) {
	svc, _ := newMemoryService(t)
	ctx := context.Background()
	bad := domain.MeasurementQuery{BBox: &domain.BoundingBox{MinLon: 10, MaxLon: 5, MinLat: 0, MaxLat: 1}}
	if _, err := svc.QueryMeasurements(ctx, bad); err == nil {
		t.Fatalf("expected an inverted box to be rejected")
	}
	if _, err := svc.NearestMeasurements(ctx, domain.Point{Lon: 0, Lat: 95}, 1, nil); !errors.Is(err, domain.ErrMalformedGeometry) {
		t.Fatalf("expected malformed geometry, got %v", err)
	}
}
