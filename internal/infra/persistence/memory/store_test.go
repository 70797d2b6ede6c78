package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"stoqscore/internal/infra/persistence/storetest"
	"stoqscore/pkg/domain"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(*testing.T) domain.PersistentStore { return NewStore() })
}

func TestViewSeesOnlyCommittedState(t *testing.T) {
	store := NewStore()
	fx := storetest.Seed(t, store)
	ctx := context.Background()

	inside := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			if _, err := tx.InsertSamples(fx.ActivityID, storetest.Samples(fx, 3)); err != nil {
				return err
			}
			close(inside)
			<-release
			return nil
		})
	}()

	<-inside
	err := store.View(ctx, func(v domain.TransactionView) error {
		ips, err := v.ListInstantPoints(fx.ActivityID)
		if err != nil {
			return err
		}
		if len(ips) != 0 {
			t.Fatalf("uncommitted instants visible to reader: %d", len(ips))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("writer: %v", err)
	}
	_ = store.View(ctx, func(v domain.TransactionView) error {
		ips, _ := v.ListInstantPoints(fx.ActivityID)
		if len(ips) != 3 {
			t.Fatalf("expected committed instants, got %d", len(ips))
		}
		return nil
	})
}

func TestConcurrentWritersSerialise(t *testing.T) {
	store := NewStore()
	fx := storetest.Seed(t, store)
	ctx := context.Background()
	if err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateActivityParameter(domain.ActivityParameter{ActivityID: fx.ActivityID, ParameterID: fx.TemperatureID})
		return err
	}); err != nil {
		t.Fatalf("create count: %v", err)
	}

	const writers, perWriter = 4, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
					_, err := tx.IncrementActivityParameter(fx.ActivityID, fx.TemperatureID, 1)
					return err
				})
				if err != nil {
					t.Errorf("increment: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	_ = store.View(ctx, func(v domain.TransactionView) error {
		ap, err := v.GetActivityParameter(fx.ActivityID, fx.TemperatureID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if ap.Number != writers*perWriter {
			t.Fatalf("lost updates: %d", ap.Number)
		}
		return nil
	})
}

func TestCancelledContext(t *testing.T) {
	store := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := store.RunInTransaction(ctx, func(domain.Transaction) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) || called {
		t.Fatalf("expected cancellation before running, got %v (called=%v)", err, called)
	}
	if err := store.View(ctx, func(domain.TransactionView) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("view should honour cancellation, got %v", err)
	}
}

func TestReturnedEntitiesAreCopies(t *testing.T) {
	store := NewStore()
	fx := storetest.Seed(t, store)
	ctx := context.Background()
	var got domain.Parameter
	_ = store.View(ctx, func(v domain.TransactionView) error {
		var err error
		got, err = v.GetParameter(fx.TemperatureID)
		return err
	})
	units := "K"
	got.Units = &units
	_ = store.View(ctx, func(v domain.TransactionView) error {
		again, _ := v.GetParameter(fx.TemperatureID)
		if again.Units != nil {
			t.Fatalf("caller mutation leaked into store: %v", *again.Units)
		}
		return nil
	})
}

func TestExplicitSampleIDsAdvanceSequence(t *testing.T) {
	store := NewStore()
	fx := storetest.Seed(t, store)
	err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		ip, err := tx.CreateInstantPoint(domain.InstantPoint{ID: 40, ActivityID: fx.ActivityID, TimeValue: storetest.T0})
		if err != nil {
			return err
		}
		next, err := tx.CreateInstantPoint(domain.InstantPoint{ActivityID: fx.ActivityID, TimeValue: storetest.T0.Add(1)})
		if err != nil {
			return err
		}
		if ip.ID != 40 || next.ID != 41 {
			t.Fatalf("unexpected ids %d, %d", ip.ID, next.ID)
		}
		_, err = tx.CreateInstantPoint(domain.InstantPoint{ID: 40, ActivityID: fx.ActivityID, TimeValue: storetest.T0.Add(2)})
		if !errors.Is(err, domain.ErrUniqueness) {
			t.Fatalf("duplicate explicit id should fail, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
}
