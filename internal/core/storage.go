package core

import (
	"context"
	"fmt"

	"stoqscore/internal/config"
	"stoqscore/internal/infra/persistence/memory"
	"stoqscore/internal/infra/persistence/postgres"
	"stoqscore/internal/infra/persistence/sqlite"
	"stoqscore/pkg/domain"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = config.DriverMemory   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = config.DriverSQLite   // embedded sqlite file
	StoragePostgres StorageDriver = config.DriverPostgres // PostgreSQL + PostGIS server
)

// OpenPersistentStore opens the backend selected by cfg.Driver (sqlite when empty).
func OpenPersistentStore(ctx context.Context, cfg config.Storage) (domain.PersistentStore, error) {
	switch StorageDriver(cfg.Driver) {
	case StorageMemory:
		return memory.NewStore(), nil
	case StorageSQLite, "":
		store, err := sqlite.NewStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case StoragePostgres:
		var opts []postgres.Option
		if !cfg.PostgresCopy {
			opts = append(opts, postgres.WithoutCopy())
		}
		store, err := postgres.NewStore(ctx, cfg.PostgresDSN, opts...)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
