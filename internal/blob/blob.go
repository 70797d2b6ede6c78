// Package blob is the entry point to the archive object stores. Callers
// depend on the Store interface; only this package imports the backends.
package blob

import (
	"context"
	"fmt"

	"stoqscore/internal/blob/core"
	"stoqscore/internal/config"
	"stoqscore/internal/infra/blob/fs"
	memorystore "stoqscore/internal/infra/blob/memory"
	infraS3 "stoqscore/internal/infra/blob/s3"
)

type (
	// Driver identifies a blob backend driver.
	Driver = core.Driver
	// PutOptions configures a blob write.
	PutOptions = core.PutOptions
	// SignedURLOptions configures URL pre-signing.
	SignedURLOptions = core.SignedURLOptions
	// Info describes stored blob metadata.
	Info = core.Info
	// Store is the interface for blob storage backends.
	Store = core.Store
	// S3Config configures the S3 backend.
	S3Config = infraS3.Config
)

const (
	DriverFilesystem = core.DriverFilesystem
	DriverS3         = core.DriverS3
	DriverMemory     = core.DriverMemory
)

var (
	ErrUnsupported = core.ErrUnsupported
	ErrNotFound    = core.ErrNotFound
	ErrExists      = core.ErrExists
)

// NewFilesystem returns a store rooted at the directory root.
func NewFilesystem(root string) (Store, error) { return fs.New(root) }

// NewMemory returns a process-local store.
func NewMemory() Store { return memorystore.New() }

// NewS3 returns a store on an S3-compatible bucket.
func NewS3(ctx context.Context, cfg S3Config) (Store, error) { return infraS3.New(ctx, cfg) }

// Open selects the backend named by cfg.Driver (fs when empty).
func Open(ctx context.Context, cfg config.Blob) (Store, error) {
	switch Driver(cfg.Driver) {
	case DriverFilesystem, "":
		return NewFilesystem(cfg.FSRoot)
	case DriverS3:
		return NewS3(ctx, S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}
