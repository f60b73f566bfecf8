package storage

import (
	"context"
	"fmt"

	"github.com/drblury/dualrun/internal/runtime/config"
	errorspkg "github.com/drblury/dualrun/internal/runtime/errors"
)

// Open builds the adapter selected by cfg.StorageDriver.
func Open(ctx context.Context, cfg *config.Config) (Adapter, error) {
	if cfg == nil {
		return nil, errorspkg.ErrConfigRequired
	}
	switch cfg.StorageDriver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return NewSQLite(SQLiteConfig{FilePath: cfg.SQLiteFile})
	case "postgres":
		return NewPostgres(ctx, PostgresConfig{ConnectionString: cfg.PostgresURL})
	default:
		return nil, fmt.Errorf("dualrun: unsupported storage driver %q", cfg.StorageDriver)
	}
}
