package store

import (
	"fmt"

	"github.com/amurg-ai/scenegate/internal/config"
)

// New creates a Journal based on the configured storage driver.
func New(cfg config.StorageConfig) (Journal, error) {
	switch cfg.Driver {
	case "postgres":
		return NewPostgres(cfg.DSN)
	case "sqlite", "":
		return NewSQLite(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.Driver)
	}
}
