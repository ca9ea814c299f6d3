package store

import (
	"fmt"

	"github.com/thaitype/serverless-rate-limiter/internal/config"
)

// Open builds the RecordStore selected by cfg.
func Open(cfg config.StoreConfig) (RecordStore, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite", "postgres":
		return OpenSQL(cfg.Driver, cfg.DSN)
	case "redis":
		return OpenRedis(cfg.DSN, cfg.Password)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", cfg.Driver)
	}
}
