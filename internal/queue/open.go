package queue

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-offline-gateway/internal/config"
	"github.com/tbourn/go-offline-gateway/internal/kv"
	"github.com/tbourn/go-offline-gateway/internal/repo"
)

// openSQLite is a seam so tests can simulate an unavailable database engine.
var openSQLite = func(path string) (*gorm.DB, error) {
	db, err := repo.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := repo.AutoMigrate(db); err != nil {
		if sqlDB, derr := db.DB(); derr == nil {
			_ = sqlDB.Close()
		}
		return nil, fmt.Errorf("migrate queue schema: %w", err)
	}
	return db, nil
}

// Open selects the queue backend once, at startup:
//   - "sqlite": the structured database; failure is fatal.
//   - "kv": the flat list in fallback storage.
//   - "auto": SQLite when it opens, else the flat list.
//
// The returned name ("sqlite" or "kv") is for logs and status output only.
func Open(cfg config.QueueConfig, fallback kv.Store) (Store, string, error) {
	switch cfg.Backend {
	case config.BackendKV:
		return NewKVStore(fallback, cfg.MaxEntries), config.BackendKV, nil
	case config.BackendSQLite:
		db, err := openSQLite(cfg.DBPath)
		if err != nil {
			return nil, "", fmt.Errorf("open sqlite queue: %w", err)
		}
		return NewSQLStore(db, cfg.MaxEntries), config.BackendSQLite, nil
	default:
		db, err := openSQLite(cfg.DBPath)
		if err != nil {
			log.Warn().Err(err).Str("db_path", cfg.DBPath).Msg("sqlite unavailable, using key-value queue")
			return NewKVStore(fallback, cfg.MaxEntries), config.BackendKV, nil
		}
		return NewSQLStore(db, cfg.MaxEntries), config.BackendSQLite, nil
	}
}
