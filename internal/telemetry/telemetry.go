// Package telemetry archives filtered readings. A Sink queues points and a
// single consumer writes them through a Store: InfluxDB, a local SQLite
// database, or nothing.
package telemetry

import (
	"codeberg.org/mutker/enosed/internal/errors"
	"codeberg.org/mutker/enosed/internal/logger"
)

const (
	BackendInflux = "influx"
	BackendSQLite = "sqlite"
	BackendNone   = "none"
)

// StoreConfig selects and configures an archival backend.
type StoreConfig struct {
	Backend string
	Influx  InfluxConfig
	SQLite  SQLiteConfig
}

func NewStore(cfg StoreConfig, log logger.Logger) (Store, error) {
	errFactory := errors.New()

	switch cfg.Backend {
	case BackendInflux, "":
		store, err := NewInfluxStore(cfg.Influx)
		if err != nil {
			return nil, errFactory.Wrap(ErrStorageInit, err)
		}
		log.Info().
			Str("url", cfg.Influx.URL).
			Str("org", cfg.Influx.Org).
			Str("bucket", cfg.Influx.Bucket).
			Msg("InfluxDB archive configured")
		return store, nil
	case BackendSQLite:
		return NewSQLiteStore(cfg.SQLite, log)
	case BackendNone:
		log.Info().Msg("Archiving disabled")
		return NewNoopStore(), nil
	default:
		return nil, errFactory.WithData(ErrUnknownBackend, cfg.Backend)
	}
}
