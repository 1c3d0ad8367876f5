package telemetry

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/enosed/internal/errors"
	"codeberg.org/mutker/enosed/internal/logger"
	"codeberg.org/mutker/enosed/internal/sensor"
	_ "github.com/mattn/go-sqlite3"
)

type sqliteStore struct {
	db            *sql.DB
	logger        logger.Logger
	cfg           SQLiteConfig
	mu            sync.Mutex
	buffer        []sensor.Point
	flushTicker   *time.Ticker
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
	closeOnce     sync.Once
}

// NewSQLiteStore opens (or creates) the local archive. Points are buffered
// and written in one transaction per batch.
func NewSQLiteStore(cfg SQLiteConfig, log logger.Logger) (Store, error) {
	errFactory := errors.New()

	if cfg.Measurement == "" {
		cfg.Measurement = defaultMeasurement
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	dsn := cfg.DBPath + "?_journal=WAL&_auto_vacuum=2"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	if err := prepareSchema(context.Background(), db, cfg.DBPath, log); err != nil {
		db.Close()
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "schema_version",
			Error: err.Error(),
		})
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Int("batch_size", cfg.BatchSize).
		Dur("flush_interval", cfg.FlushInterval).
		Msg("SQLite archive initialized")

	s := &sqliteStore{
		db:            db,
		logger:        log,
		cfg:           cfg,
		buffer:        make([]sensor.Point, 0, cfg.BatchSize),
		shutdownChan:  make(chan struct{}),
		flushDoneChan: make(chan struct{}),
	}

	if cfg.FlushInterval > 0 {
		s.flushTicker = time.NewTicker(cfg.FlushInterval)
		go s.flusher()
	} else {
		close(s.flushDoneChan)
	}

	return s, nil
}

func (s *sqliteStore) Write(ctx context.Context, point sensor.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer = append(s.buffer, point)

	if len(s.buffer) >= s.cfg.BatchSize {
		return s.flush(ctx)
	}

	return nil
}

func (s *sqliteStore) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.shutdownChan)
		if s.flushTicker != nil {
			s.flushTicker.Stop()
		}
		<-s.flushDoneChan

		s.mu.Lock()
		defer s.mu.Unlock()

		if err := s.flush(context.Background()); err != nil {
			s.logger.Warn().Err(err).Msg("Final archive flush failed")
		}

		if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			closeErr = errors.New().WithData(ErrStorageClose, struct {
				Phase string
				Error string
			}{
				Phase: "checkpoint_wal",
				Error: err.Error(),
			})
			s.db.Close()
			return
		}

		if err := s.db.Close(); err != nil {
			closeErr = errors.New().WithData(ErrStorageClose, struct {
				Phase string
				Error string
			}{
				Phase: "close_database",
				Error: err.Error(),
			})
			return
		}

		s.logger.Info().Msg("SQLite archive closed")
	})

	return closeErr
}

func (s *sqliteStore) flusher() {
	defer close(s.flushDoneChan)

	for {
		select {
		case <-s.flushTicker.C:
			s.mu.Lock()
			if err := s.flush(context.Background()); err != nil {
				s.logger.Warn().Err(err).Msg("Periodic archive flush failed")
			}
			s.mu.Unlock()
		case <-s.shutdownChan:
			return
		}
	}
}

// flush writes the buffer in one transaction. The buffer is cleared whether
// or not the write succeeds. Caller holds s.mu.
func (s *sqliteStore) flush(ctx context.Context) error {
	if len(s.buffer) == 0 {
		return nil
	}

	batch := len(s.buffer)
	defer func() { s.buffer = s.buffer[:0] }()

	errFactory := errors.New()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	stmt, err := tx.PrepareContext(ctx, insertReadingSQL)
	if err != nil {
		if err := tx.Rollback(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to roll back transaction")
		}
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	for _, p := range s.buffer {
		values := []any{
			s.cfg.Measurement,
			p.Source,
			p.Timestamp,
			p.Channels[sensor.NO2],
			p.Channels[sensor.ETH],
			p.Channels[sensor.VOC],
			p.Channels[sensor.CO],
			p.Channels[sensor.COM],
			p.Channels[sensor.ETHM],
			p.Channels[sensor.VOCM],
			int64(p.State),
			int64(p.Level),
		}

		if _, err := stmt.ExecContext(ctx, values...); err != nil {
			if err := tx.Rollback(); err != nil {
				s.logger.Error().Err(err).Msg("Failed to roll back transaction")
			}
			return errFactory.WithData(ErrStorageWrite, struct {
				Phase string
				Batch int
				Error string
			}{
				Phase: "insert",
				Batch: batch,
				Error: err.Error(),
			})
		}
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	s.logger.Debug().Int("points", batch).Msg("Flushed points to archive")

	return nil
}
