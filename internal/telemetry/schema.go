package telemetry

import (
	"context"
	"database/sql"

	"codeberg.org/mutker/enosed/internal/errors"
)

// SchemaVersion is bumped whenever the readings layout changes; an archive
// with another version is backed up and recreated on open.
const SchemaVersion = 1

// ownedTables are dropped, in order, when the archive is recreated.
var ownedTables = []string{"readings", "schema_versions"}

var schemaStatements = []string{
	`CREATE TABLE schema_versions (
	    version     INTEGER PRIMARY KEY,
	    applied_at  TEXT NOT NULL
	)`,
	`CREATE TABLE readings (
	    id          INTEGER PRIMARY KEY AUTOINCREMENT,
	    measurement TEXT NOT NULL,
	    source      TEXT NOT NULL,
	    timestamp   INTEGER NOT NULL CHECK (typeof(timestamp) = 'integer'),
	    no2         REAL NOT NULL,
	    eth         REAL NOT NULL,
	    voc         REAL NOT NULL,
	    co          REAL NOT NULL,
	    com         REAL NOT NULL,
	    ethm        REAL NOT NULL,
	    vocm        REAL NOT NULL,
	    state       INTEGER NOT NULL CHECK (typeof(state) = 'integer'),
	    level       INTEGER NOT NULL CHECK (typeof(level) = 'integer')
	)`,
	`CREATE INDEX readings_source_timestamp ON readings (source, timestamp)`,
}

const insertReadingSQL = `
    INSERT INTO readings (
        measurement, source, timestamp,
        no2, eth, voc, co, com, ethm, vocm,
        state, level
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// CurrentSchemaVersion returns the newest recorded schema version, or 0 for
// an archive that has never been initialized.
func CurrentSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var tables int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_versions'`,
	).Scan(&tables); err != nil {
		return 0, errors.New().Wrap(ErrSchemaValidationFailed, err)
	}
	if tables == 0 {
		return 0, nil
	}

	var version int
	if err := db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_versions`,
	).Scan(&version); err != nil {
		return 0, errors.New().Wrap(ErrSchemaValidationFailed, err)
	}

	return version, nil
}

// recreateSchema replaces every archive table with the current layout in tx.
func recreateSchema(ctx context.Context, tx *sql.Tx) error {
	errFactory := errors.New()

	for _, table := range ownedTables {
		if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return errFactory.WithData(ErrSchemaMigrationFailed, struct {
				Table string
				Error string
			}{
				Table: table,
				Error: err.Error(),
			})
		}
	}

	for _, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errFactory.Wrap(ErrSchemaInitFailed, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_versions (version, applied_at) VALUES (?, datetime('now'))`,
		SchemaVersion,
	); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	return nil
}
