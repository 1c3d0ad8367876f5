package telemetry

import "codeberg.org/mutker/enosed/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig  = errors.ErrorCode("telemetry_invalid_config")
	ErrInvalidDBPath  = errors.ErrorCode("telemetry_invalid_db_path")
	ErrInvalidURL     = errors.ErrorCode("telemetry_invalid_url")
	ErrUnknownBackend = errors.ErrorCode("telemetry_unknown_backend")

	// Schema Errors
	ErrSchemaInitFailed       = errors.ErrorCode("telemetry_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("telemetry_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("telemetry_schema_migration_failed")
	ErrTransactionFailed      = errors.ErrorCode("telemetry_transaction_failed")

	// Storage Errors
	ErrStorageWrite = errors.ErrorCode("telemetry_storage_write_failed")
	ErrStorageInit  = errors.ErrorCode("telemetry_storage_init_failed")
	ErrStorageClose = errors.ErrorCode("telemetry_storage_close_failed")

	// Sink Errors
	ErrSinkClosed      = errors.ErrorCode("telemetry_sink_closed")
	ErrDrainTimeout    = errors.ErrorCode("telemetry_drain_timeout")
	ErrServiceShutdown = errors.ErrorCode("telemetry_service_shutdown_failed")
)
