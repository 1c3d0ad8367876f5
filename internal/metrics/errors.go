package metrics

import "codeberg.org/mutker/enosed/internal/errors"

const (
	ErrServe    = errors.ErrorCode("metrics_serve_failed")
	ErrShutdown = errors.ErrorCode("metrics_shutdown_failed")
)
