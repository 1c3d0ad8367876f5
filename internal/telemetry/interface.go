package telemetry

import (
	"context"

	"codeberg.org/mutker/enosed/internal/sensor"
)

// Store is an archival backend. Write is called from a single goroutine.
type Store interface {
	Write(ctx context.Context, point sensor.Point) error
	Close() error
}

// Archiver accepts points without blocking the caller.
type Archiver interface {
	Enqueue(point sensor.Point) bool
}
