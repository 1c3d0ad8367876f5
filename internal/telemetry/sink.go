package telemetry

import (
	"context"
	"sync"
	"sync/atomic"

	"codeberg.org/mutker/enosed/internal/errors"
	"codeberg.org/mutker/enosed/internal/logger"
	"codeberg.org/mutker/enosed/internal/metrics"
	"codeberg.org/mutker/enosed/internal/sensor"
)

// dropLogEvery limits warnings while the queue stays full.
const dropLogEvery = 100

// Sink decouples connection goroutines from archive latency. Points are
// queued without blocking and written by a single consumer goroutine.
type Sink struct {
	store   Store
	cfg     SinkConfig
	logger  logger.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan sensor.Point
	done   chan struct{}

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

func NewSink(store Store, cfg SinkConfig, log logger.Logger, m *metrics.Metrics) *Sink {
	cfg = cfg.withDefaults()

	s := &Sink{
		store:   store,
		cfg:     cfg,
		logger:  log,
		metrics: m,
		queue:   make(chan sensor.Point, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	go s.run()

	return s
}

// Enqueue hands a point to the consumer. It returns false when the point was
// dropped because the queue is full or the sink is closed.
func (s *Sink) Enqueue(point sensor.Point) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}

	select {
	case s.queue <- point:
		s.metrics.SetArchiveQueue(len(s.queue))
		return true
	default:
	}

	total := s.dropped.Add(1)
	s.metrics.ArchiveDropped()
	if total == 1 || total%dropLogEvery == 0 {
		s.logger.Warn().
			Uint64("dropped_total", total).
			Int("queue_size", s.cfg.QueueSize).
			Msg("Archive queue full, dropping point")
	}

	return false
}

// Dropped returns the number of points discarded on a full queue.
func (s *Sink) Dropped() uint64 { return s.dropped.Load() }

// Written returns the number of points the store accepted.
func (s *Sink) Written() uint64 { return s.written.Load() }

// Failed returns the number of points the store rejected.
func (s *Sink) Failed() uint64 { return s.failed.Load() }

func (s *Sink) run() {
	defer close(s.done)

	for point := range s.queue {
		s.metrics.SetArchiveQueue(len(s.queue))
		s.write(point)
	}
}

func (s *Sink) write(point sensor.Point) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()

	if err := s.store.Write(ctx, point); err != nil {
		s.failed.Add(1)
		s.metrics.ArchiveWritten(false)
		s.logger.Error().
			Err(err).
			Int64("timestamp", point.Timestamp).
			Msg("Failed to archive point")
		return
	}

	s.written.Add(1)
	s.metrics.ArchiveWritten(true)
}

// Close stops accepting points, waits for the queue to drain and closes the
// store. If ctx expires first the consumer keeps draining in the background
// and the store is left open.
func (s *Sink) Close(ctx context.Context) error {
	errFactory := errors.New()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errFactory.New(ErrSinkClosed)
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-ctx.Done():
		return errFactory.WithData(ErrDrainTimeout, struct {
			Pending int
		}{
			Pending: len(s.queue),
		})
	}

	if err := s.store.Close(); err != nil {
		return errFactory.Wrap(ErrServiceShutdown, err)
	}

	s.logger.Info().
		Uint64("written", s.written.Load()).
		Uint64("failed", s.failed.Load()).
		Uint64("dropped", s.dropped.Load()).
		Msg("Archive sink closed")

	return nil
}
