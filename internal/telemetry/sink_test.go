package telemetry_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/enosed/internal/errors"
	"codeberg.org/mutker/enosed/internal/logger"
	"codeberg.org/mutker/enosed/internal/sensor"
	"codeberg.org/mutker/enosed/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	points  []sensor.Point
	failOn  map[int64]bool
	gate    chan struct{}
	entered chan struct{}
	closed  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{failOn: map[int64]bool{}}
}

func (f *fakeStore) Write(ctx context.Context, p sensor.Point) error {
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		<-f.gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn[p.Timestamp] {
		return io.ErrUnexpectedEOF
	}
	f.points = append(f.points, p)
	return nil
}

func (f *fakeStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStore) snapshot() []sensor.Point {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sensor.Point(nil), f.points...)
}

func point(ts int64) sensor.Point {
	return sensor.Point{
		Channels:  sensor.Channels{1, 2, 3, 4, 5, 6, 7},
		State:     1,
		Level:     2,
		Source:    "arduino",
		Timestamp: ts,
	}
}

func TestSinkDrainsOnClose(t *testing.T) {
	store := newFakeStore()
	sink := telemetry.NewSink(store, telemetry.SinkConfig{QueueSize: 16}, logger.Nop(), nil)

	for i := int64(1); i <= 10; i++ {
		require.True(t, sink.Enqueue(point(i)))
	}
	require.NoError(t, sink.Close(context.Background()))

	got := store.snapshot()
	require.Len(t, got, 10)
	for i, p := range got {
		assert.Equal(t, int64(i+1), p.Timestamp)
	}
	assert.True(t, store.closed)
	assert.Equal(t, uint64(10), sink.Written())
}

func TestSinkDropsWhenFull(t *testing.T) {
	store := newFakeStore()
	store.gate = make(chan struct{})
	store.entered = make(chan struct{}, 1)
	sink := telemetry.NewSink(store, telemetry.SinkConfig{QueueSize: 2}, logger.Nop(), nil)

	require.True(t, sink.Enqueue(point(1)))
	select {
	case <-store.entered:
	case <-time.After(time.Second):
		t.Fatal("consumer never picked up the first point")
	}

	assert.True(t, sink.Enqueue(point(2)))
	assert.True(t, sink.Enqueue(point(3)))
	assert.False(t, sink.Enqueue(point(4)))
	assert.False(t, sink.Enqueue(point(5)))
	assert.Equal(t, uint64(2), sink.Dropped())

	close(store.gate)
	require.NoError(t, sink.Close(context.Background()))

	got := store.snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, int64(3), got[2].Timestamp)
}

func TestSinkContinuesAfterWriteFailure(t *testing.T) {
	store := newFakeStore()
	store.failOn[1] = true
	sink := telemetry.NewSink(store, telemetry.DefaultSinkConfig(), logger.Nop(), nil)

	sink.Enqueue(point(1))
	sink.Enqueue(point(2))
	sink.Enqueue(point(3))
	require.NoError(t, sink.Close(context.Background()))

	assert.Equal(t, uint64(1), sink.Failed())
	assert.Equal(t, uint64(2), sink.Written())
	assert.Len(t, store.snapshot(), 2)
}

func TestSinkRejectsAfterClose(t *testing.T) {
	sink := telemetry.NewSink(newFakeStore(), telemetry.DefaultSinkConfig(), logger.Nop(), nil)
	require.NoError(t, sink.Close(context.Background()))

	assert.False(t, sink.Enqueue(point(1)))

	err := sink.Close(context.Background())
	assert.True(t, errors.HasCode(err, telemetry.ErrSinkClosed))
}

func TestSinkCloseTimesOut(t *testing.T) {
	store := newFakeStore()
	store.gate = make(chan struct{})
	sink := telemetry.NewSink(store, telemetry.DefaultSinkConfig(), logger.Nop(), nil)
	sink.Enqueue(point(1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := sink.Close(ctx)
	assert.True(t, errors.HasCode(err, telemetry.ErrDrainTimeout))
	assert.False(t, store.closed)

	close(store.gate)
}
