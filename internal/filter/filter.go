// Package filter smooths instrument readings with a per-channel moving
// average and then applies a deterministic sinusoidal modulation driven by
// the time elapsed since the filter was created.
package filter

import (
	"math"
	"time"

	"codeberg.org/mutker/enosed/internal/sensor"
)

// Config is shared read-only by every Filter built from it.
type Config struct {
	WindowSize    int
	SineAmplitude float64
	SineFrequency float64
	SineEnabled   bool
}

// Option configures a Filter.
type Option func(*Filter)

// WithClock replaces the wall clock used for the modulation phase.
func WithClock(now func() time.Time) Option {
	return func(f *Filter) {
		f.now = now
	}
}

// Filter is the per-connection filter state. It is not safe for concurrent
// use; each instrument session owns exactly one.
type Filter struct {
	cfg     Config
	history [sensor.NumChannels][]float64
	start   time.Time
	now     func() time.Time
}

// New creates a Filter whose modulation phase starts now. A window size
// below one is treated as one.
func New(cfg Config, opts ...Option) *Filter {
	if cfg.WindowSize < 1 {
		cfg.WindowSize = 1
	}

	f := &Filter{
		cfg: cfg,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.start = f.now()

	for i := range f.history {
		f.history[i] = make([]float64, 0, cfg.WindowSize)
	}

	return f
}

// Config returns the configuration the filter was built with.
func (f *Filter) Config() Config {
	return f.cfg
}

// Clone returns an independent copy that keeps the start time and the
// samples seen so far but shares no backing storage with f.
func (f *Filter) Clone() *Filter {
	c := &Filter{
		cfg:   f.cfg,
		start: f.start,
		now:   f.now,
	}
	for i, h := range f.history {
		c.history[i] = make([]float64, len(h), f.cfg.WindowSize)
		copy(c.history[i], h)
	}

	return c
}

// Update feeds one raw reading through the moving average and the
// modulation and returns the filtered reading.
func (f *Filter) Update(raw sensor.RawReading) sensor.FilteredReading {
	out := sensor.FilteredReading{
		State: raw.State,
		Level: raw.Level,
	}

	// one phase sample per reading keeps the channels in step
	gain := f.gain(f.now().Sub(f.start))

	for c := range raw.Channels {
		out.Channels[c] = saturate(f.average(c, raw.Channels[c]) * gain)
	}

	return out
}

// Len returns how many samples channel c currently holds.
func (f *Filter) Len(c sensor.Channel) int {
	return len(f.history[c])
}

func (f *Filter) average(c int, value float64) float64 {
	h := f.history[c]
	if len(h) == f.cfg.WindowSize {
		// evict the oldest sample in place
		copy(h, h[1:])
		h[len(h)-1] = value
	} else {
		h = append(h, value)
	}
	f.history[c] = h

	// dividing each sample first keeps large finite inputs from
	// overflowing the sum
	n := float64(len(h))
	mean := 0.0
	for _, v := range h {
		mean += v / n
	}

	return mean
}

// saturate clamps an overflowed product to the largest finite value.
func saturate(v float64) float64 {
	switch {
	case math.IsInf(v, 1):
		return math.MaxFloat64
	case math.IsInf(v, -1):
		return -math.MaxFloat64
	default:
		return v
	}
}

// gain returns the modulation factor 1 + A*sin(2*pi*f*t).
func (f *Filter) gain(elapsed time.Duration) float64 {
	if !f.cfg.SineEnabled {
		return 1
	}

	angle := 2 * math.Pi * f.cfg.SineFrequency * elapsed.Seconds()

	return 1 + f.cfg.SineAmplitude*math.Sin(angle)
}
