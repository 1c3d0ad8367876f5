package relay

import (
	"time"

	"codeberg.org/mutker/enosed/internal/filter"
)

const (
	defaultDataCapacity    = 100
	defaultCommandCapacity = 10
	defaultWebSocketPath   = "/ws"
	defaultShutdownTimeout = 5 * time.Second
	acceptRetryDelay       = 50 * time.Millisecond
)

// Config describes the relay listeners and the filter applied to each session.
type Config struct {
	InstrumentAddr string
	ObserverAddr   string
	// WebSocketAddr enables the WebSocket observer endpoint when set.
	WebSocketAddr string
	WebSocketPath string

	Source string
	Filter filter.Config

	DataCapacity    int
	CommandCapacity int

	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DataCapacity < 1 {
		c.DataCapacity = defaultDataCapacity
	}
	if c.CommandCapacity < 1 {
		c.CommandCapacity = defaultCommandCapacity
	}
	if c.WebSocketPath == "" {
		c.WebSocketPath = defaultWebSocketPath
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	return c
}
