package telemetry

import (
	"net/url"
	"time"

	"codeberg.org/mutker/enosed/internal/errors"
)

const (
	defaultDirPerm       = 0o755
	defaultQueueSize     = 100
	defaultWriteTimeout  = 5 * time.Second
	defaultMeasurement   = "sensors"
	defaultBatchSize     = 50
	defaultFlushInterval = 2 * time.Second
)

// SinkConfig sizes the archive queue.
type SinkConfig struct {
	QueueSize    int
	WriteTimeout time.Duration
}

func DefaultSinkConfig() SinkConfig {
	return SinkConfig{
		QueueSize:    defaultQueueSize,
		WriteTimeout: defaultWriteTimeout,
	}
}

func (c SinkConfig) withDefaults() SinkConfig {
	if c.QueueSize < 1 {
		c.QueueSize = defaultQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	return c
}

// InfluxConfig addresses an InfluxDB v2 bucket.
type InfluxConfig struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
}

func (c InfluxConfig) Validate() error {
	errFactory := errors.New()

	u, err := url.Parse(c.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errFactory.WithData(ErrInvalidURL, c.URL)
	}
	if c.Bucket == "" {
		return errFactory.WithData(ErrInvalidConfig, "bucket is required")
	}
	return nil
}

// SQLiteConfig describes the local archive database.
type SQLiteConfig struct {
	DBPath        string
	Measurement   string
	BatchSize     int
	FlushInterval time.Duration
}

func DefaultSQLiteConfig(path string) SQLiteConfig {
	return SQLiteConfig{
		DBPath:        path,
		Measurement:   defaultMeasurement,
		BatchSize:     defaultBatchSize,
		FlushInterval: defaultFlushInterval,
	}
}

func (c SQLiteConfig) Validate() error {
	errFactory := errors.New()
	if c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize < 1 {
		return errFactory.WithData(ErrInvalidConfig, "batch size must be at least 1")
	}
	return nil
}
