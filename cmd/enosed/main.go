package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/enosed/internal/config"
	"codeberg.org/mutker/enosed/internal/filter"
	"codeberg.org/mutker/enosed/internal/logger"
	"codeberg.org/mutker/enosed/internal/metrics"
	"codeberg.org/mutker/enosed/internal/pid"
	"codeberg.org/mutker/enosed/internal/relay"
	"codeberg.org/mutker/enosed/internal/telemetry"
)

const drainTimeout = 10 * time.Second

var cfg *config.Config

func init() {
	var err error
	cfg, err = config.Load(os.Args[1:])
	if cfg == nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(2)
	}

	if lerr := logger.Init(cfg.LogLevel, logger.IsService()); lerr != nil {
		logger.Warn().Err(lerr).Msg("Invalid log level, using info")
	}
	if err != nil {
		logger.Warn().Err(err).Msg("Configuration problems, using defaults where needed")
	}
	logger.Debug().Msg("Config loaded")
}

func main() {
	pidPath := pid.Acquire(cfg.PIDDir, logger.New("pid"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	logStartup()

	m := metrics.New(metrics.Config{
		Addr: cfg.Metrics.Addr,
		Path: cfg.Metrics.Path,
	})
	go func() {
		if err := m.Serve(ctx, logger.New("metrics")); err != nil {
			logger.Error().Err(err).Msg("Metrics endpoint failed")
		}
	}()

	sink := newSink(m)

	srv := relay.New(relayConfig(), sink, logger.New("relay"), m)
	if err := srv.Listen(); err != nil {
		logger.Error().Err(err).Msg("Failed to start relay")
		cleanup(sink, pidPath)
		os.Exit(1)
	}

	if err := srv.Serve(ctx); err != nil {
		logger.Error().Err(err).Msg("Relay stopped with error")
	}
	cleanup(sink, pidPath)
}

// newSink builds the archive. An unusable store leaves the relay running
// without one.
func newSink(m *metrics.Metrics) *telemetry.Sink {
	log := logger.New("telemetry")

	store, err := telemetry.NewStore(telemetry.StoreConfig{
		Backend: string(cfg.Archive.Backend),
		Influx: telemetry.InfluxConfig{
			URL:         cfg.Archive.URL,
			Token:       cfg.Archive.Token,
			Org:         cfg.Archive.Org,
			Bucket:      cfg.Archive.Bucket,
			Measurement: cfg.Archive.Measurement,
		},
		SQLite: telemetry.SQLiteConfig{
			DBPath:        cfg.Archive.DBPath,
			Measurement:   cfg.Archive.Measurement,
			BatchSize:     cfg.Archive.BatchSize,
			FlushInterval: cfg.Archive.FlushInterval,
		},
	}, log)
	if err != nil {
		log.Error().Err(err).Msg("Archive unavailable, records will not be archived")
		store = telemetry.NewNoopStore()
	}

	return telemetry.NewSink(store, telemetry.SinkConfig{
		QueueSize:    cfg.Archive.QueueSize,
		WriteTimeout: cfg.Archive.WriteTimeout,
	}, log, m)
}

func relayConfig() relay.Config {
	return relay.Config{
		InstrumentAddr: cfg.Instrument.Addr,
		ObserverAddr:   cfg.Observer.Addr,
		WebSocketAddr:  cfg.Observer.WebSocketAddr,
		WebSocketPath:  cfg.Observer.WebSocketPath,
		Source:         cfg.Source,
		Filter: filter.Config{
			WindowSize:    cfg.Filter.WindowSize,
			SineAmplitude: cfg.Filter.SineAmplitude,
			SineFrequency: cfg.Filter.SineFrequency,
			SineEnabled:   cfg.Filter.SineEnabled,
		},
		DataCapacity:    cfg.Topics.DataCapacity,
		CommandCapacity: cfg.Topics.CommandCapacity,
	}
}

func logStartup() {
	logger.Info().
		Str("source", cfg.Source).
		Int("window_size", cfg.Filter.WindowSize).
		Float64("sine_amplitude", cfg.Filter.SineAmplitude).
		Float64("sine_frequency", cfg.Filter.SineFrequency).
		Bool("sine_enabled", cfg.Filter.SineEnabled).
		Msg("Filter configured")

	logger.Info().
		Str("backend", string(cfg.Archive.Backend)).
		Str("url", cfg.Archive.URL).
		Str("org", cfg.Archive.Org).
		Str("bucket", cfg.Archive.Bucket).
		Str("token", cfg.MaskedToken()).
		Int("queue_size", cfg.Archive.QueueSize).
		Msg("Archive configured")
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

func cleanup(sink *telemetry.Sink, pidPath string) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if err := sink.Close(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to drain archive")
	}
	if err := pid.Remove(pidPath); err != nil {
		logger.Error().Err(err).Msg("Failed to remove PID file")
	}
	logger.Info().Msg("Exiting...")
}
