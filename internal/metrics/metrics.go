// Package metrics exposes the relay's Prometheus collectors. Every method is
// safe on a nil *Metrics so components can be built without instrumentation.
package metrics

import (
	"context"
	"net/http"
	"time"

	"codeberg.org/mutker/enosed/internal/errors"
	"codeberg.org/mutker/enosed/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

type Metrics struct {
	cfg      Config
	registry *prometheus.Registry

	// Instrument side
	linesRead        *prometheus.CounterVec
	parseDrops       prometheus.Counter
	recordsPublished prometheus.Counter
	instruments      prometheus.Gauge

	// Command path
	commandsReceived *prometheus.CounterVec
	commandsRelayed  prometheus.Counter

	// Observer side
	observers      *prometheus.GaugeVec
	observerLagged *prometheus.CounterVec

	// Archive
	archiveWrites  *prometheus.CounterVec
	archiveDropped prometheus.Counter
	archiveQueue   prometheus.Gauge
}

func New(cfg Config) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = defaultNamespace
	}
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	ns := cfg.Namespace

	m := &Metrics{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),

		linesRead: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "instrument_lines_total",
				Help:      "Lines read from instruments by kind",
			},
			[]string{"kind"},
		),
		parseDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "instrument_parse_drops_total",
			Help:      "Data lines discarded for carrying too few values",
		}),
		recordsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "records_published_total",
			Help:      "Filtered records broadcast to observers",
		}),
		instruments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "instruments_connected",
			Help:      "Currently connected instruments",
		}),

		commandsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "commands_received_total",
				Help:      "Commands received from observers by transport",
			},
			[]string{"transport"},
		),
		commandsRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "commands_relayed_total",
			Help:      "Commands written to instruments",
		}),

		observers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "observers_connected",
				Help:      "Currently connected observers by transport",
			},
			[]string{"transport"},
		),
		observerLagged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "observer_skipped_records_total",
				Help:      "Records skipped by observers that fell behind",
			},
			[]string{"transport"},
		),

		archiveWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "archive_writes_total",
				Help:      "Archive writes by result",
			},
			[]string{"result"},
		),
		archiveDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "archive_dropped_total",
			Help:      "Points dropped because the archive queue was full",
		}),
		archiveQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "archive_queue_depth",
			Help:      "Points waiting in the archive queue",
		}),
	}

	m.registry.MustRegister(
		m.linesRead,
		m.parseDrops,
		m.recordsPublished,
		m.instruments,
		m.commandsReceived,
		m.commandsRelayed,
		m.observers,
		m.observerLagged,
		m.archiveWrites,
		m.archiveDropped,
		m.archiveQueue,
	)

	return m
}

// Registry returns the registry holding the relay collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Instrument metrics

func (m *Metrics) LineRead(kind string) {
	if m == nil {
		return
	}
	m.linesRead.WithLabelValues(kind).Inc()
}

func (m *Metrics) ParseDropped() {
	if m == nil {
		return
	}
	m.parseDrops.Inc()
}

func (m *Metrics) RecordPublished() {
	if m == nil {
		return
	}
	m.recordsPublished.Inc()
}

func (m *Metrics) InstrumentConnected() {
	if m == nil {
		return
	}
	m.instruments.Inc()
}

func (m *Metrics) InstrumentDisconnected() {
	if m == nil {
		return
	}
	m.instruments.Dec()
}

// Command metrics

func (m *Metrics) CommandReceived(transport string) {
	if m == nil {
		return
	}
	m.commandsReceived.WithLabelValues(transport).Inc()
}

func (m *Metrics) CommandRelayed() {
	if m == nil {
		return
	}
	m.commandsRelayed.Inc()
}

// Observer metrics

func (m *Metrics) ObserverConnected(transport string) {
	if m == nil {
		return
	}
	m.observers.WithLabelValues(transport).Inc()
}

func (m *Metrics) ObserverDisconnected(transport string) {
	if m == nil {
		return
	}
	m.observers.WithLabelValues(transport).Dec()
}

func (m *Metrics) ObserverLagged(transport string, missed uint64) {
	if m == nil {
		return
	}
	m.observerLagged.WithLabelValues(transport).Add(float64(missed))
}

// Archive metrics

func (m *Metrics) ArchiveWritten(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.archiveWrites.WithLabelValues(result).Inc()
}

func (m *Metrics) ArchiveDropped() {
	if m == nil {
		return
	}
	m.archiveDropped.Inc()
}

func (m *Metrics) SetArchiveQueue(depth int) {
	if m == nil {
		return
	}
	m.archiveQueue.Set(float64(depth))
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is cancelled. It returns nil
// right away when no address is configured.
func (m *Metrics) Serve(ctx context.Context, log logger.Logger) error {
	if m == nil || !m.cfg.Enabled() {
		return nil
	}

	errFactory := errors.New()

	mux := http.NewServeMux()
	mux.Handle(m.cfg.Path, m.Handler())

	server := &http.Server{
		Addr:              m.cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", m.cfg.Addr).Str("path", m.cfg.Path).Msg("Serving metrics")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return errFactory.Wrap(ErrServe, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return errFactory.Wrap(ErrShutdown, err)
	}

	return nil
}
