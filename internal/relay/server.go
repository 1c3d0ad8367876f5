// Package relay owns the listeners and connects instrument sessions, the
// observer hub and the archive through the two process-wide topics.
package relay

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"codeberg.org/mutker/enosed/internal/broadcast"
	"codeberg.org/mutker/enosed/internal/errors"
	"codeberg.org/mutker/enosed/internal/filter"
	"codeberg.org/mutker/enosed/internal/instrument"
	"codeberg.org/mutker/enosed/internal/logger"
	"codeberg.org/mutker/enosed/internal/metrics"
	"codeberg.org/mutker/enosed/internal/observer"
	"golang.org/x/sync/errgroup"
)

// Server owns the relay listeners and the topics shared between sessions.
type Server struct {
	cfg      Config
	logger   logger.Logger
	metrics  *metrics.Metrics
	archive  instrument.Archive
	template *filter.Filter

	data     *broadcast.Topic[[]byte]
	commands *broadcast.Topic[string]
	hub      *observer.Hub

	instrumentLn net.Listener
	observerLn   net.Listener
	wsLn         net.Listener

	conns sync.WaitGroup
}

// New builds a relay. archive may be nil to run without archiving.
func New(cfg Config, archive instrument.Archive, log logger.Logger, m *metrics.Metrics) *Server {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.Nop()
	}

	data := broadcast.New[[]byte](cfg.DataCapacity)
	commands := broadcast.New[string](cfg.CommandCapacity)

	return &Server{
		cfg:      cfg,
		logger:   log,
		metrics:  m,
		archive:  archive,
		template: filter.New(cfg.Filter),
		data:     data,
		commands: commands,
		hub: observer.NewHub(observer.Config{
			Data:     data,
			Commands: commands,
			Logger:   log.With("listener", "observer"),
			Metrics:  m,
		}),
	}
}

func (s *Server) Hub() *observer.Hub                 { return s.hub }
func (s *Server) Data() *broadcast.Topic[[]byte]     { return s.data }
func (s *Server) Commands() *broadcast.Topic[string] { return s.commands }

// Listen binds every configured listener. Failing to bind is the only
// startup error the relay reports.
func (s *Server) Listen() error {
	var err error

	if s.instrumentLn, err = listen(s.cfg.InstrumentAddr); err != nil {
		return err
	}
	if s.observerLn, err = listen(s.cfg.ObserverAddr); err != nil {
		s.closeListeners()
		return err
	}
	if s.cfg.WebSocketAddr != "" {
		if s.wsLn, err = listen(s.cfg.WebSocketAddr); err != nil {
			s.closeListeners()
			return err
		}
	}

	ev := s.logger.Info().
		Str("instrument_addr", s.instrumentLn.Addr().String()).
		Str("observer_addr", s.observerLn.Addr().String())
	if s.wsLn != nil {
		ev = ev.Str("ws_addr", s.wsLn.Addr().String()).Str("ws_path", s.cfg.WebSocketPath)
	}
	ev.Msg("Relay listening")

	return nil
}

func listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.New().WithData(errors.ErrListen, struct {
			Addr  string
			Error string
		}{
			Addr:  addr,
			Error: err.Error(),
		})
	}
	return ln, nil
}

// InstrumentAddr returns the bound instrument address, or nil before Listen.
func (s *Server) InstrumentAddr() net.Addr { return addrOf(s.instrumentLn) }

// ObserverAddr returns the bound observer address, or nil before Listen.
func (s *Server) ObserverAddr() net.Addr { return addrOf(s.observerLn) }

// WebSocketAddr returns the bound WebSocket address, or nil when disabled.
func (s *Server) WebSocketAddr() net.Addr { return addrOf(s.wsLn) }

func addrOf(ln net.Listener) net.Addr {
	if ln == nil {
		return nil
	}
	return ln.Addr()
}

// Run listens and serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts connections until ctx ends, then closes the topics and waits
// for every connection to finish.
func (s *Server) Serve(ctx context.Context) error {
	if s.instrumentLn == nil || s.observerLn == nil {
		return errors.New().New(ErrNotListening)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.acceptLoop(gctx, s.instrumentLn, "instrument", s.serveInstrument)
	})
	g.Go(func() error {
		return s.acceptLoop(gctx, s.observerLn, "observer", s.serveObserver)
	})
	if s.wsLn != nil {
		g.Go(func() error { return s.serveWebSocket(gctx) })
	}
	// Closing the listeners unblocks the accept loops.
	g.Go(func() error {
		<-gctx.Done()
		s.closeListeners()
		return nil
	})

	err := g.Wait()

	s.data.Close()
	s.commands.Close()
	s.conns.Wait()

	s.logger.Info().Msg("Relay stopped")
	return err
}

func (s *Server) closeListeners() {
	for _, ln := range []net.Listener{s.instrumentLn, s.observerLn, s.wsLn} {
		if ln != nil {
			ln.Close()
		}
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, kind string, handle func(context.Context, net.Conn)) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn().Err(err).Str("listener", kind).Msg("Accept failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(acceptRetryDelay):
			}
			continue
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			handle(ctx, conn)
		}()
	}
}

func (s *Server) serveInstrument(ctx context.Context, conn net.Conn) {
	session := instrument.NewSession(conn, s.template.Clone(), instrument.Config{
		Source:   s.cfg.Source,
		Data:     s.data,
		Commands: s.commands,
		Archive:  s.archive,
		Logger:   s.logger.With("listener", "instrument"),
		Metrics:  s.metrics,
	})
	// Run logs its own failures.
	_ = session.Run(ctx)
}

func (s *Server) serveObserver(ctx context.Context, conn net.Conn) {
	if err := s.hub.Serve(ctx, conn); err != nil {
		s.logger.Debug().Err(err).Msg("Observer ended with error")
	}
}

func (s *Server) serveWebSocket(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.WebSocketPath, s.hub)

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(s.wsLn) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
			return nil
		}
		return errors.New().Wrap(ErrWebSocket, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket server shutdown incomplete")
	}
	return nil
}
