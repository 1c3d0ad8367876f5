// Package observer fans records out to observer clients and collects their
// commands. Observers connect over plain TCP (one JSON record per line) or
// WebSocket (one record per text frame).
package observer

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"

	"codeberg.org/mutker/enosed/internal/broadcast"
	"codeberg.org/mutker/enosed/internal/errors"
	"codeberg.org/mutker/enosed/internal/lineio"
	"codeberg.org/mutker/enosed/internal/logger"
	"codeberg.org/mutker/enosed/internal/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"

	wsBufferSize = 4096
)

// Config wires a Hub to the relay topics.
type Config struct {
	Data     *broadcast.Topic[[]byte]
	Commands *broadcast.Topic[string]
	Logger   logger.Logger
	Metrics  *metrics.Metrics
}

// Hub serves observer connections over TCP and WebSocket.
type Hub struct {
	data      *broadcast.Topic[[]byte]
	commands  *broadcast.Topic[string]
	logger    logger.Logger
	metrics   *metrics.Metrics
	upgrader  websocket.Upgrader
	observers atomic.Int64
}

func NewHub(cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	return &Hub{
		data:     cfg.Data,
		commands: cfg.Commands,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsBufferSize,
			WriteBufferSize: wsBufferSize,
			// Any origin may connect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Observers returns the number of connected observers across transports.
func (h *Hub) Observers() int { return int(h.observers.Load()) }

// Serve handles a TCP line observer until it disconnects, a write fails or
// ctx ends. conn is closed on return.
func (h *Hub) Serve(ctx context.Context, conn net.Conn) error {
	return h.run(ctx, newLinePeer(conn), TransportTCP, conn.RemoteAddr().String())
}

// ServeHTTP upgrades the request to a WebSocket observer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		h.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	conn.SetReadLimit(lineio.DefaultMaxLine)

	if err := h.run(r.Context(), &wsPeer{conn: conn}, TransportWebSocket, r.RemoteAddr); err != nil {
		h.logger.Debug().Err(err).Msg("WebSocket observer ended with error")
	}
}

func (h *Hub) run(ctx context.Context, p peer, transport, remote string) error {
	id := uuid.NewString()
	log := h.logger.
		With("conn_id", id).
		With("remote", remote).
		With("transport", transport)

	sub := h.data.Subscribe()
	defer sub.Close()

	h.observers.Add(1)
	h.metrics.ObserverConnected(transport)
	log.Info().Msg("Observer connected")
	defer func() {
		p.close()
		h.observers.Add(-1)
		h.metrics.ObserverDisconnected(transport)
		log.Info().Msg("Observer disconnected")
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return h.forward(gctx, p, sub, transport, log)
	})
	g.Go(func() error {
		defer cancel()
		return p.readCommands(gctx, func(cmd string) {
			receivers := h.commands.Publish(cmd)
			h.metrics.CommandReceived(transport)
			log.Debug().
				Str("command", cmd).
				Int("receivers", receivers).
				Msg("Command received")
		})
	})
	g.Go(func() error {
		<-gctx.Done()
		p.close()
		return nil
	})

	return g.Wait()
}

func (h *Hub) forward(ctx context.Context, p peer, sub *broadcast.Subscription[[]byte], transport string, log logger.Logger) error {
	for {
		payload, err := sub.Recv(ctx)
		if err != nil {
			var lagged *broadcast.LaggedError
			if errors.As(err, &lagged) {
				h.metrics.ObserverLagged(transport, lagged.Missed)
				log.Debug().Uint64("missed", lagged.Missed).Msg("Observer fell behind, records skipped")
				continue
			}
			return nil
		}

		if err := p.writeRecord(payload); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.New().Wrap(errors.ErrConnWrite, err)
		}
	}
}
