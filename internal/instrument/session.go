// Package instrument runs the relay side of an instrument connection: a read
// loop that turns measurement lines into records and a write loop that
// forwards observer commands.
package instrument

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/enosed/internal/broadcast"
	"codeberg.org/mutker/enosed/internal/errors"
	"codeberg.org/mutker/enosed/internal/filter"
	"codeberg.org/mutker/enosed/internal/lineio"
	"codeberg.org/mutker/enosed/internal/logger"
	"codeberg.org/mutker/enosed/internal/metrics"
	"codeberg.org/mutker/enosed/internal/sensor"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	lineData       = "data"
	lineDiagnostic = "diagnostic"
	lineOversized  = "oversized"
)

// Archive receives one point per published record. Enqueue must not block.
type Archive interface {
	Enqueue(point sensor.Point) bool
}

// Config holds what a session shares with the rest of the process.
type Config struct {
	Source   string
	Data     *broadcast.Topic[[]byte]
	Commands *broadcast.Topic[string]
	Archive  Archive
	Logger   logger.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Session relays one instrument connection. It publishes filtered records
// and writes observer commands back to the instrument.
type Session struct {
	id       string
	conn     net.Conn
	filter   *filter.Filter
	cfg      Config
	logger   logger.Logger
	commands *broadcast.Subscription[string]
	state    atomic.Int32
}

// NewSession prepares a session for conn. The session subscribes to the
// command topic immediately, so commands published before Run starts are
// delivered. Run must be called to release the subscription.
func NewSession(conn net.Conn, f *filter.Filter, cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	id := uuid.NewString()
	s := &Session{
		id:     id,
		conn:   conn,
		filter: f,
		cfg:    cfg,
		logger: cfg.Logger.
			With("conn_id", id).
			With("remote", conn.RemoteAddr().String()),
	}
	if cfg.Commands != nil {
		s.commands = cfg.Commands.Subscribe()
	}
	s.state.Store(int32(Connecting))

	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// Run serves the connection until it closes, a loop fails or ctx ends. The
// connection is always closed on return. End of stream is not an error.
func (s *Session) Run(ctx context.Context) error {
	s.state.Store(int32(Active))
	s.cfg.Metrics.InstrumentConnected()
	s.logger.Info().Msg("Instrument connected")

	defer func() {
		if s.commands != nil {
			s.commands.Close()
		}
		s.conn.Close()
		s.state.Store(int32(Closed))
		s.cfg.Metrics.InstrumentDisconnected()
		s.logger.Info().Msg("Instrument disconnected")
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return s.readLoop(gctx)
	})
	g.Go(func() error {
		return s.writeLoop(gctx)
	})
	// Unblocks the read loop once either loop is done.
	g.Go(func() error {
		<-gctx.Done()
		s.conn.Close()
		return nil
	})

	err := g.Wait()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Instrument session ended with error")
	}
	return err
}

func (s *Session) readLoop(ctx context.Context) error {
	reader := lineio.NewReader(s.conn, lineio.DefaultMaxLine)

	for {
		line, err := reader.ReadLine()
		if err == nil {
			s.handleLine(line)
			continue
		}
		if errors.Is(err, lineio.ErrLineTooLong) {
			s.cfg.Metrics.LineRead(lineOversized)
			s.logger.Warn().Int("limit", reader.Max()).Msg("Dropped oversized line")
			continue
		}
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			return nil
		}
		return errors.New().Wrap(errors.ErrConnRead, err)
	}
}

func (s *Session) handleLine(line string) {
	if !sensor.IsDataLine(line) {
		s.cfg.Metrics.LineRead(lineDiagnostic)
		if line != "" {
			s.logger.Debug().Str("line", line).Msg("Instrument diagnostic")
		}
		return
	}
	s.cfg.Metrics.LineRead(lineData)

	raw, err := sensor.ParseLine(line)
	if err != nil {
		s.cfg.Metrics.ParseDropped()
		s.logger.Debug().Err(err).Str("line", line).Msg("Dropped data line")
		return
	}

	record := sensor.NewRecord(s.filter.Update(raw), s.cfg.Now(), s.cfg.Source)
	payload, err := record.Encode()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode record")
		return
	}

	if s.cfg.Data != nil {
		s.cfg.Data.Publish(payload)
	}
	s.cfg.Metrics.RecordPublished()

	if s.cfg.Archive != nil {
		s.cfg.Archive.Enqueue(record.Point())
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	if s.commands == nil {
		<-ctx.Done()
		return nil
	}

	errFactory := errors.New()
	writer := bufio.NewWriter(s.conn)

	for {
		cmd, err := s.commands.Recv(ctx)
		if err != nil {
			var lagged *broadcast.LaggedError
			if errors.As(err, &lagged) {
				s.logger.Warn().
					Uint64("missed", lagged.Missed).
					Msg("Command writer fell behind, commands skipped")
				continue
			}
			// Context end or topic close both mean shutdown.
			return nil
		}

		_, err = writer.WriteString(cmd + "\n")
		if err == nil {
			err = writer.Flush()
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errFactory.Wrap(errors.ErrConnWrite, err)
		}

		s.cfg.Metrics.CommandRelayed()
		s.logger.Debug().Str("command", cmd).Msg("Command sent to instrument")
	}
}
