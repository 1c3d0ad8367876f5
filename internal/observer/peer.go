package observer

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"

	"codeberg.org/mutker/enosed/internal/errors"
	"codeberg.org/mutker/enosed/internal/lineio"
	"github.com/gorilla/websocket"
)

// peer is one observer transport. writeRecord and readCommands run on
// different goroutines; close may be called from a third.
type peer interface {
	writeRecord(payload []byte) error
	readCommands(ctx context.Context, emit func(cmd string)) error
	close() error
}

// splitCommands yields every non-empty trimmed line of text.
func splitCommands(text string, emit func(cmd string)) {
	for _, line := range strings.Split(text, "\n") {
		if cmd := strings.TrimSpace(line); cmd != "" {
			emit(cmd)
		}
	}
}

type linePeer struct {
	conn   net.Conn
	writer *bufio.Writer
}

func newLinePeer(conn net.Conn) *linePeer {
	return &linePeer{conn: conn, writer: bufio.NewWriter(conn)}
}

func (p *linePeer) writeRecord(payload []byte) error {
	if _, err := p.writer.Write(payload); err != nil {
		return err
	}
	if err := p.writer.WriteByte('\n'); err != nil {
		return err
	}
	return p.writer.Flush()
}

func (p *linePeer) readCommands(ctx context.Context, emit func(cmd string)) error {
	reader := lineio.NewReader(p.conn, lineio.DefaultMaxLine)

	for {
		line, err := reader.ReadLine()
		if err == nil {
			splitCommands(line, emit)
			continue
		}
		if errors.Is(err, lineio.ErrLineTooLong) {
			continue
		}
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			return nil
		}
		return errors.New().Wrap(errors.ErrConnRead, err)
	}
}

func (p *linePeer) close() error { return p.conn.Close() }

type wsPeer struct {
	conn *websocket.Conn
}

func (p *wsPeer) writeRecord(payload []byte) error {
	return p.conn.WriteMessage(websocket.TextMessage, payload)
}

func (p *wsPeer) readCommands(ctx context.Context, emit func(cmd string)) error {
	for {
		kind, data, err := p.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil
			}
			return errors.New().Wrap(errors.ErrConnRead, err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		splitCommands(string(data), emit)
	}
}

func (p *wsPeer) close() error { return p.conn.Close() }
