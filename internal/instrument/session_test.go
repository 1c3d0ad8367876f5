package instrument_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"codeberg.org/mutker/enosed/internal/broadcast"
	"codeberg.org/mutker/enosed/internal/filter"
	"codeberg.org/mutker/enosed/internal/instrument"
	"codeberg.org/mutker/enosed/internal/lineio"
	"codeberg.org/mutker/enosed/internal/sensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.UnixMilli(1_700_000_000_123)

type chanArchive chan sensor.Point

func (a chanArchive) Enqueue(p sensor.Point) bool {
	select {
	case a <- p:
		return true
	default:
		return false
	}
}

type harness struct {
	client   net.Conn
	data     *broadcast.Topic[[]byte]
	commands *broadcast.Topic[string]
	archive  chanArchive
	session  *instrument.Session
	done     chan error
	cancel   context.CancelFunc
}

func startSession(t *testing.T, cfg filter.Config) *harness {
	t.Helper()

	server, client := net.Pipe()
	h := &harness{
		client:   client,
		data:     broadcast.New[[]byte](100),
		commands: broadcast.New[string](10),
		archive:  make(chanArchive, 16),
		done:     make(chan error, 1),
	}

	h.session = instrument.NewSession(server, filter.New(cfg), instrument.Config{
		Source:   "arduino",
		Data:     h.data,
		Commands: h.commands,
		Archive:  h.archive,
		Now:      func() time.Time { return fixedNow },
	})

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.session.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		client.Close()
	})
	return h
}

func (h *harness) send(t *testing.T, line string) {
	t.Helper()
	_, err := h.client.Write([]byte(line))
	require.NoError(t, err)
}

func (h *harness) waitDone(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(time.Second):
		t.Fatal("session did not stop")
		return nil
	}
}

func recvRecord(t *testing.T, sub *broadcast.Subscription[[]byte]) sensor.Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	payload, err := sub.Recv(ctx)
	require.NoError(t, err)

	var rec sensor.Record
	require.NoError(t, json.Unmarshal(payload, &rec))
	return rec
}

func passThrough() filter.Config {
	return filter.Config{WindowSize: 1}
}

func TestSessionPublishesDataLine(t *testing.T) {
	h := startSession(t, passThrough())
	sub := h.data.Subscribe()
	defer sub.Close()

	h.send(t, "SENSOR:10,20,30,40,50,60,70,3,2\n")

	rec := recvRecord(t, sub)
	assert.Equal(t, sensor.Channels{10, 20, 30, 40, 50, 60, 70}, rec.Channels())
	assert.Equal(t, 3, rec.State)
	assert.Equal(t, "HOLD", rec.StateName)
	assert.Equal(t, 2, rec.Level)
	assert.Equal(t, "arduino", rec.Source)
	assert.Equal(t, fixedNow.UnixMilli(), rec.Timestamp)

	select {
	case p := <-h.archive:
		assert.Equal(t, rec.Channels(), p.Channels)
		assert.Equal(t, 3, p.State)
		assert.Equal(t, 2, p.Level)
		assert.Equal(t, "arduino", p.Source)
		assert.Equal(t, rec.Timestamp*1_000_000, p.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("no archival point")
	}

	assert.Equal(t, instrument.Active, h.session.State())
}

func TestSessionDropsShortLines(t *testing.T) {
	h := startSession(t, passThrough())
	sub := h.data.Subscribe()
	defer sub.Close()

	h.send(t, "SENSOR:1,2,3\n")
	h.send(t, "SENSOR:1,2,x,3,4,5,6,7,8\n")
	h.send(t, "SENSOR:1,2,3,4,5,6,7,1,0\n")

	rec := recvRecord(t, sub)
	assert.Equal(t, sensor.Channels{1, 2, 3, 4, 5, 6, 7}, rec.Channels())
	assert.Equal(t, "PRE_COND", rec.StateName)

	assert.Eventually(t, func() bool { return len(h.archive) == 1 }, time.Second, 5*time.Millisecond)
}

func TestSessionToleratesInvalidTokens(t *testing.T) {
	h := startSession(t, passThrough())
	sub := h.data.Subscribe()
	defer sub.Close()

	h.send(t, "SENSOR:10,abc,20,30,,40,50,nan,60,70,3,2\r\n")

	rec := recvRecord(t, sub)
	assert.Equal(t, sensor.Channels{10, 20, 30, 40, 50, 60, 70}, rec.Channels())
	assert.Equal(t, 3, rec.State)
	assert.Equal(t, 2, rec.Level)
}

func TestSessionIgnoresDiagnostics(t *testing.T) {
	h := startSession(t, passThrough())
	sub := h.data.Subscribe()
	defer sub.Close()

	h.send(t, "BOOT OK\n\nheater warm\n")
	h.send(t, "SENSOR:1,1,1,1,1,1,1,9,0\n")

	rec := recvRecord(t, sub)
	assert.Equal(t, "UNKNOWN", rec.StateName)
}

func TestSessionDropsOversizedLine(t *testing.T) {
	h := startSession(t, passThrough())
	sub := h.data.Subscribe()
	defer sub.Close()

	h.send(t, "SENSOR:"+strings.Repeat("1,", lineio.DefaultMaxLine)+"\n")
	h.send(t, "SENSOR:5,5,5,5,5,5,5,2,0\n")

	rec := recvRecord(t, sub)
	assert.Equal(t, sensor.Channels{5, 5, 5, 5, 5, 5, 5}, rec.Channels())
	assert.Equal(t, "RAMP_UP", rec.StateName)
}

func TestSessionSmoothsPerConnection(t *testing.T) {
	h := startSession(t, filter.Config{WindowSize: 2})
	sub := h.data.Subscribe()
	defer sub.Close()

	h.send(t, "SENSOR:10,10,10,10,10,10,10,0,0\n")
	h.send(t, "SENSOR:20,20,20,20,20,20,20,0,0\n")

	assert.InDelta(t, 10.0, recvRecord(t, sub).NO2, 1e-9)
	assert.InDelta(t, 15.0, recvRecord(t, sub).NO2, 1e-9)
}

func TestSessionWritesCommands(t *testing.T) {
	h := startSession(t, passThrough())
	reader := bufio.NewReader(h.client)

	h.commands.Publish("START")
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "START\n", line)

	h.commands.Publish("STOP")
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "STOP\n", line)
}

func TestSessionStopsWriterWhenInstrumentCloses(t *testing.T) {
	h := startSession(t, passThrough())
	require.Equal(t, 1, h.commands.Subscribers())

	require.NoError(t, h.client.Close())

	assert.NoError(t, h.waitDone(t))
	assert.Equal(t, instrument.Closed, h.session.State())
	assert.Equal(t, 0, h.commands.Subscribers())
}

func TestSessionStopsOnContextCancel(t *testing.T) {
	h := startSession(t, passThrough())

	h.cancel()

	assert.NoError(t, h.waitDone(t))
	assert.Equal(t, instrument.Closed, h.session.State())

	_, err := h.client.Write([]byte("SENSOR:1\n"))
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", instrument.Connecting.String())
	assert.Equal(t, "active", instrument.Active.String())
	assert.Equal(t, "closed", instrument.Closed.String())
	assert.Equal(t, "unknown", instrument.State(42).String())
}
