package broadcast_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/enosed/internal/broadcast"
	"codeberg.org/mutker/enosed/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, s *broadcast.Subscription[int]) int {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	v, err := s.Recv(ctx)
	require.NoError(t, err)

	return v
}

func TestPublishWithoutSubscribers(t *testing.T) {
	topic := broadcast.New[int](4)

	done := make(chan int)
	go func() { done <- topic.Publish(1) }()

	select {
	case n := <-done:
		assert.Equal(t, 0, n)
	case <-time.After(time.Second):
		t.Fatal("publish blocked without subscribers")
	}
}

func TestLateSubscriberMissesEarlierValues(t *testing.T) {
	topic := broadcast.New[int](100)
	for i := 0; i < 5; i++ {
		topic.Publish(i)
	}

	sub := topic.Subscribe()
	defer sub.Close()

	assert.Equal(t, 1, topic.Publish(42))
	assert.Equal(t, 42, recv(t, sub))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sub.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscribersAreIndependent(t *testing.T) {
	topic := broadcast.New[int](8)
	a := topic.Subscribe()
	b := topic.Subscribe()

	assert.Equal(t, 2, topic.Publish(1))
	topic.Publish(2)

	assert.Equal(t, 1, recv(t, a))
	assert.Equal(t, 2, recv(t, a))
	assert.Equal(t, 1, recv(t, b))

	b.Close()
	b.Close()
	assert.Equal(t, 1, topic.Subscribers())
	assert.Equal(t, 1, topic.Publish(3))

	assert.Equal(t, 3, recv(t, a))
	_, err := b.Recv(context.Background())
	assert.ErrorIs(t, err, broadcast.ErrClosed)
}

func TestSlowSubscriberLags(t *testing.T) {
	topic := broadcast.New[int](3)
	sub := topic.Subscribe()

	for i := 1; i <= 5; i++ {
		topic.Publish(i)
	}

	_, err := sub.Recv(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, broadcast.ErrLagged)
	assert.True(t, errors.HasCode(broadcast.ErrLagged, errors.ErrPeerLagged))

	var lagged *broadcast.LaggedError
	require.ErrorAs(t, err, &lagged)
	assert.Equal(t, uint64(2), lagged.Missed)

	assert.Equal(t, 3, recv(t, sub))
	assert.Equal(t, 4, recv(t, sub))
	assert.Equal(t, 5, recv(t, sub))
}

func TestRecvWakesOnPublish(t *testing.T) {
	topic := broadcast.New[int](2)
	sub := topic.Subscribe()

	got := make(chan int, 1)
	go func() {
		v, err := sub.Recv(context.Background())
		if err == nil {
			got <- v
		}
	}()

	time.Sleep(10 * time.Millisecond)
	topic.Publish(7)

	select {
	case v := <-got:
		assert.Equal(t, 7, v)
	case <-time.After(time.Second):
		t.Fatal("receiver not woken")
	}
}

func TestCloseDrainsThenReportsClosed(t *testing.T) {
	topic := broadcast.New[int](4)
	sub := topic.Subscribe()

	topic.Publish(1)
	topic.Close()
	topic.Close()

	assert.Equal(t, 0, topic.Publish(2))
	assert.Equal(t, 1, recv(t, sub))

	_, err := sub.Recv(context.Background())
	assert.ErrorIs(t, err, broadcast.ErrClosed)

	late := topic.Subscribe()
	_, err = late.Recv(context.Background())
	assert.ErrorIs(t, err, broadcast.ErrClosed)
}

func TestCloseWakesWaitingReceivers(t *testing.T) {
	topic := broadcast.New[string](1)
	sub := topic.Subscribe()

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Recv(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	topic.Close()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, broadcast.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("receiver not woken by close")
	}
}

func TestConcurrentPublishersKeepPerSourceOrder(t *testing.T) {
	const perSource = 50
	topic := broadcast.New[[2]int](4 * perSource)
	sub := topic.Subscribe()

	var wg sync.WaitGroup
	for src := 0; src < 2; src++ {
		wg.Add(1)
		go func(src int) {
			defer wg.Done()
			for i := 0; i < perSource; i++ {
				topic.Publish([2]int{src, i})
			}
		}(src)
	}
	wg.Wait()

	last := map[int]int{0: -1, 1: -1}
	ctx := context.Background()
	for i := 0; i < 2*perSource; i++ {
		v, err := sub.Recv(ctx)
		require.NoError(t, err)
		assert.Greater(t, v[1], last[v[0]])
		last[v[0]] = v[1]
	}
}
