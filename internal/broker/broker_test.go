package broker_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"scriptserver/internal/broker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func drain(t *testing.T, sub *broker.Subscription) ([]string, int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var chunks []string
	closes := 0
	for {
		chunk, err := sub.Next(ctx)
		if err == io.EOF {
			closes++
			// a closed subscription keeps reporting the sentinel
			_, err = sub.Next(ctx)
			require.ErrorIs(t, err, io.EOF)
			return chunks, closes
		}
		require.NoError(t, err)
		chunks = append(chunks, string(chunk))
	}
}

func TestLateSubscriberSeesEverything(t *testing.T) {
	t.Parallel()

	b := broker.New()
	a := b.Subscribe()
	b.Publish([]byte("one"))
	b.Publish([]byte("two"))
	b.Publish([]byte("three"))

	late := b.Subscribe()
	b.Publish([]byte("four"))
	b.Close()

	want := []string{"one", "two", "three", "four"}
	gotA, closesA := drain(t, a)
	gotB, closesB := drain(t, late)
	assert.Equal(t, want, gotA)
	assert.Equal(t, want, gotB)
	assert.Equal(t, 1, closesA)
	assert.Equal(t, 1, closesB)
}

func TestConcurrentSubscribersSeeIdenticalOrder(t *testing.T) {
	t.Parallel()

	b := broker.New()
	first := b.Subscribe()

	var wg sync.WaitGroup
	results := make([][]string, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = drain(t, first)
	}()

	for i := range 3 {
		b.Publish([]byte{byte('a' + i)})
	}
	second := b.Subscribe()
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], _ = drain(t, second)
	}()
	for i := 3; i < 50; i++ {
		b.Publish([]byte{byte('a' + i%26)})
	}
	b.Close()
	wg.Wait()

	require.Len(t, results[0], 50)
	assert.Equal(t, results[0], results[1])
}

func TestPublishAfterCloseIsIgnored(t *testing.T) {
	t.Parallel()

	b := broker.New()
	b.Publish([]byte("kept"))
	b.Close()
	b.Close()
	b.Publish([]byte("lost"))

	assert.True(t, b.Closed())
	assert.Equal(t, "kept", string(b.Backlog()))

	got, closes := drain(t, b.Subscribe())
	assert.Equal(t, []string{"kept"}, got)
	assert.Equal(t, 1, closes)
	select {
	case <-b.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

func TestBacklogEvictsOldestChunks(t *testing.T) {
	t.Parallel()

	b := broker.New(broker.WithBacklogLimit(8))
	b.Publish([]byte("aaaa"))
	b.Publish([]byte("bbbb"))
	b.Publish([]byte("cccc"))

	assert.Equal(t, 1, b.Truncated())
	assert.Equal(t, "bbbbcccc", string(b.Backlog()))

	b.Close()
	got, _ := drain(t, b.Subscribe())
	assert.Equal(t, []string{"bbbb", "cccc"}, got)
}

func TestOversizedChunkIsRetained(t *testing.T) {
	t.Parallel()

	b := broker.New(broker.WithBacklogLimit(4))
	b.Publish([]byte("0123456789"))
	assert.Equal(t, "0123456789", string(b.Backlog()))
	assert.Zero(t, b.Truncated())
	b.Close()
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	t.Parallel()

	b := broker.New(broker.WithBacklogLimit(4), broker.WithQueueLimit(4))
	slow := b.Subscribe()
	for _, chunk := range []string{"aa", "bb", "cc", "dd"} {
		b.Publish([]byte(chunk))
	}
	b.Close()

	got, closes := drain(t, slow)
	assert.Equal(t, []string{"cc", "dd"}, got)
	assert.Equal(t, 2, slow.Dropped())
	assert.Equal(t, 1, closes)
}

func TestPublishDoesNotBlockOnIdleSubscriber(t *testing.T) {
	t.Parallel()

	b := broker.New(broker.WithBacklogLimit(1024), broker.WithQueueLimit(1024))
	idle := b.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 10_000 {
			b.Publish([]byte("0123456789"))
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on an idle subscriber")
	}
	assert.Positive(t, idle.Dropped())
	b.Close()
}

func TestSubscriptionCloseDetaches(t *testing.T) {
	t.Parallel()

	b := broker.New()
	sub := b.Subscribe()
	require.Equal(t, 1, b.Subscribers())

	sub.Close()
	assert.Zero(t, b.Subscribers())
	_, err := sub.Next(context.Background())
	require.ErrorIs(t, err, io.EOF)
	b.Close()
}

func TestNextHonoursContext(t *testing.T) {
	t.Parallel()

	b := broker.New()
	sub := b.Subscribe()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := sub.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	b.Close()
}
