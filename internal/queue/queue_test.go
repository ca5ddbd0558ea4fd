package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewClient("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	for _, id := range []string{"ping-1", "ping-2", "ping-3"} {
		require.NoError(t, c.Enqueue(ctx, PingQueue, PingTask{RequestID: id}))
	}

	n, err := c.QueueLen(ctx, PingQueue)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	var (
		mu  sync.Mutex
		got []string
	)
	done := make(chan struct{})

	consumer := NewConsumer(c, 1)
	consumer.Handle(PingQueue, func(ctx context.Context, body []byte) error {
		var task PingTask
		require.NoError(t, json.Unmarshal(body, &task))
		mu.Lock()
		got = append(got, task.RequestID)
		if len(got) == 3 {
			close(done)
		}
		mu.Unlock()
		return nil
	})
	consumer.Start()
	defer consumer.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for messages")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"ping-1", "ping-2", "ping-3"}, got)
}

func TestRequeueOrphansOnStart(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	// Simulate a consumer that died mid-message: the payload sits in the
	// processing list, not the queue.
	body, err := json.Marshal(EchoTask{RequestID: "ping-dead"})
	require.NoError(t, err)
	mr.Lpush(processingList(EchoQueue), string(body))

	got := make(chan string, 1)
	consumer := NewConsumer(c, 1)
	consumer.Handle(EchoQueue, func(ctx context.Context, body []byte) error {
		var task EchoTask
		require.NoError(t, json.Unmarshal(body, &task))
		got <- task.RequestID
		return nil
	})
	consumer.Start()
	defer consumer.Stop()

	select {
	case id := <-got:
		assert.Equal(t, "ping-dead", id)
	case <-time.After(5 * time.Second):
		t.Fatal("orphaned message was not redelivered")
	}

	_ = ctx
}

func TestEnqueueBreakerOpensOnDeadBroker(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	mr.Close()

	// The first few failures hit the dead broker; once the breaker trips,
	// enqueue fails fast without touching the connection.
	for i := 0; i < 3; i++ {
		assert.Error(t, c.Enqueue(ctx, PingQueue, PingTask{RequestID: "ping-x"}))
	}

	start := time.Now()
	err := c.Enqueue(ctx, PingQueue, PingTask{RequestID: "ping-y"})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestEchoTaskRoundTrip(t *testing.T) {
	latency := 12.5
	code := 200
	in := EchoTask{
		RequestID: "ping-abcd1234",
		TS:        "2026-08-25T10:00:00Z",
		Results: []EchoResult{
			{Service: "reserves", Status: "UP", LatencyMS: &latency, HTTPCode: &code, IsFailure: false},
			{Service: "search", Status: "TIMEOUT", IsFailure: true},
		},
	}

	body, err := json.Marshal(in)
	require.NoError(t, err)

	var out EchoTask
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, in, out)
}
