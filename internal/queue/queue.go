// Package queue implements the broker contract on Redis lists: named FIFO
// queues with JSON payloads and at-least-once delivery. Producers LPUSH,
// consumers BLMOVE into a per-queue processing list and LREM on ack, so a
// consumer crash leaves the message recoverable.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Queue names shared by the monitor and the work peer.
const (
	OperationsQueue = "ops.process"
	PingQueue       = "monitoring.ping"
	EchoQueue       = "monitoring.echo"
)

// PingTask asks the work peer to fan-out probe the catalog.
type PingTask struct {
	RequestID string `json:"request_id"`
}

// EchoResult is one service's probe outcome inside an echo batch.
type EchoResult struct {
	Service   string   `json:"service"`
	Status    string   `json:"status"`
	LatencyMS *float64 `json:"latency_ms"`
	HTTPCode  *int     `json:"http_code"`
	IsFailure bool     `json:"is_failure"`
}

// EchoTask carries a batch of fan-out probe results back to the monitor.
type EchoTask struct {
	RequestID string       `json:"request_id"`
	TS        string       `json:"ts"`
	Results   []EchoResult `json:"results"`
}

// OperationTask points the work peer at a stored business operation.
type OperationTask struct {
	OperationID string `json:"operation_id"`
}

// Client is a broker connection. Enqueues pass through a circuit breaker so
// a dead broker fails fast instead of stalling every caller on the dial
// timeout.
type Client struct {
	rdb     *redis.Client
	breaker *gobreaker.CircuitBreaker
}

// NewClient connects to the broker at a redis:// URL. The connection is
// verified lazily; use Ping to check liveness.
func NewClient(brokerURL string) (*Client, error) {
	opts, err := redis.ParseURL(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "broker-enqueue",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("broker circuit breaker state changed")
		},
	})

	return &Client{rdb: redis.NewClient(opts), breaker: breaker}, nil
}

// Close releases the broker connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks broker liveness. Used both at boot and as the broker
// self-probe each tick.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Enqueue marshals payload and pushes it onto the named queue. When the
// breaker is open the call returns immediately with the breaker error.
func (c *Client) Enqueue(ctx context.Context, queueName string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", queueName, err)
	}

	_, err = c.breaker.Execute(func() (any, error) {
		return nil, c.rdb.LPush(ctx, queueName, body).Err()
	})
	if err != nil {
		return fmt.Errorf("enqueue on %s: %w", queueName, err)
	}
	return nil
}

// QueueLen reports the number of pending messages on a queue.
func (c *Client) QueueLen(ctx context.Context, queueName string) (int64, error) {
	n, err := c.rdb.LLen(ctx, queueName).Result()
	if err != nil {
		return 0, fmt.Errorf("len of %s: %w", queueName, err)
	}
	return n, nil
}

func processingList(queueName string) string {
	return queueName + ":processing"
}
