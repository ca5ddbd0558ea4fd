package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const popTimeout = 2 * time.Second

// HandlerFunc processes one raw message from a queue. A returned error is
// logged and the message is acked anyway; redelivery happens only when a
// consumer dies mid-message.
type HandlerFunc func(ctx context.Context, body []byte) error

// Consumer runs a pool of workers over a set of queues. Each worker moves
// one message at a time into the queue's processing list and removes it
// after the handler returns.
type Consumer struct {
	client   *Client
	workers  int
	handlers map[string]HandlerFunc

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewConsumer creates a consumer pool of the given size.
func NewConsumer(client *Client, workers int) *Consumer {
	if workers < 1 {
		workers = 1
	}
	return &Consumer{
		client:   client,
		workers:  workers,
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers the handler for one queue. Must be called before Start.
func (c *Consumer) Handle(queueName string, fn HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[queueName] = fn
}

// Start requeues any messages a previous consumer left in processing lists,
// then launches the worker pool.
func (c *Consumer) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.running = true

	for queueName := range c.handlers {
		if err := c.requeueOrphans(c.ctx, queueName); err != nil {
			log.Error().Err(err).Str("queue", queueName).Msg("failed to requeue orphaned messages")
		}
	}

	queues := make([]string, 0, len(c.handlers))
	for queueName := range c.handlers {
		queues = append(queues, queueName)
	}

	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.workerLoop(queues)
	}

	log.Info().Int("workers", c.workers).Strs("queues", queues).Msg("queue consumer started")
}

// Stop cancels the workers and waits for in-flight handlers to return.
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	c.cancel()
	c.running = false
	c.wg.Wait()

	log.Info().Msg("queue consumer stopped")
}

// requeueOrphans moves leftover processing entries back onto the main list.
// This is what makes delivery at-least-once across consumer restarts.
func (c *Consumer) requeueOrphans(ctx context.Context, queueName string) error {
	processing := processingList(queueName)
	for {
		body, err := c.client.rdb.RPopLPush(ctx, processing, queueName).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		log.Warn().Str("queue", queueName).Str("body", body).Msg("requeued orphaned message")
	}
}

func (c *Consumer) workerLoop(queues []string) {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		// BLMOVE blocks up to popTimeout per empty queue, so an idle
		// pass needs no extra sleep.
		for _, queueName := range queues {
			c.consumeOne(queueName)
			select {
			case <-c.ctx.Done():
				return
			default:
			}
		}
	}
}

// consumeOne pops and handles at most one message.
func (c *Consumer) consumeOne(queueName string) {
	processing := processingList(queueName)

	body, err := c.client.rdb.BLMove(c.ctx, queueName, processing, "RIGHT", "LEFT", popTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return
	}
	if err != nil {
		if c.ctx.Err() == nil {
			log.Error().Err(err).Str("queue", queueName).Msg("queue pop failed")
			time.Sleep(time.Second)
		}
		return
	}

	handler := c.handlers[queueName]
	if err := handler(c.ctx, []byte(body)); err != nil {
		log.Error().Err(err).Str("queue", queueName).Msg("queue handler failed")
	}

	// Ack with a fresh context so shutdown does not strand the message in
	// the processing list after the handler already ran.
	if err := c.client.rdb.LRem(context.Background(), processing, 1, body).Err(); err != nil {
		log.Error().Err(err).Str("queue", queueName).Msg("failed to ack message")
	}
}
