package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/travelhub/sentinel/internal/queue"
	"github.com/travelhub/sentinel/internal/store"
)

// RetryPolicy bounds operation retries: exponential backoff from Base,
// doubling per attempt, capped at Cap.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

// DefaultRetryPolicy mirrors the production worker: five attempts,
// backoff 1s doubling up to 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Base: time.Second, Cap: 30 * time.Second}
}

// Backoff returns the delay before the given retry attempt (0-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// Processor executes business operations from ops.process.
type Processor struct {
	store    *store.Store
	policy   RetryPolicy
	injector *Injector
	flag     *HealthFlag

	// workDelay simulates the business step; tests shrink it.
	workDelay time.Duration
}

// NewProcessor creates an operation processor.
func NewProcessor(st *store.Store, policy RetryPolicy, injector *Injector, flag *HealthFlag) *Processor {
	return &Processor{
		store:     st,
		policy:    policy,
		injector:  injector,
		flag:      flag,
		workDelay: 300 * time.Millisecond,
	}
}

// HandleOperation consumes one ops.process message: PENDING →
// PROCESSING → PROCESSED, or FAILED after the retry budget is spent.
// Every failure stamps the rolling health flag.
func (p *Processor) HandleOperation(ctx context.Context, body []byte) error {
	var task queue.OperationTask
	if err := json.Unmarshal(body, &task); err != nil {
		return fmt.Errorf("decode operation payload: %w", err)
	}

	op, err := p.store.GetOperation(ctx, task.OperationID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Error().Str("operation_id", task.OperationID).Msg("operation not found, dropping")
			return nil
		}
		return err
	}

	if err := p.store.UpdateOperationStatus(ctx, op.ID, store.OpProcessing, nil); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < p.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, p.policy.Backoff(attempt-1)); err != nil {
				return err
			}
		}

		lastErr = p.processOnce(ctx, op)
		if lastErr == nil {
			log.Info().
				Str("operation_id", op.ID).
				Str("type", op.Type).
				Int("attempt", attempt+1).
				Msg("operation processed")
			return p.store.UpdateOperationStatus(ctx, op.ID, store.OpProcessed, nil)
		}

		p.flag.RecordFailure()
		p.injector.RecordFailure()
		log.Warn().
			Err(lastErr).
			Str("operation_id", op.ID).
			Int("attempt", attempt+1).
			Int("max_attempts", p.policy.MaxAttempts).
			Msg("operation attempt failed")
	}

	msg := lastErr.Error()
	log.Error().Str("operation_id", op.ID).Str("error", msg).Msg("operation failed permanently")
	return p.store.UpdateOperationStatus(ctx, op.ID, store.OpFailed, &msg)
}

func (p *Processor) processOnce(ctx context.Context, op *store.Operation) error {
	if err := sleepCtx(ctx, p.workDelay); err != nil {
		return err
	}
	if p.injector.ShouldFail() {
		return errors.New("simulated background processing failure")
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
