// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/redelivery/deadletter"
	"github.com/absmach/redelivery/delivery"
	"github.com/absmach/redelivery/redelivery"
	"github.com/absmach/redelivery/types"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

const (
	reasonExhausted = "max redeliveries exceeded"
	reasonTerm      = "terminated by consumer"
)

// Consumer settles delivered messages. Ack, Nack and Term may be called
// concurrently from any number of goroutines; calls for the same message
// serialize on the message's delivery record only.
type Consumer struct {
	transport Transport
	tracker   *delivery.Tracker
	router    *deadletter.Router
	policy    *types.DLQPolicy
	backoff   types.NackBackoff
	workers   int

	clientID string
	logger   *slog.Logger
	metrics  Recorder
	stats    counters

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New creates a consumer receiving from transport. producer publishes
// dead-letter and retry-letter copies and may be nil when opts has no
// dead-letter policy.
func New(transport Transport, producer deadletter.Producer, opts Options) (*Consumer, error) {
	if transport == nil {
		return nil, fmt.Errorf("%w: transport is required", types.ErrInvalidConfiguration)
	}
	opts.applyDefaults()

	if err := opts.DLQPolicy.Validate(); err != nil {
		return nil, err
	}
	if opts.ClientID == "" {
		opts.ClientID = uuid.NewString()
	}

	tracker, err := delivery.NewTracker(opts.Tombstones)
	if err != nil {
		return nil, err
	}

	c := &Consumer{
		transport: transport,
		tracker:   tracker,
		backoff:   opts.NackBackoff,
		workers:   opts.Workers,
		clientID:  opts.ClientID,
		logger:    opts.Logger.With(slog.String("client_id", opts.ClientID)),
		metrics:   opts.Metrics,
	}

	if opts.DLQPolicy != nil {
		if producer == nil {
			return nil, fmt.Errorf("%w: dead-letter policy requires a producer", types.ErrInvalidConfiguration)
		}
		policy := *opts.DLQPolicy
		c.policy = &policy

		c.router, err = deadletter.New(producer, transport, opts.ClientID, opts.Router, c.logger)
		if err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Router returns the consumer's dead-letter router, or nil without a policy.
func (c *Consumer) Router() *deadletter.Router {
	return c.router
}

// Receive blocks until the next message is delivered.
func (c *Consumer) Receive(ctx context.Context) (*types.Message, error) {
	if c.closed.Load() {
		return nil, types.ErrClosed
	}

	msg, err := c.transport.Receive(ctx)
	if err != nil {
		return nil, err
	}

	brokerCount := msg.RedeliveryCount
	if n, ok := deadletter.ReconsumeTimes(msg); ok && n > brokerCount {
		brokerCount = n
	}
	rec := c.tracker.Observe(msg.ID, brokerCount)
	msg.RedeliveryCount = rec.RedeliveryCount
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}

	c.stats.received.Add(1)
	return msg, nil
}

// Ack acknowledges msg. The delivery record is finalized before the
// broker round trip and evicted afterwards.
func (c *Consumer) Ack(ctx context.Context, msg *types.Message) error {
	if err := c.check(msg); err != nil {
		return err
	}

	if _, err := c.tracker.Transition(msg.ID, delivery.EventAck); err != nil {
		return c.settled(msg, "ack", err)
	}
	defer c.tracker.Evict(msg.ID)

	if err := c.transport.Ack(ctx, msg.ID); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: ack: %w", types.ErrCancelled, ctx.Err())
		}
		return fmt.Errorf("%w: ack: %w", types.ErrTransientIO, err)
	}

	c.stats.acked.Add(1)
	c.metrics.RecordAck(ctx, msg.Topic)
	return nil
}

// Nack negatively acknowledges msg. The message is redelivered after the
// nack delay until its redelivery maximum is exhausted, after which it is
// routed to the dead-letter topic.
func (c *Consumer) Nack(ctx context.Context, msg *types.Message) error {
	if err := c.check(msg); err != nil {
		return err
	}

	rec, ev, err := c.tracker.TransitionFunc(msg.ID, func(r delivery.Record) delivery.Event {
		if r.State != delivery.StatePending {
			// Let the tracker reject it.
			return delivery.EventRedeliver
		}
		return redelivery.Decide(r, c.policy).Event()
	})
	if err != nil {
		return c.settled(msg, "nack", err)
	}

	c.stats.nacked.Add(1)
	c.metrics.RecordNack(ctx, msg.Topic)

	if ev == delivery.EventRouteToDLQ {
		return c.deadLetter(ctx, msg, rec, reasonExhausted)
	}
	return c.redeliver(ctx, msg, rec)
}

// Term routes msg to the dead-letter topic immediately, regardless of its
// redelivery count. Without a dead-letter policy it returns
// ErrInvalidConfiguration and leaves the delivery untouched.
func (c *Consumer) Term(ctx context.Context, msg *types.Message) error {
	return c.TermWithReason(ctx, msg, reasonTerm)
}

// TermWithReason is Term with the failure reason recorded on the dead-letter copy.
func (c *Consumer) TermWithReason(ctx context.Context, msg *types.Message, reason string) error {
	if err := c.check(msg); err != nil {
		return err
	}
	if !c.policy.HasDeadLetter() {
		return fmt.Errorf("%w: consumer has no dead-letter topic", types.ErrInvalidConfiguration)
	}

	rec, err := c.tracker.Transition(msg.ID, delivery.EventRouteToDLQ)
	if err != nil {
		return c.settled(msg, "term", err)
	}

	if err := c.deadLetter(ctx, msg, rec, reason); err != nil {
		return err
	}

	c.stats.terminated.Add(1)
	c.metrics.RecordTerm(ctx, msg.Topic)
	return nil
}

// Tracked returns the delivery record of id.
func (c *Consumer) Tracked(id types.MessageID) delivery.Record {
	return c.tracker.Get(id)
}

// Close closes the consumer, its router and the transport.
func (c *Consumer) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		var err error
		if c.router != nil {
			err = multierr.Append(err, c.router.Close())
		}
		err = multierr.Append(err, c.transport.Close())
		c.closeErr = err
	})
	return c.closeErr
}

func (c *Consumer) check(msg *types.Message) error {
	if msg == nil {
		return types.ErrNilMessage
	}
	if c.closed.Load() {
		return types.ErrClosed
	}
	return nil
}

// settled treats a delivery that is no longer pending as a no-op.
func (c *Consumer) settled(msg *types.Message, op string, err error) error {
	if !errors.Is(err, types.ErrAlreadyFinalized) {
		return err
	}
	c.stats.alreadyFinalized.Add(1)
	c.logger.Debug("delivery already finalized",
		slog.String("op", op),
		slog.String("message_id", msg.ID.String()),
		slog.String("topic", msg.Topic))
	return nil
}

func (c *Consumer) redeliver(ctx context.Context, msg *types.Message, rec delivery.Record) error {
	delay := redelivery.NackDelay(c.backoff, rec.RedeliveryCount)

	if c.policy.HasRetryLetter() {
		out := msg.Clone()
		out.RedeliveryCount = rec.RedeliveryCount
		err := c.router.Retry(ctx, out, c.policy, delay)
		if err == nil {
			c.tracker.Evict(msg.ID)
			c.stats.redelivered.Add(1)
			c.metrics.RecordRedelivery(ctx, msg.Topic)
			return nil
		}
		if errors.Is(err, types.ErrCancelled) {
			c.revert(msg.ID)
			return err
		}
		c.logger.Warn("retry-letter produce failed, falling back to broker redelivery",
			slog.String("message_id", msg.ID.String()),
			slog.String("error", err.Error()))
	}

	err := c.transport.Nack(ctx, msg.ID, delay)
	c.revert(msg.ID)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: nack: %w", types.ErrCancelled, ctx.Err())
		}
		return fmt.Errorf("%w: nack: %w", types.ErrTransientIO, err)
	}

	c.stats.redelivered.Add(1)
	c.metrics.RecordRedelivery(ctx, msg.Topic)
	c.logger.Debug("message scheduled for redelivery",
		slog.String("message_id", msg.ID.String()),
		slog.Int("redelivery_count", rec.RedeliveryCount),
		slog.Duration("delay", delay))
	return nil
}

// deadLetter routes a record already moved to DeadLettering. The record
// lock is not held across the router's network calls.
func (c *Consumer) deadLetter(ctx context.Context, msg *types.Message, rec delivery.Record, reason string) error {
	out := msg.Clone()
	out.RedeliveryCount = rec.RedeliveryCount

	start := time.Now()
	err := c.router.Route(ctx, out, c.policy, reason)
	if err != nil {
		c.revert(msg.ID)
		c.stats.deadLetterFailures.Add(1)
		c.metrics.RecordDeadLetterFailure(ctx, msg.Topic)

		c.logger.Warn("dead-letter routing failed",
			slog.String("message_id", msg.ID.String()),
			slog.String("topic", msg.Topic),
			slog.String("error", err.Error()))

		if errors.Is(err, types.ErrTransientIO) {
			// Degrade to a regular redelivery so the message is not stuck
			// until the broker's own timeout.
			delay := redelivery.NackDelay(c.backoff, rec.RedeliveryCount)
			if nerr := c.transport.Nack(ctx, msg.ID, delay); nerr != nil {
				c.logger.Warn("fallback nack failed",
					slog.String("message_id", msg.ID.String()),
					slog.String("error", nerr.Error()))
			}
		}
		return err
	}

	if _, err := c.tracker.Transition(msg.ID, delivery.EventFinalize); err != nil {
		c.logger.Warn("failed to finalize dead-lettered record",
			slog.String("message_id", msg.ID.String()),
			slog.String("error", err.Error()))
	}
	c.tracker.Evict(msg.ID)

	c.stats.deadLettered.Add(1)
	c.metrics.RecordDeadLetter(ctx, msg.Topic, time.Since(start))
	return nil
}

func (c *Consumer) revert(id types.MessageID) {
	if _, err := c.tracker.Transition(id, delivery.EventRevert); err != nil {
		c.logger.Debug("failed to revert delivery record",
			slog.String("message_id", id.String()),
			slog.String("error", err.Error()))
	}
}
