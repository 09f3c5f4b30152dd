// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/redelivery/redelivery"
	"github.com/absmach/redelivery/types"
	"github.com/benbjohnson/clock"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// channel is the subset of *amqp091.Channel used to settle deliveries.
type channel interface {
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Close() error
}

// Transport consumes a queue with manual acknowledgment. AMQP has no
// delayed negative acknowledgment, so a nack with a delay keeps the
// delivery unacknowledged until the delay elapses and then requeues it.
type Transport struct {
	opts   *Options
	logger *slog.Logger

	conn *amqp091.Connection
	ch   channel
	chMu sync.Mutex

	deliveries <-chan amqp091.Delivery
	scheduler  *redelivery.Scheduler

	mu       sync.Mutex
	inflight map[types.MessageID]uint64

	closed    atomic.Bool
	closeOnce sync.Once
}

// Dial connects to the broker and starts consuming opts.Queue.
func Dial(opts *Options, logger *slog.Logger) (*Transport, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if opts.Queue == "" {
		return nil, ErrNoQueue
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, ch, err := dial(opts)
	if err != nil {
		return nil, err
	}

	if opts.PrefetchCount > 0 {
		if err := ch.Qos(opts.PrefetchCount, 0, false); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, err
		}
	}

	deliveries, err := ch.Consume(opts.Queue, opts.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	return &Transport{
		opts:       opts,
		logger:     logger,
		conn:       conn,
		ch:         ch,
		deliveries: deliveries,
		scheduler:  redelivery.NewScheduler(clock.New()),
		inflight:   make(map[types.MessageID]uint64),
	}, nil
}

// Receive blocks until the next delivery.
func (t *Transport) Receive(ctx context.Context) (*types.Message, error) {
	if t.closed.Load() {
		return nil, types.ErrClosed
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d, ok := <-t.deliveries:
		if !ok {
			if t.closed.Load() {
				return nil, types.ErrClosed
			}
			return nil, ErrDeliveriesClosed
		}

		msg := toMessage(t.opts.Queue, d)
		t.mu.Lock()
		t.inflight[msg.ID] = d.DeliveryTag
		t.mu.Unlock()
		return msg, nil
	}
}

// Ack acknowledges the delivery of id. The delivery stays in flight when
// the broker rejects the ack so the call can be retried.
func (t *Transport) Ack(ctx context.Context, id types.MessageID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tag, err := t.tag(id)
	if err != nil {
		return err
	}

	t.chMu.Lock()
	err = t.ch.Ack(tag, false)
	t.chMu.Unlock()
	if err != nil {
		return err
	}

	t.forget(id, tag)
	t.scheduler.Cancel(id)
	return nil
}

// Nack requeues the delivery of id after delay.
func (t *Transport) Nack(ctx context.Context, id types.MessageID, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tag, err := t.tag(id)
	if err != nil {
		return err
	}

	if delay <= 0 {
		if err := t.requeue(tag); err != nil {
			return err
		}
		t.forget(id, tag)
		return nil
	}

	t.forget(id, tag)
	t.scheduler.Schedule(id, delay, func() {
		if err := t.requeue(tag); err != nil {
			t.logger.Warn("delayed nack failed",
				slog.String("message_id", id.String()),
				slog.String("error", err.Error()))
		}
	})
	return nil
}

// Close stops pending delayed nacks and closes the connection. Unsettled
// deliveries are requeued by the broker.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.scheduler.Stop()

		t.chMu.Lock()
		defer t.chMu.Unlock()
		if cerr := t.ch.Close(); cerr != nil {
			err = cerr
		}
		if cerr := t.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

func (t *Transport) tag(id types.MessageID) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tag, ok := t.inflight[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", types.ErrMessageNotFound, id)
	}
	return tag, nil
}

// forget drops id unless a newer delivery of it arrived meanwhile.
func (t *Transport) forget(id types.MessageID, tag uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.inflight[id]; ok && cur == tag {
		delete(t.inflight, id)
	}
}

func (t *Transport) requeue(tag uint64) error {
	if t.closed.Load() {
		return ErrNotConnected
	}

	t.chMu.Lock()
	defer t.chMu.Unlock()
	return t.ch.Nack(tag, false, true)
}
