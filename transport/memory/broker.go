// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-process broker with per-topic FIFO
// queues, delayed redelivery and fault injection.
package memory

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/redelivery/deadletter"
	"github.com/absmach/redelivery/redelivery"
	"github.com/absmach/redelivery/types"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// ErrInjected is returned by injected faults without an explicit error.
var ErrInjected = errors.New("injected fault")

type topicQueue struct {
	msgs   []*types.Message
	signal chan struct{}
}

func newTopicQueue() *topicQueue {
	return &topicQueue{signal: make(chan struct{})}
}

// push appends msg and wakes all waiting receivers.
func (q *topicQueue) push(msg *types.Message) {
	q.msgs = append(q.msgs, msg)
	close(q.signal)
	q.signal = make(chan struct{})
}

type fault struct {
	remaining int
	err       error
}

func (f *fault) take() error {
	if f == nil || f.remaining == 0 {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
	}
	if f.err != nil {
		return f.err
	}
	return ErrInjected
}

// Broker is an in-process message broker. It implements the consumer
// transport through Subscribe and the dead-letter producer directly.
type Broker struct {
	mu        sync.Mutex
	topics    map[string]*topicQueue
	counts    map[types.MessageID]int
	produced  map[string]int
	scheduler *redelivery.Scheduler
	clock     clock.Clock
	closed    bool
	done      chan struct{}

	produceFaults map[string]*fault
	ackFault      *fault
	nackFault     *fault
}

// NewBroker creates a broker using clk for delayed redelivery.
// A nil clock uses the wall clock.
func NewBroker(clk clock.Clock) *Broker {
	if clk == nil {
		clk = clock.New()
	}
	return &Broker{
		topics:        make(map[string]*topicQueue),
		counts:        make(map[types.MessageID]int),
		produced:      make(map[string]int),
		scheduler:     redelivery.NewScheduler(clk),
		clock:         clk,
		done:          make(chan struct{}),
		produceFaults: make(map[string]*fault),
	}
}

func (b *Broker) topic(name string) *topicQueue {
	q, ok := b.topics[name]
	if !ok {
		q = newTopicQueue()
		b.topics[name] = q
	}
	return q
}

// Publish enqueues msg on topic, assigning an id when msg has none.
func (b *Broker) Publish(topic string, msg *types.Message) (types.MessageID, error) {
	out := msg.Clone()
	if out.ID == "" {
		out.ID = types.MessageID(uuid.NewString())
	}
	out.Topic = topic
	if out.PublishTime.IsZero() {
		out.PublishTime = b.clock.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", types.ErrClosed
	}
	b.topic(topic).push(out)
	return out.ID, nil
}

// Produce publishes msg to destination. Retry-letter copies carrying a
// deliver-at time are enqueued once it is reached.
func (b *Broker) Produce(ctx context.Context, destination string, msg *types.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	err := b.produceFaults[destination].take()
	if err == nil {
		b.produced[destination]++
	}
	b.mu.Unlock()
	if err != nil {
		return err
	}

	if delay := b.deliverAfter(msg); delay > 0 {
		out := msg.Clone()
		key := types.MessageID(destination + "/" + msg.ID.String())
		b.scheduler.Schedule(key, delay, func() {
			_, _ = b.Publish(destination, out)
		})
		return nil
	}

	_, err = b.Publish(destination, msg)
	return err
}

func (b *Broker) deliverAfter(msg *types.Message) time.Duration {
	v, ok := msg.Property(deadletter.PropRetryDeliverAt)
	if !ok {
		return 0
	}
	at, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return time.UnixMilli(at).Sub(b.clock.Now())
}

// Subscribe returns a subscription receiving from topic. Subscriptions
// on the same topic compete for messages.
func (b *Broker) Subscribe(topic string) *Subscription {
	return &Subscription{
		broker:  b,
		topic:   topic,
		unacked: make(map[types.MessageID]*types.Message),
		done:    make(chan struct{}),
	}
}

// Messages returns a copy of the messages queued on topic.
func (b *Broker) Messages(topic string) []*types.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.topics[topic]
	if !ok {
		return nil
	}
	out := make([]*types.Message, len(q.msgs))
	for i, m := range q.msgs {
		out[i] = m.Clone()
	}
	return out
}

// Len returns the number of messages queued on topic.
func (b *Broker) Len(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.topics[topic]; ok {
		return len(q.msgs)
	}
	return 0
}

// Produced returns the number of successful produce calls to destination.
func (b *Broker) Produced(destination string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.produced[destination]
}

// PendingRedeliveries returns the number of scheduled redeliveries.
func (b *Broker) PendingRedeliveries() int {
	return b.scheduler.Pending()
}

// FailProduce makes the next n produce calls to destination fail with err.
// A negative n fails until reset with n = 0.
func (b *Broker) FailProduce(destination string, n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.produceFaults[destination] = &fault{remaining: n, err: err}
}

// FailAck makes the next n acknowledgments fail with err.
func (b *Broker) FailAck(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ackFault = &fault{remaining: n, err: err}
}

// FailNack makes the next n negative acknowledgments fail with err.
func (b *Broker) FailNack(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nackFault = &fault{remaining: n, err: err}
}

// Close stops pending redeliveries and wakes blocked receivers.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	b.scheduler.Stop()
	return nil
}

func (b *Broker) requeue(topic string, msg *types.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.counts[msg.ID]++
	b.topic(topic).push(msg)
}
