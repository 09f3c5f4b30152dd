// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/redelivery/types"
)

// Subscription receives messages from a topic with manual acknowledgment.
type Subscription struct {
	broker *Broker
	topic  string

	mu      sync.Mutex
	unacked map[types.MessageID]*types.Message
	closed  bool
	done    chan struct{}
}

// Receive blocks until a message is available on the topic.
func (s *Subscription) Receive(ctx context.Context) (*types.Message, error) {
	b := s.broker
	for {
		select {
		case <-s.done:
			return nil, types.ErrClosed
		default:
		}

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, types.ErrClosed
		}
		q := b.topic(s.topic)
		if len(q.msgs) > 0 {
			msg := q.msgs[0]
			q.msgs[0] = nil
			q.msgs = q.msgs[1:]
			count := b.counts[msg.ID]
			b.mu.Unlock()

			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				b.requeue(s.topic, msg)
				return nil, types.ErrClosed
			}
			s.unacked[msg.ID] = msg
			s.mu.Unlock()

			out := msg.Clone()
			out.RedeliveryCount = count
			out.ReceivedAt = b.clock.Now()
			return out, nil
		}
		signal := q.signal
		b.mu.Unlock()

		select {
		case <-signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, types.ErrClosed
		case <-b.done:
			return nil, types.ErrClosed
		}
	}
}

// Ack removes id from the unacknowledged set.
func (s *Subscription) Ack(ctx context.Context, id types.MessageID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.broker.mu.Lock()
	err := s.broker.ackFault.take()
	s.broker.mu.Unlock()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.unacked[id]; !ok {
		return fmt.Errorf("%w: %s", types.ErrMessageNotFound, id)
	}
	delete(s.unacked, id)
	return nil
}

// Nack schedules id for redelivery after delay.
func (s *Subscription) Nack(ctx context.Context, id types.MessageID, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.broker.mu.Lock()
	err := s.broker.nackFault.take()
	s.broker.mu.Unlock()
	if err != nil {
		return err
	}

	s.mu.Lock()
	msg, ok := s.unacked[id]
	if ok {
		delete(s.unacked, id)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrMessageNotFound, id)
	}

	if delay <= 0 {
		s.broker.requeue(s.topic, msg)
		return nil
	}
	s.broker.scheduler.Schedule(id, delay, func() {
		s.broker.requeue(s.topic, msg)
	})
	return nil
}

// Unacked returns the number of delivered but unsettled messages.
func (s *Subscription) Unacked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unacked)
}

// Close returns unsettled messages to the topic.
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	pending := s.unacked
	s.unacked = make(map[types.MessageID]*types.Message)
	s.mu.Unlock()

	for _, msg := range pending {
		s.broker.requeue(s.topic, msg)
	}
	return nil
}
