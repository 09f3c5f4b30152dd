// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package redelivery

import (
	"sync"
	"time"

	"github.com/absmach/redelivery/types"
	"github.com/benbjohnson/clock"
)

// Scheduler fires redelivery callbacks once their nack delay has elapsed.
// Scheduling an id that is already pending replaces the earlier timer.
type Scheduler struct {
	clock  clock.Clock
	mu     sync.Mutex
	timers map[types.MessageID]*clock.Timer
	closed bool
}

// NewScheduler creates a scheduler on the given clock. A nil clock uses
// the wall clock.
func NewScheduler(clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &Scheduler{
		clock:  clk,
		timers: make(map[types.MessageID]*clock.Timer),
	}
}

// Schedule runs fn after delay. It reports false once the scheduler is stopped.
func (s *Scheduler) Schedule(id types.MessageID, delay time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
	}

	var t *clock.Timer
	t = s.clock.AfterFunc(delay, func() {
		s.mu.Lock()
		current, ok := s.timers[id]
		if !ok || current != t {
			s.mu.Unlock()
			return
		}
		delete(s.timers, id)
		s.mu.Unlock()

		fn()
	})
	s.timers[id] = t
	return true
}

// Cancel stops the pending redelivery of id.
func (s *Scheduler) Cancel(id types.MessageID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[id]
	if !ok {
		return false
	}
	delete(s.timers, id)
	t.Stop()
	return true
}

// Pending returns the number of scheduled redeliveries.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels all pending redeliveries.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
