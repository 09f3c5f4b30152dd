// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import "sync/atomic"

type counters struct {
	received           atomic.Uint64
	acked              atomic.Uint64
	nacked             atomic.Uint64
	redelivered        atomic.Uint64
	terminated         atomic.Uint64
	deadLettered       atomic.Uint64
	deadLetterFailures atomic.Uint64
	alreadyFinalized   atomic.Uint64
	handlerPanics      atomic.Uint64
}

// Stats is a point-in-time snapshot of consumer counters.
type Stats struct {
	Received           uint64
	Acked              uint64
	Nacked             uint64
	Redelivered        uint64
	Terminated         uint64
	DeadLettered       uint64
	DeadLetterFailures uint64
	AlreadyFinalized   uint64
	HandlerPanics      uint64

	// Tracked is the number of live delivery records.
	Tracked int
}

// Stats returns a snapshot of the consumer counters.
func (c *Consumer) Stats() Stats {
	return Stats{
		Received:           c.stats.received.Load(),
		Acked:              c.stats.acked.Load(),
		Nacked:             c.stats.nacked.Load(),
		Redelivered:        c.stats.redelivered.Load(),
		Terminated:         c.stats.terminated.Load(),
		DeadLettered:       c.stats.deadLettered.Load(),
		DeadLetterFailures: c.stats.deadLetterFailures.Load(),
		AlreadyFinalized:   c.stats.alreadyFinalized.Load(),
		HandlerPanics:      c.stats.handlerPanics.Load(),
		Tracked:            c.tracker.Len(),
	}
}
