// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package redelivery

import (
	"math"
	"time"

	"github.com/absmach/redelivery/delivery"
	"github.com/absmach/redelivery/types"
)

// Decision is the outcome of a negative acknowledgment.
type Decision uint8

const (
	Redeliver Decision = iota
	RouteToDLQ
)

func (d Decision) String() string {
	switch d {
	case Redeliver:
		return "redeliver"
	case RouteToDLQ:
		return "route-to-dlq"
	default:
		return "unknown"
	}
}

// Event maps the decision to the tracker event that applies it.
func (d Decision) Event() delivery.Event {
	if d == RouteToDLQ {
		return delivery.EventRouteToDLQ
	}
	return delivery.EventRedeliver
}

// Decide determines whether the next negative acknowledgment of rec
// redelivers or dead-letters. Without a dead-letter topic there is no
// terminal sink, so the maximum is advisory and the message redelivers.
func Decide(rec delivery.Record, policy *types.DLQPolicy) Decision {
	if !policy.HasDeadLetter() || !policy.Bounded() {
		return Redeliver
	}
	if rec.RedeliveryCount+1 > policy.MaxRedeliveries {
		return RouteToDLQ
	}
	return Redeliver
}

// NackDelay returns the redelivery delay for the given redelivery count:
// Delay * Multiplier^(count-1), capped at MaxDelay.
func NackDelay(b types.NackBackoff, redeliveryCount int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if b.Multiplier <= 1 || redeliveryCount <= 1 {
		return capDelay(b.Delay, b.MaxDelay)
	}

	delay := float64(b.Delay) * math.Pow(b.Multiplier, float64(redeliveryCount-1))
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

func capDelay(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	return d
}
