// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"fmt"
	"time"
)

// Unbounded disables the redelivery maximum.
const Unbounded = 0

// DLQPolicy configures dead-letter routing for a consumer.
// It is immutable once the consumer is constructed.
type DLQPolicy struct {
	// MaxRedeliveries is the number of redeliveries allowed before the
	// next negative acknowledgment routes to the dead-letter topic.
	MaxRedeliveries int

	DeadLetterTopic string

	// RetryLetterTopic, when set, receives redelivered messages instead of
	// the broker's native redelivery.
	RetryLetterTopic string
}

// HasDeadLetter reports whether the policy has a dead-letter destination.
func (p *DLQPolicy) HasDeadLetter() bool {
	return p != nil && p.DeadLetterTopic != ""
}

// HasRetryLetter reports whether the policy has a retry-letter destination.
func (p *DLQPolicy) HasRetryLetter() bool {
	return p != nil && p.RetryLetterTopic != ""
}

// Bounded reports whether redeliveries are capped.
func (p *DLQPolicy) Bounded() bool {
	return p != nil && p.MaxRedeliveries != Unbounded
}

// Validate validates the policy.
func (p *DLQPolicy) Validate() error {
	if p == nil {
		return nil
	}
	if p.MaxRedeliveries < 0 {
		return fmt.Errorf("%w: max redeliveries cannot be negative", ErrInvalidConfiguration)
	}
	if p.DeadLetterTopic == "" && p.RetryLetterTopic == "" {
		return fmt.Errorf("%w: dead-letter topic required", ErrInvalidConfiguration)
	}
	if p.DeadLetterTopic != "" && p.DeadLetterTopic == p.RetryLetterTopic {
		return fmt.Errorf("%w: dead-letter and retry-letter topics must differ", ErrInvalidConfiguration)
	}
	return nil
}

// NackBackoff defines the delay applied before a nacked message is redelivered.
type NackBackoff struct {
	Delay      time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// DefaultNackBackoff returns a constant one minute nack delay.
func DefaultNackBackoff() NackBackoff {
	return NackBackoff{
		Delay:      time.Minute,
		MaxDelay:   10 * time.Minute,
		Multiplier: 1,
	}
}
