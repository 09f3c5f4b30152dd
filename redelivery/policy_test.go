// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package redelivery

import (
	"testing"
	"time"

	"github.com/absmach/redelivery/delivery"
	"github.com/absmach/redelivery/types"
	"github.com/stretchr/testify/assert"
)

func TestDecide(t *testing.T) {
	bounded := &types.DLQPolicy{MaxRedeliveries: 2, DeadLetterTopic: "orders-dlq"}

	tests := []struct {
		name   string
		count  int
		policy *types.DLQPolicy
		want   Decision
	}{
		{name: "no policy", count: 100, policy: nil, want: Redeliver},
		{name: "no dead-letter topic", count: 100, policy: &types.DLQPolicy{MaxRedeliveries: 1, RetryLetterTopic: "retry"}, want: Redeliver},
		{name: "unbounded", count: 100, policy: &types.DLQPolicy{DeadLetterTopic: "orders-dlq"}, want: Redeliver},
		{name: "first nack", count: 0, policy: bounded, want: Redeliver},
		{name: "second nack", count: 1, policy: bounded, want: Redeliver},
		{name: "third nack", count: 2, policy: bounded, want: RouteToDLQ},
		{name: "past maximum", count: 7, policy: bounded, want: RouteToDLQ},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := delivery.Record{ID: "msg", RedeliveryCount: tt.count}
			assert.Equal(t, tt.want, Decide(rec, tt.policy))
		})
	}
}

func TestDecide_RoutesOnNPlusOne(t *testing.T) {
	for max := 1; max <= 5; max++ {
		policy := &types.DLQPolicy{MaxRedeliveries: max, DeadLetterTopic: "dlq"}
		rec := delivery.Record{ID: "msg"}

		nacks := 0
		for {
			nacks++
			if Decide(rec, policy) == RouteToDLQ {
				break
			}
			rec.RedeliveryCount++
		}
		assert.Equal(t, max+1, nacks, "max redeliveries %d", max)
	}
}

func TestDecisionEvent(t *testing.T) {
	assert.Equal(t, delivery.EventRedeliver, Redeliver.Event())
	assert.Equal(t, delivery.EventRouteToDLQ, RouteToDLQ.Event())
	assert.Equal(t, "route-to-dlq", RouteToDLQ.String())
}

func TestNackDelay(t *testing.T) {
	exp := types.NackBackoff{Delay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2}

	tests := []struct {
		name    string
		backoff types.NackBackoff
		count   int
		want    time.Duration
	}{
		{name: "disabled", backoff: types.NackBackoff{}, count: 3, want: 0},
		{name: "constant", backoff: types.NackBackoff{Delay: time.Second, Multiplier: 1}, count: 5, want: time.Second},
		{name: "constant capped", backoff: types.NackBackoff{Delay: time.Minute, MaxDelay: time.Second}, count: 1, want: time.Second},
		{name: "exponential first", backoff: exp, count: 1, want: time.Second},
		{name: "exponential second", backoff: exp, count: 2, want: 2 * time.Second},
		{name: "exponential third", backoff: exp, count: 3, want: 4 * time.Second},
		{name: "exponential capped", backoff: exp, count: 10, want: 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NackDelay(tt.backoff, tt.count))
		})
	}
}
