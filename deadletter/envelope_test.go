// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package deadletter

import (
	"testing"
	"time"

	"github.com/absmach/redelivery/types"
	"github.com/stretchr/testify/assert"
)

func TestEnvelope(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	msg := &types.Message{ID: "m1", Topic: "orders", Payload: []byte("x")}

	out := Envelope(msg, 4, "bad payload", "c1", true, now)
	assert.Equal(t, msg.ID, out.ID)
	assert.Equal(t, "orders", out.Properties[PropOriginalTopic])
	assert.Equal(t, "m1", out.Properties[PropOriginalMessageID])
	assert.Equal(t, "4", out.Properties[PropRedeliveryCount])
	assert.Equal(t, "bad payload", out.Properties[PropFailureReason])
	assert.Equal(t, "c1", out.Properties[PropConsumerID])
	assert.Equal(t, "2026-01-02T03:04:05Z", out.Properties[PropMovedAt])
	assert.NotEmpty(t, out.Properties[PropProduceID])
	assert.Nil(t, msg.Properties)

	bare := Envelope(msg, 4, "bad payload", "", false, now)
	assert.Len(t, bare.Properties, 1)
	assert.NotEqual(t, out.Properties[PropProduceID], bare.Properties[PropProduceID])
}

func TestRetryEnvelopeKeepsOrigin(t *testing.T) {
	now := time.UnixMilli(1000)
	first := RetryEnvelope(&types.Message{ID: "m1", Topic: "orders"}, 1, time.Second, now)

	// A retry copy consumed from the retry topic keeps its first origin.
	first.Topic = "orders-retry"
	second := RetryEnvelope(first, 2, 2*time.Second, now)

	assert.Equal(t, "orders", second.Properties[PropRetryOriginalTopic])
	assert.Equal(t, "2", second.Properties[PropReconsumeTimes])
	assert.Equal(t, "3000", second.Properties[PropRetryDeliverAt])

	n, ok := ReconsumeTimes(second)
	assert.True(t, ok)
	assert.Equal(t, 2, n)

	_, ok = ReconsumeTimes(&types.Message{Properties: map[string]string{PropReconsumeTimes: "x"}})
	assert.False(t, ok)
}
