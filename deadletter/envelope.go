// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package deadletter

import (
	"strconv"
	"time"

	"github.com/absmach/redelivery/types"
	"github.com/google/uuid"
)

// Dead-letter metadata property keys.
const (
	PropOriginalTopic     = "dlq-original-topic"
	PropOriginalMessageID = "dlq-original-message-id"
	PropRedeliveryCount   = "dlq-redelivery-count"
	PropFailureReason     = "dlq-failure-reason"
	PropConsumerID        = "dlq-consumer-id"
	PropMovedAt           = "dlq-moved-at"
	PropProduceID         = "dlq-produce-id"
)

// Retry-letter metadata property keys.
const (
	PropRetryOriginalTopic     = "retry-original-topic"
	PropRetryOriginalMessageID = "retry-original-message-id"
	PropReconsumeTimes         = "retry-reconsume-times"
	PropRetryDelay             = "retry-delay-ms"
	PropRetryDeliverAt         = "retry-deliver-at"
)

// Envelope builds the dead-letter copy of msg. The original message is not
// modified; the copy carries failure metadata alongside the original properties.
func Envelope(msg *types.Message, redeliveryCount int, reason, consumerID string, includeMetadata bool, now time.Time) *types.Message {
	out := msg.Clone()
	if out.Properties == nil {
		out.Properties = make(map[string]string)
	}

	// Needed by the spool and by consumers deduplicating the dead-letter topic.
	out.Properties[PropProduceID] = uuid.NewString()

	if includeMetadata {
		out.Properties[PropOriginalTopic] = msg.Topic
		out.Properties[PropOriginalMessageID] = msg.ID.String()
		out.Properties[PropRedeliveryCount] = strconv.Itoa(redeliveryCount)
		out.Properties[PropFailureReason] = reason
		out.Properties[PropMovedAt] = now.UTC().Format(time.RFC3339)
		if consumerID != "" {
			out.Properties[PropConsumerID] = consumerID
		}
	}

	return out
}

// RetryEnvelope builds the retry-letter copy of msg, delivered again after delay.
func RetryEnvelope(msg *types.Message, reconsumeTimes int, delay time.Duration, now time.Time) *types.Message {
	out := msg.Clone()
	if out.Properties == nil {
		out.Properties = make(map[string]string)
	}

	if _, ok := out.Properties[PropRetryOriginalTopic]; !ok {
		out.Properties[PropRetryOriginalTopic] = msg.Topic
	}
	if _, ok := out.Properties[PropRetryOriginalMessageID]; !ok {
		out.Properties[PropRetryOriginalMessageID] = msg.ID.String()
	}
	out.Properties[PropReconsumeTimes] = strconv.Itoa(reconsumeTimes)
	out.Properties[PropRetryDelay] = strconv.FormatInt(delay.Milliseconds(), 10)
	out.Properties[PropRetryDeliverAt] = strconv.FormatInt(now.Add(delay).UnixMilli(), 10)

	return out
}

// ReconsumeTimes returns the retry-letter reconsume count carried by msg.
func ReconsumeTimes(msg *types.Message) (int, bool) {
	v, ok := msg.Property(PropReconsumeTimes)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
