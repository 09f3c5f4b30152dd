// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/redelivery/types"
	"github.com/cespare/xxhash/v2"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Header set by quorum queues on redelivered messages.
const deliveryCountHeader = "x-delivery-count"

// toMessage converts a delivery into a message. Message ids come from the
// message-id property; deliveries without one get an id derived from
// their content so that redeliveries map to the same record.
func toMessage(queue string, d amqp091.Delivery) *types.Message {
	id := d.MessageId
	if id == "" {
		id = contentID(queue, d)
	}

	msg := &types.Message{
		ID:          types.MessageID(id),
		Topic:       queue,
		Key:         d.RoutingKey,
		Payload:     d.Body,
		PublishTime: d.Timestamp,
		ReceivedAt:  time.Now(),
	}

	if n, ok := headerUint64(d.Headers, deliveryCountHeader); ok {
		msg.RedeliveryCount = int(n)
	} else if d.Redelivered {
		msg.RedeliveryCount = 1
	}

	props := make(map[string]string, len(d.Headers)+2)
	for k := range d.Headers {
		if k == deliveryCountHeader {
			continue
		}
		if v, ok := headerString(d.Headers, k); ok {
			props[k] = v
		}
	}
	if d.ContentType != "" {
		props["content-type"] = d.ContentType
	}
	if d.CorrelationId != "" {
		props["correlation-id"] = d.CorrelationId
	}
	if len(props) > 0 {
		msg.Properties = props
	}

	return msg
}

// contentID hashes the parts of a delivery the broker leaves untouched on
// requeue. Delivery tags and headers change between redeliveries and are
// excluded. Identical messages published in the same instant share an id,
// so publishers that need them distinct must set message-id.
func contentID(queue string, d amqp091.Delivery) string {
	var ts int64
	if !d.Timestamp.IsZero() {
		ts = d.Timestamp.UnixNano()
	}

	h := xxhash.New()
	for _, part := range []string{d.Exchange, d.RoutingKey, d.CorrelationId, d.Type, d.AppId} {
		_, _ = h.WriteString(part)
		_, _ = h.Write([]byte{0})
	}
	_, _ = h.Write(binary.BigEndian.AppendUint64(nil, uint64(ts)))
	_, _ = h.Write(d.Body)

	return queue + ":" + strconv.FormatUint(h.Sum64(), 16)
}

func toPublishing(msg *types.Message) amqp091.Publishing {
	p := amqp091.Publishing{
		DeliveryMode: amqp091.Persistent,
		MessageId:    msg.ID.String(),
		Timestamp:    time.Now(),
		Body:         msg.Payload,
	}
	applyProperties(&p, msg.Properties)
	return p
}

func applyProperties(p *amqp091.Publishing, props map[string]string) {
	for key, value := range props {
		switch strings.ToLower(key) {
		case "content-type":
			p.ContentType = value
		case "content-encoding":
			p.ContentEncoding = value
		case "correlation-id":
			p.CorrelationId = value
		case "reply-to":
			p.ReplyTo = value
		case "type":
			p.Type = value
		case "app-id":
			p.AppId = value
		default:
			if p.Headers == nil {
				p.Headers = amqp091.Table{}
			}
			p.Headers[key] = value
		}
	}
}

func headerUint64(headers amqp091.Table, key string) (uint64, bool) {
	val, ok := headers[key]
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case uint64:
		return v, true
	case uint32:
		return uint64(v), true
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case int32:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case string:
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

func headerString(headers amqp091.Table, key string) (string, bool) {
	val, ok := headers[key]
	if !ok {
		return "", false
	}
	switch v := val.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	case bool, int, int16, int32, int64, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprint(v), true
	case time.Time:
		return v.UTC().Format(time.RFC3339), true
	}
	return "", false
}
