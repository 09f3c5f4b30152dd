// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"maps"
	"time"
)

// MessageID identifies a message across redeliveries of the same message.
type MessageID string

// String returns the identifier as a string.
func (id MessageID) String() string {
	return string(id)
}

// Message represents a message delivered to application code.
type Message struct {
	ID         MessageID
	Topic      string
	Key        string
	Payload    []byte
	Properties map[string]string

	// RedeliveryCount is the broker reported number of prior deliveries.
	RedeliveryCount int

	PublishTime time.Time
	ReceivedAt  time.Time
}

// Property returns a message property and whether it was set.
func (m *Message) Property(key string) (string, bool) {
	if m.Properties == nil {
		return "", false
	}
	v, ok := m.Properties[key]
	return v, ok
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}

	c := *m
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	if m.Properties != nil {
		c.Properties = maps.Clone(m.Properties)
	}
	return &c
}
