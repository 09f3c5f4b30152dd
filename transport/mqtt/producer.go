// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt publishes dead-letter copies to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/redelivery/types"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrNotConnected is returned when the client has no broker connection.
var ErrNotConnected = errors.New("mqtt client not connected")

// Options configures the MQTT producer connection.
type Options struct {
	Broker         string        `yaml:"broker"` // e.g. tcp://localhost:1883
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	QoS            byte          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Publisher is the subset of the paho client used by the producer.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Envelope is the JSON form of a message published to MQTT.
type Envelope struct {
	ID              string            `json:"id"`
	Topic           string            `json:"topic"`
	Key             string            `json:"key,omitempty"`
	Payload         []byte            `json:"payload"`
	Properties      map[string]string `json:"properties,omitempty"`
	RedeliveryCount int               `json:"redelivery_count"`
	PublishTime     time.Time         `json:"publish_time,omitzero"`
}

// Producer publishes messages as JSON envelopes with QoS 1 by default.
type Producer struct {
	client Publisher
	qos    byte
}

// NewProducer creates a producer publishing through client.
func NewProducer(client Publisher, qos byte) *Producer {
	if qos > 2 {
		qos = 1
	}
	return &Producer{client: client, qos: qos}
}

// Connect creates a connected paho client and a producer using it.
func Connect(opts Options) (*Producer, mqtt.Client, error) {
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	co := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetCleanSession(true).
		SetProtocolVersion(4).
		SetAutoReconnect(true)

	client := mqtt.NewClient(co)
	tok := client.Connect()
	if !tok.WaitTimeout(timeout) {
		return nil, nil, fmt.Errorf("mqtt connect to %s timed out", opts.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, nil, fmt.Errorf("mqtt connect: %w", err)
	}

	qos := opts.QoS
	if qos == 0 {
		qos = 1
	}
	return NewProducer(client, qos), client, nil
}

// Produce publishes msg to destination and waits for the broker's
// acknowledgment or ctx.
func (p *Producer) Produce(ctx context.Context, destination string, msg *types.Message) error {
	if destination == "" {
		return fmt.Errorf("%w: empty destination", types.ErrInvalidConfiguration)
	}

	data, err := json.Marshal(Envelope{
		ID:              msg.ID.String(),
		Topic:           msg.Topic,
		Key:             msg.Key,
		Payload:         msg.Payload,
		Properties:      msg.Properties,
		RedeliveryCount: msg.RedeliveryCount,
		PublishTime:     msg.PublishTime,
	})
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	tok := p.client.Publish(destination, p.qos, false, data)
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Decode parses an envelope published by Produce.
func Decode(data []byte) (*types.Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &types.Message{
		ID:              types.MessageID(env.ID),
		Topic:           env.Topic,
		Key:             env.Key,
		Payload:         env.Payload,
		Properties:      env.Properties,
		RedeliveryCount: env.RedeliveryCount,
		PublishTime:     env.PublishTime,
	}, nil
}
