// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/absmach/redelivery/types"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func newToken(err error, complete bool) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	if complete {
		close(t.done)
	}
	return t
}

func (t *fakeToken) Wait() bool { <-t.done; return true }
func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}
func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakePublisher struct {
	mu    sync.Mutex
	sent  []published
	token *fakeToken
}

func (f *fakePublisher) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return f.token
}

func TestProduce(t *testing.T) {
	pub := &fakePublisher{token: newToken(nil, true)}
	p := NewProducer(pub, 1)

	msg := &types.Message{
		ID:              "m1",
		Topic:           "orders",
		Payload:         []byte{0x00, 0xff},
		Properties:      map[string]string{"dlq-failure-reason": "bad"},
		RedeliveryCount: 3,
	}
	require.NoError(t, p.Produce(context.Background(), "dlq/orders", msg))

	require.Len(t, pub.sent, 1)
	assert.Equal(t, "dlq/orders", pub.sent[0].topic)
	assert.Equal(t, byte(1), pub.sent[0].qos)

	got, err := Decode(pub.sent[0].payload)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, msg.Payload, got.Payload)
	assert.Equal(t, msg.Properties, got.Properties)
	assert.Equal(t, 3, got.RedeliveryCount)
}

func TestProduceTokenError(t *testing.T) {
	errPub := errors.New("not authorized")
	p := NewProducer(&fakePublisher{token: newToken(errPub, true)}, 1)

	err := p.Produce(context.Background(), "dlq/orders", &types.Message{ID: "m1"})
	assert.ErrorIs(t, err, errPub)
}

func TestProduceHonoursContext(t *testing.T) {
	p := NewProducer(&fakePublisher{token: newToken(nil, false)}, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := p.Produce(ctx, "dlq/orders", &types.Message{ID: "m1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestProduceEmptyDestination(t *testing.T) {
	pub := &fakePublisher{token: newToken(nil, true)}
	p := NewProducer(pub, 1)

	err := p.Produce(context.Background(), "", &types.Message{ID: "m1"})
	assert.ErrorIs(t, err, types.ErrInvalidConfiguration)
	assert.Empty(t, pub.sent)
}

func TestNewProducerClampsQoS(t *testing.T) {
	p := NewProducer(&fakePublisher{}, 7)
	assert.Equal(t, byte(1), p.qos)
}
