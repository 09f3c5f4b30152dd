// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/absmach/redelivery/deadletter"
	"github.com/absmach/redelivery/types"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReceiveAck(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()
	sub := b.Subscribe("orders")

	id, err := b.Publish("orders", &types.Message{Payload: []byte("hello")})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msg, err := sub.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, "orders", msg.Topic)
	assert.Equal(t, 0, msg.RedeliveryCount)
	assert.Equal(t, 1, sub.Unacked())

	require.NoError(t, sub.Ack(context.Background(), id))
	assert.Equal(t, 0, sub.Unacked())

	err = sub.Ack(context.Background(), id)
	assert.ErrorIs(t, err, types.ErrMessageNotFound)
}

func TestReceiveHonoursContext(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()
	sub := b.Subscribe("orders")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := sub.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReceiveWakesOnPublish(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()
	sub := b.Subscribe("orders")

	got := make(chan *types.Message, 1)
	go func() {
		msg, err := sub.Receive(context.Background())
		if err == nil {
			got <- msg
		}
	}()

	time.Sleep(10 * time.Millisecond)
	_, err := b.Publish("orders", &types.Message{ID: "m1"})
	require.NoError(t, err)

	select {
	case msg := <-got:
		assert.Equal(t, types.MessageID("m1"), msg.ID)
	case <-time.After(time.Second):
		t.Fatal("receiver not woken")
	}
}

func TestNackRedeliversAfterDelay(t *testing.T) {
	mock := clock.NewMock()
	b := NewBroker(mock)
	defer b.Close()
	sub := b.Subscribe("orders")

	_, err := b.Publish("orders", &types.Message{ID: "m1"})
	require.NoError(t, err)

	msg, err := sub.Receive(context.Background())
	require.NoError(t, err)
	require.NoError(t, sub.Nack(context.Background(), msg.ID, time.Minute))

	assert.Equal(t, 0, b.Len("orders"))
	assert.Equal(t, 1, b.PendingRedeliveries())

	mock.Add(time.Minute)
	require.Eventually(t, func() bool { return b.Len("orders") == 1 }, time.Second, time.Millisecond)

	msg, err = sub.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, msg.RedeliveryCount)
}

func TestNackWithoutDelayRequeuesImmediately(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()
	sub := b.Subscribe("orders")

	_, err := b.Publish("orders", &types.Message{ID: "m1"})
	require.NoError(t, err)

	for want := range 3 {
		msg, err := sub.Receive(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, msg.RedeliveryCount)
		require.NoError(t, sub.Nack(context.Background(), msg.ID, 0))
	}
}

func TestProduceFaults(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()

	custom := errors.New("disk full")
	b.FailProduce("dlq", 2, custom)

	msg := &types.Message{ID: "m1"}
	assert.ErrorIs(t, b.Produce(context.Background(), "dlq", msg), custom)
	assert.ErrorIs(t, b.Produce(context.Background(), "dlq", msg), custom)
	assert.NoError(t, b.Produce(context.Background(), "dlq", msg))
	assert.Equal(t, 1, b.Produced("dlq"))
	assert.Equal(t, 1, b.Len("dlq"))

	b.FailProduce("dlq", -1, nil)
	for range 5 {
		assert.ErrorIs(t, b.Produce(context.Background(), "dlq", msg), ErrInjected)
	}
	b.FailProduce("dlq", 0, nil)
	assert.NoError(t, b.Produce(context.Background(), "dlq", msg))
}

func TestAckAndNackFaults(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()
	sub := b.Subscribe("orders")

	_, err := b.Publish("orders", &types.Message{ID: "m1"})
	require.NoError(t, err)
	msg, err := sub.Receive(context.Background())
	require.NoError(t, err)

	b.FailAck(1, nil)
	assert.ErrorIs(t, sub.Ack(context.Background(), msg.ID), ErrInjected)
	assert.NoError(t, sub.Ack(context.Background(), msg.ID))

	_, err = b.Publish("orders", &types.Message{ID: "m2"})
	require.NoError(t, err)
	msg, err = sub.Receive(context.Background())
	require.NoError(t, err)

	b.FailNack(1, nil)
	assert.ErrorIs(t, sub.Nack(context.Background(), msg.ID, 0), ErrInjected)
	assert.Equal(t, 1, sub.Unacked())
}

func TestProduceDelaysRetryLetter(t *testing.T) {
	mock := clock.NewMock()
	b := NewBroker(mock)
	defer b.Close()

	msg := deadletter.RetryEnvelope(&types.Message{ID: "m1", Topic: "orders"}, 1, 30*time.Second, mock.Now())
	require.NoError(t, b.Produce(context.Background(), "orders-retry", msg))
	assert.Equal(t, 0, b.Len("orders-retry"))

	mock.Add(30 * time.Second)
	require.Eventually(t, func() bool { return b.Len("orders-retry") == 1 }, time.Second, time.Millisecond)
}

func TestSubscriptionCloseRequeues(t *testing.T) {
	b := NewBroker(nil)
	defer b.Close()
	sub := b.Subscribe("orders")

	_, err := b.Publish("orders", &types.Message{ID: "m1"})
	require.NoError(t, err)
	_, err = sub.Receive(context.Background())
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	assert.Equal(t, 1, b.Len("orders"))

	_, err = sub.Receive(context.Background())
	assert.ErrorIs(t, err, types.ErrClosed)
}

func TestBrokerCloseWakesReceivers(t *testing.T) {
	b := NewBroker(nil)
	sub := b.Subscribe("orders")

	errCh := make(chan error, 1)
	go func() {
		_, err := sub.Receive(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, types.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("receiver not woken")
	}

	_, err := b.Publish("orders", &types.Message{})
	assert.ErrorIs(t, err, types.ErrClosed)
}
