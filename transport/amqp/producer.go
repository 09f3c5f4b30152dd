// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"context"
	"fmt"
	"sync"

	"github.com/absmach/redelivery/types"
	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Producer publishes dead-letter and retry-letter copies with publisher
// confirms. Produce returns after the broker confirmed the publish.
type Producer struct {
	opts *Options

	conn *amqp091.Connection
	ch   *amqp091.Channel
	mu   sync.Mutex
}

// NewProducer connects to the broker and puts a channel in confirm mode.
func NewProducer(opts *Options) (*Producer, error) {
	if opts == nil {
		opts = NewOptions()
	}

	conn, ch, err := dial(opts)
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	return &Producer{opts: opts, conn: conn, ch: ch}, nil
}

// Produce publishes msg to destination, used as routing key on the
// configured exchange.
func (p *Producer) Produce(ctx context.Context, destination string, msg *types.Message) error {
	if destination == "" {
		return fmt.Errorf("%w: empty destination", types.ErrInvalidConfiguration)
	}

	timeout := p.opts.ConfirmTimeout
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p.mu.Lock()
	dc, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.opts.Exchange, destination, false, false, toPublishing(msg))
	p.mu.Unlock()
	if err != nil {
		return err
	}

	ok, err := dc.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrPublisherConfirm
	}
	return nil
}

// Close closes the producer connection.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.ch.Close()
	if cerr := p.conn.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
