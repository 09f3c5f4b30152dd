// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/redelivery/types"
	"golang.org/x/sync/errgroup"
)

// Handler processes a received message. A nil error acks the message, an
// error wrapped with Terminal terms it and any other error nacks it.
type Handler func(ctx context.Context, msg *types.Message) error

type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal marks err as a permanent processing failure.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err was marked with Terminal.
func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}

// Run receives messages and dispatches them to handler on a bounded pool
// of workers until ctx is done or the consumer is closed. In-flight
// handlers are waited for before Run returns.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	var g errgroup.Group
	g.SetLimit(c.workers)

	for {
		msg, err := c.Receive(ctx)
		if err != nil {
			_ = g.Wait()
			if ctx.Err() != nil || errors.Is(err, types.ErrClosed) {
				return nil
			}
			return err
		}

		g.Go(func() error {
			c.dispatch(ctx, handler, msg)
			return nil
		})
	}
}

func (c *Consumer) dispatch(ctx context.Context, handler Handler, msg *types.Message) {
	err := c.invoke(ctx, handler, msg)

	var settleErr error
	switch {
	case err == nil:
		settleErr = c.Ack(ctx, msg)
	case IsTerminal(err):
		settleErr = c.TermWithReason(ctx, msg, err.Error())
		if errors.Is(settleErr, types.ErrInvalidConfiguration) {
			settleErr = c.Nack(ctx, msg)
		}
	default:
		settleErr = c.Nack(ctx, msg)
	}

	if settleErr != nil {
		c.logger.Warn("failed to settle message",
			slog.String("message_id", msg.ID.String()),
			slog.String("topic", msg.Topic),
			slog.String("error", settleErr.Error()))
	}
}

func (c *Consumer) invoke(ctx context.Context, handler Handler, msg *types.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.stats.handlerPanics.Add(1)
			c.logger.Error("handler panicked",
				slog.String("message_id", msg.ID.String()),
				slog.Any("panic", r))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}
