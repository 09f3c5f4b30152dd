// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package deadletter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/redelivery/types"
)

// FallbackProducer produces to a secondary producer, typically a local
// spool, when the primary fails. The message is durable once either
// producer accepted it.
type FallbackProducer struct {
	primary   Producer
	secondary Producer
	logger    *slog.Logger
}

// NewFallbackProducer creates a producer trying primary and then secondary.
func NewFallbackProducer(primary, secondary Producer, logger *slog.Logger) *FallbackProducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackProducer{primary: primary, secondary: secondary, logger: logger}
}

// Produce produces msg to destination on the primary, falling back to the secondary.
func (p *FallbackProducer) Produce(ctx context.Context, destination string, msg *types.Message) error {
	err := p.primary.Produce(ctx, destination, msg)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}

	p.logger.Warn("primary dead-letter produce failed, using fallback",
		slog.String("destination", destination),
		slog.String("message_id", msg.ID.String()),
		slog.String("error", err.Error()))

	if ferr := p.secondary.Produce(ctx, destination, msg); ferr != nil {
		return fmt.Errorf("primary: %w; fallback: %w", err, ferr)
	}
	return nil
}
