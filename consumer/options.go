// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/absmach/redelivery/deadletter"
	"github.com/absmach/redelivery/delivery"
	"github.com/absmach/redelivery/types"
)

// Transport is the broker connection a consumer receives from and
// acknowledges through.
type Transport interface {
	Receive(ctx context.Context) (*types.Message, error)
	Ack(ctx context.Context, id types.MessageID) error
	// Nack asks the broker to redeliver id after delay.
	Nack(ctx context.Context, id types.MessageID, delay time.Duration) error
	Close() error
}

// Recorder records consumer metrics. Implementations must be safe for
// concurrent use.
type Recorder interface {
	RecordAck(ctx context.Context, topic string)
	RecordNack(ctx context.Context, topic string)
	RecordRedelivery(ctx context.Context, topic string)
	RecordTerm(ctx context.Context, topic string)
	RecordDeadLetter(ctx context.Context, topic string, took time.Duration)
	RecordDeadLetterFailure(ctx context.Context, topic string)
}

type noopRecorder struct{}

func (noopRecorder) RecordAck(context.Context, string)                       {}
func (noopRecorder) RecordNack(context.Context, string)                      {}
func (noopRecorder) RecordRedelivery(context.Context, string)                {}
func (noopRecorder) RecordTerm(context.Context, string)                      {}
func (noopRecorder) RecordDeadLetter(context.Context, string, time.Duration) {}
func (noopRecorder) RecordDeadLetterFailure(context.Context, string)         {}

// Options configures a Consumer.
type Options struct {
	ClientID  string
	Tenant    string
	Namespace string

	// DLQPolicy is nil when the consumer has no dead-letter destination.
	DLQPolicy   *types.DLQPolicy
	NackBackoff types.NackBackoff
	Router      deadletter.Config

	// Tombstones bounds the number of finalized ids remembered after eviction.
	Tombstones int
	// Workers bounds concurrent handler invocations in Run.
	Workers int

	Logger  *slog.Logger
	Metrics Recorder
}

// DefaultOptions returns options with defaults and no dead-letter policy.
func DefaultOptions() Options {
	return Options{
		NackBackoff: types.DefaultNackBackoff(),
		Router:      deadletter.DefaultConfig(),
		Tombstones:  delivery.DefaultTombstones,
		Workers:     runtime.NumCPU(),
	}
}

func (o *Options) applyDefaults() {
	def := DefaultOptions()
	if o.NackBackoff == (types.NackBackoff{}) {
		o.NackBackoff = def.NackBackoff
	}
	if o.Router == (deadletter.Config{}) {
		o.Router = def.Router
	}
	if o.Tombstones <= 0 {
		o.Tombstones = def.Tombstones
	}
	if o.Workers <= 0 {
		o.Workers = def.Workers
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = noopRecorder{}
	}
}
