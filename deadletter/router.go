// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/redelivery/ratelimit"
	"github.com/absmach/redelivery/types"
	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/absmach/redelivery/deadletter"

// Producer publishes a message to a destination topic. Produce returns
// only after the broker durably accepted the message.
type Producer interface {
	Produce(ctx context.Context, destination string, msg *types.Message) error
}

// Acker acknowledges the original delivery on the source subscription.
type Acker interface {
	Ack(ctx context.Context, id types.MessageID) error
}

// Config holds router settings.
type Config struct {
	// MaxAttempts bounds produce and ack attempts per route, each separately.
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	MaxElapsedTime  time.Duration `yaml:"max_elapsed_time"`

	// IncludeMetadata adds dlq-* properties to dead-letter copies.
	IncludeMetadata bool `yaml:"include_metadata"`

	Breaker   BreakerConfig    `yaml:"circuit_breaker"`
	RateLimit ratelimit.Config `yaml:"rate_limit"`

	AlertWebhookURL string        `yaml:"alert_webhook_url"`
	AlertTimeout    time.Duration `yaml:"alert_timeout"`
}

// BreakerConfig configures the per-destination circuit breaker.
// A zero FailureThreshold disables it.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// DefaultConfig returns the default router configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     5,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
		MaxElapsedTime:  time.Minute,
		IncludeMetadata: true,
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
		},
		RateLimit:    ratelimit.DefaultConfig(),
		AlertTimeout: 5 * time.Second,
	}
}

// Validate validates the router configuration.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if c.InitialInterval < 0 || c.MaxInterval < 0 {
		return fmt.Errorf("retry intervals cannot be negative")
	}
	if c.Multiplier < 1 {
		return fmt.Errorf("multiplier must be >= 1")
	}
	if c.Breaker.FailureThreshold < 0 {
		return fmt.Errorf("circuit_breaker.failure_threshold cannot be negative")
	}
	if c.Breaker.FailureThreshold > 0 && c.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("circuit_breaker.reset_timeout must be positive")
	}
	return nil
}

// Router moves messages that exhausted their redeliveries to a dead-letter
// topic. The copy is produced before the original is acknowledged, so a
// failure at any step leaves the original redeliverable.
type Router struct {
	producer   Producer
	acker      Acker
	cfg        Config
	consumerID string
	logger     *slog.Logger
	tracer     trace.Tracer
	limiter    *ratelimit.DestinationLimiter

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	alerts   AlertHandler

	now func() time.Time
}

// New creates a router producing through producer and acknowledging through acker.
func New(producer Producer, acker Acker, consumerID string, cfg Config, logger *slog.Logger) (*Router, error) {
	if producer == nil || acker == nil {
		return nil, fmt.Errorf("%w: producer and acker are required", types.ErrInvalidConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrInvalidConfiguration, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	var alerts AlertHandler = NoOpAlertHandler{}
	if cfg.AlertWebhookURL != "" {
		alerts = NewHTTPAlertHandler(cfg.AlertWebhookURL, cfg.AlertTimeout)
	}

	return &Router{
		producer:   producer,
		acker:      acker,
		cfg:        cfg,
		consumerID: consumerID,
		logger:     logger,
		tracer:     otel.Tracer(tracerName),
		limiter:    ratelimit.New(cfg.RateLimit),
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
		alerts:     alerts,
		now:        time.Now,
	}, nil
}

// SetAlertHandler sets the alert handler.
func (r *Router) SetAlertHandler(handler AlertHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if handler == nil {
		handler = NoOpAlertHandler{}
	}
	r.alerts = handler
}

// Route produces a dead-letter copy of msg to the policy's dead-letter
// topic and then acknowledges the original. msg.RedeliveryCount is
// recorded as the final redelivery count.
//
// It returns ErrInvalidConfiguration without any I/O when the policy has
// no dead-letter topic, ErrCancelled when ctx ends first and ErrTransientIO
// when retries are exhausted. In every error case the original has not
// been acknowledged by this call, or its acknowledgment is unconfirmed.
func (r *Router) Route(ctx context.Context, msg *types.Message, policy *types.DLQPolicy, reason string) error {
	if !policy.HasDeadLetter() {
		return fmt.Errorf("%w: no dead-letter topic", types.ErrInvalidConfiguration)
	}
	if msg == nil {
		return types.ErrNilMessage
	}

	dest := policy.DeadLetterTopic
	ctx, span := r.tracer.Start(ctx, "deadletter.route", trace.WithAttributes(
		attribute.String("messaging.destination.name", dest),
		attribute.String("messaging.message.id", msg.ID.String()),
		attribute.String("messaging.source.name", msg.Topic),
		attribute.Int("redelivery.count", msg.RedeliveryCount),
	))
	defer span.End()

	now := r.now()
	dlqMsg := Envelope(msg, msg.RedeliveryCount, reason, r.consumerID, r.cfg.IncludeMetadata, now)

	if err := r.settle(ctx, dest, dlqMsg, msg.ID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	r.logger.Info("message moved to dead-letter topic",
		slog.String("message_id", msg.ID.String()),
		slog.String("topic", msg.Topic),
		slog.String("dlq_topic", dest),
		slog.Int("redelivery_count", msg.RedeliveryCount),
		slog.String("reason", reason))

	r.alert(&Alert{
		Topic:           msg.Topic,
		DLQTopic:        dest,
		MessageID:       msg.ID.String(),
		FailureReason:   reason,
		RedeliveryCount: msg.RedeliveryCount,
		ConsumerID:      r.consumerID,
		MovedToDLQAt:    now,
	})

	return nil
}

// Retry produces a copy of msg to the policy's retry-letter topic, to be
// consumed again after delay, and then acknowledges the original.
// msg.RedeliveryCount is carried as the reconsume count.
func (r *Router) Retry(ctx context.Context, msg *types.Message, policy *types.DLQPolicy, delay time.Duration) error {
	if !policy.HasRetryLetter() {
		return fmt.Errorf("%w: no retry-letter topic", types.ErrInvalidConfiguration)
	}
	if msg == nil {
		return types.ErrNilMessage
	}

	dest := policy.RetryLetterTopic
	ctx, span := r.tracer.Start(ctx, "deadletter.retry", trace.WithAttributes(
		attribute.String("messaging.destination.name", dest),
		attribute.String("messaging.message.id", msg.ID.String()),
		attribute.Int("redelivery.count", msg.RedeliveryCount),
	))
	defer span.End()

	retryMsg := RetryEnvelope(msg, msg.RedeliveryCount, delay, r.now())
	if err := r.settle(ctx, dest, retryMsg, msg.ID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	r.logger.Debug("message moved to retry-letter topic",
		slog.String("message_id", msg.ID.String()),
		slog.String("retry_topic", dest),
		slog.Int("reconsume_times", msg.RedeliveryCount),
		slog.Duration("delay", delay))

	return nil
}

// Close releases router resources.
func (r *Router) Close() error {
	r.limiter.Stop()
	return nil
}

// settle produces out to dest and then acknowledges the original id.
// The acknowledgment is never attempted unless the produce succeeded.
func (r *Router) settle(ctx context.Context, dest string, out *types.Message, id types.MessageID) error {
	if err := r.produce(ctx, dest, out); err != nil {
		return err
	}
	if err := r.ack(ctx, id); err != nil {
		// The copy is durable; the original redelivers and may be routed again.
		r.logger.Warn("produced to destination but acknowledgment failed",
			slog.String("message_id", id.String()),
			slog.String("destination", dest),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}

func (r *Router) produce(ctx context.Context, dest string, msg *types.Message) error {
	cb := r.breaker(dest)

	op := func() (struct{}, error) {
		if err := r.limiter.Wait(ctx, dest); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}

		var err error
		if cb == nil {
			err = r.producer.Produce(ctx, dest, msg)
		} else {
			_, err = cb.Execute(func() (interface{}, error) {
				return nil, r.producer.Produce(ctx, dest, msg)
			})
		}
		return struct{}{}, r.permanent(ctx, err)
	}

	_, err := backoff.Retry(ctx, op, r.retryOptions("produce", dest)...)
	return classify(ctx, "produce to "+dest, err)
}

func (r *Router) ack(ctx context.Context, id types.MessageID) error {
	op := func() (struct{}, error) {
		return struct{}{}, r.permanent(ctx, r.acker.Ack(ctx, id))
	}

	_, err := backoff.Retry(ctx, op, r.retryOptions("ack", id.String())...)
	return classify(ctx, "ack "+id.String(), err)
}

// permanent marks errors that retrying cannot fix.
func (r *Router) permanent(ctx context.Context, err error) error {
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil,
		errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests),
		errors.Is(err, types.ErrInvalidConfiguration),
		errors.Is(err, types.ErrAlreadyFinalized):
		return backoff.Permanent(err)
	default:
		return err
	}
}

func (r *Router) retryOptions(op, target string) []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval
	b.Multiplier = r.cfg.Multiplier

	return []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(r.cfg.MaxElapsedTime),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("dead-letter operation failed, retrying",
				slog.String("op", op),
				slog.String("target", target),
				slog.Duration("next", next),
				slog.String("error", err.Error()))
		}),
	}
}

func (r *Router) breaker(dest string) *gobreaker.CircuitBreaker {
	if r.cfg.Breaker.FailureThreshold <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[dest]; ok {
		return cb
	}

	threshold := uint32(r.cfg.Breaker.FailureThreshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        dest,
		MaxRequests: 1,
		Timeout:     r.cfg.Breaker.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation says nothing about the destination.
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("dead-letter circuit breaker state changed",
				slog.String("destination", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	r.breakers[dest] = cb
	return cb
}

// BreakerState returns the circuit breaker state of dest.
func (r *Router) BreakerState(dest string) gobreaker.State {
	cb := r.breaker(dest)
	if cb == nil {
		return gobreaker.StateClosed
	}
	return cb.State()
}

func (r *Router) alert(a *Alert) {
	r.mu.Lock()
	handler := r.alerts
	r.mu.Unlock()

	if _, ok := handler.(NoOpAlertHandler); ok {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.alertTimeout())
		defer cancel()
		if err := handler.Send(ctx, a); err != nil {
			r.logger.Warn("dead-letter alert failed",
				slog.String("message_id", a.MessageID),
				slog.String("error", err.Error()))
		}
	}()
}

func (r *Router) alertTimeout() time.Duration {
	if r.cfg.AlertTimeout > 0 {
		return r.cfg.AlertTimeout
	}
	return 5 * time.Second
}

// classify maps a terminal retry error onto the delivery error taxonomy.
func classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %s: %w", types.ErrCancelled, op, ctxErr)
	}
	if errors.Is(err, types.ErrInvalidConfiguration) || errors.Is(err, types.ErrAlreadyFinalized) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", types.ErrTransientIO, op, err)
}
