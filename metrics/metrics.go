// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/absmach/redelivery/consumer"

// Labels identify the consumer on every recorded metric.
type Labels struct {
	ClientID  string
	Tenant    string
	Namespace string
}

// Metrics records consumer settlement metrics as OpenTelemetry instruments.
type Metrics struct {
	labels []attribute.KeyValue

	terms          metric.Int64Counter
	dlqMessages    metric.Int64Counter
	dlqFailures    metric.Int64Counter
	acks           metric.Int64Counter
	nacks          metric.Int64Counter
	redeliveries   metric.Int64Counter
	routeDurations metric.Float64Histogram
}

// New creates consumer metrics on meter. A nil meter uses the global provider.
func New(meter metric.Meter, labels Labels) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}

	m := &Metrics{
		labels: []attribute.KeyValue{
			attribute.String("client", labels.ClientID),
			attribute.String("tenant", labels.Tenant),
			attribute.String("namespace", labels.Namespace),
		},
	}

	var err error
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.terms, "consumer_terms", "Number of successful Term calls"},
		{&m.dlqMessages, "consumer_dlq_messages", "Number of messages routed to a dead-letter topic"},
		{&m.dlqFailures, "consumer_dlq_failures", "Number of failed dead-letter routing attempts"},
		{&m.acks, "consumer_acks", "Number of acknowledged messages"},
		{&m.nacks, "consumer_nacks", "Number of negative acknowledgments"},
		{&m.redeliveries, "consumer_redeliveries", "Number of scheduled redeliveries"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
	}

	m.routeDurations, err = meter.Float64Histogram(
		"consumer_dlq_route_duration",
		metric.WithDescription("Dead-letter produce and acknowledge latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create route duration histogram: %w", err)
	}

	return m, nil
}

func (m *Metrics) attrs(topic string) metric.MeasurementOption {
	kv := make([]attribute.KeyValue, 0, len(m.labels)+1)
	kv = append(kv, m.labels...)
	kv = append(kv, attribute.String("topic", topic))
	return metric.WithAttributes(kv...)
}

// RecordAck records an acknowledged message.
func (m *Metrics) RecordAck(ctx context.Context, topic string) {
	m.acks.Add(ctx, 1, m.attrs(topic))
}

// RecordNack records a negative acknowledgment.
func (m *Metrics) RecordNack(ctx context.Context, topic string) {
	m.nacks.Add(ctx, 1, m.attrs(topic))
}

// RecordRedelivery records a scheduled redelivery.
func (m *Metrics) RecordRedelivery(ctx context.Context, topic string) {
	m.redeliveries.Add(ctx, 1, m.attrs(topic))
}

// RecordTerm records a successful Term call.
func (m *Metrics) RecordTerm(ctx context.Context, topic string) {
	m.terms.Add(ctx, 1, m.attrs(topic))
}

// RecordDeadLetter records a successful dead-letter route.
func (m *Metrics) RecordDeadLetter(ctx context.Context, topic string, took time.Duration) {
	attrs := m.attrs(topic)
	m.dlqMessages.Add(ctx, 1, attrs)
	m.routeDurations.Record(ctx, float64(took)/float64(time.Millisecond), attrs)
}

// RecordDeadLetterFailure records a failed dead-letter route.
func (m *Metrics) RecordDeadLetterFailure(ctx context.Context, topic string) {
	m.dlqFailures.Add(ctx, 1, m.attrs(topic))
}
