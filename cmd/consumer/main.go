// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/absmach/redelivery/config"
	"github.com/absmach/redelivery/consumer"
	"github.com/absmach/redelivery/deadletter"
	"github.com/absmach/redelivery/metrics"
	"github.com/absmach/redelivery/storage/badger"
	"github.com/absmach/redelivery/transport/amqp"
	"github.com/absmach/redelivery/transport/memory"
	"github.com/absmach/redelivery/transport/mqtt"
	"github.com/absmach/redelivery/types"
	"github.com/google/uuid"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	demo := flag.Int("demo", 0, "Publish N demo messages when using the memory transport")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	if err := run(cfg, *demo, logger); err != nil {
		logger.Error("Consumer stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, demo int, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clientID := cfg.Consumer.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Warn("Failed to close resource", slog.String("error", err.Error()))
			}
		}
	}()

	shutdownOtel, err := metrics.InitProvider(cfg.Telemetry, clientID)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(sctx); err != nil {
			logger.Warn("Telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	recorder, err := metrics.New(nil, metrics.Labels{
		ClientID:  clientID,
		Tenant:    cfg.Consumer.Tenant,
		Namespace: cfg.Consumer.Namespace,
	})
	if err != nil {
		return err
	}

	var (
		transport consumer.Transport
		sink      deadletter.Producer
		broker    *memory.Broker
	)

	switch cfg.Transport.Type {
	case config.TransportAMQP:
		opts := cfg.Transport.AMQP
		if opts.Queue == "" {
			opts.Queue = cfg.Consumer.Topic
		}
		t, err := amqp.Dial(&opts, logger)
		if err != nil {
			return fmt.Errorf("failed to connect AMQP transport: %w", err)
		}
		transport = t
		if cfg.Sink.Type == config.SinkTransport {
			p, err := amqp.NewProducer(&opts)
			if err != nil {
				return fmt.Errorf("failed to create AMQP producer: %w", err)
			}
			closers = append(closers, p)
			sink = p
		}
	default:
		broker = memory.NewBroker(nil)
		closers = append(closers, broker)
		transport = broker.Subscribe(cfg.Consumer.Topic)
		if cfg.Sink.Type == config.SinkTransport {
			sink = broker
		}
	}

	var spool *badger.Spool
	if cfg.Sink.Type == config.SinkSpool || cfg.Sink.SpoolFallback {
		spool, err = badger.Open(cfg.Sink.SpoolDir)
		if err != nil {
			return err
		}
		closers = append(closers, spool)
	}

	switch cfg.Sink.Type {
	case config.SinkMQTT:
		mopts := cfg.Sink.MQTT
		if mopts.ClientID == "" {
			mopts.ClientID = clientID + "-dlq"
		}
		p, client, err := mqtt.Connect(mopts)
		if err != nil {
			return err
		}
		defer client.Disconnect(250)
		sink = p
	case config.SinkSpool:
		sink = spool
	}

	if cfg.Sink.SpoolFallback && cfg.Sink.Type != config.SinkSpool {
		sink = deadletter.NewFallbackProducer(sink, spool, logger)
	}

	c, err := consumer.New(transport, sink, consumer.Options{
		ClientID:    clientID,
		Tenant:      cfg.Consumer.Tenant,
		Namespace:   cfg.Consumer.Namespace,
		DLQPolicy:   cfg.DLQ.Policy(),
		NackBackoff: cfg.Consumer.NackBackoff(),
		Router:      cfg.Router,
		Tombstones:  cfg.Consumer.Tombstones,
		Workers:     cfg.Consumer.Workers,
		Logger:      logger,
		Metrics:     recorder,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	closers = append(closers, c)

	if broker != nil && demo > 0 {
		publishDemo(broker, cfg.Consumer.Topic, demo, logger)
	}

	logger.Info("Consumer started",
		slog.String("client_id", clientID),
		slog.String("topic", cfg.Consumer.Topic),
		slog.String("transport", cfg.Transport.Type),
		slog.String("sink", cfg.Sink.Type),
		slog.Bool("dlq_enabled", cfg.DLQ.Enabled),
		slog.Int("max_redeliveries", cfg.DLQ.MaxRedeliveries))

	err = c.Run(ctx, demoHandler(logger))

	stats := c.Stats()
	logger.Info("Consumer stopped",
		slog.Uint64("received", stats.Received),
		slog.Uint64("acked", stats.Acked),
		slog.Uint64("nacked", stats.Nacked),
		slog.Uint64("terminated", stats.Terminated),
		slog.Uint64("dead_lettered", stats.DeadLettered),
		slog.Uint64("dead_letter_failures", stats.DeadLetterFailures))

	if spool != nil {
		if n, cerr := spool.Count(context.Background(), cfg.DLQ.DeadLetterTopic); cerr == nil && n > 0 {
			logger.Info("Dead letters spooled locally",
				slog.String("topic", cfg.DLQ.DeadLetterTopic),
				slog.Int("count", n))
		}
	}

	return err
}

// demoHandler treats payloads starting with "poison" as permanent failures and
// payloads starting with "fail" as transient ones.
func demoHandler(logger *slog.Logger) consumer.Handler {
	return func(_ context.Context, msg *types.Message) error {
		payload := string(msg.Payload)
		switch {
		case strings.HasPrefix(payload, "poison"):
			return consumer.Terminal(errors.New("unprocessable payload"))
		case strings.HasPrefix(payload, "fail"):
			return fmt.Errorf("processing failed at attempt %d", msg.RedeliveryCount+1)
		}
		logger.Debug("Processed message",
			slog.String("message_id", msg.ID.String()),
			slog.String("topic", msg.Topic))
		return nil
	}
}

func publishDemo(b *memory.Broker, topic string, n int, logger *slog.Logger) {
	payloads := []string{"ok", "fail", "poison"}
	for i := range n {
		p := payloads[i%len(payloads)]
		if _, err := b.Publish(topic, &types.Message{Payload: []byte(fmt.Sprintf("%s-%d", p, i))}); err != nil {
			logger.Warn("Failed to publish demo message", slog.String("error", err.Error()))
		}
	}
}
