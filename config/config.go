// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/redelivery/deadletter"
	"github.com/absmach/redelivery/delivery"
	"github.com/absmach/redelivery/metrics"
	"github.com/absmach/redelivery/transport/amqp"
	"github.com/absmach/redelivery/transport/mqtt"
	"github.com/absmach/redelivery/types"
	"gopkg.in/yaml.v3"
)

// Transport types.
const (
	TransportMemory = "memory"
	TransportAMQP   = "amqp"
)

// Dead-letter sink types.
const (
	SinkTransport = "transport" // produce through the consuming transport's broker
	SinkMQTT      = "mqtt"
	SinkSpool     = "spool"
)

// Config holds all configuration for the consumer.
type Config struct {
	Consumer  ConsumerConfig    `yaml:"consumer"`
	DLQ       DLQConfig         `yaml:"dlq"`
	Router    deadletter.Config `yaml:"router"`
	Transport TransportConfig   `yaml:"transport"`
	Sink      SinkConfig        `yaml:"sink"`
	Log       LogConfig         `yaml:"log"`
	Telemetry metrics.Config    `yaml:"telemetry"`
}

// ConsumerConfig holds consumer identity and settlement settings.
type ConsumerConfig struct {
	ClientID  string `yaml:"client_id"` // generated when empty
	Tenant    string `yaml:"tenant"`
	Namespace string `yaml:"namespace"`
	Topic     string `yaml:"topic"`

	Workers    int `yaml:"workers"`
	Tombstones int `yaml:"tombstones"`

	NackDelay      time.Duration `yaml:"nack_delay"`
	NackMaxDelay   time.Duration `yaml:"nack_max_delay"`
	NackMultiplier float64       `yaml:"nack_multiplier"`
}

// DLQConfig holds the dead-letter policy.
type DLQConfig struct {
	Enabled          bool   `yaml:"enabled"`
	MaxRedeliveries  int    `yaml:"max_redeliveries"` // 0 = unbounded
	DeadLetterTopic  string `yaml:"dead_letter_topic"`
	RetryLetterTopic string `yaml:"retry_letter_topic"`
}

// TransportConfig selects the broker transport.
type TransportConfig struct {
	Type string       `yaml:"type"` // memory, amqp
	AMQP amqp.Options `yaml:"amqp"`
}

// SinkConfig selects where dead-letter copies are produced.
type SinkConfig struct {
	Type     string       `yaml:"type"` // transport, mqtt, spool
	MQTT     mqtt.Options `yaml:"mqtt"`
	SpoolDir string       `yaml:"spool_dir"` // empty keeps the spool in memory

	// SpoolFallback spools locally when the sink rejects a produce.
	SpoolFallback bool `yaml:"spool_fallback"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	backoff := types.DefaultNackBackoff()
	return &Config{
		Consumer: ConsumerConfig{
			Topic:          "events",
			Workers:        8,
			Tombstones:     delivery.DefaultTombstones,
			NackDelay:      backoff.Delay,
			NackMaxDelay:   backoff.MaxDelay,
			NackMultiplier: backoff.Multiplier,
		},
		DLQ: DLQConfig{
			Enabled:         true,
			MaxRedeliveries: 3,
			DeadLetterTopic: "events-dlq",
		},
		Router: deadletter.DefaultConfig(),
		Transport: TransportConfig{
			Type: TransportMemory,
			AMQP: *amqp.NewOptions(),
		},
		Sink: SinkConfig{
			Type: SinkTransport,
			MQTT: mqtt.Options{
				Broker:         "tcp://localhost:1883",
				QoS:            1,
				ConnectTimeout: 5 * time.Second,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: metrics.DefaultConfig(),
	}
}

// Load loads configuration from a YAML file over the defaults.
// A missing file yields the defaults.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Policy returns the dead-letter policy, or nil when disabled.
func (c DLQConfig) Policy() *types.DLQPolicy {
	if !c.Enabled {
		return nil
	}
	return &types.DLQPolicy{
		MaxRedeliveries:  c.MaxRedeliveries,
		DeadLetterTopic:  c.DeadLetterTopic,
		RetryLetterTopic: c.RetryLetterTopic,
	}
}

// NackBackoff returns the consumer's nack delay settings.
func (c ConsumerConfig) NackBackoff() types.NackBackoff {
	return types.NackBackoff{
		Delay:      c.NackDelay,
		MaxDelay:   c.NackMaxDelay,
		Multiplier: c.NackMultiplier,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Consumer.Topic == "" {
		return fmt.Errorf("consumer.topic cannot be empty")
	}
	if c.Consumer.Workers < 0 {
		return fmt.Errorf("consumer.workers cannot be negative")
	}
	if c.Consumer.Tombstones < 0 {
		return fmt.Errorf("consumer.tombstones cannot be negative")
	}
	if c.Consumer.NackDelay < 0 || c.Consumer.NackMaxDelay < 0 {
		return fmt.Errorf("consumer nack delays cannot be negative")
	}
	if c.Consumer.NackMultiplier < 0 {
		return fmt.Errorf("consumer.nack_multiplier cannot be negative")
	}

	if err := c.DLQ.Policy().Validate(); err != nil {
		return fmt.Errorf("dlq: %w", err)
	}

	if err := c.Router.Validate(); err != nil {
		return fmt.Errorf("router: %w", err)
	}

	switch c.Transport.Type {
	case TransportMemory:
	case TransportAMQP:
		if err := c.Transport.AMQP.Validate(); err != nil {
			return fmt.Errorf("transport.amqp: %w", err)
		}
	default:
		return fmt.Errorf("transport.type must be one of: memory, amqp")
	}

	switch c.Sink.Type {
	case SinkTransport, SinkSpool:
	case SinkMQTT:
		if c.Sink.MQTT.Broker == "" {
			return fmt.Errorf("sink.mqtt.broker required for the mqtt sink")
		}
		if c.Sink.MQTT.QoS > 2 {
			return fmt.Errorf("sink.mqtt.qos must be 0, 1 or 2")
		}
	default:
		return fmt.Errorf("sink.type must be one of: transport, mqtt, spool")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
