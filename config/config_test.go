// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/redelivery/types"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Consumer.Topic != "events" {
		t.Errorf("expected default topic events, got %s", cfg.Consumer.Topic)
	}
	if cfg.Consumer.NackDelay != time.Minute {
		t.Errorf("expected nack delay 1m, got %v", cfg.Consumer.NackDelay)
	}
	if cfg.DLQ.MaxRedeliveries != 3 {
		t.Errorf("expected max redeliveries 3, got %d", cfg.DLQ.MaxRedeliveries)
	}
	if cfg.Router.MaxAttempts != 5 {
		t.Errorf("expected router max attempts 5, got %d", cfg.Router.MaxAttempts)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "empty topic",
			modify:  func(c *Config) { c.Consumer.Topic = "" },
			wantErr: true,
		},
		{
			name:    "negative workers",
			modify:  func(c *Config) { c.Consumer.Workers = -1 },
			wantErr: true,
		},
		{
			name:    "negative nack delay",
			modify:  func(c *Config) { c.Consumer.NackDelay = -time.Second },
			wantErr: true,
		},
		{
			name:    "dlq enabled without topics",
			modify:  func(c *Config) { c.DLQ.DeadLetterTopic = "" },
			wantErr: true,
		},
		{
			name: "dlq disabled without topics",
			modify: func(c *Config) {
				c.DLQ.Enabled = false
				c.DLQ.DeadLetterTopic = ""
			},
			wantErr: false,
		},
		{
			name:    "negative max redeliveries",
			modify:  func(c *Config) { c.DLQ.MaxRedeliveries = -1 },
			wantErr: true,
		},
		{
			name:    "router zero attempts",
			modify:  func(c *Config) { c.Router.MaxAttempts = 0 },
			wantErr: true,
		},
		{
			name:    "unknown transport",
			modify:  func(c *Config) { c.Transport.Type = "kafka" },
			wantErr: true,
		},
		{
			name: "amqp without address",
			modify: func(c *Config) {
				c.Transport.Type = TransportAMQP
				c.Transport.AMQP.Address = ""
			},
			wantErr: true,
		},
		{
			name: "mqtt sink without broker",
			modify: func(c *Config) {
				c.Sink.Type = SinkMQTT
				c.Sink.MQTT.Broker = ""
			},
			wantErr: true,
		},
		{
			name:    "unknown sink",
			modify:  func(c *Config) { c.Sink.Type = "s3" },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: true,
		},
		{
			name:    "invalid log format",
			modify:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: true,
		},
		{
			name: "metrics enabled without endpoint",
			modify: func(c *Config) {
				c.Telemetry.MetricsEnabled = true
				c.Telemetry.Endpoint = ""
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPolicy(t *testing.T) {
	cfg := Default()
	p := cfg.DLQ.Policy()
	if p == nil || p.DeadLetterTopic != "events-dlq" || p.MaxRedeliveries != 3 {
		t.Fatalf("unexpected policy %+v", p)
	}

	cfg.DLQ.Enabled = false
	if cfg.DLQ.Policy() != nil {
		t.Fatal("expected nil policy when disabled")
	}

	b := cfg.Consumer.NackBackoff()
	if b != types.DefaultNackBackoff() {
		t.Fatalf("unexpected nack backoff %+v", b)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	data := `
consumer:
  topic: orders
  tenant: acme
  nack_delay: 5s
dlq:
  max_redeliveries: 2
  dead_letter_topic: orders-dlq
router:
  circuit_breaker:
    failure_threshold: 3
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Consumer.Topic != "orders" || cfg.Consumer.Tenant != "acme" {
		t.Errorf("unexpected consumer config %+v", cfg.Consumer)
	}
	if cfg.Consumer.NackDelay != 5*time.Second {
		t.Errorf("expected nack delay 5s, got %v", cfg.Consumer.NackDelay)
	}
	if cfg.DLQ.MaxRedeliveries != 2 || cfg.DLQ.DeadLetterTopic != "orders-dlq" {
		t.Errorf("unexpected dlq config %+v", cfg.DLQ)
	}
	if cfg.Router.Breaker.FailureThreshold != 3 {
		t.Errorf("expected failure threshold 3, got %d", cfg.Router.Breaker.FailureThreshold)
	}
	// Unset fields keep their defaults.
	if cfg.Router.MaxAttempts != 5 {
		t.Errorf("expected default max attempts, got %d", cfg.Router.MaxAttempts)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected debug log level, got %s", cfg.Log.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Consumer.Topic != "events" {
		t.Errorf("expected defaults for missing file")
	}
}

func TestLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}

	if err := os.WriteFile(path, []byte("consumer: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Consumer.Topic = "payments"
	cfg.DLQ.RetryLetterTopic = "payments-retry"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Consumer.Topic != "payments" || loaded.DLQ.RetryLetterTopic != "payments-retry" {
		t.Errorf("round trip lost values: %+v", loaded)
	}
	if loaded.Router.InitialInterval != cfg.Router.InitialInterval {
		t.Errorf("round trip lost router interval: %v", loaded.Router.InitialInterval)
	}
}
