// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"crypto/tls"
	"net/url"
	"strings"
	"time"
)

// Default values.
const (
	DefaultAddress        = "localhost:5672"
	DefaultDialTimeout    = 10 * time.Second
	DefaultHeartbeat      = 60 * time.Second
	DefaultConfirmTimeout = 5 * time.Second
	DefaultPrefetchCount  = 64
)

// Options configures the AMQP 0.9.1 transport and producer.
type Options struct {
	// URL is a full AMQP URL and overrides Address, Username, Password and Vhost.
	URL         string        `yaml:"url"`
	Address     string        `yaml:"address"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	Vhost       string        `yaml:"vhost"`
	TLSConfig   *tls.Config   `yaml:"-"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Heartbeat   time.Duration `yaml:"heartbeat"`

	// Queue is the source queue consumed by the transport.
	Queue       string `yaml:"queue"`
	ConsumerTag string `yaml:"consumer_tag"`

	// PrefetchCount bounds unacknowledged deliveries, including those
	// held back for a delayed nack.
	PrefetchCount int `yaml:"prefetch_count"`

	// Exchange receives dead-letter and retry-letter publishes; the
	// destination is used as routing key. Empty is the default exchange.
	Exchange       string        `yaml:"exchange"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		Address:        DefaultAddress,
		Username:       "guest",
		Password:       "guest",
		Vhost:          "/",
		DialTimeout:    DefaultDialTimeout,
		Heartbeat:      DefaultHeartbeat,
		PrefetchCount:  DefaultPrefetchCount,
		ConfirmTimeout: DefaultConfirmTimeout,
	}
}

// Validate checks the options for errors.
func (o *Options) Validate() error {
	if o.URL == "" && o.Address == "" {
		return ErrNoAddress
	}
	return nil
}

func (o *Options) dialURL() string {
	if o.URL != "" {
		return o.URL
	}

	scheme := "amqp"
	if o.TLSConfig != nil {
		scheme = "amqps"
	}

	vhost := strings.TrimPrefix(o.Vhost, "/")
	u := &url.URL{
		Scheme: scheme,
		Host:   o.Address,
		Path:   "/" + vhost,
	}
	if o.Username != "" {
		u.User = url.UserPassword(o.Username, o.Password)
	}

	return u.String()
}
