// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import (
	"net"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

func dial(opts *Options) (*amqp091.Connection, *amqp091.Channel, error) {
	if err := opts.Validate(); err != nil {
		return nil, nil, err
	}

	dialer := &net.Dialer{Timeout: opts.DialTimeout}
	conn, err := amqp091.DialConfig(opts.dialURL(), amqp091.Config{
		TLSClientConfig: opts.TLSConfig,
		Heartbeat:       opts.Heartbeat,
		Dial:            dialer.Dial,
	})
	if err != nil {
		return nil, nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}
