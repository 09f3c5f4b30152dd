// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp

import "errors"

// Transport errors.
var (
	ErrNoAddress        = errors.New("no broker address configured")
	ErrNoQueue          = errors.New("queue name cannot be empty")
	ErrNotConnected     = errors.New("not connected")
	ErrPublisherConfirm = errors.New("publisher confirm not acknowledged")
	ErrDeliveriesClosed = errors.New("delivery channel closed")
)
