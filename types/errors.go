// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import "errors"

// Delivery errors.
var (
	// ErrInvalidConfiguration indicates no dead-letter destination is configured.
	// It is caller-fixable and never retried.
	ErrInvalidConfiguration = errors.New("invalid dead-letter configuration")

	// ErrTransientIO indicates a network failure while producing or acknowledging.
	// The message stays redeliverable.
	ErrTransientIO = errors.New("transient i/o failure")

	// ErrAlreadyFinalized indicates the delivery attempt was already settled.
	ErrAlreadyFinalized = errors.New("delivery already finalized")

	// ErrCancelled indicates routing was aborted by the caller's context.
	ErrCancelled = errors.New("routing cancelled")

	ErrMessageNotFound = errors.New("message not found")
	ErrClosed          = errors.New("consumer closed")
	ErrNilMessage      = errors.New("message cannot be nil")
)
