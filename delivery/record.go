// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import "github.com/absmach/redelivery/types"

// State represents the lifecycle state of a delivery attempt.
type State uint8

const (
	StatePending State = iota
	StateRedelivering
	StateDeadLettering
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRedelivering:
		return "redelivering"
	case StateDeadLettering:
		return "dead-lettering"
	case StateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Event is a tracker state transition request.
type Event uint8

const (
	// EventNone leaves the record unchanged.
	EventNone Event = iota
	// EventRedeliver hands the message back for redelivery and increments the count.
	EventRedeliver
	// EventRouteToDLQ starts dead-letter routing.
	EventRouteToDLQ
	// EventFinalize completes a dead-letter route.
	EventFinalize
	// EventRevert returns an in-flight redelivery or routing attempt to pending.
	EventRevert
	// EventAck settles a pending delivery after processing succeeded.
	EventAck
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventRedeliver:
		return "redeliver"
	case EventRouteToDLQ:
		return "route-to-dlq"
	case EventFinalize:
		return "finalize"
	case EventRevert:
		return "revert"
	case EventAck:
		return "ack"
	default:
		return "unknown"
	}
}

// Record is the per-message delivery state.
type Record struct {
	ID              types.MessageID
	RedeliveryCount int
	State           State
	DLQEligible     bool
}

// Finalized reports whether no further terminal event may change the record.
func (r Record) Finalized() bool {
	return r.State == StateTerminal
}

// apply returns the record after ev, or ErrAlreadyFinalized when the
// current delivery attempt is no longer pending.
func (r Record) apply(ev Event) (Record, error) {
	switch ev {
	case EventNone:
		return r, nil
	case EventRedeliver:
		if r.State != StatePending {
			return r, types.ErrAlreadyFinalized
		}
		r.RedeliveryCount++
		r.State = StateRedelivering
	case EventRouteToDLQ:
		if r.State != StatePending {
			return r, types.ErrAlreadyFinalized
		}
		r.State = StateDeadLettering
		r.DLQEligible = true
	case EventFinalize:
		if r.State != StateDeadLettering {
			return r, types.ErrAlreadyFinalized
		}
		r.State = StateTerminal
	case EventAck:
		if r.State != StatePending {
			return r, types.ErrAlreadyFinalized
		}
		r.State = StateTerminal
	case EventRevert:
		switch r.State {
		case StateRedelivering, StateDeadLettering:
			r.State = StatePending
		case StateTerminal:
			return r, types.ErrAlreadyFinalized
		}
	}
	return r, nil
}
