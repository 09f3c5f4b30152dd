// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"hash/maphash"
	"sync"

	"github.com/absmach/redelivery/types"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	shardCount = 64

	// DefaultTombstones is the number of evicted ids remembered as finalized.
	DefaultTombstones = 16384
)

// Tracker holds delivery records for in-flight messages.
// Operations on different ids never share a lock beyond the brief shard
// lookup; each record is guarded by its own mutex.
type Tracker struct {
	seed       maphash.Seed
	shards     [shardCount]shard
	tombstones *lru.Cache[types.MessageID, struct{}]
}

type shard struct {
	mu      sync.RWMutex
	entries map[types.MessageID]*entry
}

type entry struct {
	mu      sync.Mutex
	rec     Record
	evicted bool
}

// NewTracker creates a tracker remembering up to tombstones evicted ids.
func NewTracker(tombstones int) (*Tracker, error) {
	if tombstones <= 0 {
		tombstones = DefaultTombstones
	}
	cache, err := lru.New[types.MessageID, struct{}](tombstones)
	if err != nil {
		return nil, err
	}

	t := &Tracker{
		seed:       maphash.MakeSeed(),
		tombstones: cache,
	}
	for i := range t.shards {
		t.shards[i].entries = make(map[types.MessageID]*entry)
	}
	return t, nil
}

func (t *Tracker) shardFor(id types.MessageID) *shard {
	return &t.shards[maphash.String(t.seed, string(id))%shardCount]
}

// lookup returns the live entry for id, creating it if create is set.
func (t *Tracker) lookup(id types.MessageID, create bool) *entry {
	s := t.shardFor(id)

	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if ok || !create {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[id]; ok {
		return e
	}
	e = &entry{rec: Record{ID: id, State: StatePending}}
	s.entries[id] = e
	return e
}

// Get returns the record for id, creating a pending record on first access.
// Recently evicted ids read as terminal.
func (t *Tracker) Get(id types.MessageID) Record {
	if e := t.lookup(id, false); e != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.evicted {
			return e.rec
		}
	}
	if t.tombstones.Contains(id) {
		return Record{ID: id, State: StateTerminal}
	}

	e := t.lookup(id, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec
}

// Observe registers a delivery of id and aligns the local redelivery
// count with the broker reported one.
func (t *Tracker) Observe(id types.MessageID, brokerCount int) Record {
	t.tombstones.Remove(id)

	for {
		e := t.lookup(id, true)
		e.mu.Lock()
		if e.evicted {
			e.mu.Unlock()
			continue
		}
		if brokerCount > e.rec.RedeliveryCount {
			e.rec.RedeliveryCount = brokerCount
		}
		rec := e.rec
		e.mu.Unlock()
		return rec
	}
}

// Transition applies ev to the record of id atomically.
func (t *Tracker) Transition(id types.MessageID, ev Event) (Record, error) {
	rec, _, err := t.TransitionFunc(id, func(Record) Event { return ev })
	return rec, err
}

// TransitionFunc runs decide under the record lock and applies the event
// it returns. It returns the updated record and the applied event.
func (t *Tracker) TransitionFunc(id types.MessageID, decide func(Record) Event) (Record, Event, error) {
	for {
		e := t.lookup(id, false)
		if e == nil {
			if t.tombstones.Contains(id) {
				return Record{ID: id, State: StateTerminal}, EventNone, types.ErrAlreadyFinalized
			}
			e = t.lookup(id, true)
		}

		e.mu.Lock()
		if e.evicted {
			e.mu.Unlock()
			continue
		}
		ev := decide(e.rec)
		rec, err := e.rec.apply(ev)
		if err == nil {
			e.rec = rec
		}
		e.mu.Unlock()
		return rec, ev, err
	}
}

// Evict removes the record of id and remembers the id as finalized
// until it is observed again.
func (t *Tracker) Evict(id types.MessageID) {
	t.tombstones.Add(id, struct{}{})

	s := t.shardFor(id)

	s.mu.Lock()
	e, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()

	if ok {
		e.mu.Lock()
		e.evicted = true
		e.mu.Unlock()
	}
}

// Len returns the number of live records.
func (t *Tracker) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}
