// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger provides a local dead-letter spool backed by BadgerDB.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/redelivery/types"
	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
)

const (
	spoolMsgPrefix = "dlq:msg:"
	spoolSeqKey    = "dlq:seq"

	seqBandwidth = 128
	// Payloads below this size are stored uncompressed.
	minCompressSize = 256
)

// ErrEntryNotFound is returned when a spooled entry does not exist.
var ErrEntryNotFound = errors.New("spool entry not found")

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd encoder: " + err.Error())
	}

	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
	)
	if err != nil {
		panic("failed to create zstd decoder: " + err.Error())
	}
}

// Producer publishes a message to a destination.
type Producer interface {
	Produce(ctx context.Context, destination string, msg *types.Message) error
}

// Entry is a spooled dead-letter message.
type Entry struct {
	Seq         uint64
	Destination string
	SpooledAt   time.Time
	Message     *types.Message
}

type record struct {
	ID              string            `json:"id"`
	Topic           string            `json:"topic"`
	Key             string            `json:"key,omitempty"`
	Payload         []byte            `json:"payload"`
	Compressed      bool              `json:"compressed,omitempty"`
	Properties      map[string]string `json:"properties,omitempty"`
	RedeliveryCount int               `json:"redelivery_count"`
	PublishTime     time.Time         `json:"publish_time"`
	SpooledAt       time.Time         `json:"spooled_at"`
}

// Spool stores dead-letter messages locally. It implements the dead-letter
// producer: a Produce call returns once the entry is committed.
type Spool struct {
	db  *badger.DB
	seq *badger.Sequence
}

// New creates a spool on db.
func New(db *badger.DB) (*Spool, error) {
	seq, err := db.GetSequence([]byte(spoolSeqKey), seqBandwidth)
	if err != nil {
		return nil, fmt.Errorf("failed to create spool sequence: %w", err)
	}
	return &Spool{db: db, seq: seq}, nil
}

// Open opens a BadgerDB at dir, or in memory when dir is empty, and
// creates a spool on it. Close releases the database.
func Open(dir string) (*Spool, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open spool database: %w", err)
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Produce stores msg under destination.
func (s *Spool) Produce(ctx context.Context, destination string, msg *types.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if destination == "" || strings.Contains(destination, ":") {
		return fmt.Errorf("%w: invalid spool destination %q", types.ErrInvalidConfiguration, destination)
	}

	seq, err := s.seq.Next()
	if err != nil {
		return err
	}

	rec := record{
		ID:              msg.ID.String(),
		Topic:           msg.Topic,
		Key:             msg.Key,
		Payload:         msg.Payload,
		Properties:      msg.Properties,
		RedeliveryCount: msg.RedeliveryCount,
		PublishTime:     msg.PublishTime,
		SpooledAt:       time.Now().UTC(),
	}
	if len(msg.Payload) >= minCompressSize {
		if c := zstdEncoder.EncodeAll(msg.Payload, nil); len(c) < len(msg.Payload) {
			rec.Payload = c
			rec.Compressed = true
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(makeKey(destination, seq), data)
	})
}

// List returns up to limit entries spooled for destination, oldest first.
// A zero limit returns all entries.
func (s *Spool) List(ctx context.Context, destination string, limit int) ([]Entry, error) {
	entries := make([]Entry, 0)
	prefix := []byte(spoolMsgPrefix + destination + ":")

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid() && (limit == 0 || len(entries) < limit); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			item := it.Item()
			seq, err := parseSeq(item.Key(), len(prefix))
			if err != nil {
				return err
			}

			var e Entry
			err = item.Value(func(val []byte) error {
				e, err = decode(val)
				return err
			})
			if err != nil {
				return err
			}
			e.Seq = seq
			e.Destination = destination
			entries = append(entries, e)
		}
		return nil
	})

	return entries, err
}

// Count returns the number of entries spooled for destination.
func (s *Spool) Count(ctx context.Context, destination string) (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(spoolMsgPrefix + destination + ":")
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Delete removes the entry seq of destination.
func (s *Spool) Delete(ctx context.Context, destination string, seq uint64) error {
	key := makeKey(destination, seq)
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrEntryNotFound
			}
			return err
		}
		return txn.Delete(key)
	})
}

// Replay produces the entries spooled for destination to target, oldest
// first, deleting each entry once produced. An empty target replays to
// destination. It stops at the first produce error and returns the number
// of entries replayed.
func (s *Spool) Replay(ctx context.Context, destination, target string, producer Producer) (int, error) {
	if target == "" {
		target = destination
	}

	entries, err := s.List(ctx, destination, 0)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, e := range entries {
		if err := producer.Produce(ctx, target, e.Message); err != nil {
			return replayed, fmt.Errorf("replay of entry %d failed: %w", e.Seq, err)
		}
		if err := s.Delete(ctx, destination, e.Seq); err != nil {
			return replayed, err
		}
		replayed++
	}
	return replayed, nil
}

// Close releases the sequence and closes the database.
func (s *Spool) Close() error {
	err := s.seq.Release()
	if cerr := s.db.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func decode(val []byte) (Entry, error) {
	var rec record
	if err := json.Unmarshal(val, &rec); err != nil {
		return Entry{}, err
	}

	payload := rec.Payload
	if rec.Compressed {
		var err error
		payload, err = zstdDecoder.DecodeAll(rec.Payload, nil)
		if err != nil {
			return Entry{}, fmt.Errorf("failed to decompress payload: %w", err)
		}
	}

	return Entry{
		SpooledAt: rec.SpooledAt,
		Message: &types.Message{
			ID:              types.MessageID(rec.ID),
			Topic:           rec.Topic,
			Key:             rec.Key,
			Payload:         payload,
			Properties:      rec.Properties,
			RedeliveryCount: rec.RedeliveryCount,
			PublishTime:     rec.PublishTime,
		},
	}, nil
}

func makeKey(destination string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", spoolMsgPrefix, destination, seq))
}

func parseSeq(key []byte, prefixLen int) (uint64, error) {
	return strconv.ParseUint(string(key[prefixLen:]), 10, 64)
}
