// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds dead-letter produce rate limiting settings.
type Config struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`             // produces per second per destination
	Burst           int           `yaml:"burst"`            // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // cleanup interval for idle destinations
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:         false,
		Rate:            500,
		Burst:           50,
		CleanupInterval: 5 * time.Minute,
	}
}

// DestinationLimiter limits produce calls per destination so a burst of
// failing messages cannot flood a dead-letter topic.
type DestinationLimiter struct {
	mu       sync.Mutex
	limiters map[string]*destEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	disabled bool
}

type destEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a destination limiter. A disabled config returns a limiter
// that never blocks.
func New(cfg Config) *DestinationLimiter {
	if !cfg.Enabled || cfg.Rate <= 0 {
		return &DestinationLimiter{disabled: true, stopCh: make(chan struct{})}
	}

	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	cleanup := cfg.CleanupInterval
	if cleanup <= 0 {
		cleanup = DefaultConfig().CleanupInterval
	}

	l := &DestinationLimiter{
		limiters: make(map[string]*destEntry),
		rate:     rate.Limit(cfg.Rate),
		burst:    burst,
		cleanup:  cleanup,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

func (l *DestinationLimiter) get(destination string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, exists := l.limiters[destination]
	if !exists {
		entry = &destEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[destination] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// Allow reports whether a produce to destination may proceed now.
func (l *DestinationLimiter) Allow(destination string) bool {
	if l == nil || l.disabled {
		return true
	}
	return l.get(destination).Allow()
}

// Wait blocks until a produce to destination may proceed or ctx is done.
func (l *DestinationLimiter) Wait(ctx context.Context, destination string) error {
	if l == nil || l.disabled {
		return ctx.Err()
	}
	return l.get(destination).Wait(ctx)
}

func (l *DestinationLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeIdle(time.Now().Add(-l.cleanup * 2))
		case <-l.stopCh:
			return
		}
	}
}

func (l *DestinationLimiter) removeIdle(threshold time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for dest, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, dest)
		}
	}
}

// Len returns the number of tracked destinations.
func (l *DestinationLimiter) Len() int {
	if l == nil || l.disabled {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Stop stops the cleanup goroutine.
func (l *DestinationLimiter) Stop() {
	if l == nil {
		return
	}
	l.stopOnce.Do(func() { close(l.stopCh) })
}
