// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package redelivery

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_FiresAfterDelay(t *testing.T) {
	mock := clock.NewMock()
	s := NewScheduler(mock)
	defer s.Stop()

	var fired atomic.Int32
	require.True(t, s.Schedule("msg-1", time.Minute, func() { fired.Add(1) }))
	assert.Equal(t, 1, s.Pending())

	mock.Add(30 * time.Second)
	assert.Equal(t, int32(0), fired.Load())

	mock.Add(30 * time.Second)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, s.Pending())
}

func TestScheduler_RescheduleReplaces(t *testing.T) {
	mock := clock.NewMock()
	s := NewScheduler(mock)
	defer s.Stop()

	var first, second atomic.Int32
	s.Schedule("msg-1", time.Second, func() { first.Add(1) })
	s.Schedule("msg-1", time.Minute, func() { second.Add(1) })
	assert.Equal(t, 1, s.Pending())

	mock.Add(2 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), first.Load())

	mock.Add(time.Minute)
	require.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), first.Load())
}

func TestScheduler_Cancel(t *testing.T) {
	mock := clock.NewMock()
	s := NewScheduler(mock)
	defer s.Stop()

	var fired atomic.Int32
	s.Schedule("msg-1", time.Second, func() { fired.Add(1) })
	assert.True(t, s.Cancel("msg-1"))
	assert.False(t, s.Cancel("msg-1"))

	mock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestScheduler_StopRejectsNewWork(t *testing.T) {
	mock := clock.NewMock()
	s := NewScheduler(mock)

	var fired atomic.Int32
	s.Schedule("msg-1", time.Second, func() { fired.Add(1) })
	s.Stop()
	assert.Equal(t, 0, s.Pending())
	assert.False(t, s.Schedule("msg-2", time.Second, func() { fired.Add(1) }))

	mock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestScheduler_WallClock(t *testing.T) {
	s := NewScheduler(nil)
	defer s.Stop()

	done := make(chan struct{})
	s.Schedule("msg-1", time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("redelivery did not fire")
	}
}
