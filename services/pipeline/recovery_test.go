// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRecoverer struct {
	calls atomic.Int32
	err   error
}

func (c *countingRecoverer) Recover(context.Context) (int, error) {
	c.calls.Add(1)
	return 1, c.err
}

func TestRecoveryScheduler_SweepsAtStartAndOnTicks(t *testing.T) {
	rec := &countingRecoverer{}
	s := NewRecoveryScheduler(rec, 10*time.Millisecond, nil)

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return rec.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	after := rec.calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, rec.calls.Load(), "no sweeps after Stop")
	require.NoError(t, s.Stop())
}

func TestRecoveryScheduler_StartTwice(t *testing.T) {
	s := NewRecoveryScheduler(&countingRecoverer{}, time.Hour, nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Error(t, s.Start(context.Background()))
}

func TestRecoveryScheduler_Restart(t *testing.T) {
	rec := &countingRecoverer{}
	s := NewRecoveryScheduler(rec, time.Hour, nil)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return rec.calls.Load() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, s.Stop())

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return rec.calls.Load() == 2 }, time.Second, time.Millisecond)
	require.NoError(t, s.Stop())
}

func TestRecoveryScheduler_ErrorsDoNotStopTheLoop(t *testing.T) {
	rec := &countingRecoverer{err: errors.New("database is locked")}
	s := NewRecoveryScheduler(rec, 5*time.Millisecond, nil)

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return rec.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())
}

func TestRecoveryScheduler_ContextCancel(t *testing.T) {
	rec := &countingRecoverer{}
	s := NewRecoveryScheduler(rec, 5*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool { return rec.calls.Load() >= 1 }, time.Second, time.Millisecond)
	cancel()

	done := make(chan struct{})
	go func() {
		_ = s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked after context cancel")
	}
}

func TestRecoveryScheduler_RunNow(t *testing.T) {
	rec := &countingRecoverer{}
	s := NewRecoveryScheduler(rec, time.Hour, nil)

	n, err := s.RunNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 1, rec.calls.Load())
}
