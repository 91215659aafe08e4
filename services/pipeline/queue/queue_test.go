// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/pidpipeline/services/pipeline/status"
	"github.com/AleutianAI/pidpipeline/services/pipeline/storage/badger"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newQueue(t *testing.T) (*Queue, *clock) {
	t.Helper()
	cfg := badger.InMemoryConfig()
	cfg.ConflictRetries = 200
	db, err := badger.OpenDB(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c := &clock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	q, err := New(db, Config{Visibility: time.Minute, Now: c.Now})
	require.NoError(t, err)
	return q, c
}

func newJob(stage status.Stage) Job {
	return Job{ID: uuid.New(), DiagramUID: uuid.New(), Stage: stage, Attempt: 1}
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, Config{Visibility: time.Minute})
	assert.Error(t, err)

	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	_, err = New(db, Config{})
	assert.Error(t, err)
}

func TestEnqueueDequeueAck(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	job := newJob(status.StageDetect)

	added, err := q.Enqueue(ctx, job, 0)
	require.NoError(t, err)
	assert.True(t, added)

	select {
	case <-q.Notify():
	default:
		t.Fatal("expected enqueue notification")
	}

	lease, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, job.ID, lease.Job.ID)
	assert.Equal(t, status.StageDetect, lease.Job.Stage)
	assert.Equal(t, 1, lease.Job.Deliveries)

	has, err := q.Has(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, has, "leased job is still tracked")

	require.NoError(t, q.Ack(ctx, lease))

	has, err = q.Has(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, has)

	next, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestEnqueueIsIdempotent(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()
	job := newJob(status.StageSegment)

	added, err := q.Enqueue(ctx, job, 0)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = q.Enqueue(ctx, job, 0)
	require.NoError(t, err)
	assert.False(t, added)

	lease, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, lease)

	// Still a no-op while leased.
	added, err = q.Enqueue(ctx, job, 0)
	require.NoError(t, err)
	assert.False(t, added)

	s, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Leased: 1}, s)
}

func TestEnqueueRequiresID(t *testing.T) {
	q, _ := newQueue(t)
	_, err := q.Enqueue(context.Background(), Job{}, 0)
	assert.Error(t, err)
}

func TestDelayedJob(t *testing.T) {
	q, c := newQueue(t)
	ctx := context.Background()
	job := newJob(status.StageSkeletonize)

	_, err := q.Enqueue(ctx, job, 30*time.Second)
	require.NoError(t, err)

	lease, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, lease, "job is not due yet")

	s, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Delayed: 1}, s)

	c.Advance(30 * time.Second)
	lease, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, job.ID, lease.Job.ID)
}

func TestOrderByReadyTime(t *testing.T) {
	q, c := newQueue(t)
	ctx := context.Background()

	late := newJob(status.StageDetect)
	early := newJob(status.StageSegment)
	_, err := q.Enqueue(ctx, late, 10*time.Second)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, early, 5*time.Second)
	require.NoError(t, err)

	c.Advance(time.Minute)
	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, early.ID, first.Job.ID)
	assert.Equal(t, late.ID, second.Job.ID)
}

func TestExpiredLeaseIsRedelivered(t *testing.T) {
	q, c := newQueue(t)
	ctx := context.Background()
	job := newJob(status.StageBuildGraph)

	_, err := q.Enqueue(ctx, job, 0)
	require.NoError(t, err)
	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	// Worker vanished.
	c.Advance(2 * time.Minute)

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, job.ID, second.Job.ID)
	assert.Equal(t, 2, second.Job.Deliveries)

	// The original holder cannot ack any more.
	assert.ErrorIs(t, q.Ack(ctx, first), ErrLeaseLost)
	require.NoError(t, q.Ack(ctx, second))
}

func TestExtendKeepsLeaseAlive(t *testing.T) {
	q, c := newQueue(t)
	ctx := context.Background()
	job := newJob(status.StageDetect)

	_, err := q.Enqueue(ctx, job, 0)
	require.NoError(t, err)
	lease, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, time.Minute, q.Visibility())

	// Three visibility periods pass while the holder keeps extending.
	for i := 0; i < 6; i++ {
		c.Advance(30 * time.Second)
		require.NoError(t, q.Extend(ctx, lease, 0))
		assert.Equal(t, c.Now().Add(time.Minute), lease.ExpiresAt)

		other, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Nil(t, other, "extended lease must not be redelivered")
	}

	s, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Leased: 1}, s)
	require.NoError(t, q.Ack(ctx, lease))
}

func TestExtendAfterExpiry(t *testing.T) {
	q, c := newQueue(t)
	ctx := context.Background()
	job := newJob(status.StageSegment)

	_, err := q.Enqueue(ctx, job, 0)
	require.NoError(t, err)
	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	c.Advance(2 * time.Minute)
	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)

	assert.ErrorIs(t, q.Extend(ctx, first, time.Minute), ErrLeaseLost)
	require.NoError(t, q.Extend(ctx, second, 5*time.Minute))
	assert.Equal(t, c.Now().Add(5*time.Minute), second.ExpiresAt)
	require.NoError(t, q.Ack(ctx, second))
}

func TestRelease(t *testing.T) {
	q, c := newQueue(t)
	ctx := context.Background()
	job := newJob(status.StageClassifyJunctions)

	_, err := q.Enqueue(ctx, job, 0)
	require.NoError(t, err)
	lease, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, lease)

	require.NoError(t, q.Release(ctx, lease, 10*time.Second))
	assert.ErrorIs(t, q.Release(ctx, lease, 0), ErrLeaseLost)

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, again)

	c.Advance(10 * time.Second)
	again, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, job.ID, again.Job.ID)
}

// TestConcurrentConsumers verifies each job is leased to exactly one consumer.
func TestConcurrentConsumers(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	const jobs = 40
	for i := 0; i < jobs; i++ {
		_, err := q.Enqueue(ctx, newJob(status.StageDetect), 0)
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = map[uuid.UUID]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				lease, err := q.Dequeue(ctx)
				if err != nil {
					t.Error(err)
					return
				}
				if lease == nil {
					return
				}
				mu.Lock()
				seen[lease.Job.ID]++
				mu.Unlock()
				if err := q.Ack(ctx, lease); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s delivered %d times", id, n)
	}
}

func TestKeyTime(t *testing.T) {
	at := time.Unix(0, 1740830400123456789)
	id := uuid.New()
	got, err := keyTime(readyKey(at, id), prefixReady)
	require.NoError(t, err)
	assert.True(t, at.Equal(got))

	_, err = keyTime("q/r/garbage", prefixReady)
	assert.Error(t, err)
}
