// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package queue is the durable job queue between the dispatcher and the
// worker pool.
//
// # Description
//
// Jobs live in BadgerDB under three key families:
//
//	q/r/{ready_at}/{job_id}    job ready at ready_at (unix nanos, zero padded)
//	q/l/{expires_at}/{job_id}  job leased to a worker until expires_at
//	q/i/{job_id}               index pointing at the job's current key
//
// Keys sort by time, so the head of q/r/ is always the next job due and the
// head of q/l/ is the next lease to expire. Delivery is at least once: a job
// is only removed by Ack, and a lease that expires (worker crash) puts the
// job back at the head of the ready range. A worker that is still alive
// keeps its lease by calling Extend before it expires.
//
// Enqueue is idempotent on the job ID. Enqueueing an ID that is already
// ready or leased is a no-op that reports false.
//
// # Thread Safety
//
// Queue is safe for concurrent use by many producers and consumers. Every
// operation is one badger transaction; conflicting transactions retry.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/pidpipeline/services/pipeline/status"
	"github.com/AleutianAI/pidpipeline/services/pipeline/storage/badger"
)

// ErrLeaseLost is returned by Ack, Release and Extend when the lease expired and the
// job was handed to someone else.
var ErrLeaseLost = errors.New("lease lost")

const (
	prefixReady = "q/r/"
	prefixLease = "q/l/"
	prefixIndex = "q/i/"

	// reclaimBatch bounds how many expired leases one Dequeue returns to the
	// ready range.
	reclaimBatch = 64
)

// Job is one unit of work: run stage for diagram as attempt.
type Job struct {
	ID         uuid.UUID    `json:"id"`
	DiagramUID uuid.UUID    `json:"diagram_uid"`
	Stage      status.Stage `json:"stage"`
	Attempt    int          `json:"attempt"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
	Deliveries int          `json:"deliveries"`
}

// Lease is a job handed to one worker until ExpiresAt.
type Lease struct {
	Job       Job
	ExpiresAt time.Time
	key       string
}

// Stats counts jobs by state.
type Stats struct {
	Ready   int
	Delayed int
	Leased  int
}

// Config configures a Queue.
type Config struct {
	// Visibility is how long a leased job stays invisible before it is
	// redelivered unless its holder extends the lease.
	Visibility time.Duration

	Logger *slog.Logger

	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// Queue is a durable, delayed, at-least-once job queue.
type Queue struct {
	db         *badger.DB
	visibility time.Duration
	logger     *slog.Logger
	now        func() time.Time
	notify     chan struct{}
}

// New builds a Queue on an open database.
func New(db *badger.DB, cfg Config) (*Queue, error) {
	if db == nil {
		return nil, errors.New("queue: db must not be nil")
	}
	if cfg.Visibility <= 0 {
		return nil, errors.New("queue: visibility must be positive")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Queue{
		db:         db,
		visibility: cfg.Visibility,
		logger:     cfg.Logger,
		now:        cfg.Now,
		notify:     make(chan struct{}, 1),
	}, nil
}

// Visibility is the lease length handed out by Dequeue.
func (q *Queue) Visibility() time.Duration { return q.visibility }

// Notify returns a channel that receives after every successful Enqueue.
// Consumers use it to wake up before their poll interval.
func (q *Queue) Notify() <-chan struct{} { return q.notify }

// Enqueue adds job, visible after delay. It reports false when a job with
// the same ID is already queued or leased.
func (q *Queue) Enqueue(ctx context.Context, job Job, delay time.Duration) (bool, error) {
	if job.ID == uuid.Nil {
		return false, errors.New("queue: job id is required")
	}
	if delay < 0 {
		delay = 0
	}
	now := q.now()
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now.UTC()
	}
	key := readyKey(now.Add(delay), job.ID)

	added := false
	err := q.db.Update(ctx, func(txn *badgerdb.Txn) error {
		added = false
		_, err := txn.Get(indexKey(job.ID))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return fmt.Errorf("read index: %w", err)
		}
		if err := putJob(txn, key, job); err != nil {
			return err
		}
		added = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", job.ID, err)
	}
	if added {
		q.logger.Debug("job enqueued",
			"job_id", job.ID, "diagram_id", job.DiagramUID, "stage", job.Stage,
			"attempt", job.Attempt, "delay", delay)
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return added, nil
}

// Dequeue leases the next due job. It returns nil when nothing is due.
func (q *Queue) Dequeue(ctx context.Context) (*Lease, error) {
	var lease *Lease
	err := q.db.Update(ctx, func(txn *badgerdb.Txn) error {
		lease = nil
		now := q.now()

		if err := q.reclaim(txn, now); err != nil {
			return err
		}

		key, job, ok, err := head(txn, prefixReady)
		if err != nil || !ok {
			return err
		}
		at, err := keyTime(key, prefixReady)
		if err != nil {
			return err
		}
		if at.After(now) {
			return nil
		}

		if err := txn.Delete([]byte(key)); err != nil {
			return fmt.Errorf("delete ready key: %w", err)
		}
		job.Deliveries++
		expires := now.Add(q.visibility)
		lkey := leaseKey(expires, job.ID)
		if err := putJob(txn, lkey, job); err != nil {
			return err
		}
		lease = &Lease{Job: job, ExpiresAt: expires, key: lkey}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	return lease, nil
}

// reclaim moves expired leases back to the ready range at now.
func (q *Queue) reclaim(txn *badgerdb.Txn, now time.Time) error {
	type expired struct {
		key string
		job Job
	}
	var batch []expired

	it := txn.NewIterator(badgerdb.IteratorOptions{PrefetchValues: true, PrefetchSize: reclaimBatch})
	prefix := []byte(prefixLease)
	for it.Seek(prefix); it.ValidForPrefix(prefix) && len(batch) < reclaimBatch; it.Next() {
		key := string(it.Item().KeyCopy(nil))
		at, err := keyTime(key, prefixLease)
		if err != nil {
			it.Close()
			return err
		}
		if at.After(now) {
			break
		}
		var job Job
		if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &job) }); err != nil {
			it.Close()
			return fmt.Errorf("decode leased job: %w", err)
		}
		batch = append(batch, expired{key: key, job: job})
	}
	it.Close()

	for _, e := range batch {
		if err := txn.Delete([]byte(e.key)); err != nil {
			return fmt.Errorf("delete expired lease: %w", err)
		}
		if err := putJob(txn, readyKey(now, e.job.ID), e.job); err != nil {
			return err
		}
		q.logger.Warn("lease expired, job redelivered",
			"job_id", e.job.ID, "diagram_id", e.job.DiagramUID, "stage", e.job.Stage,
			"deliveries", e.job.Deliveries)
	}
	return nil
}

// Ack removes a leased job for good.
func (q *Queue) Ack(ctx context.Context, l *Lease) error {
	err := q.db.Update(ctx, func(txn *badgerdb.Txn) error {
		if err := q.ownLease(txn, l); err != nil {
			return err
		}
		if err := txn.Delete([]byte(l.key)); err != nil {
			return fmt.Errorf("delete lease: %w", err)
		}
		return txn.Delete(indexKey(l.Job.ID))
	})
	if err != nil {
		return fmt.Errorf("ack %s: %w", l.Job.ID, err)
	}
	return nil
}

// Extend moves the expiry of l to d from now, or one visibility period when
// d is not positive. l is updated in place on success.
func (q *Queue) Extend(ctx context.Context, l *Lease, d time.Duration) error {
	if d <= 0 {
		d = q.visibility
	}
	var (
		nkey    string
		expires time.Time
	)
	err := q.db.Update(ctx, func(txn *badgerdb.Txn) error {
		if err := q.ownLease(txn, l); err != nil {
			return err
		}
		expires = q.now().Add(d)
		nkey = leaseKey(expires, l.Job.ID)
		if nkey == l.key {
			return nil
		}
		if err := txn.Delete([]byte(l.key)); err != nil {
			return fmt.Errorf("delete lease: %w", err)
		}
		return putJob(txn, nkey, l.Job)
	})
	if err != nil {
		return fmt.Errorf("extend %s: %w", l.Job.ID, err)
	}
	l.key, l.ExpiresAt = nkey, expires
	return nil
}

// Release returns a leased job to the ready range after delay without
// counting it as processed.
func (q *Queue) Release(ctx context.Context, l *Lease, delay time.Duration) error {
	err := q.db.Update(ctx, func(txn *badgerdb.Txn) error {
		if err := q.ownLease(txn, l); err != nil {
			return err
		}
		if err := txn.Delete([]byte(l.key)); err != nil {
			return fmt.Errorf("delete lease: %w", err)
		}
		return putJob(txn, readyKey(q.now().Add(delay), l.Job.ID), l.Job)
	})
	if err != nil {
		return fmt.Errorf("release %s: %w", l.Job.ID, err)
	}
	return nil
}

func (q *Queue) ownLease(txn *badgerdb.Txn, l *Lease) error {
	item, err := txn.Get(indexKey(l.Job.ID))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("read index: %w", err)
	}
	cur, err := item.ValueCopy(nil)
	if err != nil {
		return fmt.Errorf("read index value: %w", err)
	}
	if string(cur) != l.key {
		return ErrLeaseLost
	}
	return nil
}

// Has reports whether a job with id is ready, delayed or leased.
func (q *Queue) Has(ctx context.Context, id uuid.UUID) (bool, error) {
	found := false
	err := q.db.View(ctx, func(txn *badgerdb.Txn) error {
		_, err := txn.Get(indexKey(id))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// Stats counts jobs by state.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	now := q.now()
	err := q.db.View(ctx, func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.IteratorOptions{PrefetchValues: false})
		defer it.Close()

		for prefix, leased := range map[string]bool{prefixReady: false, prefixLease: true} {
			p := []byte(prefix)
			for it.Seek(p); it.ValidForPrefix(p); it.Next() {
				if leased {
					s.Leased++
					continue
				}
				at, err := keyTime(string(it.Item().Key()), prefix)
				if err != nil {
					return err
				}
				if at.After(now) {
					s.Delayed++
				} else {
					s.Ready++
				}
			}
		}
		return nil
	})
	return s, err
}

// ---------- Keys ----------

func readyKey(at time.Time, id uuid.UUID) string {
	return fmt.Sprintf("%s%020d/%s", prefixReady, at.UnixNano(), id)
}

func leaseKey(at time.Time, id uuid.UUID) string {
	return fmt.Sprintf("%s%020d/%s", prefixLease, at.UnixNano(), id)
}

func indexKey(id uuid.UUID) []byte {
	return []byte(prefixIndex + id.String())
}

func keyTime(key, prefix string) (time.Time, error) {
	rest := strings.TrimPrefix(key, prefix)
	ts, _, ok := strings.Cut(rest, "/")
	if !ok {
		return time.Time{}, fmt.Errorf("malformed queue key %q", key)
	}
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed queue key %q: %w", key, err)
	}
	return time.Unix(0, n), nil
}

// putJob writes job under key and points the index at it.
func putJob(txn *badgerdb.Txn, key string, job Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := txn.Set([]byte(key), raw); err != nil {
		return fmt.Errorf("write job: %w", err)
	}
	if err := txn.Set(indexKey(job.ID), []byte(key)); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

// head returns the first key and job under prefix.
func head(txn *badgerdb.Txn, prefix string) (string, Job, bool, error) {
	it := txn.NewIterator(badgerdb.IteratorOptions{PrefetchValues: false})
	defer it.Close()

	p := []byte(prefix)
	it.Seek(p)
	if !it.ValidForPrefix(p) {
		return "", Job{}, false, nil
	}
	item := it.Item()
	var job Job
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &job) }); err != nil {
		return "", Job{}, false, fmt.Errorf("decode job: %w", err)
	}
	return string(item.KeyCopy(nil)), job, true, nil
}
