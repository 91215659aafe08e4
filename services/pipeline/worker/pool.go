// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package worker executes queued stage jobs.
//
// A Pool runs a fixed number of consumers against the durable queue. Each
// consumer leases a job, asks the engine to begin it, runs the stage's
// collaborator under the stage's time budget and hands the result to the
// engine's finalize. Heavy stages additionally hold one of a small number of
// compute slots while they run.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/pidpipeline/services/pipeline/engine"
	"github.com/AleutianAI/pidpipeline/services/pipeline/faults"
	"github.com/AleutianAI/pidpipeline/services/pipeline/observability"
	"github.com/AleutianAI/pidpipeline/services/pipeline/queue"
	"github.com/AleutianAI/pidpipeline/services/pipeline/retry"
	"github.com/AleutianAI/pidpipeline/services/pipeline/stages"
)

// Queue is the part of the job queue a Pool consumes.
type Queue interface {
	Dequeue(ctx context.Context) (*queue.Lease, error)
	Ack(ctx context.Context, l *queue.Lease) error
	Release(ctx context.Context, l *queue.Lease, delay time.Duration) error
	Extend(ctx context.Context, l *queue.Lease, d time.Duration) error
	Visibility() time.Duration
	Notify() <-chan struct{}
	Stats(ctx context.Context) (queue.Stats, error)
}

// Engine is the part of the engine a Pool drives.
type Engine interface {
	Begin(ctx context.Context, job queue.Job) (*stages.Request, error)
	Finalize(ctx context.Context, req engine.FinalizeRequest) (*engine.FinalizeOutcome, error)
	Policy() *retry.Policy
	Registry() *stages.Registry
}

// Config configures a Pool.
type Config struct {
	// Concurrency is the number of jobs executed at once. Default 4.
	Concurrency int
	// HeavySlots bounds concurrently running heavy stages. Default 1.
	HeavySlots int
	// PollInterval is the longest a consumer sleeps before checking for due
	// jobs. Default 1s.
	PollInterval time.Duration
	// ReleaseDelay postpones redelivery after a storage failure. Default 5s.
	ReleaseDelay time.Duration
	// StatsInterval is how often queue depth is sampled. Default 15s.
	StatsInterval time.Duration
	// HeartbeatInterval is how often a held lease is extended. Default a
	// third of the queue visibility.
	HeartbeatInterval time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.HeavySlots <= 0 {
		c.HeavySlots = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ReleaseDelay <= 0 {
		c.ReleaseDelay = 5 * time.Second
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Pool executes queued jobs.
//
// # Thread Safety
//
// Run may be called once. All other state is owned by the running
// consumers.
type Pool struct {
	cfg    Config
	queue  Queue
	engine Engine
	heavy  *semaphore.Weighted
	logger *slog.Logger
}

// New builds a Pool.
func New(q Queue, eng Engine, cfg Config) (*Pool, error) {
	if q == nil || eng == nil {
		return nil, errors.New("worker: queue and engine are required")
	}
	cfg.applyDefaults()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = q.Visibility() / 3
	}
	if cfg.HeartbeatInterval <= 0 || cfg.HeartbeatInterval >= q.Visibility() {
		return nil, fmt.Errorf("worker: heartbeat interval %s must be positive and below the queue visibility %s",
			cfg.HeartbeatInterval, q.Visibility())
	}
	return &Pool{
		cfg:    cfg,
		queue:  q,
		engine: eng,
		heavy:  semaphore.NewWeighted(int64(cfg.HeavySlots)),
		logger: cfg.Logger.With("component", "worker"),
	}, nil
}

// Run consumes jobs until ctx is cancelled.
//
// # Description
//
// Consumers wake on queue notifications or after PollInterval, whichever is
// first. Jobs interrupted by cancellation are released for redelivery
// without being finalized.
//
// # Outputs
//
//   - error: nil after a clean shutdown.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool starting",
		"concurrency", p.cfg.Concurrency, "heavy_slots", p.cfg.HeavySlots)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		id := i
		g.Go(func() error {
			p.consume(gctx, id)
			return nil
		})
	}
	g.Go(func() error {
		p.sampleQueue(gctx)
		return nil
	})
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) consume(ctx context.Context, id int) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		lease, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error("dequeue failed", "consumer", id, "error", err)
			}
		}
		if lease != nil {
			p.handle(ctx, lease)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-p.queue.Notify():
		case <-ticker.C:
		}
	}
}

// disposition is what happens to a lease once its job is done with.
type disposition int

const (
	dispAck disposition = iota
	dispRelease
	// dispDrop leaves the lease alone because another consumer owns it.
	dispDrop
)

// handle runs one leased job to its acknowledgement or release. The lease is
// extended from the moment it is taken until then, so waiting for a heavy
// slot and running the stage both count against a live lease.
func (p *Pool) handle(ctx context.Context, lease *queue.Lease) {
	job := lease.Job
	log := p.logger.With("diagram_id", job.DiagramUID, "stage", job.Stage,
		"attempt", job.Attempt, "job_id", job.ID, "deliveries", job.Deliveries)

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := p.keepAlive(jobCtx, lease, cancel, log)
	disp, delay := p.process(jobCtx, job, log)
	stop()

	if disp != dispDrop && errors.Is(context.Cause(jobCtx), queue.ErrLeaseLost) {
		disp = dispDrop
	}
	switch disp {
	case dispAck:
		p.ack(lease, log)
	case dispRelease:
		p.release(lease, delay, log)
	case dispDrop:
		log.Warn("lease lost, attempt left to its new holder")
	}
}

// process begins, executes and finalizes job. ctx is cancelled on shutdown
// and when the lease is lost.
func (p *Pool) process(ctx context.Context, job queue.Job, log *slog.Logger) (disposition, time.Duration) {
	interrupted := func() (disposition, time.Duration) {
		if errors.Is(context.Cause(ctx), queue.ErrLeaseLost) {
			return dispDrop, 0
		}
		log.Info("job interrupted by shutdown")
		return dispRelease, 0
	}

	if p.engine.Registry().Heavy(job.Stage) {
		if err := p.heavy.Acquire(ctx, 1); err != nil {
			return interrupted()
		}
		p.cfg.Metrics.HeavySlotAcquired()
		defer func() {
			p.heavy.Release(1)
			p.cfg.Metrics.HeavySlotReleased()
		}()
	}

	req, err := p.engine.Begin(ctx, job)
	switch {
	case errors.Is(err, engine.ErrStaleJob):
		return dispAck, 0
	case err != nil && req == nil:
		if ctx.Err() != nil {
			return interrupted()
		}
		log.Error("begin failed", "error", err)
		return dispRelease, p.cfg.ReleaseDelay
	}

	var (
		res     *stages.Result
		elapsed time.Duration
	)
	if err == nil {
		start := time.Now()
		res, err = p.execute(ctx, *req, log)
		elapsed = time.Since(start)
		if ctx.Err() != nil {
			return interrupted()
		}
	}

	fctx := context.WithoutCancel(ctx)
	_, ferr := p.engine.Finalize(fctx, engine.FinalizeRequest{
		DiagramUID: job.DiagramUID,
		Stage:      job.Stage,
		Attempt:    job.Attempt,
		Result:     res,
		Err:        err,
		Duration:   elapsed,
	})
	switch {
	case ferr == nil, errors.Is(ferr, engine.ErrAlreadyFinalized), errors.Is(ferr, engine.ErrStaleJob):
		return dispAck, 0
	default:
		log.Error("finalize failed", "error", ferr)
		return dispRelease, p.cfg.ReleaseDelay
	}
}

// keepAlive extends lease every HeartbeatInterval until the returned stop
// func is called. Losing the lease cancels the job with queue.ErrLeaseLost.
func (p *Pool) keepAlive(ctx context.Context, lease *queue.Lease, cancel context.CancelCauseFunc, log *slog.Logger) func() {
	hbCtx, hbCancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
			}
			err := p.queue.Extend(hbCtx, lease, 0)
			switch {
			case err == nil:
			case errors.Is(err, queue.ErrLeaseLost):
				log.Warn("lease lost while job was running")
				cancel(queue.ErrLeaseLost)
				return
			case hbCtx.Err() != nil:
				return
			default:
				log.Warn("lease extension failed", "error", err)
			}
		}
	}()
	return func() {
		hbCancel()
		<-done
	}
}

type outcome struct {
	res *stages.Result
	err error
}

// execute runs the stage's collaborator. The context passed to it expires at
// the soft timeout; at the hard timeout the attempt is abandoned and fails
// as transient.
func (p *Pool) execute(ctx context.Context, req stages.Request, log *slog.Logger) (*stages.Result, error) {
	ctx, span := observability.Tracer().Start(ctx, "worker.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("diagram.id", req.DiagramUID.String()),
		attribute.String("stage", string(req.Stage)),
		attribute.Int("attempt", req.Attempt),
	)

	runner, err := p.engine.Registry().Runner(req.Stage)
	if err != nil {
		return nil, faults.Internal("worker", err)
	}
	budget := p.engine.Policy().For(req.Stage)

	p.cfg.Metrics.JobStarted(string(req.Stage))
	defer p.cfg.Metrics.JobEnded(string(req.Stage))

	softCtx, cancel := context.WithTimeout(ctx, budget.SoftTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				log.Error("panic in stage runner",
					slog.Any("panic", r),
					slog.String("stack", string(buf[:n])),
				)
				done <- outcome{err: faults.Internal("worker", fmt.Errorf("stage panicked: %v", r))}
			}
		}()
		res, err := runner.Run(softCtx, req)
		done <- outcome{res: res, err: err}
	}()

	hard := time.NewTimer(budget.HardTimeout)
	defer hard.Stop()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(o.err, context.DeadlineExceeded) && softCtx.Err() != nil && ctx.Err() == nil {
			return nil, faults.Transient("worker", fmt.Errorf("%s exceeded its %s time limit", req.Stage, budget.SoftTimeout))
		}
		return o.res, o.err
	case <-hard.C:
		log.Warn("stage abandoned at hard timeout", "hard_timeout", budget.HardTimeout)
		return nil, faults.Transient("worker", fmt.Errorf("%s abandoned after %s", req.Stage, budget.HardTimeout))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) ack(lease *queue.Lease, log *slog.Logger) {
	if err := p.queue.Ack(context.Background(), lease); err != nil {
		log.Warn("ack failed", "error", err)
	}
}

func (p *Pool) release(lease *queue.Lease, delay time.Duration, log *slog.Logger) {
	if err := p.queue.Release(context.Background(), lease, delay); err != nil {
		log.Warn("release failed", "error", err)
	}
}

func (p *Pool) sampleQueue(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		st, err := p.queue.Stats(ctx)
		if err == nil {
			p.cfg.Metrics.SetQueueDepth(st.Ready, st.Delayed, st.Leased)
		} else if ctx.Err() == nil {
			p.logger.Warn("queue stats failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
