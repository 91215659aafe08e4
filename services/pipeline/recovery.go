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
	"log/slog"
	"sync"
	"time"
)

// Recoverer re-enqueues jobs that were committed but never reached the
// queue. engine.Engine implements it.
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}

// RecoveryScheduler runs Recover once at start and then on an interval.
//
// # Description
//
// Uses the ticker + done channel pattern. A failed sweep is logged and the
// next tick tries again.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type RecoveryScheduler struct {
	rec      Recoverer
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}
}

// NewRecoveryScheduler builds a scheduler. interval <= 0 selects one minute.
func NewRecoveryScheduler(rec Recoverer, interval time.Duration, logger *slog.Logger) *RecoveryScheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryScheduler{
		rec:      rec,
		interval: interval,
		logger:   logger.With("component", "recovery"),
	}
}

// Start begins the background loop.
//
// # Inputs
//
//   - ctx: Cancelling it stops the loop like Stop does.
//
// # Outputs
//
//   - error: Non-nil if the scheduler is already running.
func (s *RecoveryScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("recovery scheduler is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})

	s.logger.Info("recovery scheduler starting", "interval", s.interval.String())
	go s.runLoop(ctx, s.done, s.stopped)
	return nil
}

// Stop signals the loop and waits for the current sweep to finish. Safe to
// call more than once.
func (s *RecoveryScheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.done)
	stopped := s.stopped
	s.mu.Unlock()

	<-stopped
	s.logger.Info("recovery scheduler stopped")
	return nil
}

// RunNow performs one sweep immediately.
func (s *RecoveryScheduler) RunNow(ctx context.Context) (int, error) {
	return s.rec.Recover(ctx)
}

func (s *RecoveryScheduler) runLoop(ctx context.Context, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *RecoveryScheduler) sweep(ctx context.Context) {
	start := time.Now()
	n, err := s.rec.Recover(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("recovery sweep failed", "recovered", n, "error", err)
		}
		return
	}
	if n > 0 {
		s.logger.Warn("recovery sweep re-enqueued lost jobs",
			"recovered", n, "duration_ms", time.Since(start).Milliseconds())
		return
	}
	s.logger.Debug("recovery sweep found nothing")
}
