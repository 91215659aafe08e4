// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch streams status changes of a diagram.
package watch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/pidpipeline/services/pipeline/datatypes"
	"github.com/AleutianAI/pidpipeline/services/pipeline/status"
	"github.com/AleutianAI/pidpipeline/services/pipeline/store"
)

// Event is one observed change.
type Event = datatypes.StatusEvent

// Provider streams status changes.
type Provider interface {
	// Subscribe returns a stream of changes of diagram id, starting with its
	// current state. The stream closes when ctx is done, the diagram
	// completes or the diagram is deleted.
	//
	// # Outputs
	//
	//   - <-chan Event: The stream.
	//   - error: store.ErrNotFound for an unknown diagram.
	Subscribe(ctx context.Context, id uuid.UUID) (<-chan Event, error)
}

// Reader loads diagrams.
type Reader interface {
	GetDiagram(ctx context.Context, id uuid.UUID) (*datatypes.Diagram, error)
}

// DefaultInterval is the poll interval used when none is configured.
const DefaultInterval = 2 * time.Second

// Poller is a Provider that re-reads the diagram on an interval.
//
// # Thread Safety
//
// Safe for concurrent use. Each subscription runs its own goroutine.
type Poller struct {
	reader   Reader
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

var _ Provider = (*Poller)(nil)

// NewPoller builds a Poller. interval <= 0 selects DefaultInterval.
func NewPoller(r Reader, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{reader: r, interval: interval, logger: logger, now: time.Now}
}

// Subscribe implements Provider.
func (p *Poller) Subscribe(ctx context.Context, id uuid.UUID) (<-chan Event, error) {
	d, err := p.reader.GetDiagram(ctx, id)
	if err != nil {
		return nil, err
	}
	ch := make(chan Event, 1)
	go p.poll(ctx, d, ch)
	return ch, nil
}

func (p *Poller) poll(ctx context.Context, d *datatypes.Diagram, ch chan<- Event) {
	defer close(ch)
	id := d.UID

	last := p.event(d, "")
	if !p.send(ctx, ch, last) || d.Status == status.StatusCompleted {
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		d, err := p.reader.GetDiagram(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			p.logger.Info("watched diagram deleted", "diagram_id", id)
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("watch poll failed", "diagram_id", id, "error", err)
			}
			continue
		}

		ev := p.event(d, last.Status)
		if !changed(last, ev) {
			continue
		}
		if !p.send(ctx, ch, ev) {
			return
		}
		last = ev
		if d.Status == status.StatusCompleted {
			return
		}
	}
}

func (p *Poller) event(d *datatypes.Diagram, previous status.Status) Event {
	return Event{
		DiagramUID:   d.UID,
		Status:       d.Status,
		Previous:     previous,
		ErrorMessage: d.ErrorMessage,
		ErrorStage:   d.ErrorStage,
		RetryStage:   d.RetryStage,
		Version:      d.Version,
		ObservedAt:   p.now().UnixMilli(),
	}
}

func (p *Poller) send(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// changed compares the fields a watcher acts on. Version alone is not a
// change: statistics and external references bump it too.
func changed(a, b Event) bool {
	return a.Status != b.Status ||
		!sameStage(a.ErrorStage, b.ErrorStage) ||
		!sameStage(a.RetryStage, b.RetryStage) ||
		!sameString(a.ErrorMessage, b.ErrorMessage)
}

func sameStage(a, b *status.Stage) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
