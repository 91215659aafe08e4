// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package export copies artifacts flagged for retraining to a sink.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/pidpipeline/services/pipeline/artifacts"
	"github.com/AleutianAI/pidpipeline/services/pipeline/datatypes"
	"github.com/AleutianAI/pidpipeline/services/pipeline/store"
)

// ManifestName is the object name of the manifest within a sink.
const ManifestName = "manifest.json"

// Sink receives exported objects. Names use forward slashes.
type Sink interface {
	Put(ctx context.Context, name string, r io.Reader) error
	// Location describes where objects end up, for logs and output.
	Location() string
	Close() error
}

// Source lists the flagged artifacts.
type Source interface {
	TrainingArtifacts(ctx context.Context, projectCode string) ([]store.TrainingArtifact, error)
}

// Filter narrows an export. Zero values select everything flagged.
type Filter struct {
	ProjectCode string
	Types       []datatypes.ArtifactType
}

// Entry describes one exported object.
type Entry struct {
	DiagramUID  uuid.UUID              `json:"diagram_uid"`
	Number      int64                  `json:"number"`
	ProjectCode string                 `json:"project_code"`
	Type        datatypes.ArtifactType `json:"artifact_type"`
	Object      string                 `json:"object"`
	Size        int64                  `json:"size"`
}

// Manifest is written next to the exported objects.
type Manifest struct {
	ExportedAt  time.Time `json:"exported_at"`
	ProjectCode string    `json:"project_code,omitempty"`
	Location    string    `json:"location"`
	Entries     []Entry   `json:"entries"`
	// Missing lists flagged artifacts whose file no longer exists.
	Missing []string `json:"missing,omitempty"`
}

// Exporter copies flagged artifacts from the file store to a sink.
type Exporter struct {
	source Source
	files  *artifacts.FileStore
	logger *slog.Logger
	now    func() time.Time
}

// NewExporter builds an Exporter.
func NewExporter(src Source, files *artifacts.FileStore, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{source: src, files: files, logger: logger, now: time.Now}
}

// ObjectName returns the sink name of an artifact:
// {project}/{number}_{uid}/{type}{ext}.
func ObjectName(a store.TrainingArtifact) string {
	return path.Join(
		a.ProjectCode,
		fmt.Sprintf("%d_%s", a.Number, a.DiagramUID),
		string(a.Type)+filepath.Ext(a.Path),
	)
}

// Export copies every artifact matching f into sink and writes the manifest
// last.
//
// # Description
//
// Artifacts whose file is gone are listed in Manifest.Missing and skipped.
// Any other read or write failure aborts the export; objects already written
// stay in the sink and are overwritten by the next export.
//
// # Outputs
//
//   - *Manifest: What was exported.
//   - error: Listing, read, or sink failure.
func (e *Exporter) Export(ctx context.Context, sink Sink, f Filter) (*Manifest, error) {
	list, err := e.source.TrainingArtifacts(ctx, f.ProjectCode)
	if err != nil {
		return nil, fmt.Errorf("list training artifacts: %w", err)
	}

	m := &Manifest{
		ExportedAt:  e.now().UTC(),
		ProjectCode: f.ProjectCode,
		Location:    sink.Location(),
		Entries:     []Entry{},
	}
	for _, a := range list {
		if len(f.Types) > 0 && !slices.Contains(f.Types, a.Type) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		name := ObjectName(a)
		size, err := e.copy(ctx, sink, a.Path, name)
		if errors.Is(err, fs.ErrNotExist) {
			e.logger.Warn("flagged artifact missing", "diagram_id", a.DiagramUID, "artifact_type", a.Type, "path", a.Path)
			m.Missing = append(m.Missing, a.Path)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("export %s: %w", name, err)
		}
		m.Entries = append(m.Entries, Entry{
			DiagramUID:  a.DiagramUID,
			Number:      a.Number,
			ProjectCode: a.ProjectCode,
			Type:        a.Type,
			Object:      name,
			Size:        size,
		})
	}

	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := sink.Put(ctx, ManifestName, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	e.logger.Info("training export finished",
		"location", m.Location, "project_code", f.ProjectCode,
		"exported", len(m.Entries), "missing", len(m.Missing))
	return m, nil
}

func (e *Exporter) copy(ctx context.Context, sink Sink, rel, name string) (int64, error) {
	f, err := e.files.Open(rel)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	cr := &countingReader{r: f}
	if err := sink.Put(ctx, name, cr); err != nil {
		return 0, err
	}
	return cr.n, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
