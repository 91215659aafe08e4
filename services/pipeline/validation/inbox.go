// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/AleutianAI/pidpipeline/services/pipeline/artifacts"
	"github.com/AleutianAI/pidpipeline/services/pipeline/datatypes"
	"github.com/AleutianAI/pidpipeline/services/pipeline/faults"
	"github.com/AleutianAI/pidpipeline/services/pipeline/stages"
	"github.com/AleutianAI/pidpipeline/services/pipeline/status"
)

// InboxTool hands a diagram to a browser editor that saves its results into
// the diagram's inbox directory, {uid}/validation/{stage}/, under the
// canonical file names of the stage's validated artifacts.
//
// The URL template may contain {diagram_id}, {stage} and {number}.
type InboxTool struct {
	urlTemplate string
	files       *artifacts.FileStore
}

// NewInboxTool builds an inbox tool.
func NewInboxTool(urlTemplate string, files *artifacts.FileStore) (*InboxTool, error) {
	if urlTemplate == "" {
		return nil, errors.New("editor url template is required")
	}
	if files == nil {
		return nil, errors.New("file store is required")
	}
	return &InboxTool{urlTemplate: urlTemplate, files: files}, nil
}

// InboxDir returns the absolute inbox directory of a diagram and stage.
func (t *InboxTool) InboxDir(id uuid.UUID, stage status.Stage) string {
	return filepath.Join(t.files.DiagramDir(id), "validation", string(stage))
}

// Open implements Tool. It creates the inbox directory.
func (t *InboxTool) Open(ctx context.Context, req OpenRequest) (*Handle, error) {
	if err := os.MkdirAll(t.InboxDir(req.DiagramUID, req.Stage), 0750); err != nil {
		return nil, faults.Transient("inbox open", err)
	}
	url := strings.NewReplacer(
		"{diagram_id}", req.DiagramUID.String(),
		"{stage}", string(req.Stage),
		"{number}", strconv.FormatInt(req.Number, 10),
	).Replace(t.urlTemplate)
	return &Handle{URL: url}, nil
}

// Fetch implements Tool. Every validated artifact of the stage must be in
// the inbox.
func (t *InboxTool) Fetch(ctx context.Context, req stages.Request) (*stages.Result, error) {
	const op = "inbox fetch"
	dir := t.InboxDir(req.DiagramUID, req.Stage)
	res := &stages.Result{}
	for _, typ := range datatypes.ArtifactsOf(req.Stage) {
		spec, _ := datatypes.LookupArtifact(typ)
		src := filepath.Join(dir, spec.FileName)
		f, err := os.Open(src)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, faults.InputInvalidf(op, "validated %s has not been saved yet", spec.FileName)
		}
		if err != nil {
			return nil, faults.Transient(op, err)
		}
		out, err := writeOutput(ctx, t.files, req, typ, f)
		f.Close()
		if err != nil {
			return nil, err
		}
		res.Outputs = append(res.Outputs, out)
	}
	return res, nil
}

// writeOutput durably writes r to the path the request assigned to typ.
func writeOutput(ctx context.Context, files *artifacts.FileStore, req stages.Request, typ datatypes.ArtifactType, r io.Reader) (artifacts.Output, error) {
	const op = "write validated output"
	dst, ok := req.Outputs[typ]
	if !ok {
		return artifacts.Output{}, faults.Internal(op, fmt.Errorf("no output path assigned for %s", typ))
	}
	rel, err := files.Rel(dst)
	if err != nil {
		return artifacts.Output{}, faults.Internal(op, err)
	}
	n, err := files.Write(ctx, rel, r)
	if err != nil {
		return artifacts.Output{}, faults.Transient(op, err)
	}
	return artifacts.Output{Type: typ, Path: rel, Size: n}, nil
}
