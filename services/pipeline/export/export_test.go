// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package export

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/pidpipeline/services/pipeline/artifacts"
	"github.com/AleutianAI/pidpipeline/services/pipeline/datatypes"
	"github.com/AleutianAI/pidpipeline/services/pipeline/store"
)

type fakeSource struct {
	list []store.TrainingArtifact
	err  error
	got  string
}

func (f *fakeSource) TrainingArtifacts(_ context.Context, project string) ([]store.TrainingArtifact, error) {
	f.got = project
	return f.list, f.err
}

type failingSink struct{ *DirSink }

func (failingSink) Put(context.Context, string, io.Reader) error { return errors.New("bucket gone") }

func flagged(t *testing.T, files *artifacts.FileStore, number int64, typ datatypes.ArtifactType, body string) store.TrainingArtifact {
	t.Helper()
	id := uuid.New()
	rel, err := files.PathFor(id, typ, "")
	require.NoError(t, err)
	if body != "" {
		_, err = files.WriteFile(context.Background(), rel, []byte(body))
		require.NoError(t, err)
	}
	return store.TrainingArtifact{
		Artifact:    datatypes.Artifact{DiagramUID: id, Type: typ, Path: rel, Size: int64(len(body)), ForTraining: true},
		ProjectCode: "thermo",
		Number:      number,
	}
}

func TestObjectName(t *testing.T) {
	id := uuid.MustParse("0b6f3a52-61f7-4c54-9b43-1f0d2f7e4c11")
	a := store.TrainingArtifact{
		Artifact:    datatypes.Artifact{DiagramUID: id, Type: datatypes.ArtifactCOCOValidated, Path: id.String() + "/detection/coco_validated.json"},
		ProjectCode: "thermo",
		Number:      12,
	}
	assert.Equal(t, "thermo/12_0b6f3a52-61f7-4c54-9b43-1f0d2f7e4c11/coco_validated.json", ObjectName(a))
}

func TestExportToDirectory(t *testing.T) {
	files, err := artifacts.NewFileStore(t.TempDir())
	require.NoError(t, err)
	coco := flagged(t, files, 1, datatypes.ArtifactCOCOValidated, `{"images":[]}`)
	yolo := flagged(t, files, 1, datatypes.ArtifactYOLOValidated, "0 0.5 0.5 0.1 0.1")
	gone := flagged(t, files, 2, datatypes.ArtifactGraphValidated, "")
	src := &fakeSource{list: []store.TrainingArtifact{coco, yolo, gone}}

	dest := t.TempDir()
	sink, err := NewDirSink(dest)
	require.NoError(t, err)

	m, err := NewExporter(src, files, nil).Export(context.Background(), sink, Filter{ProjectCode: "thermo"})
	require.NoError(t, err)
	assert.Equal(t, "thermo", src.got)
	require.Len(t, m.Entries, 2)
	assert.Equal(t, []string{gone.Path}, m.Missing)
	assert.Equal(t, int64(len(`{"images":[]}`)), m.Entries[0].Size)

	raw, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(ObjectName(yolo))))
	require.NoError(t, err)
	assert.Equal(t, "0 0.5 0.5 0.1 0.1", string(raw))

	manifest, err := os.ReadFile(filepath.Join(dest, ManifestName))
	require.NoError(t, err)
	var decoded Manifest
	require.NoError(t, json.Unmarshal(manifest, &decoded))
	assert.Len(t, decoded.Entries, 2)
	assert.Equal(t, sink.Location(), decoded.Location)
}

func TestExportFiltersTypes(t *testing.T) {
	files, err := artifacts.NewFileStore(t.TempDir())
	require.NoError(t, err)
	src := &fakeSource{list: []store.TrainingArtifact{
		flagged(t, files, 1, datatypes.ArtifactCOCOValidated, "{}"),
		flagged(t, files, 1, datatypes.ArtifactPipeMaskValidated, "png"),
	}}
	sink, err := NewDirSink(t.TempDir())
	require.NoError(t, err)

	m, err := NewExporter(src, files, nil).Export(context.Background(), sink,
		Filter{Types: []datatypes.ArtifactType{datatypes.ArtifactPipeMaskValidated}})
	require.NoError(t, err)
	require.Len(t, m.Entries, 1)
	assert.Equal(t, datatypes.ArtifactPipeMaskValidated, m.Entries[0].Type)
	assert.True(t, strings.HasSuffix(m.Entries[0].Object, "pipe_mask_validated.png"))
}

func TestExportErrors(t *testing.T) {
	files, err := artifacts.NewFileStore(t.TempDir())
	require.NoError(t, err)
	sink, err := NewDirSink(t.TempDir())
	require.NoError(t, err)

	_, err = NewExporter(&fakeSource{err: errors.New("db closed")}, files, nil).Export(context.Background(), sink, Filter{})
	assert.ErrorContains(t, err, "db closed")

	src := &fakeSource{list: []store.TrainingArtifact{flagged(t, files, 1, datatypes.ArtifactCOCOValidated, "{}")}}
	_, err = NewExporter(src, files, nil).Export(context.Background(), failingSink{sink}, Filter{})
	assert.ErrorContains(t, err, "bucket gone")
}

func TestNewGCSSinkValidation(t *testing.T) {
	ctx := context.Background()
	_, err := NewGCSSink(ctx, GCSConfig{})
	assert.ErrorContains(t, err, "bucket is required")

	_, err = NewGCSSink(ctx, GCSConfig{Bucket: "b", CredentialsFile: "/nonexistent/key.json"})
	assert.ErrorContains(t, err, "service account key not found")
}

func TestGCSObjectNames(t *testing.T) {
	s := &GCSSink{bucket: "training", prefix: "exports/2025"}
	assert.Equal(t, "exports/2025/thermo/1_x/graph.json", s.object("thermo/1_x/graph.json"))
	assert.Equal(t, "gs://training/exports/2025", s.Location())
	assert.Equal(t, "application/json", contentType("a/manifest.json"))
	assert.Equal(t, "application/octet-stream", contentType("a/labels.txt0"))
}
