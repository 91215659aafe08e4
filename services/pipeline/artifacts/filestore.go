// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package artifacts stores diagram files and records them as artifacts.
//
// # Description
//
// FileStore lays files out under one directory per diagram:
//
//	{root}/{diagram_uid}/{stage dir}/{file}
//
// Writes go to a temporary file in the target directory, are fsynced, renamed
// into place and followed by an fsync of the directory, so a path that exists
// always names a complete file.
//
// Recorder turns stage outputs into artifact pointers. It only accepts files
// that are declared by the stage, live inside the diagram's directory and
// match the size the stage reported.
package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/AleutianAI/pidpipeline/services/pipeline/datatypes"
)

// ErrOutsideRoot is returned for paths that escape the store root.
var ErrOutsideRoot = errors.New("path escapes artifact store")

// FileStore is the per-diagram file layout on local disk.
type FileStore struct {
	root string
}

// NewFileStore creates root if needed.
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("artifact store root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact root: %w", err)
	}
	if err := os.MkdirAll(abs, 0750); err != nil {
		return nil, fmt.Errorf("create artifact root %s: %w", abs, err)
	}
	return &FileStore{root: abs}, nil
}

// Root returns the absolute store root.
func (s *FileStore) Root() string { return s.root }

// DiagramDir returns the absolute directory of a diagram.
func (s *FileStore) DiagramDir(id uuid.UUID) string {
	return filepath.Join(s.root, id.String())
}

// PathFor returns the canonical relative path of t for diagram id. A
// non-empty ext replaces the extension of the canonical file name.
func (s *FileStore) PathFor(id uuid.UUID, t datatypes.ArtifactType, ext string) (string, error) {
	spec, ok := datatypes.LookupArtifact(t)
	if !ok {
		return "", fmt.Errorf("unknown artifact type %q", t)
	}
	name := spec.FileName
	if ext != "" {
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		name = strings.TrimSuffix(name, filepath.Ext(name)) + strings.ToLower(ext)
	}
	return filepath.ToSlash(filepath.Join(id.String(), spec.Dir, name)), nil
}

// Abs resolves a store-relative path.
func (s *FileStore) Abs(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s is absolute", ErrOutsideRoot, rel)
	}
	abs := filepath.Join(s.root, filepath.FromSlash(rel))
	if !s.contains(abs) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}
	return abs, nil
}

// Rel converts an absolute or store-relative path into a clean
// store-relative path.
func (s *FileStore) Rel(path string) (string, error) {
	abs := path
	if !filepath.IsAbs(path) {
		abs = filepath.Join(s.root, filepath.FromSlash(path))
	}
	abs = filepath.Clean(abs)
	if !s.contains(abs) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}
	return filepath.ToSlash(rel), nil
}

func (s *FileStore) contains(abs string) bool {
	abs = filepath.Clean(abs)
	return strings.HasPrefix(abs, s.root+string(filepath.Separator))
}

// Write stores r at rel durably and returns the bytes written.
func (s *FileStore) Write(ctx context.Context, rel string, r io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	path, err := s.Abs(rel)
	if err != nil {
		return 0, err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return 0, fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r})
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("write %s: %w", rel, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("sync %s: %w", rel, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close %s: %w", rel, err)
	}
	if err := os.Chmod(tmpPath, 0640); err != nil {
		return 0, fmt.Errorf("chmod %s: %w", rel, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return 0, fmt.Errorf("rename %s: %w", rel, err)
	}
	success = true

	if err := syncDir(dir); err != nil {
		return 0, fmt.Errorf("sync directory of %s: %w", rel, err)
	}
	return n, nil
}

// WriteFile is Write for in-memory content.
func (s *FileStore) WriteFile(ctx context.Context, rel string, data []byte) (int64, error) {
	return s.Write(ctx, rel, bytes.NewReader(data))
}

// Stat returns the size of the file at rel.
func (s *FileStore) Stat(rel string) (int64, error) {
	path, err := s.Abs(rel)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", rel)
	}
	return info.Size(), nil
}

// Open opens the file at rel for reading.
func (s *FileStore) Open(rel string) (*os.File, error) {
	path, err := s.Abs(rel)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

// RemoveDiagram deletes every file of a diagram.
func (s *FileStore) RemoveDiagram(id uuid.UUID) error {
	if err := os.RemoveAll(s.DiagramDir(id)); err != nil {
		return fmt.Errorf("remove diagram directory: %w", err)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
