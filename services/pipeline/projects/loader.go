// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package projects

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"
)

var extensions = []string{".yaml", ".yml"}

// Loader reads project files from one directory.
//
// # Thread Safety
//
// Safe for concurrent use. Concurrent Get calls for the same code share one
// file read.
type Loader struct {
	dir    string
	logger *slog.Logger

	mu     sync.RWMutex
	cache  map[string]*Project
	flight singleflight.Group
}

// NewLoader returns a loader over dir. The directory does not need to exist
// yet; Get reports ErrNotFound until it does.
func NewLoader(dir string, logger *slog.Logger) (*Loader, error) {
	if dir == "" {
		return nil, errors.New("projects directory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		dir:    dir,
		logger: logger,
		cache:  make(map[string]*Project),
	}, nil
}

// Dir returns the watched directory.
func (l *Loader) Dir() string { return l.dir }

// Get returns the project with code.
func (l *Loader) Get(ctx context.Context, code string) (*Project, error) {
	l.mu.RLock()
	p, ok := l.cache[code]
	l.mu.RUnlock()
	if ok {
		return p, nil
	}

	ch := l.flight.DoChan(code, func() (interface{}, error) {
		return l.load(code)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Project), nil
	}
}

func (l *Loader) load(code string) (*Project, error) {
	if strings.ContainsAny(code, `/\`) || code == "" || code == "." || code == ".." {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, code)
	}
	for _, ext := range extensions {
		path := filepath.Join(l.dir, code+ext)
		p, err := ParseFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.cache[code] = p
		l.mu.Unlock()
		l.logger.Debug("project loaded", "project_code", code, "path", path)
		return p, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNotFound, code)
}

// List parses every project file. Files that fail to parse are logged and
// skipped.
func (l *Loader) List(ctx context.Context) ([]*Project, error) {
	entries, err := os.ReadDir(l.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read projects directory: %w", err)
	}

	seen := make(map[string]bool)
	var out []*Project
	for _, e := range entries {
		if e.IsDir() || !isProjectFile(e.Name()) {
			continue
		}
		stem := stemOf(e.Name())
		if seen[stem] {
			continue
		}
		seen[stem] = true
		p, err := l.Get(ctx, stem)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			l.logger.Warn("skipping invalid project file", "file", e.Name(), "error", err)
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// Invalidate drops every cached project.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	l.cache = make(map[string]*Project)
	l.mu.Unlock()
}

// Watch drops the cache whenever a project file changes. It blocks until
// ctx is done.
func (l *Loader) Watch(ctx context.Context) error {
	if err := os.MkdirAll(l.dir, 0750); err != nil {
		return fmt.Errorf("create projects directory: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watch %s: %w", l.dir, err)
	}
	l.logger.Info("watching project configs", "dir", l.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isProjectFile(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			l.Invalidate()
			l.logger.Info("project config changed", "file", filepath.Base(ev.Name), "op", ev.Op.String())
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("project watcher error", "error", err)
		}
	}
}

func isProjectFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range extensions {
		if ext == e {
			return true
		}
	}
	return false
}
