// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.level.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", LevelDebug},
		{"", LevelInfo},
		{"INFO", LevelInfo},
		{"warning", LevelWarn},
		{" error ", LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestNew_StreamJSONWhenNotTerminal(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Service: "pidpipeline", Output: &buf})
	require.NoError(t, err)
	defer l.Close()

	l.Slog().Info("diagram created", "number", 7)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "diagram created", rec["msg"])
	assert.Equal(t, "pidpipeline", rec["service"])
	assert.EqualValues(t, 7, rec["number"])
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Format: FormatText, Output: &buf})
	require.NoError(t, err)

	l.Slog().Warn("retry scheduled", "stage", "segment")
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "stage=segment")
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: LevelWarn, Format: FormatText, Output: &buf})
	require.NoError(t, err)

	l.Slog().Debug("hidden")
	l.Slog().Info("hidden too")
	l.Slog().Error("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNew_LogFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	var buf bytes.Buffer
	l, err := New(Config{LogDir: dir, Service: "worker", Format: FormatText, Output: &buf})
	require.NoError(t, err)

	l.With("diagram_id", "abc").Slog().Info("stage finished")
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	assert.True(t, strings.HasPrefix(filepath.Base(l.FilePath()), "worker_"))
	raw, err := os.ReadFile(l.FilePath())
	require.NoError(t, err)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(raw), &rec))
	assert.Equal(t, "stage finished", rec["msg"])
	assert.Equal(t, "abc", rec["diagram_id"])
	assert.Equal(t, "worker", rec["service"])
	assert.Contains(t, buf.String(), "stage finished")
}

func TestNew_QuietWithLogFile(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{LogDir: t.TempDir(), Quiet: true, Output: &buf})
	require.NoError(t, err)
	defer l.Close()

	l.Slog().Info("only in the file")
	assert.Empty(t, buf.String())
	assert.True(t, strings.HasPrefix(filepath.Base(l.FilePath()), "pidpipeline_"))
}

func TestNew_UnwritableLogDir(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	_, err := New(Config{LogDir: filepath.Join(blocker, "logs")})
	assert.Error(t, err)
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, IsTerminal(&bytes.Buffer{}))

	f, err := os.CreateTemp(t.TempDir(), "out")
	require.NoError(t, err)
	defer f.Close()
	assert.False(t, IsTerminal(f))
}

type failingHandler struct{ slog.Handler }

func (failingHandler) Handle(context.Context, slog.Record) error { return errors.New("disk full") }

func TestFanout(t *testing.T) {
	var a, b bytes.Buffer
	h := &fanout{handlers: []slog.Handler{
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelError}),
		slog.NewTextHandler(&b, nil),
	}}
	assert.True(t, h.Enabled(context.Background(), slog.LevelInfo))

	logger := slog.New(h.WithAttrs([]slog.Attr{slog.String("k", "v")}).WithGroup("g"))
	logger.Info("info only in b", "x", 1)
	assert.Empty(t, a.String())
	assert.Contains(t, b.String(), "k=v")
	assert.Contains(t, b.String(), "g.x=1")

	failing := &fanout{handlers: []slog.Handler{failingHandler{slog.NewTextHandler(&a, nil)}}}
	err := failing.Handle(context.Background(), slog.Record{})
	assert.EqualError(t, err, "disk full")
}

func TestLogger_ConcurrentUse(t *testing.T) {
	l, err := New(Config{LogDir: t.TempDir(), Quiet: true})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.Slog().Info("tick", "worker", i, "n", j)
			}
		}(i)
	}
	wg.Wait()
	require.NoError(t, l.Close())

	raw, err := os.ReadFile(l.FilePath())
	require.NoError(t, err)
	assert.Equal(t, 400, strings.Count(string(raw), "\n"))
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "logs"), expandPath("~/logs"))
	assert.Equal(t, "/var/log", expandPath("/var/log"))
	assert.Equal(t, "relative", expandPath("relative"))
}
