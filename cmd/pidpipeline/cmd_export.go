// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/pidpipeline/services/pipeline/artifacts"
	"github.com/AleutianAI/pidpipeline/services/pipeline/config"
	"github.com/AleutianAI/pidpipeline/services/pipeline/datatypes"
	"github.com/AleutianAI/pidpipeline/services/pipeline/export"
	"github.com/AleutianAI/pidpipeline/services/pipeline/store"
)

var (
	exportDest        string
	exportProject     string
	exportTypes       []string
	exportCredentials string
)

// exportTarget is a parsed --dest.
type exportTarget struct {
	Dir    string
	Bucket string
	Prefix string
}

// parseExportDest accepts a directory or gs://bucket[/prefix].
func parseExportDest(dest string) (exportTarget, error) {
	dest = strings.TrimSpace(dest)
	if dest == "" {
		return exportTarget{}, fmt.Errorf("--dest is required")
	}
	rest, ok := strings.CutPrefix(dest, "gs://")
	if !ok {
		if strings.Contains(dest, "://") {
			return exportTarget{}, fmt.Errorf("unsupported destination %q (want a directory or gs://bucket/prefix)", dest)
		}
		return exportTarget{Dir: dest}, nil
	}
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return exportTarget{}, fmt.Errorf("destination %q has no bucket", dest)
	}
	return exportTarget{Bucket: bucket, Prefix: strings.Trim(prefix, "/")}, nil
}

func openSink(ctx context.Context, t exportTarget, credentials string) (export.Sink, error) {
	if t.Bucket != "" {
		sink, err := export.NewGCSSink(ctx, export.GCSConfig{
			Bucket:          t.Bucket,
			Prefix:          t.Prefix,
			CredentialsFile: credentials,
		})
		if err != nil {
			return nil, err
		}
		return sink, nil
	}
	sink, err := export.NewDirSink(t.Dir)
	if err != nil {
		return nil, err
	}
	return sink, nil
}

func parseArtifactTypes(raw []string) ([]datatypes.ArtifactType, error) {
	out := make([]datatypes.ArtifactType, 0, len(raw))
	for _, r := range raw {
		t, err := datatypes.ParseArtifactType(strings.TrimSpace(r))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func runExport(cmd *cobra.Command, args []string) error {
	target, err := parseExportDest(exportDest)
	if err != nil {
		return err
	}
	types, err := parseArtifactTypes(exportTypes)
	if err != nil {
		return err
	}
	if exportProject != "" {
		if err := datatypes.ValidateProjectCode(exportProject); err != nil {
			return fmt.Errorf("invalid project code %q", exportProject)
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	db, err := store.OpenSQLite(store.SQLiteConfig{Path: cfg.Storage.DatabasePath, Logger: slog.Default()})
	if err != nil {
		return err
	}
	defer db.Close()

	sink, err := openSink(cmd.Context(), target, exportCredentials)
	if err != nil {
		return err
	}
	defer sink.Close()

	files, err := artifacts.NewFileStore(cfg.Storage.ArtifactRoot)
	if err != nil {
		return err
	}
	exporter := export.NewExporter(db, files, slog.Default())
	m, err := exporter.Export(cmd.Context(), sink, export.Filter{ProjectCode: exportProject, Types: types})
	if err != nil {
		return err
	}

	printer.Success(fmt.Sprintf("exported %d artifacts to %s", len(m.Entries), m.Location))
	var total int64
	for _, e := range m.Entries {
		total += e.Size
	}
	printer.KV("bytes", strconv.FormatInt(total, 10), "manifest", export.ManifestName)
	for _, missing := range m.Missing {
		printer.Warning("missing file: " + missing)
	}
	return nil
}
