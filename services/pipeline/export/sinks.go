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
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/AleutianAI/pidpipeline/services/pipeline/artifacts"
)

// DirSink writes objects into a local directory. Each object is written to a
// temporary file, synced and renamed into place.
type DirSink struct {
	files *artifacts.FileStore
}

// NewDirSink creates dir if needed.
func NewDirSink(dir string) (*DirSink, error) {
	fs, err := artifacts.NewFileStore(dir)
	if err != nil {
		return nil, fmt.Errorf("export directory: %w", err)
	}
	return &DirSink{files: fs}, nil
}

// Put implements Sink.
func (s *DirSink) Put(ctx context.Context, name string, r io.Reader) error {
	_, err := s.files.Write(ctx, name, r)
	return err
}

// Location implements Sink.
func (s *DirSink) Location() string { return s.files.Root() }

// Close implements Sink.
func (s *DirSink) Close() error { return nil }

// GCSConfig configures a GCSSink.
type GCSConfig struct {
	Bucket string
	// Prefix is prepended to every object name.
	Prefix string
	// CredentialsFile is a service account key. Empty uses application
	// default credentials.
	CredentialsFile string
	// Endpoint overrides the storage endpoint, e.g. an emulator.
	Endpoint string
}

// GCSSink writes objects into a Cloud Storage bucket.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSSink opens a storage client.
func NewGCSSink(ctx context.Context, cfg GCSConfig) (*GCSSink, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", cfg.CredentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSSink{client: client, bucket: cfg.Bucket, prefix: strings.Trim(cfg.Prefix, "/")}, nil
}

func (s *GCSSink) object(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// Put implements Sink.
func (s *GCSSink) Put(ctx context.Context, name string, r io.Reader) error {
	object := s.object(name)
	w := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType(name)
	w.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("failed to copy %s to GCS object %s: %w", name, object, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer for %s: %w", object, err)
	}
	return nil
}

// Location implements Sink.
func (s *GCSSink) Location() string {
	return "gs://" + path.Join(s.bucket, s.prefix)
}

// Close implements Sink.
func (s *GCSSink) Close() error { return s.client.Close() }

func contentType(name string) string {
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
