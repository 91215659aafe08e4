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
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/pidpipeline/pkg/logging"
	"github.com/AleutianAI/pidpipeline/services/pipeline"
	"github.com/AleutianAI/pidpipeline/services/pipeline/config"
)

// newServiceLogger builds the process logger from the logging section.
func newServiceLogger(cfg config.LoggingConfig, service string) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	format := logging.FormatAuto
	if cfg.JSON {
		format = logging.FormatJSON
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Dir,
		Service: service,
		Format:  format,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := newServiceLogger(cfg.Logging, cfg.Tracing.ServiceName)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	svc, err := pipeline.New(cmd.Context(), cfg, logger.Slog())
	if err != nil {
		logger.Slog().Error("failed to initialize the pipeline service", "error", err)
		return err
	}
	logger.Slog().Info("pipeline service starting", "addr", cfg.Server.Addr, "log_file", logger.FilePath())
	if err := svc.Run(cmd.Context()); err != nil {
		logger.Slog().Error("pipeline service stopped with an error", "error", err)
		return err
	}
	logger.Slog().Info("pipeline service stopped")
	return nil
}
