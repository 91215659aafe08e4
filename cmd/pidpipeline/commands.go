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
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/pidpipeline/pkg/ux"
)

const defaultServerURL = "http://localhost:8080"

// --- Global Command Variables ---
var (
	serverURL      string
	outputMode     string
	configPath     string
	requestTimeout time.Duration

	printer *ux.Printer

	rootCmd = &cobra.Command{
		Use:   "pidpipeline",
		Short: "Run and drive the P&ID digitization pipeline",
		Long: `pidpipeline moves P&ID diagrams through detection, human validation,
segmentation, graph building and export.

'pidpipeline serve' runs the service. Every other command talks to a running
service at --server (or PIDPIPELINE_SERVER).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			mode, err := ux.ParseMode(outputMode, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			printer = ux.NewPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), mode)
			return nil
		},
	}

	// --- Service ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline service",
		Long: `Runs the HTTP API, the stage workers and the recovery sweep until
interrupted.

Examples:
  pidpipeline serve --config /etc/pidpipeline/config.yaml
  PIDPIPELINE_ADDR=:9090 pidpipeline serve`,
		Args: cobra.NoArgs,
		RunE: runServe, // Defined in cmd_serve.go
	}

	// --- Diagrams ---
	uploadCmd = &cobra.Command{
		Use:   "upload [image...]",
		Short: "Upload diagram images into a project",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runUpload, // Defined in cmd_diagrams.go
	}
	listCmd = &cobra.Command{
		Use:     "list",
		Short:   "List diagrams",
		Aliases: []string{"ls"},
		Args:    cobra.NoArgs,
		RunE:    runList,
	}
	statusCmd = &cobra.Command{
		Use:   "status [diagram-uid]",
		Short: "Show the status of a diagram",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
	runsCmd = &cobra.Command{
		Use:   "runs [diagram-uid]",
		Short: "List the stage runs of a diagram",
		Args:  cobra.ExactArgs(1),
		RunE:  runRuns,
	}
	artifactsCmd = &cobra.Command{
		Use:   "artifacts [diagram-uid]",
		Short: "List the artifacts of a diagram",
		Args:  cobra.ExactArgs(1),
		RunE:  runArtifacts,
	}
	flagCmd = &cobra.Command{
		Use:   "flag [diagram-uid] [artifact-type]",
		Short: "Mark an artifact for training export",
		Long: `Marks or unmarks an artifact for the training export.

Examples:
  pidpipeline flag 3f0c... coco_validated
  pidpipeline flag 3f0c... coco_validated --off`,
		Args: cobra.ExactArgs(2),
		RunE: runFlag,
	}
	deleteCmd = &cobra.Command{
		Use:   "delete [diagram-uid]",
		Short: "Delete a diagram and its files",
		Args:  cobra.ExactArgs(1),
		RunE:  runDelete,
	}
	watchCmd = &cobra.Command{
		Use:   "watch [diagram-uid]",
		Short: "Stream status changes of a diagram",
		Long: `Streams every status change of a diagram until it completes, fails,
is deleted, or the command is interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: runWatch,
	}

	// --- Stages ---
	triggerCmd = &cobra.Command{
		Use:   "trigger [diagram-uid] [stage]",
		Short: "Dispatch a pipeline stage",
		Long: `Dispatches one stage of a diagram. Triggering a stage that is already
running is reported as a duplicate, not an error.

Stages: detect, validate_bbox, segment, skeletonize, classify_junctions,
validate_masks, build_graph, validate_graph, generate_export`,
		Args: cobra.ExactArgs(2),
		RunE: runTrigger, // Defined in cmd_stages.go
	}
	retryCmd = &cobra.Command{
		Use:   "retry [diagram-uid]",
		Short: "Retry the stage a diagram failed at",
		Args:  cobra.ExactArgs(1),
		RunE:  runRetry,
	}
	openValidationCmd = &cobra.Command{
		Use:   "open-validation [diagram-uid]",
		Short: "Open the next human validation and print its editor URL",
		Args:  cobra.ExactArgs(1),
		RunE:  runOpenValidation,
	}
	fetchValidatedCmd = &cobra.Command{
		Use:   "fetch-validated [diagram-uid]",
		Short: "Pull the validated result of the open human stage",
		Args:  cobra.ExactArgs(1),
		RunE:  runFetchValidated,
	}

	// --- Tooling ---
	graphCmd = &cobra.Command{
		Use:   "graph [diagram-uid]",
		Short: "Print the status chain as a Graphviz DOT graph",
		Long: `Prints the status chain as DOT. With a diagram uid the diagram's current
status is highlighted.

Examples:
  pidpipeline graph | dot -Tsvg > chain.svg
  pidpipeline graph 3f0c... --failures`,
		Args: cobra.MaximumNArgs(1),
		RunE: runGraph, // Defined in cmd_graph.go
	}
	exportCmd = &cobra.Command{
		Use:   "export-training",
		Short: "Copy artifacts flagged for training to a directory or bucket",
		Long: `Reads the service database directly and copies every artifact flagged for
training, followed by a manifest.json.

Examples:
  pidpipeline export-training --dest ./training
  pidpipeline export-training --dest gs://pid-training/2025-06 --project thermo`,
		Args: cobra.NoArgs,
		RunE: runExport, // Defined in cmd_export.go
	}
)

func init() {
	server := os.Getenv("PIDPIPELINE_SERVER")
	if server == "" {
		server = defaultServerURL
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", server, "pipeline service URL")
	rootCmd.PersistentFlags().StringVarP(&outputMode, "output", "o", "auto", "output mode: auto, rich, plain or machine")
	rootCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", 2*time.Minute, "request timeout")

	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (YAML)")
	exportCmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (YAML)")
	exportCmd.Flags().StringVar(&exportDest, "dest", "", "destination directory or gs://bucket/prefix")
	exportCmd.Flags().StringVar(&exportProject, "project", "", "only export this project")
	exportCmd.Flags().StringSliceVar(&exportTypes, "type", nil, "only export these artifact types")
	exportCmd.Flags().StringVar(&exportCredentials, "credentials", "", "service account key for gs:// destinations")
	_ = exportCmd.MarkFlagRequired("dest")

	uploadCmd.Flags().StringVarP(&uploadProject, "project", "p", "", "project code")
	uploadCmd.Flags().BoolVar(&uploadDetect, "detect", false, "dispatch detection after each upload")
	_ = uploadCmd.MarkFlagRequired("project")

	listCmd.Flags().StringVarP(&listProject, "project", "p", "", "filter by project code")
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "page size (1-500)")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "rows to skip")

	flagCmd.Flags().BoolVar(&flagOff, "off", false, "unmark instead of mark")
	deleteCmd.Flags().BoolVarP(&deleteYes, "yes", "y", false, "do not ask for confirmation")

	graphCmd.Flags().BoolVar(&graphFailures, "failures", false, "include fail, defer and retry edges")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(uploadCmd, listCmd, statusCmd, runsCmd, artifactsCmd, flagCmd, deleteCmd, watchCmd)
	rootCmd.AddCommand(triggerCmd, retryCmd, openValidationCmd, fetchValidatedCmd)
	rootCmd.AddCommand(graphCmd, exportCmd)
}

func client() *apiClient {
	return newAPIClient(serverURL, requestTimeout)
}
