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
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/pidpipeline/services/pipeline/datatypes"
	"github.com/AleutianAI/pidpipeline/services/pipeline/status"
)

var (
	uploadProject string
	uploadDetect  bool

	listProject string
	listStatus  string
	listLimit   int
	listOffset  int

	flagOff   bool
	deleteYes bool
)

func parseDiagramUID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid diagram uid %q", s)
	}
	return id, nil
}

func runUpload(cmd *cobra.Command, args []string) error {
	if err := datatypes.ValidateProjectCode(uploadProject); err != nil {
		return fmt.Errorf("invalid project code %q", uploadProject)
	}
	c := client()
	failed := 0
	for _, path := range args {
		d, err := c.Upload(cmd.Context(), uploadProject, path)
		if err != nil {
			printer.Error(fmt.Sprintf("%s: %v", path, err))
			failed++
			continue
		}
		printer.Success(fmt.Sprintf("%s uploaded as #%d %s", path, d.Number, d.UID))
		if !uploadDetect {
			continue
		}
		resp, err := c.Trigger(cmd.Context(), d.UID, status.StageDetect)
		if err != nil {
			printer.Warning(fmt.Sprintf("%s: detection not dispatched: %v", d.UID, err))
			continue
		}
		printDispatch(resp)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d uploads failed", failed, len(args))
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	q := datatypes.ListDiagramsQuery{
		ProjectCode: listProject,
		Status:      listStatus,
		Limit:       listLimit,
		Offset:      listOffset,
	}
	if err := q.Validate(); err != nil {
		return fmt.Errorf("invalid filter: %w", err)
	}
	list, err := client().List(cmd.Context(), q)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(list.Diagrams))
	for _, d := range list.Diagrams {
		rows = append(rows, []string{
			strconv.FormatInt(d.Number, 10),
			d.UID.String(),
			d.ProjectCode,
			printer.Status(string(d.Status)),
			d.OriginalFilename,
			d.UpdatedAt.Local().Format(time.DateTime),
		})
	}
	printer.Table([]string{"#", "UID", "PROJECT", "STATUS", "FILE", "UPDATED"}, rows)
	printer.Info(fmt.Sprintf("%d of %d diagrams", len(list.Diagrams), list.Total))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	id, err := parseDiagramUID(args[0])
	if err != nil {
		return err
	}
	s, err := client().Status(cmd.Context(), id)
	if err != nil {
		return err
	}
	printer.Title(fmt.Sprintf("Diagram #%d", s.Number))
	pairs := []string{
		"uid", s.DiagramUID.String(),
		"status", printer.Status(string(s.Status)),
	}
	if s.NextStage != nil {
		pairs = append(pairs, "next stage", string(*s.NextStage))
	}
	if s.ErrorStage != nil {
		pairs = append(pairs, "failed stage", string(*s.ErrorStage))
	}
	if s.ErrorMessage != nil {
		pairs = append(pairs, "error", *s.ErrorMessage)
	}
	if s.RetryStage != nil {
		pairs = append(pairs, "retrying", string(*s.RetryStage))
	}
	if s.ActiveRun != nil {
		pairs = append(pairs, "active run", fmt.Sprintf("%s attempt %d", s.ActiveRun.Stage, s.ActiveRun.Attempt))
	}
	for _, key := range statisticKeys {
		if v, ok := s.Statistics.Get(key); ok {
			pairs = append(pairs, key, strconv.FormatInt(v, 10))
		}
	}
	pairs = append(pairs, "artifacts", strconv.Itoa(len(s.Artifacts)))
	printer.KV(pairs...)
	return nil
}

// statisticKeys orders the counters printed by status.
var statisticKeys = []string{
	datatypes.StatDetectionCount,
	datatypes.StatValidatedDetectionCount,
	datatypes.StatSegmentationPixels,
	datatypes.StatSkeletonPixels,
	datatypes.StatJunctionCount,
	datatypes.StatBridgeCount,
	datatypes.StatNodeCount,
	datatypes.StatEdgeCount,
}

func runRuns(cmd *cobra.Command, args []string) error {
	id, err := parseDiagramUID(args[0])
	if err != nil {
		return err
	}
	runs, err := client().Runs(cmd.Context(), id)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		duration := "-"
		if r.DurationMS != nil {
			duration = (time.Duration(*r.DurationMS) * time.Millisecond).String()
		}
		errMsg := ""
		if r.ErrorMessage != nil {
			errMsg = *r.ErrorMessage
		}
		rows = append(rows, []string{
			string(r.Stage),
			strconv.Itoa(r.Attempt),
			string(r.Outcome),
			duration,
			r.CreatedAt.Local().Format(time.DateTime),
			errMsg,
		})
	}
	printer.Table([]string{"STAGE", "ATTEMPT", "OUTCOME", "DURATION", "CREATED", "ERROR"}, rows)
	return nil
}

func runArtifacts(cmd *cobra.Command, args []string) error {
	id, err := parseDiagramUID(args[0])
	if err != nil {
		return err
	}
	arts, err := client().Artifacts(cmd.Context(), id)
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(arts))
	for _, a := range arts {
		training := ""
		if a.ForTraining {
			training = "yes"
		}
		rows = append(rows, []string{
			string(a.Type),
			string(a.Stage),
			a.Path,
			strconv.FormatInt(a.Size, 10),
			training,
		})
	}
	printer.Table([]string{"TYPE", "STAGE", "PATH", "BYTES", "TRAINING"}, rows)
	return nil
}

func runFlag(cmd *cobra.Command, args []string) error {
	id, err := parseDiagramUID(args[0])
	if err != nil {
		return err
	}
	typ, err := datatypes.ParseArtifactType(args[1])
	if err != nil {
		return err
	}
	if err := client().SetTrainingFlag(cmd.Context(), id, typ, !flagOff); err != nil {
		return err
	}
	if flagOff {
		printer.Success(fmt.Sprintf("%s of %s removed from training", typ, id))
	} else {
		printer.Success(fmt.Sprintf("%s of %s marked for training", typ, id))
	}
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	id, err := parseDiagramUID(args[0])
	if err != nil {
		return err
	}
	if !deleteYes {
		fmt.Fprintf(cmd.OutOrStdout(), "Delete diagram %s and all of its files? [y/N] ", id)
		answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
			printer.Info("aborted")
			return nil
		}
	}
	if err := client().Delete(cmd.Context(), id); err != nil {
		return err
	}
	printer.Success(fmt.Sprintf("deleted %s", id))
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	id, err := parseDiagramUID(args[0])
	if err != nil {
		return err
	}
	return client().Watch(cmd.Context(), id, func(ev datatypes.StatusEvent) error {
		printEvent(ev)
		if ev.Status.IsTerminal() {
			return errStopWatch
		}
		return nil
	})
}

func printEvent(ev datatypes.StatusEvent) {
	at := time.UnixMilli(ev.ObservedAt).Local().Format(time.TimeOnly)
	line := fmt.Sprintf("%s  %s", at, printer.Status(string(ev.Status)))
	if ev.Previous != "" {
		line = fmt.Sprintf("%s  %s -> %s", at, ev.Previous, printer.Status(string(ev.Status)))
	}
	if ev.ErrorMessage != nil {
		line += ": " + *ev.ErrorMessage
	}
	printer.Info(line)
}
