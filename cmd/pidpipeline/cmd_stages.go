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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/pidpipeline/services/pipeline/datatypes"
	"github.com/AleutianAI/pidpipeline/services/pipeline/status"
)

func runTrigger(cmd *cobra.Command, args []string) error {
	id, err := parseDiagramUID(args[0])
	if err != nil {
		return err
	}
	stage, err := status.ParseStage(args[1])
	if err != nil {
		return err
	}
	resp, err := client().Trigger(cmd.Context(), id, stage)
	if err != nil {
		return err
	}
	return printDispatch(resp)
}

func runRetry(cmd *cobra.Command, args []string) error {
	id, err := parseDiagramUID(args[0])
	if err != nil {
		return err
	}
	resp, err := client().Retry(cmd.Context(), id)
	if err != nil {
		return err
	}
	return printDispatch(resp)
}

func runFetchValidated(cmd *cobra.Command, args []string) error {
	id, err := parseDiagramUID(args[0])
	if err != nil {
		return err
	}
	resp, err := client().FetchValidated(cmd.Context(), id)
	if err != nil {
		return err
	}
	return printDispatch(resp)
}

func runOpenValidation(cmd *cobra.Command, args []string) error {
	id, err := parseDiagramUID(args[0])
	if err != nil {
		return err
	}
	resp, err := client().OpenValidation(cmd.Context(), id)
	if err != nil {
		return err
	}
	switch datatypes.DispatchOutcome(resp.Outcome) {
	case datatypes.DispatchAccepted:
		printer.Success(fmt.Sprintf("%s opened", resp.Stage))
	case datatypes.DispatchDuplicate:
		printer.Info(fmt.Sprintf("%s was already open", resp.Stage))
	default:
		return fmt.Errorf("validation not opened: %s", resp.Outcome)
	}
	printer.Box("editor", resp.URL)
	return nil
}

// printDispatch reports a dispatch answer. A rejected dispatch is returned
// as an error so the exit code reflects it.
func printDispatch(resp *datatypes.DispatchResponse) error {
	switch resp.Outcome {
	case datatypes.DispatchAccepted:
		msg := fmt.Sprintf("%s dispatched for %s", resp.Stage, resp.DiagramUID)
		if resp.Attempt > 1 {
			msg += fmt.Sprintf(" (attempt %d)", resp.Attempt)
		}
		printer.Success(msg)
	case datatypes.DispatchDuplicate:
		printer.Info(fmt.Sprintf("%s is already running for %s", resp.Stage, resp.DiagramUID))
	default:
		reason := resp.Reason
		if reason == "" {
			reason = "rejected"
		}
		printer.Warning(fmt.Sprintf("%s not dispatched: %s", resp.Stage, reason))
		if resp.Status != "" {
			printer.KV("status", printer.Status(string(resp.Status)))
		}
		return fmt.Errorf("dispatch rejected")
	}
	if resp.JobID != nil {
		printer.KV("job", resp.JobID.String())
	}
	return nil
}
