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
	"strconv"

	"github.com/awalterschulze/gographviz"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/pidpipeline/services/pipeline/status"
)

var graphFailures bool

const graphName = "pipeline"

// buildStatusGraph renders the status chain as a directed graph.
//
// # Description
//
// Every status is a node and every start and complete transition an edge
// labelled with its stage. Human stages are drawn as boxes. With failures
// set, fail and defer edges lead from each trigger status to error and
// retrying, and retry edges lead back. A non-empty current status is
// filled.
//
// # Outputs
//
//   - *gographviz.Graph: The graph, ready for String().
//   - error: Only if an attribute is rejected.
func buildStatusGraph(current status.Status, failures bool) (*gographviz.Graph, error) {
	g := gographviz.NewGraph()
	if err := g.SetName(graphName); err != nil {
		return nil, err
	}
	if err := g.SetDir(true); err != nil {
		return nil, err
	}
	if err := g.AddAttr(graphName, "rankdir", "LR"); err != nil {
		return nil, err
	}

	human := make(map[status.Status]bool)
	for _, st := range status.Stages() {
		if st.Human() {
			human[st.Trigger()] = true
		}
	}

	for _, s := range status.All() {
		attrs := map[string]string{"shape": "ellipse"}
		if human[s] {
			attrs["shape"] = "box"
		}
		switch s {
		case status.StatusCompleted:
			attrs["shape"] = "doublecircle"
		case status.StatusError:
			attrs["color"] = "red"
		case status.StatusRetrying:
			attrs["color"] = "orange"
		}
		if s == current {
			attrs["style"] = "filled"
			attrs["fillcolor"] = "\"#2CD7C7\""
		}
		if err := g.AddNode(graphName, string(s), attrs); err != nil {
			return nil, err
		}
	}

	for _, st := range status.Stages() {
		label := strconv.Quote(string(st))
		if err := g.AddEdge(string(st.Precondition()), string(st.Trigger()), true,
			map[string]string{"label": label}); err != nil {
			return nil, err
		}
		if err := g.AddEdge(string(st.Trigger()), string(st.Done()), true,
			map[string]string{"label": label, "style": "bold"}); err != nil {
			return nil, err
		}
		if !failures {
			continue
		}
		side := []struct {
			src, dst status.Status
			attrs    map[string]string
		}{
			{st.Trigger(), status.StatusError, map[string]string{"style": "dashed", "color": "red"}},
			{st.Trigger(), status.StatusRetrying, map[string]string{"style": "dashed", "color": "orange"}},
			{status.StatusError, st.Trigger(), map[string]string{"style": "dotted", "label": "\"retry\""}},
			{status.StatusRetrying, st.Trigger(), map[string]string{"style": "dotted", "label": "\"retry\""}},
		}
		for _, e := range side {
			if err := g.AddEdge(string(e.src), string(e.dst), true, e.attrs); err != nil {
				return nil, err
			}
		}
	}
	if failures {
		if err := g.AddEdge(string(status.StatusRetrying), string(status.StatusError), true,
			map[string]string{"style": "dashed", "color": "red"}); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func runGraph(cmd *cobra.Command, args []string) error {
	var current status.Status
	if len(args) == 1 {
		id, err := parseDiagramUID(args[0])
		if err != nil {
			return err
		}
		s, err := client().Status(cmd.Context(), id)
		if err != nil {
			return err
		}
		current = s.Status
	}
	g, err := buildStatusGraph(current, graphFailures)
	if err != nil {
		return fmt.Errorf("failed to build the status graph: %w", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), g.String())
	return nil
}
