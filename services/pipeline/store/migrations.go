// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/pidpipeline/services/pipeline/status"
)

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS diagrams (
    uid                       TEXT PRIMARY KEY,
    number                    INTEGER NOT NULL UNIQUE,
    project_code              TEXT NOT NULL,
    original_filename         TEXT NOT NULL,
    status                    TEXT NOT NULL CHECK (status IN (%s)),
    error_message             TEXT,
    error_stage               TEXT,
    retry_stage               TEXT,
    cvat_task_id              INTEGER,
    cvat_job_id               INTEGER,
    image_width               INTEGER,
    image_height              INTEGER,
    detection_count           INTEGER,
    validated_detection_count INTEGER,
    segmentation_pixels       INTEGER,
    skeleton_pixels           INTEGER,
    junction_count            INTEGER,
    bridge_count              INTEGER,
    node_count                INTEGER,
    edge_count                INTEGER,
    version                   INTEGER NOT NULL DEFAULT 1,
    created_at                INTEGER NOT NULL,
    updated_at                INTEGER NOT NULL,
    CHECK ((status = 'error') = (error_stage IS NOT NULL AND error_message IS NOT NULL)),
    CHECK ((status = 'error') OR (error_stage IS NULL AND error_message IS NULL)),
    CHECK ((status = 'retrying') = (retry_stage IS NOT NULL))
);

CREATE INDEX IF NOT EXISTS idx_diagrams_project ON diagrams(project_code);
CREATE INDEX IF NOT EXISTS idx_diagrams_status ON diagrams(status);

CREATE TABLE IF NOT EXISTS stage_runs (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    diagram_uid   TEXT NOT NULL REFERENCES diagrams(uid) ON DELETE CASCADE,
    stage         TEXT NOT NULL,
    attempt       INTEGER NOT NULL CHECK (attempt >= 1),
    job_id        TEXT NOT NULL UNIQUE,
    outcome       TEXT NOT NULL CHECK (outcome IN ('pending', 'success', 'failure')),
    error_kind    TEXT,
    error_message TEXT,
    error_detail  TEXT,
    metrics       TEXT,
    queued_at     INTEGER,
    ready_at      INTEGER,
    started_at    INTEGER,
    completed_at  INTEGER,
    duration_ms   INTEGER,
    created_at    INTEGER NOT NULL,
    UNIQUE (diagram_uid, stage, attempt)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_stage_runs_one_pending
    ON stage_runs(diagram_uid, stage) WHERE outcome = 'pending';

CREATE INDEX IF NOT EXISTS idx_stage_runs_pending_queued
    ON stage_runs(outcome, queued_at);

CREATE TABLE IF NOT EXISTS artifacts (
    diagram_uid   TEXT NOT NULL REFERENCES diagrams(uid) ON DELETE CASCADE,
    artifact_type TEXT NOT NULL,
    stage         TEXT NOT NULL DEFAULT '',
    file_path     TEXT NOT NULL,
    file_size     INTEGER NOT NULL CHECK (file_size >= 0),
    for_training  INTEGER NOT NULL DEFAULT 0,
    created_at    INTEGER NOT NULL,
    PRIMARY KEY (diagram_uid, artifact_type)
);

CREATE INDEX IF NOT EXISTS idx_artifacts_training ON artifacts(for_training);
`

// schema renders the DDL with the status domain baked into the CHECK.
func schema() string {
	all := status.All()
	quoted := make([]string, len(all))
	for i, s := range all {
		quoted[i] = "'" + string(s) + "'"
	}
	return fmt.Sprintf(schemaTemplate, strings.Join(quoted, ", "))
}
