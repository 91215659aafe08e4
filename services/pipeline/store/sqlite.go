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
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/AleutianAI/pidpipeline/services/pipeline/datatypes"
	"github.com/AleutianAI/pidpipeline/services/pipeline/faults"
	"github.com/AleutianAI/pidpipeline/services/pipeline/status"
)

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	// Path is the database file. Parent directories are created.
	Path string

	// BusyTimeout bounds how long a writer waits for the write lock.
	BusyTimeout time.Duration

	// MaxOpenConns caps the connection pool. Zero keeps the driver default.
	MaxOpenConns int

	Logger *slog.Logger
}

// SQLiteStore implements Store on modernc.org/sqlite.
//
// Every transaction is opened with BEGIN IMMEDIATE, which takes the database
// write lock up front. Read-modify-write sequences inside InTx therefore
// never interleave with another writer, in this process or another one
// sharing the file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) the database and applies the schema.
func OpenSQLite(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := fmt.Sprintf(
		"%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_txlock=immediate",
		cfg.Path, cfg.BusyTimeout.Milliseconds(),
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if _, err := db.Exec(schema()); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	cfg.Logger.Info("sqlite store opened", "path", cfg.Path)
	return &SQLiteStore{db: db, logger: cfg.Logger}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ---------- Transactions ----------

// InTx runs fn inside one immediate transaction.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// sqliteTx implements Tx over a *sql.Tx.
type sqliteTx struct {
	q querier
}

func (t *sqliteTx) GetDiagram(ctx context.Context, id uuid.UUID) (*datatypes.Diagram, error) {
	return getDiagram(ctx, t.q, id)
}

func (t *sqliteTx) PendingRun(ctx context.Context, id uuid.UUID, stage status.Stage) (*datatypes.StageRun, error) {
	return pendingRun(ctx, t.q, id, stage)
}

func (t *sqliteTx) GetRun(ctx context.Context, id uuid.UUID, stage status.Stage, attempt int) (*datatypes.StageRun, error) {
	return getRun(ctx, t.q, id, stage, attempt)
}

func (t *sqliteTx) LastAttempt(ctx context.Context, id uuid.UUID, stage status.Stage) (int, error) {
	return lastAttempt(ctx, t.q, id, stage)
}

func (t *sqliteTx) ListArtifacts(ctx context.Context, id uuid.UUID) ([]datatypes.Artifact, error) {
	return listArtifacts(ctx, t.q, id)
}

func (t *sqliteTx) GetArtifact(ctx context.Context, id uuid.UUID, at datatypes.ArtifactType) (*datatypes.Artifact, error) {
	return getArtifact(ctx, t.q, id, at)
}

func (t *sqliteTx) UpsertArtifact(ctx context.Context, a *datatypes.Artifact) error {
	return upsertArtifact(ctx, t.q, a)
}

func (t *sqliteTx) InsertRun(ctx context.Context, run *datatypes.StageRun) error {
	last, err := lastAttempt(ctx, t.q, run.DiagramUID, run.Stage)
	if err != nil {
		return err
	}
	if run.Attempt != last+1 {
		return fmt.Errorf("insert run: attempt %d for %s is not contiguous after %d", run.Attempt, run.Stage, last)
	}
	if run.JobID == uuid.Nil {
		run.JobID = uuid.New()
	}
	if run.Outcome == "" {
		run.Outcome = datatypes.OutcomePending
	}
	run.CreatedAt = time.Now().UTC()

	res, err := t.q.ExecContext(ctx,
		`INSERT INTO stage_runs (diagram_uid, stage, attempt, job_id, outcome, queued_at, ready_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.DiagramUID.String(), string(run.Stage), run.Attempt, run.JobID.String(),
		string(run.Outcome), nanosPtr(run.QueuedAt), nanosPtr(run.ReadyAt), nanos(run.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	run.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert run id: %w", err)
	}
	return nil
}

func (t *sqliteTx) MarkQueued(ctx context.Context, runID int64, at time.Time) error {
	return execOne(ctx, t.q, "mark queued",
		`UPDATE stage_runs SET queued_at = ? WHERE id = ? AND outcome = 'pending'`,
		nanos(at), runID)
}

func (t *sqliteTx) MarkStarted(ctx context.Context, runID int64, at time.Time) error {
	return execOne(ctx, t.q, "mark started",
		`UPDATE stage_runs SET started_at = COALESCE(started_at, ?) WHERE id = ? AND outcome = 'pending'`,
		nanos(at), runID)
}

func (t *sqliteTx) FinishRun(ctx context.Context, f RunFinish) (bool, error) {
	if f.Outcome != datatypes.OutcomeSuccess && f.Outcome != datatypes.OutcomeFailure {
		return false, fmt.Errorf("finish run: invalid outcome %q", f.Outcome)
	}
	var metrics any
	if len(f.Metrics) > 0 {
		raw, err := json.Marshal(f.Metrics)
		if err != nil {
			return false, fmt.Errorf("encode metrics: %w", err)
		}
		metrics = string(raw)
	}
	completed := nanos(f.CompletedAt)

	res, err := t.q.ExecContext(ctx,
		`UPDATE stage_runs SET
		     outcome = ?, error_kind = ?, error_message = ?, error_detail = ?, metrics = ?,
		     completed_at = ?,
		     duration_ms = CASE WHEN started_at IS NULL THEN NULL ELSE (? - started_at) / 1000000 END
		 WHERE diagram_uid = ? AND stage = ? AND attempt = ? AND outcome = 'pending'`,
		string(f.Outcome), nullString(string(f.ErrorKind)), nullString(f.ErrorMessage), nullString(f.ErrorDetail), metrics,
		completed, completed,
		f.DiagramUID.String(), string(f.Stage), f.Attempt,
	)
	if err != nil {
		return false, fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish run rows: %w", err)
	}
	return n == 1, nil
}

func (t *sqliteTx) SaveDiagram(ctx context.Context, d *datatypes.Diagram) error {
	if !d.Status.Valid() {
		return fmt.Errorf("save diagram: status %q outside domain", d.Status)
	}
	d.UpdatedAt = time.Now().UTC()
	st := d.Statistics
	res, err := t.q.ExecContext(ctx,
		`UPDATE diagrams SET
		     status = ?, error_message = ?, error_stage = ?, retry_stage = ?,
		     cvat_task_id = ?, cvat_job_id = ?,
		     detection_count = ?, validated_detection_count = ?, segmentation_pixels = ?,
		     skeleton_pixels = ?, junction_count = ?, bridge_count = ?, node_count = ?, edge_count = ?,
		     version = version + 1, updated_at = ?
		 WHERE uid = ? AND version = ?`,
		string(d.Status), d.ErrorMessage, stagePtr(d.ErrorStage), stagePtr(d.RetryStage),
		d.CVATTaskID, d.CVATJobID,
		st.DetectionCount, st.ValidatedDetectionCount, st.SegmentationPixels,
		st.SkeletonPixels, st.JunctionCount, st.BridgeCount, st.NodeCount, st.EdgeCount,
		nanos(d.UpdatedAt),
		d.UID.String(), d.Version,
	)
	if err != nil {
		return fmt.Errorf("save diagram: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save diagram rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("save diagram %s at version %d: %w", d.UID, d.Version, ErrVersionConflict)
	}
	d.Version++
	return nil
}

// ---------- Diagram lifecycle ----------

// CreateDiagram inserts d with the next display number.
func (s *SQLiteStore) CreateDiagram(ctx context.Context, d *datatypes.Diagram, original *datatypes.Artifact) error {
	if d.UID == uuid.Nil {
		d.UID = uuid.New()
	}
	d.Status = status.StatusUploaded
	d.Version = 1
	now := time.Now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now

	return s.InTx(ctx, func(tx Tx) error {
		q := tx.(*sqliteTx).q
		if err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(number), 0) + 1 FROM diagrams`).Scan(&d.Number); err != nil {
			return fmt.Errorf("next diagram number: %w", err)
		}
		_, err := q.ExecContext(ctx,
			`INSERT INTO diagrams (uid, number, project_code, original_filename, status,
			     image_width, image_height, version, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.UID.String(), d.Number, d.ProjectCode, d.OriginalFilename, string(d.Status),
			d.ImageWidth, d.ImageHeight, d.Version, nanos(now), nanos(now),
		)
		if err != nil {
			return fmt.Errorf("insert diagram: %w", err)
		}
		if original != nil {
			original.DiagramUID = d.UID
			if err := upsertArtifact(ctx, q, original); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetDiagram loads one diagram.
func (s *SQLiteStore) GetDiagram(ctx context.Context, id uuid.UUID) (*datatypes.Diagram, error) {
	return getDiagram(ctx, s.db, id)
}

// ListDiagrams returns one page of diagrams, newest first.
func (s *SQLiteStore) ListDiagrams(ctx context.Context, f DiagramFilter) ([]datatypes.Diagram, int, error) {
	var where []string
	var args []any
	if f.ProjectCode != "" {
		where = append(where, "project_code = ?")
		args = append(args, f.ProjectCode)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM diagrams`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count diagrams: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	pageArgs := append(append([]any{}, args...), limit, f.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+diagramColumns+` FROM diagrams`+clause+` ORDER BY number DESC LIMIT ? OFFSET ?`,
		pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list diagrams: %w", err)
	}
	defer rows.Close()

	var out []datatypes.Diagram
	for rows.Next() {
		d, err := scanDiagram(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *d)
	}
	return out, total, rows.Err()
}

// ProjectCounts counts diagrams per project.
func (s *SQLiteStore) ProjectCounts(ctx context.Context) (map[string]datatypes.ProjectCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_code, COUNT(*), COUNT(cvat_task_id) FROM diagrams GROUP BY project_code`)
	if err != nil {
		return nil, fmt.Errorf("count diagrams by project: %w", err)
	}
	defer rows.Close()

	out := make(map[string]datatypes.ProjectCounts)
	for rows.Next() {
		var code string
		var c datatypes.ProjectCounts
		if err := rows.Scan(&code, &c.Diagrams, &c.ValidationTasks); err != nil {
			return nil, fmt.Errorf("scan project counts: %w", err)
		}
		out[code] = c
	}
	return out, rows.Err()
}

// DeleteDiagram removes a diagram with its runs and artifacts.
func (s *SQLiteStore) DeleteDiagram(ctx context.Context, id uuid.UUID) error {
	return s.InTx(ctx, func(tx Tx) error {
		return execOne(ctx, tx.(*sqliteTx).q, "delete diagram", `DELETE FROM diagrams WHERE uid = ?`, id.String())
	})
}

// SetExternalRefs stores validation tool references outside the state machine.
func (s *SQLiteStore) SetExternalRefs(ctx context.Context, id uuid.UUID, taskID, jobID int64) error {
	return s.InTx(ctx, func(tx Tx) error {
		return execOne(ctx, tx.(*sqliteTx).q, "set external refs",
			`UPDATE diagrams SET cvat_task_id = ?, cvat_job_id = ?, version = version + 1, updated_at = ? WHERE uid = ?`,
			taskID, jobID, nanos(time.Now()), id.String())
	})
}

// ---------- Runs ----------

// PendingRun returns the pending run of (id, stage).
func (s *SQLiteStore) PendingRun(ctx context.Context, id uuid.UUID, stage status.Stage) (*datatypes.StageRun, error) {
	return pendingRun(ctx, s.db, id, stage)
}

// GetRun returns one run.
func (s *SQLiteStore) GetRun(ctx context.Context, id uuid.UUID, stage status.Stage, attempt int) (*datatypes.StageRun, error) {
	return getRun(ctx, s.db, id, stage, attempt)
}

// LastAttempt returns the highest attempt for (id, stage).
func (s *SQLiteStore) LastAttempt(ctx context.Context, id uuid.UUID, stage status.Stage) (int, error) {
	return lastAttempt(ctx, s.db, id, stage)
}

// ListRuns returns the run log of a diagram.
func (s *SQLiteStore) ListRuns(ctx context.Context, id uuid.UUID) ([]datatypes.StageRun, error) {
	return queryRuns(ctx, s.db, `SELECT `+runColumns+` FROM stage_runs WHERE diagram_uid = ? ORDER BY id`, id.String())
}

// QueuedPendingRuns returns every pending run that was handed to the queue.
func (s *SQLiteStore) QueuedPendingRuns(ctx context.Context) ([]datatypes.StageRun, error) {
	return queryRuns(ctx, s.db,
		`SELECT `+runColumns+` FROM stage_runs WHERE outcome = 'pending' AND queued_at IS NOT NULL ORDER BY id`)
}

// ---------- Artifacts ----------

// ListArtifacts returns the artifacts of a diagram.
func (s *SQLiteStore) ListArtifacts(ctx context.Context, id uuid.UUID) ([]datatypes.Artifact, error) {
	return listArtifacts(ctx, s.db, id)
}

// GetArtifact returns one artifact.
func (s *SQLiteStore) GetArtifact(ctx context.Context, id uuid.UUID, t datatypes.ArtifactType) (*datatypes.Artifact, error) {
	return getArtifact(ctx, s.db, id, t)
}

// UpsertArtifact inserts or replaces an artifact pointer.
func (s *SQLiteStore) UpsertArtifact(ctx context.Context, a *datatypes.Artifact) error {
	return s.InTx(ctx, func(tx Tx) error { return tx.UpsertArtifact(ctx, a) })
}

// SetTrainingFlag flags or unflags an artifact.
func (s *SQLiteStore) SetTrainingFlag(ctx context.Context, id uuid.UUID, t datatypes.ArtifactType, flag bool) error {
	return s.InTx(ctx, func(tx Tx) error {
		return execOne(ctx, tx.(*sqliteTx).q, "set training flag",
			`UPDATE artifacts SET for_training = ? WHERE diagram_uid = ? AND artifact_type = ?`,
			boolInt(flag), id.String(), string(t))
	})
}

// TrainingArtifacts lists artifacts flagged for retraining.
func (s *SQLiteStore) TrainingArtifacts(ctx context.Context, projectCode string) ([]TrainingArtifact, error) {
	query := `SELECT a.diagram_uid, a.artifact_type, a.stage, a.file_path, a.file_size, a.for_training, a.created_at,
	                 d.project_code, d.number
	          FROM artifacts a JOIN diagrams d ON d.uid = a.diagram_uid
	          WHERE a.for_training = 1`
	var args []any
	if projectCode != "" {
		query += ` AND d.project_code = ?`
		args = append(args, projectCode)
	}
	query += ` ORDER BY d.number, a.artifact_type`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list training artifacts: %w", err)
	}
	defer rows.Close()

	var out []TrainingArtifact
	for rows.Next() {
		var ta TrainingArtifact
		var uid, typ, stage string
		var training int
		var created int64
		if err := rows.Scan(&uid, &typ, &stage, &ta.Path, &ta.Size, &training, &created, &ta.ProjectCode, &ta.Number); err != nil {
			return nil, fmt.Errorf("scan training artifact: %w", err)
		}
		if ta.DiagramUID, err = uuid.Parse(uid); err != nil {
			return nil, fmt.Errorf("parse diagram uid: %w", err)
		}
		ta.Type = datatypes.ArtifactType(typ)
		ta.Stage = status.Stage(stage)
		ta.ForTraining = training == 1
		ta.CreatedAt = fromNanos(created)
		out = append(out, ta)
	}
	return out, rows.Err()
}

// ---------- Shared queries ----------

const diagramColumns = `uid, number, project_code, original_filename, status, error_message, error_stage,
	retry_stage, cvat_task_id, cvat_job_id, image_width, image_height,
	detection_count, validated_detection_count, segmentation_pixels, skeleton_pixels,
	junction_count, bridge_count, node_count, edge_count, version, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanDiagram(sc scanner) (*datatypes.Diagram, error) {
	var d datatypes.Diagram
	var uid, st string
	var errStage, retryStage sql.NullString
	var width, height sql.NullInt64
	var created, updated int64
	stats := &d.Statistics
	err := sc.Scan(&uid, &d.Number, &d.ProjectCode, &d.OriginalFilename, &st, &d.ErrorMessage, &errStage,
		&retryStage, &d.CVATTaskID, &d.CVATJobID, &width, &height,
		&stats.DetectionCount, &stats.ValidatedDetectionCount, &stats.SegmentationPixels, &stats.SkeletonPixels,
		&stats.JunctionCount, &stats.BridgeCount, &stats.NodeCount, &stats.EdgeCount,
		&d.Version, &created, &updated)
	if err != nil {
		return nil, err
	}
	if d.UID, err = uuid.Parse(uid); err != nil {
		return nil, fmt.Errorf("parse diagram uid: %w", err)
	}
	if d.Status, err = status.Parse(st); err != nil {
		return nil, err
	}
	if errStage.Valid {
		v := status.Stage(errStage.String)
		d.ErrorStage = &v
	}
	if retryStage.Valid {
		v := status.Stage(retryStage.String)
		d.RetryStage = &v
	}
	if width.Valid {
		v := int(width.Int64)
		d.ImageWidth = &v
	}
	if height.Valid {
		v := int(height.Int64)
		d.ImageHeight = &v
	}
	d.CreatedAt = fromNanos(created)
	d.UpdatedAt = fromNanos(updated)
	return &d, nil
}

func getDiagram(ctx context.Context, q querier, id uuid.UUID) (*datatypes.Diagram, error) {
	row := q.QueryRowContext(ctx, `SELECT `+diagramColumns+` FROM diagrams WHERE uid = ?`, id.String())
	d, err := scanDiagram(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("diagram %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query diagram: %w", err)
	}
	return d, nil
}

const runColumns = `id, diagram_uid, stage, attempt, job_id, outcome, error_kind, error_message, error_detail,
	metrics, queued_at, ready_at, started_at, completed_at, duration_ms, created_at`

func scanRun(sc scanner) (*datatypes.StageRun, error) {
	var r datatypes.StageRun
	var uid, stage, jobID, outcome string
	var kind, metrics sql.NullString
	var queued, ready, started, completed sql.NullInt64
	var created int64
	err := sc.Scan(&r.ID, &uid, &stage, &r.Attempt, &jobID, &outcome, &kind, &r.ErrorMessage, &r.ErrorDetail,
		&metrics, &queued, &ready, &started, &completed, &r.DurationMS, &created)
	if err != nil {
		return nil, err
	}
	if r.DiagramUID, err = uuid.Parse(uid); err != nil {
		return nil, fmt.Errorf("parse run diagram uid: %w", err)
	}
	if r.JobID, err = uuid.Parse(jobID); err != nil {
		return nil, fmt.Errorf("parse run job id: %w", err)
	}
	r.Stage = status.Stage(stage)
	r.Outcome = datatypes.RunOutcome(outcome)
	if kind.Valid {
		k := faults.Kind(kind.String)
		r.ErrorKind = &k
	}
	if metrics.Valid && metrics.String != "" {
		if err := json.Unmarshal([]byte(metrics.String), &r.Metrics); err != nil {
			return nil, fmt.Errorf("decode run metrics: %w", err)
		}
	}
	r.QueuedAt = fromNullNanos(queued)
	r.ReadyAt = fromNullNanos(ready)
	r.StartedAt = fromNullNanos(started)
	r.CompletedAt = fromNullNanos(completed)
	r.CreatedAt = fromNanos(created)
	return &r, nil
}

func queryRuns(ctx context.Context, q querier, query string, args ...any) ([]datatypes.StageRun, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var out []datatypes.StageRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func oneRun(ctx context.Context, q querier, what, query string, args ...any) (*datatypes.StageRun, error) {
	r, err := scanRun(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", what, err)
	}
	return r, nil
}

func pendingRun(ctx context.Context, q querier, id uuid.UUID, stage status.Stage) (*datatypes.StageRun, error) {
	return oneRun(ctx, q, "pending run",
		`SELECT `+runColumns+` FROM stage_runs WHERE diagram_uid = ? AND stage = ? AND outcome = 'pending'`,
		id.String(), string(stage))
}

func getRun(ctx context.Context, q querier, id uuid.UUID, stage status.Stage, attempt int) (*datatypes.StageRun, error) {
	return oneRun(ctx, q, "stage run",
		`SELECT `+runColumns+` FROM stage_runs WHERE diagram_uid = ? AND stage = ? AND attempt = ?`,
		id.String(), string(stage), attempt)
}

func lastAttempt(ctx context.Context, q querier, id uuid.UUID, stage status.Stage) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(attempt), 0) FROM stage_runs WHERE diagram_uid = ? AND stage = ?`,
		id.String(), string(stage)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("last attempt: %w", err)
	}
	return n, nil
}

const artifactColumns = `diagram_uid, artifact_type, stage, file_path, file_size, for_training, created_at`

func scanArtifact(sc scanner) (*datatypes.Artifact, error) {
	var a datatypes.Artifact
	var uid, typ, stage string
	var training int
	var created int64
	if err := sc.Scan(&uid, &typ, &stage, &a.Path, &a.Size, &training, &created); err != nil {
		return nil, err
	}
	var err error
	if a.DiagramUID, err = uuid.Parse(uid); err != nil {
		return nil, fmt.Errorf("parse artifact diagram uid: %w", err)
	}
	a.Type = datatypes.ArtifactType(typ)
	a.Stage = status.Stage(stage)
	a.ForTraining = training == 1
	a.CreatedAt = fromNanos(created)
	return &a, nil
}

func listArtifacts(ctx context.Context, q querier, id uuid.UUID) ([]datatypes.Artifact, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE diagram_uid = ? ORDER BY artifact_type`, id.String())
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()
	var out []datatypes.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func getArtifact(ctx context.Context, q querier, id uuid.UUID, t datatypes.ArtifactType) (*datatypes.Artifact, error) {
	a, err := scanArtifact(q.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE diagram_uid = ? AND artifact_type = ?`,
		id.String(), string(t)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %s of %s: %w", t, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query artifact: %w", err)
	}
	return a, nil
}

// upsertArtifact replaces path, size, stage and timestamp in place. A flag
// set by a user on an earlier version survives the replacement.
func upsertArtifact(ctx context.Context, q querier, a *datatypes.Artifact) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO artifacts (diagram_uid, artifact_type, stage, file_path, file_size, for_training, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (diagram_uid, artifact_type) DO UPDATE SET
		     stage = excluded.stage,
		     file_path = excluded.file_path,
		     file_size = excluded.file_size,
		     created_at = excluded.created_at`,
		a.DiagramUID.String(), string(a.Type), string(a.Stage), a.Path, a.Size, boolInt(a.ForTraining), nanos(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert artifact %s: %w", a.Type, err)
	}
	return nil
}

// ---------- Helpers ----------

func execOne(ctx context.Context, q querier, what, query string, args ...any) error {
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func nanosPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return nanos(*t)
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func stagePtr(s *status.Stage) any {
	if s == nil {
		return nil
	}
	return string(*s)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
