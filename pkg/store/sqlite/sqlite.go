// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides a SQLite store.Store implementation for
// single-node deployments, mirroring the teacher's
// internal/controller/backend/sqlite layout: one table per entity,
// JSON-blob columns for the nested structures (nodes/edges/context/
// executionPath) alongside indexed scalar columns for the predicates
// spec.md §6 names.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nextlane/flowengine/pkg/engine"
	"github.com/nextlane/flowengine/pkg/store"
)

// Store is a SQLite-backed store.Store.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path ("file::memory:?cache=shared" for tests).
	Path string
	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New opens (creating if needed) a SQLite database and runs migrations.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}

	s := &Store{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context, wal bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if wal {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("exec %s: %w", p, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS definitions (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			trigger_type TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			runs_count INTEGER NOT NULL DEFAULT 0,
			success_count INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0,
			last_run_at TEXT,
			document TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			deleted_at TEXT,
			version INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_definitions_trigger ON definitions(tenant_id, trigger_type, is_active)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			definition_id TEXT NOT NULL,
			lead_id TEXT NOT NULL,
			status TEXT NOT NULL,
			phone TEXT,
			provider_call_id TEXT,
			provider_conversation_id TEXT,
			task_id TEXT,
			reply_timeout_at TEXT,
			call_timeout_at TEXT,
			document TEXT NOT NULL,
			started_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_lookup ON runs(tenant_id, definition_id, lead_id, status, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_reply_wait ON runs(status, reply_timeout_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_call_wait ON runs(status, call_timeout_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_phone ON runs(tenant_id, phone, status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_call_id ON runs(provider_call_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_conversation_id ON runs(provider_conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_task_id ON runs(task_id)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			status TEXT NOT NULL,
			scheduled_for TEXT NOT NULL,
			document TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_sched ON jobs(status, scheduled_for)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_run ON jobs(run_id)`,
		`CREATE TABLE IF NOT EXISTS execution_log (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			document TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_log_run_ts ON execution_log(run_id, timestamp)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// -- DefinitionStore --

func (s *Store) CreateDefinition(ctx context.Context, def *engine.Definition) error {
	now := time.Now().UTC()
	def.CreatedAt, def.UpdatedAt = now, now
	if def.Version == 0 {
		def.Version = 1
	}
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("sqlite: marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO definitions (id, tenant_id, name, trigger_type, is_active, runs_count,
			success_count, failure_count, last_run_at, document, created_at, updated_at, deleted_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.TenantID, def.Name, string(def.Trigger), boolInt(def.IsActive),
		def.RunsCount, def.SuccessCount, def.FailureCount, formatTime(def.LastRunAt),
		string(doc), formatRFC3339(now), formatRFC3339(now), nil, def.Version,
	)
	if err != nil {
		return fmt.Errorf("sqlite: create definition: %w", err)
	}
	return nil
}

func (s *Store) GetDefinition(ctx context.Context, id string) (*engine.Definition, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM definitions WHERE id = ? AND deleted_at IS NULL`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get definition: %w", err)
	}
	var def engine.Definition
	if err := json.Unmarshal([]byte(doc), &def); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal definition: %w", err)
	}
	return &def, nil
}

func (s *Store) ActiveDefinitionsForTrigger(ctx context.Context, tenantID string, triggerType engine.TriggerType) ([]*engine.Definition, error) {
	normalized := engine.NormalizeTriggerType(triggerType)
	rows, err := s.db.QueryContext(ctx, `
		SELECT document FROM definitions
		WHERE tenant_id = ? AND is_active = 1 AND deleted_at IS NULL`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list active definitions: %w", err)
	}
	defer rows.Close()

	var defs []*engine.Definition
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("sqlite: scan definition: %w", err)
		}
		var def engine.Definition
		if err := json.Unmarshal([]byte(doc), &def); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal definition: %w", err)
		}
		if engine.NormalizeTriggerType(def.Trigger) == normalized {
			defs = append(defs, &def)
		}
	}
	return defs, rows.Err()
}

func (s *Store) UpdateDefinitionStats(ctx context.Context, def *engine.Definition, mutate func(*engine.Definition)) error {
	current, err := s.GetDefinition(ctx, def.ID)
	if err != nil {
		return err
	}
	if current.Version != def.Version {
		return store.ErrVersionConflict
	}
	mutate(current)
	current.Version++
	current.UpdatedAt = time.Now().UTC()

	doc, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("sqlite: marshal definition: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE definitions SET runs_count = ?, success_count = ?, failure_count = ?,
			last_run_at = ?, document = ?, updated_at = ?, version = ?
		WHERE id = ? AND version = ?`,
		current.RunsCount, current.SuccessCount, current.FailureCount, formatTime(current.LastRunAt),
		string(doc), formatRFC3339(current.UpdatedAt), current.Version, current.ID, def.Version,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update definition stats: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrVersionConflict
	}
	*def = *current
	return nil
}

func (s *Store) SoftDeleteDefinition(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE definitions SET deleted_at = ?, is_active = 0 WHERE id = ?`,
		formatRFC3339(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("sqlite: soft delete definition: %w", err)
	}
	return nil
}

// -- RunStore --

func runIndexCols(run *engine.Run) (phone, callID, convID, taskID sql.NullString, replyTimeout, callTimeout sql.NullString) {
	lead, _ := run.Context["lead"].(map[string]any)
	if p, ok := engine.NewLeadView(lead).NormalizedPhone(""); ok {
		phone = sql.NullString{String: p, Valid: true}
	}
	if run.WaitingForCall != nil {
		if run.WaitingForCall.ProviderCallID != "" {
			callID = sql.NullString{String: run.WaitingForCall.ProviderCallID, Valid: true}
		}
		if run.WaitingForCall.ProviderConversationID != "" {
			convID = sql.NullString{String: run.WaitingForCall.ProviderConversationID, Valid: true}
		}
		callTimeout = sql.NullString{String: formatRFC3339(run.WaitingForCall.TimeoutAt), Valid: true}
	}
	if run.WaitingForTask != nil && run.WaitingForTask.TaskID != "" {
		taskID = sql.NullString{String: run.WaitingForTask.TaskID, Valid: true}
	}
	if run.WaitingForReply != nil {
		replyTimeout = sql.NullString{String: formatRFC3339(run.WaitingForReply.TimeoutAt), Valid: true}
	}
	return
}

func (s *Store) CreateRun(ctx context.Context, run *engine.Run) error {
	now := time.Now().UTC()
	run.UpdatedAt = now
	if run.Version == 0 {
		run.Version = 1
	}
	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("sqlite: marshal run: %w", err)
	}
	phone, callID, convID, taskID, replyTimeout, callTimeout := runIndexCols(run)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, tenant_id, definition_id, lead_id, status, phone, provider_call_id,
			provider_conversation_id, task_id, reply_timeout_at, call_timeout_at, document, started_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TenantID, run.DefinitionID, run.LeadID, string(run.Status), phone, callID, convID, taskID,
		replyTimeout, callTimeout, string(doc), formatRFC3339(run.StartedAt), formatRFC3339(now), run.Version,
	)
	if err != nil {
		return fmt.Errorf("sqlite: create run: %w", err)
	}
	return nil
}

func scanRun(row interface{ Scan(...any) error }) (*engine.Run, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		return nil, err
	}
	var run engine.Run
	if err := json.Unmarshal([]byte(doc), &run); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal run: %w", err)
	}
	return &run, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*engine.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT document FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get run: %w", err)
	}
	return run, nil
}

func (s *Store) UpdateRun(ctx context.Context, run *engine.Run) error {
	current, err := s.GetRun(ctx, run.ID)
	if err != nil {
		return err
	}
	if current.Version != run.Version {
		return store.ErrVersionConflict
	}
	run.Version = current.Version + 1
	run.UpdatedAt = time.Now().UTC()

	doc, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("sqlite: marshal run: %w", err)
	}
	phone, callID, convID, taskID, replyTimeout, callTimeout := runIndexCols(run)
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, phone = ?, provider_call_id = ?, provider_conversation_id = ?,
			task_id = ?, reply_timeout_at = ?, call_timeout_at = ?, document = ?, updated_at = ?, version = ?
		WHERE id = ? AND version = ?`,
		string(run.Status), phone, callID, convID, taskID, replyTimeout, callTimeout,
		string(doc), formatRFC3339(run.UpdatedAt), run.Version, run.ID, current.Version,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrVersionConflict
	}
	return nil
}

func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]*engine.Run, error) {
	query := `SELECT document FROM runs WHERE 1=1`
	var args []any
	if filter.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	if filter.DefinitionID != "" {
		query += ` AND definition_id = ?`
		args = append(args, filter.DefinitionID)
	}
	if filter.LeadID != "" {
		query += ` AND lead_id = ?`
		args = append(args, filter.LeadID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY updated_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return s.queryRuns(ctx, query, args...)
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]*engine.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query runs: %w", err)
	}
	defer rows.Close()

	var runs []*engine.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *Store) HasRunEverExisted(ctx context.Context, definitionID, leadID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM runs WHERE definition_id = ? AND lead_id = ?`, definitionID, leadID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlite: has run ever existed: %w", err)
	}
	return n > 0, nil
}

func (s *Store) HasActiveRun(ctx context.Context, definitionID, leadID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM runs WHERE definition_id = ? AND lead_id = ?
		AND status IN ('pending','running','waitingForReply','waitingForCall','waitingForTask')`,
		definitionID, leadID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlite: has active run: %w", err)
	}
	return n > 0, nil
}

func (s *Store) MostRecentRunStart(ctx context.Context, definitionID, leadID string) (time.Time, bool, error) {
	var startedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT started_at FROM runs WHERE definition_id = ? AND lead_id = ?
		ORDER BY started_at DESC LIMIT 1`, definitionID, leadID).Scan(&startedAt)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("sqlite: most recent run start: %w", err)
	}
	t, err := time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("sqlite: parse started_at: %w", err)
	}
	return t, true, nil
}

func (s *Store) FindActiveRunsByPhone(ctx context.Context, tenantID, phone string) ([]*engine.Run, error) {
	return s.queryRuns(ctx, `
		SELECT document FROM runs WHERE tenant_id = ? AND phone = ? AND status = 'waitingForReply'
		ORDER BY updated_at DESC`, tenantID, phone)
}

func (s *Store) FindRunByProviderCallID(ctx context.Context, callID string) (*engine.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT document FROM runs WHERE provider_call_id = ? LIMIT 1`, callID))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: find run by call id: %w", err)
	}
	return run, nil
}

func (s *Store) FindRunByProviderConversationID(ctx context.Context, conversationID string) (*engine.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT document FROM runs WHERE provider_conversation_id = ? LIMIT 1`, conversationID))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: find run by conversation id: %w", err)
	}
	return run, nil
}

func (s *Store) FindRunByTaskID(ctx context.Context, taskID string) (*engine.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT document FROM runs WHERE task_id = ? LIMIT 1`, taskID))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: find run by task id: %w", err)
	}
	return run, nil
}

func (s *Store) FindStuckRuns(ctx context.Context, olderThan time.Time) ([]*engine.Run, error) {
	return s.queryRuns(ctx, `
		SELECT document FROM runs
		WHERE status IN ('pending','running','waitingForReply','waitingForCall','waitingForTask')
		AND updated_at < ?`, formatRFC3339(olderThan))
}

func (s *Store) FindExpiredReplyWaits(ctx context.Context, asOf time.Time) ([]*engine.Run, error) {
	return s.queryRuns(ctx, `
		SELECT document FROM runs WHERE status = 'waitingForReply' AND reply_timeout_at IS NOT NULL AND reply_timeout_at <= ?`,
		formatRFC3339(asOf))
}

func (s *Store) FindExpiredCallWaits(ctx context.Context, asOf time.Time) ([]*engine.Run, error) {
	return s.queryRuns(ctx, `
		SELECT document FROM runs WHERE status = 'waitingForCall' AND call_timeout_at IS NOT NULL AND call_timeout_at <= ?`,
		formatRFC3339(asOf))
}

func (s *Store) DeleteOlderThan(ctx context.Context, statuses []engine.RunStatus, cutoff time.Time) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	placeholders := ""
	args := []any{}
	for i, st := range statuses {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, string(st))
	}
	args = append(args, formatRFC3339(cutoff))
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM runs WHERE status IN (%s) AND updated_at < ?`, placeholders), args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete older than: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) CountRuns(ctx context.Context, filter store.RunFilter, since time.Time) (int, error) {
	query := `SELECT COUNT(1) FROM runs WHERE 1=1`
	var args []any
	if filter.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !since.IsZero() {
		query += ` AND updated_at >= ?`
		args = append(args, formatRFC3339(since))
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count runs: %w", err)
	}
	return n, nil
}

// -- JobStore --

func (s *Store) CreateJob(ctx context.Context, job *engine.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("sqlite: marshal job: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, run_id, status, scheduled_for, document, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.RunID, string(job.Status), formatRFC3339(job.ScheduledFor), string(doc), formatRFC3339(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create job: %w", err)
	}
	return nil
}

func scanJob(row interface{ Scan(...any) error }) (*engine.Job, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		return nil, err
	}
	var job engine.Job
	if err := json.Unmarshal([]byte(doc), &job); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal job: %w", err)
	}
	return &job, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*engine.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT document FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get job: %w", err)
	}
	return job, nil
}

func (s *Store) UpdateJob(ctx context.Context, job *engine.Job) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("sqlite: marshal job: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, scheduled_for = ?, document = ?, updated_at = ? WHERE id = ?`,
		string(job.Status), formatRFC3339(job.ScheduledFor), string(doc), formatRFC3339(time.Now().UTC()), job.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListJobsByRun(ctx context.Context, runID string) ([]*engine.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document FROM jobs WHERE run_id = ? ORDER BY scheduled_for ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list jobs by run: %w", err)
	}
	defer rows.Close()

	var jobs []*engine.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *Store) FindStuckProcessingJobs(ctx context.Context, olderThan time.Time) ([]*engine.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document FROM jobs WHERE status = 'processing' AND scheduled_for < ?`, formatRFC3339(olderThan))
	if err != nil {
		return nil, fmt.Errorf("sqlite: find stuck processing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*engine.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *Store) DeleteOrphaned(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE run_id NOT IN (SELECT id FROM runs)`)
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete orphaned jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) DeleteCompletedOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE status = 'completed' AND updated_at < ?`, formatRFC3339(cutoff))
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete completed jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) CountByStatus(ctx context.Context, status engine.JobStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count jobs by status: %w", err)
	}
	return n, nil
}

func (s *Store) CountFailedSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM jobs WHERE status = 'failed' AND updated_at >= ?`, formatRFC3339(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count failed jobs since: %w", err)
	}
	return n, nil
}

// -- ExecutionLogStore --

func (s *Store) AppendLog(ctx context.Context, entry *engine.ExecutionLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	doc, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("sqlite: marshal log entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_log (id, run_id, timestamp, document) VALUES (?, ?, ?, ?)`,
		entry.ID, entry.RunID, formatRFC3339(entry.Timestamp), string(doc),
	)
	if err != nil {
		return fmt.Errorf("sqlite: append log: %w", err)
	}
	return nil
}

func (s *Store) ListLogsForRun(ctx context.Context, runID string) ([]*engine.ExecutionLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document FROM execution_log WHERE run_id = ? ORDER BY timestamp ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list logs for run: %w", err)
	}
	defer rows.Close()

	var entries []*engine.ExecutionLogEntry
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("sqlite: scan log entry: %w", err)
		}
		var entry engine.ExecutionLogEntry
		if err := json.Unmarshal([]byte(doc), &entry); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal log entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// -- helpers --

func formatRFC3339(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatRFC3339(*t)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ store.Store = (*Store)(nil)
