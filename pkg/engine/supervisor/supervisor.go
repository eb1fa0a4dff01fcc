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

// Package supervisor implements the maintenance passes of spec.md
// §4.5: reclaiming runs stuck without forward progress, pruning
// terminal state past its retention window, and reporting an aggregate
// health score for the /workflows/health admin endpoint (§6).
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlane/flowengine/pkg/engine"
	"github.com/nextlane/flowengine/pkg/engine/resumer"
	"github.com/nextlane/flowengine/pkg/queue"
	"github.com/nextlane/flowengine/pkg/store"
)

// RetentionPolicy controls how long terminal state survives a prune
// pass (spec.md §4.5 "Prune").
type RetentionPolicy struct {
	CompletedRuns time.Duration // default 30 days
	FailedRuns    time.Duration // default 90 days
	CompletedJobs time.Duration // default 7 days
}

// DefaultRetentionPolicy matches the defaults named in spec.md §4.5.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		CompletedRuns: 30 * 24 * time.Hour,
		FailedRuns:    90 * 24 * time.Hour,
		CompletedJobs: 7 * 24 * time.Hour,
	}
}

// Supervisor runs the reclaim, prune, and health passes.
type Supervisor struct {
	Store     store.Store
	Queue     queue.Queue
	Resumer   *resumer.Resumer
	Logger    *slog.Logger
	Retention RetentionPolicy
	Now       func() time.Time

	// StuckAfter is how long a run may sit in an active status without a
	// state change before the reclaim pass treats it as stuck (spec.md
	// §4.5 "T, default 24h").
	StuckAfter time.Duration
}

// New builds a Supervisor with spec.md defaults (StuckAfter 24h,
// DefaultRetentionPolicy).
func New(st store.Store, q queue.Queue, res *resumer.Resumer, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		Store: st, Queue: q, Resumer: res, Logger: logger,
		Retention: DefaultRetentionPolicy(), StuckAfter: 24 * time.Hour, Now: time.Now,
	}
}

// ReclaimResult tallies what the reclaim pass did, for logging and the
// POST /workflows/recover response body.
type ReclaimResult struct {
	ScannedRuns       int
	RequeuedJobs      int
	ResumedWaits      int
	FailedNoWork      int
}

// Reclaim scans runs in an active status that have not been updated in
// StuckAfter (or the caller's override via olderThan) and repairs
// whichever of three situations applies, in the order spec.md §4.5
// describes: a stuck processing job is reset to pending and requeued; a
// waiting run is pushed through its timeout path; a run with neither
// is marked failed as unrecoverable.
func (s *Supervisor) Reclaim(ctx context.Context, olderThan time.Duration) (ReclaimResult, error) {
	if olderThan <= 0 {
		olderThan = s.StuckAfter
	}
	cutoff := s.Now().Add(-olderThan)

	runs, err := s.Store.FindStuckRuns(ctx, cutoff)
	if err != nil {
		return ReclaimResult{}, fmt.Errorf("supervisor: find stuck runs: %w", err)
	}

	var result ReclaimResult
	result.ScannedRuns = len(runs)

	for _, run := range runs {
		if err := s.reclaimOne(ctx, run, &result); err != nil {
			if s.Logger != nil {
				s.Logger.Error("reclaim failed for run", "runId", run.ID, "error", err)
			}
		}
	}
	return result, nil
}

func (s *Supervisor) reclaimOne(ctx context.Context, run *engine.Run, result *ReclaimResult) error {
	jobs, err := s.Store.ListJobsByRun(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list jobs for run %s: %w", run.ID, err)
	}

	now := s.Now()
	hasPendingWork := false
	for _, job := range jobs {
		if job.Status == engine.JobProcessing && job.ScheduledFor.Before(now) {
			job.Status = engine.JobPending
			if err := s.Store.UpdateJob(ctx, job); err != nil {
				return fmt.Errorf("reset stuck job %s: %w", job.ID, err)
			}
			if err := s.Queue.Enqueue(ctx, queue.Execute, queue.Message{
				JobID: job.ID, RunID: run.ID, TenantID: run.TenantID,
			}); err != nil {
				return fmt.Errorf("requeue stuck job %s: %w", job.ID, err)
			}
			result.RequeuedJobs++
			hasPendingWork = true
			continue
		}
		if job.Status == engine.JobPending {
			hasPendingWork = true
		}
	}
	if hasPendingWork {
		return nil
	}

	switch run.Status {
	case engine.RunWaitingForReply:
		if run.WaitingForReply == nil {
			break
		}
		handle := run.WaitingForReply.TimeoutHandle
		if handle == "" {
			handle = engine.HandleTimeout
		}
		if _, err := s.Resumer.SweepExpiredWaits(ctx); err != nil {
			return fmt.Errorf("resume waiting run %s: %w", run.ID, err)
		}
		result.ResumedWaits++
		return nil
	case engine.RunWaitingForCall:
		if run.WaitingForCall == nil {
			break
		}
		if _, err := s.Resumer.SweepExpiredWaits(ctx); err != nil {
			return fmt.Errorf("resume waiting run %s: %w", run.ID, err)
		}
		result.ResumedWaits++
		return nil
	}

	run.Status = engine.RunFailed
	run.Error = "stuck with no pending work"
	run.CompletedAt = &now
	if err := s.Store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("fail stuck run %s: %w", run.ID, err)
	}
	result.FailedNoWork++
	return nil
}

// PruneResult tallies how many rows the prune pass removed, for the
// POST /workflows/cleanup response body.
type PruneResult struct {
	CompletedRunsDeleted int
	FailedRunsDeleted    int
	OrphanedJobsDeleted  int
	CompletedJobsDeleted int
}

// Prune deletes terminal runs and jobs past their retention window
// (spec.md §4.5 "Prune").
func (s *Supervisor) Prune(ctx context.Context) (PruneResult, error) {
	now := s.Now()
	var result PruneResult

	completed, err := s.Store.DeleteOlderThan(ctx, []engine.RunStatus{engine.RunCompleted}, now.Add(-s.Retention.CompletedRuns))
	if err != nil {
		return result, fmt.Errorf("supervisor: prune completed runs: %w", err)
	}
	result.CompletedRunsDeleted = completed

	failed, err := s.Store.DeleteOlderThan(ctx, []engine.RunStatus{engine.RunFailed, engine.RunCancelled}, now.Add(-s.Retention.FailedRuns))
	if err != nil {
		return result, fmt.Errorf("supervisor: prune failed/cancelled runs: %w", err)
	}
	result.FailedRunsDeleted = failed

	orphaned, err := s.Store.DeleteOrphaned(ctx)
	if err != nil {
		return result, fmt.Errorf("supervisor: prune orphaned jobs: %w", err)
	}
	result.OrphanedJobsDeleted = orphaned

	completedJobs, err := s.Store.DeleteCompletedOlderThan(ctx, now.Add(-s.Retention.CompletedJobs))
	if err != nil {
		return result, fmt.Errorf("supervisor: prune completed jobs: %w", err)
	}
	result.CompletedJobsDeleted = completedJobs

	return result, nil
}

// CleanupStats previews what Prune would delete, for GET
// /workflows/cleanup-stats.
func (s *Supervisor) CleanupStats(ctx context.Context, completedDays, failedDays int) (PruneResult, error) {
	now := s.Now()
	completedCutoff := now.Add(-time.Duration(completedDays) * 24 * time.Hour)
	failedCutoff := now.Add(-time.Duration(failedDays) * 24 * time.Hour)

	completed, err := s.Store.CountRuns(ctx, store.RunFilter{Status: engine.RunCompleted}, completedCutoff)
	if err != nil {
		return PruneResult{}, fmt.Errorf("supervisor: count completed runs: %w", err)
	}
	failed, err := s.Store.CountRuns(ctx, store.RunFilter{Status: engine.RunFailed}, failedCutoff)
	if err != nil {
		return PruneResult{}, fmt.Errorf("supervisor: count failed runs: %w", err)
	}
	return PruneResult{CompletedRunsDeleted: completed, FailedRunsDeleted: failed}, nil
}

// Health is the body of GET /workflows/health (spec.md §6).
type Health struct {
	Totals            int `json:"totals"`
	Active            int `json:"active"`
	Waiting           int `json:"waiting"`
	Completed24h      int `json:"completed24h"`
	Failed24h         int `json:"failed24h"`
	Stuck             int `json:"stuck"`
	PendingJobs       int `json:"pendingJobs"`
	ProcessingJobs    int `json:"processingJobs"`
	FailedJobsLastHour int `json:"failedJobsLastHour"`
	HealthScore       int `json:"healthScore"`
}

// Health gathers the counts spec.md §4.5/§6 names and computes the
// health score.
func (s *Supervisor) Health(ctx context.Context, tenantID string) (Health, error) {
	now := s.Now()
	var h Health

	total, err := s.Store.CountRuns(ctx, store.RunFilter{TenantID: tenantID}, time.Time{})
	if err != nil {
		return h, fmt.Errorf("supervisor: count total runs: %w", err)
	}
	h.Totals = total

	active, err := s.Store.CountRuns(ctx, store.RunFilter{TenantID: tenantID, Status: engine.RunRunning}, time.Time{})
	if err != nil {
		return h, fmt.Errorf("supervisor: count active runs: %w", err)
	}
	h.Active = active

	waitingReply, err := s.Store.CountRuns(ctx, store.RunFilter{TenantID: tenantID, Status: engine.RunWaitingForReply}, time.Time{})
	if err != nil {
		return h, fmt.Errorf("supervisor: count waiting-for-reply runs: %w", err)
	}
	waitingCall, err := s.Store.CountRuns(ctx, store.RunFilter{TenantID: tenantID, Status: engine.RunWaitingForCall}, time.Time{})
	if err != nil {
		return h, fmt.Errorf("supervisor: count waiting-for-call runs: %w", err)
	}
	waitingTask, err := s.Store.CountRuns(ctx, store.RunFilter{TenantID: tenantID, Status: engine.RunWaitingForTask}, time.Time{})
	if err != nil {
		return h, fmt.Errorf("supervisor: count waiting-for-task runs: %w", err)
	}
	h.Waiting = waitingReply + waitingCall + waitingTask

	completed24h, err := s.Store.CountRuns(ctx, store.RunFilter{TenantID: tenantID, Status: engine.RunCompleted}, now.Add(-24*time.Hour))
	if err != nil {
		return h, fmt.Errorf("supervisor: count completed24h: %w", err)
	}
	h.Completed24h = completed24h

	failed24h, err := s.Store.CountRuns(ctx, store.RunFilter{TenantID: tenantID, Status: engine.RunFailed}, now.Add(-24*time.Hour))
	if err != nil {
		return h, fmt.Errorf("supervisor: count failed24h: %w", err)
	}
	h.Failed24h = failed24h

	stuckRuns, err := s.Store.FindStuckRuns(ctx, now.Add(-s.StuckAfter))
	if err != nil {
		return h, fmt.Errorf("supervisor: find stuck runs: %w", err)
	}
	h.Stuck = len(stuckRuns)

	pendingJobs, err := s.Store.CountByStatus(ctx, engine.JobPending)
	if err != nil {
		return h, fmt.Errorf("supervisor: count pending jobs: %w", err)
	}
	h.PendingJobs = pendingJobs

	processingJobs, err := s.Store.CountByStatus(ctx, engine.JobProcessing)
	if err != nil {
		return h, fmt.Errorf("supervisor: count processing jobs: %w", err)
	}
	h.ProcessingJobs = processingJobs

	failedLastHour, err := s.Store.CountFailedSince(ctx, now.Add(-time.Hour))
	if err != nil {
		return h, fmt.Errorf("supervisor: count failed jobs last hour: %w", err)
	}
	h.FailedJobsLastHour = failedLastHour

	h.HealthScore = HealthScore(h.Failed24h, h.ProcessingJobs, h.FailedJobsLastHour, h.PendingJobs)
	return h, nil
}

// HealthScore is the pure deduction function spec.md §6 defines. It
// starts at 100 and subtracts for each of four conditions, independent
// of the others, floored at 0.
func HealthScore(failed24h, processingJobs, failedJobsLastHour, pendingJobs int) int {
	score := 100

	switch {
	case failed24h > 10:
		score -= 20
	case failed24h >= 5:
		score -= 10
	case failed24h > 0:
		score -= 5
	}

	switch {
	case processingJobs > 10:
		score -= 15
	case processingJobs >= 5:
		score -= 10
	}

	switch {
	case failedJobsLastHour > 5:
		score -= 20
	case failedJobsLastHour > 0:
		score -= 10
	}

	switch {
	case pendingJobs > 100:
		score -= 10
	case pendingJobs > 50:
		score -= 5
	}

	if score < 0 {
		score = 0
	}
	return score
}
