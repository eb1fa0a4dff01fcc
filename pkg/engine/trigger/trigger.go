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

// Package trigger implements the trigger matcher of spec.md §4.1: given
// an inbound domain event, find active definitions listening for it,
// apply the filter predicate and the three duplicate-suppression gates
// (runOncePerLead, preventDuplicates, cooldownMinutes), and start a new
// Run for every definition that survives.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlane/flowengine/internal/telemetry"
	"github.com/nextlane/flowengine/pkg/condition"
	"github.com/nextlane/flowengine/pkg/engine"
	"github.com/nextlane/flowengine/pkg/queue"
	"github.com/nextlane/flowengine/pkg/store"
)

// Event describes an inbound domain occurrence: a lead created/updated,
// an appointment scheduled, or a manual trigger invocation.
type Event struct {
	TenantID    string
	Type        engine.TriggerType
	LeadID      string
	Lead        map[string]any
	ChangeFrom  string // for leadUpdated status-change filters
	ChangeTo    string
}

// Matcher is the trigger matcher. It holds no mutable state beyond its
// collaborators, so one Matcher can be shared across the trigger worker
// pool (spec.md §5, concurrency 5).
type Matcher struct {
	Store     store.Store
	Queue     queue.Queue
	Evaluator *condition.Evaluator
	Logger    *slog.Logger

	// Metrics is an optional telemetry hook; nil-safe when unset.
	Metrics *telemetry.Metrics
}

// New builds a Matcher from its collaborators.
func New(st store.Store, q queue.Queue, eval *condition.Evaluator, logger *slog.Logger) *Matcher {
	if eval == nil {
		eval = condition.New()
	}
	return &Matcher{Store: st, Queue: q, Evaluator: eval, Logger: logger}
}

// MatchResult records the outcome for one candidate definition, for
// callers (webhook handlers, tests) that want to report what happened.
type MatchResult struct {
	DefinitionID string
	Started      bool
	Skipped      string // reason, set when Started is false
	RunID        string
}

// Handle processes one Event: it loads every active definition listening
// for ev.Type (normalizing the siteVisitScheduled/appointmentScheduled
// alias), evaluates each one's filter and duplicate-suppression gates in
// order, and starts a Run plus its first job for every definition that
// passes. Order of gates follows spec.md §4.1: filter, then
// runOncePerLead, then preventDuplicates, then cooldownMinutes.
func (m *Matcher) Handle(ctx context.Context, ev Event) ([]MatchResult, error) {
	defs, err := m.Store.ActiveDefinitionsForTrigger(ctx, ev.TenantID, ev.Type)
	if err != nil {
		return nil, fmt.Errorf("trigger: load definitions: %w", err)
	}

	lead := engine.NewLeadView(ev.Lead)
	results := make([]MatchResult, 0, len(defs))
	for _, def := range defs {
		res := MatchResult{DefinitionID: def.ID}
		if def.Filter != nil && !condition.MatchesFilter(def.Filter, lead, ev.ChangeFrom, ev.ChangeTo) {
			res.Skipped = "filter did not match"
			results = append(results, res)
			continue
		}

		skip, reason, err := m.checkGates(ctx, def, ev.LeadID)
		if err != nil {
			return results, fmt.Errorf("trigger: gate check for definition %s: %w", def.ID, err)
		}
		if skip {
			res.Skipped = reason
			results = append(results, res)
			continue
		}

		runID, err := m.startRun(ctx, def, ev)
		if err != nil {
			return results, fmt.Errorf("trigger: start run for definition %s: %w", def.ID, err)
		}
		res.Started = true
		res.RunID = runID
		results = append(results, res)

		if m.Logger != nil {
			m.Logger.Info("trigger matched",
				"definitionId", def.ID, "runId", runID, "tenantId", ev.TenantID, "leadId", ev.LeadID)
		}
	}
	return results, nil
}

// startRun creates the Run record and enqueues its trigger-node job.
// Callers must have already confirmed the duplicate-suppression gates
// pass (Handle does this before calling startRun).
func (m *Matcher) startRun(ctx context.Context, def *engine.Definition, ev Event) (string, error) {
	now := time.Now().UTC()
	run := &engine.Run{
		ID:           uuid.NewString(),
		TenantID:     ev.TenantID,
		DefinitionID: def.ID,
		LeadID:       ev.LeadID,
		Status:       engine.RunPending,
		StartedAt:    now,
		Context: map[string]any{
			"lead":       ev.Lead,
			"changeFrom": ev.ChangeFrom,
			"changeTo":   ev.ChangeTo,
		},
		UpdatedAt: now,
	}
	if err := m.Store.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	if m.Metrics != nil {
		m.Metrics.RecordRunStarted(ctx, ev.TenantID, string(ev.Type))
	}

	trig := def.TriggerNode()
	if trig == nil {
		return run.ID, fmt.Errorf("definition %s has no trigger node", def.ID)
	}
	edges := def.EdgesFrom(trig.ID)

	// Every immediate successor of the trigger starts in parallel
	// (spec.md §4.1.e/.f: "for each compute the initial delay ... for
	// each append as a Job"). A successor that is itself a delay node
	// schedules its own job for that duration in the future instead of
	// running immediately.
	for _, edge := range edges {
		succ := def.NodeByID(edge.ToNode)
		delay := time.Duration(0)
		if succ != nil {
			delay = succ.ScheduleDelay()
		}
		scheduledFor := now.Add(delay)
		job := &engine.Job{
			ID:           uuid.NewString(),
			RunID:        run.ID,
			DefinitionID: def.ID,
			LeadID:       ev.LeadID,
			TenantID:     ev.TenantID,
			NodeID:       edge.ToNode,
			Status:       engine.JobPending,
			ScheduledFor: scheduledFor,
			MaxAttempts:  engine.DefaultMaxAttempts,
		}
		if err := m.Store.CreateJob(ctx, job); err != nil {
			return run.ID, fmt.Errorf("create job: %w", err)
		}
		msg := queue.Message{JobID: job.ID, RunID: run.ID, TenantID: ev.TenantID}
		var enqueueErr error
		if delay > 0 {
			enqueueErr = m.Queue.EnqueueDelayed(ctx, queue.Execute, msg, delay)
		} else {
			enqueueErr = m.Queue.Enqueue(ctx, queue.Execute, msg)
		}
		if enqueueErr != nil {
			return run.ID, fmt.Errorf("enqueue first job: %w", enqueueErr)
		}

		entry := engine.ExecutionPathEntry{NodeID: edge.ToNode, Status: engine.PathPending, ScheduledFor: scheduledFor}
		if succ != nil {
			entry.Kind = succ.Kind
			entry.Label = succ.Label
		}
		run.ExecutionPath = append(run.ExecutionPath, entry)
	}

	if len(edges) > 0 {
		run.Status = engine.RunRunning
	}
	if err := m.Store.UpdateRun(ctx, run); err != nil {
		return run.ID, fmt.Errorf("persist initial execution path: %w", err)
	}

	if err := m.Store.UpdateDefinitionStats(ctx, def, func(d *engine.Definition) {
		d.RunsCount++
		d.LastRunAt = &now
	}); err != nil && m.Logger != nil {
		m.Logger.Warn("failed to update definition stats", "definitionId", def.ID, "error", err)
	}

	return run.ID, nil
}

// checkGates implements runOncePerLead / preventDuplicates / cooldownMinutes.
func (m *Matcher) checkGates(ctx context.Context, def *engine.Definition, leadID string) (skip bool, reason string, err error) {
	if def.RunOncePerLead {
		existed, err := m.Store.HasRunEverExisted(ctx, def.ID, leadID)
		if err != nil {
			return false, "", fmt.Errorf("runOncePerLead check: %w", err)
		}
		if existed {
			return true, "runOncePerLead: a run already exists for this lead", nil
		}
	}
	if def.PreventDuplicates {
		active, err := m.Store.HasActiveRun(ctx, def.ID, leadID)
		if err != nil {
			return false, "", fmt.Errorf("preventDuplicates check: %w", err)
		}
		if active {
			return true, "preventDuplicates: an active run already exists for this lead", nil
		}
	}
	if def.CooldownMinutes > 0 {
		last, ok, err := m.Store.MostRecentRunStart(ctx, def.ID, leadID)
		if err != nil {
			return false, "", fmt.Errorf("cooldown check: %w", err)
		}
		if ok && time.Since(last) < time.Duration(def.CooldownMinutes)*time.Minute {
			return true, "cooldownMinutes: within cooldown window of the most recent run", nil
		}
	}
	return false, "", nil
}
