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

// Package resumer implements the four entry points of spec.md §4.3 that
// advance a run parked in a waiting state: an inbound messaging reply,
// a voice-call outcome callback, a human-task completion, and the
// timeout sweep for waits that expired without a callback.
package resumer

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlane/flowengine/pkg/engine"
	"github.com/nextlane/flowengine/pkg/queue"
	"github.com/nextlane/flowengine/pkg/store"
)

var regexCacheMu sync.Mutex
var regexCache = map[string]*regexp.Regexp{}

// matchTextRegex matches an inbound reply's free text against an
// ExpectedResponse's textRegex pattern, caching compiled patterns since
// the same definition's wait table is matched repeatedly.
func matchTextRegex(pattern, text string) (bool, error) {
	regexCacheMu.Lock()
	re, ok := regexCache[pattern]
	regexCacheMu.Unlock()
	if !ok {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("resumer: compile reply regex %q: %w", pattern, err)
		}
		re = compiled
		regexCacheMu.Lock()
		regexCache[pattern] = re
		regexCacheMu.Unlock()
	}
	return re.MatchString(text), nil
}

// Resumer advances runs parked by the executor in waitingForReply,
// waitingForCall, or waitingForTask.
type Resumer struct {
	Store  store.Store
	Queue  queue.Queue
	Logger *slog.Logger
	Now    func() time.Time
}

// New builds a Resumer.
func New(st store.Store, q queue.Queue, logger *slog.Logger) *Resumer {
	return &Resumer{Store: st, Queue: q, Logger: logger, Now: time.Now}
}

// ReplyEvent is an inbound messaging reply (spec.md §4.3 "Messaging
// reply").
type ReplyEvent struct {
	TenantID string
	Phone    string
	Text     string
	Button   string
}

// HandleReply matches the reply to an active run waiting on that phone
// number, most-recent-first, and resumes the first one whose expected
// responses match (spec.md §9 "most-recent-wins, no per-run
// disambiguation token"). It does not error when no run matches — an
// unsolicited reply is not a system fault.
func (r *Resumer) HandleReply(ctx context.Context, ev ReplyEvent) (bool, error) {
	runs, err := r.Store.FindActiveRunsByPhone(ctx, ev.TenantID, ev.Phone)
	if err != nil {
		return false, fmt.Errorf("resumer: find runs by phone: %w", err)
	}
	for _, run := range runs {
		if run.Status != engine.RunWaitingForReply || run.WaitingForReply == nil {
			continue
		}
		handle, matched := matchReply(run.WaitingForReply.ExpectedResponses, ev.Text, ev.Button)
		if !matched {
			continue
		}
		if err := r.resumeReply(ctx, run, handle); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// matchReply matches an inbound reply against a wait's expected-response
// table, falling back to the "default" handle when the table is
// non-empty but nothing matches (spec.md §4.3 "If none match, take the
// default handle"). A wait with NO entries at all never matches any
// reply — that shape is conditionWithTimeout's re-evaluation park
// (spec.md §3), which only its own timeout edge may resume; a node that
// wants to accept any reply must say so explicitly with a {kind: any}
// entry (spec.md §8 boundary behavior).
func matchReply(expected []engine.ExpectedResponse, text, button string) (engine.Handle, bool) {
	for _, exp := range expected {
		switch exp.Kind {
		case "any":
			return exp.NextHandle, true
		case "button":
			if button != "" && button == exp.Value {
				return exp.NextHandle, true
			}
		case "textRegex":
			if matched, _ := matchTextRegex(exp.Value, text); matched {
				return exp.NextHandle, true
			}
		}
	}
	if len(expected) > 0 {
		return engine.HandleDefault, true
	}
	return "", false
}

// VoiceOutcomeEvent is an inbound voice-call completion callback
// (spec.md §4.3 "Voice outcome").
type VoiceOutcomeEvent struct {
	ProviderCallID         string
	ProviderConversationID string
	CallbackRunID          string
	Status                 string
	Analysis               map[string]any
}

// HandleVoiceOutcome locates the run waiting on this call — trying
// providerCallId, then providerConversationId, then an explicit
// callbackRunId (spec.md §4.3 match order) — and resumes it along the
// edge matching the derived outcome.
func (r *Resumer) HandleVoiceOutcome(ctx context.Context, ev VoiceOutcomeEvent) (bool, error) {
	run, err := r.locateVoiceRun(ctx, ev)
	if err != nil {
		return false, err
	}
	if run == nil || run.Status != engine.RunWaitingForCall || run.WaitingForCall == nil {
		return false, nil
	}
	handle := deriveVoiceHandle(run.WaitingForCall.ExpectedOutcomes, ev.Status, ev.Analysis)
	if err := r.resumeVoice(ctx, run, handle, ev); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Resumer) locateVoiceRun(ctx context.Context, ev VoiceOutcomeEvent) (*engine.Run, error) {
	if ev.ProviderCallID != "" {
		run, err := r.Store.FindRunByProviderCallID(ctx, ev.ProviderCallID)
		if err == nil {
			return run, nil
		}
		if err != store.ErrNotFound {
			return nil, fmt.Errorf("resumer: find run by call id: %w", err)
		}
	}
	if ev.ProviderConversationID != "" {
		run, err := r.Store.FindRunByProviderConversationID(ctx, ev.ProviderConversationID)
		if err == nil {
			return run, nil
		}
		if err != store.ErrNotFound {
			return nil, fmt.Errorf("resumer: find run by conversation id: %w", err)
		}
	}
	if ev.CallbackRunID != "" {
		run, err := r.Store.GetRun(ctx, ev.CallbackRunID)
		if err == nil {
			return run, nil
		}
		if err != store.ErrNotFound {
			return nil, fmt.Errorf("resumer: load callback run: %w", err)
		}
	}
	return nil, nil
}

// deriveVoiceHandle maps a provider outcome to a handle: an explicit
// configured mapping wins; otherwise status is used as a fallback
// handle name (answered/no_answer/voicemail/busy/failed), normalized to
// the fixed handle set.
func deriveVoiceHandle(outcomes []engine.ExpectedOutcome, status string, analysis map[string]any) engine.Handle {
	if interested, ok := analysis["interested"].(bool); ok {
		for _, o := range outcomes {
			if interested && o.Outcome == "interested" {
				return o.NextHandle
			}
			if !interested && o.Outcome == "not_interested" {
				return o.NextHandle
			}
		}
	}
	for _, o := range outcomes {
		if o.Outcome == status {
			return o.NextHandle
		}
	}
	switch status {
	case "answered":
		return engine.HandleAnswered
	case "no-answer", "no_answer":
		return engine.HandleNoAnswer
	case "voicemail":
		return engine.HandleVoicemail
	case "busy":
		return engine.HandleBusy
	default:
		return engine.HandleFailed
	}
}

// TaskCompletionEvent is an inbound human-task completion callback
// (spec.md §4.3 "Human task completion").
type TaskCompletionEvent struct {
	TaskID string
	Handle engine.Handle
	Result map[string]any
}

// HandleTaskCompletion resumes the run waiting on taskID.
func (r *Resumer) HandleTaskCompletion(ctx context.Context, ev TaskCompletionEvent) (bool, error) {
	run, err := r.Store.FindRunByTaskID(ctx, ev.TaskID)
	if err != nil {
		if err == store.ErrNotFound {
			return false, nil
		}
		return false, fmt.Errorf("resumer: find run by task id: %w", err)
	}
	if run.Status != engine.RunWaitingForTask || run.WaitingForTask == nil {
		return false, nil
	}
	if err := r.resumeGeneric(ctx, run, run.WaitingForTask.NodeID, ev.Handle, ev.Result); err != nil {
		return false, err
	}
	return true, nil
}

// SweepExpiredWaits scans for waitingForReply/waitingForCall runs whose
// timeout has passed and resumes each along its configured timeout
// handle (spec.md §4.3 "Timeout"). It is the Resumer's counterpart to
// the supervisor's reclaim pass and is meant to be called periodically
// by the timeout worker pool.
func (r *Resumer) SweepExpiredWaits(ctx context.Context) (int, error) {
	now := r.Now()
	count := 0

	replyRuns, err := r.Store.FindExpiredReplyWaits(ctx, now)
	if err != nil {
		return count, fmt.Errorf("resumer: find expired reply waits: %w", err)
	}
	for _, run := range replyRuns {
		handle := run.WaitingForReply.TimeoutHandle
		if handle == "" {
			handle = engine.HandleTimeout
		}
		if err := r.resumeGeneric(ctx, run, run.WaitingForReply.NodeID, handle, map[string]any{"timedOut": true}); err != nil {
			if r.Logger != nil {
				r.Logger.Error("failed to resume expired reply wait", "runId", run.ID, "error", err)
			}
			continue
		}
		count++
	}

	callRuns, err := r.Store.FindExpiredCallWaits(ctx, now)
	if err != nil {
		return count, fmt.Errorf("resumer: find expired call waits: %w", err)
	}
	for _, run := range callRuns {
		handle := run.WaitingForCall.TimeoutHandle
		if handle == "" {
			handle = engine.HandleTimeout
		}
		if err := r.resumeGeneric(ctx, run, run.WaitingForCall.NodeID, handle, map[string]any{"timedOut": true}); err != nil {
			if r.Logger != nil {
				r.Logger.Error("failed to resume expired call wait", "runId", run.ID, "error", err)
			}
			continue
		}
		count++
	}
	return count, nil
}

func (r *Resumer) resumeReply(ctx context.Context, run *engine.Run, handle engine.Handle) error {
	return r.resumeGeneric(ctx, run, run.WaitingForReply.NodeID, handle, nil)
}

func (r *Resumer) resumeVoice(ctx context.Context, run *engine.Run, handle engine.Handle, ev VoiceOutcomeEvent) error {
	return r.resumeGeneric(ctx, run, run.WaitingForCall.NodeID, handle, map[string]any{
		"status": ev.Status, "analysis": ev.Analysis,
	})
}

// resumeGeneric clears the wait state, records the path entry's result,
// advances along the matching edge (or completes the run when none
// exists), and enqueues the next job. A compare-and-set UpdateRun
// failure is returned to the caller so it can retry the whole
// resumption from fresh state.
func (r *Resumer) resumeGeneric(ctx context.Context, run *engine.Run, nodeID string, handle engine.Handle, result map[string]any) error {
	def, err := r.Store.GetDefinition(ctx, run.DefinitionID)
	if err != nil {
		return fmt.Errorf("resumer: load definition %s: %w", run.DefinitionID, err)
	}

	now := r.Now()
	if entry := run.PathEntry(nodeID); entry != nil {
		entry.Status = engine.PathCompleted
		entry.CompletedAt = &now
		entry.Result = result
	}
	run.WaitingForReply = nil
	run.WaitingForCall = nil
	run.WaitingForTask = nil
	run.Status = engine.RunRunning

	nexts := edgesFor(def, nodeID, handle)
	if len(nexts) == 0 {
		run.Status = engine.RunCompleted
		run.CompletedAt = &now
		if err := r.Store.UpdateRun(ctx, run); err != nil {
			return fmt.Errorf("resumer: update run to completed: %w", err)
		}
		return r.Store.UpdateDefinitionStats(ctx, def, func(d *engine.Definition) { d.SuccessCount++ })
	}

	// Fan-out mirrors the executor's own recordSuccess (pkg/engine/executor),
	// including a successor that is itself a delay node scheduling its own
	// job ScheduleDelay() into the future rather than running immediately.
	for _, next := range nexts {
		delay := time.Duration(0)
		if succ := def.NodeByID(next.ToNode); succ != nil {
			delay = succ.ScheduleDelay()
		}
		scheduledFor := now.Add(delay)
		job := &engine.Job{
			ID: uuid.NewString(), RunID: run.ID, DefinitionID: def.ID, LeadID: run.LeadID,
			TenantID: run.TenantID, NodeID: next.ToNode, Status: engine.JobPending,
			ScheduledFor: scheduledFor, MaxAttempts: engine.DefaultMaxAttempts,
		}
		if err := r.Store.CreateJob(ctx, job); err != nil {
			return fmt.Errorf("resumer: create next job: %w", err)
		}
		msg := queue.Message{JobID: job.ID, RunID: run.ID, TenantID: run.TenantID}
		var enqueueErr error
		if delay > 0 {
			enqueueErr = r.Queue.EnqueueDelayed(ctx, queue.Execute, msg, delay)
		} else {
			enqueueErr = r.Queue.Enqueue(ctx, queue.Execute, msg)
		}
		if enqueueErr != nil {
			return fmt.Errorf("resumer: enqueue next job: %w", enqueueErr)
		}
	}
	if err := r.Store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("resumer: update resumed run: %w", err)
	}
	return nil
}

// edgesFor returns every edge leaving nodeID carrying handle, falling back
// to every unlabeled edge when none carry it (spec.md §4.2 "Tie-breaks").
func edgesFor(def *engine.Definition, nodeID string, handle engine.Handle) []engine.Edge {
	edges := def.EdgesFrom(nodeID)
	var matched, fallback []engine.Edge
	for i := range edges {
		if edges[i].Handle == handle {
			matched = append(matched, edges[i])
		} else if edges[i].Handle == engine.HandleUnlabeled {
			fallback = append(fallback, edges[i])
		}
	}
	if len(matched) > 0 {
		return matched
	}
	return fallback
}
