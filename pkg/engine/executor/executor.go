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

// Package executor implements node execution (spec.md §4.2): dispatch
// one Job to the handler matching its node kind, under a per-node
// wall-clock timeout, classify failures, and either advance the run
// along the matching edge, park it in a waiting state, or retry/dead-
// letter it.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlane/flowengine/internal/telemetry"
	"github.com/nextlane/flowengine/pkg/adapters"
	"github.com/nextlane/flowengine/pkg/condition"
	"github.com/nextlane/flowengine/pkg/engine"
	engerrors "github.com/nextlane/flowengine/pkg/errors"
	"github.com/nextlane/flowengine/pkg/queue"
	"github.com/nextlane/flowengine/pkg/store"
)

// HandlerResult is what a node handler returns: the output to record on
// the run's execution-path entry, the outgoing handle to follow (empty
// means HandleUnlabeled/fallback), and whether the node instead parked
// the run in a waiting state (in which case the run was already updated
// by the handler and the executor must not advance it further).
type HandlerResult struct {
	Output  map[string]any
	Handle  engine.Handle
	Waiting bool
}

// Handler executes one node kind. lead is the LeadView built from
// run.Context["lead"]; handlers that don't need it can ignore it.
type Handler func(ctx context.Context, run *engine.Run, node *engine.Node, lead *engine.LeadView) (HandlerResult, error)

// Executor dispatches jobs to node handlers and advances runs.
type Executor struct {
	Store     store.Store
	Queue     queue.Queue
	Evaluator *condition.Evaluator
	Logger    *slog.Logger

	handlers map[engine.NodeKind]Handler

	// WorkerID identifies this executor instance in execution-log
	// entries (spec.md §3 "ExecutionLog entry"), typically hostname:pid.
	WorkerID string

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time

	// Notifier and AdminEmail, when both set, dispatch the admin
	// notification spec.md §7 requires on dead-letter, authz and
	// engine-bug failures, via the same messaging adapter port as
	// action.email (§7 "dispatched via the messaging adapter (email)").
	Notifier   adapters.MessagingAdapter
	AdminEmail string

	// Metrics and Tracer are optional telemetry hooks; both are nil-safe
	// when unset.
	Metrics *telemetry.Metrics
	Tracer  trace.Tracer
}

// New builds an Executor wired to adapters for messaging, voice, and
// human-task node kinds. Condition/delay/waitForResponse handlers need
// no adapter and are registered unconditionally.
func New(st store.Store, q queue.Queue, eval *condition.Evaluator, logger *slog.Logger, workerID string,
	messaging adapters.MessagingAdapter, voice adapters.VoiceAdapter, task adapters.TaskAdapter) *Executor {
	if eval == nil {
		eval = condition.New()
	}
	e := &Executor{
		Store: st, Queue: q, Evaluator: eval, Logger: logger, WorkerID: workerID,
		handlers: make(map[engine.NodeKind]Handler),
		Now:      time.Now,
	}
	e.handlers[engine.NodeCondition] = e.handleCondition
	e.handlers[engine.NodeConditionWithTimeout] = e.handleConditionWithTimeout
	e.handlers[engine.NodeDelay] = e.handleDelay
	e.handlers[engine.NodeWaitForResponse] = e.handleWaitForResponse
	if messaging != nil {
		e.handlers[engine.NodeActionMessaging] = messagingHandler(messaging, false)
		e.handlers[engine.NodeActionMessagingWithResponse] = messagingHandler(messaging, true)
	}
	if voice != nil {
		e.handlers[engine.NodeActionVoiceCall] = voiceHandler(voice, false)
		e.handlers[engine.NodeActionVoiceCallWithResponse] = voiceHandler(voice, true)
	}
	if task != nil {
		e.handlers[engine.NodeActionHumanTask] = humanTaskHandler(task)
	}
	if messaging != nil {
		e.handlers[engine.NodeActionEmail] = emailHandler(messaging)
	}
	return e
}

// RegisterHandler overrides or adds a handler for a node kind, chiefly
// for tests, or to replace the messaging-adapter-backed action.email
// handler New installs with a dedicated SMTP/provider handler.
func (e *Executor) RegisterHandler(kind engine.NodeKind, h Handler) {
	e.handlers[kind] = h
}

// Process executes the job identified by msg: loads the job and its
// run, dispatches to the matching handler under a wall-clock timeout,
// and either advances, parks, retries, or dead-letters the job. It acks
// or nacks msg on the queue accordingly and always returns nil unless a
// store/queue operation itself fails — node-handler failures are
// terminal outcomes handled internally, not propagated as errors.
func (e *Executor) Process(ctx context.Context, msg queue.Message) error {
	job, err := e.Store.GetJob(ctx, msg.JobID)
	if err != nil {
		return fmt.Errorf("executor: load job %s: %w", msg.JobID, err)
	}
	run, err := e.Store.GetRun(ctx, job.RunID)
	if err != nil {
		return fmt.Errorf("executor: load run %s: %w", job.RunID, err)
	}
	if run.Status.IsTerminal() {
		return e.Queue.Ack(ctx, queue.Execute, msg)
	}
	def, err := e.Store.GetDefinition(ctx, job.DefinitionID)
	if err != nil {
		return fmt.Errorf("executor: load definition %s: %w", job.DefinitionID, err)
	}
	node := def.NodeByID(job.NodeID)
	if node == nil {
		return e.failRun(ctx, run, job, def, nil, fmt.Sprintf("node %s no longer exists in definition", job.NodeID), engerrors.ClassEngineBug)
	}

	handler, ok := e.handlers[node.Kind]
	if !ok {
		return e.failRun(ctx, run, job, def, node, fmt.Sprintf("no handler registered for node kind %s", node.Kind), engerrors.ClassEngineBug)
	}

	run.Status = engine.RunRunning
	run.CurrentNodeID = node.ID
	entry := run.PathEntry(node.ID)
	if entry == nil {
		run.ExecutionPath = append(run.ExecutionPath, engine.ExecutionPathEntry{
			NodeID: node.ID, Kind: node.Kind, Label: node.Label,
			Status: engine.PathRunning, ScheduledFor: job.ScheduledFor,
		})
	} else {
		entry.Status = engine.PathRunning
	}

	timeout := node.ExecutionTimeout
	if timeout <= 0 {
		timeout = engine.DefaultExecutionTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hctx, span := e.startSpan(hctx, node, run)

	start := e.Now()
	lead := engine.NewLeadView(leadMap(run.Context))
	result, hErr := e.runHandler(hctx, handler, run, node, lead)
	duration := e.Now().Sub(start)

	outcome := "success"
	switch {
	case hErr != nil:
		outcome = "error"
		span.RecordError(hErr)
		span.SetStatus(codes.Error, hErr.Error())
	case result.Waiting:
		outcome = "waiting"
	}
	span.End()
	if e.Metrics != nil {
		e.Metrics.RecordJob(ctx, string(node.Kind), outcome, duration.Seconds())
	}

	if hErr != nil {
		return e.handleFailure(ctx, run, job, node, def, hErr, duration)
	}
	if result.Waiting {
		if err := e.persistRun(ctx, run); err != nil {
			return err
		}
		e.appendLog(ctx, run, node, engine.LogWaiting, "node parked the run awaiting a callback", "", duration, job.Attempts)
		return e.Queue.Ack(ctx, queue.Execute, msg)
	}

	if err := e.recordSuccess(ctx, run, job, node, def, result, duration); err != nil {
		return err
	}
	return e.Queue.Ack(ctx, queue.Execute, msg)
}

// startSpan opens a span for one node execution when a Tracer is
// configured; trace.SpanFromContext(ctx) already yields a safe no-op
// span otherwise, so callers never need a nil check.
func (e *Executor) startSpan(ctx context.Context, node *engine.Node, run *engine.Run) (context.Context, trace.Span) {
	if e.Tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return e.Tracer.Start(ctx, "executor.node."+string(node.Kind),
		trace.WithAttributes(
			attribute.String("node_id", node.ID),
			attribute.String("run_id", run.ID),
			attribute.String("tenant_id", run.TenantID),
		))
}

func (e *Executor) runHandler(ctx context.Context, h Handler, run *engine.Run, node *engine.Node, lead *engine.LeadView) (result HandlerResult, err error) {
	type out struct {
		result HandlerResult
		err    error
	}
	ch := make(chan out, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- out{err: engerrors.EngineBug(fmt.Errorf("node handler panicked: %v", r))}
			}
		}()
		res, err := h(ctx, run, node, lead)
		ch <- out{result: res, err: err}
	}()
	select {
	case o := <-ch:
		return o.result, o.err
	case <-ctx.Done():
		return HandlerResult{}, engerrors.Transient(fmt.Errorf("node execution timed out: %w", ctx.Err()))
	}
}

// recordSuccess advances the run along the matching edge for
// result.Handle (falling back to the unlabeled edge), marking the run
// completed when no outgoing edge exists.
func (e *Executor) recordSuccess(ctx context.Context, run *engine.Run, job *engine.Job, node *engine.Node, def *engine.Definition, result HandlerResult, duration time.Duration) error {
	entry := run.PathEntry(node.ID)
	now := e.Now()
	if entry != nil {
		entry.Status = engine.PathCompleted
		entry.CompletedAt = &now
		entry.Result = result.Output
	}
	job.Status = engine.JobCompleted
	job.Result = result.Output
	job.CompletedAt = &now
	if err := e.Store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("executor: update completed job: %w", err)
	}

	nexts := edgesFor(def, node.ID, result.Handle)
	e.appendLog(ctx, run, node, engine.LogSuccess, "node completed", "", duration, job.Attempts)

	if len(nexts) == 0 {
		run.Status = engine.RunCompleted
		run.CompletedAt = &now
		if err := e.persistRun(ctx, run); err != nil {
			return err
		}
		if e.Metrics != nil {
			e.Metrics.RecordRunCompleted(ctx, run.TenantID, string(engine.RunCompleted))
		}
		return e.bumpDefinitionStats(ctx, def, true)
	}

	// Fan-out: every edge carrying the matched handle (or every unlabeled
	// edge, when none do) is scheduled independently (spec.md §4.2 "Tie-
	// breaks" — siblings may complete in any interleaving). A successor
	// that is itself a delay node has its own job scheduled that far in
	// the future (Node.ScheduleDelay) rather than running immediately.
	for _, next := range nexts {
		delay := time.Duration(0)
		if succ := def.NodeByID(next.ToNode); succ != nil {
			delay = succ.ScheduleDelay()
		}
		nextJob := &engine.Job{
			ID: uuid.NewString(), RunID: run.ID, DefinitionID: def.ID, LeadID: run.LeadID,
			TenantID: run.TenantID, NodeID: next.ToNode, Status: engine.JobPending,
			ScheduledFor: now.Add(delay), MaxAttempts: engine.DefaultMaxAttempts,
		}
		if err := e.Store.CreateJob(ctx, nextJob); err != nil {
			return fmt.Errorf("executor: create next job: %w", err)
		}
		msg := queue.Message{JobID: nextJob.ID, RunID: run.ID, TenantID: run.TenantID}
		var enqueueErr error
		if delay > 0 {
			enqueueErr = e.Queue.EnqueueDelayed(ctx, queue.Execute, msg, delay)
		} else {
			enqueueErr = e.Queue.Enqueue(ctx, queue.Execute, msg)
		}
		if enqueueErr != nil {
			return fmt.Errorf("executor: enqueue next job: %w", enqueueErr)
		}
	}
	return e.persistRun(ctx, run)
}

// handleFailure classifies a handler error and either retries with
// backoff, follows a failure-labeled edge, marks the node skipped, or
// dead-letters the job (spec.md §7).
func (e *Executor) handleFailure(ctx context.Context, run *engine.Run, job *engine.Job, node *engine.Node, def *engine.Definition, hErr error, duration time.Duration) error {
	class := engerrors.Classify(hErr)
	job.Attempts++
	job.LastError = hErr.Error()
	now := e.Now()
	job.LastAttemptAt = &now

	maxAttempts := node.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = engine.DefaultMaxAttempts
	}
	if maxAttempts > engine.HardMaxAttempts {
		maxAttempts = engine.HardMaxAttempts
	}

	retryable := class == engerrors.ClassTransient && job.Attempts < maxAttempts
	if retryable {
		job.Status = engine.JobPending
		if err := e.Store.UpdateJob(ctx, job); err != nil {
			return fmt.Errorf("executor: update retrying job: %w", err)
		}
		e.appendLog(ctx, run, node, engine.LogRetrying, "node failed, retrying", hErr.Error(), duration, job.Attempts)
		backoff := backoffFor(job.Attempts)
		return e.Queue.EnqueueDelayed(ctx, queue.Execute, queue.Message{JobID: job.ID, RunID: run.ID, TenantID: run.TenantID, Attempt: job.Attempts}, backoff)
	}

	if class == engerrors.ClassEngineBug {
		return e.failRun(ctx, run, job, def, node, hErr.Error(), class)
	}

	entry := run.PathEntry(node.ID)

	failureEdges := edgesFor(def, node.ID, engine.HandleFailure)
	if len(failureEdges) == 0 {
		failureEdges = edgesFor(def, node.ID, engine.HandleError)
	}
	if len(failureEdges) > 0 {
		if entry != nil {
			entry.Status = engine.PathFailed
			entry.CompletedAt = &now
			entry.Error = hErr.Error()
		}
		job.Status = engine.JobFailed
		job.CompletedAt = &now
		if err := e.Store.UpdateJob(ctx, job); err != nil {
			return fmt.Errorf("executor: update failed job: %w", err)
		}
		e.appendLog(ctx, run, node, engine.LogFailed, "node failed, following failure edge", hErr.Error(), duration, job.Attempts)
		if class == engerrors.ClassAuthz {
			e.notifyAdmin(ctx, run, def, job, hErr.Error())
		}

		// Fan-out mirrors recordSuccess: every failure/error edge is
		// scheduled independently (spec.md §4.2 "Tie-breaks").
		for _, failureEdge := range failureEdges {
			delay := time.Duration(0)
			if succ := def.NodeByID(failureEdge.ToNode); succ != nil {
				delay = succ.ScheduleDelay()
			}
			nextJob := &engine.Job{
				ID: uuid.NewString(), RunID: run.ID, DefinitionID: def.ID, LeadID: run.LeadID,
				TenantID: run.TenantID, NodeID: failureEdge.ToNode, Status: engine.JobPending,
				ScheduledFor: now.Add(delay), MaxAttempts: engine.DefaultMaxAttempts,
			}
			if err := e.Store.CreateJob(ctx, nextJob); err != nil {
				return fmt.Errorf("executor: create failure-edge job: %w", err)
			}
			msg := queue.Message{JobID: nextJob.ID, RunID: run.ID, TenantID: run.TenantID}
			var enqueueErr error
			if delay > 0 {
				enqueueErr = e.Queue.EnqueueDelayed(ctx, queue.Execute, msg, delay)
			} else {
				enqueueErr = e.Queue.Enqueue(ctx, queue.Execute, msg)
			}
			if enqueueErr != nil {
				return fmt.Errorf("executor: enqueue failure-edge job: %w", enqueueErr)
			}
		}
		return e.persistRun(ctx, run)
	}

	if node.SkipOnFailure {
		if entry != nil {
			entry.Status = engine.PathSkipped
			entry.CompletedAt = &now
			entry.Error = hErr.Error()
		}
		job.Status = engine.JobFailed
		job.CompletedAt = &now
		if err := e.Store.UpdateJob(ctx, job); err != nil {
			return fmt.Errorf("executor: update skipped job: %w", err)
		}
		e.appendLog(ctx, run, node, engine.LogSkipped, "node failed, skipOnFailure set and no failure edge", hErr.Error(), duration, job.Attempts)
		return e.recordSuccess(ctx, run, job, node, def, HandlerResult{Handle: engine.HandleUnlabeled}, duration)
	}

	return e.failRun(ctx, run, job, def, node, hErr.Error(), class)
}

// failRun marks run and job permanently failed. def/node may be nil when
// the failure is itself the discovery that they no longer resolve (a
// dangling node reference); appendLog tolerates a nil node.
func (e *Executor) failRun(ctx context.Context, run *engine.Run, job *engine.Job, def *engine.Definition, node *engine.Node, message string, class engerrors.Class) error {
	now := e.Now()
	if entry := run.PathEntry(job.NodeID); entry != nil {
		entry.Status = engine.PathFailed
		entry.CompletedAt = &now
		entry.Error = message
	}
	run.Status = engine.RunFailed
	run.Error = message
	run.CompletedAt = &now

	job.Status = engine.JobFailed
	job.LastError = message
	job.CompletedAt = &now
	if err := e.Store.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("executor: update dead-lettered job: %w", err)
	}
	if err := e.persistRun(ctx, run); err != nil {
		return err
	}
	if e.Metrics != nil {
		e.Metrics.RecordRunCompleted(ctx, run.TenantID, string(engine.RunFailed))
	}
	status := engine.LogFailed
	if class == engerrors.ClassTransient {
		status = engine.LogDeadLetter
		dl := queue.Message{JobID: job.ID, RunID: run.ID, TenantID: run.TenantID, Attempt: job.Attempts}
		if err := e.Queue.Enqueue(ctx, queue.DeadLetter, dl); err != nil && e.Logger != nil {
			e.Logger.Warn("dead-letter enqueue failed", "runId", run.ID, "jobId", job.ID, "error", err)
		}
	}
	e.appendLog(ctx, run, node, status, "run failed terminally", message, 0, job.Attempts)
	if def != nil {
		_ = e.bumpDefinitionStats(ctx, def, false)
	}
	e.notifyAdmin(ctx, run, def, job, message)
	return nil
}

// notifyAdmin dispatches the admin notification spec.md §7 requires for
// a terminal run failure or an authorization failure that follows a
// failure edge. Best-effort: a notification failure is logged,
// never escalated, since the run's own terminal state is already
// durable by the time this runs.
func (e *Executor) notifyAdmin(ctx context.Context, run *engine.Run, def *engine.Definition, job *engine.Job, message string) {
	if e.Notifier == nil || e.AdminEmail == "" {
		return
	}
	defName := job.DefinitionID
	if def != nil {
		defName = def.Name
	}
	body := fmt.Sprintf("workflow run failed\n\ndefinition: %s\nlead: %s\nnode: %s\nrun: %s\nattempts: %d\nerror: %s\ntimestamp: %s",
		defName, run.LeadID, job.NodeID, run.ID, job.Attempts, message, e.Now().Format(time.RFC3339))
	_, err := e.Notifier.Send(ctx, adapters.MessagingSendRequest{
		Channel: "email", TenantID: run.TenantID, To: e.AdminEmail,
		Body:           fmt.Sprintf("Subject: Workflow run %s failed\n\n%s", run.ID, body),
		IdempotencyKey: engine.IdempotencyKey(run.ID, job.NodeID, job.Attempts, false) + ":admin",
	})
	if err != nil && e.Logger != nil {
		e.Logger.Warn("admin notification failed", "runId", run.ID, "error", err)
	}
}

func (e *Executor) bumpDefinitionStats(ctx context.Context, def *engine.Definition, success bool) error {
	return e.Store.UpdateDefinitionStats(ctx, def, func(d *engine.Definition) {
		if success {
			d.SuccessCount++
		} else {
			d.FailureCount++
		}
	})
}

func (e *Executor) persistRun(ctx context.Context, run *engine.Run) error {
	if err := e.Store.UpdateRun(ctx, run); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return fmt.Errorf("executor: run %s was concurrently modified: %w", run.ID, err)
		}
		return fmt.Errorf("executor: update run: %w", err)
	}
	return nil
}

func (e *Executor) appendLog(ctx context.Context, run *engine.Run, node *engine.Node, status engine.LogStatus, message, errMsg string, duration time.Duration, attempt int) {
	entry := &engine.ExecutionLogEntry{
		ID: uuid.NewString(), TenantID: run.TenantID, RunID: run.ID,
		Status: status, Message: message, Error: errMsg,
		DurationMs: duration.Milliseconds(), Attempt: attempt, WorkerID: e.WorkerID,
		Timestamp: e.Now(),
	}
	if node != nil {
		entry.NodeID = node.ID
		entry.NodeKind = node.Kind
		entry.Label = node.Label
	}
	if err := e.Store.AppendLog(ctx, entry); err != nil && e.Logger != nil {
		e.Logger.Warn("failed to append execution log entry", "runId", run.ID, "error", err)
	}
}

// edgesFor returns every edge leaving nodeID carrying handle, falling back
// to every unlabeled edge when none carry it (spec.md §4.2 "Tie-breaks" —
// multiple edges matching a handle are a valid fan-out, all enqueued).
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

// backoffFor computes exponential backoff with +-20% jitter (spec.md §7).
func backoffFor(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * time.Second
	if base > 5*time.Minute {
		base = 5 * time.Minute
	}
	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(base) * jitter)
}

func leadMap(ctx map[string]any) map[string]any {
	if ctx == nil {
		return nil
	}
	if lead, ok := ctx["lead"].(map[string]any); ok {
		return lead
	}
	return nil
}
