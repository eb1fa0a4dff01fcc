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

package executor

import (
	"bytes"
	"context"
	"fmt"
	"text/template"
	"time"

	"github.com/nextlane/flowengine/pkg/adapters"
	"github.com/nextlane/flowengine/pkg/condition"
	"github.com/nextlane/flowengine/pkg/engine"
	engerrors "github.com/nextlane/flowengine/pkg/errors"
)

// interpolate resolves {{.field}} references in s against data, the way
// pkg/workflow's ResolveTemplate resolves step inputs — but scoped to
// email subject/body strings, so a malformed template degrades to the
// raw string rather than failing the node (invalid input, not a bug).
func interpolate(s string, data map[string]any) string {
	tmpl, err := template.New("email").Parse(s)
	if err != nil {
		return s
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return s
	}
	return buf.String()
}

// messagingHandler builds a Handler for action.messaging and
// action.messagingWithResponse. withResponse nodes park the run in
// waitingForReply instead of completing immediately; the resumer
// (spec.md §4.3) advances it when a reply webhook arrives or the wait
// expires.
func messagingHandler(adapter adapters.MessagingAdapter, withResponse bool) Handler {
	return func(ctx context.Context, run *engine.Run, node *engine.Node, lead *engine.LeadView) (HandlerResult, error) {
		cfg := node.Messaging
		if cfg == nil {
			return HandlerResult{}, engerrors.EngineBug(fmt.Errorf("messaging node %s missing config", node.ID))
		}
		phone, ok := lead.NormalizedPhone("")
		if !ok && cfg.Channel != "email" {
			return HandlerResult{}, engerrors.InvalidInput(fmt.Errorf("lead has no usable phone number for channel %s", cfg.Channel))
		}

		res, err := adapter.Send(ctx, adapters.MessagingSendRequest{
			Channel: cfg.Channel, TenantID: run.TenantID, To: phone,
			TemplateID: cfg.TemplateID, Variables: cfg.Variables, Body: cfg.Body, Buttons: cfg.Buttons,
			IdempotencyKey: engine.IdempotencyKey(run.ID, node.ID, 0, true),
		})
		if err != nil {
			return HandlerResult{}, engerrors.Transient(err)
		}

		if !withResponse {
			return HandlerResult{Output: map[string]any{"providerMessageId": res.ProviderMessageID}}, nil
		}

		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 24 * time.Hour
		}
		run.Status = engine.RunWaitingForReply
		run.WaitingForReply = &engine.WaitingForReply{
			NodeID: node.ID, TimeoutAt: time.Now().Add(timeout),
			ExpectedResponses: cfg.Responses, TimeoutHandle: engine.HandleTimeout,
		}
		return HandlerResult{Waiting: true, Output: map[string]any{"providerMessageId": res.ProviderMessageID}}, nil
	}
}

// voiceHandler builds a Handler for action.voiceCall / action.voiceCallWithResponse.
func voiceHandler(adapter adapters.VoiceAdapter, withResponse bool) Handler {
	return func(ctx context.Context, run *engine.Run, node *engine.Node, lead *engine.LeadView) (HandlerResult, error) {
		cfg := node.Voice
		if cfg == nil {
			return HandlerResult{}, engerrors.EngineBug(fmt.Errorf("voice node %s missing config", node.ID))
		}
		phone, ok := lead.NormalizedPhone("")
		if !ok {
			return HandlerResult{}, engerrors.InvalidInput(fmt.Errorf("lead has no usable phone number"))
		}

		res, err := adapter.Place(ctx, adapters.VoicePlaceRequest{
			TenantID: run.TenantID, To: phone, AgentRef: cfg.AgentRef, Variables: cfg.Variables,
			IdempotencyKey: engine.IdempotencyKey(run.ID, node.ID, 0, true),
		})
		if err != nil {
			return HandlerResult{}, engerrors.Transient(err)
		}

		if !withResponse {
			return HandlerResult{Output: map[string]any{"providerCallId": res.ProviderCallID}}, nil
		}

		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 1 * time.Hour
		}
		run.Status = engine.RunWaitingForCall
		run.WaitingForCall = &engine.WaitingForCall{
			NodeID: node.ID, ProviderCallID: res.ProviderCallID, ProviderConversationID: res.ProviderConversationID,
			TimeoutAt: time.Now().Add(timeout), ExpectedOutcomes: cfg.Outcomes, TimeoutHandle: engine.HandleTimeout,
		}
		return HandlerResult{Waiting: true, Output: map[string]any{
			"providerCallId": res.ProviderCallID, "providerConversationId": res.ProviderConversationID,
		}}, nil
	}
}

// humanTaskHandler builds a Handler for action.humanTask: always parks
// the run in waitingForTask until the resumer's task-completion entry
// point advances it (spec.md §4.3).
func humanTaskHandler(adapter adapters.TaskAdapter) Handler {
	return func(ctx context.Context, run *engine.Run, node *engine.Node, lead *engine.LeadView) (HandlerResult, error) {
		cfg := node.HumanTask
		if cfg == nil {
			return HandlerResult{}, engerrors.EngineBug(fmt.Errorf("humanTask node %s missing config", node.ID))
		}
		var dueAt *int64
		if cfg.DueIn > 0 {
			t := time.Now().Add(cfg.DueIn).Unix()
			dueAt = &t
		}
		res, err := adapter.Create(ctx, adapters.TaskCreateRequest{
			TenantID: run.TenantID, RunID: run.ID, NodeID: node.ID, LeadID: run.LeadID,
			TaskKind: cfg.TaskKind, DueAt: dueAt, Assignment: cfg.Assignment,
		})
		if err != nil {
			return HandlerResult{}, engerrors.Transient(err)
		}
		run.Status = engine.RunWaitingForTask
		run.WaitingForTask = &engine.WaitingForTask{NodeID: node.ID, TaskID: res.TaskID}
		return HandlerResult{Waiting: true, Output: map[string]any{"taskId": res.TaskID}}, nil
	}
}

// emailHandler builds a Handler for action.email: one-shot, no wait
// state, variables interpolated from the lead snapshot and run context
// (spec.md §4.2 "action.email"). Dispatched via the same MessagingAdapter
// port as WhatsApp/SMS sends, with channel set to "email".
func emailHandler(adapter adapters.MessagingAdapter) Handler {
	return func(ctx context.Context, run *engine.Run, node *engine.Node, lead *engine.LeadView) (HandlerResult, error) {
		cfg := node.Email
		if cfg == nil || cfg.Subject == "" || cfg.Body == "" {
			return HandlerResult{}, engerrors.EngineBug(fmt.Errorf("email node %s missing required config", node.ID))
		}
		to := lead.Email()
		if to == "" {
			return HandlerResult{}, engerrors.InvalidInput(fmt.Errorf("lead has no email address"))
		}
		data := map[string]any{"lead": lead.Raw(), "context": run.Context}
		subject := interpolate(cfg.Subject, data)
		body := interpolate(cfg.Body, data)

		res, err := adapter.Send(ctx, adapters.MessagingSendRequest{
			Channel: "email", TenantID: run.TenantID, To: to,
			Body:           fmt.Sprintf("Subject: %s\n\n%s", subject, body),
			IdempotencyKey: engine.IdempotencyKey(run.ID, node.ID, 0, true),
		})
		if err != nil {
			return HandlerResult{}, engerrors.Transient(err)
		}
		return HandlerResult{Output: map[string]any{"providerMessageId": res.ProviderMessageID}}, nil
	}
}

// handleCondition evaluates a condition node against the lead/run
// context and follows the true or false edge; no timeout involved.
func (e *Executor) handleCondition(ctx context.Context, run *engine.Run, node *engine.Node, lead *engine.LeadView) (HandlerResult, error) {
	cfg := node.Condition
	if cfg == nil {
		return HandlerResult{}, engerrors.EngineBug(fmt.Errorf("condition node %s missing config", node.ID))
	}
	fieldVal, _ := condition.FieldValue(cfg.Field, lead, run)
	ok, err := condition.Evaluate(cfg.Operator, fieldVal, cfg.Value)
	if err != nil {
		return HandlerResult{}, engerrors.InvalidInput(err)
	}
	handle := engine.HandleFalse
	if ok {
		handle = engine.HandleTrue
	}
	return HandlerResult{Handle: handle, Output: map[string]any{"result": ok}}, nil
}

// handleConditionWithTimeout behaves like handleCondition but, when the
// condition is false, parks the run in a waitingForReply-shaped wait with
// a zero-entry expected-response table. matchReply never matches an
// empty table (resumer.go), so an inbound reply can never resume this
// wait early — only the timeout sweep, which resumes by NodeID/handle
// directly rather than through matchReply, can advance it (spec.md §3
// node kinds table).
func (e *Executor) handleConditionWithTimeout(ctx context.Context, run *engine.Run, node *engine.Node, lead *engine.LeadView) (HandlerResult, error) {
	cfg := node.Condition
	if cfg == nil {
		return HandlerResult{}, engerrors.EngineBug(fmt.Errorf("conditionWithTimeout node %s missing config", node.ID))
	}
	fieldVal, _ := condition.FieldValue(cfg.Field, lead, run)
	ok, err := condition.Evaluate(cfg.Operator, fieldVal, cfg.Value)
	if err != nil {
		return HandlerResult{}, engerrors.InvalidInput(err)
	}
	if ok {
		return HandlerResult{Handle: engine.HandleTrue, Output: map[string]any{"result": true}}, nil
	}

	run.Status = engine.RunWaitingForReply
	run.WaitingForReply = &engine.WaitingForReply{
		NodeID: node.ID, TimeoutAt: time.Now().Add(cfg.Timeout), TimeoutHandle: engine.HandleTimeout,
	}
	// No queue entry is scheduled here: the timeout worker pool polls
	// store.FindExpiredReplyWaits and resumes the run once TimeoutAt
	// passes, so a crash between parking and resumption loses nothing.
	return HandlerResult{Waiting: true, Output: map[string]any{"result": false, "awaitingRecheck": true}}, nil
}

// handleDelay is time-only (spec.md §4.2 "delay": "do not execute side
// effects; enqueue each successor with that delay"). The wait itself is
// spent before this handler ever runs: a delay node's own job is
// scheduled ScheduleDelay() into the future at every job-creation site
// (trigger start, success fan-out, failure fan-out, resumer fan-out), so
// once a worker dequeues it the wait has already elapsed and this
// handler is an instant pass-through. It parks nothing on the Run — a
// delay is not a callback gate, so it must never be reachable by the
// reply/call/task resumer paths.
func (e *Executor) handleDelay(ctx context.Context, run *engine.Run, node *engine.Node, lead *engine.LeadView) (HandlerResult, error) {
	if node.Delay == nil {
		return HandlerResult{}, engerrors.EngineBug(fmt.Errorf("delay node %s missing config", node.ID))
	}
	return HandlerResult{}, nil
}

// handleWaitForResponse is a pure pause: it parks the run and relies
// entirely on the resumer's reply/timeout entry points to advance it.
func (e *Executor) handleWaitForResponse(ctx context.Context, run *engine.Run, node *engine.Node, lead *engine.LeadView) (HandlerResult, error) {
	cfg := node.WaitForResp
	if cfg == nil {
		return HandlerResult{}, engerrors.EngineBug(fmt.Errorf("waitForResponse node %s missing config", node.ID))
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	run.Status = engine.RunWaitingForReply
	run.WaitingForReply = &engine.WaitingForReply{
		NodeID: node.ID, TimeoutAt: time.Now().Add(timeout),
		ExpectedResponses: cfg.Responses, TimeoutHandle: engine.HandleTimeout,
	}
	return HandlerResult{Waiting: true}, nil
}

