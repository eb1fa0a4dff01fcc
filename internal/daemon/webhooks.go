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

package daemon

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/nextlane/flowengine/pkg/engine"
	"github.com/nextlane/flowengine/pkg/engine/resumer"
	"github.com/nextlane/flowengine/pkg/engine/trigger"
	"github.com/nextlane/flowengine/pkg/store"
)

const maxWebhookBody = 1 << 20 // 1MiB; provider payloads are small JSON

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
}

// messagingReplyMessage is one entry of the neutral messaging-provider
// payload shape spec.md §6 documents.
type messagingReplyMessage struct {
	Kind              string `json:"kind"`
	Text              string `json:"text,omitempty"`
	ButtonPayload     string `json:"buttonPayload,omitempty"`
	ButtonText        string `json:"buttonText,omitempty"`
	ProviderMessageID string `json:"providerMessageId,omitempty"`
}

type messagingReplyPayload struct {
	TenantID   string                  `json:"tenantId"`
	From       string                  `json:"from"`
	ReceivedAt string                  `json:"receivedAt,omitempty"`
	Messages   []messagingReplyMessage `json:"messages"`
}

// handleMessagingReply implements POST /webhook/messaging/reply
// (spec.md §6). Signature verification runs against the tenant-scoped
// secret when one is configured; its absence is logged, not rejected.
func (s *Server) handleMessagingReply(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	var payload messagingReplyPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	ok, hadSecret := s.verifyWebhookSignature(r, body, payload.TenantID)
	if !ok {
		writeError(w, http.StatusUnauthorized, "signature verification failed")
		return
	}
	if !hadSecret {
		s.logger().Warn("messaging reply webhook processed without a configured signing secret", "tenantId", payload.TenantID)
	}

	for _, msg := range payload.Messages {
		_, err := s.Resumer.HandleReply(r.Context(), resumer.ReplyEvent{
			TenantID: payload.TenantID,
			Phone:    payload.From,
			Text:     msg.Text,
			Button:   msg.ButtonPayload,
		})
		if err != nil {
			s.logger().Error("messaging reply handling failed", "tenantId", payload.TenantID, "from", payload.From, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleMessagingVerify implements GET /webhook/messaging/verify: a
// handshake challenge-echo for registering the webhook with the
// messaging provider.
func (s *Server) handleMessagingVerify(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode != "subscribe" || s.VerifyToken == "" || token != s.VerifyToken {
		writeError(w, http.StatusForbidden, "verification failed")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

type voiceOutcomePayload struct {
	ProviderConversationID string         `json:"providerConversationId,omitempty"`
	ProviderCallID         string         `json:"providerCallId,omitempty"`
	CallbackRunID          string         `json:"callbackRunId,omitempty"`
	Status                 string         `json:"status"`
	DurationSecs           int            `json:"durationSecs,omitempty"`
	Analysis               map[string]any `json:"analysis,omitempty"`
	Metadata               map[string]any `json:"metadata,omitempty"`
}

// handleVoiceOutcome implements POST /webhook/voice/outcome. It always
// responds 2xx — spec.md §6 calls this out explicitly to avoid
// provider-side retry storms — logging any processing error instead of
// surfacing it.
func (s *Server) handleVoiceOutcome(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		s.logger().Error("voice outcome: failed to read body", "error", err)
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	var payload voiceOutcomePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.logger().Error("voice outcome: invalid JSON payload", "error", err)
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	_, err = s.Resumer.HandleVoiceOutcome(r.Context(), resumer.VoiceOutcomeEvent{
		ProviderCallID:         payload.ProviderCallID,
		ProviderConversationID: payload.ProviderConversationID,
		CallbackRunID:          payload.CallbackRunID,
		Status:                 payload.Status,
		Analysis:               payload.Analysis,
	})
	if err != nil {
		s.logger().Error("voice outcome handling failed", "providerCallId", payload.ProviderCallID, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleVoicePoll implements POST /webhook/voice/poll: protected by a
// shared secret, it drives a polling pass over every waitingForCall run
// using VoiceAdapter.FetchOutcome, for providers that don't reliably
// push a completion callback (spec.md §6).
func (s *Server) handleVoicePoll(w http.ResponseWriter, r *http.Request) {
	if !verifySharedSecret(extractBearerToken(r), s.PollSecret) {
		writeError(w, http.StatusUnauthorized, "invalid poll secret")
		return
	}
	if s.Voice == nil {
		writeError(w, http.StatusServiceUnavailable, "no voice adapter configured")
		return
	}

	ctx := r.Context()
	runs, err := s.Supervisor.Store.ListRuns(ctx, store.RunFilter{Status: engine.RunWaitingForCall})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list waiting calls")
		return
	}

	polled, resumed := 0, 0
	for _, run := range runs {
		if run.WaitingForCall == nil || run.WaitingForCall.ProviderConversationID == "" {
			continue
		}
		polled++
		outcome, err := s.Voice.FetchOutcome(ctx, run.WaitingForCall.ProviderConversationID)
		if err != nil {
			s.logger().Error("voice poll: fetch outcome failed", "runId", run.ID, "error", err)
			continue
		}
		did, err := s.Resumer.HandleVoiceOutcome(ctx, resumer.VoiceOutcomeEvent{
			ProviderConversationID: run.WaitingForCall.ProviderConversationID,
			Status:                 outcome.Status,
			Analysis:               outcome.Analysis,
		})
		if err != nil {
			s.logger().Error("voice poll: resume failed", "runId", run.ID, "error", err)
			continue
		}
		if did {
			resumed++
		}
	}

	writeJSON(w, http.StatusOK, map[string]int{"polled": polled, "resumed": resumed})
}

type taskCompletedPayload struct {
	TaskID           string         `json:"taskId"`
	CompletionResult string         `json:"completionResult,omitempty"`
	Notes            string         `json:"notes,omitempty"`
	Result           map[string]any `json:"result,omitempty"`
}

// handleTaskCompleted implements POST /webhook/task/completed.
func (s *Server) handleTaskCompleted(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	var payload taskCompletedPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if payload.TaskID == "" {
		writeError(w, http.StatusBadRequest, "taskId is required")
		return
	}

	result := payload.Result
	if result == nil {
		result = map[string]any{}
	}
	if payload.Notes != "" {
		result["notes"] = payload.Notes
	}

	did, err := s.Resumer.HandleTaskCompletion(r.Context(), resumer.TaskCompletionEvent{
		TaskID: payload.TaskID,
		Handle: engine.Handle(payload.CompletionResult),
		Result: result,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "task completion handling failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resumed": did})
}

// eventIntakePayload is the neutral shape of a domain occurrence posted
// by the CRM's own event producer — a lead created/updated or an
// appointment scheduled — which the Trigger Matcher evaluates against
// every active definition listening for ev.Type (spec.md §4.1).
type eventIntakePayload struct {
	TenantID   string         `json:"tenantId"`
	Type       string         `json:"type"`
	LeadID     string         `json:"leadId"`
	Lead       map[string]any `json:"lead"`
	ChangeFrom string         `json:"changeFrom,omitempty"`
	ChangeTo   string         `json:"changeTo,omitempty"`
}

// handleEventIntake implements POST /events, the entry point for
// trigger-matching a domain event, run through the trigger pool's
// concurrency limit and rate limiter (spec.md §5).
func (s *Server) handleEventIntake(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	var payload eventIntakePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if payload.TenantID == "" || payload.Type == "" {
		writeError(w, http.StatusBadRequest, "tenantId and type are required")
		return
	}

	var results []trigger.MatchResult
	err = s.runTriggered(r.Context(), func(ctx context.Context) error {
		var handleErr error
		results, handleErr = s.Trigger.Handle(ctx, trigger.Event{
			TenantID:   payload.TenantID,
			Type:       engine.NormalizeTriggerType(engine.TriggerType(payload.Type)),
			LeadID:     payload.LeadID,
			Lead:       payload.Lead,
			ChangeFrom: payload.ChangeFrom,
			ChangeTo:   payload.ChangeTo,
		})
		return handleErr
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "trigger matching failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}
