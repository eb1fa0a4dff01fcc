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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nextlane/flowengine/pkg/adapters"
	"github.com/nextlane/flowengine/pkg/engine"
	"github.com/nextlane/flowengine/pkg/engine/executor"
	"github.com/nextlane/flowengine/pkg/engine/resumer"
	"github.com/nextlane/flowengine/pkg/engine/supervisor"
	"github.com/nextlane/flowengine/pkg/engine/trigger"
	"github.com/nextlane/flowengine/pkg/queue"
	"github.com/nextlane/flowengine/pkg/queue/memqueue"
	"github.com/nextlane/flowengine/pkg/store/memstore"
)

func newTestServer(t *testing.T) (*Server, *memstore.Store, *memqueue.Queue, *adapters.FakeMessaging) {
	t.Helper()
	st := memstore.New()
	q := memqueue.New()
	messaging := &adapters.FakeMessaging{}

	m := trigger.New(st, q, nil, nil)
	ex := executor.New(st, q, nil, nil, "test-worker", messaging, nil, nil)
	r := resumer.New(st, q, nil)
	sv := supervisor.New(st, q, r, nil)

	s := New(q, m, ex, r, sv, nil)
	return s, st, q, messaging
}

func seedDefinition(t *testing.T, st *memstore.Store) *engine.Definition {
	t.Helper()
	def := &engine.Definition{
		ID:       "def-1",
		TenantID: "tenant-1",
		Name:     "welcome email",
		Trigger:  engine.TriggerLeadCreated,
		IsActive: true,
		Nodes: []engine.Node{
			{ID: "n-trigger", Kind: engine.NodeTrigger},
			{ID: "n-email", Kind: engine.NodeActionEmail, Email: &engine.EmailConfig{
				Subject: "hi {{.lead.name}}", Body: "welcome",
			}},
		},
		Edges: []engine.Edge{
			{ID: "e-1", FromNode: "n-trigger", ToNode: "n-email"},
		},
	}
	require.NoError(t, st.CreateDefinition(context.Background(), def))
	return def
}

func TestHandleEventIntakeStartsRun(t *testing.T) {
	s, st, q, _ := newTestServer(t)
	seedDefinition(t, st)

	body, err := json.Marshal(eventIntakePayload{
		TenantID: "tenant-1",
		Type:     "leadCreated",
		LeadID:   "lead-1",
		Lead:     map[string]any{"name": "Ada", "email": "ada@example.com"},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleEventIntake(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	msg, err := q.Dequeue(context.Background(), queue.Execute)
	require.NoError(t, err)
	require.NotEmpty(t, msg.JobID)
}

func TestHandleMessagingReplyRequiresValidSignature(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	s.WebhookSecrets = map[string]string{"tenant-1": "shh"}

	body := []byte(`{"tenantId":"tenant-1","from":"+15551234","messages":[{"kind":"text","text":"yes"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/messaging/reply", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Signature", "sha256=deadbeef")
	rec := httptest.NewRecorder()
	s.handleMessagingReply(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleMessagingReplyAcceptsUnsignedWhenNoSecretConfigured(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	body := []byte(`{"tenantId":"tenant-1","from":"+15551234","messages":[{"kind":"text","text":"yes"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook/messaging/reply", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleMessagingReply(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleVoiceOutcomeAlwaysRespondsOK(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook/voice/outcome", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	s.handleVoiceOutcome(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleVoicePollRequiresSecret(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	s.PollSecret = "poll-secret"
	s.Voice = &adapters.FakeVoice{}

	req := httptest.NewRequest(http.MethodPost, "/webhook/voice/poll", nil)
	rec := httptest.NewRecorder()
	s.handleVoicePoll(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleHealthReturnsScore(t *testing.T) {
	s, st, _, _ := newTestServer(t)
	seedDefinition(t, st)

	req := httptest.NewRequest(http.MethodGet, "/workflows/health", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var health supervisor.Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	require.Equal(t, 100, health.HealthScore)
}

func TestHandleCleanupRunsPrunePass(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/workflows/cleanup", nil)
	rec := httptest.NewRecorder()
	s.handleCleanup(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterServesUnauthenticatedWebhookAndGatedAdminRoutes(t *testing.T) {
	s, _, _, _ := newTestServer(t)
	s.AdminSecret = []byte("topsecret")
	router := s.Router()

	req := httptest.NewRequest(http.MethodGet, "/workflows/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/webhook/voice/outcome", bytes.NewReader([]byte("not json")))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
