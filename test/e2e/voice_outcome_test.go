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

package e2e

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nextlane/flowengine/pkg/engine"
	"github.com/nextlane/flowengine/pkg/engine/resumer"
	"github.com/nextlane/flowengine/pkg/engine/trigger"
	"github.com/nextlane/flowengine/test/e2e/harness"
)

// An AI voice call outcome branches the run by sentiment rather than
// raw call status, per the resumer's deriveVoiceHandle precedence.
func TestVoiceCallOutcomeBranchesBySentiment(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)

	h.CreateDefinition(ctx, &engine.Definition{
		Name:     "qualify by call",
		TenantID: "tenant-c",
		Trigger:  engine.TriggerLeadCreated,
		IsActive: true,
		Nodes: []engine.Node{
			{ID: "n1", Kind: engine.NodeTrigger},
			{ID: "n2", Kind: engine.NodeActionVoiceCallWithResponse, Voice: &engine.VoiceConfig{
				AgentRef: "qualifier-v1",
				Outcomes: []engine.ExpectedOutcome{
					{Outcome: "interested", NextHandle: engine.HandleInterested},
					{Outcome: "not_interested", NextHandle: engine.HandleNotInterested},
				},
			}},
			{ID: "n3", Kind: engine.NodeActionHumanTask, HumanTask: &engine.HumanTaskConfig{TaskKind: "follow_up_call"}},
		},
		Edges: []engine.Edge{
			{FromNode: "n1", ToNode: "n2"},
			{FromNode: "n2", ToNode: "n3", Handle: engine.HandleInterested},
		},
	})

	results := h.Fire(ctx, trigger.Event{
		TenantID: "tenant-c", Type: engine.TriggerLeadCreated, LeadID: "lead-3",
		Lead: map[string]any{"phone": "+15550003333"},
	})
	require.Len(t, results, 1)
	h.DrainExecute(ctx, 20)

	run := h.Run(ctx, results[0].RunID)
	require.Equal(t, engine.RunWaitingForCall, run.Status)
	require.Len(t, h.Voice.Placed, 1)
	conversationID := run.WaitingForCall.ProviderConversationID
	require.NotEmpty(t, conversationID)

	// The provider reports a generic "answered" status but the
	// conversation's sentiment analysis says the lead is interested;
	// sentiment wins over raw status (per the engine's own handle
	// derivation precedence).
	ok, err := h.Resumer.HandleVoiceOutcome(ctx, resumer.VoiceOutcomeEvent{
		ProviderConversationID: conversationID,
		Status:                 "answered",
		Analysis:               map[string]any{"interested": true},
	})
	require.NoError(t, err)
	require.True(t, ok)

	h.DrainExecute(ctx, 20)

	run = h.Run(ctx, run.ID)
	require.Equal(t, engine.RunWaitingForTask, run.Status)
	require.Len(t, h.Task.Created, 1, "the interested branch reaches the follow-up human task")
}
