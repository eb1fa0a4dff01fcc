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
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlane/flowengine/pkg/engine"
	"github.com/nextlane/flowengine/pkg/engine/resumer"
	"github.com/nextlane/flowengine/pkg/engine/trigger"
	"github.com/nextlane/flowengine/test/e2e/harness"
)

// A delay node must be time-only: an inbound reply arriving while the
// delay is pending must never advance the run early, and the delay's
// successor must not run until the configured wait has elapsed.
func TestDelayIsTimeOnly(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)

	const wait = 1 * time.Second

	h.CreateDefinition(ctx, &engine.Definition{
		Name:     "delay then follow up",
		TenantID: "tenant-a",
		Trigger:  engine.TriggerLeadCreated,
		IsActive: true,
		Nodes: []engine.Node{
			{ID: "n1", Kind: engine.NodeTrigger},
			{ID: "n2", Kind: engine.NodeDelay, Delay: &engine.DelayConfig{Unit: "seconds", Duration: 1}},
			{ID: "n3", Kind: engine.NodeActionEmail, Email: &engine.EmailConfig{
				Subject: "Following up",
				Body:    "Checking in after the wait.",
			}},
		},
		Edges: []engine.Edge{
			{FromNode: "n1", ToNode: "n2"},
			{FromNode: "n2", ToNode: "n3"},
		},
	})

	results := h.Fire(ctx, trigger.Event{
		TenantID: "tenant-a",
		Type:     engine.TriggerLeadCreated,
		LeadID:   "lead-1",
		Lead: map[string]any{
			"phone": "+15550009999",
			"name":  "Jordan",
		},
	})
	require.Len(t, results, 1)
	require.True(t, results[0].Started)
	runID := results[0].RunID

	// The delay node's own job isn't visible to a worker yet, so
	// draining now does nothing and the run is still running, not
	// parked in any waiting state.
	h.DrainExecute(ctx, 20)
	run := h.Run(ctx, runID)
	require.Equal(t, engine.RunRunning, run.Status)
	require.Nil(t, run.WaitingForReply)

	// An inbound reply arriving during the delay window must not match
	// anything: the delay node never parks a waitingForReply record.
	ok, err := h.Resumer.HandleReply(ctx, resumer.ReplyEvent{
		TenantID: "tenant-a", Phone: "+15550009999", Text: "hello?",
	})
	require.NoError(t, err)
	require.False(t, ok, "a reply must never resume a run waiting only on a delay")

	run = h.Run(ctx, runID)
	require.Equal(t, engine.RunRunning, run.Status, "the premature reply must not have advanced the run")
	require.Empty(t, h.Messaging.Sent)

	// Once the delay has actually elapsed, the worker picks up the
	// delay node's job (an instant pass-through) and runs its successor.
	time.Sleep(wait + 200*time.Millisecond)
	h.DrainExecute(ctx, 20)

	run = h.Run(ctx, runID)
	require.Equal(t, engine.RunCompleted, run.Status)
	require.Len(t, h.Messaging.Sent, 1, "the email node dispatches through the messaging adapter port")
}
