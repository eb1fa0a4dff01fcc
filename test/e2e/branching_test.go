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

// A button reply routes the run to a human task node instead of the
// "no interest" branch, exercising handle-based edge dispatch.
func TestButtonReplyBranchesToHumanTask(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)

	h.CreateDefinition(ctx, &engine.Definition{
		Name:     "book a viewing",
		TenantID: "tenant-b",
		Trigger:  engine.TriggerLeadCreated,
		IsActive: true,
		Nodes: []engine.Node{
			{ID: "n1", Kind: engine.NodeTrigger},
			{ID: "n2", Kind: engine.NodeActionMessagingWithResponse, Messaging: &engine.MessagingConfig{
				Channel: "whatsapp",
				Body:    "Want to book a viewing?",
				Buttons: []string{"Yes", "No"},
				Responses: []engine.ExpectedResponse{
					{Kind: "button", Value: "Yes", NextHandle: "book"},
					{Kind: "button", Value: "No", NextHandle: engine.HandleNotInterested},
				},
			}},
			{ID: "n3", Kind: engine.NodeActionHumanTask, HumanTask: &engine.HumanTaskConfig{
				TaskKind: "schedule_viewing",
			}},
			{ID: "n4", Kind: engine.NodeActionEmail, Email: &engine.EmailConfig{
				Subject: "Lead not interested", Body: "No further action needed.",
			}},
		},
		Edges: []engine.Edge{
			{FromNode: "n1", ToNode: "n2"},
			{FromNode: "n2", ToNode: "n3", Handle: "book"},
			{FromNode: "n2", ToNode: "n4", Handle: engine.HandleNotInterested},
		},
	})

	results := h.Fire(ctx, trigger.Event{
		TenantID: "tenant-b", Type: engine.TriggerLeadCreated, LeadID: "lead-2",
		Lead: map[string]any{"phone": "+15550002222"},
	})
	require.Len(t, results, 1)
	h.DrainExecute(ctx, 20)

	ok, err := h.Resumer.HandleReply(ctx, resumer.ReplyEvent{
		TenantID: "tenant-b", Phone: "+15550002222", Button: "Yes",
	})
	require.NoError(t, err)
	require.True(t, ok)

	h.DrainExecute(ctx, 20)

	run := h.Run(ctx, results[0].RunID)
	require.Equal(t, engine.RunWaitingForTask, run.Status)
	require.NotNil(t, run.WaitingForTask)
	require.Len(t, h.Task.Created, 1)
	require.Equal(t, "schedule_viewing", h.Task.Created[0].TaskKind)

	taskID := run.WaitingForTask.TaskID
	ok, err = h.Resumer.HandleTaskCompletion(ctx, resumer.TaskCompletionEvent{
		TaskID: taskID, Handle: engine.HandleSuccess,
	})
	require.NoError(t, err)
	require.True(t, ok)

	h.DrainExecute(ctx, 20)

	run = h.Run(ctx, run.ID)
	require.Equal(t, engine.RunCompleted, run.Status)
	// n4 (the not-interested branch) never ran.
	require.Nil(t, run.PathEntry("n4"))
}
