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
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	engerrors "github.com/nextlane/flowengine/pkg/errors"

	"github.com/nextlane/flowengine/pkg/adapters"
	"github.com/nextlane/flowengine/pkg/engine"
	"github.com/nextlane/flowengine/pkg/engine/trigger"
	"github.com/nextlane/flowengine/test/e2e/harness"
)

// A node whose handler always fails transiently, and whose maxAttempts
// is already exhausted on the first attempt, is dead-lettered: the run
// fails terminally and the admin notifier fires exactly once.
func TestNodeFailureDeadLettersAfterExhaustingRetries(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)
	h.Executor.Notifier = h.Messaging
	h.Executor.AdminEmail = "ops@example.com"

	h.CreateDefinition(ctx, &engine.Definition{
		Name:     "broken provider",
		TenantID: "tenant-d",
		Trigger:  engine.TriggerLeadCreated,
		IsActive: true,
		Nodes: []engine.Node{
			{ID: "n1", Kind: engine.NodeTrigger},
			{ID: "n2", Kind: engine.NodeActionMessaging, MaxAttempts: 1, Messaging: &engine.MessagingConfig{
				Channel: "sms", Body: "this will never send",
			}},
		},
		Edges: []engine.Edge{{FromNode: "n1", ToNode: "n2"}},
	})

	h.Messaging.SendFunc = func(adapters.MessagingSendRequest) (adapters.MessagingSendResult, error) {
		return adapters.MessagingSendResult{}, engerrors.Transient(errors.New("provider unreachable"))
	}

	results := h.Fire(ctx, trigger.Event{
		TenantID: "tenant-d", Type: engine.TriggerLeadCreated, LeadID: "lead-4",
		Lead: map[string]any{"phone": "+15550004444"},
	})
	require.Len(t, results, 1)

	h.DrainExecute(ctx, 20)

	run := h.Run(ctx, results[0].RunID)
	require.Equal(t, engine.RunFailed, run.Status)
	require.NotEmpty(t, run.Error)

	// One send attempt for the doomed node, one more for the admin
	// notification the executor dispatches on dead-letter.
	require.Len(t, h.Messaging.Sent, 2)
}
