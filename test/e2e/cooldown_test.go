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
	"github.com/nextlane/flowengine/pkg/engine/trigger"
	"github.com/nextlane/flowengine/test/e2e/harness"
)

// A definition with a cooldown window suppresses a second trigger for
// the same lead while the first run is still within the window, but
// admits a fresh run for a different lead.
func TestCooldownSuppressesRetriggeringSameLead(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)

	h.CreateDefinition(ctx, &engine.Definition{
		Name:            "status change ping",
		TenantID:        "tenant-e",
		Trigger:         engine.TriggerLeadUpdated,
		IsActive:        true,
		CooldownMinutes: 60,
		Nodes: []engine.Node{
			{ID: "n1", Kind: engine.NodeTrigger},
			{ID: "n2", Kind: engine.NodeActionEmail, Email: &engine.EmailConfig{Subject: "status changed", Body: "..."}},
		},
		Edges: []engine.Edge{{FromNode: "n1", ToNode: "n2"}},
	})

	ev := trigger.Event{
		TenantID: "tenant-e", Type: engine.TriggerLeadUpdated, LeadID: "lead-5",
		Lead: map[string]any{"phone": "+15550005555"},
	}

	first := h.Fire(ctx, ev)
	require.Len(t, first, 1)
	require.True(t, first[0].Started)

	second := h.Fire(ctx, ev)
	require.Len(t, second, 1)
	require.False(t, second[0].Started)
	require.Contains(t, second[0].Skipped, "cooldownMinutes")

	other := h.Fire(ctx, trigger.Event{
		TenantID: "tenant-e", Type: engine.TriggerLeadUpdated, LeadID: "lead-6",
		Lead: map[string]any{"phone": "+15550006666"},
	})
	require.Len(t, other, 1)
	require.True(t, other[0].Started, "cooldown is scoped per lead, not per definition")
}
