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

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nextlane/flowengine/pkg/engine"
	"github.com/nextlane/flowengine/test/e2e/harness"
)

// A run whose worker crashed mid-job (leaving it "processing" with no
// further progress for longer than the stuck window) is reclaimed: its
// job is reset to pending and requeued so another worker picks it up.
func TestSupervisorReclaimsStuckProcessingJob(t *testing.T) {
	ctx := context.Background()
	h := harness.New(t)
	h.Supervisor.StuckAfter = time.Hour

	def := &engine.Definition{
		ID: uuid.NewString(), Name: "stuck run", TenantID: "tenant-f",
		Trigger: engine.TriggerLeadCreated, IsActive: true,
		Nodes: []engine.Node{
			{ID: "n1", Kind: engine.NodeTrigger},
			{ID: "n2", Kind: engine.NodeActionEmail, Email: &engine.EmailConfig{Subject: "s", Body: "b"}},
		},
		Edges: []engine.Edge{{FromNode: "n1", ToNode: "n2"}},
	}
	h.CreateDefinition(ctx, def)

	old := time.Now().Add(-2 * time.Hour)
	run := &engine.Run{
		ID: uuid.NewString(), TenantID: "tenant-f", DefinitionID: def.ID, LeadID: "lead-7",
		Status: engine.RunRunning, StartedAt: old, UpdatedAt: old,
		Context: map[string]any{"lead": map[string]any{"phone": "+15550007777"}},
	}
	require.NoError(t, h.Store.CreateRun(ctx, run))

	job := &engine.Job{
		ID: uuid.NewString(), RunID: run.ID, DefinitionID: def.ID, LeadID: run.LeadID,
		TenantID: run.TenantID, NodeID: "n2", Status: engine.JobProcessing,
		ScheduledFor: old, MaxAttempts: engine.DefaultMaxAttempts,
	}
	require.NoError(t, h.Store.CreateJob(ctx, job))

	result, err := h.Supervisor.Reclaim(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, result.ScannedRuns)
	require.Equal(t, 1, result.RequeuedJobs)

	h.DrainExecute(ctx, 20)

	reclaimed := h.Run(ctx, run.ID)
	require.Equal(t, engine.RunCompleted, reclaimed.Status)
}
