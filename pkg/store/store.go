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

// Package store defines the durable state store interface of spec.md
// §2.2/§6: definitions, runs, jobs, and the execution log, accessed
// through a small repository interface. The package uses interface
// segregation the way the teacher's backend package does: components
// that only need run access can depend on RunStore instead of the full
// Store.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/nextlane/flowengine/pkg/engine"
)

// ErrNotFound is returned when a lookup by ID finds nothing.
var ErrNotFound = errors.New("store: not found")

// ErrVersionConflict is returned by UpdateRun/UpdateDefinitionStats when the
// stored version no longer matches the version the caller read — the
// per-Run compare-and-set of spec.md §5. Callers retry their
// read-modify-write cycle.
var ErrVersionConflict = errors.New("store: version conflict")

// DefinitionStore is the minimal interface for definition storage.
type DefinitionStore interface {
	CreateDefinition(ctx context.Context, def *engine.Definition) error
	GetDefinition(ctx context.Context, id string) (*engine.Definition, error)
	// ActiveDefinitionsForTrigger returns tenant-scoped, isActive
	// definitions matching triggerType (spec.md §4.1 step 2), honoring
	// the siteVisitScheduled/appointmentScheduled alias.
	ActiveDefinitionsForTrigger(ctx context.Context, tenantID string, triggerType engine.TriggerType) ([]*engine.Definition, error)
	// UpdateDefinitionStats applies a CAS update to runsCount,
	// successCount, failureCount and lastRunAt.
	UpdateDefinitionStats(ctx context.Context, def *engine.Definition, mutate func(*engine.Definition)) error
	SoftDeleteDefinition(ctx context.Context, id string) error
}

// RunFilter narrows ListRuns / CountRuns queries.
type RunFilter struct {
	TenantID     string
	DefinitionID string
	LeadID       string
	Status       engine.RunStatus
	Limit        int
}

// RunStore is the minimal interface for run storage.
type RunStore interface {
	CreateRun(ctx context.Context, run *engine.Run) error
	GetRun(ctx context.Context, id string) (*engine.Run, error)
	// UpdateRun performs a compare-and-set write keyed on run.Version;
	// returns ErrVersionConflict on a lost race.
	UpdateRun(ctx context.Context, run *engine.Run) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*engine.Run, error)

	// HasRunEverExisted reports whether any run exists for
	// (definitionID, leadID), used by runOncePerLead (spec.md §4.1 step b).
	HasRunEverExisted(ctx context.Context, definitionID, leadID string) (bool, error)
	// HasActiveRun reports whether an active run exists for
	// (definitionID, leadID), used by preventDuplicates (step c).
	HasActiveRun(ctx context.Context, definitionID, leadID string) (bool, error)
	// MostRecentRunStart returns the most recent run's start time
	// for (definitionID, leadID), used by cooldownMinutes (step d).
	MostRecentRunStart(ctx context.Context, definitionID, leadID string) (time.Time, bool, error)

	// FindActiveRunsByPhone returns runs for tenantID whose lead's phone
	// matches, ordered most-recent-first (spec.md §4.3 reply path): the
	// sqlite and postgres backends return only waitingForReply runs,
	// memstore every active run.
	FindActiveRunsByPhone(ctx context.Context, tenantID, phone string) ([]*engine.Run, error)
	// FindRunByProviderCallID / FindRunByProviderConversationID locate a
	// run waiting on a voice callback (spec.md §4.3 voice path).
	FindRunByProviderCallID(ctx context.Context, callID string) (*engine.Run, error)
	FindRunByProviderConversationID(ctx context.Context, conversationID string) (*engine.Run, error)
	// FindRunByTaskID locates a run waiting on a human task (§4.3 task path).
	FindRunByTaskID(ctx context.Context, taskID string) (*engine.Run, error)

	// FindStuckRuns returns active runs whose UpdatedAt is older than
	// olderThan (supervisor reclaim, spec.md §4.5).
	FindStuckRuns(ctx context.Context, olderThan time.Time) ([]*engine.Run, error)
	// FindExpiredReplyWaits / FindExpiredCallWaits return waiting runs
	// whose wait timeoutAt has passed, for the timeout queue/poller.
	FindExpiredReplyWaits(ctx context.Context, asOf time.Time) ([]*engine.Run, error)
	FindExpiredCallWaits(ctx context.Context, asOf time.Time) ([]*engine.Run, error)

	// DeleteOlderThan removes terminal runs in the given status set
	// older than the cutoff (supervisor prune, spec.md §4.5).
	DeleteOlderThan(ctx context.Context, statuses []engine.RunStatus, cutoff time.Time) (int, error)
	CountRuns(ctx context.Context, filter RunFilter, since time.Time) (int, error)
}

// JobStore is the minimal interface for job record storage.
type JobStore interface {
	CreateJob(ctx context.Context, job *engine.Job) error
	GetJob(ctx context.Context, id string) (*engine.Job, error)
	UpdateJob(ctx context.Context, job *engine.Job) error
	ListJobsByRun(ctx context.Context, runID string) ([]*engine.Job, error)
	// FindStuckProcessingJobs returns jobs stuck in processing whose
	// scheduledFor is before olderThan (supervisor reclaim).
	FindStuckProcessingJobs(ctx context.Context, olderThan time.Time) ([]*engine.Job, error)
	// DeleteOrphaned removes jobs whose parent run no longer exists.
	DeleteOrphaned(ctx context.Context) (int, error)
	DeleteCompletedOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	CountByStatus(ctx context.Context, status engine.JobStatus) (int, error)
	CountFailedSince(ctx context.Context, since time.Time) (int, error)
}

// ExecutionLogStore is the minimal interface for the analytics log.
type ExecutionLogStore interface {
	AppendLog(ctx context.Context, entry *engine.ExecutionLogEntry) error
	ListLogsForRun(ctx context.Context, runID string) ([]*engine.ExecutionLogEntry, error)
}

// Store composes the full repository surface. Most components accept
// the narrower segregated interfaces above; Store is for wiring code
// that needs everything (daemon startup, supervisor).
type Store interface {
	DefinitionStore
	RunStore
	JobStore
	ExecutionLogStore
	Close() error
}
