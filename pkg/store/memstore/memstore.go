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

// Package memstore provides an in-memory Store implementation used by
// tests and local/single-process development, mirroring the teacher's
// backend/memory package.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nextlane/flowengine/pkg/engine"
	"github.com/nextlane/flowengine/pkg/store"
)

// Store is an in-memory, mutex-guarded implementation of store.Store.
type Store struct {
	mu          sync.Mutex
	definitions map[string]*engine.Definition
	runs        map[string]*engine.Run
	jobs        map[string]*engine.Job
	logs        []*engine.ExecutionLogEntry
	leadPhones  map[string]string // leadID -> phone, derived from each run's lead snapshot
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		definitions: make(map[string]*engine.Definition),
		runs:        make(map[string]*engine.Run),
		jobs:        make(map[string]*engine.Job),
		leadPhones:  make(map[string]string),
	}
}

// SetLeadPhone explicitly overrides the phone number associated with a
// lead, for tests exercising a phone that differs from the one in the
// run's stored lead snapshot. CreateRun/UpdateRun populate this
// automatically from run.Context["lead"]["phone"] in the common case.
func (s *Store) SetLeadPhone(leadID, phone string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leadPhones[leadID] = phone
}

func (s *Store) Close() error { return nil }

// --- DefinitionStore ---

func (s *Store) CreateDefinition(_ context.Context, def *engine.Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *def
	s.definitions[def.ID] = &cp
	return nil
}

func (s *Store) GetDefinition(_ context.Context, id string) (*engine.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.definitions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *Store) ActiveDefinitionsForTrigger(_ context.Context, tenantID string, triggerType engine.TriggerType) ([]*engine.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	normalized := engine.NormalizeTriggerType(triggerType)
	var out []*engine.Definition
	for _, d := range s.definitions {
		if d.DeletedAt != nil || !d.IsActive || d.TenantID != tenantID {
			continue
		}
		if engine.NormalizeTriggerType(d.Trigger) != normalized {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateDefinitionStats(_ context.Context, def *engine.Definition, mutate func(*engine.Definition)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.definitions[def.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Version != def.Version {
		return store.ErrVersionConflict
	}
	updated := *cur
	mutate(&updated)
	updated.Version++
	updated.UpdatedAt = time.Now().UTC()
	s.definitions[def.ID] = &updated
	*def = updated
	return nil
}

func (s *Store) SoftDeleteDefinition(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.definitions[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	d.DeletedAt = &now
	return nil
}

// --- RunStore ---

func (s *Store) CreateRun(_ context.Context, run *engine.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return store.ErrVersionConflict
	}
	cp := *run
	s.runs[run.ID] = &cp
	s.rememberLeadPhoneLocked(run)
	return nil
}

// rememberLeadPhoneLocked mirrors the sqlite/postgres backends, which
// extract a queryable "phone" column from the run document's lead
// snapshot at write time instead of requiring a separate lead
// directory (spec.md §1 — the CRM owns lead data; the engine stores
// just enough of the snapshot to resume a waiting run). Must be called
// with s.mu held.
func (s *Store) rememberLeadPhoneLocked(run *engine.Run) {
	if run.LeadID == "" || run.Context == nil {
		return
	}
	lead, _ := run.Context["lead"].(map[string]any)
	phone, _ := lead["phone"].(string)
	if phone != "" {
		s.leadPhones[run.LeadID] = phone
	}
}

func (s *Store) GetRun(_ context.Context, id string) (*engine.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *Store) UpdateRun(_ context.Context, run *engine.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.runs[run.ID]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Version != run.Version {
		return store.ErrVersionConflict
	}
	cp := *run
	cp.Version++
	cp.UpdatedAt = time.Now().UTC()
	s.runs[run.ID] = &cp
	s.rememberLeadPhoneLocked(&cp)
	run.Version = cp.Version
	run.UpdatedAt = cp.UpdatedAt
	return nil
}

func (s *Store) ListRuns(_ context.Context, filter store.RunFilter) ([]*engine.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*engine.Run
	for _, r := range s.runs {
		if !matchesFilter(r, filter) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchesFilter(r *engine.Run, f store.RunFilter) bool {
	if f.TenantID != "" && r.TenantID != f.TenantID {
		return false
	}
	if f.DefinitionID != "" && r.DefinitionID != f.DefinitionID {
		return false
	}
	if f.LeadID != "" && r.LeadID != f.LeadID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}

func (s *Store) HasRunEverExisted(_ context.Context, definitionID, leadID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.DefinitionID == definitionID && r.LeadID == leadID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) HasActiveRun(_ context.Context, definitionID, leadID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.DefinitionID == definitionID && r.LeadID == leadID && r.Status.IsActive() {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) MostRecentRunStart(_ context.Context, definitionID, leadID string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest time.Time
	found := false
	for _, r := range s.runs {
		if r.DefinitionID != definitionID || r.LeadID != leadID {
			continue
		}
		if !found || r.StartedAt.After(latest) {
			latest = r.StartedAt
			found = true
		}
	}
	return latest, found, nil
}

func (s *Store) FindActiveRunsByPhone(_ context.Context, tenantID, phone string) ([]*engine.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*engine.Run
	for _, r := range s.runs {
		if r.TenantID != tenantID || !r.Status.IsActive() {
			continue
		}
		if s.leadPhones[r.LeadID] != phone {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (s *Store) FindRunByProviderCallID(_ context.Context, callID string) (*engine.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.WaitingForCall != nil && r.WaitingForCall.ProviderCallID == callID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) FindRunByProviderConversationID(_ context.Context, conversationID string) (*engine.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.WaitingForCall != nil && r.WaitingForCall.ProviderConversationID == conversationID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) FindRunByTaskID(_ context.Context, taskID string) (*engine.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.WaitingForTask != nil && r.WaitingForTask.TaskID == taskID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) FindStuckRuns(_ context.Context, olderThan time.Time) ([]*engine.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*engine.Run
	for _, r := range s.runs {
		if r.Status.IsActive() && r.UpdatedAt.Before(olderThan) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) FindExpiredReplyWaits(_ context.Context, asOf time.Time) ([]*engine.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*engine.Run
	for _, r := range s.runs {
		if r.Status == engine.RunWaitingForReply && r.WaitingForReply != nil && !r.WaitingForReply.TimeoutAt.After(asOf) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) FindExpiredCallWaits(_ context.Context, asOf time.Time) ([]*engine.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*engine.Run
	for _, r := range s.runs {
		if r.Status == engine.RunWaitingForCall && r.WaitingForCall != nil && !r.WaitingForCall.TimeoutAt.After(asOf) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) DeleteOlderThan(_ context.Context, statuses []engine.RunStatus, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[engine.RunStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	count := 0
	for id, r := range s.runs {
		if !want[r.Status] {
			continue
		}
		if r.CompletedAt == nil || r.CompletedAt.After(cutoff) {
			continue
		}
		delete(s.runs, id)
		count++
	}
	return count, nil
}

func (s *Store) CountRuns(_ context.Context, filter store.RunFilter, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, r := range s.runs {
		if !matchesFilter(r, filter) {
			continue
		}
		if !since.IsZero() && r.StartedAt.Before(since) {
			continue
		}
		count++
	}
	return count, nil
}

// --- JobStore ---

func (s *Store) CreateJob(_ context.Context, job *engine.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *Store) GetJob(_ context.Context, id string) (*engine.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *Store) UpdateJob(_ context.Context, job *engine.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *Store) ListJobsByRun(_ context.Context, runID string) ([]*engine.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*engine.Job
	for _, j := range s.jobs {
		if j.RunID == runID {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) FindStuckProcessingJobs(_ context.Context, olderThan time.Time) ([]*engine.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*engine.Job
	for _, j := range s.jobs {
		if j.Status == engine.JobProcessing && j.ScheduledFor.Before(olderThan) {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) DeleteOrphaned(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, j := range s.jobs {
		if _, ok := s.runs[j.RunID]; !ok {
			delete(s.jobs, id)
			count++
		}
	}
	return count, nil
}

func (s *Store) DeleteCompletedOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, j := range s.jobs {
		if j.Status == engine.JobCompleted && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			count++
		}
	}
	return count, nil
}

func (s *Store) CountByStatus(_ context.Context, status engine.JobStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, j := range s.jobs {
		if j.Status == status {
			count++
		}
	}
	return count, nil
}

func (s *Store) CountFailedSince(_ context.Context, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, j := range s.jobs {
		if j.Status == engine.JobFailed && j.LastAttemptAt != nil && j.LastAttemptAt.After(since) {
			count++
		}
	}
	return count, nil
}

// --- ExecutionLogStore ---

func (s *Store) AppendLog(_ context.Context, entry *engine.ExecutionLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.logs = append(s.logs, &cp)
	return nil
}

func (s *Store) ListLogsForRun(_ context.Context, runID string) ([]*engine.ExecutionLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*engine.ExecutionLogEntry
	for _, e := range s.logs {
		if e.RunID == runID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

var _ store.Store = (*Store)(nil)
