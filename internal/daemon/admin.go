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
	"net/http"
	"strconv"
	"time"
)

// handleHealth implements GET /workflows/health (spec.md §6).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenantId")
	health, err := s.Supervisor.Health(r.Context(), tenantID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to gather health")
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func intQuery(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// handleCleanupStats implements GET /workflows/cleanup-stats?days=&failedDays=.
func (s *Server) handleCleanupStats(w http.ResponseWriter, r *http.Request) {
	completedDays := intQuery(r, "days", int(s.Supervisor.Retention.CompletedRuns/(24*time.Hour)))
	failedDays := intQuery(r, "failedDays", int(s.Supervisor.Retention.FailedRuns/(24*time.Hour)))

	stats, err := s.Supervisor.CleanupStats(r.Context(), completedDays, failedDays)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to gather cleanup stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleCleanup implements POST /workflows/cleanup, running the
// supervisor's prune pass.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	result, err := s.Supervisor.Prune(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleRecover implements POST /workflows/recover?hours=, running the
// supervisor's reclaim pass with the given stuck threshold.
func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	hours := intQuery(r, "hours", int(s.Supervisor.StuckAfter/time.Hour))
	result, err := s.Supervisor.Reclaim(r.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "recover failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
