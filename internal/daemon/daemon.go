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

// Package daemon wires the Trigger Matcher, Executor, Resumer and
// Supervisor to their queue-consuming worker pools and the webhook/
// admin HTTP surface of spec.md §6, the same role the teacher's
// internal/daemon package played for the agent daemon: one process
// struct whose Start method runs until its context is cancelled and
// then shuts down, driven by an operator from cmd/flowengine.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlane/flowengine/internal/log"
	"github.com/nextlane/flowengine/internal/telemetry"
	"github.com/nextlane/flowengine/pkg/adapters"
	"github.com/nextlane/flowengine/pkg/engine/executor"
	"github.com/nextlane/flowengine/pkg/engine/resumer"
	"github.com/nextlane/flowengine/pkg/engine/supervisor"
	"github.com/nextlane/flowengine/pkg/engine/trigger"
	"github.com/nextlane/flowengine/pkg/queue"
)

// Pools sizes the three worker pools named in spec.md §5.
type Pools struct {
	TriggerConcurrency   int
	TriggerRateLimitPerS float64
	ExecutorConcurrency  int
	TimeoutConcurrency   int
	TimeoutPollInterval  time.Duration
}

// DefaultPools matches the concurrencies spec.md §5 names.
func DefaultPools() Pools {
	return Pools{
		TriggerConcurrency:   5,
		TriggerRateLimitPerS: 20,
		ExecutorConcurrency:  10,
		TimeoutConcurrency:   3,
		TimeoutPollInterval:  5 * time.Second,
	}
}

// Server hosts the engine's external HTTP surface and the three worker
// pools that drain pkg/queue on its behalf.
type Server struct {
	Queue      queue.Queue
	Trigger    *trigger.Matcher
	Executor   *executor.Executor
	Resumer    *resumer.Resumer
	Supervisor *supervisor.Supervisor
	Voice      adapters.VoiceAdapter
	Logger     *slog.Logger
	Pools      Pools

	// WebhookSecrets maps tenantID to the HMAC secret the messaging-reply
	// webhook verifies against when present (spec.md §6).
	WebhookSecrets map[string]string
	// VerifyToken is the expected challenge token for the messaging
	// provider handshake (GET /webhook/messaging/verify).
	VerifyToken string
	// AdminSecret, when non-empty, is the HS256 signing key an admin
	// request's bearer JWT must validate against.
	AdminSecret []byte
	// PollSecret guards POST /webhook/voice/poll.
	PollSecret string

	// Telemetry, when set, exposes GET /metrics and feeds the queue-depth
	// gauge from the timeout pool's sweep tick.
	Telemetry *telemetry.Provider

	httpServer  *http.Server
	triggerLim  *rate.Limiter
	triggerSem  chan struct{}
}

// New builds a Server from its collaborators, with spec.md §5's default
// pool sizing.
func New(q queue.Queue, m *trigger.Matcher, ex *executor.Executor, r *resumer.Resumer, sv *supervisor.Supervisor, logger *slog.Logger) *Server {
	pools := DefaultPools()
	s := &Server{
		Queue: q, Trigger: m, Executor: ex, Resumer: r, Supervisor: sv,
		Logger: logger, Pools: pools,
	}
	s.initTriggerLimiter()
	return s
}

// initTriggerLimiter (re)builds the trigger pool's semaphore/limiter
// from the current Pools configuration. Safe to call again after
// mutating Pools, as long as no request is in flight.
func (s *Server) initTriggerLimiter() {
	rps := s.Pools.TriggerRateLimitPerS
	if rps <= 0 {
		rps = 20
	}
	s.triggerLim = rate.NewLimiter(rate.Limit(rps), int(rps))
	n := s.Pools.TriggerConcurrency
	if n <= 0 {
		n = 1
	}
	s.triggerSem = make(chan struct{}, n)
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Router builds the http.Handler exposing every route of spec.md §6.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /webhook/messaging/reply", s.handleMessagingReply)
	mux.HandleFunc("GET /webhook/messaging/verify", s.handleMessagingVerify)
	mux.HandleFunc("POST /webhook/voice/outcome", s.handleVoiceOutcome)
	mux.HandleFunc("POST /webhook/voice/poll", s.handleVoicePoll)
	mux.HandleFunc("POST /webhook/task/completed", s.handleTaskCompleted)
	mux.HandleFunc("POST /events", s.handleEventIntake)

	mux.HandleFunc("GET /workflows/health", s.requireAdmin(s.handleHealth))
	mux.HandleFunc("GET /workflows/cleanup-stats", s.requireAdmin(s.handleCleanupStats))
	mux.HandleFunc("POST /workflows/cleanup", s.requireAdmin(s.handleCleanup))
	mux.HandleFunc("POST /workflows/recover", s.requireAdmin(s.handleRecover))

	mux.HandleFunc("GET /metrics", s.handleMetrics)

	return log.HTTPMiddleware(s.logger())(mux)
}

// Start runs the HTTP server and the three worker pools until ctx is
// cancelled, then shuts each down in turn: stop accepting HTTP
// connections first, let in-flight worker pool jobs drain under their
// own node-execution timeouts, then return (spec.md §9 "Global state").
func (s *Server) Start(ctx context.Context, addr string) error {
	if s.triggerSem == nil {
		s.initTriggerLimiter()
	}

	s.httpServer = &http.Server{Addr: addr, Handler: s.Router()}

	var wg sync.WaitGroup
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	s.startExecutorPool(workerCtx, &wg)
	s.startTimeoutPool(workerCtx, &wg)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := s.httpServer.Shutdown(shutdownCtx)
		cancelWorkers()
		wg.Wait()
		return err
	case err := <-errCh:
		cancelWorkers()
		wg.Wait()
		return err
	}
}

// startExecutorPool runs Pools.ExecutorConcurrency goroutines draining
// queue.Execute (spec.md §5 "Executor pool, concurrency 10").
func (s *Server) startExecutorPool(ctx context.Context, wg *sync.WaitGroup) {
	n := s.Pools.ExecutorConcurrency
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msg, err := s.Queue.Dequeue(ctx, queue.Execute)
				if err != nil {
					if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
						return
					}
					s.logger().Error("executor pool dequeue failed", "error", err)
					continue
				}
				if err := s.Executor.Process(ctx, msg); err != nil {
					s.logger().Error("executor pool process failed", "jobId", msg.JobID, "error", err)
				}
			}
		}()
	}
}

// startTimeoutPool runs Pools.TimeoutConcurrency goroutines that each
// periodically sweep expired waits and stuck runs (spec.md §5 "Timeout
// pool, concurrency 3"). Sweeps are poller-driven rather than
// queue-scheduled (see DESIGN.md): a crash between scheduling and
// execution of a queue-based timeout job would silently drop it, while
// a poller simply finds the same expired row on its next tick.
func (s *Server) startTimeoutPool(ctx context.Context, wg *sync.WaitGroup) {
	n := s.Pools.TimeoutConcurrency
	if n <= 0 {
		n = 1
	}
	interval := s.Pools.TimeoutPollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	for i := 0; i < n; i++ {
		offset := time.Duration(i) * interval / time.Duration(n)
		wg.Add(1)
		go func(offset time.Duration) {
			defer wg.Done()
			timer := time.NewTimer(offset)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.sweepOnce(ctx)
				}
			}
		}(offset)
	}
}

func (s *Server) sweepOnce(ctx context.Context) {
	if s.Resumer != nil {
		if n, err := s.Resumer.SweepExpiredWaits(ctx); err != nil {
			s.logger().Error("sweep expired waits failed", "error", err)
		} else if n > 0 {
			s.logger().Info("swept expired waits", "count", n)
		}
	}
	if s.Supervisor != nil {
		if res, err := s.Supervisor.Reclaim(ctx, s.Supervisor.StuckAfter); err != nil {
			s.logger().Error("reclaim pass failed", "error", err)
		} else if res.ScannedRuns > 0 {
			s.logger().Info("reclaim pass complete", "scanned", res.ScannedRuns, "requeued", res.RequeuedJobs, "resumed", res.ResumedWaits)
		}
	}
	if s.Telemetry != nil && s.Telemetry.Metrics != nil {
		for _, name := range []queue.Name{queue.Trigger, queue.Execute, queue.Timeout, queue.DeadLetter} {
			depth, err := s.Queue.Len(ctx, name)
			if err != nil {
				s.logger().Error("queue depth check failed", "queue", name, "error", err)
				continue
			}
			s.Telemetry.Metrics.RecordQueueDepth(ctx, string(name), int64(depth))
		}
	}
}

// handleMetrics serves the Prometheus scrape endpoint when telemetry is
// configured, or 404 otherwise.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.Telemetry == nil {
		http.NotFound(w, r)
		return
	}
	s.Telemetry.MetricsHandler().ServeHTTP(w, r)
}

// runTriggered applies the trigger pool's concurrency/rate limit (spec.md
// §5: concurrency 5, 20/sec) around one synchronous call to
// trigger.Matcher.Handle. Incoming domain events are delivered directly
// over HTTP rather than via pkg/queue, since a trigger.Event's lead
// payload doesn't fit the queue's Message{JobID, RunID, TenantID}
// reference shape — the limiter and semaphore here are what the pool
// concurrency/rate actually govern.
func (s *Server) runTriggered(ctx context.Context, fn func(context.Context) error) error {
	select {
	case s.triggerSem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.triggerSem }()

	if s.triggerLim != nil {
		if err := s.triggerLim.Wait(ctx); err != nil {
			return err
		}
	}
	return fn(ctx)
}
