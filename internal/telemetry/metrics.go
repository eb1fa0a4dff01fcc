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

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the counters/histograms the trigger, executor and
// supervisor record against, generalized from the teacher's
// MetricsCollector (conductor_runs_total, conductor_step_duration_seconds,
// …) to this engine's run/job vocabulary.
type Metrics struct {
	runsStarted   metric.Int64Counter
	runsCompleted metric.Int64Counter
	jobsTotal     metric.Int64Counter
	jobDuration   metric.Float64Histogram
	queueDepth    metric.Int64Gauge
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.runsStarted, err = meter.Int64Counter("flowengine_runs_started_total",
		metric.WithDescription("Total number of workflow runs started"), metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}
	m.runsCompleted, err = meter.Int64Counter("flowengine_runs_completed_total",
		metric.WithDescription("Total number of workflow runs reaching a terminal status"), metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}
	m.jobsTotal, err = meter.Int64Counter("flowengine_jobs_total",
		metric.WithDescription("Total number of node jobs processed by the executor"), metric.WithUnit("{job}"))
	if err != nil {
		return nil, err
	}
	m.jobDuration, err = meter.Float64Histogram("flowengine_job_duration_seconds",
		metric.WithDescription("Node handler execution duration"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	m.queueDepth, err = meter.Int64Gauge("flowengine_queue_depth",
		metric.WithDescription("Approximate number of visible+delayed messages on a queue lane"), metric.WithUnit("{message}"))
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RecordRunStarted increments the started-runs counter for tenantID.
func (m *Metrics) RecordRunStarted(ctx context.Context, tenantID string, triggerType string) {
	if m == nil {
		return
	}
	m.runsStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", tenantID), attribute.String("trigger_type", triggerType)))
}

// RecordRunCompleted increments the completed-runs counter, labeled by
// the run's terminal status (completed/failed/cancelled).
func (m *Metrics) RecordRunCompleted(ctx context.Context, tenantID, status string) {
	if m == nil {
		return
	}
	m.runsCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", tenantID), attribute.String("status", status)))
}

// RecordJob records one node job's outcome and handler duration.
func (m *Metrics) RecordJob(ctx context.Context, nodeKind, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("node_kind", nodeKind), attribute.String("outcome", outcome))
	m.jobsTotal.Add(ctx, 1, attrs)
	m.jobDuration.Record(ctx, durationSeconds, attrs)
}

// RecordQueueDepth reports queue's current depth for name.
func (m *Metrics) RecordQueueDepth(ctx context.Context, queueName string, depth int64) {
	if m == nil {
		return
	}
	m.queueDepth.Record(ctx, depth, metric.WithAttributes(attribute.String("queue", queueName)))
}
