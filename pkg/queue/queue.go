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

// Package queue defines the job queue abstraction of spec.md §4 — named
// queues carrying references to durable engine.Job records, supporting
// immediate and delayed enqueue. Concrete
// backends (in-memory for single-process/dev, Redis for multi-process)
// live in the memqueue and redisqueue subpackages.
package queue

import (
	"context"
	"errors"
	"time"
)

// Name identifies one of the named queues a Queue backend multiplexes.
// Components reference these constants rather than raw strings so the
// trigger/executor/timeout worker pools (spec.md §4, §5) stay in sync
// with whatever queue names a backend actually provisions.
type Name string

const (
	// Trigger is reported in queue-depth metrics; nothing enqueues on it,
	// since the trigger matcher puts a run's first jobs on Execute.
	Trigger Name = "trigger"
	// Execute carries node-execution jobs consumed by the executor pool,
	// including delay-node jobs and retries, enqueued with a delay.
	Execute Name = "execute"
	// Timeout is reported in queue-depth metrics; nothing enqueues on it,
	// since expired waits are found by Resumer.SweepExpiredWaits polling
	// the store.
	Timeout Name = "timeout"
	// DeadLetter receives jobs that exhausted their retry budget
	// (spec.md §7 "Error handling & retries").
	DeadLetter Name = "deadletter"
)

// ErrClosed is returned by operations on a closed Queue.
var ErrClosed = errors.New("queue: closed")

// ErrEmpty reports that a named queue has no messages; no method of
// Queue or of the backends in this module returns it.
var ErrEmpty = errors.New("queue: empty")

// Message references one durable engine.Job. The queue transport only
// ever carries the ID plus enough routing/retry metadata to dequeue and
// retry it; the job's full payload lives in the state store.
type Message struct {
	JobID       string
	RunID       string
	TenantID    string
	Attempt     int
	EnqueuedAt  time.Time
	// ReceiptHandle is set by Dequeue and must be passed back to Ack or
	// Nack; backends that don't need one (the in-memory queue) may
	// leave it empty.
	ReceiptHandle string
}

// Queue is the interface the trigger matcher, executor, and resumer
// depend on. Dequeue removes the message it returns from the backend;
// neither memqueue nor redisqueue has a visibility timeout, so a message
// that is never Acked is not delivered again. A job left in processing
// by a crashed worker is requeued by the supervisor's Reclaim pass.
type Queue interface {
	// Enqueue makes msg immediately visible to Dequeue callers on queue.
	Enqueue(ctx context.Context, queue Name, msg Message) error
	// EnqueueDelayed makes msg visible to Dequeue callers only after
	// delay has elapsed — used for delay-node jobs and for retry
	// backoff.
	EnqueueDelayed(ctx context.Context, queue Name, msg Message, delay time.Duration) error
	// Dequeue blocks until a message is visible on queue or ctx is
	// cancelled. The returned message's ReceiptHandle must be passed to
	// Ack or Nack.
	Dequeue(ctx context.Context, queue Name) (Message, error)
	// Ack permanently removes msg from queue.
	Ack(ctx context.Context, queue Name, msg Message) error
	// Nack returns msg to queue, visible again after backoff. Callers
	// pass the backoff computed from the job's own retry policy
	// (spec.md §7); the queue does not compute backoff itself.
	Nack(ctx context.Context, queue Name, msg Message, backoff time.Duration) error
	// Len reports the approximate number of visible+delayed messages on
	// queue, for metrics and supervisor health (spec.md §4.5 queueDepth).
	Len(ctx context.Context, queue Name) (int, error)
	Close() error
}
