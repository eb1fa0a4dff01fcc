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

// Package memqueue is an in-memory queue.Queue for single-process
// deployments and tests, generalized from the teacher's daemon queue
// (a single FIFO/priority slice guarded by one mutex plus a signal
// channel) into multiple named queues with delayed visibility.
package memqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/nextlane/flowengine/pkg/queue"
)

type pending struct {
	msg       queue.Message
	visibleAt time.Time
	index     int
}

// delayHeap orders pending messages by visibleAt, earliest first.
type delayHeap []*pending

func (h delayHeap) Len() int            { return len(h) }
func (h delayHeap) Less(i, j int) bool  { return h[i].visibleAt.Before(h[j].visibleAt) }
func (h delayHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *delayHeap) Push(x any) {
	p := x.(*pending)
	p.index = len(*h)
	*h = append(*h, p)
}
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return p
}

type lane struct {
	mu     sync.Mutex
	ready  delayHeap
	signal chan struct{}
}

func newLane() *lane {
	return &lane{signal: make(chan struct{}, 1)}
}

func (l *lane) wake() {
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// Queue is an in-memory, process-local implementation of queue.Queue.
// Dequeue sleeps on a timer until the earliest message's visibleAt time
// arrives (or an Enqueue wakes it); Nack reinserts with a new visibleAt.
type Queue struct {
	mu      sync.Mutex
	lanes   map[queue.Name]*lane
	closed  bool
	closeCh chan struct{}
}

// New creates an empty in-memory queue.
func New() *Queue {
	return &Queue{
		lanes:   make(map[queue.Name]*lane),
		closeCh: make(chan struct{}),
	}
}

func (q *Queue) laneFor(name queue.Name) *lane {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[name]
	if !ok {
		l = newLane()
		q.lanes[name] = l
	}
	return l
}

func (q *Queue) isClosed() bool {
	select {
	case <-q.closeCh:
		return true
	default:
		return false
	}
}

func (q *Queue) Enqueue(_ context.Context, name queue.Name, msg queue.Message) error {
	return q.enqueueAt(name, msg, time.Time{})
}

func (q *Queue) EnqueueDelayed(_ context.Context, name queue.Name, msg queue.Message, delay time.Duration) error {
	return q.enqueueAt(name, msg, nowPlus(delay))
}

func nowPlus(d time.Duration) time.Time { return time.Now().Add(d) }

func (q *Queue) enqueueAt(name queue.Name, msg queue.Message, visibleAt time.Time) error {
	if q.isClosed() {
		return queue.ErrClosed
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}
	l := q.laneFor(name)
	l.mu.Lock()
	heap.Push(&l.ready, &pending{msg: msg, visibleAt: visibleAt})
	l.mu.Unlock()
	l.wake()
	return nil
}

func (q *Queue) Dequeue(ctx context.Context, name queue.Name) (queue.Message, error) {
	l := q.laneFor(name)
	for {
		if q.isClosed() {
			return queue.Message{}, queue.ErrClosed
		}
		l.mu.Lock()
		now := time.Now()
		if len(l.ready) > 0 && !l.ready[0].visibleAt.After(now) {
			p := heap.Pop(&l.ready).(*pending)
			l.mu.Unlock()
			p.msg.ReceiptHandle = p.msg.JobID
			return p.msg, nil
		}
		var wait time.Duration = time.Hour
		if len(l.ready) > 0 {
			wait = l.ready[0].visibleAt.Sub(now)
			if wait < 0 {
				wait = 0
			}
		}
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return queue.Message{}, ctx.Err()
		case <-q.closeCh:
			timer.Stop()
			return queue.Message{}, queue.ErrClosed
		case <-l.signal:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *Queue) Ack(_ context.Context, _ queue.Name, _ queue.Message) error {
	// The message was already removed from the heap by Dequeue; at
	// least-once delivery here relies on the caller not having crashed
	// between Dequeue and Ack, same trade-off the teacher's in-memory
	// queue makes.
	return nil
}

func (q *Queue) Nack(_ context.Context, name queue.Name, msg queue.Message, backoff time.Duration) error {
	return q.enqueueAt(name, msg, nowPlus(backoff))
}

func (q *Queue) Len(_ context.Context, name queue.Name) (int, error) {
	l := q.laneFor(name)
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ready), nil
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.closeCh)
	return nil
}

var _ queue.Queue = (*Queue)(nil)
