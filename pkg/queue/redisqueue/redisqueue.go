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

// Package redisqueue is a multi-process queue.Queue backend built on
// Redis sorted sets, so that trigger, executor, and timeout workers
// (spec.md §5) can run as separate processes/replicas sharing one
// queue. Each named queue gets a sorted set of message members scored
// by visibleAt (ready + delayed share one set — Dequeue only pops
// entries whose score has passed); each message's payload lives in its
// own key, which expires after 24h and which Ack deletes.
package redisqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nextlane/flowengine/pkg/queue"
)

// Queue is a Redis-backed queue.Queue implementation.
type Queue struct {
	client *redis.Client
	prefix string
}

// New wraps an existing Redis client. prefix namespaces keys, e.g. by
// environment ("flowengine:prod").
func New(client *redis.Client, prefix string) *Queue {
	if prefix == "" {
		prefix = "flowengine"
	}
	return &Queue{client: client, prefix: prefix}
}

func (q *Queue) zsetKey(name queue.Name) string   { return fmt.Sprintf("%s:q:%s", q.prefix, name) }
func (q *Queue) payloadKey(id string) string      { return fmt.Sprintf("%s:payload:%s", q.prefix, id) }
func (q *Queue) notifyKey(name queue.Name) string { return fmt.Sprintf("%s:notify:%s", q.prefix, name) }

type envelope struct {
	Msg     queue.Message `json:"msg"`
	Receipt string        `json:"receipt"`
}

func (q *Queue) Enqueue(ctx context.Context, name queue.Name, msg queue.Message) error {
	return q.enqueueAt(ctx, name, msg, time.Now())
}

func (q *Queue) EnqueueDelayed(ctx context.Context, name queue.Name, msg queue.Message, delay time.Duration) error {
	return q.enqueueAt(ctx, name, msg, time.Now().Add(delay))
}

func (q *Queue) enqueueAt(ctx context.Context, name queue.Name, msg queue.Message, visibleAt time.Time) error {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}
	receipt := uuid.NewString()
	env := envelope{Msg: msg, Receipt: receipt}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("redisqueue: marshal message: %w", err)
	}

	member := string(name) + ":" + receipt
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.payloadKey(member), payload, 24*time.Hour)
	pipe.ZAdd(ctx, q.zsetKey(name), redis.Z{Score: float64(visibleAt.UnixMilli()), Member: member})
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redisqueue: enqueue: %w", err)
	}
	q.client.Publish(ctx, q.notifyKey(name), "1")
	return nil
}

// Dequeue polls the sorted set for the earliest member whose score has
// passed, removing it atomically via ZPOPMIN-style conditional pop. It
// falls back to polling on a short interval between pub/sub wakeups so
// a crashed subscriber never wedges delivery.
func (q *Queue) Dequeue(ctx context.Context, name queue.Name) (queue.Message, error) {
	sub := q.client.Subscribe(ctx, q.notifyKey(name))
	defer sub.Close()
	notify := sub.Channel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		msg, ok, err := q.tryPop(ctx, name)
		if err != nil {
			return queue.Message{}, err
		}
		if ok {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return queue.Message{}, ctx.Err()
		case <-notify:
		case <-ticker.C:
		}
	}
}

func (q *Queue) tryPop(ctx context.Context, name queue.Name) (queue.Message, bool, error) {
	now := float64(time.Now().UnixMilli())
	members, err := q.client.ZRangeByScoreWithScores(ctx, q.zsetKey(name), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%f", now), Count: 1,
	}).Result()
	if err != nil {
		return queue.Message{}, false, fmt.Errorf("redisqueue: poll: %w", err)
	}
	if len(members) == 0 {
		return queue.Message{}, false, nil
	}
	member := members[0].Member.(string)
	removed, err := q.client.ZRem(ctx, q.zsetKey(name), member).Result()
	if err != nil {
		return queue.Message{}, false, fmt.Errorf("redisqueue: claim: %w", err)
	}
	if removed == 0 {
		// another worker claimed it first
		return queue.Message{}, false, nil
	}
	raw, err := q.client.Get(ctx, q.payloadKey(member)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return queue.Message{}, false, nil
		}
		return queue.Message{}, false, fmt.Errorf("redisqueue: load payload: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return queue.Message{}, false, fmt.Errorf("redisqueue: unmarshal payload: %w", err)
	}
	env.Msg.ReceiptHandle = member
	return env.Msg, true, nil
}

func (q *Queue) Ack(ctx context.Context, _ queue.Name, msg queue.Message) error {
	return q.client.Del(ctx, q.payloadKey(msg.ReceiptHandle)).Err()
}

func (q *Queue) Nack(ctx context.Context, name queue.Name, msg queue.Message, backoff time.Duration) error {
	msg.Attempt++
	return q.enqueueAt(ctx, name, msg, time.Now().Add(backoff))
}

func (q *Queue) Len(ctx context.Context, name queue.Name) (int, error) {
	n, err := q.client.ZCard(ctx, q.zsetKey(name)).Result()
	if err != nil {
		return 0, fmt.Errorf("redisqueue: len: %w", err)
	}
	return int(n), nil
}

func (q *Queue) Close() error { return q.client.Close() }

var _ queue.Queue = (*Queue)(nil)
