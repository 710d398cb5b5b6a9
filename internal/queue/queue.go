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

// Package queue implements the in-memory, topic-addressed job queue:
// delayed delivery, bounded concurrency per topic, retry-with-backoff,
// and a dead-letter topic per topic. Queue is a concrete type, not an
// interface; this in-memory implementation is the only one.
package queue

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/nofx-run/orchestrator/internal/metrics"
)

// backoffSchedule[i] is the delay before the retry following a failure
// at attempt i+1 (attempts are 1-indexed; index 4+ is undefined -> DLQ).
var backoffSchedule = []time.Duration{
	0,
	2000 * time.Millisecond,
	5000 * time.Millisecond,
	10000 * time.Millisecond,
}

const defaultMaxConcurrent = 4

// Handler processes one job's payload. An error causes a retry (subject
// to the backoff schedule) or, once exhausted, diversion to the DLQ.
type Handler func(ctx context.Context, payload map[string]any) error

// Job is one unit of queued work. Payload is opaque to the queue except
// for the reserved "__attempt" key used for retry bookkeeping.
type Job struct {
	ID      string
	Payload map[string]any
	RunAt   time.Time
	Attempt int
}

// Counts is the snapshot returned by GetCounts.
type Counts struct {
	Waiting   int
	Active    int
	Completed int
	Failed    int
	Delayed   int
	Paused    bool
}

type topicState struct {
	mu      sync.Mutex
	ready   []*Job
	delayed []*Job
	dlq     []*Job
	active  int64

	completed int
	failed    int
	paused    bool

	handler       Handler
	maxConcurrent int64
	sem           *semaphore.Weighted
	timer         *time.Timer
}

// Queue is the in-process topic queue described above.
type Queue struct {
	mu                   sync.Mutex
	topics               map[string]*topicState
	defaultMaxConcurrent int64
	logger               *slog.Logger
}

// New creates a Queue. defaultMaxConcurrent is clamped to a minimum of 1
// and applies to any topic that does not override it via SubscribeWithConcurrency.
func New(defaultMaxConcurrent int, logger *slog.Logger) *Queue {
	if defaultMaxConcurrent < 1 {
		defaultMaxConcurrent = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		topics:               make(map[string]*topicState),
		defaultMaxConcurrent: int64(defaultMaxConcurrent),
		logger:               logger,
	}
}

func (q *Queue) topic(name string) *topicState {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.topics[name]
	if !ok {
		t = &topicState{
			maxConcurrent: q.defaultMaxConcurrent,
			sem:           semaphore.NewWeighted(q.defaultMaxConcurrent),
		}
		q.topics[name] = t
	}
	return t
}

// dlqTopic computes the DLQ name for a ready topic: the reserved
// "step.ready" maps to "step.dlq"; any other topic T maps to "T.dlq".
func dlqTopic(topic string) string {
	if topic == "step.ready" {
		return "step.dlq"
	}
	return topic + ".dlq"
}

// siblingReadyTopic computes the ready topic a DLQ's items are rehydrated
// into. If topic ends in ".dlq" the suffix is stripped and ".ready" is
// appended; otherwise topic is used as-is. This intentionally does not
// invert dlqTopic -- rehydrating "foo.bar.dlq" lands in "foo.bar.ready",
// not the "foo.bar" topic it was diverted from. That asymmetry is part
// of the queue's contract, not a bug.
func siblingReadyTopic(topic string) string {
	if strings.HasSuffix(topic, ".dlq") {
		return strings.TrimSuffix(topic, ".dlq") + ".ready"
	}
	return topic
}

// Subscribe registers handler as the sole dispatch target for topic.
// Only the first subscriber per topic is used; later calls are accepted
// but ignored. Immediately kicks a drain in case jobs are already queued.
func (q *Queue) Subscribe(topic string, handler Handler) {
	t := q.topic(topic)

	t.mu.Lock()
	if t.handler == nil {
		t.handler = handler
	}
	t.mu.Unlock()

	q.drain(topic, t)
}

// SubscribeWithConcurrency is like Subscribe but overrides the topic's
// max concurrent handlers (env WORKER_CONCURRENCY / NOFX_WORKER_CONCURRENCY
// in the worker that wires this up); max is clamped to a minimum of 1.
func (q *Queue) SubscribeWithConcurrency(topic string, handler Handler, max int) {
	if max < 1 {
		max = 1
	}
	t := q.topic(topic)

	t.mu.Lock()
	if t.handler == nil {
		t.handler = handler
	}
	t.maxConcurrent = int64(max)
	t.sem = semaphore.NewWeighted(int64(max))
	t.mu.Unlock()

	q.drain(topic, t)
}

// HasSubscribers reports whether a handler is registered for topic.
func (q *Queue) HasSubscribers(topic string) bool {
	t := q.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler != nil
}

// Enqueue adds payload to topic, optionally delayed. attempt bookkeeping
// in the payload is left untouched on a fresh enqueue (absent = attempt 1).
func (q *Queue) Enqueue(ctx context.Context, topic string, payload map[string]any, delay time.Duration) (*Job, error) {
	if delay < 0 {
		delay = 0
	}
	job := &Job{
		ID:      uuid.NewString(),
		Payload: payload,
		RunAt:   time.Now().Add(delay),
		Attempt: attemptOf(payload),
	}

	t := q.topic(topic)
	t.mu.Lock()
	if delay <= 0 {
		t.ready = append(t.ready, job)
	} else {
		t.delayed = append(t.delayed, job)
		sortByRunAt(t.delayed)
	}
	t.mu.Unlock()

	q.drain(topic, t)
	q.publishGauges(topic, t)
	return job, nil
}

func attemptOf(payload map[string]any) int {
	if payload == nil {
		return 1
	}
	v, ok := payload["__attempt"]
	if !ok {
		return 1
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 1
	}
}

func sortByRunAt(jobs []*Job) {
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].RunAt.Before(jobs[j].RunAt) })
}

// drain promotes due delayed jobs to ready, then launches as many ready
// jobs as the topic's semaphore allows. It holds the topic mutex only
// for admission bookkeeping; handler execution happens outside it.
func (q *Queue) drain(topic string, t *topicState) {
	t.mu.Lock()
	if t.handler == nil || t.paused {
		q.rescheduleTimer(topic, t)
		t.mu.Unlock()
		return
	}

	now := time.Now()
	var stillDelayed []*Job
	for _, j := range t.delayed {
		if !j.RunAt.After(now) {
			t.ready = append(t.ready, j)
		} else {
			stillDelayed = append(stillDelayed, j)
		}
	}
	t.delayed = stillDelayed

	var toRun []*Job
	for len(t.ready) > 0 && t.sem.TryAcquire(1) {
		job := t.ready[0]
		t.ready = t.ready[1:]
		t.active++
		toRun = append(toRun, job)
	}
	q.rescheduleTimer(topic, t)
	handler := t.handler
	t.mu.Unlock()

	for _, job := range toRun {
		go q.run(topic, t, handler, job)
	}
}

// rescheduleTimer arms a one-shot timer for the earliest still-delayed
// job so a drain fires once it becomes due, even with no other activity
// on the topic. Caller must hold t.mu.
func (q *Queue) rescheduleTimer(topic string, t *topicState) {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if len(t.delayed) == 0 {
		return
	}
	wait := time.Until(t.delayed[0].RunAt)
	if wait < 0 {
		wait = 0
	}
	t.timer = time.AfterFunc(wait, func() { q.drain(topic, t) })
}

func (q *Queue) run(topic string, t *topicState, handler Handler, job *Job) {
	err := handler(context.Background(), job.Payload)

	t.mu.Lock()
	t.active--
	t.sem.Release(1)

	if err == nil {
		t.completed++
		t.mu.Unlock()
		q.publishGauges(topic, t)
		q.drain(topic, t)
		return
	}

	t.failed++
	index := job.Attempt - 1
	if index >= 0 && index < len(backoffSchedule) {
		nextAttempt := job.Attempt + 1
		delay := backoffSchedule[index]
		payload := job.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		retryPayload := map[string]any{"__attempt": nextAttempt}
		for k, v := range payload {
			if k != "__attempt" {
				retryPayload[k] = v
			}
		}
		retryJob := &Job{
			ID:      uuid.NewString(),
			Payload: retryPayload,
			RunAt:   time.Now().Add(delay),
			Attempt: nextAttempt,
		}
		if delay <= 0 {
			t.ready = append(t.ready, retryJob)
		} else {
			t.delayed = append(t.delayed, retryJob)
			sortByRunAt(t.delayed)
		}
		q.rescheduleTimer(topic, t)
		t.mu.Unlock()

		metrics.RecordRetry(topic)
		q.publishGauges(topic, t)
		q.drain(topic, t)
		return
	}

	// Retries exhausted: quarantine with a fresh job id.
	dlqJob := &Job{ID: uuid.NewString(), Payload: job.Payload, RunAt: job.RunAt, Attempt: job.Attempt}
	dlq := q.topic(dlqTopic(topic))
	dlq.mu.Lock()
	dlq.dlq = append(dlq.dlq, dlqJob)
	dlq.mu.Unlock()
	t.mu.Unlock()

	q.logger.Warn("job exhausted retries, diverted to DLQ", "topic", topic, "dlq_topic", dlqTopic(topic), "job_id", job.ID)
	q.publishGauges(topic, t)
	q.drain(topic, t)
}

func (q *Queue) publishGauges(topic string, t *topicState) {
	t.mu.Lock()
	waiting := len(t.ready)
	delayed := len(t.delayed)
	active := int(t.active)
	var oldestAgeMs float64
	if waiting > 0 {
		oldestAgeMs = float64(time.Since(t.ready[0].RunAt).Milliseconds())
	}
	t.mu.Unlock()

	dlq := q.topic(dlqTopic(topic))
	dlq.mu.Lock()
	dlqSize := len(dlq.dlq)
	dlq.mu.Unlock()

	metrics.SetQueueGauges(topic, waiting, active, delayed, dlqSize, oldestAgeMs)
}

// GetCounts returns the current per-topic state snapshot.
func (q *Queue) GetCounts(topic string) Counts {
	t := q.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	return Counts{
		Waiting:   len(t.ready),
		Active:    int(t.active),
		Completed: t.completed,
		Failed:    t.failed,
		Delayed:   len(t.delayed),
		Paused:    t.paused,
	}
}

// GetOldestAgeMs returns the age in milliseconds of the oldest ready
// (not delayed) job on topic, or nil if the ready list is empty.
func (q *Queue) GetOldestAgeMs(topic string) *float64 {
	t := q.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.ready) == 0 {
		return nil
	}
	age := float64(time.Since(t.ready[0].RunAt).Milliseconds())
	return &age
}

// ListDLQ returns the opaque payloads currently quarantined for topic's
// dead-letter queue.
func (q *Queue) ListDLQ(topic string) []map[string]any {
	dlq := q.topic(dlqTopic(topic))
	dlq.mu.Lock()
	defer dlq.mu.Unlock()

	payloads := make([]map[string]any, len(dlq.dlq))
	for i, j := range dlq.dlq {
		payloads[i] = j.Payload
	}
	return payloads
}

// RehydrateDLQ moves up to max items out of topic's dead-letter queue
// back onto the ready sibling topic computed by siblingReadyTopic,
// resetting __attempt to 1. Returns the count moved.
func (q *Queue) RehydrateDLQ(topic string, max int) int {
	dlq := q.topic(topic)
	dlq.mu.Lock()
	n := len(dlq.dlq)
	if max > 0 && n > max {
		n = max
	}
	moved := dlq.dlq[:n]
	dlq.dlq = dlq.dlq[n:]
	dlq.mu.Unlock()

	dest := siblingReadyTopic(topic)
	destState := q.topic(dest)
	destState.mu.Lock()
	for _, j := range moved {
		payload := map[string]any{}
		for k, v := range j.Payload {
			if k != "__attempt" {
				payload[k] = v
			}
		}
		payload["__attempt"] = 1
		destState.ready = append(destState.ready, &Job{
			ID:      uuid.NewString(),
			Payload: payload,
			RunAt:   time.Now(),
			Attempt: 1,
		})
	}
	destState.mu.Unlock()

	if len(moved) > 0 {
		q.drain(dest, destState)
	}
	return len(moved)
}
