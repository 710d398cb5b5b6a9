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

// Package events is a thin wrapper over store.EventStore that adds an
// observer fan-out: callers can subscribe to every recorded event
// without the store itself knowing about them (metrics, tests, an
// external audit sink).
package events

import (
	"context"
	"log/slog"

	"github.com/nofx-run/orchestrator/internal/store"
)

// Well-known event type literals, re-exported for callers that don't
// want to import internal/store directly for this.
const (
	StepStarted   = store.EventStepStarted
	StepFinished  = store.EventStepFinished
	StepFailed    = store.EventStepFailed
	GateCreated   = store.EventGateCreated
	GateWaiting   = store.EventGateWaiting
	CodegenDone   = store.EventCodegenDone
	CodegenFailed = store.EventCodegenFailed
	LLMUsage      = store.EventLLMUsage
	CostAlert     = store.EventCostAlert
)

// Observer is notified after an event is durably recorded. Observer
// failures are logged and never propagate to the caller of Record.
type Observer func(event *store.Event)

// Recorder records events through a Store and fans each one out to any
// registered observers.
type Recorder struct {
	store     store.EventStore
	logger    *slog.Logger
	observers []Observer
}

// New creates a Recorder backed by s.
func New(s store.EventStore, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: s, logger: logger}
}

// Subscribe registers an observer called after every successful Record.
func (r *Recorder) Subscribe(obs Observer) {
	r.observers = append(r.observers, obs)
}

// Record persists an event and notifies observers. stepID may be empty
// for run-scoped (not step-scoped) events.
func (r *Recorder) Record(ctx context.Context, runID, eventType string, payload store.JSON, stepID string) (*store.Event, error) {
	event, err := r.store.RecordEvent(ctx, runID, eventType, payload, stepID)
	if err != nil {
		return nil, err
	}

	for _, obs := range r.observers {
		r.notify(obs, event)
	}
	return event, nil
}

func (r *Recorder) notify(obs Observer, event *store.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("event observer panicked", "event_type", event.Type, "panic", rec)
		}
	}()
	obs(event)
}

// List returns a run's events in chronological (created_at ascending) order.
func (r *Recorder) List(ctx context.Context, runID string) ([]*store.Event, error) {
	return r.store.ListEvents(ctx, runID)
}
