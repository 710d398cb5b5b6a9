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

// Package handler defines the StepHandler contract and an ordered
// registry the worker uses to dispatch a step by its tool string.
package handler

import (
	"context"
	"log/slog"

	"github.com/nofx-run/orchestrator/internal/events"
	"github.com/nofx-run/orchestrator/internal/queue"
	"github.com/nofx-run/orchestrator/internal/store"
)

// RunContext is everything a handler needs to execute one step: the
// step itself, the store for state transitions, the event recorder,
// and the queue for re-enqueueing (gates cooperatively poll this way).
type RunContext struct {
	RunID  string
	Step   *store.Step
	Store  store.Store
	Queue  *queue.Queue
	Events *events.Recorder
	Logger *slog.Logger
}

// StepHandler matches a tool string and executes the step's work. A
// handler owns its own state transitions (running -> terminal) and its
// own events; the worker does not double-transition on success.
type StepHandler interface {
	Match(tool string) bool
	Run(ctx context.Context, rc *RunContext) error
}

// Registry is an ordered list of handlers; the first Match wins.
type Registry struct {
	handlers []StepHandler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends h to the end of the match order.
func (r *Registry) Register(h StepHandler) {
	r.handlers = append(r.handlers, h)
}

// Resolve returns the first registered handler whose Match(tool) is
// true, or nil if none match.
func (r *Registry) Resolve(tool string) StepHandler {
	for _, h := range r.handlers {
		if h.Match(tool) {
			return h
		}
	}
	return nil
}
