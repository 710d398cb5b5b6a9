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

// Package worker implements the step-ready subscriber: for each job it
// loads the step, resolves a handler by tool, and lets the handler own
// its own state transitions and events. Handler panics and errors
// propagate to the queue so retry/DLQ logic applies.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nofx-run/orchestrator/internal/events"
	"github.com/nofx-run/orchestrator/internal/handler"
	"github.com/nofx-run/orchestrator/internal/log"
	"github.com/nofx-run/orchestrator/internal/metrics"
	"github.com/nofx-run/orchestrator/internal/queue"
	"github.com/nofx-run/orchestrator/internal/store"
	orcherrors "github.com/nofx-run/orchestrator/pkg/errors"
)

// ReadyTopic is the reserved topic step.ready jobs are published to.
const ReadyTopic = "step.ready"

// Worker dispatches step.ready jobs to the handler registry.
type Worker struct {
	Store    store.Store
	Queue    *queue.Queue
	Events   *events.Recorder
	Registry *handler.Registry
	Logger   *slog.Logger
}

// Start subscribes the worker to step.ready. Only the first Start call
// across all Workers sharing a Queue actually registers a handler --
// later subscribers to the same topic are accepted but ignored, per the
// queue's single-subscriber-per-topic contract.
func (w *Worker) Start() {
	w.Queue.Subscribe(ReadyTopic, w.handle)
}

func (w *Worker) handle(ctx context.Context, payload map[string]any) (err error) {
	runID, _ := payload["runId"].(string)
	stepID, _ := payload["stepId"].(string)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	step, getErr := w.Store.GetStep(ctx, stepID)
	if getErr != nil {
		if orcherrors.Classify(getErr) == "not_found" {
			w.Logger.Info("step missing, acknowledging without retry", "step_id", stepID, "run_id", runID)
			return nil
		}
		return getErr
	}

	h := w.Registry.Resolve(step.Tool)
	if h == nil {
		return w.failNoHandler(ctx, runID, step)
	}

	rc := &handler.RunContext{
		RunID:  runID,
		Step:   step,
		Store:  w.Store,
		Queue:  w.Queue,
		Events: w.Events,
		Logger: log.WithStepContext(w.Logger, runID, step.ID),
	}

	start := time.Now()
	err = h.Run(ctx, rc)
	metrics.ObserveHandlerDuration(step.Tool, time.Since(start).Seconds())
	return err
}

func (w *Worker) failNoHandler(ctx context.Context, runID string, step *store.Step) error {
	failed := store.StepFailed
	outputs := store.JSON{"error": "no_handler", "tool": step.Tool}
	if err := w.Store.UpdateStep(ctx, step.ID, store.StepPatch{Status: &failed, Outputs: outputs}); err != nil {
		return err
	}
	_, err := w.Events.Record(ctx, runID, store.EventStepFailed, outputs, step.ID)
	return err
}
