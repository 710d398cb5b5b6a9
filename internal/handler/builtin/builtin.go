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

// Package builtin provides the two test-only handlers used to exercise
// the worker and queue in isolation: "test:echo" always succeeds,
// "test:fail" always fails, letting the queue's retry/backoff/DLQ path
// run without a real external side effect.
package builtin

import (
	"context"

	"github.com/nofx-run/orchestrator/internal/handler"
	"github.com/nofx-run/orchestrator/internal/store"
	orcherrors "github.com/nofx-run/orchestrator/pkg/errors"
)

// errAlwaysFails is returned by Fail.Run on every invocation.
var errAlwaysFails = orcherrors.New("test:fail handler always fails")

// Echo is the "test:echo" handler: it succeeds immediately, recording
// its inputs under the "echo" key of its outputs.
type Echo struct{}

func (Echo) Match(tool string) bool { return tool == "test:echo" }

func (Echo) Run(ctx context.Context, rc *handler.RunContext) error {
	running := store.StepRunning
	if err := rc.Store.UpdateStep(ctx, rc.Step.ID, store.StepPatch{Status: &running}); err != nil {
		return err
	}
	if _, err := rc.Events.Record(ctx, rc.RunID, store.EventStepStarted, nil, rc.Step.ID); err != nil {
		return err
	}

	outputs := store.JSON{"echo": rc.Step.Inputs}
	succeeded := store.StepSucceeded
	if err := rc.Store.UpdateStep(ctx, rc.Step.ID, store.StepPatch{Status: &succeeded, Outputs: outputs}); err != nil {
		return err
	}
	_, err := rc.Events.Record(ctx, rc.RunID, store.EventStepFinished, outputs, rc.Step.ID)
	return err
}

// Fail is the "test:fail" handler: it always returns an error, exercising
// the queue's retry-then-DLQ path. It deliberately never marks the step
// terminal -- the DLQ is the authoritative record of permanent failure,
// and reconciling an abandoned "running" row is an out-of-scope sweeper's job.
type Fail struct{}

func (Fail) Match(tool string) bool { return tool == "test:fail" }

func (Fail) Run(ctx context.Context, rc *handler.RunContext) error {
	running := store.StepRunning
	if err := rc.Store.UpdateStep(ctx, rc.Step.ID, store.StepPatch{Status: &running}); err != nil {
		return err
	}
	if _, err := rc.Events.Record(ctx, rc.RunID, store.EventStepStarted, nil, rc.Step.ID); err != nil {
		return err
	}
	return errAlwaysFails
}
