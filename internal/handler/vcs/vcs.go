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

// Package vcs implements the "vcs:commit" handler. Unlike manual.Handler,
// which IS the gate, this handler embeds one inline: on first visit it
// creates "manual:git_pr" and short-circuits; once that gate resolves it
// proceeds with the actual commit.
package vcs

import (
	"context"
	"os/exec"

	"github.com/nofx-run/orchestrator/internal/gate"
	"github.com/nofx-run/orchestrator/internal/handler"
	"github.com/nofx-run/orchestrator/internal/store"
)

// DefaultGateType is the embedded gate used when inputs.gateType is unset.
const DefaultGateType = "manual:git_pr"

// Handler dispatches the single tool "vcs:commit".
type Handler struct {
	// Dir is the working directory containing the git repository.
	Dir string
}

func (Handler) Match(tool string) bool { return tool == "vcs:commit" }

func (h Handler) Run(ctx context.Context, rc *handler.RunContext) error {
	running := store.StepRunning
	if err := rc.Store.UpdateStep(ctx, rc.Step.ID, store.StepPatch{Status: &running}); err != nil {
		return err
	}

	gateType := DefaultGateType
	if gt, ok := rc.Step.Inputs["gateType"].(string); ok && gt != "" {
		gateType = gt
	}

	outcome, g, created, err := gate.Evaluate(ctx, rc.Store, rc.RunID, rc.Step.ID, gateType)
	if err != nil {
		return err
	}

	switch outcome {
	case gate.Waiting:
		if created {
			if _, err := rc.Events.Record(ctx, rc.RunID, store.EventGateCreated, store.JSON{"gateId": g.ID, "gateType": g.GateType}, rc.Step.ID); err != nil {
				return err
			}
		}
		if _, err := rc.Queue.Enqueue(ctx, "step.ready", store.JSON{"runId": rc.RunID, "stepId": rc.Step.ID}, gate.CheckDelay); err != nil {
			return err
		}
		_, err := rc.Events.Record(ctx, rc.RunID, store.EventGateWaiting, store.JSON{"gateId": g.ID}, rc.Step.ID)
		return err

	case gate.Denied:
		failed := store.StepFailed
		outputs := store.JSON{"error": "gate_denied", "gateId": g.ID, "gateStatus": string(g.Status)}
		if err := rc.Store.UpdateStep(ctx, rc.Step.ID, store.StepPatch{Status: &failed, Outputs: outputs}); err != nil {
			return err
		}
		_, err := rc.Events.Record(ctx, rc.RunID, store.EventStepFailed, outputs, rc.Step.ID)
		return err
	}

	outputs, err := h.commit(ctx, rc.Step.Inputs)
	if err != nil {
		failed := store.StepFailed
		errOutputs := store.JSON{"error": err.Error()}
		if uerr := rc.Store.UpdateStep(ctx, rc.Step.ID, store.StepPatch{Status: &failed, Outputs: errOutputs}); uerr != nil {
			return uerr
		}
		_, rerr := rc.Events.Record(ctx, rc.RunID, store.EventStepFailed, errOutputs, rc.Step.ID)
		return rerr
	}

	succeeded := store.StepSucceeded
	if err := rc.Store.UpdateStep(ctx, rc.Step.ID, store.StepPatch{Status: &succeeded, Outputs: outputs}); err != nil {
		return err
	}
	_, err = rc.Events.Record(ctx, rc.RunID, store.EventStepFinished, outputs, rc.Step.ID)
	return err
}

func (h Handler) commit(ctx context.Context, inputs store.JSON) (store.JSON, error) {
	message, _ := inputs["message"].(string)
	if message == "" {
		message = "orchestrator: automated commit"
	}

	addCmd := exec.CommandContext(ctx, "git", "add", "-A")
	addCmd.Dir = h.Dir
	if out, err := addCmd.CombinedOutput(); err != nil {
		return nil, fmtError("git add", out, err)
	}

	commitCmd := exec.CommandContext(ctx, "git", "commit", "-m", message)
	commitCmd.Dir = h.Dir
	out, err := commitCmd.CombinedOutput()
	if err != nil {
		return nil, fmtError("git commit", out, err)
	}

	return store.JSON{"message": message, "output": string(out)}, nil
}

func fmtError(step string, out []byte, err error) error {
	return &commitError{step: step, output: string(out), cause: err}
}

type commitError struct {
	step   string
	output string
	cause  error
}

func (e *commitError) Error() string {
	return e.step + " failed: " + e.cause.Error() + ": " + e.output
}

func (e *commitError) Unwrap() error { return e.cause }
