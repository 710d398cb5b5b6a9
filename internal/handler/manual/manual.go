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

// Package manual implements the handler side of the gate subsystem: any
// step whose tool starts with "manual:" cooperatively polls its gate
// until an external surface approves, rejects, or skips it.
package manual

import (
	"context"
	"strings"

	"github.com/nofx-run/orchestrator/internal/gate"
	"github.com/nofx-run/orchestrator/internal/handler"
	"github.com/nofx-run/orchestrator/internal/store"
	orcherrors "github.com/nofx-run/orchestrator/pkg/errors"
)

// Handler dispatches any tool with the "manual:" prefix.
type Handler struct{}

func (Handler) Match(tool string) bool { return strings.HasPrefix(tool, "manual:") }

func (Handler) Run(ctx context.Context, rc *handler.RunContext) error {
	running := store.StepRunning
	if err := rc.Store.UpdateStep(ctx, rc.Step.ID, store.StepPatch{Status: &running}); err != nil {
		return err
	}

	outcome, g, created, err := gate.Evaluate(ctx, rc.Store, rc.RunID, rc.Step.ID, rc.Step.Tool)
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

	case gate.Passed:
		succeeded := store.StepSucceeded
		if err := rc.Store.UpdateStep(ctx, rc.Step.ID, store.StepPatch{Status: &succeeded}); err != nil {
			return err
		}
		_, err := rc.Events.Record(ctx, rc.RunID, store.EventStepFinished, store.JSON{"gateId": g.ID, "gateStatus": string(g.Status)}, rc.Step.ID)
		return err

	default: // gate.Denied
		failed := store.StepFailed
		outputs := store.JSON{"error": "gate_denied", "gateId": g.ID, "gateStatus": string(g.Status)}
		if err := rc.Store.UpdateStep(ctx, rc.Step.ID, store.StepPatch{Status: &failed, Outputs: outputs}); err != nil {
			return err
		}
		if _, err := rc.Events.Record(ctx, rc.RunID, store.EventStepFailed, outputs, rc.Step.ID); err != nil {
			return err
		}
		rc.Logger.Warn("step failed on gate denial", "step_id", rc.Step.ID,
			"err", &orcherrors.GateDeniedError{GateType: g.GateType, Status: string(g.Status)})
		return nil
	}
}
