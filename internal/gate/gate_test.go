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

package gate

import (
	"context"
	"testing"

	"github.com/nofx-run/orchestrator/internal/store"
	"github.com/nofx-run/orchestrator/internal/store/memory"
)

func TestEvaluate_CreatesOnFirstVisit(t *testing.T) {
	be := memory.New()
	ctx := context.Background()

	run, _ := be.CreateRun(ctx, nil, "")
	step, _ := be.CreateStep(ctx, run.ID, "deploy", "manual:approve", nil, "")

	outcome, g, created, err := Evaluate(ctx, be, run.ID, step.ID, "manual:approve")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if outcome != Waiting {
		t.Errorf("outcome = %v, want Waiting", outcome)
	}
	if !created {
		t.Error("expected gate to be reported as newly created")
	}
	if g.Status != store.GatePending {
		t.Errorf("status = %q, want pending", g.Status)
	}
}

func TestEvaluate_PendingOnSecondVisit(t *testing.T) {
	be := memory.New()
	ctx := context.Background()

	run, _ := be.CreateRun(ctx, nil, "")
	step, _ := be.CreateStep(ctx, run.ID, "deploy", "manual:approve", nil, "")

	Evaluate(ctx, be, run.ID, step.ID, "manual:approve")
	outcome, _, created, err := Evaluate(ctx, be, run.ID, step.ID, "manual:approve")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if outcome != Waiting {
		t.Errorf("outcome = %v, want Waiting", outcome)
	}
	if created {
		t.Error("expected second visit to reuse the existing gate")
	}
}

func TestEvaluate_PassedAfterApproval(t *testing.T) {
	be := memory.New()
	ctx := context.Background()

	run, _ := be.CreateRun(ctx, nil, "")
	step, _ := be.CreateStep(ctx, run.ID, "deploy", "manual:approve", nil, "")

	_, g, _, _ := Evaluate(ctx, be, run.ID, step.ID, "manual:approve")
	approved := store.GateApproved
	if err := be.UpdateGate(ctx, g.ID, store.GatePatch{Status: &approved}); err != nil {
		t.Fatalf("UpdateGate: %v", err)
	}

	outcome, _, _, err := Evaluate(ctx, be, run.ID, step.ID, "manual:approve")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if outcome != Passed {
		t.Errorf("outcome = %v, want Passed", outcome)
	}
}

func TestEvaluate_DeniedAfterRejection(t *testing.T) {
	be := memory.New()
	ctx := context.Background()

	run, _ := be.CreateRun(ctx, nil, "")
	step, _ := be.CreateStep(ctx, run.ID, "deploy", "manual:approve", nil, "")

	_, g, _, _ := Evaluate(ctx, be, run.ID, step.ID, "manual:approve")
	rejected := store.GateRejected
	if err := be.UpdateGate(ctx, g.ID, store.GatePatch{Status: &rejected}); err != nil {
		t.Fatalf("UpdateGate: %v", err)
	}

	outcome, _, _, err := Evaluate(ctx, be, run.ID, step.ID, "manual:approve")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if outcome != Denied {
		t.Errorf("outcome = %v, want Denied", outcome)
	}
}
