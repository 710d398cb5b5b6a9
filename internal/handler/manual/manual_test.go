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

package manual

import (
	"context"
	"log/slog"
	"testing"

	"github.com/nofx-run/orchestrator/internal/events"
	"github.com/nofx-run/orchestrator/internal/handler"
	"github.com/nofx-run/orchestrator/internal/queue"
	"github.com/nofx-run/orchestrator/internal/store"
	"github.com/nofx-run/orchestrator/internal/store/memory"
)

func newRunContext(t *testing.T, tool string) (*handler.RunContext, *memory.Backend, *queue.Queue) {
	t.Helper()
	be := memory.New()
	q := queue.New(4, slog.Default())
	ctx := context.Background()

	run, _ := be.CreateRun(ctx, nil, "")
	step, err := be.CreateStep(ctx, run.ID, "deploy", tool, nil, "")
	if err != nil {
		t.Fatalf("CreateStep: %v", err)
	}

	return &handler.RunContext{
		RunID:  run.ID,
		Step:   step,
		Store:  be,
		Queue:  q,
		Events: events.New(be, slog.Default()),
		Logger: slog.Default(),
	}, be, q
}

func TestHandler_Match(t *testing.T) {
	var h Handler
	if !h.Match("manual:approve") {
		t.Error("expected manual:approve to match")
	}
	if h.Match("shell:run") {
		t.Error("expected shell:run not to match")
	}
}

func TestHandler_Run_FirstVisitWaits(t *testing.T) {
	rc, be, q := newRunContext(t, "manual:approve")
	var h Handler

	if err := h.Run(context.Background(), rc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := be.GetStep(context.Background(), rc.Step.ID)
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	if got.Status != store.StepRunning {
		t.Errorf("status = %q, want running", got.Status)
	}
	if q.GetCounts("step.ready").Delayed != 1 {
		t.Error("expected step to be re-enqueued with a delay")
	}
}

func TestHandler_Run_SucceedsOnApproval(t *testing.T) {
	rc, be, _ := newRunContext(t, "manual:approve")
	var h Handler

	if err := h.Run(context.Background(), rc); err != nil {
		t.Fatalf("Run (first visit): %v", err)
	}

	latest, err := be.GetLatestGate(context.Background(), rc.RunID, rc.Step.ID)
	if err != nil {
		t.Fatalf("GetLatestGate: %v", err)
	}
	approved := store.GateApproved
	if err := be.UpdateGate(context.Background(), latest.ID, store.GatePatch{Status: &approved}); err != nil {
		t.Fatalf("UpdateGate: %v", err)
	}

	if err := h.Run(context.Background(), rc); err != nil {
		t.Fatalf("Run (second visit): %v", err)
	}

	got, err := be.GetStep(context.Background(), rc.Step.ID)
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	if got.Status != store.StepSucceeded {
		t.Errorf("status = %q, want succeeded", got.Status)
	}
}

func TestHandler_Run_FailsOnRejection(t *testing.T) {
	rc, be, _ := newRunContext(t, "manual:approve")
	var h Handler

	if err := h.Run(context.Background(), rc); err != nil {
		t.Fatalf("Run (first visit): %v", err)
	}

	latest, err := be.GetLatestGate(context.Background(), rc.RunID, rc.Step.ID)
	if err != nil {
		t.Fatalf("GetLatestGate: %v", err)
	}
	rejected := store.GateRejected
	if err := be.UpdateGate(context.Background(), latest.ID, store.GatePatch{Status: &rejected}); err != nil {
		t.Fatalf("UpdateGate: %v", err)
	}

	if err := h.Run(context.Background(), rc); err != nil {
		t.Fatalf("Run (second visit): %v", err)
	}

	got, err := be.GetStep(context.Background(), rc.Step.ID)
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	if got.Status != store.StepFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
}
