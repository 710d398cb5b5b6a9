package shell

import (
	"context"
	"log/slog"
	"testing"

	"github.com/nofx-run/orchestrator/internal/events"
	"github.com/nofx-run/orchestrator/internal/handler"
	"github.com/nofx-run/orchestrator/internal/store"
	"github.com/nofx-run/orchestrator/internal/store/memory"
)

func newRunContext(t *testing.T, inputs store.JSON) (*handler.RunContext, *memory.Backend) {
	t.Helper()
	be := memory.New()
	ctx := context.Background()

	run, err := be.CreateRun(ctx, nil, "")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	step, err := be.CreateStep(ctx, run.ID, "build", "shell:run", inputs, "")
	if err != nil {
		t.Fatalf("CreateStep: %v", err)
	}

	return &handler.RunContext{
		RunID:  run.ID,
		Step:   step,
		Store:  be,
		Events: events.New(be, slog.Default()),
		Logger: slog.Default(),
	}, be
}

func TestHandler_Match(t *testing.T) {
	var h Handler
	if !h.Match("shell:run") {
		t.Error("expected shell:run to match")
	}
	if h.Match("test:echo") {
		t.Error("expected test:echo not to match")
	}
}

func TestHandler_Run_Success(t *testing.T) {
	rc, be := newRunContext(t, store.JSON{"command": "echo hello"})
	var h Handler

	if err := h.Run(context.Background(), rc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := be.GetStep(context.Background(), rc.Step.ID)
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	if got.Status != store.StepSucceeded {
		t.Errorf("status = %q, want succeeded", got.Status)
	}
	if got.Outputs["stdout"] != "hello" {
		t.Errorf("stdout = %v, want hello", got.Outputs["stdout"])
	}
}

func TestHandler_Run_NonZeroExit(t *testing.T) {
	rc, be := newRunContext(t, store.JSON{"command": "exit 3"})
	var h Handler

	if err := h.Run(context.Background(), rc); err != nil {
		t.Fatalf("Run should not propagate a business failure: %v", err)
	}

	got, err := be.GetStep(context.Background(), rc.Step.ID)
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	if got.Status != store.StepFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
}

func TestHandler_Run_Timeout(t *testing.T) {
	rc, be := newRunContext(t, store.JSON{"command": "sleep 5", "timeout": 50})
	var h Handler

	if err := h.Run(context.Background(), rc); err != nil {
		t.Fatalf("Run should not propagate a timeout as an exception: %v", err)
	}

	got, err := be.GetStep(context.Background(), rc.Step.ID)
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	if got.Status != store.StepFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.Outputs["error_type"] != "timed_out" {
		t.Errorf("error_type = %v, want timed_out", got.Outputs["error_type"])
	}
}
