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

package vcs

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/nofx-run/orchestrator/internal/events"
	"github.com/nofx-run/orchestrator/internal/handler"
	"github.com/nofx-run/orchestrator/internal/queue"
	"github.com/nofx-run/orchestrator/internal/store"
	"github.com/nofx-run/orchestrator/internal/store/memory"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Skipf("git unavailable in this environment: %v: %s", err, out)
		}
	}
	run("init")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return dir
}

func TestHandler_Match(t *testing.T) {
	var h Handler
	if !h.Match("vcs:commit") {
		t.Error("expected vcs:commit to match")
	}
	if h.Match("shell:run") {
		t.Error("expected shell:run not to match")
	}
}

func TestHandler_Run_WaitsThenCommitsOnApproval(t *testing.T) {
	dir := initRepo(t)
	be := memory.New()
	q := queue.New(4, slog.Default())
	ctx := context.Background()

	run, _ := be.CreateRun(ctx, nil, "")
	step, err := be.CreateStep(ctx, run.ID, "commit", "vcs:commit", store.JSON{"message": "test commit"}, "")
	if err != nil {
		t.Fatalf("CreateStep: %v", err)
	}

	rc := &handler.RunContext{
		RunID:  run.ID,
		Step:   step,
		Store:  be,
		Queue:  q,
		Events: events.New(be, slog.Default()),
		Logger: slog.Default(),
	}
	h := Handler{Dir: dir}

	if err := h.Run(ctx, rc); err != nil {
		t.Fatalf("Run (first visit): %v", err)
	}
	got, _ := be.GetStep(ctx, step.ID)
	if got.Status != store.StepRunning {
		t.Errorf("status after first visit = %q, want running", got.Status)
	}

	latest, err := be.GetLatestGate(ctx, run.ID, step.ID)
	if err != nil {
		t.Fatalf("GetLatestGate: %v", err)
	}
	if latest.GateType != DefaultGateType {
		t.Errorf("gate type = %q, want %q", latest.GateType, DefaultGateType)
	}
	approved := store.GateApproved
	if err := be.UpdateGate(ctx, latest.ID, store.GatePatch{Status: &approved}); err != nil {
		t.Fatalf("UpdateGate: %v", err)
	}

	if err := h.Run(ctx, rc); err != nil {
		t.Fatalf("Run (second visit): %v", err)
	}
	got, _ = be.GetStep(ctx, step.ID)
	if got.Status != store.StepSucceeded {
		t.Errorf("status after approval = %q, want succeeded", got.Status)
	}
}
