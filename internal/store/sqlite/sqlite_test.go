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

package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/nofx-run/orchestrator/internal/store"
	"github.com/nofx-run/orchestrator/internal/store/storetest"
)

func createTestBackend(t *testing.T) *Backend {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	be, err := New(Config{Path: dbPath, WAL: true})
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	t.Cleanup(func() { be.Close() })
	return be
}

func TestSQLiteBackend_ConformsToSharedSuite(t *testing.T) {
	storetest.Suite(t, func(t *testing.T) store.Store { return createTestBackend(t) })
	storetest.MigrationSuite(t, func(t *testing.T) store.MigrationStore { return createTestBackend(t) })
}

func TestSQLiteBackend_CreateAndGetRun(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	run, err := be.CreateRun(ctx, store.JSON{"goal": "deploy service"}, "proj-1")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := be.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != store.RunQueued {
		t.Errorf("status = %q, want queued", got.Status)
	}
	if got.Plan["goal"] != "deploy service" {
		t.Errorf("plan[goal] = %v, want deploy service", got.Plan["goal"])
	}
}

func TestSQLiteBackend_GetRun_NotFound(t *testing.T) {
	be := createTestBackend(t)
	if _, err := be.GetRun(context.Background(), "missing"); err == nil {
		t.Fatal("expected not_found error")
	}
}

func TestSQLiteBackend_UpdateRun_TerminalSetsEndedAt(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	run, _ := be.CreateRun(ctx, nil, "")
	status := store.RunFailed
	if err := be.UpdateRun(ctx, run.ID, store.RunPatch{Status: &status}); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	got, err := be.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.EndedAt == nil {
		t.Error("expected EndedAt to be set on terminal status")
	}
}

func TestSQLiteBackend_CreateStep_IdempotentByKey(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	run, _ := be.CreateRun(ctx, nil, "")
	first, err := be.CreateStep(ctx, run.ID, "build", "shell:run", store.JSON{"command": "make"}, "build-key")
	if err != nil {
		t.Fatalf("CreateStep: %v", err)
	}
	second, err := be.CreateStep(ctx, run.ID, "build", "shell:run", store.JSON{"command": "make"}, "build-key")
	if err != nil {
		t.Fatalf("CreateStep (repeat): %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected same step for repeated idempotency key, got %s vs %s", first.ID, second.ID)
	}
}

func TestSQLiteBackend_ListStepsByRun_Ordered(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	run, _ := be.CreateRun(ctx, nil, "")
	first, err := be.CreateStep(ctx, run.ID, "a", "test:echo", nil, "")
	if err != nil {
		t.Fatalf("CreateStep: %v", err)
	}
	if _, err := be.CreateStep(ctx, run.ID, "b", "test:echo", nil, ""); err != nil {
		t.Fatalf("CreateStep: %v", err)
	}

	steps, err := be.ListStepsByRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListStepsByRun: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(steps))
	}
	if steps[0].ID != first.ID {
		t.Error("expected first-created step to sort first")
	}
}

func TestSQLiteBackend_EventsChronological(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	run, _ := be.CreateRun(ctx, nil, "")
	if _, err := be.RecordEvent(ctx, run.ID, store.EventStepStarted, nil, ""); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if _, err := be.RecordEvent(ctx, run.ID, store.EventStepFinished, nil, ""); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}

	events, err := be.ListEvents(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 || events[0].Type != store.EventStepStarted {
		t.Errorf("events out of order: %+v", events)
	}
}

func TestSQLiteBackend_GateLatestWins(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	run, _ := be.CreateRun(ctx, nil, "")
	step, _ := be.CreateStep(ctx, run.ID, "deploy", "manual:approve", nil, "")

	gate, err := be.CreateOrGetGate(ctx, run.ID, step.ID, "manual:approve")
	if err != nil {
		t.Fatalf("CreateOrGetGate: %v", err)
	}

	approved := store.GateApproved
	if err := be.UpdateGate(ctx, gate.ID, store.GatePatch{Status: &approved}); err != nil {
		t.Fatalf("UpdateGate: %v", err)
	}

	latest, err := be.GetLatestGate(ctx, run.ID, step.ID)
	if err != nil {
		t.Fatalf("GetLatestGate: %v", err)
	}
	if !latest.Status.Passed() {
		t.Errorf("expected gate to have passed, got %q", latest.Status)
	}
}

func TestSQLiteBackend_InboxDedup(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	first, err := be.InboxMarkIfNew(ctx, "msg-1")
	if err != nil {
		t.Fatalf("InboxMarkIfNew: %v", err)
	}
	if !first {
		t.Error("expected first mark to report new")
	}
	second, err := be.InboxMarkIfNew(ctx, "msg-1")
	if err != nil {
		t.Fatalf("InboxMarkIfNew: %v", err)
	}
	if second {
		t.Error("expected repeated mark to report not-new")
	}
}

func TestSQLiteBackend_OutboxLifecycle(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	msg, err := be.OutboxAdd(ctx, "step.ready", store.JSON{"stepId": "s1"})
	if err != nil {
		t.Fatalf("OutboxAdd: %v", err)
	}
	unsent, err := be.OutboxListUnsent(ctx, 10)
	if err != nil || len(unsent) != 1 {
		t.Fatalf("OutboxListUnsent: %v, %d", err, len(unsent))
	}
	if err := be.OutboxMarkSent(ctx, msg.ID); err != nil {
		t.Fatalf("OutboxMarkSent: %v", err)
	}
	unsent, err = be.OutboxListUnsent(ctx, 10)
	if err != nil || len(unsent) != 0 {
		t.Fatalf("expected no unsent after marking sent, got %d", len(unsent))
	}
}

func TestSQLiteBackend_MigrationRoundTrip(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	m := &store.Migration{ID: "20260101000000_init", Name: "init", UpSQL: "-- up", DownSQL: "-- down"}
	if err := be.InsertMigration(ctx, m); err != nil {
		t.Fatalf("InsertMigration: %v", err)
	}

	applied, err := be.ListAppliedMigrations(ctx)
	if err != nil || len(applied) != 1 {
		t.Fatalf("ListAppliedMigrations: %v, %d", err, len(applied))
	}

	if err := be.DeleteMigration(ctx, m.ID); err != nil {
		t.Fatalf("DeleteMigration: %v", err)
	}
	if _, err := be.GetMigration(ctx, m.ID); err == nil {
		t.Error("expected GetMigration to fail after delete")
	}
}

func TestSQLiteBackend_ArtifactStepNameJoin(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	run, _ := be.CreateRun(ctx, nil, "")
	step, _ := be.CreateStep(ctx, run.ID, "build", "shell:run", nil, "")

	if _, err := be.AddArtifact(ctx, step.ID, "log", "artifacts/build.log", nil); err != nil {
		t.Fatalf("AddArtifact: %v", err)
	}

	artifacts, err := be.ListArtifactsByRun(ctx, run.ID)
	if err != nil || len(artifacts) != 1 {
		t.Fatalf("ListArtifactsByRun: %v, %d", err, len(artifacts))
	}
	if artifacts[0].StepName != "build" {
		t.Errorf("StepName = %q, want build", artifacts[0].StepName)
	}
}
