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

package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/nofx-run/orchestrator/internal/store"
	"github.com/nofx-run/orchestrator/internal/store/storetest"
)

func TestBackend_ConformsToSharedSuite(t *testing.T) {
	storetest.Suite(t, func(t *testing.T) store.Store { return New() })
	storetest.MigrationSuite(t, func(t *testing.T) store.MigrationStore { return New() })
}

func TestBackend_CreateRun(t *testing.T) {
	b := New()
	ctx := context.Background()

	run, err := b.CreateRun(ctx, store.JSON{"goal": "ship it"}, "proj-1")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.Status != store.RunQueued {
		t.Errorf("status = %q, want queued", run.Status)
	}

	got, err := b.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.ProjectID != "proj-1" {
		t.Errorf("project = %q, want proj-1", got.ProjectID)
	}
}

func TestBackend_GetRun_NotFound(t *testing.T) {
	b := New()
	if _, err := b.GetRun(context.Background(), "missing"); err == nil {
		t.Fatal("expected not_found error")
	}
}

func TestBackend_UpdateRun_SetsEndedAtOnTerminal(t *testing.T) {
	b := New()
	ctx := context.Background()

	run, _ := b.CreateRun(ctx, nil, "")
	status := store.RunSucceeded
	if err := b.UpdateRun(ctx, run.ID, store.RunPatch{Status: &status}); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	got, _ := b.GetRun(ctx, run.ID)
	if got.EndedAt == nil {
		t.Error("expected EndedAt to be set once run reached a terminal status")
	}
}

func TestBackend_CreateStep_IdempotentByKey(t *testing.T) {
	b := New()
	ctx := context.Background()

	run, _ := b.CreateRun(ctx, nil, "")
	first, err := b.CreateStep(ctx, run.ID, "build", "shell:run", store.JSON{"command": "make"}, "build-key")
	if err != nil {
		t.Fatalf("CreateStep: %v", err)
	}

	second, err := b.CreateStep(ctx, run.ID, "build", "shell:run", store.JSON{"command": "make"}, "build-key")
	if err != nil {
		t.Fatalf("CreateStep (repeat): %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("expected repeated CreateStep with same idempotency key to return same step, got %s vs %s", first.ID, second.ID)
	}
}

func TestBackend_GetStepByIdempotencyKey(t *testing.T) {
	b := New()
	ctx := context.Background()

	run, _ := b.CreateRun(ctx, nil, "")
	step, _ := b.CreateStep(ctx, run.ID, "build", "shell:run", nil, "build-key")

	got, err := b.GetStepByIdempotencyKey(ctx, run.ID, "build-key")
	if err != nil {
		t.Fatalf("GetStepByIdempotencyKey: %v", err)
	}
	if got.ID != step.ID {
		t.Errorf("got step %s, want %s", got.ID, step.ID)
	}
}

func TestBackend_ListStepsByRun_OrderedByCreation(t *testing.T) {
	b := New()
	ctx := context.Background()

	run, _ := b.CreateRun(ctx, nil, "")
	a, _ := b.CreateStep(ctx, run.ID, "a", "test:echo", nil, "")
	if _, err := b.CreateStep(ctx, run.ID, "c", "test:echo", nil, ""); err != nil {
		t.Fatalf("CreateStep: %v", err)
	}

	steps, err := b.ListStepsByRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListStepsByRun: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(steps))
	}
	if steps[0].ID != a.ID {
		t.Errorf("expected first step to be the one created first")
	}
}

func TestBackend_RecordEvent_ChronologicalOrder(t *testing.T) {
	b := New()
	ctx := context.Background()

	run, _ := b.CreateRun(ctx, nil, "")
	if _, err := b.RecordEvent(ctx, run.ID, store.EventStepStarted, nil, ""); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if _, err := b.RecordEvent(ctx, run.ID, store.EventStepFinished, nil, ""); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}

	events, err := b.ListEvents(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Type != store.EventStepStarted || events[1].Type != store.EventStepFinished {
		t.Errorf("events out of order: %v", events)
	}
}

func TestBackend_Gate_LatestWins(t *testing.T) {
	b := New()
	ctx := context.Background()

	run, _ := b.CreateRun(ctx, nil, "")
	step, _ := b.CreateStep(ctx, run.ID, "deploy", "manual:approve", nil, "")

	first, err := b.CreateOrGetGate(ctx, run.ID, step.ID, "manual:approve")
	if err != nil {
		t.Fatalf("CreateOrGetGate: %v", err)
	}

	again, err := b.CreateOrGetGate(ctx, run.ID, step.ID, "manual:approve")
	if err != nil {
		t.Fatalf("CreateOrGetGate (repeat): %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("expected CreateOrGetGate to return the existing pending gate, got a new one")
	}

	approved := store.GateApproved
	if err := b.UpdateGate(ctx, first.ID, store.GatePatch{Status: &approved}); err != nil {
		t.Fatalf("UpdateGate: %v", err)
	}

	latest, err := b.GetLatestGate(ctx, run.ID, step.ID)
	if err != nil {
		t.Fatalf("GetLatestGate: %v", err)
	}
	if !latest.Status.Passed() {
		t.Errorf("expected latest gate to have passed, got %q", latest.Status)
	}
}

func TestBackend_InboxMarkIfNew_Dedup(t *testing.T) {
	b := New()
	ctx := context.Background()

	first, err := b.InboxMarkIfNew(ctx, "msg-1")
	if err != nil {
		t.Fatalf("InboxMarkIfNew: %v", err)
	}
	if !first {
		t.Error("expected first mark to report new")
	}

	second, err := b.InboxMarkIfNew(ctx, "msg-1")
	if err != nil {
		t.Fatalf("InboxMarkIfNew: %v", err)
	}
	if second {
		t.Error("expected repeated mark to report not-new")
	}
}

func TestBackend_InboxMarkIfNew_ConcurrentSafe(t *testing.T) {
	b := New()
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	results := make([]bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := b.InboxMarkIfNew(ctx, "shared-key")
			if err != nil {
				t.Errorf("InboxMarkIfNew: %v", err)
			}
			results[i] = ok
		}(i)
	}
	wg.Wait()

	newCount := 0
	for _, ok := range results {
		if ok {
			newCount++
		}
	}
	if newCount != 1 {
		t.Errorf("expected exactly one goroutine to win the race, got %d", newCount)
	}
}

func TestBackend_Outbox_ListUnsentThenMarkSent(t *testing.T) {
	b := New()
	ctx := context.Background()

	msg, err := b.OutboxAdd(ctx, "step.ready", store.JSON{"stepId": "s1"})
	if err != nil {
		t.Fatalf("OutboxAdd: %v", err)
	}

	unsent, err := b.OutboxListUnsent(ctx, 10)
	if err != nil {
		t.Fatalf("OutboxListUnsent: %v", err)
	}
	if len(unsent) != 1 || unsent[0].ID != msg.ID {
		t.Fatalf("expected one unsent message, got %v", unsent)
	}

	if err := b.OutboxMarkSent(ctx, msg.ID); err != nil {
		t.Fatalf("OutboxMarkSent: %v", err)
	}

	unsent, err = b.OutboxListUnsent(ctx, 10)
	if err != nil {
		t.Fatalf("OutboxListUnsent: %v", err)
	}
	if len(unsent) != 0 {
		t.Errorf("expected no unsent messages after marking sent, got %d", len(unsent))
	}
}

func TestBackend_ArtifactsJoinStepName(t *testing.T) {
	b := New()
	ctx := context.Background()

	run, _ := b.CreateRun(ctx, nil, "")
	step, _ := b.CreateStep(ctx, run.ID, "build", "shell:run", nil, "")

	if _, err := b.AddArtifact(ctx, step.ID, "log", "artifacts/build.log", nil); err != nil {
		t.Fatalf("AddArtifact: %v", err)
	}

	artifacts, err := b.ListArtifactsByRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListArtifactsByRun: %v", err)
	}
	if len(artifacts) != 1 {
		t.Fatalf("got %d artifacts, want 1", len(artifacts))
	}
	if artifacts[0].StepName != "build" {
		t.Errorf("StepName = %q, want build", artifacts[0].StepName)
	}
}

func TestBackend_Migrations(t *testing.T) {
	b := New()
	ctx := context.Background()

	m := &store.Migration{ID: "20260101000000_init", Name: "init", UpSQL: "-- up", DownSQL: "-- down"}
	if err := b.InsertMigration(ctx, m); err != nil {
		t.Fatalf("InsertMigration: %v", err)
	}

	applied, err := b.ListAppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("ListAppliedMigrations: %v", err)
	}
	if len(applied) != 1 || applied[0].ID != m.ID {
		t.Fatalf("expected migration to be recorded, got %v", applied)
	}

	if err := b.DeleteMigration(ctx, m.ID); err != nil {
		t.Fatalf("DeleteMigration: %v", err)
	}
	if _, err := b.GetMigration(ctx, m.ID); err == nil {
		t.Error("expected GetMigration to fail after delete")
	}
}
