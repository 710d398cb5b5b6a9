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

// Package storetest is a conformance suite shared by every storage
// backend. Each backend's own test file constructs a fresh instance and
// calls Suite (and, for the relational/memory backends, MigrationSuite)
// so the same behavioral contract is checked identically everywhere,
// rather than four slightly-diverging hand-copies of the same
// assertions.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/nofx-run/orchestrator/internal/store"
)

// Suite runs every store.Store-level conformance check against a fresh
// backend returned by newStore. newStore is called once per subtest so
// state from one check never leaks into another.
func Suite(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Helper()

	t.Run("CreateRun_GetRun_Roundtrip", func(t *testing.T) {
		be := newStore(t)
		ctx := context.Background()

		run, err := be.CreateRun(ctx, store.JSON{"goal": "ship it"}, "proj-1")
		if err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		if run.Status != store.RunQueued {
			t.Errorf("status = %q, want queued", run.Status)
		}

		got, err := be.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if got.ProjectID != "proj-1" {
			t.Errorf("ProjectID = %q, want proj-1", got.ProjectID)
		}
	})

	t.Run("GetRun_NotFound", func(t *testing.T) {
		be := newStore(t)
		if _, err := be.GetRun(context.Background(), "does-not-exist"); err == nil {
			t.Fatal("expected an error for an unknown run id")
		}
	})

	t.Run("UpdateRun_TerminalStatusSetsEndedAt", func(t *testing.T) {
		be := newStore(t)
		ctx := context.Background()

		run, _ := be.CreateRun(ctx, nil, "")
		status := store.RunSucceeded
		if err := be.UpdateRun(ctx, run.ID, store.RunPatch{Status: &status}); err != nil {
			t.Fatalf("UpdateRun: %v", err)
		}
		got, err := be.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if got.EndedAt == nil {
			t.Error("expected EndedAt to be set once the run reached a terminal status")
		}
	})

	t.Run("ResetRun_ClearsTerminalState", func(t *testing.T) {
		be := newStore(t)
		ctx := context.Background()

		run, _ := be.CreateRun(ctx, nil, "")
		failed := store.RunFailed
		if err := be.UpdateRun(ctx, run.ID, store.RunPatch{Status: &failed}); err != nil {
			t.Fatalf("UpdateRun: %v", err)
		}
		if err := be.ResetRun(ctx, run.ID); err != nil {
			t.Fatalf("ResetRun: %v", err)
		}
		got, err := be.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if got.Status != store.RunQueued {
			t.Errorf("status after reset = %q, want queued", got.Status)
		}
		if got.EndedAt != nil {
			t.Error("expected EndedAt to be cleared by ResetRun")
		}
	})

	t.Run("CreateStep_IdempotentByKey", func(t *testing.T) {
		be := newStore(t)
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
			t.Errorf("expected repeated CreateStep with the same idempotency key to return the same step, got %s vs %s", first.ID, second.ID)
		}
	})

	t.Run("ResetStep_RequeuesForRerun", func(t *testing.T) {
		be := newStore(t)
		ctx := context.Background()

		run, _ := be.CreateRun(ctx, nil, "")
		step, _ := be.CreateStep(ctx, run.ID, "build", "shell:run", nil, "")
		failed := store.StepFailed
		if err := be.UpdateStep(ctx, step.ID, store.StepPatch{Status: &failed}); err != nil {
			t.Fatalf("UpdateStep: %v", err)
		}

		before, err := be.CountRemainingSteps(ctx, run.ID)
		if err != nil {
			t.Fatalf("CountRemainingSteps: %v", err)
		}
		if before != 1 {
			t.Fatalf("remaining before reset = %d, want 1 (a failed step still counts as remaining)", before)
		}

		if err := be.ResetStep(ctx, step.ID); err != nil {
			t.Fatalf("ResetStep: %v", err)
		}
		got, err := be.GetStep(ctx, step.ID)
		if err != nil {
			t.Fatalf("GetStep: %v", err)
		}
		if got.Status != store.StepQueued {
			t.Errorf("status after reset = %q, want queued", got.Status)
		}

		after, err := be.CountRemainingSteps(ctx, run.ID)
		if err != nil {
			t.Fatalf("CountRemainingSteps: %v", err)
		}
		if after != 1 {
			t.Errorf("remaining after reset = %d, want 1", after)
		}
	})

	t.Run("ListStepsByRun_OrderedByCreation", func(t *testing.T) {
		be := newStore(t)
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
			t.Fatalf("len(steps) = %d, want 2", len(steps))
		}
		if steps[0].ID != first.ID {
			t.Error("expected the first-created step to sort first")
		}
	})

	t.Run("RecordEvent_ChronologicalOrder", func(t *testing.T) {
		be := newStore(t)
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
		if len(events) != 2 {
			t.Fatalf("len(events) = %d, want 2", len(events))
		}
		if events[0].Type != store.EventStepStarted || events[1].Type != store.EventStepFinished {
			t.Errorf("events out of order: %+v", events)
		}
	})

	t.Run("Gate_CreateOrGetReturnsExisting_LatestStatusWins", func(t *testing.T) {
		be := newStore(t)
		ctx := context.Background()

		run, _ := be.CreateRun(ctx, nil, "")
		step, _ := be.CreateStep(ctx, run.ID, "deploy", "manual:approve", nil, "")

		first, err := be.CreateOrGetGate(ctx, run.ID, step.ID, "manual:approve")
		if err != nil {
			t.Fatalf("CreateOrGetGate: %v", err)
		}
		again, err := be.CreateOrGetGate(ctx, run.ID, step.ID, "manual:approve")
		if err != nil {
			t.Fatalf("CreateOrGetGate (repeat): %v", err)
		}
		if again.ID != first.ID {
			t.Errorf("expected the pending gate to be reused, got a new gate %s vs %s", again.ID, first.ID)
		}

		approved := store.GateApproved
		if err := be.UpdateGate(ctx, first.ID, store.GatePatch{Status: &approved}); err != nil {
			t.Fatalf("UpdateGate: %v", err)
		}
		latest, err := be.GetLatestGate(ctx, run.ID, step.ID)
		if err != nil {
			t.Fatalf("GetLatestGate: %v", err)
		}
		if !latest.Status.Passed() {
			t.Errorf("expected latest gate to have passed, got %q", latest.Status)
		}
	})

	t.Run("InboxMarkIfNew_Dedup", func(t *testing.T) {
		be := newStore(t)
		ctx := context.Background()

		first, err := be.InboxMarkIfNew(ctx, "msg-1")
		if err != nil {
			t.Fatalf("InboxMarkIfNew: %v", err)
		}
		if !first {
			t.Error("expected the first mark to report new")
		}
		second, err := be.InboxMarkIfNew(ctx, "msg-1")
		if err != nil {
			t.Fatalf("InboxMarkIfNew: %v", err)
		}
		if second {
			t.Error("expected a repeated mark of the same key to report not-new")
		}

		if err := be.InboxDelete(ctx, "msg-1"); err != nil {
			t.Fatalf("InboxDelete: %v", err)
		}
		third, err := be.InboxMarkIfNew(ctx, "msg-1")
		if err != nil {
			t.Fatalf("InboxMarkIfNew: %v", err)
		}
		if !third {
			t.Error("expected a mark after InboxDelete to report new again")
		}
	})

	t.Run("Outbox_ListUnsentThenMarkSent", func(t *testing.T) {
		be := newStore(t)
		ctx := context.Background()

		msg, err := be.OutboxAdd(ctx, "step.ready", store.JSON{"stepId": "s1"})
		if err != nil {
			t.Fatalf("OutboxAdd: %v", err)
		}
		unsent, err := be.OutboxListUnsent(ctx, 10)
		if err != nil {
			t.Fatalf("OutboxListUnsent: %v", err)
		}
		if len(unsent) != 1 || unsent[0].ID != msg.ID {
			t.Fatalf("expected one unsent message, got %+v", unsent)
		}
		if err := be.OutboxMarkSent(ctx, msg.ID); err != nil {
			t.Fatalf("OutboxMarkSent: %v", err)
		}
		unsent, err = be.OutboxListUnsent(ctx, 10)
		if err != nil {
			t.Fatalf("OutboxListUnsent: %v", err)
		}
		if len(unsent) != 0 {
			t.Errorf("expected no unsent messages after marking sent, got %d", len(unsent))
		}
	})

	t.Run("Artifacts_ListByRunJoinsStepName", func(t *testing.T) {
		be := newStore(t)
		ctx := context.Background()

		run, _ := be.CreateRun(ctx, nil, "")
		step, _ := be.CreateStep(ctx, run.ID, "build", "shell:run", nil, "")
		if _, err := be.AddArtifact(ctx, step.ID, "log", "artifacts/build.log", nil); err != nil {
			t.Fatalf("AddArtifact: %v", err)
		}

		artifacts, err := be.ListArtifactsByRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("ListArtifactsByRun: %v", err)
		}
		if len(artifacts) != 1 {
			t.Fatalf("len(artifacts) = %d, want 1", len(artifacts))
		}
		if artifacts[0].StepName != "build" {
			t.Errorf("StepName = %q, want build", artifacts[0].StepName)
		}
	})

	t.Run("ListRuns_FiltersByProjectAndRespectsLimit", func(t *testing.T) {
		be := newStore(t)
		ctx := context.Background()

		if _, err := be.CreateRun(ctx, nil, "proj-a"); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		if _, err := be.CreateRun(ctx, nil, "proj-a"); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		if _, err := be.CreateRun(ctx, nil, "proj-b"); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}

		runs, err := be.ListRuns(ctx, store.RunFilter{ProjectID: "proj-a"})
		if err != nil {
			t.Fatalf("ListRuns: %v", err)
		}
		if len(runs) != 2 {
			t.Fatalf("len(runs) = %d, want 2 for proj-a", len(runs))
		}

		limited, err := be.ListRuns(ctx, store.RunFilter{ProjectID: "proj-a", Limit: 1})
		if err != nil {
			t.Fatalf("ListRuns with limit: %v", err)
		}
		if len(limited) != 1 {
			t.Errorf("len(limited) = %d, want 1", len(limited))
		}
	})
}

// MigrationSuite runs the store.MigrationStore conformance checks.
// Called only by backends that implement it (the relational backends
// and the in-memory one); the filesystem backend never does, since
// schema migrations have no meaning against flat JSON files.
func MigrationSuite(t *testing.T, newStore func(t *testing.T) store.MigrationStore) {
	t.Helper()

	t.Run("InsertListDeleteRoundtrip", func(t *testing.T) {
		be := newStore(t)
		ctx := context.Background()

		if err := be.EnsureMigrationsTable(ctx); err != nil {
			t.Fatalf("EnsureMigrationsTable: %v", err)
		}
		// Calling it twice must stay a no-op.
		if err := be.EnsureMigrationsTable(ctx); err != nil {
			t.Fatalf("EnsureMigrationsTable (repeat): %v", err)
		}

		m := &store.Migration{ID: "20260101000000_init", Name: "init", UpSQL: "-- up", DownSQL: "-- down", ExecutedAt: time.Now().UTC()}
		if err := be.InsertMigration(ctx, m); err != nil {
			t.Fatalf("InsertMigration: %v", err)
		}

		got, err := be.GetMigration(ctx, m.ID)
		if err != nil {
			t.Fatalf("GetMigration: %v", err)
		}
		if got.Name != m.Name {
			t.Errorf("Name = %q, want %q", got.Name, m.Name)
		}

		applied, err := be.ListAppliedMigrations(ctx)
		if err != nil {
			t.Fatalf("ListAppliedMigrations: %v", err)
		}
		if len(applied) != 1 || applied[0].ID != m.ID {
			t.Fatalf("expected one applied migration, got %+v", applied)
		}

		if err := be.DeleteMigration(ctx, m.ID); err != nil {
			t.Fatalf("DeleteMigration: %v", err)
		}
		if _, err := be.GetMigration(ctx, m.ID); err == nil {
			t.Error("expected GetMigration to fail for a deleted migration")
		}
	})

	t.Run("GetMigration_NotFound", func(t *testing.T) {
		be := newStore(t)
		ctx := context.Background()
		if err := be.EnsureMigrationsTable(ctx); err != nil {
			t.Fatalf("EnsureMigrationsTable: %v", err)
		}
		if _, err := be.GetMigration(ctx, "does-not-exist"); err == nil {
			t.Fatal("expected an error for an unknown migration id")
		}
	})
}
