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

// Package memory provides an in-memory Store backend, useful for tests
// and for the conformance suite every backend is run against.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	orcherrors "github.com/nofx-run/orchestrator/pkg/errors"
	"github.com/nofx-run/orchestrator/internal/store"
)

var _ store.Store = (*Backend)(nil)
var _ store.MigrationStore = (*Backend)(nil)

// Backend is an in-memory storage backend. All operations hold a single
// mutex; this backend is for tests and local development, not high
// throughput.
type Backend struct {
	mu sync.RWMutex

	runs       map[string]*store.Run
	steps      map[string]*store.Step
	stepByIdem map[string]string // runID+"\x00"+key -> stepID
	events     map[string][]*store.Event
	gates      map[string][]*store.Gate // runID+"\x00"+stepID -> gates, append-only
	artifacts  map[string][]*store.Artifact
	inbox      map[string]struct{}
	outbox     map[string]*store.OutboxMessage
	migrations map[string]*store.Migration
}

// New creates a new in-memory backend.
func New() *Backend {
	return &Backend{
		runs:       make(map[string]*store.Run),
		steps:      make(map[string]*store.Step),
		stepByIdem: make(map[string]string),
		events:     make(map[string][]*store.Event),
		gates:      make(map[string][]*store.Gate),
		artifacts:  make(map[string][]*store.Artifact),
		inbox:      make(map[string]struct{}),
		outbox:     make(map[string]*store.OutboxMessage),
		migrations: make(map[string]*store.Migration),
	}
}

func idemKey(runID, key string) string { return runID + "\x00" + key }
func gateKey(runID, stepID string) string { return runID + "\x00" + stepID }

// --- RunStore ---

func (b *Backend) CreateRun(ctx context.Context, plan store.JSON, projectID string) (*store.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if projectID == "" {
		projectID = "default"
	}

	run := &store.Run{
		ID:        uuid.NewString(),
		Status:    store.RunQueued,
		Plan:      plan,
		ProjectID: projectID,
		CreatedAt: time.Now().UTC(),
	}
	b.runs[run.ID] = run

	cp := *run
	return &cp, nil
}

func (b *Backend) GetRun(ctx context.Context, id string) (*store.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	run, ok := b.runs[id]
	if !ok {
		return nil, &orcherrors.NotFoundError{Resource: "run", ID: id}
	}
	cp := *run
	return &cp, nil
}

func (b *Backend) UpdateRun(ctx context.Context, id string, patch store.RunPatch) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, ok := b.runs[id]
	if !ok {
		return &orcherrors.NotFoundError{Resource: "run", ID: id}
	}

	applyRunPatch(run, patch)
	return nil
}

func applyRunPatch(run *store.Run, patch store.RunPatch) {
	if patch.Status != nil {
		run.Status = *patch.Status
	}
	if patch.Plan != nil {
		run.Plan = patch.Plan
	}
	if patch.Metadata != nil {
		run.Metadata = patch.Metadata
	}
	if patch.UserID != nil {
		run.UserID = *patch.UserID
	}
	if patch.StartedAt != nil {
		run.StartedAt = patch.StartedAt
	}
	if patch.EndedAt != nil {
		run.EndedAt = patch.EndedAt
	}
	if run.Status.IsTerminal() && run.EndedAt == nil {
		now := time.Now().UTC()
		run.EndedAt = &now
	}
}

func (b *Backend) ResetRun(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, ok := b.runs[id]
	if !ok {
		return &orcherrors.NotFoundError{Resource: "run", ID: id}
	}
	run.Status = store.RunQueued
	run.EndedAt = nil
	return nil
}

func (b *Backend) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.RunSummary, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var summaries []*store.RunSummary
	for _, run := range b.runs {
		if filter.ProjectID != "" && run.ProjectID != filter.ProjectID {
			continue
		}
		summaries = append(summaries, &store.RunSummary{
			ID:        run.ID,
			Status:    run.Status,
			CreatedAt: run.CreatedAt,
			Title:     titleFromPlan(run.Plan),
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})

	if filter.Limit > 0 && len(summaries) > filter.Limit {
		summaries = summaries[:filter.Limit]
	}
	return summaries, nil
}

func titleFromPlan(plan store.JSON) string {
	if plan == nil {
		return ""
	}
	if goal, ok := plan["goal"].(string); ok {
		return goal
	}
	return ""
}

// --- StepStore ---

func (b *Backend) CreateStep(ctx context.Context, runID, name, tool string, inputs store.JSON, idempotencyKey string) (*store.Step, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if idempotencyKey != "" {
		if existingID, ok := b.stepByIdem[idemKey(runID, idempotencyKey)]; ok {
			cp := *b.steps[existingID]
			return &cp, nil
		}
	}

	step := &store.Step{
		ID:             uuid.NewString(),
		RunID:          runID,
		Name:           name,
		Tool:           tool,
		Inputs:         inputs,
		Status:         store.StepQueued,
		CreatedAt:      time.Now().UTC(),
		IdempotencyKey: idempotencyKey,
	}
	b.steps[step.ID] = step
	if idempotencyKey != "" {
		b.stepByIdem[idemKey(runID, idempotencyKey)] = step.ID
	}

	cp := *step
	return &cp, nil
}

func (b *Backend) GetStep(ctx context.Context, id string) (*store.Step, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	step, ok := b.steps[id]
	if !ok {
		return nil, &orcherrors.NotFoundError{Resource: "step", ID: id}
	}
	cp := *step
	return &cp, nil
}

func (b *Backend) GetStepByIdempotencyKey(ctx context.Context, runID, key string) (*store.Step, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	id, ok := b.stepByIdem[idemKey(runID, key)]
	if !ok {
		return nil, &orcherrors.NotFoundError{Resource: "step", ID: key}
	}
	cp := *b.steps[id]
	return &cp, nil
}

func (b *Backend) UpdateStep(ctx context.Context, id string, patch store.StepPatch) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	step, ok := b.steps[id]
	if !ok {
		return &orcherrors.NotFoundError{Resource: "step", ID: id}
	}

	if patch.Status != nil {
		step.Status = *patch.Status
	}
	if patch.Outputs != nil {
		step.Outputs = patch.Outputs
	}
	if patch.StartedAt != nil {
		step.StartedAt = patch.StartedAt
	}
	if patch.EndedAt != nil {
		step.EndedAt = patch.EndedAt
	}
	if step.Status.IsTerminal() && step.EndedAt == nil {
		now := time.Now().UTC()
		step.EndedAt = &now
	}
	return nil
}

func (b *Backend) ResetStep(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	step, ok := b.steps[id]
	if !ok {
		return &orcherrors.NotFoundError{Resource: "step", ID: id}
	}
	step.Status = store.StepQueued
	step.StartedAt = nil
	step.EndedAt = nil
	step.Outputs = store.JSON{}
	return nil
}

func (b *Backend) ListStepsByRun(ctx context.Context, runID string) ([]*store.Step, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var steps []*store.Step
	for _, step := range b.steps {
		if step.RunID == runID {
			cp := *step
			steps = append(steps, &cp)
		}
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].CreatedAt.Before(steps[j].CreatedAt) })
	return steps, nil
}

func (b *Backend) CountRemainingSteps(ctx context.Context, runID string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := 0
	for _, step := range b.steps {
		if step.RunID != runID {
			continue
		}
		if step.Status != store.StepSucceeded && step.Status != store.StepCancelled {
			count++
		}
	}
	return count, nil
}

// --- EventStore ---

func (b *Backend) RecordEvent(ctx context.Context, runID, eventType string, payload store.JSON, stepID string) (*store.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	event := &store.Event{
		ID:        uuid.NewString(),
		RunID:     runID,
		StepID:    stepID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	b.events[runID] = append(b.events[runID], event)

	cp := *event
	return &cp, nil
}

func (b *Backend) ListEvents(ctx context.Context, runID string) ([]*store.Event, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := make([]*store.Event, len(b.events[runID]))
	copy(events, b.events[runID])
	return events, nil
}

// --- GateStore ---

func (b *Backend) CreateOrGetGate(ctx context.Context, runID, stepID, gateType string) (*store.Gate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := gateKey(runID, stepID)
	for _, g := range b.gates[key] {
		if g.GateType == gateType && g.Status == store.GatePending {
			cp := *g
			return &cp, nil
		}
	}

	gate := &store.Gate{
		ID:        uuid.NewString(),
		RunID:     runID,
		StepID:    stepID,
		GateType:  gateType,
		Status:    store.GatePending,
		CreatedAt: time.Now().UTC(),
	}
	b.gates[key] = append(b.gates[key], gate)

	cp := *gate
	return &cp, nil
}

func (b *Backend) GetLatestGate(ctx context.Context, runID, stepID string) (*store.Gate, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	gates := b.gates[gateKey(runID, stepID)]
	if len(gates) == 0 {
		return nil, &orcherrors.NotFoundError{Resource: "gate", ID: gateKey(runID, stepID)}
	}

	latest := gates[0]
	for _, g := range gates[1:] {
		if g.CreatedAt.After(latest.CreatedAt) {
			latest = g
		}
	}
	cp := *latest
	return &cp, nil
}

func (b *Backend) UpdateGate(ctx context.Context, gateID string, patch store.GatePatch) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, gates := range b.gates {
		for _, g := range gates {
			if g.ID != gateID {
				continue
			}
			if patch.Status != nil {
				g.Status = *patch.Status
			}
			if patch.ApprovedBy != nil {
				wasEmpty := g.ApprovedBy == ""
				g.ApprovedBy = *patch.ApprovedBy
				if wasEmpty && g.ApprovedBy != "" && g.ApprovedAt == nil {
					now := time.Now().UTC()
					g.ApprovedAt = &now
				}
			}
			if patch.ApprovedAt != nil {
				g.ApprovedAt = patch.ApprovedAt
			}
			return nil
		}
	}
	return &orcherrors.NotFoundError{Resource: "gate", ID: gateID}
}

// --- ArtifactStore ---

func (b *Backend) AddArtifact(ctx context.Context, stepID, artifactType, path string, metadata store.JSON) (*store.Artifact, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	step, ok := b.steps[stepID]
	if !ok {
		return nil, &orcherrors.NotFoundError{Resource: "step", ID: stepID}
	}

	artifact := &store.Artifact{
		ID:        uuid.NewString(),
		StepID:    stepID,
		Type:      artifactType,
		Path:      path,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	artifact.StepName = step.Name
	b.artifacts[step.RunID] = append(b.artifacts[step.RunID], artifact)

	cp := *artifact
	return &cp, nil
}

func (b *Backend) ListArtifactsByRun(ctx context.Context, runID string) ([]*store.Artifact, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	artifacts := make([]*store.Artifact, len(b.artifacts[runID]))
	copy(artifacts, b.artifacts[runID])
	return artifacts, nil
}

// --- InboxStore ---

func (b *Backend) InboxMarkIfNew(ctx context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.inbox[key]; exists {
		return false, nil
	}
	b.inbox[key] = struct{}{}
	return true, nil
}

func (b *Backend) InboxDelete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.inbox, key)
	return nil
}

// --- OutboxStore ---

func (b *Backend) OutboxAdd(ctx context.Context, topic string, payload store.JSON) (*store.OutboxMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	msg := &store.OutboxMessage{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
		Sent:      false,
		CreatedAt: time.Now().UTC(),
	}
	b.outbox[msg.ID] = msg

	cp := *msg
	return &cp, nil
}

func (b *Backend) OutboxListUnsent(ctx context.Context, limit int) ([]*store.OutboxMessage, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var unsent []*store.OutboxMessage
	for _, msg := range b.outbox {
		if !msg.Sent {
			cp := *msg
			unsent = append(unsent, &cp)
		}
	}
	sort.Slice(unsent, func(i, j int) bool { return unsent[i].CreatedAt.Before(unsent[j].CreatedAt) })

	if limit > 0 && len(unsent) > limit {
		unsent = unsent[:limit]
	}
	return unsent, nil
}

func (b *Backend) OutboxMarkSent(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	msg, ok := b.outbox[id]
	if !ok {
		return nil // idempotent
	}
	if !msg.Sent {
		msg.Sent = true
		now := time.Now().UTC()
		msg.SentAt = &now
	}
	return nil
}

// --- MigrationStore ---

func (b *Backend) EnsureMigrationsTable(ctx context.Context) error { return nil }

func (b *Backend) GetMigration(ctx context.Context, id string) (*store.Migration, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	m, ok := b.migrations[id]
	if !ok {
		return nil, &orcherrors.NotFoundError{Resource: "migration", ID: id}
	}
	cp := *m
	return &cp, nil
}

func (b *Backend) InsertMigration(ctx context.Context, m *store.Migration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cp := *m
	b.migrations[m.ID] = &cp
	return nil
}

func (b *Backend) DeleteMigration(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.migrations, id)
	return nil
}

func (b *Backend) ListAppliedMigrations(ctx context.Context) ([]*store.Migration, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var migrations []*store.Migration
	for _, m := range b.migrations {
		cp := *m
		migrations = append(migrations, &cp)
	}
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].ExecutedAt.After(migrations[j].ExecutedAt) })
	return migrations, nil
}

// Close is a no-op for the in-memory backend.
func (b *Backend) Close() error { return nil }
