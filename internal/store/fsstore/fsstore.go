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

// Package fsstore provides a filesystem Store backend for local
// development: one directory per run, full-file JSON rewrites, and a
// process-local (non-durable) inbox. It does not implement
// store.MigrationStore -- schema migrations are a relational-backend
// concern only.
package fsstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	orcherrors "github.com/nofx-run/orchestrator/pkg/errors"
	"github.com/nofx-run/orchestrator/internal/store"
)

var _ store.Store = (*Backend)(nil)

const maxRunIndexEntries = 100

// Backend is a filesystem storage backend rooted at a directory, by
// default "<cwd>/local_data".
type Backend struct {
	mu   sync.Mutex
	root string

	// inbox is process-local and lost on restart, matching the
	// filesystem backend's local-development scope.
	inboxMu sync.Mutex
	inbox   map[string]struct{}
}

// New creates a filesystem backend rooted at dir, creating it if absent.
func New(dir string) (*Backend, error) {
	if dir == "" {
		dir = filepath.Join(".", "local_data")
	}
	if err := os.MkdirAll(filepath.Join(dir, "runs"), 0o700); err != nil {
		return nil, &orcherrors.StorageUnavailableError{Backend: "fs", Cause: err}
	}
	return &Backend{root: dir, inbox: make(map[string]struct{})}, nil
}

// resolve joins root with the given relative path segments, rejecting
// any result that would escape root through "..". An absolute segment
// is joined beneath root like any other segment, so it cannot escape.
func (b *Backend) resolve(segments ...string) (string, error) {
	rel := filepath.Join(segments...)
	full := filepath.Join(b.root, rel)

	cleanRoot, err := filepath.Abs(b.root)
	if err != nil {
		return "", &orcherrors.StorageUnavailableError{Backend: "fs", Cause: err}
	}
	cleanFull, err := filepath.Abs(full)
	if err != nil {
		return "", &orcherrors.StorageUnavailableError{Backend: "fs", Cause: err}
	}

	r, err := filepath.Rel(cleanRoot, cleanFull)
	if err != nil || r == ".." || hasDotDotPrefix(r) {
		return "", &orcherrors.PathTraversalError{Root: cleanRoot, Rel: rel}
	}
	return cleanFull, nil
}

func hasDotDotPrefix(rel string) bool {
	return rel == ".." || len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}

func (b *Backend) runDir(runID string) (string, error) {
	return b.resolve("runs", runID)
}

func readJSON[T any](path string, out *T) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &orcherrors.StorageUnavailableError{Backend: "fs", Cause: err}
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		// Malformed JSON is logged as a warning and treated as empty,
		// per the filesystem backend's tolerant-read contract.
		slog.Warn("fsstore: malformed JSON treated as empty", "path", path, "error", err)
		return nil
	}
	return nil
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return &orcherrors.StorageUnavailableError{Backend: "fs", Cause: err}
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &orcherrors.StorageUnavailableError{Backend: "fs", Cause: err}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return &orcherrors.StorageUnavailableError{Backend: "fs", Cause: err}
	}
	return nil
}

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

	path, err := b.resolve("runs", run.ID, "run.json")
	if err != nil {
		return nil, err
	}
	if err := writeJSON(path, run); err != nil {
		return nil, err
	}
	if err := b.appendRunIndex(run.ID); err != nil {
		return nil, err
	}
	return run, nil
}

func (b *Backend) appendRunIndex(runID string) error {
	indexPath, err := b.resolve("runs", "index.json")
	if err != nil {
		return err
	}
	var index []string
	if err := readJSON(indexPath, &index); err != nil {
		return err
	}
	index = append(index, runID)
	if len(index) > maxRunIndexEntries {
		index = index[len(index)-maxRunIndexEntries:]
	}
	return writeJSON(indexPath, index)
}

func (b *Backend) readRun(runID string) (*store.Run, error) {
	path, err := b.resolve("runs", runID, "run.json")
	if err != nil {
		return nil, err
	}
	var run store.Run
	if err := readJSON(path, &run); err != nil {
		return nil, err
	}
	if run.ID == "" {
		return nil, &orcherrors.NotFoundError{Resource: "run", ID: runID}
	}
	return &run, nil
}

func (b *Backend) GetRun(ctx context.Context, id string) (*store.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readRun(id)
}

func (b *Backend) UpdateRun(ctx context.Context, id string, patch store.RunPatch) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, err := b.readRun(id)
	if err != nil {
		return err
	}

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

	path, err := b.resolve("runs", id, "run.json")
	if err != nil {
		return err
	}
	return writeJSON(path, run)
}

func (b *Backend) ResetRun(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	run, err := b.readRun(id)
	if err != nil {
		return err
	}
	run.Status = store.RunQueued
	run.EndedAt = nil

	path, err := b.resolve("runs", id, "run.json")
	if err != nil {
		return err
	}
	return writeJSON(path, run)
}

func (b *Backend) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.RunSummary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	indexPath, err := b.resolve("runs", "index.json")
	if err != nil {
		return nil, err
	}
	var index []string
	if err := readJSON(indexPath, &index); err != nil {
		return nil, err
	}

	var summaries []*store.RunSummary
	for _, runID := range index {
		run, err := b.readRun(runID)
		if err != nil {
			continue
		}
		if filter.ProjectID != "" && run.ProjectID != filter.ProjectID {
			continue
		}
		title := ""
		if goal, ok := run.Plan["goal"].(string); ok {
			title = goal
		}
		summaries = append(summaries, &store.RunSummary{
			ID:        run.ID,
			Status:    run.Status,
			CreatedAt: run.CreatedAt,
			Title:     title,
		})
	}

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].CreatedAt.After(summaries[j].CreatedAt) })
	if filter.Limit > 0 && len(summaries) > filter.Limit {
		summaries = summaries[:filter.Limit]
	}
	return summaries, nil
}

// --- StepStore ---

func (b *Backend) stepPath(runID, stepID string) (string, error) {
	return b.resolve("runs", runID, "steps", stepID+".json")
}

func (b *Backend) readStep(runID, stepID string) (*store.Step, error) {
	path, err := b.stepPath(runID, stepID)
	if err != nil {
		return nil, err
	}
	var step store.Step
	if err := readJSON(path, &step); err != nil {
		return nil, err
	}
	if step.ID == "" {
		return nil, &orcherrors.NotFoundError{Resource: "step", ID: stepID}
	}
	return &step, nil
}

func (b *Backend) listStepIDs(runID string) ([]string, error) {
	dir, err := b.resolve("runs", runID, "steps")
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &orcherrors.StorageUnavailableError{Backend: "fs", Cause: err}
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && len(name) > 5 && name[len(name)-5:] == ".json" {
			ids = append(ids, name[:len(name)-5])
		}
	}
	return ids, nil
}

func (b *Backend) CreateStep(ctx context.Context, runID, name, tool string, inputs store.JSON, idempotencyKey string) (*store.Step, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if idempotencyKey != "" {
		ids, err := b.listStepIDs(runID)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			existing, err := b.readStep(runID, id)
			if err != nil {
				continue
			}
			if existing.IdempotencyKey == idempotencyKey {
				return existing, nil
			}
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

	path, err := b.stepPath(runID, step.ID)
	if err != nil {
		return nil, err
	}
	if err := writeJSON(path, step); err != nil {
		return nil, err
	}
	return step, nil
}

func (b *Backend) GetStep(ctx context.Context, id string) (*store.Step, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	runID, err := b.findStepRun(id)
	if err != nil {
		return nil, err
	}
	return b.readStep(runID, id)
}

// findStepRun scans run directories for the one containing stepID. The
// filesystem backend is local-dev scale, so a directory scan here is
// acceptable; the relational backends index steps directly by ID.
func (b *Backend) findStepRun(stepID string) (string, error) {
	runsDir, err := b.resolve("runs")
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &orcherrors.NotFoundError{Resource: "step", ID: stepID}
		}
		return "", &orcherrors.StorageUnavailableError{Backend: "fs", Cause: err}
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if step, err := b.readStep(e.Name(), stepID); err == nil {
			return step.RunID, nil
		}
	}
	return "", &orcherrors.NotFoundError{Resource: "step", ID: stepID}
}

func (b *Backend) GetStepByIdempotencyKey(ctx context.Context, runID, key string) (*store.Step, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids, err := b.listStepIDs(runID)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		step, err := b.readStep(runID, id)
		if err != nil {
			continue
		}
		if step.IdempotencyKey == key {
			return step, nil
		}
	}
	return nil, &orcherrors.NotFoundError{Resource: "step", ID: key}
}

func (b *Backend) UpdateStep(ctx context.Context, id string, patch store.StepPatch) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	runID, err := b.findStepRun(id)
	if err != nil {
		return err
	}
	step, err := b.readStep(runID, id)
	if err != nil {
		return err
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

	path, err := b.stepPath(runID, id)
	if err != nil {
		return err
	}
	return writeJSON(path, step)
}

func (b *Backend) ResetStep(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	runID, err := b.findStepRun(id)
	if err != nil {
		return err
	}
	step, err := b.readStep(runID, id)
	if err != nil {
		return err
	}
	step.Status = store.StepQueued
	step.StartedAt = nil
	step.EndedAt = nil
	step.Outputs = store.JSON{}

	path, err := b.stepPath(runID, id)
	if err != nil {
		return err
	}
	return writeJSON(path, step)
}

func (b *Backend) ListStepsByRun(ctx context.Context, runID string) ([]*store.Step, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids, err := b.listStepIDs(runID)
	if err != nil {
		return nil, err
	}
	var steps []*store.Step
	for _, id := range ids {
		step, err := b.readStep(runID, id)
		if err != nil {
			continue
		}
		steps = append(steps, step)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].CreatedAt.Before(steps[j].CreatedAt) })
	return steps, nil
}

func (b *Backend) CountRemainingSteps(ctx context.Context, runID string) (int, error) {
	steps, err := b.ListStepsByRun(ctx, runID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, s := range steps {
		if s.Status != store.StepSucceeded && s.Status != store.StepCancelled {
			count++
		}
	}
	return count, nil
}

// --- EventStore ---

func (b *Backend) eventsPath(runID string) (string, error) {
	return b.resolve("runs", runID, "events.json")
}

func (b *Backend) RecordEvent(ctx context.Context, runID, eventType string, payload store.JSON, stepID string) (*store.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	path, err := b.eventsPath(runID)
	if err != nil {
		return nil, err
	}
	var events []*store.Event
	if err := readJSON(path, &events); err != nil {
		return nil, err
	}

	event := &store.Event{
		ID:        uuid.NewString(),
		RunID:     runID,
		StepID:    stepID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	events = append(events, event)

	if err := writeJSON(path, events); err != nil {
		return nil, err
	}
	return event, nil
}

func (b *Backend) ListEvents(ctx context.Context, runID string) ([]*store.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	path, err := b.eventsPath(runID)
	if err != nil {
		return nil, err
	}
	var events []*store.Event
	if err := readJSON(path, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// --- GateStore ---

func (b *Backend) gatesPath(runID string) (string, error) {
	return b.resolve("runs", runID, "gates.json")
}

func (b *Backend) readGates(runID string) ([]*store.Gate, string, error) {
	path, err := b.gatesPath(runID)
	if err != nil {
		return nil, "", err
	}
	var gates []*store.Gate
	if err := readJSON(path, &gates); err != nil {
		return nil, "", err
	}
	return gates, path, nil
}

func latestGateFor(gates []*store.Gate, stepID string) *store.Gate {
	var latest *store.Gate
	for _, g := range gates {
		if g.StepID != stepID {
			continue
		}
		if latest == nil || g.CreatedAt.After(latest.CreatedAt) {
			latest = g
		}
	}
	return latest
}

func (b *Backend) CreateOrGetGate(ctx context.Context, runID, stepID, gateType string) (*store.Gate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	gates, path, err := b.readGates(runID)
	if err != nil {
		return nil, err
	}

	if latest := latestGateFor(gates, stepID); latest != nil && latest.GateType == gateType && latest.Status == store.GatePending {
		return latest, nil
	}

	gate := &store.Gate{
		ID:        uuid.NewString(),
		RunID:     runID,
		StepID:    stepID,
		GateType:  gateType,
		Status:    store.GatePending,
		CreatedAt: time.Now().UTC(),
	}
	gates = append(gates, gate)

	if err := writeJSON(path, gates); err != nil {
		return nil, err
	}
	return gate, nil
}

func (b *Backend) GetLatestGate(ctx context.Context, runID, stepID string) (*store.Gate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	gates, _, err := b.readGates(runID)
	if err != nil {
		return nil, err
	}
	latest := latestGateFor(gates, stepID)
	if latest == nil {
		return nil, &orcherrors.NotFoundError{Resource: "gate", ID: runID + "/" + stepID}
	}
	return latest, nil
}

func (b *Backend) UpdateGate(ctx context.Context, gateID string, patch store.GatePatch) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	runID, err := b.findGateRun(gateID)
	if err != nil {
		return err
	}
	gates, path, err := b.readGates(runID)
	if err != nil {
		return err
	}

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
		return writeJSON(path, gates)
	}
	return &orcherrors.NotFoundError{Resource: "gate", ID: gateID}
}

func (b *Backend) findGateRun(gateID string) (string, error) {
	runsDir, err := b.resolve("runs")
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &orcherrors.NotFoundError{Resource: "gate", ID: gateID}
		}
		return "", &orcherrors.StorageUnavailableError{Backend: "fs", Cause: err}
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		gates, _, err := b.readGates(e.Name())
		if err != nil {
			continue
		}
		for _, g := range gates {
			if g.ID == gateID {
				return e.Name(), nil
			}
		}
	}
	return "", &orcherrors.NotFoundError{Resource: "gate", ID: gateID}
}

// --- ArtifactStore ---

func (b *Backend) artifactsPath(runID string) (string, error) {
	return b.resolve("runs", runID, "artifacts.json")
}

func (b *Backend) AddArtifact(ctx context.Context, stepID, artifactType, path string, metadata store.JSON) (*store.Artifact, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	runID, err := b.findStepRun(stepID)
	if err != nil {
		return nil, err
	}
	step, err := b.readStep(runID, stepID)
	if err != nil {
		return nil, err
	}

	artifactsPath, err := b.artifactsPath(runID)
	if err != nil {
		return nil, err
	}
	var artifacts []*store.Artifact
	if err := readJSON(artifactsPath, &artifacts); err != nil {
		return nil, err
	}

	artifact := &store.Artifact{
		ID:        uuid.NewString(),
		StepID:    stepID,
		StepName:  step.Name,
		Type:      artifactType,
		Path:      path,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	artifacts = append(artifacts, artifact)

	if err := writeJSON(artifactsPath, artifacts); err != nil {
		return nil, err
	}
	return artifact, nil
}

func (b *Backend) ListArtifactsByRun(ctx context.Context, runID string) ([]*store.Artifact, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	path, err := b.artifactsPath(runID)
	if err != nil {
		return nil, err
	}
	var artifacts []*store.Artifact
	if err := readJSON(path, &artifacts); err != nil {
		return nil, err
	}
	return artifacts, nil
}

// --- InboxStore ---
//
// The inbox is process-local and non-durable: a restart forgets every
// dedup key it ever saw. On a multithreaded runtime this must be
// mutex-guarded even though a single-threaded runtime would not need one.

func (b *Backend) InboxMarkIfNew(ctx context.Context, key string) (bool, error) {
	b.inboxMu.Lock()
	defer b.inboxMu.Unlock()

	if _, exists := b.inbox[key]; exists {
		return false, nil
	}
	b.inbox[key] = struct{}{}
	return true, nil
}

func (b *Backend) InboxDelete(ctx context.Context, key string) error {
	b.inboxMu.Lock()
	defer b.inboxMu.Unlock()

	delete(b.inbox, key)
	return nil
}

// --- OutboxStore ---
//
// Unlike runs/steps/events/gates/artifacts, the outbox is not scoped to
// a run -- it lives at the root of the data directory.

func (b *Backend) outboxPath() (string, error) {
	return b.resolve("outbox.json")
}

func (b *Backend) OutboxAdd(ctx context.Context, topic string, payload store.JSON) (*store.OutboxMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	path, err := b.outboxPath()
	if err != nil {
		return nil, err
	}
	var messages []*store.OutboxMessage
	if err := readJSON(path, &messages); err != nil {
		return nil, err
	}

	msg := &store.OutboxMessage{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	messages = append(messages, msg)

	if err := writeJSON(path, messages); err != nil {
		return nil, err
	}
	return msg, nil
}

func (b *Backend) OutboxListUnsent(ctx context.Context, limit int) ([]*store.OutboxMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	path, err := b.outboxPath()
	if err != nil {
		return nil, err
	}
	var messages []*store.OutboxMessage
	if err := readJSON(path, &messages); err != nil {
		return nil, err
	}

	var unsent []*store.OutboxMessage
	for _, m := range messages {
		if !m.Sent {
			unsent = append(unsent, m)
		}
	}
	if limit > 0 && len(unsent) > limit {
		unsent = unsent[:limit]
	}
	return unsent, nil
}

func (b *Backend) OutboxMarkSent(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	path, err := b.outboxPath()
	if err != nil {
		return err
	}
	var messages []*store.OutboxMessage
	if err := readJSON(path, &messages); err != nil {
		return err
	}

	for _, m := range messages {
		if m.ID == id {
			if !m.Sent {
				m.Sent = true
				now := time.Now().UTC()
				m.SentAt = &now
			}
			return writeJSON(path, messages)
		}
	}
	return nil // idempotent
}

// Close is a no-op for the filesystem backend.
func (b *Backend) Close() error { return nil }
