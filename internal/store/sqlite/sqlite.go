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

// Package sqlite provides a SQLite Store backend for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	orcherrors "github.com/nofx-run/orchestrator/pkg/errors"
	"github.com/nofx-run/orchestrator/internal/store"
	"github.com/nofx-run/orchestrator/internal/store/sqlstore"
)

var (
	_ store.Store          = (*Backend)(nil)
	_ store.MigrationStore = (*Backend)(nil)
)

// Backend is a SQLite storage backend.
type Backend struct {
	db     *sql.DB
	logger *slog.Logger
	logAll bool
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool

	// Logger receives query instrumentation. Defaults to slog.Default().
	Logger *slog.Logger

	// LogAll logs every successful query at info level, not just failures.
	// Corresponds to DB_LOG_ALL=1.
	LogAll bool
}

// New creates a new SQLite backend.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only one connection.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &Backend{db: db, logger: logger, logAll: cfg.LogAll}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := b.migrateSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run schema migrations: %w", err)
	}

	return b, nil
}

func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// migrateSchema creates the tables this backend itself depends on. It is
// distinct from the migrate package's user-authored migration log -- those
// migrations run against application tables, these are ours.
func (b *Backend) migrateSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			plan TEXT,
			project_id TEXT NOT NULL DEFAULT 'default',
			user_id TEXT,
			metadata TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			ended_at TEXT,
			completed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_project_id ON runs(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,
		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			name TEXT NOT NULL,
			tool TEXT NOT NULL,
			inputs TEXT,
			outputs TEXT,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			started_at TEXT,
			ended_at TEXT,
			idempotency_key TEXT,
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run_id ON steps(run_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_steps_run_idem ON steps(run_id, idempotency_key) WHERE idempotency_key IS NOT NULL AND idempotency_key != ''`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_id TEXT,
			type TEXT NOT NULL,
			payload TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run_id ON events(run_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS gates (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			gate_type TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			approved_by TEXT,
			approved_at TEXT,
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_gates_run_step ON gates(run_id, step_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			step_id TEXT NOT NULL,
			type TEXT NOT NULL,
			path TEXT NOT NULL,
			metadata TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (step_id) REFERENCES steps(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS inbox (
			key TEXT PRIMARY KEY,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS outbox (
			id TEXT PRIMARY KEY,
			topic TEXT NOT NULL,
			payload TEXT,
			sent INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			sent_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_unsent ON outbox(sent, created_at)`,
		`CREATE TABLE IF NOT EXISTS migrations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			up_sql TEXT NOT NULL,
			down_sql TEXT NOT NULL,
			executed_at TEXT NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema migration failed: %w", err)
		}
	}
	return nil
}

func (b *Backend) conn(ctx context.Context) sqlstore.Querier {
	return sqlstore.Conn(ctx, b.db)
}

func (b *Backend) exec(ctx context.Context, operation, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	result, err := b.conn(ctx).ExecContext(ctx, query, args...)
	sqlstore.LogQuery(b.logger, operation, query, start, err, b.logAll)
	return result, err
}

func (b *Backend) queryRow(ctx context.Context, operation, query string, args ...any) *sql.Row {
	start := time.Now()
	row := b.conn(ctx).QueryRowContext(ctx, query, args...)
	sqlstore.LogQuery(b.logger, operation, query, start, nil, b.logAll)
	return row
}

func (b *Backend) query(ctx context.Context, operation, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := b.conn(ctx).QueryContext(ctx, query, args...)
	sqlstore.LogQuery(b.logger, operation, query, start, err, b.logAll)
	return rows, err
}

// --- RunStore ---

func (b *Backend) CreateRun(ctx context.Context, plan store.JSON, projectID string) (*store.Run, error) {
	if projectID == "" {
		projectID = "default"
	}

	planJSON, err := marshalJSON(plan)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal plan: %w", err)
	}

	run := &store.Run{
		ID:        uuid.NewString(),
		Status:    store.RunQueued,
		Plan:      plan,
		ProjectID: projectID,
		CreatedAt: time.Now().UTC(),
	}

	_, err = b.exec(ctx, "CreateRun",
		`INSERT INTO runs (id, status, plan, project_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, string(run.Status), planJSON, run.ProjectID, run.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return nil, &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: err}
	}
	return run, nil
}

func (b *Backend) GetRun(ctx context.Context, id string) (*store.Run, error) {
	row := b.queryRow(ctx, "GetRun",
		`SELECT id, status, plan, project_id, user_id, metadata, created_at, started_at, ended_at, completed_at FROM runs WHERE id = ?`,
		id)

	var (
		run                                 store.Run
		planJSON, metadataJSON              sql.NullString
		userID                              sql.NullString
		createdAt                           string
		startedAt, endedAt, completedAt     sql.NullString
	)

	if err := row.Scan(&run.ID, &run.Status, &planJSON, &run.ProjectID, &userID, &metadataJSON,
		&createdAt, &startedAt, &endedAt, &completedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, &orcherrors.NotFoundError{Resource: "run", ID: id}
		}
		return nil, &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: err}
	}

	run.UserID = userID.String
	if err := unmarshalJSON(planJSON, &run.Plan); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(metadataJSON, &run.Metadata); err != nil {
		return nil, err
	}
	run.CreatedAt = parseTime(createdAt)
	run.StartedAt = parseTimePtr(startedAt)
	// Read-tolerant: prefer ended_at, fall back to the legacy completed_at column.
	if endedAt.Valid && endedAt.String != "" {
		run.EndedAt = parseTimePtr(endedAt)
	} else {
		run.EndedAt = parseTimePtr(completedAt)
	}

	return &run, nil
}

func (b *Backend) UpdateRun(ctx context.Context, id string, patch store.RunPatch) error {
	return sqlstore.WithTransaction(ctx, b.db, func(ctx context.Context) error {
		current, err := b.GetRun(ctx, id)
		if err != nil {
			return err
		}

		if patch.Status != nil {
			current.Status = *patch.Status
		}
		if patch.Plan != nil {
			current.Plan = patch.Plan
		}
		if patch.Metadata != nil {
			current.Metadata = patch.Metadata
		}
		if patch.UserID != nil {
			current.UserID = *patch.UserID
		}
		if patch.StartedAt != nil {
			current.StartedAt = patch.StartedAt
		}
		if patch.EndedAt != nil {
			current.EndedAt = patch.EndedAt
		}
		if current.Status.IsTerminal() && current.EndedAt == nil {
			now := time.Now().UTC()
			current.EndedAt = &now
		}

		planJSON, err := marshalJSON(current.Plan)
		if err != nil {
			return err
		}
		metadataJSON, err := marshalJSON(current.Metadata)
		if err != nil {
			return err
		}

		// Write-preference: ended_at is canonical; completed_at is kept in
		// sync for readers still on the legacy column name.
		result, err := b.exec(ctx, "UpdateRun",
			`UPDATE runs SET status=?, plan=?, metadata=?, user_id=?, started_at=?, ended_at=?, completed_at=? WHERE id=?`,
			string(current.Status), planJSON, metadataJSON, nullString(current.UserID),
			formatTimePtr(current.StartedAt), formatTimePtr(current.EndedAt), formatTimePtr(current.EndedAt),
			id,
		)
		if err != nil {
			return &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: err}
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return &orcherrors.NotFoundError{Resource: "run", ID: id}
		}
		return nil
	})
}

func (b *Backend) ResetRun(ctx context.Context, id string) error {
	result, err := b.exec(ctx, "ResetRun",
		`UPDATE runs SET status=?, ended_at=NULL, completed_at=NULL WHERE id=?`,
		string(store.RunQueued), id)
	if err != nil {
		return &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: err}
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return &orcherrors.NotFoundError{Resource: "run", ID: id}
	}
	return nil
}

func (b *Backend) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.RunSummary, error) {
	query := `SELECT id, status, plan, created_at FROM runs WHERE 1=1`
	var args []any

	if filter.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, filter.ProjectID)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := b.query(ctx, "ListRuns", query, args...)
	if err != nil {
		return nil, &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: err}
	}
	defer rows.Close()

	var summaries []*store.RunSummary
	for rows.Next() {
		var (
			s         store.RunSummary
			planJSON  sql.NullString
			createdAt string
		)
		if err := rows.Scan(&s.ID, &s.Status, &planJSON, &createdAt); err != nil {
			return nil, &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: err}
		}
		s.CreatedAt = parseTime(createdAt)
		var plan store.JSON
		if err := unmarshalJSON(planJSON, &plan); err == nil {
			if goal, ok := plan["goal"].(string); ok {
				s.Title = goal
			}
		}
		summaries = append(summaries, &s)
	}
	return summaries, rows.Err()
}

// --- StepStore ---

func (b *Backend) CreateStep(ctx context.Context, runID, name, tool string, inputs store.JSON, idempotencyKey string) (*store.Step, error) {
	var created *store.Step

	err := sqlstore.WithTransaction(ctx, b.db, func(ctx context.Context) error {
		if idempotencyKey != "" {
			existing, err := b.GetStepByIdempotencyKey(ctx, runID, idempotencyKey)
			if err == nil {
				created = existing
				return nil
			}
			if orcherrors.Classify(err) != "not_found" {
				return err
			}
		}

		inputsJSON, err := marshalJSON(inputs)
		if err != nil {
			return err
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

		_, err = b.exec(ctx, "CreateStep",
			`INSERT INTO steps (id, run_id, name, tool, inputs, status, created_at, idempotency_key) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			step.ID, step.RunID, step.Name, step.Tool, inputsJSON, string(step.Status),
			step.CreatedAt.Format(time.RFC3339), nullString(idempotencyKey),
		)
		if err != nil {
			return &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: err}
		}
		created = step
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (b *Backend) scanStep(row *sql.Row) (*store.Step, error) {
	var (
		step                             store.Step
		inputsJSON, outputsJSON          sql.NullString
		createdAt                        string
		startedAt, endedAt, idempotency  sql.NullString
	)
	if err := row.Scan(&step.ID, &step.RunID, &step.Name, &step.Tool, &inputsJSON, &outputsJSON,
		&step.Status, &createdAt, &startedAt, &endedAt, &idempotency); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(inputsJSON, &step.Inputs); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(outputsJSON, &step.Outputs); err != nil {
		return nil, err
	}
	step.CreatedAt = parseTime(createdAt)
	step.StartedAt = parseTimePtr(startedAt)
	step.EndedAt = parseTimePtr(endedAt)
	step.IdempotencyKey = idempotency.String
	return &step, nil
}

func (b *Backend) GetStep(ctx context.Context, id string) (*store.Step, error) {
	row := b.queryRow(ctx, "GetStep",
		`SELECT id, run_id, name, tool, inputs, outputs, status, created_at, started_at, ended_at, idempotency_key FROM steps WHERE id = ?`,
		id)
	step, err := b.scanStep(row)
	if err == sql.ErrNoRows {
		return nil, &orcherrors.NotFoundError{Resource: "step", ID: id}
	}
	if err != nil {
		return nil, &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: err}
	}
	return step, nil
}

func (b *Backend) GetStepByIdempotencyKey(ctx context.Context, runID, key string) (*store.Step, error) {
	row := b.queryRow(ctx, "GetStepByIdempotencyKey",
		`SELECT id, run_id, name, tool, inputs, outputs, status, created_at, started_at, ended_at, idempotency_key FROM steps WHERE run_id = ? AND idempotency_key = ?`,
		runID, key)
	step, err := b.scanStep(row)
	if err == sql.ErrNoRows {
		return nil, &orcherrors.NotFoundError{Resource: "step", ID: key}
	}
	if err != nil {
		return nil, &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: err}
	}
	return step, nil
}

func (b *Backend) UpdateStep(ctx context.Context, id string, patch store.StepPatch) error {
	return sqlstore.WithTransaction(ctx, b.db, func(ctx context.Context) error {
		current, err := b.GetStep(ctx, id)
		if err != nil {
			return err
		}

		if patch.Status != nil {
			current.Status = *patch.Status
		}
		if patch.Outputs != nil {
			current.Outputs = patch.Outputs
		}
		if patch.StartedAt != nil {
			current.StartedAt = patch.StartedAt
		}
		if patch.EndedAt != nil {
			current.EndedAt = patch.EndedAt
		}
		if current.Status.IsTerminal() && current.EndedAt == nil {
			now := time.Now().UTC()
			current.EndedAt = &now
		}

		outputsJSON, err := marshalJSON(current.Outputs)
		if err != nil {
			return err
		}

		result, err := b.exec(ctx, "UpdateStep",
			`UPDATE steps SET status=?, outputs=?, started_at=?, ended_at=? WHERE id=?`,
			string(current.Status), outputsJSON, formatTimePtr(current.StartedAt), formatTimePtr(current.EndedAt), id,
		)
		if err != nil {
			return &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: err}
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return &orcherrors.NotFoundError{Resource: "step", ID: id}
		}
		return nil
	})
}

func (b *Backend) ResetStep(ctx context.Context, id string) error {
	result, err := b.exec(ctx, "ResetStep",
		`UPDATE steps SET status=?, started_at=NULL, ended_at=NULL, outputs=NULL WHERE id=?`,
		string(store.StepQueued), id)
	if err != nil {
		return &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: err}
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return &orcherrors.NotFoundError{Resource: "step", ID: id}
	}
	return nil
}

func (b *Backend) ListStepsByRun(ctx context.Context, runID string) ([]*store.Step, error) {
	rows, err := b.query(ctx, "ListStepsByRun",
		`SELECT id, run_id, name, tool, inputs, outputs, status, created_at, started_at, ended_at, idempotency_key FROM steps WHERE run_id = ? ORDER BY created_at ASC`,
		runID)
	if err != nil {
		return nil, &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: err}
	}
	defer rows.Close()

	var steps []*store.Step
	for rows.Next() {
		var (
			step                             store.Step
			inputsJSON, outputsJSON          sql.NullString
			createdAt                        string
			startedAt, endedAt, idempotency  sql.NullString
		)
		if err := rows.Scan(&step.ID, &step.RunID, &step.Name, &step.Tool, &inputsJSON, &outputsJSON,
			&step.Status, &createdAt, &startedAt, &endedAt, &idempotency); err != nil {
			return nil, &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: err}
		}
		if err := unmarshalJSON(inputsJSON, &step.Inputs); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(outputsJSON, &step.Outputs); err != nil {
			return nil, err
		}
		step.CreatedAt = parseTime(createdAt)
		step.StartedAt = parseTimePtr(startedAt)
		step.EndedAt = parseTimePtr(endedAt)
		step.IdempotencyKey = idempotency.String
		steps = append(steps, &step)
	}
	return steps, rows.Err()
}

func (b *Backend) CountRemainingSteps(ctx context.Context, runID string) (int, error) {
	row := b.queryRow(ctx, "CountRemainingSteps",
		`SELECT COUNT(*) FROM steps WHERE run_id = ? AND status NOT IN (?, ?)`,
		runID, string(store.StepSucceeded), string(store.StepCancelled))

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: err}
	}
	return count, nil
}

// --- EventStore ---

func (b *Backend) RecordEvent(ctx context.Context, runID, eventType string, payload store.JSON, stepID string) (*store.Event, error) {
	payloadJSON, err := marshalJSON(payload)
	if err != nil {
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

	_, err = b.exec(ctx, "RecordEvent",
		`INSERT INTO events (id, run_id, step_id, type, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.RunID, nullString(stepID), event.Type, payloadJSON, event.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return nil, &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: err}
	}
	return event, nil
}

func (b *Backend) ListEvents(ctx context.Context, runID string) ([]*store.Event, error) {
	rows, err := b.query(ctx, "ListEvents",
		`SELECT id, run_id, step_id, type, payload, created_at FROM events WHERE run_id = ? ORDER BY created_at ASC`,
		runID)
	if err != nil {
		return nil, &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: err}
	}
	defer rows.Close()

	var events []*store.Event
	for rows.Next() {
		var (
			e          store.Event
			stepID     sql.NullString
			payload    sql.NullString
			createdAt  string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &stepID, &e.Type, &payload, &createdAt); err != nil {
			return nil, &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: err}
		}
		e.StepID = stepID.String
		if err := unmarshalJSON(payload, &e.Payload); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(createdAt)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// --- GateStore ---

func (b *Backend) CreateOrGetGate(ctx context.Context, runID, stepID, gateType string) (*store.Gate, error) {
	var gate *store.Gate

	err := sqlstore.WithTransaction(ctx, b.db, func(ctx context.Context) error {
		existing, err := b.GetLatestGate(ctx, runID, stepID)
		if err == nil && existing.GateType == gateType && existing.Status == store.GatePending {
			gate = existing
			return nil
		}
		if err != nil && orcherrors.Classify(err) != "not_found" {
			return err
		}

		g := &store.Gate{
			ID:        uuid.NewString(),
			RunID:     runID,
			StepID:    stepID,
			GateType:  gateType,
			Status:    store.GatePending,
			CreatedAt: time.Now().UTC(),
		}
		_, err = b.exec(ctx, "CreateOrGetGate",
			`INSERT INTO gates (id, run_id, step_id, gate_type, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			g.ID, g.RunID, g.StepID, g.GateType, string(g.Status), g.CreatedAt.Format(time.RFC3339),
		)
		if err != nil {
			return &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: err}
		}
		gate = g
		return nil
	})
	if err != nil {
		return nil, err
	}
	return gate, nil
}

func (b *Backend) GetLatestGate(ctx context.Context, runID, stepID string) (*store.Gate, error) {
	row := b.queryRow(ctx, "GetLatestGate",
		`SELECT id, run_id, step_id, gate_type, status, created_at, approved_by, approved_at
		 FROM gates WHERE run_id = ? AND step_id = ? ORDER BY created_at DESC LIMIT 1`,
		runID, stepID)

	var (
		g                          store.Gate
		createdAt                  string
		approvedBy, approvedAt     sql.NullString
	)
	if err := row.Scan(&g.ID, &g.RunID, &g.StepID, &g.GateType, &g.Status, &createdAt, &approvedBy, &approvedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, &orcherrors.NotFoundError{Resource: "gate", ID: runID + "/" + stepID}
		}
		return nil, &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: err}
	}
	g.CreatedAt = parseTime(createdAt)
	g.ApprovedBy = approvedBy.String
	g.ApprovedAt = parseTimePtr(approvedAt)
	return &g, nil
}

func (b *Backend) UpdateGate(ctx context.Context, gateID string, patch store.GatePatch) error {
	return sqlstore.WithTransaction(ctx, b.db, func(ctx context.Context) error {
		row := b.queryRow(ctx, "UpdateGate:lookup",
			`SELECT id, run_id, step_id, gate_type, status, created_at, approved_by, approved_at FROM gates WHERE id = ?`,
			gateID)

		var (
			g                          store.Gate
			createdAt                  string
			approvedBy, approvedAt     sql.NullString
		)
		if err := row.Scan(&g.ID, &g.RunID, &g.StepID, &g.GateType, &g.Status, &createdAt, &approvedBy, &approvedAt); err != nil {
			if err == sql.ErrNoRows {
				return &orcherrors.NotFoundError{Resource: "gate", ID: gateID}
			}
			return &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: err}
		}
		g.ApprovedBy = approvedBy.String
		g.ApprovedAt = parseTimePtr(approvedAt)

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

		_, err := b.exec(ctx, "UpdateGate",
			`UPDATE gates SET status=?, approved_by=?, approved_at=? WHERE id=?`,
			string(g.Status), nullString(g.ApprovedBy), formatTimePtr(g.ApprovedAt), gateID,
		)
		if err != nil {
			return &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: err}
		}
		return nil
	})
}

// --- ArtifactStore ---

func (b *Backend) AddArtifact(ctx context.Context, stepID, artifactType, path string, metadata store.JSON) (*store.Artifact, error) {
	metadataJSON, err := marshalJSON(metadata)
	if err != nil {
		return nil, err
	}

	artifact := &store.Artifact{
		ID:        uuid.NewString(),
		StepID:    stepID,
		Type:      artifactType,
		Path:      path,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}

	_, err = b.exec(ctx, "AddArtifact",
		`INSERT INTO artifacts (id, step_id, type, path, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		artifact.ID, artifact.StepID, artifact.Type, artifact.Path, metadataJSON, artifact.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return nil, &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: err}
	}
	return artifact, nil
}

func (b *Backend) ListArtifactsByRun(ctx context.Context, runID string) ([]*store.Artifact, error) {
	rows, err := b.query(ctx, "ListArtifactsByRun",
		`SELECT a.id, a.step_id, s.name, a.type, a.path, a.metadata, a.created_at
		 FROM artifacts a JOIN steps s ON s.id = a.step_id
		 WHERE s.run_id = ? ORDER BY a.created_at ASC`,
		runID)
	if err != nil {
		return nil, &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: err}
	}
	defer rows.Close()

	var artifacts []*store.Artifact
	for rows.Next() {
		var (
			a          store.Artifact
			metadata   sql.NullString
			createdAt  string
		)
		if err := rows.Scan(&a.ID, &a.StepID, &a.StepName, &a.Type, &a.Path, &metadata, &createdAt); err != nil {
			return nil, &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: err}
		}
		if err := unmarshalJSON(metadata, &a.Metadata); err != nil {
			return nil, err
		}
		a.CreatedAt = parseTime(createdAt)
		artifacts = append(artifacts, &a)
	}
	return artifacts, rows.Err()
}

// --- InboxStore ---

func (b *Backend) InboxMarkIfNew(ctx context.Context, key string) (bool, error) {
	result, err := b.exec(ctx, "InboxMarkIfNew",
		`INSERT OR IGNORE INTO inbox (key, created_at) VALUES (?, ?)`,
		key, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return false, &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: err}
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

func (b *Backend) InboxDelete(ctx context.Context, key string) error {
	if _, err := b.exec(ctx, "InboxDelete", `DELETE FROM inbox WHERE key = ?`, key); err != nil {
		return &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: err}
	}
	return nil
}

// --- OutboxStore ---

func (b *Backend) OutboxAdd(ctx context.Context, topic string, payload store.JSON) (*store.OutboxMessage, error) {
	payloadJSON, err := marshalJSON(payload)
	if err != nil {
		return nil, err
	}

	msg := &store.OutboxMessage{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}

	_, err = b.exec(ctx, "OutboxAdd",
		`INSERT INTO outbox (id, topic, payload, sent, created_at) VALUES (?, ?, ?, 0, ?)`,
		msg.ID, msg.Topic, payloadJSON, msg.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return nil, &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: err}
	}
	return msg, nil
}

func (b *Backend) OutboxListUnsent(ctx context.Context, limit int) ([]*store.OutboxMessage, error) {
	query := `SELECT id, topic, payload, sent, created_at, sent_at FROM outbox WHERE sent = 0 ORDER BY created_at ASC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := b.query(ctx, "OutboxListUnsent", query, args...)
	if err != nil {
		return nil, &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: err}
	}
	defer rows.Close()

	var messages []*store.OutboxMessage
	for rows.Next() {
		var (
			m                  store.OutboxMessage
			payload            sql.NullString
			sent               int
			createdAt          string
			sentAt             sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.Topic, &payload, &sent, &createdAt, &sentAt); err != nil {
			return nil, &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: err}
		}
		if err := unmarshalJSON(payload, &m.Payload); err != nil {
			return nil, err
		}
		m.Sent = sent != 0
		m.CreatedAt = parseTime(createdAt)
		m.SentAt = parseTimePtr(sentAt)
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

func (b *Backend) OutboxMarkSent(ctx context.Context, id string) error {
	_, err := b.exec(ctx, "OutboxMarkSent",
		`UPDATE outbox SET sent = 1, sent_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: err}
	}
	return nil
}

// --- MigrationStore ---

func (b *Backend) EnsureMigrationsTable(ctx context.Context) error {
	_, err := b.exec(ctx, "EnsureMigrationsTable", `CREATE TABLE IF NOT EXISTS migrations (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		up_sql TEXT NOT NULL,
		down_sql TEXT NOT NULL,
		executed_at TEXT NOT NULL
	)`)
	if err != nil {
		return &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: err}
	}
	return nil
}

func (b *Backend) GetMigration(ctx context.Context, id string) (*store.Migration, error) {
	row := b.queryRow(ctx, "GetMigration",
		`SELECT id, name, up_sql, down_sql, executed_at FROM migrations WHERE id = ?`, id)

	var m store.Migration
	var executedAt string
	if err := row.Scan(&m.ID, &m.Name, &m.UpSQL, &m.DownSQL, &executedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, &orcherrors.NotFoundError{Resource: "migration", ID: id}
		}
		return nil, &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: err}
	}
	m.ExecutedAt = parseTime(executedAt)
	return &m, nil
}

func (b *Backend) InsertMigration(ctx context.Context, m *store.Migration) error {
	executedAt := m.ExecutedAt
	if executedAt.IsZero() {
		executedAt = time.Now().UTC()
	}
	_, err := b.exec(ctx, "InsertMigration",
		`INSERT INTO migrations (id, name, up_sql, down_sql, executed_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.Name, m.UpSQL, m.DownSQL, executedAt.Format(time.RFC3339))
	if err != nil {
		return &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: err}
	}
	m.ExecutedAt = executedAt
	return nil
}

func (b *Backend) DeleteMigration(ctx context.Context, id string) error {
	_, err := b.exec(ctx, "DeleteMigration", `DELETE FROM migrations WHERE id = ?`, id)
	if err != nil {
		return &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: err}
	}
	return nil
}

func (b *Backend) ListAppliedMigrations(ctx context.Context) ([]*store.Migration, error) {
	rows, err := b.query(ctx, "ListAppliedMigrations",
		`SELECT id, name, up_sql, down_sql, executed_at FROM migrations ORDER BY executed_at DESC`)
	if err != nil {
		return nil, &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: err}
	}
	defer rows.Close()

	var migrations []*store.Migration
	for rows.Next() {
		var m store.Migration
		var executedAt string
		if err := rows.Scan(&m.ID, &m.Name, &m.UpSQL, &m.DownSQL, &executedAt); err != nil {
			return nil, &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: err}
		}
		m.ExecutedAt = parseTime(executedAt)
		migrations = append(migrations, &m)
	}
	return migrations, rows.Err()
}

// DB exposes the underlying connection pool for the migration engine,
// which needs to run arbitrary user-authored SQL outside this interface.
func (b *Backend) DB() *sql.DB { return b.db }

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// Helper functions

func marshalJSON(v store.JSON) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json: %w", err)
	}
	return string(data), nil
}

func unmarshalJSON(ns sql.NullString, out *store.JSON) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(ns.String), out); err != nil {
		return fmt.Errorf("failed to unmarshal json: %w", err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
