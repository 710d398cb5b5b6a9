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

// Package migrate applies and rolls back versioned SQL migration files
// against the relational backend. A migration file is named
// <prefix>_<slug>.sql where prefix sorts chronologically, and contains
// an UP section and an optional DOWN section split on the literal
// "\n-- DOWN\n" delimiter.
package migrate

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/nofx-run/orchestrator/internal/store"
	"github.com/nofx-run/orchestrator/internal/store/sqlstore"
	orcherrors "github.com/nofx-run/orchestrator/pkg/errors"
)

// Migration is a single parsed migration file.
type Migration struct {
	ID   string // sortable prefix_slug, derived from the file name without extension
	Name string
	Up   string
	Down string
}

// Applied records a migration that has already run, per the migrations table.
type Applied struct {
	ID         string
	Name       string
	ExecutedAt time.Time
}

var upMarker = regexp.MustCompile(`(?m)^--\s*UP\s*$`)

// Load reads and parses every *.sql file in dir, sorted by file name (and
// therefore by prefix).
func Load(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	migrations := make([]Migration, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		m, err := Parse(strings.TrimSuffix(name, ".sql"), string(data))
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, m)
	}
	return migrations, nil
}

// Parse splits raw migration source into its UP and DOWN halves. A
// missing DOWN section is allowed and yields an empty Down.
func Parse(id, source string) (Migration, error) {
	name := id
	if idx := strings.Index(source, "-- Migration:"); idx >= 0 {
		line := source[idx+len("-- Migration:"):]
		if end := strings.IndexByte(line, '\n'); end >= 0 {
			line = line[:end]
		}
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			name = trimmed
		}
	}

	up, down, _ := strings.Cut(source, "\n-- DOWN\n")
	if loc := upMarker.FindStringIndex(up); loc != nil {
		up = up[loc[1]:]
	}
	return Migration{ID: id, Name: name, Up: strings.TrimSpace(up), Down: strings.TrimSpace(down)}, nil
}

// dangerPatterns lists the statement shapes that are logged as dangerous
// when a migration's SQL matches one of them.
var dangerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)\bDELETE\s+FROM\s+\S+\s*(;|$)`),
	regexp.MustCompile(`(?is)\bUPDATE\s+\S+\s+SET\s+[^;]*?(;|$)`),
	regexp.MustCompile(`(?is)\bTRUNCATE\s+TABLE\b`),
	regexp.MustCompile(`(?is)\bDROP\s+TABLE\b`),
	regexp.MustCompile(`(?is)\bDROP\s+DATABASE\b`),
}

// lintDangerous logs a warning per statement in sql matching one of the
// fixed danger patterns without an accompanying WHERE clause. It never
// blocks execution -- these are advisory only.
func lintDangerous(logger *slog.Logger, migrationID, sql string) {
	for _, pat := range dangerPatterns {
		for _, match := range pat.FindAllString(sql, -1) {
			if strings.Contains(strings.ToUpper(match), "WHERE") {
				continue
			}
			logger.Warn("migration statement matches a danger pattern",
				"migration_id", migrationID,
				"statement", sqlstore.SanitizePreview(match),
			)
		}
	}
}

// Backend is the subset of a relational Store this engine drives: the
// MigrationStore bookkeeping methods (sqlite.Backend and postgres.Backend
// both implement these) plus access to the underlying *sql.DB so the
// engine can execute a migration's raw UP/DOWN SQL in the same
// transaction as the bookkeeping row.
type Backend interface {
	store.MigrationStore
	DB() *sql.DB
}

// Runner applies and rolls back migrations against a relational Backend.
type Runner struct {
	Backend Backend
	Logger  *slog.Logger
}

// Run applies m if it is not already recorded. Already-applied migrations
// are a no-op success. On any failure the transaction is rolled back and
// the error is returned unwrapped so callers can classify it.
func (r *Runner) Run(ctx context.Context, m Migration) error {
	if err := r.Backend.EnsureMigrationsTable(ctx); err != nil {
		return err
	}

	if _, err := r.Backend.GetMigration(ctx, m.ID); err == nil {
		return nil
	} else if orcherrors.Classify(err) != "not_found" {
		return err
	}

	lintDangerous(r.Logger, m.ID, m.Up)

	return sqlstore.WithTransaction(ctx, r.Backend.DB(), func(ctx context.Context) error {
		if strings.TrimSpace(m.Up) != "" {
			conn := sqlstore.Conn(ctx, r.Backend.DB())
			if _, err := conn.ExecContext(ctx, m.Up); err != nil {
				return &orcherrors.StorageUnavailableError{Backend: "sql", Cause: err}
			}
		}
		return r.Backend.InsertMigration(ctx, &store.Migration{
			ID: m.ID, Name: m.Name, UpSQL: m.Up, DownSQL: m.Down, ExecutedAt: time.Now().UTC(),
		})
	})
}

// Rollback executes the recorded DOWN SQL for id and removes its row.
// An unknown id propagates GetMigration's NotFoundError; a failure
// executing the DOWN SQL yields a RollbackFailedError.
func (r *Runner) Rollback(ctx context.Context, id string) error {
	if err := r.Backend.EnsureMigrationsTable(ctx); err != nil {
		return err
	}

	m, err := r.Backend.GetMigration(ctx, id)
	if err != nil {
		return err
	}

	return sqlstore.WithTransaction(ctx, r.Backend.DB(), func(ctx context.Context) error {
		if strings.TrimSpace(m.DownSQL) != "" {
			conn := sqlstore.Conn(ctx, r.Backend.DB())
			if _, err := conn.ExecContext(ctx, m.DownSQL); err != nil {
				return &orcherrors.RollbackFailedError{Cause: err, RollbackErr: err}
			}
		}
		if err := r.Backend.DeleteMigration(ctx, id); err != nil {
			return &orcherrors.RollbackFailedError{Cause: err, RollbackErr: err}
		}
		return nil
	})
}

// Pending returns the subset of all whose id has not yet been applied,
// in the order given.
func (r *Runner) Pending(ctx context.Context, all []Migration) ([]Migration, error) {
	applied, err := r.Applied(ctx)
	if err != nil {
		return nil, err
	}
	appliedIDs := make(map[string]bool, len(applied))
	for _, a := range applied {
		appliedIDs[a.ID] = true
	}

	var pending []Migration
	for _, m := range all {
		if !appliedIDs[m.ID] {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

// Applied returns every applied migration, newest first.
func (r *Runner) Applied(ctx context.Context) ([]Applied, error) {
	if err := r.Backend.EnsureMigrationsTable(ctx); err != nil {
		return nil, err
	}
	rows, err := r.Backend.ListAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Applied, 0, len(rows))
	for _, m := range rows {
		out = append(out, Applied{ID: m.ID, Name: m.Name, ExecutedAt: m.ExecutedAt})
	}
	return out, nil
}

// Template renders a new, timestamped migration file body for name.
func Template(name string, createdAt time.Time) (fileName, body string) {
	slug := slugify(name)
	prefix := createdAt.UTC().Format("20060102150405")
	fileName = prefix + "_" + slug + ".sql"
	body = "-- Migration: " + name + "\n" +
		"-- Created: " + createdAt.UTC().Format(time.RFC3339) + "\n\n" +
		"-- UP\n\n\n" +
		"-- DOWN\n\n"
	return fileName, body
}

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	s := nonSlugChars.ReplaceAllString(strings.ToLower(name), "_")
	return strings.Trim(s, "_")
}
