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

package migrate

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nofx-run/orchestrator/internal/store/sqlite"
	orcherrors "github.com/nofx-run/orchestrator/pkg/errors"
)

func TestParse_SplitsUpAndDown(t *testing.T) {
	src := "-- Migration: add users\n-- Created: 2024-01-01T00:00:00Z\n\n-- UP\nCREATE TABLE users (id TEXT);\n\n-- DOWN\nDROP TABLE users;\n"
	m, err := Parse("20240101000000_add_users", src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Name != "add users" {
		t.Errorf("name = %q, want %q", m.Name, "add users")
	}
	if m.Up != "CREATE TABLE users (id TEXT);" {
		t.Errorf("up = %q", m.Up)
	}
	if m.Down != "DROP TABLE users;" {
		t.Errorf("down = %q", m.Down)
	}
}

func TestParse_MissingDownYieldsEmpty(t *testing.T) {
	m, err := Parse("id", "-- UP\nSELECT 1;\n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Down != "" {
		t.Errorf("down = %q, want empty", m.Down)
	}
}

func TestLoad_SortsByFileName(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	write("20240102000000_second.sql", "-- UP\nSELECT 2;\n")
	write("20240101000000_first.sql", "-- UP\nSELECT 1;\n")

	migrations, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("len = %d, want 2", len(migrations))
	}
	if migrations[0].ID != "20240101000000_first" {
		t.Errorf("first id = %q", migrations[0].ID)
	}
}

func openTestBackend(t *testing.T) *sqlite.Backend {
	t.Helper()
	be, err := sqlite.New(sqlite.Config{Path: filepath.Join(t.TempDir(), "migrate.db"), Logger: slog.Default()})
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { be.Close() })
	return be
}

func TestRunner_RunIsIdempotent(t *testing.T) {
	be := openTestBackend(t)
	r := &Runner{Backend: be, Logger: slog.Default()}
	ctx := context.Background()

	m := Migration{ID: "1", Name: "create widgets", Up: "CREATE TABLE widgets (id TEXT)", Down: "DROP TABLE widgets"}
	if err := r.Run(ctx, m); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := r.Run(ctx, m); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	applied, err := r.Applied(ctx)
	if err != nil {
		t.Fatalf("Applied: %v", err)
	}
	if len(applied) != 1 {
		t.Fatalf("len(applied) = %d, want 1", len(applied))
	}
}

func TestRunner_Rollback(t *testing.T) {
	be := openTestBackend(t)
	r := &Runner{Backend: be, Logger: slog.Default()}
	ctx := context.Background()

	m := Migration{ID: "1", Name: "create widgets", Up: "CREATE TABLE widgets (id TEXT)", Down: "DROP TABLE widgets"}
	if err := r.Run(ctx, m); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := r.Rollback(ctx, "1"); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	applied, err := r.Applied(ctx)
	if err != nil {
		t.Fatalf("Applied: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("len(applied) = %d, want 0", len(applied))
	}
}

func TestRunner_RollbackUnknownID(t *testing.T) {
	be := openTestBackend(t)
	r := &Runner{Backend: be, Logger: slog.Default()}

	err := r.Rollback(context.Background(), "does-not-exist")
	if orcherrors.Classify(err) != "not_found" {
		t.Errorf("Classify(err) = %q, want not_found", orcherrors.Classify(err))
	}
}

func TestRunner_Pending(t *testing.T) {
	be := openTestBackend(t)
	r := &Runner{Backend: be, Logger: slog.Default()}
	ctx := context.Background()

	all := []Migration{
		{ID: "1", Name: "a", Up: "CREATE TABLE a (id TEXT)"},
		{ID: "2", Name: "b", Up: "CREATE TABLE b (id TEXT)"},
	}
	if err := r.Run(ctx, all[0]); err != nil {
		t.Fatalf("Run: %v", err)
	}

	pending, err := r.Pending(ctx, all)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "2" {
		t.Fatalf("pending = %+v, want only id 2", pending)
	}
}

func TestTemplate_ProducesTimestampedFileName(t *testing.T) {
	ts := time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC)
	name, body := Template("add widgets table", ts)
	if name != "20240305090000_add_widgets_table.sql" {
		t.Errorf("name = %q", name)
	}
	if !contains(body, "-- UP") || !contains(body, "-- DOWN") {
		t.Errorf("body missing markers: %q", body)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
