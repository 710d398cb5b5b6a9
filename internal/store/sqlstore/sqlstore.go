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

// Package sqlstore is the connection/transaction façade shared by the
// sqlite and postgres Store backends: a task-local transaction context
// and slow-query instrumentation that never logs raw query text.
package sqlstore

import (
	"context"
	"database/sql"
	"log/slog"
	"regexp"
	"strings"
	"time"

	orcherrors "github.com/nofx-run/orchestrator/pkg/errors"
)

// Querier is the subset of *sql.DB / *sql.Tx that backend queries need.
// Backends call Conn(ctx, db) to get whichever is active.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

type txHolder struct {
	tx *sql.Tx
}

// Conn returns the active *sql.Tx if the context carries one (because a
// WithTransaction is in flight on this task), otherwise db itself.
func Conn(ctx context.Context, db *sql.DB) Querier {
	if h, ok := ctx.Value(txKey{}).(*txHolder); ok && h.tx != nil {
		return h.tx
	}
	return db
}

// InTransaction reports whether ctx already carries an active transaction.
func InTransaction(ctx context.Context) bool {
	h, ok := ctx.Value(txKey{}).(*txHolder)
	return ok && h.tx != nil
}

// WithTransaction runs fn with a transactional connection threaded
// through ctx. If ctx already carries an active transaction, fn runs
// directly against it -- no nested BEGIN/COMMIT is issued, and an inner
// failure propagates to be rolled back by the outermost caller.
// Otherwise a connection is acquired, BEGIN issued, fn run, and COMMIT
// or ROLLBACK issued depending on outcome. A failure during ROLLBACK is
// logged but never raised in place of the original error.
func WithTransaction(ctx context.Context, db *sql.DB, fn func(ctx context.Context) error) error {
	if InTransaction(ctx) {
		return fn(ctx)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return &orcherrors.StorageUnavailableError{Backend: "sql", Cause: err}
	}

	nctx := context.WithValue(ctx, txKey{}, &txHolder{tx: tx})

	if err := fn(nctx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Default().Error("transaction rollback failed",
				slog.Any("error", rbErr),
				slog.Any("original_error", err),
			)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return &orcherrors.StorageUnavailableError{Backend: "sql", Cause: err}
	}
	return nil
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// SanitizePreview collapses whitespace and truncates query to its first
// 100 non-whitespace characters, for logging at error level. Full query
// text (which may embed sensitive payloads) is never logged.
func SanitizePreview(query string) string {
	collapsed := strings.TrimSpace(whitespaceRun.ReplaceAllString(query, " "))
	kept := 0
	for i, r := range collapsed {
		if r == ' ' {
			continue
		}
		if kept == 100 {
			return strings.TrimRight(collapsed[:i], " ")
		}
		kept++
	}
	return collapsed
}

// LogQuery records query latency and, on error, a sanitized preview at
// error level; on success it logs at info only when logAll is set
// (DB_LOG_ALL=1). Logging never mutates control flow -- it always runs
// after the call it instruments, and its own failures are impossible
// (slog never errors).
func LogQuery(logger *slog.Logger, operation, query string, start time.Time, err error, logAll bool) {
	latency := time.Since(start)
	if err != nil {
		logger.Error("query failed",
			slog.String("operation", operation),
			slog.String("query_preview", SanitizePreview(query)),
			slog.Int64("duration_ms", latency.Milliseconds()),
			slog.Any("error", err),
		)
		return
	}
	if logAll {
		logger.Info("query succeeded",
			slog.String("operation", operation),
			slog.Int64("duration_ms", latency.Milliseconds()),
		)
	}
}
