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

package errors_test

import (
	"testing"

	orcherrors "github.com/nofx-run/orchestrator/pkg/errors"
)

func TestDomainErrors_Classify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantType  string
		wantRetry bool
	}{
		{"conflict", &orcherrors.ConflictError{Resource: "step", Key: "run-1/key-1"}, "conflict", false},
		{"path_traversal", &orcherrors.PathTraversalError{Root: "/data", Rel: "../escape"}, "path_traversal", false},
		{"storage_unavailable", &orcherrors.StorageUnavailableError{Backend: "fs", Cause: orcherrors.New("disk full")}, "storage_unavailable", true},
		{"gate_denied", &orcherrors.GateDeniedError{GateType: "manual:approve", Status: "rejected"}, "gate_denied", false},
		{"no_handler", &orcherrors.NoHandlerError{Tool: "test:unknown"}, "no_handler", false},
		{"exhausted", &orcherrors.ExhaustedError{Topic: "step.ready", Attempt: 5}, "exhausted", false},
		{"rollback_failed", &orcherrors.RollbackFailedError{Cause: orcherrors.New("x"), RollbackErr: orcherrors.New("y")}, "rollback_failed", false},
		{"validation", &orcherrors.ValidationError{Field: "path"}, "validation", false},
		{"not_found", &orcherrors.NotFoundError{Resource: "run", ID: "1"}, "not_found", false},
		{"timeout", &orcherrors.TimeoutError{Operation: "query"}, "timeout", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := orcherrors.Classify(tt.err); got != tt.wantType {
				t.Errorf("Classify() = %q, want %q", got, tt.wantType)
			}
			if got := orcherrors.Retryable(tt.err); got != tt.wantRetry {
				t.Errorf("Retryable() = %v, want %v", got, tt.wantRetry)
			}
		})
	}
}

func TestStorageUnavailableError_Unwrap(t *testing.T) {
	cause := orcherrors.New("disk full")
	err := &orcherrors.StorageUnavailableError{Backend: "sqlite", Cause: cause}
	if err.Unwrap() != cause {
		t.Errorf("Unwrap() = %v, want %v", err.Unwrap(), cause)
	}
}

func TestClassify_Unclassified(t *testing.T) {
	if got := orcherrors.Classify(orcherrors.New("plain")); got != "" {
		t.Errorf("Classify() = %q, want empty", got)
	}
}
