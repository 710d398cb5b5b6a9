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

// Package gate implements the manual-approval state machine shared by
// any step handler whose tool starts with "manual:", and by handlers
// that embed a gate inline (e.g. a version-control-commit handler
// defaulting to "manual:git_pr").
package gate

import (
	"context"
	"time"

	orcherrors "github.com/nofx-run/orchestrator/pkg/errors"
	"github.com/nofx-run/orchestrator/internal/store"
)

// CheckDelay is how long a step waiting on a pending gate is re-enqueued
// for before the next poll.
const CheckDelay = 5 * time.Second

// Outcome is the result of evaluating a gate for one step visit.
type Outcome int

const (
	// Waiting means the gate was just created or is still pending; the
	// caller must re-enqueue the step and return without completing it.
	Waiting Outcome = iota
	// Passed means the gate resolved approved or skipped.
	Passed
	// Denied means the gate resolved rejected or failed.
	Denied
)

// Evaluate creates or fetches the gate for (runID, stepID, gateType) and
// returns the outcome of this visit, along with the gate record and
// whether it was newly created (used to decide which events to emit).
func Evaluate(ctx context.Context, gates store.GateStore, runID, stepID, gateType string) (Outcome, *store.Gate, bool, error) {
	existing, err := gates.GetLatestGate(ctx, runID, stepID)
	created := false
	if err != nil {
		if orcherrors.Classify(err) != "not_found" {
			return Waiting, nil, false, err
		}
		g, cerr := gates.CreateOrGetGate(ctx, runID, stepID, gateType)
		if cerr != nil {
			return Waiting, nil, false, cerr
		}
		existing = g
		created = true
	}

	switch {
	case existing.Status.Passed():
		return Passed, existing, created, nil
	case existing.Status.Denied():
		return Denied, existing, created, nil
	default:
		return Waiting, existing, created, nil
	}
}
