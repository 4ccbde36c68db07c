// Copyright (C) The Ripcord Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package recoveryorch

import (
	"context"
	"time"

	"github.com/ripcord-dr/ripcord/sdk/go/ripcord"
)

// An ExecutionStore persists executions and their server claims, and
// is the single source of truth for cross-execution coordination. All
// cross-execution checks (plan busy, server conflicts) run inside the
// store's own transactions with optimistic version checks, so two
// orchestrator processes can never claim the same server.
//
// Implemented by execstore.PG and by the in-memory stub in the test
// package.
type ExecutionStore interface {
	// CreateExecution atomically verifies that the plan has no
	// other active execution and that none of claimedIDs is
	// claimed by another active execution, then persists ex with
	// Version 1. Returns ripcord.ErrPlanBusy or a
	// *ripcord.ConflictError listing the specific server/execution
	// pairs.
	CreateExecution(ctx context.Context, ex *ripcord.Execution, claimedIDs []string) error

	GetExecution(ctx context.Context, uuid string) (ripcord.Execution, error)
	ListExecutions(ctx context.Context) ([]ripcord.Execution, error)

	// ListActiveExecutions returns every non-terminal execution,
	// used to re-enter in-flight work after a process restart.
	ListActiveExecutions(ctx context.Context) ([]ripcord.Execution, error)

	// UpdateExecution persists ex if the stored Version still
	// matches ex.Version, then bumps it; otherwise
	// ripcord.ErrVersionConflict.
	UpdateExecution(ctx context.Context, ex *ripcord.Execution) error

	// CheckConflicts reports which of serverIDs are claimed by an
	// active execution other than exclude.
	CheckConflicts(ctx context.Context, exclude string, serverIDs []string) ([]ripcord.Conflict, error)

	// ClaimServers re-verifies serverIDs against sibling
	// executions and persists ex, in one transaction. Used
	// immediately before wave submission.
	ClaimServers(ctx context.Context, ex *ripcord.Execution, serverIDs []string) error

	AppendHistory(ctx context.Context, ent ripcord.HistoryEntry) error

	// SweepHistory deletes history entries finished before cutoff
	// and returns how many were removed.
	SweepHistory(ctx context.Context, cutoff time.Time) (int, error)
}

// A PlanStore resolves plan definitions, read-only from the
// orchestrator's perspective.
type PlanStore interface {
	GetPlan(ctx context.Context, uuid string) (*ripcord.RecoveryPlan, error)
}
