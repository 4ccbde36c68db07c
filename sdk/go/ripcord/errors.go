// Copyright (C) The Ripcord Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ripcord

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotFound: the requested execution or plan does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict: an optimistic-concurrency check failed;
	// the record was updated by someone else since it was read.
	ErrVersionConflict = errors.New("version conflict")

	// ErrWrongState: the requested transition is not valid from
	// the entity's current state (e.g. resuming an execution that
	// is not paused). Always rejected synchronously, never
	// silently ignored.
	ErrWrongState = errors.New("invalid state for this request")

	// ErrPlanBusy: another non-terminal execution already
	// references the plan.
	ErrPlanBusy = errors.New("plan already has an active execution")

	// ErrStaleResumeToken: the supplied resume token has already
	// been consumed or never matched.
	ErrStaleResumeToken = errors.New("stale or unknown resume token")

	// ErrInvalidPlan wraps all plan definition errors (cycles,
	// empty waves, unresolvable references).
	ErrInvalidPlan = errors.New("invalid recovery plan")

	// ErrStalled: the execution made no progress for longer than
	// the configured window.
	ErrStalled = errors.New("execution stalled: no progress within deadline")
)

// A ConflictError reports the specific server/execution pairs that
// prevented an execution or wave from starting.
type ConflictError struct {
	Conflicts []Conflict
}

func (e *ConflictError) Error() string {
	parts := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		parts = append(parts, fmt.Sprintf("%s (claimed by %s)", c.ServerID, c.ExecutionUUID))
	}
	sort.Strings(parts)
	return "server conflict: " + strings.Join(parts, ", ")
}
