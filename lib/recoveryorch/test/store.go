// Copyright (C) The Ripcord Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package test provides stub collaborators for orchestrator tests: an
// in-memory execution/plan store and a scriptable recovery service.
package test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ripcord-dr/ripcord/sdk/go/ripcord"
)

// Store is an in-memory ExecutionStore and PlanStore with the same
// optimistic-concurrency and conflict semantics as the PostgreSQL
// implementation.
type Store struct {
	mtx        sync.Mutex
	executions map[string]*ripcord.Execution
	claims     map[string][]string // execution uuid -> server ids
	history    []ripcord.HistoryEntry
	plans      map[string]*ripcord.RecoveryPlan

	// FailNextUpdate makes the next UpdateExecution return the
	// given error, simulating a persistence failure.
	FailNextUpdate error
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		executions: map[string]*ripcord.Execution{},
		claims:     map[string][]string{},
		plans:      map[string]*ripcord.RecoveryPlan{},
	}
}

// AddPlan registers a plan definition.
func (s *Store) AddPlan(plan *ripcord.RecoveryPlan) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.plans[plan.UUID] = plan
}

// GetPlan implements recoveryorch.PlanStore.
func (s *Store) GetPlan(ctx context.Context, uuid string) (*ripcord.RecoveryPlan, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	plan, ok := s.plans[uuid]
	if !ok {
		return nil, fmt.Errorf("plan %s: %w", uuid, ripcord.ErrNotFound)
	}
	return plan, nil
}

func deepCopy(ex *ripcord.Execution) *ripcord.Execution {
	buf, err := json.Marshal(ex)
	if err != nil {
		panic(err)
	}
	var out ripcord.Execution
	err = json.Unmarshal(buf, &out)
	if err != nil {
		panic(err)
	}
	return &out
}

// CreateExecution implements recoveryorch.ExecutionStore.
func (s *Store) CreateExecution(ctx context.Context, ex *ripcord.Execution, claimedIDs []string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	for _, other := range s.executions {
		if other.PlanUUID == ex.PlanUUID && !other.State.Terminal() {
			return ripcord.ErrPlanBusy
		}
	}
	conflicts := s.conflictsLocked(ex.UUID, claimedIDs)
	if len(conflicts) > 0 {
		return &ripcord.ConflictError{Conflicts: conflicts}
	}
	ex.Version = 1
	s.executions[ex.UUID] = deepCopy(ex)
	s.claims[ex.UUID] = append([]string(nil), claimedIDs...)
	return nil
}

func (s *Store) conflictsLocked(exclude string, serverIDs []string) []ripcord.Conflict {
	want := map[string]bool{}
	for _, id := range serverIDs {
		want[id] = true
	}
	var conflicts []ripcord.Conflict
	for uuid, ids := range s.claims {
		if uuid == exclude {
			continue
		}
		ex := s.executions[uuid]
		if ex == nil || ex.State.Terminal() {
			continue
		}
		for _, id := range ids {
			if want[id] {
				conflicts = append(conflicts, ripcord.Conflict{ServerID: id, ExecutionUUID: uuid})
			}
		}
	}
	return conflicts
}

// GetExecution implements recoveryorch.ExecutionStore.
func (s *Store) GetExecution(ctx context.Context, uuid string) (ripcord.Execution, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	ex, ok := s.executions[uuid]
	if !ok {
		return ripcord.Execution{}, fmt.Errorf("execution %s: %w", uuid, ripcord.ErrNotFound)
	}
	return *deepCopy(ex), nil
}

// ListExecutions implements recoveryorch.ExecutionStore.
func (s *Store) ListExecutions(ctx context.Context) ([]ripcord.Execution, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var out []ripcord.Execution
	for _, ex := range s.executions {
		out = append(out, *deepCopy(ex))
	}
	return out, nil
}

// ListActiveExecutions implements recoveryorch.ExecutionStore.
func (s *Store) ListActiveExecutions(ctx context.Context) ([]ripcord.Execution, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var out []ripcord.Execution
	for _, ex := range s.executions {
		if !ex.State.Terminal() {
			out = append(out, *deepCopy(ex))
		}
	}
	return out, nil
}

// UpdateExecution implements recoveryorch.ExecutionStore.
func (s *Store) UpdateExecution(ctx context.Context, ex *ripcord.Execution) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.updateLocked(ex)
}

func (s *Store) updateLocked(ex *ripcord.Execution) error {
	if err := s.FailNextUpdate; err != nil {
		s.FailNextUpdate = nil
		return err
	}
	cur, ok := s.executions[ex.UUID]
	if !ok {
		return fmt.Errorf("execution %s: %w", ex.UUID, ripcord.ErrNotFound)
	}
	if cur.Version != ex.Version {
		return fmt.Errorf("execution %s at version %d: %w", ex.UUID, ex.Version, ripcord.ErrVersionConflict)
	}
	ex.Version++
	s.executions[ex.UUID] = deepCopy(ex)
	return nil
}

// CheckConflicts implements recoveryorch.ExecutionStore.
func (s *Store) CheckConflicts(ctx context.Context, exclude string, serverIDs []string) ([]ripcord.Conflict, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.conflictsLocked(exclude, serverIDs), nil
}

// ClaimServers implements recoveryorch.ExecutionStore.
func (s *Store) ClaimServers(ctx context.Context, ex *ripcord.Execution, serverIDs []string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	conflicts := s.conflictsLocked(ex.UUID, serverIDs)
	if len(conflicts) > 0 {
		return &ripcord.ConflictError{Conflicts: conflicts}
	}
	return s.updateLocked(ex)
}

// AppendHistory implements recoveryorch.ExecutionStore.
func (s *Store) AppendHistory(ctx context.Context, ent ripcord.HistoryEntry) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.history = append(s.history, ent)
	return nil
}

// History returns the appended entries.
func (s *Store) History() []ripcord.HistoryEntry {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]ripcord.HistoryEntry(nil), s.history...)
}

// SweepHistory implements recoveryorch.ExecutionStore.
func (s *Store) SweepHistory(ctx context.Context, cutoff time.Time) (int, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var kept []ripcord.HistoryEntry
	removed := 0
	for _, ent := range s.history {
		if ent.FinishedAt.Before(cutoff) {
			removed++
		} else {
			kept = append(kept, ent)
		}
	}
	s.history = kept
	return removed, nil
}
