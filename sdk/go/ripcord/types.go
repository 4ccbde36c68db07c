// Copyright (C) The Ripcord Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package ripcord defines the data types shared by the recovery
// orchestrator, its storage layer, and API clients.
package ripcord

import (
	"time"
)

// ExecutionKind distinguishes a non-destructive drill from a live
// failover.
type ExecutionKind string

const (
	ExecutionKindDrill    ExecutionKind = "Drill"
	ExecutionKindRecovery ExecutionKind = "Recovery"
)

// ExecutionState is the top-level state of one execution of a
// recovery plan.
type ExecutionState string

const (
	ExecutionStatePending   ExecutionState = "Pending"
	ExecutionStateRunning   ExecutionState = "Running"
	ExecutionStatePaused    ExecutionState = "Paused"
	ExecutionStateCompleted ExecutionState = "Completed"
	ExecutionStateFailed    ExecutionState = "Failed"
	ExecutionStateCancelled ExecutionState = "Cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s ExecutionState) Terminal() bool {
	return s == ExecutionStateCompleted || s == ExecutionStateFailed || s == ExecutionStateCancelled
}

// WaveState is the state of one wave within an execution.
type WaveState string

const (
	WaveStatePending      WaveState = "Pending"
	WaveStateRunning      WaveState = "Running"
	WaveStatePausedBefore WaveState = "PausedBefore"
	WaveStateCompleted    WaveState = "Completed"
	WaveStateFailed       WaveState = "Failed"
)

// Terminal reports whether the wave has reached a verdict.
func (s WaveState) Terminal() bool {
	return s == WaveStateCompleted || s == WaveStateFailed
}

// ServerLaunchState tracks a single server through job submission,
// polling, launch, and post-launch validation.
type ServerLaunchState string

const (
	ServerStatePending   ServerLaunchState = "Pending"
	ServerStateSubmitted ServerLaunchState = "Submitted"
	ServerStateLaunching ServerLaunchState = "Launching"
	ServerStateLaunched  ServerLaunchState = "Launched"
	ServerStateHealthy   ServerLaunchState = "Healthy"
	ServerStateUnhealthy ServerLaunchState = "Unhealthy"
	ServerStateFailed    ServerLaunchState = "Failed"
)

// Terminal reports whether the server needs no further driving.
func (s ServerLaunchState) Terminal() bool {
	return s == ServerStateHealthy || s == ServerStateUnhealthy || s == ServerStateFailed
}

// Submitted reports whether an external job has already been created
// for this server. A submitted server must never be submitted again.
func (s ServerLaunchState) Submitted() bool {
	return s != ServerStatePending
}

// WaveMode selects how the servers of one wave are driven.
type WaveMode string

const (
	WaveModeParallel   WaveMode = "Parallel"
	WaveModeSequential WaveMode = "Sequential"
)

// A ProtectionGroup is a named, reusable set of server identifiers.
type ProtectionGroup struct {
	UUID      string   `json:"uuid"`
	Name      string   `json:"name"`
	ServerIDs []string `json:"server_ids"`
	Version   int64    `json:"version"`
}

// A Wave is one unit of a recovery plan: a protection group driven in
// a single mode, plus its position in the plan's dependency graph.
//
// DependsOn lists predecessor wave indexes. ContinueOnFailure treats
// a failed predecessor as a satisfied dependency. BestEffort applies
// to Sequential mode only: keep going past a failed server, and call
// the wave Completed if at least one server came up Healthy.
type Wave struct {
	Index             int      `json:"index"`
	Name              string   `json:"name"`
	GroupUUID         string   `json:"group_uuid"`
	Mode              WaveMode `json:"mode"`
	PauseBefore       bool     `json:"pause_before"`
	BestEffort        bool     `json:"best_effort"`
	ContinueOnFailure bool     `json:"continue_on_failure"`
	DependsOn         []int    `json:"depends_on"`
}

// A RecoveryPlan is the immutable definition one execution runs
// against: waves, their dependency graph, and the protection groups
// they reference. Version is bumped on every definition change;
// mutations are rejected while a non-terminal execution references
// the plan.
type RecoveryPlan struct {
	UUID    string                     `json:"uuid"`
	Name    string                     `json:"name"`
	Version int64                      `json:"version"`
	Waves   []Wave                     `json:"waves"`
	Groups  map[string]ProtectionGroup `json:"groups"`
}

// WaveServers returns the server identifiers of the given wave, or
// nil if the wave's protection group is not part of the plan.
func (plan *RecoveryPlan) WaveServers(index int) []string {
	if index < 0 || index >= len(plan.Waves) {
		return nil
	}
	pg, ok := plan.Groups[plan.Waves[index].GroupUUID]
	if !ok {
		return nil
	}
	return pg.ServerIDs
}

// ServerExecutionState is the runtime record for one server within
// one wave execution. It is created when the wave becomes eligible
// and mutated only by the launch state machine.
type ServerExecutionState struct {
	ServerID     string            `json:"server_id"`
	State        ServerLaunchState `json:"state"`
	JobUUID      string            `json:"job_uuid,omitempty"`
	ResourceID   string            `json:"resource_id,omitempty"`
	SubmitToken  string            `json:"submit_token,omitempty"`
	SubmittedAt  time.Time         `json:"submitted_at,omitempty"`
	LastPolledAt time.Time         `json:"last_polled_at,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// WaveExecution is the runtime record for one wave of one execution.
type WaveExecution struct {
	WaveIndex  int                    `json:"wave_index"`
	State      WaveState              `json:"state"`
	StartedAt  time.Time              `json:"started_at,omitempty"`
	FinishedAt time.Time              `json:"finished_at,omitempty"`
	Servers    []ServerExecutionState `json:"servers"`
}

// Execution is the root aggregate for one run of a recovery plan. It
// exclusively owns its WaveExecutions. Version implements optimistic
// concurrency: every store update checks and bumps it.
type Execution struct {
	UUID        string          `json:"uuid"`
	PlanUUID    string          `json:"plan_uuid"`
	PlanVersion int64           `json:"plan_version"`
	Kind        ExecutionKind   `json:"kind"`
	State       ExecutionState  `json:"state"`
	Initiator   string          `json:"initiator"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   time.Time       `json:"started_at,omitempty"`
	FinishedAt  time.Time       `json:"finished_at,omitempty"`
	ResumeToken string          `json:"resume_token,omitempty"`
	Error       string          `json:"error,omitempty"`
	Waves       []WaveExecution `json:"waves"`
	Version     int64           `json:"version"`
}

// ClaimedServerIDs returns every server identifier this execution has
// a claim on. While the execution is non-terminal, no other execution
// may claim any of them.
func (ex *Execution) ClaimedServerIDs() []string {
	seen := map[string]bool{}
	var ids []string
	for _, we := range ex.Waves {
		for _, srv := range we.Servers {
			if !seen[srv.ServerID] {
				seen[srv.ServerID] = true
				ids = append(ids, srv.ServerID)
			}
		}
	}
	return ids
}

// Wave returns the wave execution record with the given wave index,
// or nil.
func (ex *Execution) Wave(index int) *WaveExecution {
	for i := range ex.Waves {
		if ex.Waves[i].WaveIndex == index {
			return &ex.Waves[i]
		}
	}
	return nil
}

// HistoryEntry is the append-only record written when an execution
// reaches a terminal state. Entries are never mutated; they back the
// audit trail and are swept only after the retention window.
type HistoryEntry struct {
	UUID          string         `json:"uuid"`
	ExecutionUUID string         `json:"execution_uuid"`
	PlanUUID      string         `json:"plan_uuid"`
	Kind          ExecutionKind  `json:"kind"`
	State         ExecutionState `json:"state"`
	ServerIDs     []string       `json:"server_ids"`
	CreatedAt     time.Time      `json:"created_at"`
	FinishedAt    time.Time      `json:"finished_at"`
}

// A Conflict is one server claimed by another active execution.
type Conflict struct {
	ServerID      string `json:"server_id"`
	ExecutionUUID string `json:"execution_uuid"`
}
