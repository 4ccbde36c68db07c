// Copyright (C) The Ripcord Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package scheduler resolves a plan's wave dependency graph: which
// waves are eligible to run now, and which must be failed because a
// predecessor failed.
package scheduler

import (
	"fmt"

	"github.com/ripcord-dr/ripcord/sdk/go/ripcord"
)

// Validate checks a plan definition before any execution is created:
// the wave graph must be acyclic, every wave must reference a known,
// non-empty protection group, dependency indexes must be valid, and
// no server may appear in more than one wave of the plan. All
// problems are reported as ripcord.ErrInvalidPlan.
func Validate(plan *ripcord.RecoveryPlan) error {
	if len(plan.Waves) == 0 {
		return fmt.Errorf("%w: plan %s has no waves", ripcord.ErrInvalidPlan, plan.UUID)
	}
	claimed := map[string]int{}
	for i, wave := range plan.Waves {
		if wave.Index != i {
			return fmt.Errorf("%w: wave at position %d declares index %d", ripcord.ErrInvalidPlan, i, wave.Index)
		}
		pg, ok := plan.Groups[wave.GroupUUID]
		if !ok {
			return fmt.Errorf("%w: wave %d references unknown protection group %q", ripcord.ErrInvalidPlan, i, wave.GroupUUID)
		}
		if len(pg.ServerIDs) == 0 {
			return fmt.Errorf("%w: wave %d protection group %q is empty", ripcord.ErrInvalidPlan, i, wave.GroupUUID)
		}
		for _, id := range pg.ServerIDs {
			if prev, dup := claimed[id]; dup {
				return fmt.Errorf("%w: server %q appears in waves %d and %d", ripcord.ErrInvalidPlan, id, prev, i)
			}
			claimed[id] = i
		}
		for _, dep := range wave.DependsOn {
			if dep < 0 || dep >= len(plan.Waves) {
				return fmt.Errorf("%w: wave %d depends on nonexistent wave %d", ripcord.ErrInvalidPlan, i, dep)
			}
			if dep == i {
				return fmt.Errorf("%w: wave %d depends on itself", ripcord.ErrInvalidPlan, i)
			}
		}
	}
	if cyc := findCycle(plan); cyc != nil {
		return fmt.Errorf("%w: wave dependency cycle %v", ripcord.ErrInvalidPlan, cyc)
	}
	return nil
}

// findCycle returns some cycle in the wave graph, or nil. Iterative
// depth-first search with a three-color marking.
func findCycle(plan *ripcord.RecoveryPlan) []int {
	const (
		white = iota
		grey
		black
	)
	color := make([]int, len(plan.Waves))
	parent := make([]int, len(plan.Waves))
	for i := range parent {
		parent[i] = -1
	}
	var visit func(int) []int
	visit = func(i int) []int {
		color[i] = grey
		for _, dep := range plan.Waves[i].DependsOn {
			switch color[dep] {
			case grey:
				cyc := []int{dep}
				for at := i; at != dep && at != -1; at = parent[at] {
					cyc = append(cyc, at)
				}
				return cyc
			case white:
				parent[dep] = i
				if cyc := visit(dep); cyc != nil {
					return cyc
				}
			}
		}
		color[i] = black
		return nil
	}
	for i := range plan.Waves {
		if color[i] == white {
			if cyc := visit(i); cyc != nil {
				return cyc
			}
		}
	}
	return nil
}

// Eligible returns the indexes of waves that may start now: state
// Pending, every dependency either Completed or (for a
// continue-on-failure wave) terminal. Results are in ascending wave
// index order so simultaneous eligibility resolves deterministically.
// A wave that has left Pending never becomes eligible again.
func Eligible(plan *ripcord.RecoveryPlan, ex *ripcord.Execution) []int {
	var out []int
	for _, wave := range plan.Waves {
		we := ex.Wave(wave.Index)
		if we == nil || we.State != ripcord.WaveStatePending {
			continue
		}
		if depsSatisfied(plan, ex, wave) {
			out = append(out, wave.Index)
		}
	}
	return out
}

func depsSatisfied(plan *ripcord.RecoveryPlan, ex *ripcord.Execution, wave ripcord.Wave) bool {
	for _, dep := range wave.DependsOn {
		we := ex.Wave(dep)
		if we == nil {
			return false
		}
		switch we.State {
		case ripcord.WaveStateCompleted:
		case ripcord.WaveStateFailed:
			if !wave.ContinueOnFailure {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// PropagateFailures marks as Failed every Pending wave that can never
// become eligible because a transitive predecessor failed (fail-fast
// propagation). Waves that opted into ContinueOnFailure break the
// chain: a failed dependency still counts as satisfied for them.
// Returns the indexes newly marked Failed.
func PropagateFailures(plan *ripcord.RecoveryPlan, ex *ripcord.Execution) []int {
	var marked []int
	for {
		progress := false
		for _, wave := range plan.Waves {
			we := ex.Wave(wave.Index)
			if we == nil || we.State != ripcord.WaveStatePending {
				continue
			}
			if doomed(plan, ex, wave) {
				we.State = ripcord.WaveStateFailed
				marked = append(marked, wave.Index)
				progress = true
			}
		}
		if !progress {
			return marked
		}
	}
}

func doomed(plan *ripcord.RecoveryPlan, ex *ripcord.Execution, wave ripcord.Wave) bool {
	if wave.ContinueOnFailure {
		return false
	}
	for _, dep := range wave.DependsOn {
		if we := ex.Wave(dep); we != nil && we.State == ripcord.WaveStateFailed {
			return true
		}
	}
	return false
}

// Done reports whether every wave is terminal, and if so, whether any
// failed.
func Done(ex *ripcord.Execution) (done, anyFailed bool) {
	done = true
	for _, we := range ex.Waves {
		if !we.State.Terminal() {
			done = false
		}
		if we.State == ripcord.WaveStateFailed {
			anyFailed = true
		}
	}
	return
}
