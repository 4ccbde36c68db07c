// Copyright (C) The Ripcord Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package recoveryorch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ripcord-dr/ripcord/lib/recoveryorch/launcher"
	"github.com/ripcord-dr/ripcord/lib/recoveryorch/scheduler"
	"github.com/ripcord-dr/ripcord/sdk/go/ripcord"
	"github.com/sirupsen/logrus"
)

// A controller is one invocation of the execution state machine for
// one execution. It is the sole writer of the execution row while it
// runs; API mutations on a driven execution go through its request
// flags rather than the store, so the optimistic version check never
// sees two writers.
type controller struct {
	orch   *Orchestrator
	uuid   string
	logger logrus.FieldLogger

	ctx              context.Context
	cancelInvocation context.CancelFunc
	pauseReq         atomic.Bool
	cancelReq        atomic.Bool
	stalled          atomic.Bool

	progressMtx  sync.Mutex
	lastProgress time.Time
}

func newController(orch *Orchestrator, uuid string) *controller {
	ctrl := &controller{
		orch:   orch,
		uuid:   uuid,
		logger: orch.logger.WithField("Execution", uuid),
	}
	ctrl.ctx, ctrl.cancelInvocation = context.WithCancel(orch.runCtx)
	return ctrl
}

func (ctrl *controller) requestPause() { ctrl.pauseReq.Store(true) }

func (ctrl *controller) requestCancel() {
	ctrl.cancelReq.Store(true)
	ctrl.cancelInvocation()
}

func (ctrl *controller) progress() {
	ctrl.progressMtx.Lock()
	ctrl.lastProgress = ctrl.orch.timeNow()
	ctrl.progressMtx.Unlock()
}

func (ctrl *controller) sinceProgress() time.Duration {
	ctrl.progressMtx.Lock()
	defer ctrl.progressMtx.Unlock()
	return ctrl.orch.timeNow().Sub(ctrl.lastProgress)
}

// run is one invocation: drive the execution until it reaches a
// terminal state, pauses, or the invocation has to stop early (budget
// handoff, cancel, shutdown).
func (ctrl *controller) run() {
	defer ctrl.orch.controllerDone(ctrl)

	ctx := ctrl.ctx
	defer ctrl.cancelInvocation()

	deadline := time.Time{}
	if budget := ctrl.orch.Config.Orchestrator.InvocationBudget.Duration(); budget > 0 {
		deadline = ctrl.orch.timeNow().Add(budget)
	}

	ctrl.progress()
	stopWatchdog := ctrl.startWatchdog(ctx, ctrl.cancelInvocation)
	defer stopWatchdog()

	err := ctrl.drive(ctx, deadline)
	switch {
	case err == nil:
		// terminal or paused; nothing more to do here
	case errors.Is(err, launcher.ErrBudgetExhausted):
		// Deregister first so the successor invocation can
		// register itself.
		ctrl.orch.controllerDone(ctrl)
		ctrl.orch.continueLater(ctrl.uuid)
	case ctrl.cancelReq.Load():
		ctrl.finalizeInterrupted(ripcord.ExecutionStateCancelled, "")
	case ctrl.stalled.Load():
		ctrl.finalizeInterrupted(ripcord.ExecutionStateFailed, ripcord.ErrStalled.Error())
	case ctx.Err() != nil:
		// process shutdown; state is checkpointed, re-entry will
		// pick it up
		ctrl.logger.Info("invocation interrupted by shutdown")
	default:
		ctrl.logger.WithError(err).Error("invocation failed")
	}
}

// startWatchdog fails the invocation if no observable progress is
// made for StallTimeout: stuck external jobs that never reach a
// terminal state must not hold an execution (and its server claims)
// open forever.
func (ctrl *controller) startWatchdog(ctx context.Context, cancel context.CancelFunc) func() {
	timeout := ctrl.orch.Config.Orchestrator.StallTimeout.Duration()
	if timeout <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var closeOnce sync.Once
	go func() {
		ticker := time.NewTicker(timeout / 4)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if ctrl.sinceProgress() > timeout {
					ctrl.logger.WithField("StallTimeout", timeout).Error("no progress, failing execution")
					ctrl.stalled.Store(true)
					cancel()
					return
				}
			}
		}
	}()
	return func() { closeOnce.Do(func() { close(done) }) }
}

func (ctrl *controller) drive(ctx context.Context, deadline time.Time) error {
	ex, err := ctrl.orch.Store.GetExecution(ctx, ctrl.uuid)
	if err != nil {
		return fmt.Errorf("loading execution: %w", err)
	}
	if ex.State.Terminal() || ex.State == ripcord.ExecutionStatePaused {
		return nil
	}
	plan, err := ctrl.orch.Plans.GetPlan(ctx, ex.PlanUUID)
	if err != nil {
		return fmt.Errorf("loading plan %s: %w", ex.PlanUUID, err)
	}

	persist := func() error {
		return ctrl.orch.Store.UpdateExecution(context.WithoutCancel(ctx), &ex)
	}

	if ex.State == ripcord.ExecutionStatePending {
		ex.State = ripcord.ExecutionStateRunning
		ex.StartedAt = ctrl.orch.timeNow()
		if err := persist(); err != nil {
			return err
		}
		ctrl.logger.Info("execution started")
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if marked := scheduler.PropagateFailures(plan, &ex); len(marked) > 0 {
			ctrl.logger.WithField("Waves", marked).Warn("waves failed by dependency propagation")
			if err := persist(); err != nil {
				return err
			}
		}
		if done, anyFailed := scheduler.Done(&ex); done {
			return ctrl.finalize(ctx, &ex, anyFailed)
		}
		idx := ctrl.pickWave(plan, &ex)
		if idx < 0 {
			return fmt.Errorf("execution incomplete but no wave is runnable")
		}
		wave := plan.Waves[idx]
		we := ex.Wave(idx)

		if ctrl.pauseReq.Swap(false) || (wave.PauseBefore && we.State == ripcord.WaveStatePending) {
			if wave.PauseBefore && we.State == ripcord.WaveStatePending {
				// Consumed: the wave will not pause again after
				// resume.
				we.State = ripcord.WaveStatePausedBefore
			}
			ex.State = ripcord.ExecutionStatePaused
			ex.ResumeToken = uuid.NewString()
			if err := persist(); err != nil {
				return err
			}
			ctrl.logger.WithField("Wave", idx).Info("execution paused at wave boundary")
			return nil
		}

		if len(we.Servers) == 0 {
			if err := ctrl.claimWave(ctx, plan, &ex, idx); err != nil {
				return err
			}
			if we.State == ripcord.WaveStateFailed {
				continue
			}
		} else if we.State != ripcord.WaveStateRunning {
			we.State = ripcord.WaveStateRunning
			if err := persist(); err != nil {
				return err
			}
		}

		l := launcher.New(launcher.Options{
			Logger:             ctrl.logger,
			Client:             ctrl.orch.Client,
			Quota:              ctrl.orch.quota,
			Drill:              ex.Kind == ripcord.ExecutionKindDrill,
			PollInterval:       ctrl.orch.Config.Orchestrator.PollInterval.Duration(),
			ServerTimeout:      ctrl.orch.Config.Orchestrator.ServerLaunchTimeout.Duration(),
			QuotaRetryInterval: ctrl.orch.Config.Orchestrator.QuotaRetryInterval.Duration(),
			Checkpoint:         func(cctx context.Context) error { return ctrl.orch.Store.UpdateExecution(context.WithoutCancel(cctx), &ex) },
			Progress:           ctrl.progress,
			RemainingBudget:    ctrl.remainingBudget(deadline),
			SafetyMargin:       ctrl.orch.Config.Orchestrator.BudgetSafetyMargin.Duration(),
			Now:                ctrl.orch.timeNow,
			Sleep:              ctrl.orch.sleep,
		})
		if err := l.RunWave(ctx, wave, we); err != nil {
			return err
		}
		ctrl.progress()
	}
}

// pickWave chooses the wave to drive next: a wave already in flight
// (re-entry after a crash or budget handoff) wins, then a wave whose
// pause has been consumed, then the lowest-index eligible wave.
func (ctrl *controller) pickWave(plan *ripcord.RecoveryPlan, ex *ripcord.Execution) int {
	for i := range ex.Waves {
		if ex.Waves[i].State == ripcord.WaveStateRunning {
			return ex.Waves[i].WaveIndex
		}
	}
	for i := range ex.Waves {
		if ex.Waves[i].State == ripcord.WaveStatePausedBefore {
			return ex.Waves[i].WaveIndex
		}
	}
	if eligible := scheduler.Eligible(plan, ex); len(eligible) > 0 {
		return eligible[0]
	}
	return -1
}

// claimWave creates the wave's server records and re-verifies the
// servers against sibling executions in one store transaction. A
// conflict fails the wave without submitting anything; propagation
// decides the fate of its dependents.
func (ctrl *controller) claimWave(ctx context.Context, plan *ripcord.RecoveryPlan, ex *ripcord.Execution, idx int) error {
	ids := plan.WaveServers(idx)
	we := ex.Wave(idx)
	we.StartedAt = ctrl.orch.timeNow()
	we.State = ripcord.WaveStateRunning
	for _, id := range ids {
		we.Servers = append(we.Servers, ripcord.ServerExecutionState{
			ServerID: id,
			State:    ripcord.ServerStatePending,
		})
	}
	err := ctrl.orch.Store.ClaimServers(context.WithoutCancel(ctx), ex, ids)
	var conflict *ripcord.ConflictError
	if errors.As(err, &conflict) {
		ctrl.logger.WithFields(logrus.Fields{
			"Wave":  idx,
			"Error": conflict.Error(),
		}).Error("wave not started, servers claimed elsewhere")
		we.Servers = nil
		we.State = ripcord.WaveStateFailed
		we.FinishedAt = ctrl.orch.timeNow()
		return ctrl.orch.Store.UpdateExecution(context.WithoutCancel(ctx), ex)
	}
	return err
}

func (ctrl *controller) finalize(ctx context.Context, ex *ripcord.Execution, anyFailed bool) error {
	if anyFailed {
		ex.State = ripcord.ExecutionStateFailed
	} else {
		ex.State = ripcord.ExecutionStateCompleted
	}
	ex.FinishedAt = ctrl.orch.timeNow()
	err := ctrl.orch.Store.UpdateExecution(context.WithoutCancel(ctx), ex)
	if err != nil {
		return err
	}
	ctrl.orch.recordFinished(context.WithoutCancel(ctx), ex)
	return nil
}

// finalizeInterrupted persists a terminal verdict after the
// invocation context has been cancelled (user cancel or stall). Uses
// a fresh context; the execution row is the record that must not be
// lost.
func (ctrl *controller) finalizeInterrupted(state ripcord.ExecutionState, errmsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	ex, err := ctrl.orch.Store.GetExecution(ctx, ctrl.uuid)
	if err != nil {
		ctrl.logger.WithError(err).Error("error loading execution for finalization")
		return
	}
	if ex.State.Terminal() {
		return
	}
	ex.State = state
	ex.Error = errmsg
	ex.FinishedAt = ctrl.orch.timeNow()
	ex.ResumeToken = ""
	for i := range ex.Waves {
		if ex.Waves[i].State == ripcord.WaveStateRunning {
			ex.Waves[i].State = ripcord.WaveStateFailed
			ex.Waves[i].FinishedAt = ex.FinishedAt
		}
	}
	// Jobs abandoned in flight are no longer polled, so nothing else
	// will ever release their quota. Released before the terminal
	// state is visible; a failed persist re-enters and restores.
	for _, we := range ex.Waves {
		for _, srv := range we.Servers {
			if srv.JobUUID != "" {
				ctrl.orch.quota.Release(srv.JobUUID)
			}
		}
	}
	if err := ctrl.orch.Store.UpdateExecution(ctx, &ex); err != nil {
		ctrl.logger.WithError(err).Error("error persisting terminal state")
		return
	}
	ctrl.orch.recordFinished(ctx, &ex)
}

func (ctrl *controller) remainingBudget(deadline time.Time) func() time.Duration {
	if ctrl.orch.budget != nil {
		return ctrl.orch.budget
	}
	if deadline.IsZero() {
		return nil
	}
	return func() time.Duration {
		return deadline.Sub(ctrl.orch.timeNow())
	}
}
