// Copyright (C) The Ripcord Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package recoveryorch drives recovery plan executions from start to
// terminal state: wave scheduling, conflict and quota preflight,
// pause/resume/cancel control, checkpointing, and re-entry after
// restarts or exhausted invocation budgets.
package recoveryorch

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ripcord-dr/ripcord/lib/recoveryorch/quota"
	"github.com/ripcord-dr/ripcord/lib/recoveryorch/scheduler"
	"github.com/ripcord-dr/ripcord/lib/recoveryservice"
	"github.com/ripcord-dr/ripcord/sdk/go/auth"
	"github.com/ripcord-dr/ripcord/sdk/go/ctxlog"
	"github.com/ripcord-dr/ripcord/sdk/go/httpserver"
	"github.com/ripcord-dr/ripcord/sdk/go/ripcord"
	"github.com/sirupsen/logrus"

	"github.com/google/uuid"
)

// Orchestrator is the top-level execution controller. It implements
// service.Handler.
type Orchestrator struct {
	Config   *ripcord.Config
	Context  context.Context
	Registry *prometheus.Registry
	Store    ExecutionStore
	Plans    PlanStore
	Client   recoveryservice.Client

	logger      logrus.FieldLogger
	quota       *quota.Guard
	httpHandler http.Handler

	setupOnce sync.Once
	runCtx    context.Context
	runCancel context.CancelFunc
	stopped   chan struct{}

	mtx         sync.Mutex
	controllers map[string]*controller
	reinvoke    map[string]bool

	// test hooks
	timeNow func() time.Time
	sleep   func(context.Context, time.Duration) error
	budget  func() time.Duration

	mExecutionsStarted  *prometheus.CounterVec
	mExecutionsFinished *prometheus.CounterVec
	mActiveExecutions   prometheus.Gauge
	mContinuations      prometheus.Counter
}

// Start initializes the orchestrator: safe to call multiple times.
func (orch *Orchestrator) Start() {
	orch.setupOnce.Do(orch.setup)
}

// ServeHTTP implements service.Handler.
func (orch *Orchestrator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	orch.Start()
	orch.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler.
func (orch *Orchestrator) CheckHealth() error {
	orch.Start()
	ctx, cancel := context.WithTimeout(orch.Context, 10*time.Second)
	defer cancel()
	_, err := orch.Store.ListActiveExecutions(ctx)
	return err
}

// Done implements service.Handler.
func (orch *Orchestrator) Done() <-chan struct{} {
	return orch.stopped
}

// Close stops driving executions. In-flight controllers checkpoint
// and exit at their next safe point.
func (orch *Orchestrator) Close() {
	orch.Start()
	orch.runCancel()
	<-orch.stopped
}

func (orch *Orchestrator) setup() {
	orch.logger = ctxlog.FromContext(orch.Context)
	orch.controllers = map[string]*controller{}
	orch.reinvoke = map[string]bool{}
	orch.runCtx, orch.runCancel = context.WithCancel(orch.Context)
	orch.stopped = make(chan struct{})
	if orch.timeNow == nil {
		orch.timeNow = time.Now
	}
	orch.quota = quota.NewGuard(quota.Limits{
		MaxActiveJobs:    orch.Config.RecoveryService.MaxActiveJobs,
		MaxTotalServers:  orch.Config.RecoveryService.MaxTotalServers,
		MaxServersPerJob: orch.Config.RecoveryService.MaxServersPerJob,
	}, orch.Registry)
	orch.registerMetrics()

	mux := httprouter.New()
	mux.HandlerFunc("POST", "/ripcord/v1/executions", orch.apiStartExecution)
	mux.HandlerFunc("GET", "/ripcord/v1/executions", orch.apiListExecutions)
	mux.Handle("GET", "/ripcord/v1/executions/:uuid", orch.apiGetExecution)
	mux.Handle("POST", "/ripcord/v1/executions/:uuid/pause", orch.apiPauseExecution)
	mux.Handle("POST", "/ripcord/v1/executions/:uuid/resume", orch.apiResumeExecution)
	mux.Handle("POST", "/ripcord/v1/executions/:uuid/cancel", orch.apiCancelExecution)
	mux.Handle("GET", "/ripcord/v1/plans/:uuid/preflight", orch.apiPreflightPlan)
	mux.HandlerFunc("POST", "/ripcord/v1/terminations", orch.apiTerminateResources)
	if orch.Registry != nil {
		metricsH := promhttp.HandlerFor(orch.Registry, promhttp.HandlerOpts{
			ErrorLog: orch.logger,
		})
		mux.Handler("GET", "/metrics", metricsH)
	}
	mux.HandlerFunc("GET", "/_health/ping", func(w http.ResponseWriter, r *http.Request) {
		if err := orch.CheckHealth(); err != nil {
			httpserver.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"health": "OK"})
	})
	orch.httpHandler = auth.RequireLiteralToken(orch.Config.ManagementToken, mux)

	go orch.run()
}

func (orch *Orchestrator) registerMetrics() {
	reg := orch.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	orch.mExecutionsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ripcord",
		Subsystem: "orchestrator",
		Name:      "executions_started_total",
		Help:      "Number of executions started, by kind.",
	}, []string{"kind"})
	reg.MustRegister(orch.mExecutionsStarted)
	orch.mExecutionsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ripcord",
		Subsystem: "orchestrator",
		Name:      "executions_finished_total",
		Help:      "Number of executions reaching a terminal state, by kind and state.",
	}, []string{"kind", "state"})
	reg.MustRegister(orch.mExecutionsFinished)
	orch.mActiveExecutions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ripcord",
		Subsystem: "orchestrator",
		Name:      "executions_active",
		Help:      "Number of executions currently being driven by this process.",
	})
	reg.MustRegister(orch.mActiveExecutions)
	orch.mContinuations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ripcord",
		Subsystem: "orchestrator",
		Name:      "continuations_total",
		Help:      "Number of times an invocation checkpointed and handed off to a fresh invocation before exhausting its budget.",
	})
	reg.MustRegister(orch.mContinuations)
}

func (orch *Orchestrator) run() {
	defer close(orch.stopped)
	orch.reenter()
	if retention := orch.Config.Orchestrator.HistoryRetention.Duration(); retention > 0 {
		go orch.sweepHistory(retention)
	}
	<-orch.runCtx.Done()
	orch.waitControllers()
}

// reenter picks up executions left non-terminal by a previous
// invocation or process: continuation re-entry after a budget
// handoff, crash recovery, or simply a restart while executions were
// paused (those stay put until an explicit resume).
func (orch *Orchestrator) reenter() {
	active, err := orch.Store.ListActiveExecutions(orch.runCtx)
	if err != nil {
		orch.logger.WithError(err).Error("error listing active executions at startup")
		return
	}
	for _, ex := range active {
		if ex.State == ripcord.ExecutionStatePaused {
			continue
		}
		orch.logger.WithFields(logrus.Fields{
			"Execution": ex.UUID,
			"State":     ex.State,
		}).Info("re-entering execution from checkpoint")
		orch.invoke(ex.UUID)
	}
}

func (orch *Orchestrator) sweepHistory(retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-orch.runCtx.Done():
			return
		case <-ticker.C:
			n, err := orch.Store.SweepHistory(orch.runCtx, orch.timeNow().Add(-retention))
			if err != nil {
				orch.logger.WithError(err).Warn("history sweep failed")
			} else if n > 0 {
				orch.logger.WithField("Removed", n).Info("swept execution history")
			}
		}
	}
}

func (orch *Orchestrator) waitControllers() {
	for {
		orch.mtx.Lock()
		n := len(orch.controllers)
		orch.mtx.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// StartExecution validates the plan, runs the conflict/plan-busy
// preflight transactionally in the store, persists the new execution,
// and starts driving it.
func (orch *Orchestrator) StartExecution(ctx context.Context, planUUID string, kind ripcord.ExecutionKind, initiator string) (ripcord.Execution, error) {
	orch.Start()
	plan, err := orch.Plans.GetPlan(ctx, planUUID)
	if err != nil {
		return ripcord.Execution{}, err
	}
	err = scheduler.Validate(plan)
	if err != nil {
		return ripcord.Execution{}, err
	}
	if kind != ripcord.ExecutionKindDrill && kind != ripcord.ExecutionKindRecovery {
		return ripcord.Execution{}, ripcord.ErrWrongState
	}
	ex := ripcord.Execution{
		UUID:        uuid.NewString(),
		PlanUUID:    plan.UUID,
		PlanVersion: plan.Version,
		Kind:        kind,
		State:       ripcord.ExecutionStatePending,
		Initiator:   initiator,
		CreatedAt:   orch.timeNow(),
	}
	var claimed []string
	for i := range plan.Waves {
		ex.Waves = append(ex.Waves, ripcord.WaveExecution{
			WaveIndex: i,
			State:     ripcord.WaveStatePending,
		})
		claimed = append(claimed, plan.WaveServers(i)...)
	}
	err = orch.Store.CreateExecution(ctx, &ex, claimed)
	if err != nil {
		return ripcord.Execution{}, err
	}
	orch.logger.WithFields(logrus.Fields{
		"Execution": ex.UUID,
		"Plan":      plan.UUID,
		"Kind":      kind,
		"Waves":     len(plan.Waves),
	}).Info("execution created")
	orch.mExecutionsStarted.WithLabelValues(string(kind)).Inc()
	orch.invoke(ex.UUID)
	return ex, nil
}

// PreflightResult reports whether a plan could start an execution
// right now.
type PreflightResult struct {
	PlanUUID  string             `json:"plan_uuid"`
	Runnable  bool               `json:"runnable"`
	Conflicts []ripcord.Conflict `json:"conflicts"`
}

// PreflightPlan validates the plan and reports which of its servers
// are claimed by other active executions, without creating anything.
// The result is advisory: StartExecution repeats both checks inside
// the store transaction.
func (orch *Orchestrator) PreflightPlan(ctx context.Context, planUUID string) (PreflightResult, error) {
	orch.Start()
	plan, err := orch.Plans.GetPlan(ctx, planUUID)
	if err != nil {
		return PreflightResult{}, err
	}
	err = scheduler.Validate(plan)
	if err != nil {
		return PreflightResult{}, err
	}
	var serverIDs []string
	for i := range plan.Waves {
		serverIDs = append(serverIDs, plan.WaveServers(i)...)
	}
	conflicts, err := orch.Store.CheckConflicts(ctx, "", serverIDs)
	if err != nil {
		return PreflightResult{}, err
	}
	return PreflightResult{
		PlanUUID:  plan.UUID,
		Runnable:  len(conflicts) == 0,
		Conflicts: conflicts,
	}, nil
}

// GetExecution returns a snapshot of the execution.
func (orch *Orchestrator) GetExecution(ctx context.Context, uuid string) (ripcord.Execution, error) {
	orch.Start()
	return orch.Store.GetExecution(ctx, uuid)
}

// PauseExecution asks a running execution to pause at the next safe
// checkpoint (a wave boundary). Rejected with ErrWrongState if the
// execution is not currently being driven.
func (orch *Orchestrator) PauseExecution(ctx context.Context, uuid string) error {
	orch.Start()
	ex, err := orch.Store.GetExecution(ctx, uuid)
	if err != nil {
		return err
	}
	if ex.State != ripcord.ExecutionStateRunning && ex.State != ripcord.ExecutionStatePending {
		return ripcord.ErrWrongState
	}
	orch.mtx.Lock()
	ctrl := orch.controllers[uuid]
	orch.mtx.Unlock()
	if ctrl == nil {
		return ripcord.ErrWrongState
	}
	ctrl.requestPause()
	return nil
}

// ResumeExecution moves a paused execution back to running. The
// resume token is one-shot: it is cleared by the resume itself (under
// an optimistic version check), so a stale duplicate resume cannot
// reactivate an execution that has already advanced.
func (orch *Orchestrator) ResumeExecution(ctx context.Context, uuid, token string) error {
	orch.Start()
	ex, err := orch.Store.GetExecution(ctx, uuid)
	if err != nil {
		return err
	}
	if ex.State != ripcord.ExecutionStatePaused {
		return ripcord.ErrWrongState
	}
	if token == "" || token != ex.ResumeToken {
		return ripcord.ErrStaleResumeToken
	}
	ex.State = ripcord.ExecutionStateRunning
	ex.ResumeToken = ""
	err = orch.Store.UpdateExecution(ctx, &ex)
	if err != nil {
		return err
	}
	orch.logger.WithField("Execution", uuid).Info("execution resumed")
	orch.invoke(uuid)
	return nil
}

// CancelExecution cancels an execution at its next safe checkpoint,
// never mid-submission, so no job is created without tracked state.
func (orch *Orchestrator) CancelExecution(ctx context.Context, uuid string) error {
	orch.Start()
	ex, err := orch.Store.GetExecution(ctx, uuid)
	if err != nil {
		return err
	}
	if ex.State.Terminal() {
		return ripcord.ErrWrongState
	}
	if ex.State == ripcord.ExecutionStatePaused {
		// No invocation is driving a paused execution; finalize
		// directly. The version check rejects this if a resume
		// slipped in after our read.
		ex.State = ripcord.ExecutionStateCancelled
		ex.FinishedAt = orch.timeNow()
		ex.ResumeToken = ""
		err = orch.Store.UpdateExecution(ctx, &ex)
		if err != nil {
			return err
		}
		orch.recordFinished(ctx, &ex)
		return nil
	}
	orch.mtx.Lock()
	ctrl := orch.controllers[uuid]
	orch.mtx.Unlock()
	if ctrl == nil {
		return ripcord.ErrWrongState
	}
	ctrl.requestCancel()
	return nil
}

// invoke starts (or restarts, after a continuation handoff) the
// controller goroutine for an execution. No-op if one is already
// running.
func (orch *Orchestrator) invoke(uuid string) {
	orch.mtx.Lock()
	defer orch.mtx.Unlock()
	orch.invokeLocked(uuid)
}

func (orch *Orchestrator) invokeLocked(uuid string) {
	if _, running := orch.controllers[uuid]; running {
		// The registered controller is exiting: it has persisted
		// its final checkpoint (a resume can only observe Paused
		// after that) but has not deregistered yet. Queue the
		// invocation so controllerDone starts it.
		orch.reinvoke[uuid] = true
		return
	}
	ctrl := newController(orch, uuid)
	orch.controllers[uuid] = ctrl
	orch.mActiveExecutions.Set(float64(len(orch.controllers)))
	go ctrl.run()
}

// controllerDone deregisters ctrl and starts any invocation queued
// while ctrl was exiting. Idempotent, and a no-op if a successor
// controller for the same execution has already been registered.
func (orch *Orchestrator) controllerDone(ctrl *controller) {
	orch.mtx.Lock()
	defer orch.mtx.Unlock()
	if orch.controllers[ctrl.uuid] == ctrl {
		delete(orch.controllers, ctrl.uuid)
		if orch.reinvoke[ctrl.uuid] {
			delete(orch.reinvoke, ctrl.uuid)
			if orch.runCtx.Err() == nil {
				orch.invokeLocked(ctrl.uuid)
			}
		}
	}
	orch.mActiveExecutions.Set(float64(len(orch.controllers)))
}

// continueLater re-enters an execution in a fresh invocation after a
// budget handoff. The checkpoint is already persisted.
func (orch *Orchestrator) continueLater(uuid string) {
	orch.mContinuations.Inc()
	if orch.runCtx.Err() != nil {
		return
	}
	orch.logger.WithField("Execution", uuid).Info("continuing in fresh invocation")
	orch.invoke(uuid)
}

func (orch *Orchestrator) recordFinished(ctx context.Context, ex *ripcord.Execution) {
	orch.mExecutionsFinished.WithLabelValues(string(ex.Kind), string(ex.State)).Inc()
	err := orch.Store.AppendHistory(ctx, ripcord.HistoryEntry{
		UUID:          uuid.NewString(),
		ExecutionUUID: ex.UUID,
		PlanUUID:      ex.PlanUUID,
		Kind:          ex.Kind,
		State:         ex.State,
		ServerIDs:     ex.ClaimedServerIDs(),
		CreatedAt:     ex.CreatedAt,
		FinishedAt:    ex.FinishedAt,
	})
	if err != nil {
		orch.logger.WithField("Execution", ex.UUID).WithError(err).Error("error writing history entry")
	}
	orch.logger.WithFields(logrus.Fields{
		"Execution": ex.UUID,
		"State":     ex.State,
	}).Info("execution finished")
}

// TerminateLaunchedResources submits an explicit termination job for
// the given resources. Termination is always a deliberate user
// action; the orchestrator never calls this on its own.
func (orch *Orchestrator) TerminateLaunchedResources(ctx context.Context, resourceIDs []string) (string, error) {
	orch.Start()
	return orch.Client.TerminateResources(ctx, resourceIDs)
}
