// Copyright (C) The Ripcord Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package recoveryorch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/ripcord-dr/ripcord/lib/recoveryorch/test"
	"github.com/ripcord-dr/ripcord/sdk/go/ctxlog"
	"github.com/ripcord-dr/ripcord/sdk/go/ripcord"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&OrchestratorSuite{})

type OrchestratorSuite struct {
	store *test.Store
	stub  *test.StubService
	cfg   *ripcord.Config
	orch  *Orchestrator
}

func (s *OrchestratorSuite) SetUpTest(c *check.C) {
	s.store = test.NewStore()
	s.stub = test.NewStubService()
	s.cfg = &ripcord.Config{ManagementToken: "s3cret"}
	s.cfg.RecoveryService.MaxActiveJobs = 100
	s.cfg.RecoveryService.MaxTotalServers = 1000
	s.cfg.RecoveryService.MaxServersPerJob = 10
	s.cfg.Orchestrator.PollInterval = ripcord.Duration(time.Millisecond)
	s.cfg.Orchestrator.QuotaRetryInterval = ripcord.Duration(time.Millisecond)
	s.newOrch(c)
}

func (s *OrchestratorSuite) newOrch(c *check.C) {
	s.orch = &Orchestrator{
		Config:   s.cfg,
		Context:  ctxlog.Context(context.Background(), ctxlog.TestLogger(c)),
		Registry: prometheus.NewRegistry(),
		Store:    s.store,
		Plans:    s.store,
		Client:   s.stub,
	}
	s.orch.Start()
}

func (s *OrchestratorSuite) TearDownTest(c *check.C) {
	s.orch.Close()
}

// twoWavePlan: databases in parallel, then the app server, with an
// optional operator checkpoint between the two.
func (s *OrchestratorSuite) twoWavePlan(pauseBeforeApp bool) *ripcord.RecoveryPlan {
	plan := &ripcord.RecoveryPlan{
		UUID:    "plan-1",
		Name:    "app stack",
		Version: 3,
		Groups: map[string]ripcord.ProtectionGroup{
			"g-db":  {UUID: "g-db", ServerIDs: []string{"db1", "db2"}},
			"g-app": {UUID: "g-app", ServerIDs: []string{"app1"}},
		},
		Waves: []ripcord.Wave{
			{Index: 0, Name: "databases", GroupUUID: "g-db", Mode: ripcord.WaveModeParallel},
			{Index: 1, Name: "app", GroupUUID: "g-app", Mode: ripcord.WaveModeSequential, PauseBefore: pauseBeforeApp, DependsOn: []int{0}},
		},
	}
	s.store.AddPlan(plan)
	return plan
}

func (s *OrchestratorSuite) waitState(c *check.C, uuid string, state ripcord.ExecutionState) ripcord.Execution {
	deadline := time.Now().Add(10 * time.Second)
	for {
		ex, err := s.store.GetExecution(context.Background(), uuid)
		c.Assert(err, check.IsNil)
		if ex.State == state {
			return ex
		}
		if time.Now().After(deadline) {
			c.Fatalf("timed out waiting for execution %s to reach %s; current state %s", uuid, state, ex.State)
		}
		time.Sleep(time.Millisecond)
	}
}

func (s *OrchestratorSuite) waitSubmissions(c *check.C, n int) {
	deadline := time.Now().Add(10 * time.Second)
	for len(s.stub.Submissions()) < n {
		if time.Now().After(deadline) {
			c.Fatalf("timed out waiting for %d submissions, have %d", n, len(s.stub.Submissions()))
		}
		time.Sleep(time.Millisecond)
	}
}

// gateSleeps blocks every launcher sleep until the returned release
// function is called, holding the current wave open.
func (s *OrchestratorSuite) gateSleeps() (release func()) {
	ch := make(chan struct{})
	s.orch.sleep = func(ctx context.Context, d time.Duration) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
			return nil
		}
	}
	return func() { close(ch) }
}

func (s *OrchestratorSuite) TestDrillRunsToCompletion(c *check.C) {
	s.twoWavePlan(false)
	ex, err := s.orch.StartExecution(context.Background(), "plan-1", ripcord.ExecutionKindDrill, "ops@example.com")
	c.Assert(err, check.IsNil)
	c.Check(ex.State, check.Equals, ripcord.ExecutionStatePending)
	c.Check(ex.PlanVersion, check.Equals, int64(3))

	final := s.waitState(c, ex.UUID, ripcord.ExecutionStateCompleted)
	c.Check(final.StartedAt.IsZero(), check.Equals, false)
	c.Check(final.FinishedAt.IsZero(), check.Equals, false)
	for _, we := range final.Waves {
		c.Check(we.State, check.Equals, ripcord.WaveStateCompleted)
		for _, srv := range we.Servers {
			c.Check(srv.State, check.Equals, ripcord.ServerStateHealthy)
		}
	}
	for _, req := range s.stub.Submissions() {
		c.Check(req.Drill, check.Equals, true)
	}
	c.Check(s.stub.SubmitCount("db1"), check.Equals, 1)
	c.Check(s.stub.SubmitCount("app1"), check.Equals, 1)

	hist := s.store.History()
	c.Assert(hist, check.HasLen, 1)
	c.Check(hist[0].ExecutionUUID, check.Equals, ex.UUID)
	c.Check(hist[0].State, check.Equals, ripcord.ExecutionStateCompleted)
	c.Check(hist[0].ServerIDs, check.HasLen, 3)
}

func (s *OrchestratorSuite) TestFailurePropagatesToDependents(c *check.C) {
	s.twoWavePlan(false)
	s.stub.FailServer("db2", "no capacity")
	ex, err := s.orch.StartExecution(context.Background(), "plan-1", ripcord.ExecutionKindRecovery, "ops")
	c.Assert(err, check.IsNil)
	final := s.waitState(c, ex.UUID, ripcord.ExecutionStateFailed)
	c.Check(final.Waves[0].State, check.Equals, ripcord.WaveStateFailed)
	c.Check(final.Waves[1].State, check.Equals, ripcord.WaveStateFailed)
	// The dependent wave was failed by propagation, never started.
	c.Check(final.Waves[1].Servers, check.HasLen, 0)
	c.Check(s.stub.SubmitCount("app1"), check.Equals, 0)
	// db1 launched fine and stays up.
	c.Check(final.Waves[0].Servers[0].State, check.Equals, ripcord.ServerStateHealthy)
	c.Check(s.stub.Terminations(), check.HasLen, 0)
}

func (s *OrchestratorSuite) TestContinueOnFailureRunsDependent(c *check.C) {
	plan := s.twoWavePlan(false)
	plan.Waves[1].ContinueOnFailure = true
	s.stub.FailServer("db2", "no capacity")
	ex, err := s.orch.StartExecution(context.Background(), "plan-1", ripcord.ExecutionKindRecovery, "ops")
	c.Assert(err, check.IsNil)
	final := s.waitState(c, ex.UUID, ripcord.ExecutionStateFailed)
	c.Check(final.Waves[0].State, check.Equals, ripcord.WaveStateFailed)
	c.Check(final.Waves[1].State, check.Equals, ripcord.WaveStateCompleted)
	c.Check(s.stub.SubmitCount("app1"), check.Equals, 1)
}

func (s *OrchestratorSuite) TestStartRejectsInvalidPlan(c *check.C) {
	plan := s.twoWavePlan(false)
	plan.Waves[0].DependsOn = []int{1} // cycle with wave 1
	_, err := s.orch.StartExecution(context.Background(), "plan-1", ripcord.ExecutionKindDrill, "ops")
	c.Check(errors.Is(err, ripcord.ErrInvalidPlan), check.Equals, true)
}

func (s *OrchestratorSuite) TestStartUnknownPlan(c *check.C) {
	_, err := s.orch.StartExecution(context.Background(), "no-such-plan", ripcord.ExecutionKindDrill, "ops")
	c.Check(errors.Is(err, ripcord.ErrNotFound), check.Equals, true)
}

func (s *OrchestratorSuite) TestPlanBusyAndServerConflicts(c *check.C) {
	s.twoWavePlan(false)
	release := s.gateSleeps()
	ex1, err := s.orch.StartExecution(context.Background(), "plan-1", ripcord.ExecutionKindRecovery, "ops")
	c.Assert(err, check.IsNil)
	s.waitSubmissions(c, 1)

	// Same plan: busy.
	_, err = s.orch.StartExecution(context.Background(), "plan-1", ripcord.ExecutionKindRecovery, "ops")
	c.Check(errors.Is(err, ripcord.ErrPlanBusy), check.Equals, true)

	// Different plan sharing a server: rejected with the specific
	// conflicting IDs, even though db2's wave is still in flight.
	plan2 := &ripcord.RecoveryPlan{
		UUID: "plan-2",
		Groups: map[string]ripcord.ProtectionGroup{
			"g": {UUID: "g", ServerIDs: []string{"db2", "web1"}},
		},
		Waves: []ripcord.Wave{{Index: 0, GroupUUID: "g", Mode: ripcord.WaveModeParallel}},
	}
	s.store.AddPlan(plan2)
	_, err = s.orch.StartExecution(context.Background(), "plan-2", ripcord.ExecutionKindRecovery, "ops")
	var conflict *ripcord.ConflictError
	c.Assert(errors.As(err, &conflict), check.Equals, true)
	c.Assert(conflict.Conflicts, check.HasLen, 1)
	c.Check(conflict.Conflicts[0].ServerID, check.Equals, "db2")
	c.Check(conflict.Conflicts[0].ExecutionUUID, check.Equals, ex1.UUID)

	// Claims die with the execution.
	release()
	s.waitState(c, ex1.UUID, ripcord.ExecutionStateCompleted)
	ex2, err := s.orch.StartExecution(context.Background(), "plan-2", ripcord.ExecutionKindRecovery, "ops")
	c.Assert(err, check.IsNil)
	s.waitState(c, ex2.UUID, ripcord.ExecutionStateCompleted)
}

func (s *OrchestratorSuite) TestPreflightPlan(c *check.C) {
	s.twoWavePlan(false)
	res, err := s.orch.PreflightPlan(context.Background(), "plan-1")
	c.Assert(err, check.IsNil)
	c.Check(res.Runnable, check.Equals, true)
	c.Check(res.Conflicts, check.HasLen, 0)

	release := s.gateSleeps()
	ex, err := s.orch.StartExecution(context.Background(), "plan-1", ripcord.ExecutionKindRecovery, "ops")
	c.Assert(err, check.IsNil)
	s.waitSubmissions(c, 1)

	plan2 := &ripcord.RecoveryPlan{
		UUID: "plan-2",
		Groups: map[string]ripcord.ProtectionGroup{
			"g": {UUID: "g", ServerIDs: []string{"db2", "web1"}},
		},
		Waves: []ripcord.Wave{{Index: 0, GroupUUID: "g", Mode: ripcord.WaveModeParallel}},
	}
	s.store.AddPlan(plan2)
	res, err = s.orch.PreflightPlan(context.Background(), "plan-2")
	c.Assert(err, check.IsNil)
	c.Check(res.Runnable, check.Equals, false)
	c.Assert(res.Conflicts, check.HasLen, 1)
	c.Check(res.Conflicts[0].ServerID, check.Equals, "db2")
	c.Check(res.Conflicts[0].ExecutionUUID, check.Equals, ex.UUID)

	// Advisory only: nothing was created or claimed.
	exs, err := s.store.ListExecutions(context.Background())
	c.Assert(err, check.IsNil)
	c.Check(exs, check.HasLen, 1)

	req := httptest.NewRequest("GET", "/ripcord/v1/plans/plan-2/preflight", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp := httptest.NewRecorder()
	s.orch.ServeHTTP(resp, req)
	c.Check(resp.Code, check.Equals, 200)
	var apiRes PreflightResult
	c.Assert(json.Unmarshal(resp.Body.Bytes(), &apiRes), check.IsNil)
	c.Check(apiRes.Runnable, check.Equals, false)

	release()
	s.waitState(c, ex.UUID, ripcord.ExecutionStateCompleted)
	res, err = s.orch.PreflightPlan(context.Background(), "plan-2")
	c.Assert(err, check.IsNil)
	c.Check(res.Runnable, check.Equals, true)
}

func (s *OrchestratorSuite) TestPauseBeforeWaveAndResume(c *check.C) {
	s.twoWavePlan(true)
	ex, err := s.orch.StartExecution(context.Background(), "plan-1", ripcord.ExecutionKindRecovery, "ops")
	c.Assert(err, check.IsNil)

	paused := s.waitState(c, ex.UUID, ripcord.ExecutionStatePaused)
	c.Assert(paused.ResumeToken, check.Not(check.Equals), "")
	c.Check(paused.Waves[0].State, check.Equals, ripcord.WaveStateCompleted)
	c.Check(paused.Waves[1].State, check.Equals, ripcord.WaveStatePausedBefore)
	c.Check(s.stub.SubmitCount("app1"), check.Equals, 0)

	// A wrong or stale token never resumes anything.
	err = s.orch.ResumeExecution(context.Background(), ex.UUID, "bogus")
	c.Check(errors.Is(err, ripcord.ErrStaleResumeToken), check.Equals, true)
	err = s.orch.ResumeExecution(context.Background(), ex.UUID, "")
	c.Check(errors.Is(err, ripcord.ErrStaleResumeToken), check.Equals, true)

	c.Assert(s.orch.ResumeExecution(context.Background(), ex.UUID, paused.ResumeToken), check.IsNil)
	final := s.waitState(c, ex.UUID, ripcord.ExecutionStateCompleted)
	c.Check(final.ResumeToken, check.Equals, "")
	c.Check(s.stub.SubmitCount("app1"), check.Equals, 1)

	// The token was one-shot.
	err = s.orch.ResumeExecution(context.Background(), ex.UUID, paused.ResumeToken)
	c.Check(errors.Is(err, ripcord.ErrWrongState), check.Equals, true)
}

func (s *OrchestratorSuite) TestPauseRequestHonoredAtWaveBoundary(c *check.C) {
	s.twoWavePlan(false)
	release := s.gateSleeps()
	ex, err := s.orch.StartExecution(context.Background(), "plan-1", ripcord.ExecutionKindRecovery, "ops")
	c.Assert(err, check.IsNil)
	s.waitSubmissions(c, 1)

	c.Assert(s.orch.PauseExecution(context.Background(), ex.UUID), check.IsNil)
	release()

	// The in-flight wave runs to its verdict; the pause lands
	// before the next wave starts.
	paused := s.waitState(c, ex.UUID, ripcord.ExecutionStatePaused)
	c.Check(paused.Waves[0].State, check.Equals, ripcord.WaveStateCompleted)
	c.Check(paused.Waves[1].State, check.Equals, ripcord.WaveStatePending)
	c.Check(s.stub.SubmitCount("app1"), check.Equals, 0)

	c.Assert(s.orch.ResumeExecution(context.Background(), ex.UUID, paused.ResumeToken), check.IsNil)
	s.waitState(c, ex.UUID, ripcord.ExecutionStateCompleted)

	// Pausing a finished execution is an error.
	err = s.orch.PauseExecution(context.Background(), ex.UUID)
	c.Check(errors.Is(err, ripcord.ErrWrongState), check.Equals, true)
}

func (s *OrchestratorSuite) TestCancelRunningExecution(c *check.C) {
	s.twoWavePlan(false)
	_ = s.gateSleeps()
	ex, err := s.orch.StartExecution(context.Background(), "plan-1", ripcord.ExecutionKindRecovery, "ops")
	c.Assert(err, check.IsNil)
	s.waitSubmissions(c, 1)

	c.Assert(s.orch.CancelExecution(context.Background(), ex.UUID), check.IsNil)
	final := s.waitState(c, ex.UUID, ripcord.ExecutionStateCancelled)
	c.Check(final.Waves[1].State, check.Equals, ripcord.WaveStatePending)
	c.Check(s.stub.SubmitCount("app1"), check.Equals, 0)
	// Already-submitted jobs keep their tracked state; nothing is
	// torn down.
	c.Check(s.stub.Terminations(), check.HasLen, 0)

	err = s.orch.CancelExecution(context.Background(), ex.UUID)
	c.Check(errors.Is(err, ripcord.ErrWrongState), check.Equals, true)

	hist := s.store.History()
	c.Assert(hist, check.HasLen, 1)
	c.Check(hist[0].State, check.Equals, ripcord.ExecutionStateCancelled)
}

func (s *OrchestratorSuite) TestCancelNeverAbortsSubmission(c *check.C) {
	s.twoWavePlan(false)
	inFlight := make(chan struct{})
	proceed := make(chan struct{})
	var submitCtxErr error
	var once sync.Once
	s.stub.OnSubmit = func(ctx context.Context) {
		once.Do(func() {
			close(inFlight)
			<-proceed
			submitCtxErr = ctx.Err()
		})
	}
	ex, err := s.orch.StartExecution(context.Background(), "plan-1", ripcord.ExecutionKindRecovery, "ops")
	c.Assert(err, check.IsNil)
	<-inFlight
	c.Assert(s.orch.CancelExecution(context.Background(), ex.UUID), check.IsNil)
	close(proceed)

	final := s.waitState(c, ex.UUID, ripcord.ExecutionStateCancelled)
	// The cancel never tore down the round-trip, and the job it
	// created is tracked on the checkpoint, so nothing the service
	// launched is untraceable.
	c.Check(submitCtxErr, check.IsNil)
	c.Assert(final.Waves[0].Servers, check.HasLen, 2)
	for _, srv := range final.Waves[0].Servers {
		c.Check(srv.JobUUID, check.Not(check.Equals), "")
	}
	c.Check(s.stub.SubmitCount("app1"), check.Equals, 0)
}

func (s *OrchestratorSuite) TestCancelReleasesQuota(c *check.C) {
	s.twoWavePlan(false)
	_ = s.gateSleeps()
	ex, err := s.orch.StartExecution(context.Background(), "plan-1", ripcord.ExecutionKindRecovery, "ops")
	c.Assert(err, check.IsNil)
	s.waitSubmissions(c, 1)
	jobs, servers := s.orch.quota.InFlight()
	c.Check(jobs, check.Equals, 1)
	c.Check(servers, check.Equals, 2)

	c.Assert(s.orch.CancelExecution(context.Background(), ex.UUID), check.IsNil)
	s.waitState(c, ex.UUID, ripcord.ExecutionStateCancelled)
	// The abandoned job stops counting against the ceilings.
	jobs, servers = s.orch.quota.InFlight()
	c.Check(jobs, check.Equals, 0)
	c.Check(servers, check.Equals, 0)
}

func (s *OrchestratorSuite) TestCancelPausedExecution(c *check.C) {
	s.twoWavePlan(true)
	ex, err := s.orch.StartExecution(context.Background(), "plan-1", ripcord.ExecutionKindRecovery, "ops")
	c.Assert(err, check.IsNil)
	s.waitState(c, ex.UUID, ripcord.ExecutionStatePaused)

	c.Assert(s.orch.CancelExecution(context.Background(), ex.UUID), check.IsNil)
	final := s.waitState(c, ex.UUID, ripcord.ExecutionStateCancelled)
	c.Check(final.ResumeToken, check.Equals, "")
	c.Check(s.store.History(), check.HasLen, 1)
}

func (s *OrchestratorSuite) TestResumeDuringControllerTeardown(c *check.C) {
	s.twoWavePlan(true)
	ex, err := s.orch.StartExecution(context.Background(), "plan-1", ripcord.ExecutionKindRecovery, "ops")
	c.Assert(err, check.IsNil)
	paused := s.waitState(c, ex.UUID, ripcord.ExecutionStatePaused)

	// Hold a controller slot open, standing in for an invocation
	// that has persisted Paused but not yet deregistered.
	exiting := newController(s.orch, ex.UUID)
	s.orch.mtx.Lock()
	s.orch.controllers[ex.UUID] = exiting
	s.orch.mtx.Unlock()

	c.Assert(s.orch.ResumeExecution(context.Background(), ex.UUID, paused.ResumeToken), check.IsNil)
	running, err := s.store.GetExecution(context.Background(), ex.UUID)
	c.Assert(err, check.IsNil)
	c.Check(running.State, check.Equals, ripcord.ExecutionStateRunning)

	// Deregistration starts the queued invocation; the resume is
	// not lost.
	s.orch.controllerDone(exiting)
	s.waitState(c, ex.UUID, ripcord.ExecutionStateCompleted)
	c.Check(s.stub.SubmitCount("app1"), check.Equals, 1)
}

func (s *OrchestratorSuite) TestInvocationBudgetHandoff(c *check.C) {
	plan := &ripcord.RecoveryPlan{
		UUID: "plan-b",
		Groups: map[string]ripcord.ProtectionGroup{
			"g": {UUID: "g", ServerIDs: []string{"x1", "x2"}},
		},
		Waves: []ripcord.Wave{{Index: 0, GroupUUID: "g", Mode: ripcord.WaveModeParallel}},
	}
	s.store.AddPlan(plan)
	var calls atomic.Int32
	s.orch.budget = func() time.Duration {
		if calls.Add(1) == 2 {
			return 0
		}
		return time.Hour
	}
	ex, err := s.orch.StartExecution(context.Background(), "plan-b", ripcord.ExecutionKindDrill, "ops")
	c.Assert(err, check.IsNil)
	s.waitState(c, ex.UUID, ripcord.ExecutionStateCompleted)
	c.Check(testutil.ToFloat64(s.orch.mContinuations), check.Equals, 1.0)
	// The follow-up invocation resumed from the checkpoint instead
	// of re-submitting.
	c.Check(s.stub.Submissions(), check.HasLen, 1)
	c.Check(s.stub.SubmitCount("x1"), check.Equals, 1)
	c.Check(s.stub.SubmitCount("x2"), check.Equals, 1)
}

func (s *OrchestratorSuite) TestReentryAfterRestart(c *check.C) {
	s.twoWavePlan(false)
	_ = s.gateSleeps()
	ex, err := s.orch.StartExecution(context.Background(), "plan-1", ripcord.ExecutionKindRecovery, "ops")
	c.Assert(err, check.IsNil)
	s.waitSubmissions(c, 1)

	// Simulate a process restart mid-wave.
	s.orch.Close()
	mid, err := s.store.GetExecution(context.Background(), ex.UUID)
	c.Assert(err, check.IsNil)
	c.Check(mid.State, check.Equals, ripcord.ExecutionStateRunning)

	s.newOrch(c)
	final := s.waitState(c, ex.UUID, ripcord.ExecutionStateCompleted)
	c.Check(final.Waves[0].State, check.Equals, ripcord.WaveStateCompleted)
	// Re-entry reused the recorded jobs; no duplicates.
	c.Check(s.stub.SubmitCount("db1"), check.Equals, 1)
	c.Check(s.stub.SubmitCount("db2"), check.Equals, 1)
}

func (s *OrchestratorSuite) TestStalledExecutionFails(c *check.C) {
	s.orch.Close()
	s.cfg.Orchestrator.StallTimeout = ripcord.Duration(20 * time.Millisecond)
	s.newOrch(c)
	s.stub.PollsToComplete = 1000000
	s.twoWavePlan(false)
	ex, err := s.orch.StartExecution(context.Background(), "plan-1", ripcord.ExecutionKindRecovery, "ops")
	c.Assert(err, check.IsNil)
	final := s.waitState(c, ex.UUID, ripcord.ExecutionStateFailed)
	c.Check(final.Error, check.Matches, `.*stalled.*`)
	c.Check(s.store.History(), check.HasLen, 1)
}

func (s *OrchestratorSuite) TestManagementAPI(c *check.C) {
	s.twoWavePlan(false)

	// No credentials.
	resp := httptest.NewRecorder()
	s.orch.ServeHTTP(resp, httptest.NewRequest("GET", "/ripcord/v1/executions", nil))
	c.Check(resp.Code, check.Equals, 401)

	// Wrong token.
	req := httptest.NewRequest("GET", "/ripcord/v1/executions", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp = httptest.NewRecorder()
	s.orch.ServeHTTP(resp, req)
	c.Check(resp.Code, check.Equals, 403)

	// Start an execution.
	body, _ := json.Marshal(map[string]string{
		"plan_uuid": "plan-1",
		"kind":      "Drill",
		"initiator": "ops@example.com",
	})
	req = httptest.NewRequest("POST", "/ripcord/v1/executions", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer s3cret")
	resp = httptest.NewRecorder()
	s.orch.ServeHTTP(resp, req)
	c.Assert(resp.Code, check.Equals, 201)
	var ex ripcord.Execution
	c.Assert(json.Unmarshal(resp.Body.Bytes(), &ex), check.IsNil)
	c.Assert(ex.UUID, check.Not(check.Equals), "")

	// Fetch it.
	req = httptest.NewRequest("GET", "/ripcord/v1/executions/"+ex.UUID, nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp = httptest.NewRecorder()
	s.orch.ServeHTTP(resp, req)
	c.Check(resp.Code, check.Equals, 200)

	// Unknown UUID.
	req = httptest.NewRequest("GET", "/ripcord/v1/executions/nope", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp = httptest.NewRecorder()
	s.orch.ServeHTTP(resp, req)
	c.Check(resp.Code, check.Equals, 404)

	s.waitState(c, ex.UUID, ripcord.ExecutionStateCompleted)

	// Resuming a non-paused execution is a state error, reported
	// as a conflict.
	body, _ = json.Marshal(map[string]string{"resume_token": "zzz"})
	req = httptest.NewRequest("POST", "/ripcord/v1/executions/"+ex.UUID+"/resume", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer s3cret")
	resp = httptest.NewRecorder()
	s.orch.ServeHTTP(resp, req)
	c.Check(resp.Code, check.Equals, 409)

	// Manual teardown of launched resources.
	body, _ = json.Marshal(map[string][]string{"resource_ids": {"res-db1", "res-db2"}})
	req = httptest.NewRequest("POST", "/ripcord/v1/terminations", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer s3cret")
	resp = httptest.NewRecorder()
	s.orch.ServeHTTP(resp, req)
	c.Check(resp.Code, check.Equals, 200)
	c.Check(s.stub.Terminations(), check.HasLen, 1)
}
