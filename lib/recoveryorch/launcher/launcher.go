// Copyright (C) The Ripcord Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package launcher drives the servers of one wave to a terminal
// state. The external recovery job offers no push notification, so
// everything past submission is advanced by polling describeJob on an
// interval; each poll is idempotent and a missed or errored poll
// never fails a server by itself.
package launcher

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/ripcord-dr/ripcord/lib/recoveryorch/quota"
	"github.com/ripcord-dr/ripcord/lib/recoveryservice"
	"github.com/ripcord-dr/ripcord/sdk/go/ripcord"
	"github.com/sirupsen/logrus"
)

// ErrBudgetExhausted is returned when the remaining invocation budget
// is too small to risk another poll. The caller has already been
// checkpointed and should re-enter in a fresh invocation.
var ErrBudgetExhausted = errors.New("invocation budget exhausted, continue later")

// Options configures a Launcher.
type Options struct {
	Logger logrus.FieldLogger
	Client recoveryservice.Client
	Quota  *quota.Guard

	Drill              bool
	PollInterval       time.Duration
	ServerTimeout      time.Duration
	QuotaRetryInterval time.Duration

	// Checkpoint persists the current execution state. Called
	// before every job submission (so submit tokens are durable)
	// and after every state change.
	Checkpoint func(context.Context) error

	// Progress, if non-nil, is called whenever a poll observes a
	// state change. Feeds the stalled-execution watchdog.
	Progress func()

	// RemainingBudget, if non-nil, reports how much wall-clock
	// budget this invocation has left. When it drops below
	// SafetyMargin the launcher checkpoints and returns
	// ErrBudgetExhausted instead of polling again.
	RemainingBudget func() time.Duration
	SafetyMargin    time.Duration

	// Now and Sleep are replaced in tests.
	Now   func() time.Time
	Sleep func(context.Context, time.Duration) error
}

// A Launcher runs one wave at a time. It mutates only the
// WaveExecution it is given; persistence goes through the Checkpoint
// callback.
type Launcher struct {
	Options
}

// New returns a Launcher with default clock and sleep functions
// filled in.
func New(opts Options) *Launcher {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		}
	}
	if opts.Checkpoint == nil {
		opts.Checkpoint = func(context.Context) error { return nil }
	}
	return &Launcher{Options: opts}
}

// RunWave drives every server of the wave to a terminal state and
// sets the wave's verdict. It returns a non-nil error only when the
// invocation must stop early: context cancellation (cooperative
// cancel, never mid-submission), ErrBudgetExhausted, or a checkpoint
// persistence failure. Server-level failures are recorded on the
// servers, not returned.
func (l *Launcher) RunWave(ctx context.Context, wave ripcord.Wave, we *ripcord.WaveExecution) error {
	logger := l.Logger.WithField("Wave", wave.Index)
	l.restoreQuota(we)

	var err error
	switch wave.Mode {
	case ripcord.WaveModeSequential:
		err = l.runSequential(ctx, logger, wave, we)
	default:
		err = l.runParallel(ctx, logger, wave, we)
	}
	if err != nil {
		return err
	}

	we.State = l.verdict(wave, we)
	we.FinishedAt = l.Now()
	l.releaseJobs(we)
	logger.WithField("Verdict", we.State).Info("wave finished")
	return l.Checkpoint(ctx)
}

// releaseJobs stops counting the wave's jobs against the quota
// ceilings. Needed for jobs whose servers were failed by the launch
// timeout while describes kept erroring; the poll loop only releases
// after a successful describe.
func (l *Launcher) releaseJobs(we *ripcord.WaveExecution) {
	for _, srv := range we.Servers {
		if srv.JobUUID != "" {
			l.Quota.Release(srv.JobUUID)
		}
	}
}

// restoreQuota re-registers jobs that were submitted by a previous
// invocation and are still in flight, so the guard's view matches the
// external service after a checkpoint re-entry.
func (l *Launcher) restoreQuota(we *ripcord.WaveExecution) {
	active := map[string]int{}
	for _, srv := range we.Servers {
		if srv.JobUUID != "" && !srv.State.Terminal() {
			active[srv.JobUUID]++
		}
	}
	for job, n := range active {
		l.Quota.Restore(job, n)
	}
}

// runParallel interleaves submission and polling: batches still
// waiting on quota must not block the polls that release the quota
// held by this wave's own in-flight jobs.
func (l *Launcher) runParallel(ctx context.Context, logger logrus.FieldLogger, wave ripcord.Wave, we *ripcord.WaveExecution) error {
	for {
		for {
			batch := l.nextBatch(we)
			if len(batch) == 0 {
				break
			}
			submitted, err := l.trySubmit(ctx, logger, batch)
			if err != nil {
				return err
			}
			if !submitted {
				break
			}
		}
		if l.parallelDone(we) {
			return nil
		}
		if err := l.checkBudget(ctx); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.pollOnce(ctx, logger, we, nil) {
			if l.Progress != nil {
				l.Progress()
			}
			if err := l.Checkpoint(ctx); err != nil {
				return err
			}
		}
		if l.parallelDone(we) {
			return nil
		}
		if err := l.Sleep(ctx, l.PollInterval); err != nil {
			return err
		}
	}
}

func (l *Launcher) parallelDone(we *ripcord.WaveExecution) bool {
	for _, srv := range we.Servers {
		if !srv.State.Terminal() {
			return false
		}
	}
	return true
}

func (l *Launcher) runSequential(ctx context.Context, logger logrus.FieldLogger, wave ripcord.Wave, we *ripcord.WaveExecution) error {
	for i := range we.Servers {
		srv := &we.Servers[i]
		if srv.State.Terminal() {
			continue
		}
		if !srv.State.Submitted() {
			err := l.submitBatch(ctx, logger, []*ripcord.ServerExecutionState{srv})
			if err != nil {
				return err
			}
		}
		err := l.pollUntilDone(ctx, logger, we, srv)
		if err != nil {
			return err
		}
		if srv.State != ripcord.ServerStateHealthy && !wave.BestEffort {
			// Halt the sequence; remaining servers are
			// never submitted.
			logger.WithFields(logrus.Fields{
				"ServerID": srv.ServerID,
				"State":    srv.State,
			}).Warn("sequential wave halted")
			return nil
		}
	}
	return nil
}

// nextBatch returns up to BatchLimit unsubmitted servers.
func (l *Launcher) nextBatch(we *ripcord.WaveExecution) []*ripcord.ServerExecutionState {
	var batch []*ripcord.ServerExecutionState
	limit := l.Quota.BatchLimit()
	for i := range we.Servers {
		srv := &we.Servers[i]
		if !srv.State.Submitted() && len(batch) < limit {
			batch = append(batch, srv)
		}
	}
	return batch
}

// submitBatch submits one external job covering the given servers,
// waiting out quota deferrals and transient submission errors.
func (l *Launcher) submitBatch(ctx context.Context, logger logrus.FieldLogger, batch []*ripcord.ServerExecutionState) error {
	for {
		submitted, err := l.trySubmit(ctx, logger, batch)
		if err != nil {
			return err
		}
		if submitted {
			return nil
		}
		if err := l.Sleep(ctx, l.QuotaRetryInterval); err != nil {
			return err
		}
	}
}

// trySubmit makes one submission attempt for one batch. A quota
// deferral or transient service error returns (false, nil); the same
// batch can be retried later with the same token.
//
// The submit token is minted and checkpointed before the call, so a
// crash between submission and checkpoint cannot cause a duplicate
// job: the resubmission carries the same token and the service
// dedupes it.
func (l *Launcher) trySubmit(ctx context.Context, logger logrus.FieldLogger, batch []*ripcord.ServerExecutionState) (bool, error) {
	token := batch[0].SubmitToken
	if token == "" {
		token = uuid.NewString()
	}
	ids := make([]string, len(batch))
	for i, srv := range batch {
		ids[i] = srv.ServerID
		srv.SubmitToken = token
	}
	if err := l.Checkpoint(ctx); err != nil {
		return false, err
	}
	if err := l.checkBudget(ctx); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	res, ok := l.Quota.Reserve(len(batch))
	if !ok {
		// Deferral is not a failure and must not look like a
		// stall either.
		logger.WithField("Servers", len(batch)).Info("submission deferred by quota")
		if l.Progress != nil {
			l.Progress()
		}
		return false, nil
	}
	// The submission round-trip is shielded from cancellation: an
	// aborted in-flight submit could create a job with no tracked
	// identifier. Cancel and stall take effect at the next ctx
	// check, after the result is checkpointed.
	jobUUID, err := l.Client.SubmitJob(context.WithoutCancel(ctx), recoveryservice.SubmitRequest{
		ServerIDs:        ids,
		Drill:            l.Drill,
		IdempotencyToken: token,
	})
	if err != nil {
		res.Cancel()
		logger.WithError(err).Warn("job submission failed, will retry with same token")
		return false, nil
	}
	res.Confirm(jobUUID)
	now := l.Now()
	for _, srv := range batch {
		srv.State = ripcord.ServerStateSubmitted
		srv.JobUUID = jobUUID
		srv.SubmittedAt = now
	}
	logger.WithFields(logrus.Fields{
		"JobUUID": jobUUID,
		"Servers": len(batch),
	}).Info("recovery job submitted")
	if l.Progress != nil {
		l.Progress()
	}
	return true, l.Checkpoint(ctx)
}

// pollUntilDone polls describeJob on the configured interval until
// the servers of interest (all of the wave's submitted servers, or
// just `only`) are terminal. Control conditions are checked between
// polls, never mid-call.
func (l *Launcher) pollUntilDone(ctx context.Context, logger logrus.FieldLogger, we *ripcord.WaveExecution, only *ripcord.ServerExecutionState) error {
	for {
		if allTerminal(we, only) {
			return nil
		}
		if err := l.checkBudget(ctx); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		changed := l.pollOnce(ctx, logger, we, only)
		if changed {
			if l.Progress != nil {
				l.Progress()
			}
			if err := l.Checkpoint(ctx); err != nil {
				return err
			}
		}
		if allTerminal(we, only) {
			return nil
		}
		if err := l.Sleep(ctx, l.PollInterval); err != nil {
			return err
		}
	}
}

func allTerminal(we *ripcord.WaveExecution, only *ripcord.ServerExecutionState) bool {
	if only != nil {
		return only.State.Terminal()
	}
	for _, srv := range we.Servers {
		if srv.State.Submitted() && !srv.State.Terminal() {
			return false
		}
	}
	return true
}

// pollOnce performs one describe round over the distinct active jobs
// and reports whether any server state changed.
func (l *Launcher) pollOnce(ctx context.Context, logger logrus.FieldLogger, we *ripcord.WaveExecution, only *ripcord.ServerExecutionState) bool {
	jobs := map[string][]*ripcord.ServerExecutionState{}
	for i := range we.Servers {
		srv := &we.Servers[i]
		if only != nil && srv != only {
			continue
		}
		if srv.JobUUID != "" && !srv.State.Terminal() {
			jobs[srv.JobUUID] = append(jobs[srv.JobUUID], srv)
		}
	}
	changed := false
	for jobUUID, servers := range jobs {
		job, err := l.Client.DescribeJob(ctx, jobUUID)
		now := l.Now()
		if err != nil {
			// A missed poll does not fail the server; the
			// per-server timeout is the backstop.
			logger.WithField("JobUUID", jobUUID).WithError(err).Warn("describeJob failed, will poll again")
			if l.timeoutServers(servers, now) {
				changed = true
			}
			continue
		}
		byID := map[string]recoveryservice.ServerLaunch{}
		for _, sl := range job.Servers {
			byID[sl.ServerID] = sl
		}
		stillActive := false
		for _, srv := range servers {
			srv.LastPolledAt = now
			if l.advance(ctx, logger, srv, job, byID[srv.ServerID], now) {
				changed = true
			}
			if !srv.State.Terminal() {
				stillActive = true
			}
		}
		if !stillActive {
			l.Quota.Release(jobUUID)
		}
	}
	return changed
}

// advance applies one observation to a server's state machine:
//
//	Pending → Submitted → Launching → Launched → Healthy|Unhealthy
//	any non-terminal → Failed (explicit job failure or timeout)
func (l *Launcher) advance(ctx context.Context, logger logrus.FieldLogger, srv *ripcord.ServerExecutionState, job recoveryservice.Job, info recoveryservice.ServerLaunch, now time.Time) bool {
	if srv.State.Terminal() {
		return false
	}
	prev := srv.State
	switch info.Status {
	case recoveryservice.LaunchInProgress:
		if srv.State == ripcord.ServerStateSubmitted {
			srv.State = ripcord.ServerStateLaunching
		}
	case recoveryservice.LaunchLaunched:
		srv.ResourceID = info.ResourceID
		if srv.State != ripcord.ServerStateLaunched {
			srv.State = ripcord.ServerStateLaunched
		}
		l.validateHealth(ctx, logger, srv)
	case recoveryservice.LaunchFailed:
		srv.State = ripcord.ServerStateFailed
		srv.Error = info.Error
		if srv.Error == "" {
			srv.Error = "launch failed"
		}
	default:
		// Pending or unknown; if the job as a whole failed,
		// this server is not going to launch.
		if job.Status == recoveryservice.JobFailed {
			srv.State = ripcord.ServerStateFailed
			srv.Error = "recovery job failed before launch"
		}
	}
	if !srv.State.Terminal() && l.timedOut(srv, now) {
		srv.State = ripcord.ServerStateFailed
		srv.Error = "server launch timed out"
	}
	if srv.State != prev {
		logger.WithFields(logrus.Fields{
			"ServerID": srv.ServerID,
			"From":     prev,
			"To":       srv.State,
		}).Info("server state changed")
		return true
	}
	return false
}

// validateHealth runs the post-launch check: the launched resource
// must report a running runtime state. A describe error leaves the
// server Launched; the next poll tries again.
func (l *Launcher) validateHealth(ctx context.Context, logger logrus.FieldLogger, srv *ripcord.ServerExecutionState) {
	res, err := l.Client.DescribeResource(ctx, srv.ResourceID)
	if err != nil {
		logger.WithField("ResourceID", srv.ResourceID).WithError(err).Warn("health check failed, will retry")
		return
	}
	if res.RuntimeState == recoveryservice.ResourceRunning {
		srv.State = ripcord.ServerStateHealthy
	} else {
		srv.State = ripcord.ServerStateUnhealthy
		srv.Error = "resource launched but runtime state is " + res.RuntimeState
	}
}

func (l *Launcher) timedOut(srv *ripcord.ServerExecutionState, now time.Time) bool {
	return l.ServerTimeout > 0 && !srv.SubmittedAt.IsZero() && now.Sub(srv.SubmittedAt) > l.ServerTimeout
}

func (l *Launcher) timeoutServers(servers []*ripcord.ServerExecutionState, now time.Time) bool {
	changed := false
	for _, srv := range servers {
		if !srv.State.Terminal() && l.timedOut(srv, now) {
			srv.State = ripcord.ServerStateFailed
			srv.Error = "server launch timed out"
			changed = true
		}
	}
	return changed
}

// verdict aggregates terminal server states into the wave's verdict.
// Partial successes are retained as-is: launched resources are never
// terminated automatically.
func (l *Launcher) verdict(wave ripcord.Wave, we *ripcord.WaveExecution) ripcord.WaveState {
	healthy := 0
	for _, srv := range we.Servers {
		if srv.State == ripcord.ServerStateHealthy {
			healthy++
		}
	}
	if healthy == len(we.Servers) {
		return ripcord.WaveStateCompleted
	}
	if wave.Mode == ripcord.WaveModeSequential && wave.BestEffort && healthy > 0 {
		return ripcord.WaveStateCompleted
	}
	return ripcord.WaveStateFailed
}

func (l *Launcher) checkBudget(ctx context.Context) error {
	if l.RemainingBudget == nil {
		return nil
	}
	if l.RemainingBudget() > l.SafetyMargin {
		return nil
	}
	err := l.Checkpoint(ctx)
	if err != nil {
		return err
	}
	return ErrBudgetExhausted
}
