// Copyright (C) The Ripcord Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/ripcord-dr/ripcord/lib/recoveryservice"
)

// StubService is a scriptable in-memory recovery service. Jobs
// advance one step per DescribeJob call, mimicking an external
// service that can only be observed by polling.
type StubService struct {
	// Number of DescribeJob calls before a job's servers reach a
	// terminal launch status. Zero means 2.
	PollsToComplete int

	// OnSubmit, if non-nil, is called with the caller's context at
	// the start of every SubmitJob, before the request is recorded.
	// Tests use it to hold a submission in flight. Set before the
	// first call.
	OnSubmit func(ctx context.Context)

	mtx          sync.Mutex
	jobs         map[string]*stubJob
	byToken      map[string]string
	submissions  []recoveryservice.SubmitRequest
	terminations [][]string
	failServers  map[string]string
	unhealthy    map[string]bool
	submitErrs   int
}

type stubJob struct {
	uuid      string
	servers   []string
	describes int
}

// NewStubService returns an empty stub.
func NewStubService() *StubService {
	return &StubService{
		jobs:        map[string]*stubJob{},
		byToken:     map[string]string{},
		failServers: map[string]string{},
		unhealthy:   map[string]bool{},
	}
}

// FailServer scripts an explicit launch failure for the given server.
func (s *StubService) FailServer(serverID, msg string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.failServers[serverID] = msg
}

// UnhealthyServer scripts a launch that succeeds but whose resource
// never reaches a running state.
func (s *StubService) UnhealthyServer(serverID string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.unhealthy[serverID] = true
}

// FailNextSubmits makes the next n SubmitJob calls return a transient
// error.
func (s *StubService) FailNextSubmits(n int) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.submitErrs = n
}

// SubmitJob implements recoveryservice.Client. Requests carrying a
// token already seen return the original job, like the real service's
// dedupe behavior.
func (s *StubService) SubmitJob(ctx context.Context, req recoveryservice.SubmitRequest) (string, error) {
	if s.OnSubmit != nil {
		s.OnSubmit(ctx)
	}
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.submitErrs > 0 {
		s.submitErrs--
		return "", errors.New("stub: transient submit failure")
	}
	s.submissions = append(s.submissions, req)
	if jobUUID, ok := s.byToken[req.IdempotencyToken]; ok && req.IdempotencyToken != "" {
		return jobUUID, nil
	}
	job := &stubJob{
		uuid:    uuid.NewString(),
		servers: append([]string(nil), req.ServerIDs...),
	}
	s.jobs[job.uuid] = job
	if req.IdempotencyToken != "" {
		s.byToken[req.IdempotencyToken] = job.uuid
	}
	return job.uuid, nil
}

// DescribeJob implements recoveryservice.Client.
func (s *StubService) DescribeJob(ctx context.Context, jobUUID string) (recoveryservice.Job, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	job, ok := s.jobs[jobUUID]
	if !ok {
		return recoveryservice.Job{}, fmt.Errorf("stub: no such job %s", jobUUID)
	}
	job.describes++
	threshold := s.PollsToComplete
	if threshold == 0 {
		threshold = 2
	}
	out := recoveryservice.Job{UUID: jobUUID}
	allDone, anyLaunched := true, false
	for _, id := range job.servers {
		sl := recoveryservice.ServerLaunch{ServerID: id}
		switch {
		case job.describes < threshold:
			sl.Status = recoveryservice.LaunchInProgress
			allDone = false
		case s.failServers[id] != "":
			sl.Status = recoveryservice.LaunchFailed
			sl.Error = s.failServers[id]
		default:
			sl.Status = recoveryservice.LaunchLaunched
			sl.ResourceID = "res-" + id
			anyLaunched = true
		}
		out.Servers = append(out.Servers, sl)
	}
	switch {
	case !allDone:
		out.Status = recoveryservice.JobInProgress
	case anyLaunched:
		out.Status = recoveryservice.JobCompleted
	default:
		out.Status = recoveryservice.JobFailed
	}
	return out, nil
}

// DescribeResource implements recoveryservice.Client.
func (s *StubService) DescribeResource(ctx context.Context, resourceID string) (recoveryservice.Resource, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	state := recoveryservice.ResourceRunning
	if s.unhealthy[resourceID[len("res-"):]] {
		state = "Stopped"
	}
	return recoveryservice.Resource{ID: resourceID, RuntimeState: state}, nil
}

// TerminateResources implements recoveryservice.Client.
func (s *StubService) TerminateResources(ctx context.Context, resourceIDs []string) (string, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.terminations = append(s.terminations, append([]string(nil), resourceIDs...))
	return uuid.NewString(), nil
}

// SubmitCount returns how many submitted jobs included the given
// server, counting deduped resubmissions once.
func (s *StubService) SubmitCount(serverID string) int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	n := 0
	for _, job := range s.jobs {
		for _, id := range job.servers {
			if id == serverID {
				n++
			}
		}
	}
	return n
}

// Submissions returns every SubmitJob request seen, including ones
// deduped by token.
func (s *StubService) Submissions() []recoveryservice.SubmitRequest {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]recoveryservice.SubmitRequest(nil), s.submissions...)
}

// Terminations returns the resource-id sets passed to
// TerminateResources.
func (s *StubService) Terminations() [][]string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([][]string(nil), s.terminations...)
}
