// Copyright (C) The Ripcord Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package recoveryservice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ripcord-dr/ripcord/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&ClientSuite{})

type ClientSuite struct{}

func (s *ClientSuite) client(c *check.C, srv *httptest.Server) *APIClient {
	client := NewAPIClient(srv.URL, "tok", ctxlog.TestLogger(c))
	client.retrying.RetryWaitMin = time.Millisecond
	client.retrying.RetryWaitMax = 10 * time.Millisecond
	return client
}

func (s *ClientSuite) TestSubmitJob(c *check.C) {
	var got SubmitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.Check(r.Method, check.Equals, "POST")
		c.Check(r.URL.Path, check.Equals, "/v1/jobs")
		c.Check(r.Header.Get("Authorization"), check.Equals, "Bearer tok")
		c.Check(json.NewDecoder(r.Body).Decode(&got), check.IsNil)
		json.NewEncoder(w).Encode(map[string]string{"uuid": "job-1"})
	}))
	defer srv.Close()

	uuid, err := s.client(c, srv).SubmitJob(context.Background(), SubmitRequest{
		ServerIDs:        []string{"s1", "s2"},
		Drill:            true,
		IdempotencyToken: "tok-1",
	})
	c.Assert(err, check.IsNil)
	c.Check(uuid, check.Equals, "job-1")
	c.Check(got.ServerIDs, check.DeepEquals, []string{"s1", "s2"})
	c.Check(got.Drill, check.Equals, true)
	c.Check(got.IdempotencyToken, check.Equals, "tok-1")
}

func (s *ClientSuite) TestSubmitJobNotRetried(c *check.C) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := s.client(c, srv).SubmitJob(context.Background(), SubmitRequest{ServerIDs: []string{"s1"}})
	c.Check(err, check.ErrorMatches, `submit job: recovery service returned 500.*`)
	// A failed submission is never retried under the covers; only
	// the caller may resubmit, with the same idempotency token.
	c.Check(calls.Load(), check.Equals, int32(1))
}

func (s *ClientSuite) TestDescribeJobRetries(c *check.C) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		c.Check(r.URL.Path, check.Equals, "/v1/jobs/job-1")
		json.NewEncoder(w).Encode(Job{
			UUID:   "job-1",
			Status: JobInProgress,
			Servers: []ServerLaunch{
				{ServerID: "s1", Status: LaunchInProgress},
			},
		})
	}))
	defer srv.Close()

	job, err := s.client(c, srv).DescribeJob(context.Background(), "job-1")
	c.Assert(err, check.IsNil)
	c.Check(job.Status, check.Equals, JobInProgress)
	c.Check(job.Servers, check.HasLen, 1)
	c.Check(calls.Load(), check.Equals, int32(3))
}

func (s *ClientSuite) TestDescribeResource(c *check.C) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.Check(r.URL.Path, check.Equals, "/v1/resources/res-1")
		json.NewEncoder(w).Encode(Resource{ID: "res-1", RuntimeState: ResourceRunning})
	}))
	defer srv.Close()

	res, err := s.client(c, srv).DescribeResource(context.Background(), "res-1")
	c.Assert(err, check.IsNil)
	c.Check(res.RuntimeState, check.Equals, ResourceRunning)
}

func (s *ClientSuite) TestTerminateResources(c *check.C) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.Check(r.Method, check.Equals, "POST")
		c.Check(r.URL.Path, check.Equals, "/v1/terminations")
		var req struct {
			ResourceIDs []string `json:"resource_ids"`
		}
		c.Check(json.NewDecoder(r.Body).Decode(&req), check.IsNil)
		c.Check(req.ResourceIDs, check.DeepEquals, []string{"res-1", "res-2"})
		json.NewEncoder(w).Encode(map[string]string{"uuid": "term-1"})
	}))
	defer srv.Close()

	uuid, err := s.client(c, srv).TerminateResources(context.Background(), []string{"res-1", "res-2"})
	c.Assert(err, check.IsNil)
	c.Check(uuid, check.Equals, "term-1")
}
