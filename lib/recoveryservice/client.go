// Copyright (C) The Ripcord Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package recoveryservice is a thin adapter over the external
// disaster-recovery API: start a recovery job, describe it, describe
// a launched resource, terminate launched resources.
package recoveryservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// JobStatus is the external job's overall status.
type JobStatus string

const (
	JobPending    JobStatus = "Pending"
	JobInProgress JobStatus = "InProgress"
	JobCompleted  JobStatus = "Completed"
	JobFailed     JobStatus = "Failed"
)

// LaunchStatus is the per-server status reported by describeJob.
type LaunchStatus string

const (
	LaunchPending    LaunchStatus = "Pending"
	LaunchInProgress LaunchStatus = "InProgress"
	LaunchLaunched   LaunchStatus = "Launched"
	LaunchFailed     LaunchStatus = "Failed"
)

// ServerLaunch is one server's progress within a job.
type ServerLaunch struct {
	ServerID   string       `json:"server_id"`
	Status     LaunchStatus `json:"status"`
	ResourceID string       `json:"resource_id,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// Job is the describeJob response.
type Job struct {
	UUID    string         `json:"uuid"`
	Status  JobStatus      `json:"status"`
	Servers []ServerLaunch `json:"servers"`
}

// Resource is the describeLaunchedResource response.
type Resource struct {
	ID           string `json:"id"`
	RuntimeState string `json:"runtime_state"`
}

// ResourceRunning is the runtime state a healthy launched resource
// reports.
const ResourceRunning = "Running"

// SubmitRequest asks the service to launch the given servers as one
// asynchronous job. IdempotencyToken must be minted (and persisted)
// by the caller before the first attempt; resubmitting with the same
// token returns the originally created job instead of a duplicate.
type SubmitRequest struct {
	ServerIDs        []string `json:"server_ids"`
	Drill            bool     `json:"drill"`
	IdempotencyToken string   `json:"idempotency_token"`
}

// Client is the narrow interface the orchestrator consumes.
// Implemented by APIClient and by test stubs.
type Client interface {
	SubmitJob(ctx context.Context, req SubmitRequest) (jobUUID string, err error)
	DescribeJob(ctx context.Context, jobUUID string) (Job, error)
	DescribeResource(ctx context.Context, resourceID string) (Resource, error)
	TerminateResources(ctx context.Context, resourceIDs []string) (jobUUID string, err error)
}

// APIClient talks to the recovery service over HTTP. Describe and
// terminate calls are retried with exponential backoff on transient
// failure. SubmitJob is never retried blindly; the idempotency token
// makes a deliberate resubmission by the caller safe instead.
type APIClient struct {
	BaseURL   string
	AuthToken string

	retrying *retryablehttp.Client
	oneshot  *http.Client
}

// NewAPIClient returns a client for the service at baseURL.
func NewAPIClient(baseURL, token string, logger logrus.FieldLogger) *APIClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 5
	rc.RetryWaitMin = time.Second
	rc.RetryWaitMax = 30 * time.Second
	rc.Logger = nil
	if logger != nil {
		rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
			if attempt > 0 {
				logger.WithFields(logrus.Fields{
					"URL":     req.URL.Path,
					"Attempt": attempt,
				}).Info("retrying recovery service call")
			}
		}
	}
	return &APIClient{
		BaseURL:   baseURL,
		AuthToken: token,
		retrying:  rc,
		oneshot:   &http.Client{Timeout: time.Minute},
	}
}

// SubmitJob implements Client.
func (c *APIClient) SubmitJob(ctx context.Context, req SubmitRequest) (string, error) {
	var resp struct {
		UUID string `json:"uuid"`
	}
	err := c.post(ctx, "/v1/jobs", req, &resp)
	if err != nil {
		return "", fmt.Errorf("submit job: %w", err)
	}
	return resp.UUID, nil
}

// DescribeJob implements Client.
func (c *APIClient) DescribeJob(ctx context.Context, jobUUID string) (Job, error) {
	var job Job
	err := c.get(ctx, "/v1/jobs/"+jobUUID, &job)
	if err != nil {
		return Job{}, fmt.Errorf("describe job %s: %w", jobUUID, err)
	}
	return job, nil
}

// DescribeResource implements Client.
func (c *APIClient) DescribeResource(ctx context.Context, resourceID string) (Resource, error) {
	var res Resource
	err := c.get(ctx, "/v1/resources/"+resourceID, &res)
	if err != nil {
		return Resource{}, fmt.Errorf("describe resource %s: %w", resourceID, err)
	}
	return res, nil
}

// TerminateResources implements Client.
func (c *APIClient) TerminateResources(ctx context.Context, resourceIDs []string) (string, error) {
	req := struct {
		ResourceIDs []string `json:"resource_ids"`
	}{resourceIDs}
	var resp struct {
		UUID string `json:"uuid"`
	}
	buf, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	rreq, err := retryablehttp.NewRequestWithContext(ctx, "POST", c.BaseURL+"/v1/terminations", buf)
	if err != nil {
		return "", err
	}
	rreq.Header.Set("Content-Type", "application/json")
	rreq.Header.Set("Authorization", "Bearer "+c.AuthToken)
	hresp, err := c.retrying.Do(rreq)
	if err != nil {
		return "", fmt.Errorf("terminate resources: %w", err)
	}
	defer hresp.Body.Close()
	err = decode(hresp, &resp)
	if err != nil {
		return "", fmt.Errorf("terminate resources: %w", err)
	}
	return resp.UUID, nil
}

func (c *APIClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	resp, err := c.retrying.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decode(resp, out)
}

// post sends a single, non-retried request.
func (c *APIClient) post(ctx context.Context, path string, in, out interface{}) error {
	buf, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.AuthToken)
	resp, err := c.oneshot.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decode(resp, out)
}

func decode(resp *http.Response, out interface{}) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("recovery service returned %s: %q", resp.Status, body)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
