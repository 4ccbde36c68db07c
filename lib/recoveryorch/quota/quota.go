// Copyright (C) The Ripcord Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package quota gates job submission against the recovery service's
// ceilings: concurrent jobs, total servers in flight, and servers per
// job. A submission that would exceed a ceiling is deferred, never
// failed; quota pressure is transient and externally caused.
package quota

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Limits are the service-imposed ceilings.
type Limits struct {
	MaxActiveJobs    int
	MaxTotalServers  int
	MaxServersPerJob int
}

// Guard tracks in-flight jobs and their server counts. All methods
// are safe for concurrent use; under concurrent Reserve attempts the
// ceilings are never exceeded.
type Guard struct {
	limits Limits

	mtx      sync.Mutex
	jobs     map[string]int // jobUUID -> server count
	reserved map[*Reservation]int

	mJobsInFlight    prometheus.Gauge
	mServersInFlight prometheus.Gauge
	mDeferrals       prometheus.Counter
}

// A Reservation holds quota for one prospective job between Reserve
// and Confirm/Cancel.
type Reservation struct {
	guard   *Guard
	servers int
	done    bool
}

// NewGuard returns a Guard enforcing the given limits, with its
// gauges registered on reg (if non-nil).
func NewGuard(limits Limits, reg *prometheus.Registry) *Guard {
	g := &Guard{
		limits:   limits,
		jobs:     map[string]int{},
		reserved: map[*Reservation]int{},
	}
	g.registerMetrics(reg)
	return g
}

func (g *Guard) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	g.mJobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ripcord",
		Subsystem: "quota",
		Name:      "jobs_in_flight",
		Help:      "Number of recovery jobs currently counted against the job ceiling, including unconfirmed reservations.",
	})
	reg.MustRegister(g.mJobsInFlight)
	g.mServersInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ripcord",
		Subsystem: "quota",
		Name:      "servers_in_flight",
		Help:      "Total servers across in-flight recovery jobs.",
	})
	reg.MustRegister(g.mServersInFlight)
	g.mDeferrals = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ripcord",
		Subsystem: "quota",
		Name:      "deferrals_total",
		Help:      "Number of job submissions deferred because a ceiling would have been exceeded.",
	})
	reg.MustRegister(g.mDeferrals)
}

// BatchLimit returns the largest number of servers one job may carry.
func (g *Guard) BatchLimit() int {
	return g.limits.MaxServersPerJob
}

// Reserve claims quota for a job of n servers. It returns (nil,
// false) if any ceiling would be exceeded; the caller should retry
// after a backoff interval. The reservation counts against the
// ceilings until Confirm or Cancel.
func (g *Guard) Reserve(n int) (*Reservation, bool) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	if n > g.limits.MaxServersPerJob ||
		g.jobCountLocked()+1 > g.limits.MaxActiveJobs ||
		g.serverCountLocked()+n > g.limits.MaxTotalServers {
		g.mDeferrals.Inc()
		return nil, false
	}
	r := &Reservation{guard: g, servers: n}
	g.reserved[r] = n
	g.updateMetricsLocked()
	return r, true
}

// Confirm converts the reservation into a tracked in-flight job.
func (r *Reservation) Confirm(jobUUID string) {
	g := r.guard
	g.mtx.Lock()
	defer g.mtx.Unlock()
	if r.done {
		return
	}
	r.done = true
	delete(g.reserved, r)
	g.jobs[jobUUID] = r.servers
	g.updateMetricsLocked()
}

// Cancel releases a reservation whose submission never happened.
func (r *Reservation) Cancel() {
	g := r.guard
	g.mtx.Lock()
	defer g.mtx.Unlock()
	if r.done {
		return
	}
	r.done = true
	delete(g.reserved, r)
	g.updateMetricsLocked()
}

// Release stops counting a job that has reached a terminal status.
func (g *Guard) Release(jobUUID string) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	delete(g.jobs, jobUUID)
	g.updateMetricsLocked()
}

// Restore registers a job that was already in flight before this
// process started (checkpoint re-entry). Idempotent.
func (g *Guard) Restore(jobUUID string, servers int) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	g.jobs[jobUUID] = servers
	g.updateMetricsLocked()
}

// InFlight returns the current job and server counts.
func (g *Guard) InFlight() (jobs, servers int) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	return g.jobCountLocked(), g.serverCountLocked()
}

func (g *Guard) jobCountLocked() int {
	return len(g.jobs) + len(g.reserved)
}

func (g *Guard) serverCountLocked() int {
	n := 0
	for _, c := range g.jobs {
		n += c
	}
	for _, c := range g.reserved {
		n += c
	}
	return n
}

func (g *Guard) updateMetricsLocked() {
	g.mJobsInFlight.Set(float64(g.jobCountLocked()))
	g.mServersInFlight.Set(float64(g.serverCountLocked()))
}
