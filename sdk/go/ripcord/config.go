// Copyright (C) The Ripcord Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ripcord

import (
	"strings"
	"time"
)

// PostgreSQLConnection is a set of lib/pq connection parameters
// (host, port, dbname, user, password, sslmode, ...).
type PostgreSQLConnection map[string]string

// String assembles the parameters into a lib/pq connection string.
func (c PostgreSQLConnection) String() string {
	s := ""
	for k, v := range c {
		if v == "" {
			continue
		}
		s += strings.ToLower(k)
		s += "='"
		s += strings.Replace(
			strings.Replace(v, `\`, `\\`, -1),
			`'`, `\'`, -1)
		s += "' "
	}
	return s
}

// RecoveryServiceConfig locates the external disaster-recovery API
// and carries the quota ceilings it imposes.
type RecoveryServiceConfig struct {
	BaseURL   string
	AuthToken string

	// Service-imposed ceilings. A submission that would exceed any
	// of these is deferred, never failed.
	MaxActiveJobs    int
	MaxTotalServers  int
	MaxServersPerJob int
}

// OrchestratorConfig tunes the execution controller.
type OrchestratorConfig struct {
	// Interval between describeJob polls while waiting for the
	// external service.
	PollInterval Duration

	// A server that has not reached a terminal state this long
	// after job submission is failed (that server only).
	ServerLaunchTimeout Duration

	// An execution that makes no observable progress for this long
	// is failed with a stalled-execution error.
	StallTimeout Duration

	// How long to wait before re-attempting a submission deferred
	// by a quota ceiling.
	QuotaRetryInterval Duration

	// Wall-clock budget for one controller invocation. When the
	// remaining budget drops below BudgetSafetyMargin, the
	// controller checkpoints and re-enters in a fresh invocation
	// instead of attempting another poll. Zero means no budget.
	InvocationBudget   Duration
	BudgetSafetyMargin Duration

	// Terminal executions' history rows older than this are
	// eligible for the sweep. Zero disables sweeping.
	HistoryRetention Duration

	// Cached plan definitions kept in memory.
	PlanCacheSize int
}

// Config is the root of the service's YAML configuration file.
type Config struct {
	Listen          string
	ManagementToken string

	LogLevel  string
	LogFormat string

	PostgreSQL struct {
		Connection     PostgreSQLConnection
		ConnectionPool int
	}

	RecoveryService RecoveryServiceConfig
	Orchestrator    OrchestratorConfig
}

// SetDefaults fills in zero-valued tunables. Called by the config
// loader after parsing, so a minimal config file works.
func (cfg *Config) SetDefaults() {
	if cfg.Listen == "" {
		cfg.Listen = ":9440"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.RecoveryService.MaxActiveJobs == 0 {
		cfg.RecoveryService.MaxActiveJobs = 20
	}
	if cfg.RecoveryService.MaxTotalServers == 0 {
		cfg.RecoveryService.MaxTotalServers = 200
	}
	if cfg.RecoveryService.MaxServersPerJob == 0 {
		cfg.RecoveryService.MaxServersPerJob = 10
	}
	orch := &cfg.Orchestrator
	if orch.PollInterval == 0 {
		orch.PollInterval = Duration(30 * time.Second)
	}
	if orch.ServerLaunchTimeout == 0 {
		orch.ServerLaunchTimeout = Duration(2 * time.Hour)
	}
	if orch.StallTimeout == 0 {
		orch.StallTimeout = Duration(4 * time.Hour)
	}
	if orch.QuotaRetryInterval == 0 {
		orch.QuotaRetryInterval = Duration(time.Minute)
	}
	if orch.BudgetSafetyMargin == 0 {
		orch.BudgetSafetyMargin = Duration(30 * time.Second)
	}
	if orch.HistoryRetention == 0 {
		orch.HistoryRetention = Duration(90 * 24 * time.Hour)
	}
	if orch.PlanCacheSize == 0 {
		orch.PlanCacheSize = 256
	}
}
