// Copyright (C) The Ripcord Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package recoveryorch

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ripcord-dr/ripcord/lib/execstore"
	"github.com/ripcord-dr/ripcord/lib/recoveryservice"
	"github.com/ripcord-dr/ripcord/lib/service"
	"github.com/ripcord-dr/ripcord/sdk/go/ctxlog"
	"github.com/ripcord-dr/ripcord/sdk/go/ripcord"
)

// Command runs the orchestrator service.
var Command = service.Command("ripcord-orchestrator", newHandler)

func newHandler(ctx context.Context, cfg *ripcord.Config, reg *prometheus.Registry) service.Handler {
	logger := ctxlog.FromContext(ctx)
	store, err := execstore.New(ctx, cfg.PostgreSQL.Connection.String(), cfg.PostgreSQL.ConnectionPool)
	if err != nil {
		return service.ErrorHandler(ctx, err)
	}
	plans, err := execstore.NewPlans(store, cfg.Orchestrator.PlanCacheSize)
	if err != nil {
		return service.ErrorHandler(ctx, err)
	}
	client := recoveryservice.NewAPIClient(cfg.RecoveryService.BaseURL, cfg.RecoveryService.AuthToken, logger)
	orch := &Orchestrator{
		Config:   cfg,
		Context:  ctx,
		Registry: reg,
		Store:    store,
		Plans:    plans,
		Client:   client,
	}
	orch.Start()
	return orch
}
