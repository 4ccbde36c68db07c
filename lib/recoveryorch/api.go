// Copyright (C) The Ripcord Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package recoveryorch

import (
	"encoding/json"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/ripcord-dr/ripcord/sdk/go/httpserver"
	"github.com/ripcord-dr/ripcord/sdk/go/ripcord"
)

func (orch *Orchestrator) apiStartExecution(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlanUUID  string                `json:"plan_uuid"`
		Kind      ripcord.ExecutionKind `json:"kind"`
		Initiator string                `json:"initiator"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	ex, err := orch.StartExecution(r.Context(), req.PlanUUID, req.Kind, req.Initiator)
	if err != nil {
		httpserver.Error(w, err.Error(), httpserver.ErrorStatus(err))
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(ex)
}

func (orch *Orchestrator) apiListExecutions(w http.ResponseWriter, r *http.Request) {
	exs, err := orch.Store.ListExecutions(r.Context())
	if err != nil {
		httpserver.Error(w, err.Error(), httpserver.ErrorStatus(err))
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"items": exs})
}

func (orch *Orchestrator) apiGetExecution(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	ex, err := orch.GetExecution(r.Context(), params.ByName("uuid"))
	if err != nil {
		httpserver.Error(w, err.Error(), httpserver.ErrorStatus(err))
		return
	}
	json.NewEncoder(w).Encode(ex)
}

func (orch *Orchestrator) apiPauseExecution(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	err := orch.PauseExecution(r.Context(), params.ByName("uuid"))
	if err != nil {
		httpserver.Error(w, err.Error(), httpserver.ErrorStatus(err))
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"pause": "requested"})
}

func (orch *Orchestrator) apiResumeExecution(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var req struct {
		ResumeToken string `json:"resume_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	err := orch.ResumeExecution(r.Context(), params.ByName("uuid"), req.ResumeToken)
	if err != nil {
		httpserver.Error(w, err.Error(), httpserver.ErrorStatus(err))
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"resume": "ok"})
}

func (orch *Orchestrator) apiCancelExecution(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	err := orch.CancelExecution(r.Context(), params.ByName("uuid"))
	if err != nil {
		httpserver.Error(w, err.Error(), httpserver.ErrorStatus(err))
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"cancel": "requested"})
}

func (orch *Orchestrator) apiPreflightPlan(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	res, err := orch.PreflightPlan(r.Context(), params.ByName("uuid"))
	if err != nil {
		httpserver.Error(w, err.Error(), httpserver.ErrorStatus(err))
		return
	}
	json.NewEncoder(w).Encode(res)
}

func (orch *Orchestrator) apiTerminateResources(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ResourceIDs []string `json:"resource_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpserver.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.ResourceIDs) == 0 {
		httpserver.Error(w, "resource_ids is empty", http.StatusBadRequest)
		return
	}
	jobUUID, err := orch.TerminateLaunchedResources(r.Context(), req.ResourceIDs)
	if err != nil {
		httpserver.Error(w, err.Error(), httpserver.ErrorStatus(err))
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"termination_job_uuid": jobUUID})
}
