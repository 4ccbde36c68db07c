// Copyright (C) The Ripcord Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package httpserver contains helpers shared by the service's HTTP
// handlers.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ripcord-dr/ripcord/sdk/go/ripcord"
)

// ErrorResponse is the JSON body sent with any non-2xx response.
type ErrorResponse struct {
	Errors []string `json:"errors"`
}

// Error sends a JSON error response with the given status.
func Error(w http.ResponseWriter, error string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{Errors: []string{error}})
}

// ErrorStatus maps an orchestrator error to an HTTP status code.
func ErrorStatus(err error) int {
	var confl *ripcord.ConflictError
	switch {
	case errors.Is(err, ripcord.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ripcord.ErrWrongState),
		errors.Is(err, ripcord.ErrStaleResumeToken),
		errors.Is(err, ripcord.ErrPlanBusy),
		errors.As(err, &confl):
		return http.StatusConflict
	case errors.Is(err, ripcord.ErrInvalidPlan):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ripcord.ErrVersionConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
