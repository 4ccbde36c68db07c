// Copyright (C) The Ripcord Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package service

import (
	"context"
	"net/http"

	"github.com/ripcord-dr/ripcord/sdk/go/ctxlog"
	"github.com/ripcord-dr/ripcord/sdk/go/httpserver"
)

// ErrorHandler returns a Handler that reports itself as unhealthy and
// responds 500 to all requests. Used when a service cannot be set up
// from the given configuration.
func ErrorHandler(ctx context.Context, err error) Handler {
	ctxlog.FromContext(ctx).WithError(err).Error("unable to start service")
	return errorHandler{err}
}

type errorHandler struct {
	err error
}

func (eh errorHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	httpserver.Error(w, eh.err.Error(), http.StatusInternalServerError)
}

func (eh errorHandler) CheckHealth() error {
	return eh.err
}

func (eh errorHandler) Done() <-chan struct{} {
	return nil
}
