// Copyright (C) The Ripcord Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package auth provides HTTP request authentication helpers.
package auth

import (
	"net/http"
	"strings"
)

// RequireLiteralToken wraps an http.Handler, rejecting any request
// that does not supply the given token as a Bearer credential.
func RequireLiteralToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token == "" {
			http.Error(w, "management API authentication is not configured", http.StatusForbidden)
			return
		}
		hdr := r.Header.Get("Authorization")
		if !strings.HasPrefix(hdr, "Bearer ") {
			http.Error(w, "authorization header required", http.StatusUnauthorized)
			return
		}
		if strings.TrimPrefix(hdr, "Bearer ") != token {
			http.Error(w, "invalid token", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
