// Copyright (C) The Ripcord Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package service provides a cmd.Handler that brings up an HTTP
// server wrapped around an application handler: config loading,
// logging setup, systemd readiness notification, and graceful
// shutdown.
package service

import (
	"context"
	"flag"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/ripcord-dr/ripcord/lib/cmd"
	"github.com/ripcord-dr/ripcord/sdk/go/config"
	"github.com/ripcord-dr/ripcord/sdk/go/ctxlog"
	"github.com/ripcord-dr/ripcord/sdk/go/ripcord"
	"github.com/sirupsen/logrus"
)

// A Handler is the application side of a service: an HTTP handler
// plus lifecycle hooks.
type Handler interface {
	http.Handler
	// CheckHealth returns nil if the handler is ready to serve.
	CheckHealth() error
	// Done returns a closed channel once the handler has stopped
	// on its own (nil channel means it never stops on its own).
	Done() <-chan struct{}
}

// NewHandlerFunc creates the application handler once the
// configuration is loaded. The returned handler's CheckHealth is
// consulted before announcing readiness.
type NewHandlerFunc func(ctx context.Context, cfg *ripcord.Config, reg *prometheus.Registry) Handler

type command struct {
	newHandler NewHandlerFunc
	svcName    string
}

// Command returns a cmd.Handler that runs a service with the given
// application handler constructor.
func Command(svcName string, newHandler NewHandlerFunc) cmd.Handler {
	return &command{
		newHandler: newHandler,
		svcName:    svcName,
	}
}

func (c *command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	logger := ctxlog.New(stderr, "json", "info")
	defer func() {
		if err := recover(); err != nil {
			logger.Errorf("%s: panic: %v", prog, err)
		}
	}()

	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	configFile := flags.String("config", config.DefaultConfigFile, "site configuration `file`")
	listen := flags.String("listen", "", "override the Listen address from the configuration file")
	if ok, code := cmd.ParseFlags(flags, prog, args, stderr); !ok {
		return code
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.WithError(err).Error("error loading configuration")
		return 1
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	logger = ctxlog.New(stderr, cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := context.WithCancel(ctxlog.Context(context.Background(), logger))
	defer cancel()

	reg := prometheus.NewRegistry()
	handler := c.newHandler(ctx, cfg, reg)
	if err := handler.CheckHealth(); err != nil {
		logger.WithError(err).Error("error in CheckHealth")
		return 1
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		logger.WithError(err).Error("error listening")
		return 1
	}
	srv := &http.Server{
		Handler:     handler,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errServe := make(chan error, 1)
	go func() {
		errServe <- srv.Serve(ln)
	}()
	logger.WithFields(logrus.Fields{
		"Service": c.svcName,
		"Listen":  ln.Addr().String(),
	}).Info("listening")
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Debug("error notifying init daemon")
	}

	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigch)

	select {
	case err := <-errServe:
		if err != http.ErrServerClosed {
			logger.WithError(err).Error("error serving")
			return 1
		}
	case sig := <-sigch:
		logger.WithField("Signal", sig).Info("shutting down")
	case <-handler.Done():
		logger.Info("handler stopped, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Minute)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("error during shutdown")
	}
	cancel()
	if closer, ok := handler.(interface{ Close() }); ok {
		closer.Close()
	}
	return 0
}
