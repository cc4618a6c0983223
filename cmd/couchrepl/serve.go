// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/couchrepl/internal/errors"
	"github.com/kraklabs/couchrepl/internal/ui"
	"github.com/kraklabs/couchrepl/pkg/repmetrics"
	"github.com/kraklabs/couchrepl/pkg/replicator"
)

// runServe executes the 'serve' CLI command: it forces continuous=true,
// optionally exposes Prometheus metrics over HTTP, and runs until the
// process receives SIGINT/SIGTERM or the controller itself fails.
//
// Flags:
//   - --metrics-addr: HTTP listen address for Prometheus metrics (overrides replication.yaml)
//   - --debug: Enable debug logging
func runServe(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	metricsAddr := fs.String("metrics-addr", "", "HTTP listen address for Prometheus metrics (empty to use replication.yaml's metrics_addr)")
	debug := fs.Bool("debug", false, "Enable debug logging")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: couchrepl serve [options]

Description:
  Run the replication described by .couchrepl/replication.yaml
  continuously, following the source's change feed indefinitely (as if
  'continuous: true' were set), until interrupted.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  couchrepl serve
  couchrepl serve --metrics-addr :9090

`)
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	cfg.Task.Continuous = true
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	logger := newLogger(cfg.LogLevel, *debug)
	source, target := buildPeers(cfg, globals)
	uuid := ensureRepUUID(cfg, configPath, globals)
	ctrl := replicator.NewController(source, target, cfg.Task, uuid, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutdown.signal", "signal", sig.String())
		cancel()
	}()

	if cfg.MetricsAddr != "" {
		collector := repmetrics.NewCollector(prometheus.DefaultRegisterer)
		go serveMetrics(ctx, cfg.MetricsAddr, logger)
		go observeMetrics(ctx, ctrl, collector)
	}

	ui.Infof("Replicating continuously (rep_id derived at startup; see 'couchrepl status')")
	if _, err := ctrl.Run(ctx); err != nil && ctx.Err() == nil {
		errors.FatalError(errors.NewNetworkError(
			"Replication failed",
			err.Error(),
			"Check that both peers are reachable and re-run 'couchrepl serve' to resume from the last checkpoint",
			err,
		), globals.JSON)
	}
}

func serveMetrics(ctx context.Context, addr string, logger interface {
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
}) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics.http.start", "addr", addr, "path", "/metrics")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("metrics.http.error", "err", err)
	}
}

// observeMetrics periodically mirrors the controller's live state into the
// Prometheus collector until ctx is cancelled.
func observeMetrics(ctx context.Context, ctrl *replicator.Controller, collector *repmetrics.Collector) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if state, ok := ctrl.State(); ok {
				collector.Observe(state)
			}
		}
	}
}
