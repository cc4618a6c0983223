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
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/couchrepl/internal/errors"
	"github.com/kraklabs/couchrepl/internal/ui"
	"github.com/kraklabs/couchrepl/pkg/couchpeer"
	"github.com/kraklabs/couchrepl/pkg/replicator"
)

// runStart executes the 'start' CLI command: it runs one replication pass
// to completion (or, when replication.yaml sets continuous, until
// interrupted) and exits.
//
// Flags:
//   - --full: Ignore any prior checkpoint and replicate from the beginning
//   - --debug: Enable debug logging
func runStart(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	full := fs.Bool("full", false, "Ignore any prior checkpoint and replicate from the beginning")
	debug := fs.Bool("debug", false, "Enable debug logging")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: couchrepl start [options]

Description:
  Run the replication described by .couchrepl/replication.yaml. By
  default this resumes from the last recorded checkpoint; with --full it
  starts over from the beginning regardless of any checkpoint found on
  either peer.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  couchrepl start
  couchrepl start --full
  couchrepl start --debug

`)
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	if *full {
		cfg.Task.SinceSeq = float64(0)
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

	var progressDone chan struct{}
	stopProgress := func() {}
	if NewProgressConfig(globals).Enabled {
		progressDone = make(chan struct{})
		stopCh := make(chan struct{})
		stopProgress = func() { close(stopCh) }
		go runProgress(ctrl, stopCh, progressDone, globals)
	}

	state, runErr := ctrl.Run(ctx)
	stopProgress()
	if progressDone != nil {
		<-progressDone
	}

	if runErr != nil {
		errors.FatalError(errors.NewNetworkError(
			"Replication failed",
			runErr.Error(),
			"Check that both peers are reachable and re-run 'couchrepl start' to resume from the last checkpoint",
			runErr,
		), globals.JSON)
	}

	printStartResult(state, globals)
}

// runProgress polls the controller's live state and renders a docs-written
// progress bar until stopCh closes, then does one final render and exits.
func runProgress(ctrl *replicator.Controller, stopCh <-chan struct{}, done chan<- struct{}, globals GlobalFlags) {
	defer close(done)
	bar := NewProgressBar(NewProgressConfig(globals), -1, "Replicating")
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	render := func() {
		if state, ok := ctrl.State(); ok {
			_ = bar.Set64(state.Stats.DocsWritten)
		}
	}
	for {
		select {
		case <-stopCh:
			render()
			_ = bar.Finish()
			return
		case <-ticker.C:
			render()
		}
	}
}

func newLogger(level string, debug bool) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	if debug {
		lvl = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func buildPeers(cfg *Config, globals GlobalFlags) (replicator.Source, replicator.Target) {
	sourceInfo, err := replicator.NewPeerInfoFromConfig(cfg.Task.Source)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	targetInfo, err := replicator.NewPeerInfoFromConfig(cfg.Task.Target)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}
	return couchpeer.New(sourceInfo, nil), couchpeer.New(targetInfo, nil)
}

// ensureRepUUID returns the configured replicator uuid, generating and
// persisting one on first use. The uuid folds into the replication id
// (§4.C), so it must stay stable across runs of the same installation.
func ensureRepUUID(cfg *Config, configPath string, globals GlobalFlags) string {
	if cfg.RepUUID != "" {
		return cfg.RepUUID
	}
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	cfg.RepUUID = hex.EncodeToString(buf)

	resolved := configPath
	if resolved == "" {
		if found, err := findConfigFile(); err == nil {
			resolved = found
		}
	}
	if resolved != "" {
		if err := SaveConfig(cfg, resolved); err != nil {
			ui.Warningf("Could not persist generated rep_uuid: %v", err)
		}
	}
	return cfg.RepUUID
}

func printStartResult(state replicator.ReplicationState, globals GlobalFlags) {
	if globals.JSON {
		outputStateJSON(state)
		return
	}
	ui.Header("Replication complete")
	fmt.Printf("%s  %s\n", ui.Label("Replication ID:"), state.RepID)
	fmt.Printf("%s     %v\n", ui.Label("Through seq:"), state.CurrentThroughSeq.ID)
	fmt.Println()
	ui.SubHeader("Stats:")
	fmt.Printf("  Missing checked:    %s\n", ui.CountText(int(state.Stats.MissingChecked)))
	fmt.Printf("  Missing found:      %s\n", ui.CountText(int(state.Stats.MissingFound)))
	fmt.Printf("  Docs read:          %s\n", ui.CountText(int(state.Stats.DocsRead)))
	fmt.Printf("  Docs written:       %s\n", ui.CountText(int(state.Stats.DocsWritten)))
	fmt.Printf("  Doc write failures: %s\n", ui.CountText(int(state.Stats.DocWriteFailures)))
}
