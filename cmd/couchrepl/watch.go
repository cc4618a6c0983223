// Copyright 2025 KrakLabs
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	flag "github.com/spf13/pflag"

	"github.com/kraklabs/couchrepl/internal/errors"
	"github.com/kraklabs/couchrepl/internal/ui"
	"github.com/kraklabs/couchrepl/pkg/replicator"
)

const watchDebounce = 2 * time.Second

// runWatch executes the 'watch' CLI command: it watches
// .couchrepl/replication.yaml for changes and restarts the replication with
// the reloaded configuration on each change, debounced the same way
// cmd/cie's directory watcher debounces reindex triggers. Setting the
// config's cancel flag (e.g. via 'couchrepl cancel') and saving stops the
// watched run and exits instead of restarting it.
func runWatch(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	debug := fs.Bool("debug", false, "Enable debug logging")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: couchrepl watch [options]

Description:
  Watch .couchrepl/replication.yaml for edits and restart the replication
  with the reloaded configuration each time it changes. Useful for tuning
  worker counts or filters against a long-running replication without
  manually stopping and restarting the process.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	resolved := configPath
	if resolved == "" {
		found, err := findConfigFile()
		if err != nil {
			errors.FatalError(err, globals.JSON)
		}
		resolved = found
	}
	resolved, err := filepath.Abs(resolved)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		errors.FatalError(errors.NewInternalError(
			"Cannot start file watcher",
			err.Error(),
			"Check that inotify/kqueue resources are available on this system",
			err,
		), globals.JSON)
	}
	defer watcher.Close()

	watchDir := filepath.Dir(resolved)
	if err := watcher.Add(watchDir); err != nil {
		errors.FatalError(errors.NewInternalError(
			"Cannot watch configuration directory",
			fmt.Sprintf("Failed to watch %s", watchDir),
			"Check directory permissions",
			err,
		), globals.JSON)
	}

	logger := newLogger("", *debug)

	var runCancel context.CancelFunc
	var runDone chan struct{}
	stopRun := func() {
		if runCancel != nil {
			runCancel()
			<-runDone
			runCancel, runDone = nil, nil
		}
	}
	defer stopRun()

	reload := func() bool {
		cfg, err := LoadConfig(resolved)
		if err != nil {
			ui.Warningf("Reload failed, keeping previous run: %v", err)
			return true
		}
		stopRun()
		if cfg.Task.Cancel {
			ui.Info("Replication cancelled via configuration, stopping watch")
			return false
		}

		source, target := buildPeers(cfg, globals)
		uuid := ensureRepUUID(cfg, resolved, globals)
		ctrl := replicator.NewController(source, target, cfg.Task, uuid, logger)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		runCancel, runDone = cancel, done
		go func() {
			defer close(done)
			if _, err := ctrl.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error("replication.failed", "err", err)
			}
		}()
		ui.Successf("Replication (re)started with %s", resolved)
		return true
	}

	if !reload() {
		return
	}

	var debounceTimer *time.Timer
	var timerCh <-chan time.Time

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != resolved {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(watchDebounce)
			timerCh = debounceTimer.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("watch.fsnotify.error", "err", err)

		case <-timerCh:
			timerCh = nil
			if !reload() {
				return
			}
		}
	}
}
