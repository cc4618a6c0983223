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
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/couchrepl/internal/errors"
	"github.com/kraklabs/couchrepl/internal/ui"
)

// runCancel executes the 'cancel' CLI command. A continuous replication
// has no separate daemon to signal; this command's job is to flip
// replication.yaml's cancel flag so that a running 'watch' process
// (cmd/couchrepl/watch.go) re-reads the file and stops its replication. The
// flag is subject to the cancel/rep_id requirement of §3's
// ReplicationTask.Validate.
//
// 'couchrepl serve' does not re-read replication.yaml; to stop a 'serve'
// process, send it SIGTERM or SIGINT directly.
func runCancel(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: couchrepl cancel [options]

Description:
  Mark the replication described by .couchrepl/replication.yaml as
  cancelled. A 'couchrepl watch' process monitoring the same file will
  reload and stop the running replication; a 'couchrepl serve' process
  running in the foreground should instead be sent SIGINT/SIGTERM.

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

	cfg, err := LoadConfig(resolved)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}

	if cfg.Task.RepID == "" {
		errors.FatalError(errors.NewConfigError(
			"Cannot cancel without a rep_id",
			"replication.yaml has no rep_id set",
			"Run 'couchrepl status' once to see the derived replication id, then set rep_id in replication.yaml",
			nil,
		), globals.JSON)
	}

	cfg.Task.Cancel = true
	if err := SaveConfig(cfg, resolved); err != nil {
		errors.FatalError(err, globals.JSON)
	}

	ui.Successf("Marked replication %s for cancellation in %s", cfg.Task.RepID, resolved)
}
