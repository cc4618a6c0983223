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
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/couchrepl/internal/errors"
	"github.com/kraklabs/couchrepl/internal/ui"
	"github.com/kraklabs/couchrepl/pkg/replicator"
)

// runReset executes the 'reset' CLI command, clearing the replication log
// document (_local/<rep_id>) on both peers (its session history and session
// id) so the next 'start' replicates from scratch.
func runReset(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	confirm := fs.Bool("yes", false, "Confirm the reset (required)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: couchrepl reset [options]

Description:
  WARNING: This is a destructive operation that clears the replication
  log (_local/<rep_id>) on both the source and target peers, discarding
  its checkpoint history.

  The next 'couchrepl start' will then have no checkpoint to resume from
  and will replicate every document from the beginning.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  couchrepl reset --yes

Notes:
  This only affects the replication log on the peers; it does not delete
  any documents. Configuration (.couchrepl/replication.yaml) is not touched.

`)
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if !*confirm {
		errors.FatalError(errors.NewInputError(
			"Confirmation required",
			"The --yes flag is required to confirm this destructive operation",
			"Run 'couchrepl reset --yes' to confirm that you want to delete the replication log",
		), false)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}

	source, target := buildPeers(cfg, globals)
	ctx := context.Background()

	repID, err := resolveRepID(ctx, cfg, source)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}

	deleteLog(ctx, "source", source, repID, globals)
	deleteLog(ctx, "target", target, repID, globals)

	ui.Success("Reset complete. The next 'couchrepl start' will replicate from the beginning.")
}

// resolveRepID returns the task's explicit rep_id, or derives it the same
// way the controller does at startup (§4.C).
func resolveRepID(ctx context.Context, cfg *Config, source replicator.Source) (string, error) {
	if cfg.Task.RepID != "" {
		return cfg.Task.RepID, nil
	}

	sourceInfo, err := replicator.NewPeerInfoFromConfig(cfg.Task.Source)
	if err != nil {
		return "", err
	}
	targetInfo, err := replicator.NewPeerInfoFromConfig(cfg.Task.Target)
	if err != nil {
		return "", err
	}

	filterCode := string(cfg.Task.Filter)
	if cfg.Task.Filter != "" && cfg.Task.Filter != replicator.FilterDocIDs && cfg.Task.Filter != replicator.FilterView {
		code, err := source.GetFilterFunctionCode(ctx, string(cfg.Task.Filter))
		if err == nil && code != "" {
			filterCode = code
		}
	}

	return replicator.ReplicationIDv3(cfg.RepUUID, sourceInfo, targetInfo, replicator.ReplicationIDOptions{
		Continuous:   cfg.Task.Continuous,
		CreateTarget: cfg.Task.CreateTarget,
		DocIDs:       cfg.Task.DocIDs,
		Filter:       filterCode,
		QueryParams:  replicator.SortedQueryParams(cfg.Task.QueryParams),
	})
}

func deleteLog(ctx context.Context, label string, peer replicator.Peer, repID string, globals GlobalFlags) {
	log, err := peer.GetReplicationLog(ctx, repID)
	if err != nil {
		errors.FatalError(errors.NewNetworkError(
			fmt.Sprintf("Cannot read %s replication log", label),
			fmt.Sprintf("Failed to fetch _local/%s", repID),
			"Check that the peer is reachable and the credentials in replication.yaml are correct",
			err,
		), globals.JSON)
	}
	if log.SessionID == "" {
		ui.Infof("No replication log found on %s, nothing to delete", label)
		return
	}

	log.History = nil
	log.SessionID = ""
	if _, err := peer.UpdateReplicationLog(ctx, repID, log); err != nil {
		errors.FatalError(errors.NewNetworkError(
			fmt.Sprintf("Cannot clear %s replication log", label),
			fmt.Sprintf("Failed to update _local/%s", repID),
			"Check that the peer is reachable and writable",
			err,
		), globals.JSON)
	}
	ui.Successf("Cleared replication log on %s", label)
}
