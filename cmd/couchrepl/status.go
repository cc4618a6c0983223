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
	"encoding/json"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/couchrepl/internal/errors"
	"github.com/kraklabs/couchrepl/internal/ui"
	"github.com/kraklabs/couchrepl/pkg/replicator"
)

// statusResult is the JSON shape for 'couchrepl status'.
type statusResult struct {
	RepID             string `json:"rep_id"`
	SessionID         string `json:"session_id"`
	CommittedSeq      string `json:"committed_seq"`
	SourceUpdateSeq   string `json:"source_update_seq"`
	MissingChecked    int64  `json:"missing_checked"`
	MissingFound      int64  `json:"missing_found"`
	DocsRead          int64  `json:"docs_read"`
	DocsWritten       int64  `json:"docs_written"`
	DocWriteFailures  int64  `json:"doc_write_failures"`
	Found             bool   `json:"found"`
}

// runStatus executes the 'status' CLI command: it derives the replication
// id from replication.yaml and fetches the replication log from the target
// peer, the same record the checkpoint loop itself writes (§3, §6.1).
//
// Flags:
//   - --json: Output results as JSON
func runStatus(args []string, configPath string, globals GlobalFlags) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: couchrepl status [options]

Description:
  Show the last known state of the replication described by
  .couchrepl/replication.yaml, read back from the target's replication log.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		errors.FatalError(err, globals.JSON)
	}

	source, target := buildPeers(cfg, globals)
	uuid := cfg.RepUUID

	repID := cfg.Task.RepID
	if repID == "" {
		sourceInfo, err := replicator.NewPeerInfoFromConfig(cfg.Task.Source)
		if err != nil {
			errors.FatalError(err, globals.JSON)
		}
		targetInfo, err := replicator.NewPeerInfoFromConfig(cfg.Task.Target)
		if err != nil {
			errors.FatalError(err, globals.JSON)
		}
		filterCode := string(cfg.Task.Filter)
		ctx := context.Background()
		if cfg.Task.Filter != "" && cfg.Task.Filter != replicator.FilterDocIDs && cfg.Task.Filter != replicator.FilterView {
			code, err := source.GetFilterFunctionCode(ctx, string(cfg.Task.Filter))
			if err == nil && code != "" {
				filterCode = code
			}
		}
		repID, err = replicator.ReplicationIDv3(uuid, sourceInfo, targetInfo, replicator.ReplicationIDOptions{
			Continuous:   cfg.Task.Continuous,
			CreateTarget: cfg.Task.CreateTarget,
			DocIDs:       cfg.Task.DocIDs,
			Filter:       filterCode,
			QueryParams:  replicator.SortedQueryParams(cfg.Task.QueryParams),
		})
		if err != nil {
			errors.FatalError(err, globals.JSON)
		}
	}

	ctx := context.Background()
	log, err := target.GetReplicationLog(ctx, repID)
	if err != nil {
		errors.FatalError(errors.NewNetworkError(
			"Cannot read replication log",
			fmt.Sprintf("Failed to fetch _local/%s from the target", repID),
			"Check that the target is reachable and the credentials in replication.yaml are correct",
			err,
		), globals.JSON)
	}

	sourceInfoResult, _ := source.Info(ctx)

	result := statusResult{
		RepID:           repID,
		SessionID:       log.SessionID,
		CommittedSeq:    fmt.Sprintf("%v", log.SourceLastSeq),
		SourceUpdateSeq: fmt.Sprintf("%v", sourceInfoResult.UpdateSeq),
		Found:           log.SessionID != "",
	}
	if len(log.History) > 0 {
		h := log.History[0]
		result.MissingChecked = h.MissingChecked
		result.MissingFound = h.MissingFound
		result.DocsRead = h.DocsRead
		result.DocsWritten = h.DocsWritten
		result.DocWriteFailures = h.DocWriteFailures
	}

	if globals.JSON {
		outputJSON(result)
		return
	}
	printStatus(result)
}

func printStatus(result statusResult) {
	ui.Header("Replication Status")
	fmt.Printf("%s  %s\n", ui.Label("Replication ID:"), result.RepID)

	if !result.Found {
		fmt.Println()
		ui.Warning("No replication log found on the target yet.")
		ui.Info("Run 'couchrepl start' to begin replicating.")
		return
	}

	fmt.Printf("%s     %s\n", ui.Label("Session ID:"), result.SessionID)
	fmt.Printf("%s  %s\n", ui.Label("Committed seq:"), ui.DimText(result.CommittedSeq))
	fmt.Printf("%s  %s\n", ui.Label("Source seq:"), ui.DimText(result.SourceUpdateSeq))
	fmt.Println()

	ui.SubHeader("Session totals at last checkpoint:")
	fmt.Printf("  Missing checked:    %s\n", ui.CountText(int(result.MissingChecked)))
	fmt.Printf("  Missing found:      %s\n", ui.CountText(int(result.MissingFound)))
	fmt.Printf("  Docs read:          %s\n", ui.CountText(int(result.DocsRead)))
	fmt.Printf("  Docs written:       %s\n", ui.CountText(int(result.DocsWritten)))
	fmt.Printf("  Doc write failures: %s\n", ui.CountText(int(result.DocWriteFailures)))
}

func outputJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// outputStateJSON writes a ReplicationState as formatted JSON, used by
// 'couchrepl start' when --json is set.
func outputStateJSON(state replicator.ReplicationState) {
	outputJSON(struct {
		RepID             string                     `json:"rep_id"`
		SessionID         string                     `json:"session_id"`
		CurrentThroughSeq string                     `json:"current_through_seq"`
		Stats             replicator.ReplicationStats `json:"stats"`
	}{
		RepID:             state.RepID,
		SessionID:         state.SessionID,
		CurrentThroughSeq: fmt.Sprintf("%v", state.CurrentThroughSeq.ID),
		Stats:             state.Stats,
	})
}
