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
//
// Usage:
//
//	couchrepl init                 Create .couchrepl/replication.yaml
//	couchrepl start                Run the replication once, to completion
//	couchrepl serve                Run continuously, following the source
//	couchrepl status [--json]      Show the last known replication state
//	couchrepl cancel               Mark replication.yaml cancelled (stops a watch)
//	couchrepl reset --yes          Clear the replication log on both peers
//	couchrepl watch                Run, restarting on replication.yaml changes
package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/couchrepl/internal/ui"
)

// Version information (set via ldflags during build)
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// GlobalFlags holds the global CLI flags that apply to all commands.
type GlobalFlags struct {
	JSON    bool
	NoColor bool
	Verbose int
	Quiet   bool
}

// main is the entry point for the couchrepl CLI. It parses global flags and
// dispatches to the command named by the first non-flag argument.
func main() {
	var (
		showVersion = flag.BoolP("version", "V", false, "Show version and exit")
		configPath  = flag.StringP("config", "c", "", "Path to .couchrepl/replication.yaml (default: discovered from cwd)")
		jsonOutput  = flag.Bool("json", false, "Output in JSON format (for applicable commands)")
		noColor     = flag.Bool("no-color", false, "Disable color output")
		verbose     = flag.CountP("verbose", "v", "Verbosity count; the log level is set by --debug or log_level")
		quiet       = flag.BoolP("quiet", "q", false, "Suppress non-essential output (progress, info messages)")
	)

	// Stop parsing at the first non-flag argument (the command name), so
	// subcommand-specific flags like "reset --yes" pass through untouched.
	flag.SetInterspersed(false)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `couchrepl - incremental, resumable CouchDB-compatible replicator

couchrepl replicates documents from a source database to a target
database, incrementally and resumably: it tracks its progress in a
replication log on both peers so a later run can pick up where the last
one stopped, matching CouchDB's own replication protocol.

Usage:
  couchrepl <command> [options]

Commands:
  init      Create .couchrepl/replication.yaml
  start     Run the replication once, to completion
  serve     Run continuously, following the source's change feed
  status    Show the last known replication state
  cancel    Mark the replication cancelled in replication.yaml (stops a running watch)
  reset     Clear the replication log on both peers (destructive!)
  watch     Run the replication, restarting it whenever replication.yaml changes

Global Options:
  --json            Output in JSON format (for applicable commands)
  --no-color        Disable color output (respects NO_COLOR env var)
  -v, --verbose     Verbosity count; the log level is set by --debug or log_level
  -q, --quiet       Suppress non-essential output (progress, info messages)
  -c, --config      Path to .couchrepl/replication.yaml
  -V, --version     Show version and exit

Examples:
  couchrepl init                           Create configuration interactively
  couchrepl start                          Run once, to completion
  couchrepl start --full                   Ignore any existing checkpoint
  couchrepl serve --metrics-addr :9090     Run continuously with metrics
  couchrepl status --json                  Output as JSON

Environment Variables:
  COUCHREPL_CONFIG_PATH   Path to replication.yaml (overrides discovery)
  COUCHREPL_SOURCE_URL    Override the source peer URL
  COUCHREPL_TARGET_URL    Override the target peer URL
  COUCHREPL_METRICS_ADDR  Override the metrics listen address

For detailed command help: couchrepl <command> --help

`)
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("couchrepl version %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", date)
		os.Exit(0)
	}

	if os.Getenv("NO_COLOR") != "" {
		*noColor = true
	}

	if *quiet && *verbose > 0 {
		fmt.Fprintf(os.Stderr, "Error: cannot use --quiet and --verbose together\n")
		os.Exit(1)
	}

	// JSON mode auto-enables quiet to prevent progress bars corrupting JSON output.
	if *jsonOutput {
		*quiet = true
	}

	globals := GlobalFlags{
		JSON:    *jsonOutput,
		NoColor: *noColor,
		Verbose: *verbose,
		Quiet:   *quiet,
	}

	ui.InitColors(globals.NoColor)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	command := args[0]
	cmdArgs := args[1:]

	switch command {
	case "init":
		runInit(cmdArgs, globals)
	case "start":
		runStart(cmdArgs, *configPath, globals)
	case "serve":
		runServe(cmdArgs, *configPath, globals)
	case "status":
		runStatus(cmdArgs, *configPath, globals)
	case "cancel":
		runCancel(cmdArgs, *configPath, globals)
	case "reset":
		runReset(cmdArgs, *configPath, globals)
	case "watch":
		runWatch(cmdArgs, *configPath, globals)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}
}
