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

// Package main implements the couchrepl CLI.
//
// couchrepl runs an incremental, resumable, optionally continuous
// replication between two CouchDB-compatible peers, checkpointing its
// progress as a replication log on both sides so a later run can resume
// from where the last one stopped.
//
// # Quick Start
//
// Create a replication.yaml in the current directory:
//
//	couchrepl init
//
// Run the replication once, to completion:
//
//	couchrepl start
//
// Check the state of the last run:
//
//	couchrepl status
//
// Run continuously, following the source's change feed indefinitely and
// exposing Prometheus metrics:
//
//	couchrepl serve --metrics-addr :9090
package main
