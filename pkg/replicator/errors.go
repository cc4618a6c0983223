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

package replicator

import "fmt"

// ConfigError reports an invalid task configuration: a bad peer URL scheme,
// conflicting auth sources, an invalid filter/doc_ids/view combination,
// cancel without rep_id, or an unsupported protocol version (§7). It fails
// the run at task construction or controller startup, never retried.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string { return "configuration error: " + e.Message }

// FatalHTTPError reports an HTTP status that fails the replication (§7): a
// 4xx other than the non-fatal write statuses, or a 5xx. pkg/couchpeer
// returns it on the first such response; the request is not retried.
type FatalHTTPError struct {
	Op     string
	Status int
	Body   string
}

func (e *FatalHTTPError) Error() string {
	return fmt.Sprintf("fatal HTTP error during %s: status %d: %s", e.Op, e.Status, e.Body)
}

// NonFatalWriteError reports an HTTP 401/403 rejecting update_doc, or a
// per-item {error, reason} from update_docs (§7). The caller counts it in
// doc_write_failures and continues; it never propagates to the supervisor.
type NonFatalWriteError struct {
	DocID  string
	Rev    string
	Reason string
}

func (e *NonFatalWriteError) Error() string {
	return fmt.Sprintf("write rejected for %s@%s: %s", e.DocID, e.Rev, e.Reason)
}

// PeerRestartError reports that a peer's instance_start_time changed between
// the run's start and a later ensure_full_commit sample (§7): prior state is
// no longer trustworthy, and the replication fails.
type PeerRestartError struct {
	Peer string
	Was  string
	Now  string
}

func (e *PeerRestartError) Error() string {
	return fmt.Sprintf("%s peer restarted: instance_start_time changed from %q to %q", e.Peer, e.Was, e.Now)
}

// SubtaskError wraps the error that caused a worker, the changes reader, or
// the checkpoint loop to terminate, adding the context the controller
// surfaces to the caller on failure: rep_id and, for workers, a worker id.
type SubtaskError struct {
	RepID    string
	WorkerID string
	Subtask  string
	Cause    error
}

func (e *SubtaskError) Error() string {
	if e.WorkerID != "" {
		return fmt.Sprintf("replication %s: %s %s failed: %v", e.RepID, e.Subtask, e.WorkerID, e.Cause)
	}
	return fmt.Sprintf("replication %s: %s failed: %v", e.RepID, e.Subtask, e.Cause)
}

func (e *SubtaskError) Unwrap() error { return e.Cause }

// UnexpectedStopError reports a broken supervision invariant: CheckpointLoop.Run
// returns it when the reports queue closes while seqs are still claimed in
// progress. The controller's supervisor does not return it itself, including
// when the checkpoint loop stops before all workers have finished.
type UnexpectedStopError struct {
	Detail string
}

func (e *UnexpectedStopError) Error() string {
	return "unexpected stop: " + e.Detail
}
