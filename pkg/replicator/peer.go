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

import "context"

// PeerInfoResult is what Info returns: enough of a peer's self-reported
// state to detect restarts and seed replication-start bookkeeping (§4.B).
type PeerInfoResult struct {
	InstanceStartTime string
	UpdateSeq         Seq
	DocCount          int64
}

// RevDiff is one entry of a Target's revs_diff response: the revisions it
// is missing for a document, and any possible ancestors it already has that
// the Source can use to avoid re-sending full attachment bodies.
type RevDiff struct {
	Missing           []string
	PossibleAncestors []string
}

// ChangeEvent is one entry read from a Source's change feed.
type ChangeEvent struct {
	Seq     Seq
	DocID   string
	Revs    []string
	Deleted bool
}

// ChangesFeedItem is what Source.Changes pushes to its out queue: either an
// event, or (on end-of-feed) just LastSeq with Event nil, mirroring
// `changes` enqueuing `(last_seq, null)` as its terminator (§4.B).
type ChangesFeedItem struct {
	Seq   Seq
	Event *ChangeEvent
}

// ChangesOptions configures one Source.Changes call (§4.B, §4.D).
type ChangesOptions struct {
	Continuous  bool
	DocIDs      []string
	Filter      string
	FilterCode  string
	QueryParams map[string]string
	Since       Seq
	View        string
}

// RevisionDoc is one leaf revision streamed back by Source.OpenDocRevs:
// the document body as raw JSON, and any inline attachment payloads keyed
// by attachment name (§4.B, §9 Attachment streaming). Per §1's scope
// boundary, this is the "opaque streamable unit" the core treats a
// document+attachments as — couchpeer is the concrete streaming transport.
type RevisionDoc struct {
	Rev         string
	Body        []byte
	Attachments map[string][]byte
}

// Peer is the capability surface shared by Source and Target (§4.B).
type Peer interface {
	Exists(ctx context.Context) (bool, error)
	Info(ctx context.Context) (PeerInfoResult, error)
	GetReplicationLog(ctx context.Context, repID string) (ReplicationLog, error)
	UpdateReplicationLog(ctx context.Context, repID string, doc ReplicationLog) (newRev string, err error)
	EnsureFullCommit(ctx context.Context) (instanceStartTime string, err error)
}

// Source is the read-side peer contract (§4.B).
type Source interface {
	Peer

	// GetFilterFunctionCode returns the source of a filter function stored
	// in a design document, or "" for a builtin filter or no filter.
	GetFilterFunctionCode(ctx context.Context, filterName string) (string, error)

	// OpenDocRevs streams one RevisionDoc per requested leaf revision to
	// onDoc, in no particular order. atsSince lets the Source skip
	// attachments already present at one of those ancestor revisions.
	OpenDocRevs(ctx context.Context, docID string, openRevs []string, atsSince []string, onDoc func(RevisionDoc) error) error

	// Changes drives the change feed, pushing items to out until
	// end-of-feed (continuous=false) or ctx cancellation (continuous=true).
	Changes(ctx context.Context, out *WorkQueue[ChangesFeedItem], opts ChangesOptions) error
}

// Target is the write-side peer contract (§4.B).
type Target interface {
	Peer

	// Create creates the target database.
	Create(ctx context.Context) error

	// RevsDiff reduces a proposed {doc_id: [rev,...]} mapping to the
	// subset the target is missing.
	RevsDiff(ctx context.Context, idRevs map[string][]string) (map[string]RevDiff, error)

	// UpdateDoc stores one document+attachments in no-new-edits mode. A
	// non-nil, non-fatal *NonFatalWriteError return means the write was
	// rejected (401/403) and should be counted, not propagated.
	UpdateDoc(ctx context.Context, doc RevisionDoc, docID string) error

	// UpdateDocs bulk-stores docs in no-new-edits mode, returning only the
	// items that failed.
	UpdateDocs(ctx context.Context, docs []BulkDoc) ([]*NonFatalWriteError, error)
}

// BulkDoc is one document submitted to Target.UpdateDocs: parsed JSON
// rather than a byte stream, since §4.E only buffers documents that came
// back from OpenDocRevs without attachments.
type BulkDoc struct {
	ID   string
	Rev  string
	Body map[string]interface{}
}
