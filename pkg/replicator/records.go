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

// Package replicator implements an incremental, resumable, optionally
// continuous replication engine between two CouchDB-compatible peers: the
// work queue, the peer contracts, replication-id derivation, the changes
// reader, the worker pool, the checkpoint loop, and the controller that
// wires them together and supervises the run.
package replicator

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Seq is an opaque progress marker produced by a source's change feed. It
// may wrap an integer or a string; it is only ever compared through TsSeq.
type Seq = interface{}

// TsSeq is an internal, monotonically increasing wrapping of a Source Seq.
// Ts gives a total order over progress markers even when ID is not itself
// comparable (e.g. a string seq). TsSeq values compare lexicographically by
// (Ts, ID) — in practice, since Ts is assigned by a single Changes Reader in
// strictly increasing order, comparing on Ts alone is sufficient and is what
// Less does.
type TsSeq struct {
	Ts int64
	ID Seq
}

// Less reports whether ts is ordered before other.
func (ts TsSeq) Less(other TsSeq) bool { return ts.Ts < other.Ts }

// Equal reports whether ts and other mark the same position.
func (ts TsSeq) Equal(other TsSeq) bool { return ts.Ts == other.Ts }

// Max returns the later of two TsSeq values.
func (ts TsSeq) Max(other TsSeq) TsSeq {
	if other.Ts > ts.Ts {
		return other
	}
	return ts
}

func (ts TsSeq) String() string { return fmt.Sprintf("TsSeq(%d,%v)", ts.Ts, ts.ID) }

// AuthProvider contributes authentication to an outgoing request. See auth.go.
type AuthProvider interface {
	Apply(req *outgoingRequest)
	fmt.Stringer
}

// PeerInfo describes one endpoint of a replication: its URL, any static
// headers, and its resolved authentication. Authentication must be resolved
// from exactly one source — see NewPeerInfo.
type PeerInfo struct {
	URL     string
	Headers map[string]string
	Auth    AuthProvider
}

// NewPeerInfo builds a PeerInfo from a bare URL string, resolving any
// credentials embedded in the userinfo component.
func NewPeerInfo(rawURL string) (PeerInfo, error) {
	return NewPeerInfoFromConfig(PeerConfig{URL: rawURL})
}

// PeerConfig is the configuration-object form accepted by NewPeerInfoFromConfig,
// mirroring the shape replication.yaml uses for source/target entries.
type PeerConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Auth    *PeerAuthConfig   `yaml:"auth,omitempty"`
}

// PeerAuthConfig names at most one authentication source explicitly.
type PeerAuthConfig struct {
	Basic *BasicAuthConfig `yaml:"basic,omitempty"`
	Proxy *ProxyAuthConfig `yaml:"proxy,omitempty"`
	OAuth *OAuthConfig     `yaml:"oauth,omitempty"`
}

// NewPeerInfoFromConfig builds a PeerInfo, resolving authentication from
// exactly one of: credentials embedded in the URL, a basic auth block, or a
// proxy auth block. Conflicting sources fail with ConfigError, matching
// records.PeerInfo's _maybe_extract_* conflict detection in the original
// implementation. An OAuth block is rejected with ConfigError, and
// cfg.Headers are passed through without being inspected for credentials.
func NewPeerInfoFromConfig(cfg PeerConfig) (PeerInfo, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return PeerInfo{}, &ConfigError{Message: fmt.Sprintf("invalid peer URL %q: %v", cfg.URL, err)}
	}

	var resolved AuthProvider
	source := ""
	setAuth := func(name string, provider AuthProvider) error {
		if resolved != nil {
			return &ConfigError{Message: fmt.Sprintf("conflicting auth sources: %s and %s", source, name)}
		}
		resolved = provider
		source = name
		return nil
	}

	if u.User != nil {
		user := u.User.Username()
		pass, _ := u.User.Password()
		if err := setAuth("url-credentials", &BasicAuth{Username: user, Password: pass}); err != nil {
			return PeerInfo{}, err
		}
		u.User = nil
	}

	if cfg.Auth != nil {
		if cfg.Auth.Basic != nil {
			if err := setAuth("basic", &BasicAuth{Username: cfg.Auth.Basic.Username, Password: cfg.Auth.Basic.Password}); err != nil {
				return PeerInfo{}, err
			}
		}
		if cfg.Auth.Proxy != nil {
			if err := setAuth("proxy", &ProxyAuth{
				Username: cfg.Auth.Proxy.Username,
				Roles:    cfg.Auth.Proxy.Roles,
				Secret:   cfg.Auth.Proxy.Secret,
			}); err != nil {
				return PeerInfo{}, err
			}
		}
		if cfg.Auth.OAuth != nil {
			return PeerInfo{}, &ConfigError{Message: "oauth peers are not supported: no OAuth1 request signer is implemented"}
		}
	}

	if resolved == nil {
		resolved = NoAuth{}
	}

	return PeerInfo{
		URL:     u.String(),
		Headers: cfg.Headers,
		Auth:    resolved,
	}, nil
}

// SortedHeaders returns headers as (name, value) pairs sorted by name, the
// canonical form used for replication-id hashing.
func (p PeerInfo) SortedHeaders() [][2]string {
	pairs := make([][2]string, 0, len(p.Headers))
	for k, v := range p.Headers {
		pairs = append(pairs, [2]string{k, v})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i][0] < pairs[j][0] })
	return pairs
}

// Filter describes a change-feed filter: either empty, a builtin ("_doc_ids",
// "_view"), or a design-document filter ("ddoc/name").
type Filter string

const (
	FilterDocIDs Filter = "_doc_ids"
	FilterView   Filter = "_view"
)

// ReplicationTask is the immutable configuration of one replication run.
// Field names and invariants follow records.ReplicationTask in the original
// implementation.
type ReplicationTask struct {
	Source PeerConfig `yaml:"source"`
	Target PeerConfig `yaml:"target"`

	RepID       string `yaml:"rep_id,omitempty"`
	Cancel      bool   `yaml:"cancel,omitempty"`
	Continuous  bool   `yaml:"continuous,omitempty"`
	CreateTarget bool  `yaml:"create_target,omitempty"`

	DocIDs      []string          `yaml:"doc_ids,omitempty"`
	Filter      Filter            `yaml:"filter,omitempty"`
	Proxy       string            `yaml:"proxy,omitempty"`
	QueryParams map[string]string `yaml:"query_params,omitempty"`
	SinceSeq    Seq               `yaml:"since_seq,omitempty"`
	UserCtx     map[string]interface{} `yaml:"user_ctx,omitempty"`
	View        string            `yaml:"view,omitempty"`

	CheckpointInterval time.Duration `yaml:"checkpoint_interval,omitempty"`
	ConnectionTimeout  time.Duration `yaml:"connection_timeout,omitempty"`
	HTTPConnections    int           `yaml:"http_connections,omitempty"`
	RetriesPerRequest  int           `yaml:"retries_per_request,omitempty"`
	UseCheckpoints     *bool         `yaml:"use_checkpoints,omitempty"`
	WorkerBatchSize    int           `yaml:"worker_batch_size,omitempty"`
	WorkerProcesses    int           `yaml:"worker_processes,omitempty"`
}

// DefaultReplicationTask returns a task with the tuning-knob defaults from
// spec §3, mirroring the ingestion package's DefaultConfig shape.
func DefaultReplicationTask() ReplicationTask {
	useCheckpoints := true
	return ReplicationTask{
		CheckpointInterval: 5 * time.Second,
		ConnectionTimeout:  30 * time.Second,
		HTTPConnections:    20,
		RetriesPerRequest:  10,
		UseCheckpoints:     &useCheckpoints,
		WorkerBatchSize:    500,
		WorkerProcesses:    4,
	}
}

// UsesCheckpoints reports whether checkpoints are enabled, honoring the
// default of true when unset.
func (t ReplicationTask) UsesCheckpoints() bool {
	return t.UseCheckpoints == nil || *t.UseCheckpoints
}

// Validate enforces the invariants of §3: cancel requires rep_id; doc_ids
// forces filter to "_doc_ids"; view forces filter to "_view"; a free-form
// filter must be a builtin ("_...") or reference a design document
// ("ddoc/name"). It also normalizes Filter in place for the doc_ids/view
// cases, mirroring ReplicationTask.__new__'s forcing behavior.
func (t *ReplicationTask) Validate() error {
	if t.Cancel && t.RepID == "" {
		return &ConfigError{Message: "cancel requires rep_id to be set"}
	}
	if len(t.DocIDs) > 0 {
		if t.Filter != "" && t.Filter != FilterDocIDs {
			return &ConfigError{Message: fmt.Sprintf("doc_ids requires filter to be unset or %q, got %q", FilterDocIDs, t.Filter)}
		}
		t.Filter = FilterDocIDs
	}
	if t.View != "" {
		if t.Filter != "" && t.Filter != FilterView {
			return &ConfigError{Message: fmt.Sprintf("view requires filter to be unset or %q, got %q", FilterView, t.Filter)}
		}
		t.Filter = FilterView
	}
	if t.Filter != "" && t.Filter != FilterDocIDs && t.Filter != FilterView {
		s := string(t.Filter)
		if !strings.HasPrefix(s, "_") && !strings.Contains(s, "/") {
			return &ConfigError{Message: fmt.Sprintf("filter %q must be a builtin (\"_...\") or reference a design document (\"ddoc/name\")", s)}
		}
	}
	return nil
}

// ReplicationStats holds the five monotonically non-decreasing counters
// tracked for a run. Add merges another delta in by field-wise addition.
type ReplicationStats struct {
	MissingChecked   int64 `json:"missing_checked"`
	MissingFound     int64 `json:"missing_found"`
	DocsRead         int64 `json:"docs_read"`
	DocsWritten      int64 `json:"docs_written"`
	DocWriteFailures int64 `json:"doc_write_failures"`
}

// Add returns the field-wise sum of s and other.
func (s ReplicationStats) Add(other ReplicationStats) ReplicationStats {
	return ReplicationStats{
		MissingChecked:   s.MissingChecked + other.MissingChecked,
		MissingFound:     s.MissingFound + other.MissingFound,
		DocsRead:         s.DocsRead + other.DocsRead,
		DocsWritten:      s.DocsWritten + other.DocsWritten,
		DocWriteFailures: s.DocWriteFailures + other.DocWriteFailures,
	}
}

// HistoryEntry is one entry of a replication log's history list (§3).
type HistoryEntry struct {
	SessionID        string `json:"session_id"`
	RecordedSeq      Seq    `json:"recorded_seq"`
	StartTime        string `json:"start_time"`
	EndTime          string `json:"end_time"`
	StartLastSeq     Seq    `json:"start_last_seq"`
	EndLastSeq       Seq    `json:"end_last_seq"`
	MissingChecked   int64  `json:"missing_checked"`
	MissingFound     int64  `json:"missing_found"`
	DocsRead         int64  `json:"docs_read"`
	DocsWritten      int64  `json:"docs_written"`
	DocWriteFailures int64  `json:"doc_write_failures"`
}

// MaxHistoryEntries caps the history list persisted in a replication log.
const MaxHistoryEntries = 50

// ReplicationLog is the document schema persisted at _local/<rep_id> on
// both peers (§3, §6.1).
type ReplicationLog struct {
	Rev                   string         `json:"_rev,omitempty"`
	SessionID             string         `json:"session_id"`
	SourceLastSeq         Seq            `json:"source_last_seq"`
	ReplicationIDVersion  int            `json:"replication_id_version"`
	History               []HistoryEntry `json:"history"`
}

// ReplicationState is the controller's immutable snapshot, replaced
// atomically on each update. Update returns a new snapshot with a fresh
// timestamp and the named fields overridden, mirroring
// ReplicationState.update(**kwargs) in the original implementation.
type ReplicationState struct {
	// identity
	RepTask         ReplicationTask
	RepID           string
	RepUUID         string
	ProtocolVersion int
	SessionID       string

	// progress
	SourceSeq         Seq
	StartSeq          TsSeq
	CommittedSeq      TsSeq
	CurrentThroughSeq TsSeq
	HighestSeqDone    TsSeq
	SeqsInProgress    []TsSeq

	// timing
	ReplicationStartTime time.Time
	SourceStartTime      string
	TargetStartTime      string
	LastCheckpointTime   time.Time

	// logs
	SourceLogRev string
	TargetLogRev string
	History      []HistoryEntry

	Stats     ReplicationStats
	Timestamp time.Time
}

// Update returns a copy of s with fn applied, and Timestamp refreshed to
// now. now is passed in rather than read from time.Now() so callers can
// keep state construction deterministic in tests.
func (s ReplicationState) Update(now time.Time, fn func(*ReplicationState)) ReplicationState {
	next := s
	next.SeqsInProgress = append([]TsSeq(nil), s.SeqsInProgress...)
	next.History = append([]HistoryEntry(nil), s.History...)
	fn(&next)
	next.Timestamp = now
	return next
}
