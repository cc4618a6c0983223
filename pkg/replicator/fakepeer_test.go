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

import (
	"context"
	"encoding/json"
	"sync"
)

// fakeDocRev is one leaf revision stored by a fakeSource, with optional
// inline attachments so Worker's two write paths (streamed vs. bulk) are
// both exercisable.
type fakeDocRev struct {
	body        []byte
	attachments map[string][]byte
}

// fakeSource is an in-memory Source used by changes_reader_test.go,
// worker_test.go, checkpoint_test.go, and controller_test.go in place of a
// real CouchDB peer.
type fakeSource struct {
	mu sync.Mutex

	instanceStart string
	changes       []ChangeEvent
	lastSeq       Seq
	updateSeq     Seq
	docCount      int64
	docs          map[string]map[string]fakeDocRev
	logs          map[string]ReplicationLog
	filterCode    map[string]string

	existsErr error
	infoErr   error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		instanceStart: "1000",
		docs:          make(map[string]map[string]fakeDocRev),
		logs:          make(map[string]ReplicationLog),
		filterCode:    make(map[string]string),
	}
}

func (s *fakeSource) putDoc(docID, rev string, body map[string]interface{}, attachments map[string][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.docs[docID] == nil {
		s.docs[docID] = make(map[string]fakeDocRev)
	}
	raw, _ := json.Marshal(body)
	s.docs[docID][rev] = fakeDocRev{body: raw, attachments: attachments}
}

func (s *fakeSource) Exists(ctx context.Context) (bool, error) { return true, s.existsErr }

func (s *fakeSource) Info(ctx context.Context) (PeerInfoResult, error) {
	if s.infoErr != nil {
		return PeerInfoResult{}, s.infoErr
	}
	return PeerInfoResult{InstanceStartTime: s.instanceStart, UpdateSeq: s.updateSeq, DocCount: s.docCount}, nil
}

func (s *fakeSource) GetReplicationLog(ctx context.Context, repID string) (ReplicationLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logs[repID], nil
}

func (s *fakeSource) UpdateReplicationLog(ctx context.Context, repID string, doc ReplicationLog) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc.Rev = nextRev(doc.Rev)
	s.logs[repID] = doc
	return doc.Rev, nil
}

func (s *fakeSource) EnsureFullCommit(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instanceStart, nil
}

func (s *fakeSource) GetFilterFunctionCode(ctx context.Context, filterName string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterCode[filterName], nil
}

func (s *fakeSource) OpenDocRevs(ctx context.Context, docID string, openRevs []string, atsSince []string, onDoc func(RevisionDoc) error) error {
	s.mu.Lock()
	revs := s.docs[docID]
	s.mu.Unlock()
	for _, rev := range openRevs {
		doc, ok := revs[rev]
		if !ok {
			continue
		}
		if err := onDoc(RevisionDoc{Rev: rev, Body: doc.body, Attachments: doc.attachments}); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeSource) Changes(ctx context.Context, out *WorkQueue[ChangesFeedItem], opts ChangesOptions) error {
	s.mu.Lock()
	events := append([]ChangeEvent(nil), s.changes...)
	lastSeq := s.lastSeq
	s.mu.Unlock()

	for i := range events {
		e := events[i]
		if err := out.Put(ChangesFeedItem{Seq: e.Seq, Event: &e}); err != nil {
			return err
		}
	}
	return out.Put(ChangesFeedItem{Seq: lastSeq, Event: nil})
}

// fakeTarget is an in-memory Target pairing with fakeSource.
type fakeTarget struct {
	mu sync.Mutex

	instanceStart string
	exists        bool
	createErr     error
	docs          map[string]map[string]bool // docID -> set of revs already present
	logs          map[string]ReplicationLog
	rejectDocIDs  map[string]bool // docIDs whose writes always fail as non-fatal
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{
		instanceStart: "2000",
		exists:        true,
		docs:          make(map[string]map[string]bool),
		logs:          make(map[string]ReplicationLog),
		rejectDocIDs:  make(map[string]bool),
	}
}

func (t *fakeTarget) Exists(ctx context.Context) (bool, error) { return t.exists, nil }

func (t *fakeTarget) Info(ctx context.Context) (PeerInfoResult, error) {
	return PeerInfoResult{InstanceStartTime: t.instanceStart}, nil
}

func (t *fakeTarget) GetReplicationLog(ctx context.Context, repID string) (ReplicationLog, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.logs[repID], nil
}

func (t *fakeTarget) UpdateReplicationLog(ctx context.Context, repID string, doc ReplicationLog) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	doc.Rev = nextRev(doc.Rev)
	t.logs[repID] = doc
	return doc.Rev, nil
}

func (t *fakeTarget) EnsureFullCommit(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.instanceStart, nil
}

func (t *fakeTarget) Create(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.createErr != nil {
		return t.createErr
	}
	t.exists = true
	return nil
}

func (t *fakeTarget) RevsDiff(ctx context.Context, idRevs map[string][]string) (map[string]RevDiff, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]RevDiff, len(idRevs))
	for docID, revs := range idRevs {
		known := t.docs[docID]
		var missing []string
		for _, rev := range revs {
			if !known[rev] {
				missing = append(missing, rev)
			}
		}
		out[docID] = RevDiff{Missing: missing}
	}
	return out, nil
}

func (t *fakeTarget) UpdateDoc(ctx context.Context, doc RevisionDoc, docID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rejectDocIDs[docID] {
		return &NonFatalWriteError{DocID: docID, Rev: doc.Rev, Reason: "forbidden"}
	}
	if t.docs[docID] == nil {
		t.docs[docID] = make(map[string]bool)
	}
	t.docs[docID][doc.Rev] = true
	return nil
}

func (t *fakeTarget) UpdateDocs(ctx context.Context, docs []BulkDoc) ([]*NonFatalWriteError, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var failed []*NonFatalWriteError
	for _, d := range docs {
		if t.rejectDocIDs[d.ID] {
			failed = append(failed, &NonFatalWriteError{DocID: d.ID, Rev: d.Rev, Reason: "forbidden"})
			continue
		}
		if t.docs[d.ID] == nil {
			t.docs[d.ID] = make(map[string]bool)
		}
		t.docs[d.ID][d.Rev] = true
	}
	return failed, nil
}

func nextRev(prev string) string {
	if prev == "" {
		return "1-a"
	}
	return prev + "a"
}
