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

package couchpeer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kraklabs/couchrepl/pkg/replicator"
)

func newTestPeer(t *testing.T, handler http.HandlerFunc) *Peer {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	info, err := replicator.NewPeerInfo(srv.URL + "/mydb")
	require.NoError(t, err)
	return New(info, srv.Client())
}

func TestPeer_Exists(t *testing.T) {
	peer := newTestPeer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusOK)
	})
	ok, err := peer.Exists(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPeer_Exists_NotFound(t *testing.T) {
	peer := newTestPeer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	ok, err := peer.Exists(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPeer_Info(t *testing.T) {
	peer := newTestPeer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"instance_start_time": "12345",
			"update_seq":          "7-abc",
			"doc_count":           3,
		})
	})
	info, err := peer.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "12345", info.InstanceStartTime)
	assert.Equal(t, "7-abc", info.UpdateSeq)
	assert.Equal(t, int64(3), info.DocCount)
}

func TestPeer_GetReplicationLog_NotFoundYieldsZeroValue(t *testing.T) {
	peer := newTestPeer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/_local/")
		w.WriteHeader(http.StatusNotFound)
	})
	log, err := peer.GetReplicationLog(context.Background(), "myrepid")
	require.NoError(t, err)
	assert.Equal(t, replicator.ReplicationLog{}, log)
}

func TestPeer_UpdateReplicationLog(t *testing.T) {
	peer := newTestPeer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		var doc replicator.ReplicationLog
		require.NoError(t, json.NewDecoder(r.Body).Decode(&doc))
		assert.Equal(t, "sess1", doc.SessionID)
		_ = json.NewEncoder(w).Encode(map[string]string{"rev": "1-xyz"})
	})
	rev, err := peer.UpdateReplicationLog(context.Background(), "myrepid", replicator.ReplicationLog{SessionID: "sess1"})
	require.NoError(t, err)
	assert.Equal(t, "1-xyz", rev)
}

func TestPeer_RevsDiff(t *testing.T) {
	peer := newTestPeer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/mydb/_revs_diff", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"doc1": map[string]interface{}{"missing": []string{"2-b"}},
		})
	})
	diff, err := peer.RevsDiff(context.Background(), map[string][]string{"doc1": {"1-a", "2-b"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"2-b"}, diff["doc1"].Missing)
}

func TestPeer_GetFilterFunctionCode_BuiltinReturnsEmpty(t *testing.T) {
	peer := newTestPeer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("builtin filters must not hit the network")
	})
	code, err := peer.GetFilterFunctionCode(context.Background(), "_doc_ids")
	require.NoError(t, err)
	assert.Empty(t, code)
}

func TestPeer_GetFilterFunctionCode_FetchesFromDesignDoc(t *testing.T) {
	peer := newTestPeer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/mydb/_design/myddoc", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"filters": map[string]string{"myfilter": "function(doc, req) { return true; }"},
		})
	})
	code, err := peer.GetFilterFunctionCode(context.Background(), "myddoc/myfilter")
	require.NoError(t, err)
	assert.Contains(t, code, "function")
}

func TestPeer_GetFilterFunctionCode_MalformedNameIsConfigError(t *testing.T) {
	peer := newTestPeer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("malformed filter names must fail before any request is sent")
	})
	_, err := peer.GetFilterFunctionCode(context.Background(), "nosuchslash")
	var cfgErr *replicator.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestPeer_UpdateDoc_NonFatalOnForbidden(t *testing.T) {
	peer := newTestPeer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "false", r.URL.Query().Get("new_edits"))
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("forbidden"))
	})
	err := peer.UpdateDoc(context.Background(), replicator.RevisionDoc{Rev: "1-a", Body: []byte(`{"_id":"doc1"}`)}, "doc1")
	var nonFatal *replicator.NonFatalWriteError
	require.ErrorAs(t, err, &nonFatal)
}

func TestPeer_UpdateDoc_EncodesInlineAttachments(t *testing.T) {
	peer := newTestPeer(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Contains(t, body, "_attachments")
		var stubs map[string]attachmentStub
		require.NoError(t, json.Unmarshal(body["_attachments"], &stubs))
		assert.Equal(t, 5, stubs["f.txt"].Length)
		w.WriteHeader(http.StatusCreated)
	})
	err := peer.UpdateDoc(context.Background(), replicator.RevisionDoc{
		Rev:         "1-a",
		Body:        []byte(`{"_id":"doc1"}`),
		Attachments: map[string][]byte{"f.txt": []byte("hello")},
	}, "doc1")
	require.NoError(t, err)
}

func TestPeer_UpdateDocs_ReportsPerItemFailures(t *testing.T) {
	peer := newTestPeer(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Docs      []map[string]interface{} `json:"docs"`
			NewEdits  bool                      `json:"new_edits"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.NewEdits)
		_ = json.NewEncoder(w).Encode([]map[string]string{
			{"id": "doc1", "rev": "1-a"},
			{"id": "doc2", "error": "conflict", "reason": "rev mismatch"},
		})
	})
	failed, err := peer.UpdateDocs(context.Background(), []replicator.BulkDoc{
		{ID: "doc1", Rev: "1-a", Body: map[string]interface{}{}},
		{ID: "doc2", Rev: "1-a", Body: map[string]interface{}{}},
	})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "doc2", failed[0].DocID)
}

func TestPeer_Changes_NormalFeedEmitsEventsThenTerminator(t *testing.T) {
	peer := newTestPeer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "normal", r.URL.Query().Get("feed"))
		_, _ = w.Write([]byte(`{"seq":"1","id":"doc1","changes":[{"rev":"1-a"}]}` + "\n"))
		_, _ = w.Write([]byte(`{"seq":"2","id":"doc2","changes":[{"rev":"1-a"}],"deleted":true}` + "\n"))
	})

	out := replicator.NewWorkQueue[replicator.ChangesFeedItem](10)
	err := peer.Changes(context.Background(), out, replicator.ChangesOptions{})
	require.NoError(t, err)

	items := out.GetAll()
	require.Len(t, items, 3)
	assert.Equal(t, "doc1", items[0].Event.DocID)
	assert.Equal(t, "doc2", items[1].Event.DocID)
	assert.True(t, items[1].Event.Deleted)
	assert.Nil(t, items[2].Event, "feed must end with a nil-event terminator carrying the last seq")
}

func TestPeer_EnsureFullCommit(t *testing.T) {
	peer := newTestPeer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/mydb/_ensure_full_commit", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"instance_start_time": "999"})
	})
	start, err := peer.EnsureFullCommit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "999", start)
}

func TestPeer_Create_AcceptsPreconditionFailedAsIdempotent(t *testing.T) {
	peer := newTestPeer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPreconditionFailed)
	})
	err := peer.Create(context.Background())
	assert.NoError(t, err)
}

func TestPeer_FatalHTTPErrorOnUnexpectedStatus(t *testing.T) {
	peer := newTestPeer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	})
	_, err := peer.Info(context.Background())
	var fatal *replicator.FatalHTTPError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, 500, fatal.Status)
}
