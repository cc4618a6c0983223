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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommonAncestry_EmptyHistoryYieldsNoCommonSeq(t *testing.T) {
	seq, hist := commonAncestry(ReplicationLog{}, ReplicationLog{})
	assert.Nil(t, seq)
	assert.Nil(t, hist)
}

func TestCommonAncestry_MatchingSessionTrustsSourceOutright(t *testing.T) {
	log := ReplicationLog{
		SessionID:     "sess1",
		SourceLastSeq: "42",
		History:       []HistoryEntry{{SessionID: "sess1", RecordedSeq: "42"}},
	}
	seq, hist := commonAncestry(log, log)
	assert.Equal(t, Seq("42"), seq)
	assert.Equal(t, log.History, hist)
}

func TestCommonAncestry_WalksHistoryForFirstSharedSession(t *testing.T) {
	source := ReplicationLog{
		SessionID: "sessA",
		History: []HistoryEntry{
			{SessionID: "sessA", RecordedSeq: "30"},
			{SessionID: "sessShared", RecordedSeq: "20"},
			{SessionID: "sessOld", RecordedSeq: "10"},
		},
	}
	target := ReplicationLog{
		SessionID: "sessB",
		History: []HistoryEntry{
			{SessionID: "sessB", RecordedSeq: "25"},
			{SessionID: "sessShared", RecordedSeq: "20"},
		},
	}
	seq, hist := commonAncestry(source, target)
	assert.Equal(t, Seq("20"), seq)
	assert.Equal(t, []HistoryEntry{{SessionID: "sessOld", RecordedSeq: "10"}}, hist)
}

func TestCommonAncestry_NoSharedSessionYieldsNil(t *testing.T) {
	source := ReplicationLog{SessionID: "sessA", History: []HistoryEntry{{SessionID: "sessA"}}}
	target := ReplicationLog{SessionID: "sessB", History: []HistoryEntry{{SessionID: "sessB"}}}
	seq, hist := commonAncestry(source, target)
	assert.Nil(t, seq)
	assert.Nil(t, hist)
}

func TestController_Run_ReplicatesAllDocsAndCheckpoints(t *testing.T) {
	source := newFakeSource()
	source.putDoc("doc1", "1-a", map[string]interface{}{"_id": "doc1"}, nil)
	source.putDoc("doc2", "1-a", map[string]interface{}{"_id": "doc2"}, nil)
	source.changes = []ChangeEvent{
		{Seq: "1", DocID: "doc1", Revs: []string{"1-a"}},
		{Seq: "2", DocID: "doc2", Revs: []string{"1-a"}},
	}
	source.lastSeq = "2"
	target := newFakeTarget()

	task := DefaultReplicationTask()
	task.Source = PeerConfig{URL: "http://source.example/db"}
	task.Target = PeerConfig{URL: "http://target.example/db"}
	task.CheckpointInterval = 20 * time.Millisecond
	task.WorkerProcesses = 2
	task.WorkerBatchSize = 10

	ctrl := NewController(source, target, task, "test-uuid", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	state, err := ctrl.Run(ctx)
	require.NoError(t, err)

	assert.True(t, target.docs["doc1"]["1-a"])
	assert.True(t, target.docs["doc2"]["1-a"])
	assert.Equal(t, int64(2), state.Stats.DocsWritten)
	assert.NotEmpty(t, state.RepID)
	assert.NotEmpty(t, state.SessionID)

	log, err := target.GetReplicationLog(context.Background(), state.RepID)
	require.NoError(t, err)
	assert.Equal(t, state.SessionID, log.SessionID)
}

func TestController_Run_FailsWhenTargetMissingAndCreateTargetFalse(t *testing.T) {
	source := newFakeSource()
	target := newFakeTarget()
	target.exists = false

	task := DefaultReplicationTask()
	task.Source = PeerConfig{URL: "http://source.example/db"}
	task.Target = PeerConfig{URL: "http://target.example/db"}
	task.CreateTarget = false

	ctrl := NewController(source, target, task, "test-uuid", nil)
	_, err := ctrl.Run(context.Background())

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestController_State_FalseBeforeRunStarts(t *testing.T) {
	ctrl := NewController(newFakeSource(), newFakeTarget(), DefaultReplicationTask(), "uuid", nil)
	_, ok := ctrl.State()
	assert.False(t, ok)
}
