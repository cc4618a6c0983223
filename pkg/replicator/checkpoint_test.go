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

func TestCheckpointLoop_OutOfOrderDoneReportsOnlyAdvanceOnContiguousPrefix(t *testing.T) {
	source := newFakeSource()
	target := newFakeTarget()
	reportsQueue := NewWorkQueue[WorkerReport](10)

	initial := ReplicationState{
		RepID: "rep1",
		RepTask: ReplicationTask{
			CheckpointInterval: time.Hour,
		},
	}
	cl := NewCheckpointLoop(source, target, reportsQueue, time.Hour, initial, nil)

	cl.applyReport(WorkerReport{Done: false, Seq: TsSeq{Ts: 1}})
	cl.applyReport(WorkerReport{Done: false, Seq: TsSeq{Ts: 2}})

	// seq 2 finishes first, but seq 1 is still in progress: current_through
	// must not advance past it.
	cl.applyReport(WorkerReport{Done: true, Seq: TsSeq{Ts: 2}})
	assert.Equal(t, int64(0), cl.State().CurrentThroughSeq.Ts)
	assert.Len(t, cl.State().SeqsInProgress, 1)

	cl.applyReport(WorkerReport{Done: true, Seq: TsSeq{Ts: 1}})
	assert.Equal(t, int64(2), cl.State().CurrentThroughSeq.Ts, "once the prefix closes, current_through jumps to the highest done seq")
	assert.Empty(t, cl.State().SeqsInProgress)
}

func TestCheckpointLoop_StatsAccumulate(t *testing.T) {
	source := newFakeSource()
	target := newFakeTarget()
	reportsQueue := NewWorkQueue[WorkerReport](10)
	cl := NewCheckpointLoop(source, target, reportsQueue, time.Hour, ReplicationState{}, nil)

	cl.applyReport(WorkerReport{Done: false, Seq: TsSeq{Ts: 1}})
	cl.applyReport(WorkerReport{Done: true, Seq: TsSeq{Ts: 1}, Stats: ReplicationStats{DocsWritten: 3}})
	cl.applyReport(WorkerReport{Done: false, Seq: TsSeq{Ts: 2}})
	cl.applyReport(WorkerReport{Done: true, Seq: TsSeq{Ts: 2}, Stats: ReplicationStats{DocsWritten: 2}})

	assert.Equal(t, int64(5), cl.State().Stats.DocsWritten)
}

func TestCheckpointLoop_DoCheckpointDetectsPeerRestart(t *testing.T) {
	source := newFakeSource()
	source.instanceStart = "1000"
	target := newFakeTarget()

	initial := ReplicationState{
		RepID:           "rep1",
		SourceStartTime: "999", // stale: differs from the peer's current value
		TargetStartTime: target.instanceStart,
	}
	cl := NewCheckpointLoop(source, target, NewWorkQueue[WorkerReport](1), time.Hour, initial, nil)

	err := cl.doCheckpoint(context.Background())
	var restartErr *PeerRestartError
	require.ErrorAs(t, err, &restartErr)
	assert.Equal(t, "source", restartErr.Peer)
}

func TestCheckpointLoop_DoCheckpointPersistsHistoryOnBothPeers(t *testing.T) {
	source := newFakeSource()
	target := newFakeTarget()

	start := time.Now().Add(-time.Hour)
	initial := ReplicationState{
		RepID:                "rep1",
		SessionID:            "sess1",
		SourceStartTime:      source.instanceStart,
		TargetStartTime:      target.instanceStart,
		ReplicationStartTime: start,
		CurrentThroughSeq:    TsSeq{Ts: 5, ID: "5"},
		CommittedSeq:         TsSeq{Ts: 0, ID: nil},
		LastCheckpointTime:   time.Now(),
	}
	cl := NewCheckpointLoop(source, target, NewWorkQueue[WorkerReport](1), time.Hour, initial, nil)

	require.NoError(t, cl.doCheckpoint(context.Background()))

	srcLog, err := source.GetReplicationLog(context.Background(), "rep1")
	require.NoError(t, err)
	tgtLog, err := target.GetReplicationLog(context.Background(), "rep1")
	require.NoError(t, err)

	require.Len(t, srcLog.History, 1)
	assert.Equal(t, Seq("5"), srcLog.History[0].EndLastSeq)
	require.Len(t, tgtLog.History, 1)
	assert.Equal(t, "sess1", tgtLog.History[0].SessionID)
	assert.Equal(t, Seq("5"), cl.State().CommittedSeq.ID)

	wantStartTime := formatCheckpointTime(start)
	assert.Equal(t, wantStartTime, srcLog.History[0].StartTime, "start_time must be the replication's own start, not the previous checkpoint time")
	firstEndTime := srcLog.History[0].EndTime

	// Advance progress and checkpoint again: start_time must stay pinned to
	// the replication's start while end_time moves forward.
	time.Sleep(1100 * time.Millisecond)
	cl.mu.Lock()
	cl.state.CurrentThroughSeq = TsSeq{Ts: 9, ID: "9"}
	cl.mu.Unlock()

	require.NoError(t, cl.doCheckpoint(context.Background()))

	srcLog, err = source.GetReplicationLog(context.Background(), "rep1")
	require.NoError(t, err)
	require.Len(t, srcLog.History, 2)
	assert.Equal(t, wantStartTime, srcLog.History[0].StartTime, "start_time must remain constant across checkpoints")
	assert.NotEqual(t, firstEndTime, srcLog.History[0].EndTime, "end_time must advance on each checkpoint")
}

func TestCheckpointLoop_RunEndsWithFinalCheckpointWhenQueueCloses(t *testing.T) {
	source := newFakeSource()
	target := newFakeTarget()
	reportsQueue := NewWorkQueue[WorkerReport](10)

	initial := ReplicationState{
		RepID:              "rep1",
		SourceStartTime:    source.instanceStart,
		TargetStartTime:    target.instanceStart,
		LastCheckpointTime: time.Now(),
	}
	cl := NewCheckpointLoop(source, target, reportsQueue, time.Hour, initial, nil)

	require.NoError(t, reportsQueue.Put(WorkerReport{Done: false, Seq: TsSeq{Ts: 1}}))
	require.NoError(t, reportsQueue.Put(WorkerReport{Done: true, Seq: TsSeq{Ts: 1}, Stats: ReplicationStats{DocsWritten: 1}}))
	reportsQueue.Close()

	done := make(chan error, 1)
	go func() { done <- cl.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("CheckpointLoop.Run did not finish after the reports queue closed")
	}

	assert.Equal(t, int64(1), cl.State().CommittedSeq.Ts)
}

func TestCheckpointLoop_RunReportsUnexpectedStopWithSeqsStillInProgress(t *testing.T) {
	source := newFakeSource()
	target := newFakeTarget()
	reportsQueue := NewWorkQueue[WorkerReport](1)

	cl := NewCheckpointLoop(source, target, reportsQueue, time.Hour, ReplicationState{RepID: "rep1"}, nil)

	require.NoError(t, reportsQueue.Put(WorkerReport{Done: false, Seq: TsSeq{Ts: 1}}))
	reportsQueue.Close()

	err := cl.Run(context.Background())
	var unexpected *UnexpectedStopError
	require.ErrorAs(t, err, &unexpected)
}
