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
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// checkpointTimeFormat is the "EEE, dd MMM yyyy HH:mm:ss GMT" format used in
// history entries (§4.F step 2), expressed as a Go reference-time layout.
const checkpointTimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

func formatCheckpointTime(t time.Time) string {
	return t.UTC().Format(checkpointTimeFormat)
}

// CheckpointLoop aggregates worker (and changes-reader) reports, advances
// current_through_seq under the gating rule of §4.F, and periodically
// persists checkpoints on both peers.
type CheckpointLoop struct {
	Source       Source
	Target       Target
	ReportsQueue *WorkQueue[WorkerReport]
	Interval     time.Duration
	Logger       *slog.Logger

	mu    sync.Mutex
	state ReplicationState
}

// NewCheckpointLoop builds a CheckpointLoop seeded with the controller's
// initial state.
func NewCheckpointLoop(source Source, target Target, reportsQueue *WorkQueue[WorkerReport], interval time.Duration, initial ReplicationState, logger *slog.Logger) *CheckpointLoop {
	return &CheckpointLoop{
		Source:       source,
		Target:       target,
		ReportsQueue: reportsQueue,
		Interval:     interval,
		Logger:       logger,
		state:        initial,
	}
}

// State returns a snapshot of the current state, safe to call concurrently.
func (c *CheckpointLoop) State() ReplicationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run executes the checkpoint loop (§4.F) until ReportsQueue closes, then
// performs a final checkpoint and returns. It returns UnexpectedStopError
// only if an invariant is violated; any peer I/O error from do_checkpoint
// propagates directly.
func (c *CheckpointLoop) Run(ctx context.Context) error {
	logger := c.logger()
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	reportsCh := make(chan reportBatch)
	go c.pumpReports(reportsCh)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			if err := c.maybeCheckpoint(ctx); err != nil {
				return err
			}

		case batch := <-reportsCh:
			for _, r := range batch.reports {
				c.applyReport(r)
			}

			if batch.closed {
				c.mu.Lock()
				inProgress := len(c.state.SeqsInProgress)
				c.mu.Unlock()
				if inProgress != 0 {
					return &UnexpectedStopError{Detail: fmt.Sprintf("reports queue closed with %d seqs still in progress", inProgress)}
				}
				logger.Info("checkpoint.final", "rep_id", c.State().RepID)
				return c.doCheckpoint(ctx)
			}
		}
	}
}

// reportBatch is one parcel handed from pumpReports to Run: either a batch
// of reports drained from the queue, or the closed signal.
type reportBatch struct {
	reports []WorkerReport
	closed  bool
}

// pumpReports repeatedly blocks on ReportsQueue.Get and forwards whatever it
// reads to ch, so Run's select can treat "a report arrived" as just another
// event alongside the ticker and ctx cancellation. It exits once it forwards
// the closed signal.
func (c *CheckpointLoop) pumpReports(ch chan<- reportBatch) {
	for {
		reports, closed := c.ReportsQueue.Get(0)
		ch <- reportBatch{reports: reports, closed: closed}
		if closed {
			return
		}
	}
}

// applyReport implements §4.F's report-processing rules: sorted insertion
// of new claims, and the done-report gating logic for current_through_seq.
func (c *CheckpointLoop) applyReport(r WorkerReport) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !r.Done {
		c.insertInProgressLocked(r.Seq)
		return
	}

	if r.Seq.Ts > c.state.HighestSeqDone.Ts {
		c.state.HighestSeqDone = r.Seq
	}

	if len(c.state.SeqsInProgress) > 0 && c.state.SeqsInProgress[0].Equal(r.Seq) {
		c.state.SeqsInProgress = c.state.SeqsInProgress[1:]
		c.state.CurrentThroughSeq = r.Seq
	} else {
		c.removeInProgressLocked(r.Seq)
	}

	if len(c.state.SeqsInProgress) == 0 {
		c.state.CurrentThroughSeq = c.state.CurrentThroughSeq.Max(c.state.HighestSeqDone)
	}

	c.state.Stats = c.state.Stats.Add(r.Stats)
}

func (c *CheckpointLoop) insertInProgressLocked(seq TsSeq) {
	i := sort.Search(len(c.state.SeqsInProgress), func(i int) bool {
		return !c.state.SeqsInProgress[i].Less(seq)
	})
	c.state.SeqsInProgress = append(c.state.SeqsInProgress, TsSeq{})
	copy(c.state.SeqsInProgress[i+1:], c.state.SeqsInProgress[i:])
	c.state.SeqsInProgress[i] = seq
}

func (c *CheckpointLoop) removeInProgressLocked(seq TsSeq) {
	i := sort.Search(len(c.state.SeqsInProgress), func(i int) bool {
		return !c.state.SeqsInProgress[i].Less(seq)
	})
	if i < len(c.state.SeqsInProgress) && c.state.SeqsInProgress[i].Equal(seq) {
		c.state.SeqsInProgress = append(c.state.SeqsInProgress[:i], c.state.SeqsInProgress[i+1:]...)
	}
}

func (c *CheckpointLoop) maybeCheckpoint(ctx context.Context) error {
	c.mu.Lock()
	useCheckpoints := c.state.RepTask.UsesCheckpoints()
	noProgress := c.state.CommittedSeq.Equal(c.state.CurrentThroughSeq)
	c.mu.Unlock()

	if !useCheckpoints || noProgress {
		return nil
	}
	return c.doCheckpoint(ctx)
}

// doCheckpoint implements the two-phase protocol of §4.F: sample both
// peers' instance_start_time to detect a restart, then compose and write a
// new replication log on each peer.
func (c *CheckpointLoop) doCheckpoint(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	srcStart, err := c.Source.EnsureFullCommit(ctx)
	if err != nil {
		return err
	}
	if srcStart != state.SourceStartTime {
		return &PeerRestartError{Peer: "source", Was: state.SourceStartTime, Now: srcStart}
	}

	tgtStart, err := c.Target.EnsureFullCommit(ctx)
	if err != nil {
		return err
	}
	if tgtStart != state.TargetStartTime {
		return &PeerRestartError{Peer: "target", Was: state.TargetStartTime, Now: tgtStart}
	}

	now := time.Now()
	entry := HistoryEntry{
		SessionID:        state.SessionID,
		RecordedSeq:      state.CurrentThroughSeq.ID,
		StartTime:        formatCheckpointTime(state.ReplicationStartTime),
		EndTime:          formatCheckpointTime(now),
		StartLastSeq:     state.CommittedSeq.ID,
		EndLastSeq:       state.CurrentThroughSeq.ID,
		MissingChecked:   state.Stats.MissingChecked,
		MissingFound:     state.Stats.MissingFound,
		DocsRead:         state.Stats.DocsRead,
		DocsWritten:      state.Stats.DocsWritten,
		DocWriteFailures: state.Stats.DocWriteFailures,
	}

	history := append([]HistoryEntry{entry}, state.History...)
	if len(history) > MaxHistoryEntries {
		history = history[:MaxHistoryEntries]
	}

	log := ReplicationLog{
		SessionID:            state.SessionID,
		SourceLastSeq:        state.CurrentThroughSeq.ID,
		ReplicationIDVersion: 3,
		History:              history,
	}

	srcLog := log
	srcLog.Rev = state.SourceLogRev
	srcRev, err := c.Source.UpdateReplicationLog(ctx, state.RepID, srcLog)
	if err != nil {
		return err
	}

	tgtLog := log
	tgtLog.Rev = state.TargetLogRev
	tgtRev, err := c.Target.UpdateReplicationLog(ctx, state.RepID, tgtLog)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.state.CommittedSeq = c.state.CurrentThroughSeq
	c.state.History = history
	c.state.SourceLogRev = srcRev
	c.state.TargetLogRev = tgtRev
	c.state.LastCheckpointTime = now
	c.mu.Unlock()

	c.logger().Info("checkpoint.recorded", "rep_id", state.RepID, "through_seq", state.CurrentThroughSeq.ID)
	return nil
}

func (c *CheckpointLoop) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
