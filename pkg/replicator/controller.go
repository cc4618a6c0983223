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
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Controller is the Replication Controller (§4.G): it verifies peers,
// derives the replication id, loads prior checkpoints, initializes state,
// spawns the Changes Reader / Checkpoint Loop / worker pool, and supervises
// them (§5 Supervisor rules).
type Controller struct {
	Source Source
	Target Target
	Task   ReplicationTask
	UUID   string // replicator_uuid folded into the replication id
	Logger *slog.Logger

	checkpointerMu sync.Mutex
	checkpointer   *CheckpointLoop
}

// NewController builds a Controller for one replication run.
func NewController(source Source, target Target, task ReplicationTask, uuid string, logger *slog.Logger) *Controller {
	return &Controller{Source: source, Target: target, Task: task, UUID: uuid, Logger: logger}
}

// State returns a live snapshot of the run's ReplicationState, for callers
// polling progress from a separate goroutine while Run is in flight. The
// second return value is false before the checkpoint loop has been spawned.
func (c *Controller) State() (ReplicationState, bool) {
	c.checkpointerMu.Lock()
	defer c.checkpointerMu.Unlock()
	if c.checkpointer == nil {
		return ReplicationState{}, false
	}
	return c.checkpointer.State(), true
}

func (c *Controller) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Run executes the full startup sequence and supervises the spawned
// subtasks to completion, returning the final ReplicationState on success
// (§4.G, §5, §7).
func (c *Controller) Run(ctx context.Context) (ReplicationState, error) {
	if err := c.Task.Validate(); err != nil {
		return ReplicationState{}, err
	}

	source, err := NewPeerInfoFromConfig(c.Task.Source)
	if err != nil {
		return ReplicationState{}, err
	}
	target, err := NewPeerInfoFromConfig(c.Task.Target)
	if err != nil {
		return ReplicationState{}, err
	}

	logger := c.logger()

	// 1. Verify peers.
	if _, err := c.Source.Info(ctx); err != nil {
		return ReplicationState{}, fmt.Errorf("source.info: %w", err)
	}
	exists, err := c.Target.Exists(ctx)
	if err != nil {
		return ReplicationState{}, fmt.Errorf("target.exists: %w", err)
	}
	if !exists {
		if !c.Task.CreateTarget {
			return ReplicationState{}, &ConfigError{Message: "target database does not exist and create_target is false"}
		}
		if err := c.Target.Create(ctx); err != nil {
			return ReplicationState{}, fmt.Errorf("target.create: %w", err)
		}
	}
	targetInfo, err := c.Target.Info(ctx)
	if err != nil {
		return ReplicationState{}, fmt.Errorf("target.info: %w", err)
	}
	sourceInfo, err := c.Source.Info(ctx)
	if err != nil {
		return ReplicationState{}, fmt.Errorf("source.info: %w", err)
	}

	// 2. Derive replication id.
	filterCode := string(c.Task.Filter)
	if c.Task.Filter != "" && c.Task.Filter != FilterDocIDs && c.Task.Filter != FilterView {
		code, err := c.Source.GetFilterFunctionCode(ctx, string(c.Task.Filter))
		if err != nil {
			return ReplicationState{}, fmt.Errorf("source.get_filter_function_code: %w", err)
		}
		if code != "" {
			filterCode = code
		}
	}

	repID := c.Task.RepID
	if repID == "" {
		repID, err = ReplicationIDv3(c.UUID, source, target, ReplicationIDOptions{
			Continuous:   c.Task.Continuous,
			CreateTarget: c.Task.CreateTarget,
			DocIDs:       c.Task.DocIDs,
			Filter:       filterCode,
			QueryParams:  SortedQueryParams(c.Task.QueryParams),
		})
		if err != nil {
			return ReplicationState{}, err
		}
	}

	// 3. Load prior logs.
	sourceLog, err := c.Source.GetReplicationLog(ctx, repID)
	if err != nil {
		return ReplicationState{}, fmt.Errorf("source.get_replication_log: %w", err)
	}
	targetLog, err := c.Target.GetReplicationLog(ctx, repID)
	if err != nil {
		return ReplicationState{}, fmt.Errorf("target.get_replication_log: %w", err)
	}

	// 4. Find common ancestry.
	foundSeq, history := commonAncestry(sourceLog, targetLog)

	// 5. Compute start seq.
	startID := c.Task.SinceSeq
	if startID == nil {
		startID = foundSeq
	}
	startSeq := TsSeq{Ts: 0, ID: startID}

	// 6. Initialize state.
	sessionID := newSessionID()
	now := time.Now()
	state := ReplicationState{
		RepTask:               c.Task,
		RepID:                 repID,
		RepUUID:               c.UUID,
		ProtocolVersion:       3,
		SessionID:             sessionID,
		SourceSeq:             sourceInfo.UpdateSeq,
		StartSeq:              startSeq,
		CommittedSeq:          startSeq,
		CurrentThroughSeq:     startSeq,
		HighestSeqDone:        startSeq,
		ReplicationStartTime:  now,
		SourceStartTime:       sourceInfo.InstanceStartTime,
		TargetStartTime:       targetInfo.InstanceStartTime,
		LastCheckpointTime:    now,
		SourceLogRev:          sourceLog.Rev,
		TargetLogRev:          targetLog.Rev,
		History:               history,
	}

	logger.Info("replication.start", "rep_id", repID, "session_id", sessionID, "start_seq", startSeq.ID)

	// 7. Spawn.
	changesQueueCap := c.Task.WorkerProcesses * c.Task.WorkerBatchSize * 2
	changesQueue := NewWorkQueue[ChangesQueueItem](changesQueueCap)
	reportsQueue := NewWorkQueue[WorkerReport](0)

	reader := &ChangesReader{
		Source:       c.Source,
		Task:         c.Task,
		StartSeq:     startSeq,
		ChangesQueue: changesQueue,
		ReportsQueue: reportsQueue,
		Logger:       logger,
	}

	checkpointer := NewCheckpointLoop(c.Source, c.Target, reportsQueue, c.Task.CheckpointInterval, state, logger)
	c.checkpointerMu.Lock()
	c.checkpointer = checkpointer
	c.checkpointerMu.Unlock()

	// Each worker gets http_connections as its own concurrency cap, not a
	// fraction of it: spawn_worker in the original gives every worker the
	// task's full max_conns value.
	workers := make([]*Worker, c.Task.WorkerProcesses)
	for i := range workers {
		workers[i] = NewWorker(c.Source, c.Target, changesQueue, reportsQueue, c.Task.WorkerBatchSize, c.Task.HTTPConnections, logger)
	}

	// 8. Supervise.
	return c.supervise(ctx, repID, reader, checkpointer, workers)
}

// supervise implements the cancellation rules of §5: any subtask failing
// cancels the rest; when every worker finishes successfully, the reports
// queue is closed and the checkpoint loop's final checkpoint is awaited.
func (c *Controller) supervise(ctx context.Context, repID string, reader *ChangesReader, checkpointer *CheckpointLoop, workers []*Worker) (ReplicationState, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2+len(workers))

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := reader.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- &SubtaskError{RepID: repID, Subtask: "changes_reader", Cause: err}
		}
	}()

	var workerWG sync.WaitGroup
	workerErrs := make(chan error, len(workers))
	for _, w := range workers {
		workerWG.Add(1)
		go func(w *Worker) {
			defer workerWG.Done()
			if err := w.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				workerErrs <- err
			}
		}(w)
	}

	// Once every worker has returned, close the reports queue so the
	// checkpoint loop can perform its final checkpoint and exit (§5).
	go func() {
		workerWG.Wait()
		select {
		case err := <-workerErrs:
			errCh <- &SubtaskError{RepID: repID, Subtask: "worker", Cause: err}
			cancel()
			return
		default:
		}
		checkpointer.ReportsQueue.Close()
	}()

	var checkpointErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		checkpointErr = checkpointer.Run(runCtx)
		if checkpointErr != nil && !errors.Is(checkpointErr, context.Canceled) {
			errCh <- &SubtaskError{RepID: repID, Subtask: "checkpoint", Cause: checkpointErr}
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case err := <-errCh:
		cancel()
		<-done
		return checkpointer.State(), err
	case <-done:
		select {
		case err := <-errCh:
			return checkpointer.State(), err
		default:
			return checkpointer.State(), nil
		}
	}
}

// commonAncestry implements §4.G step 4: if either log is empty, there is
// no common history; if session ids match, trust the source log outright;
// otherwise walk both history lists pairwise looking for the first shared
// session id.
func commonAncestry(source, target ReplicationLog) (Seq, []HistoryEntry) {
	if len(source.History) == 0 || len(target.History) == 0 {
		return nil, nil
	}
	if source.SessionID == target.SessionID {
		return source.SourceLastSeq, source.History
	}

	srcHist, tgtHist := source.History, target.History
	for len(srcHist) > 0 && len(tgtHist) > 0 {
		if containsSession(tgtHist, srcHist[0].SessionID) {
			return srcHist[0].RecordedSeq, srcHist[1:]
		}
		if containsSession(srcHist[1:], tgtHist[0].SessionID) {
			return tgtHist[0].RecordedSeq, tgtHist[1:]
		}
		srcHist = srcHist[1:]
		tgtHist = tgtHist[1:]
	}
	return nil, nil
}

func containsSession(history []HistoryEntry, sessionID string) bool {
	for _, e := range history {
		if e.SessionID == sessionID {
			return true
		}
	}
	return false
}

func newSessionID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
