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
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
)

// WorkerReport is what a Worker (or the ChangesReader, for its synthetic
// final report) pushes to the reports queue: a claim (Done=false) or its
// resolution (Done=true), carrying the batch's highest seq and the stats
// delta accumulated processing it (§4.E, §4.F).
type WorkerReport struct {
	Done  bool
	Seq   TsSeq
	Stats ReplicationStats
}

// bulkBufferThreshold caps the per-worker docs buffer before it is flushed
// via Target.UpdateDocs (§9 Open Question 3): bulk writes never mix with
// attachment-bearing streamed docs, and the buffer never exceeds
// min(batch_size, 100).
const bulkBufferThreshold = 100

// Worker pulls batches of changes, computes missing revisions on Target,
// fetches those revisions (with attachments) from Source, writes them to
// Target, and reports per-batch progress (§4.E).
type Worker struct {
	ID           string
	Source       Source
	Target       Target
	ChangesQueue *WorkQueue[ChangesQueueItem]
	ReportsQueue *WorkQueue[WorkerReport]
	BatchSize    int
	MaxConns     int
	Logger       *slog.Logger
}

// NewWorker builds a Worker with a random hex id, mirroring the original
// implementation's os.urandom(4)-derived worker id.
func NewWorker(source Source, target Target, changesQueue *WorkQueue[ChangesQueueItem], reportsQueue *WorkQueue[WorkerReport], batchSize, maxConns int, logger *slog.Logger) *Worker {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return &Worker{
		ID:           hex.EncodeToString(buf),
		Source:       source,
		Target:       target,
		ChangesQueue: changesQueue,
		ReportsQueue: reportsQueue,
		BatchSize:    batchSize,
		MaxConns:     maxConns,
		Logger:       logger,
	}
}

// Run executes the worker's main loop (§4.E steps 1-9) until the changes
// queue closes or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	logger := w.logger()
	batchSize := w.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, closed := w.ChangesQueue.Get(batchSize)
		if closed {
			return nil
		}
		if len(batch) == 0 {
			continue
		}

		sort.Slice(batch, func(i, j int) bool { return batch[i].Seq.Less(batch[j].Seq) })
		reportSeq := batch[len(batch)-1].Seq

		if err := w.ReportsQueue.Put(WorkerReport{Done: false, Seq: reportSeq}); err != nil {
			return err
		}

		stats, err := w.processBatch(ctx, batch)
		if err != nil {
			return &SubtaskError{WorkerID: w.ID, Subtask: "worker", Cause: err}
		}

		logger.Debug("worker.batch.done", "worker_id", w.ID, "seq", reportSeq, "docs_written", stats.DocsWritten)
		if err := w.ReportsQueue.Put(WorkerReport{Done: true, Seq: reportSeq, Stats: stats}); err != nil {
			return err
		}
	}
}

// processBatch implements §4.E steps 4-7: fold the batch into per-doc
// revision sets, diff against Target, fetch missing revisions from Source,
// and write them to Target (streamed when attachment-bearing, bulk-batched
// otherwise).
func (w *Worker) processBatch(ctx context.Context, batch []ChangesQueueItem) (ReplicationStats, error) {
	var stats ReplicationStats

	idRevs := make(map[string][]string)
	order := make([]string, 0, len(batch))
	seen := make(map[string]map[string]bool)
	for _, item := range batch {
		docID := item.Event.DocID
		if seen[docID] == nil {
			seen[docID] = make(map[string]bool)
			order = append(order, docID)
		}
		for _, rev := range item.Event.Revs {
			if !seen[docID][rev] {
				seen[docID][rev] = true
				idRevs[docID] = append(idRevs[docID], rev)
			}
		}
	}

	diff, err := w.Target.RevsDiff(ctx, idRevs)
	if err != nil {
		return stats, err
	}

	var totalChecked, totalMissing int64
	for docID, revs := range idRevs {
		totalChecked += int64(len(revs))
		totalMissing += int64(len(diff[docID].Missing))
	}
	stats.MissingChecked += totalChecked
	stats.MissingFound += totalMissing

	threshold := bulkBufferThreshold
	if w.BatchSize > 0 && w.BatchSize < threshold {
		threshold = w.BatchSize
	}

	var mu sync.Mutex
	var buffer []BulkDoc
	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		failed, err := w.Target.UpdateDocs(ctx, buffer)
		if err != nil {
			return err
		}
		stats.DocsWritten += int64(len(buffer) - len(failed))
		stats.DocWriteFailures += int64(len(failed))
		buffer = buffer[:0]
		return nil
	}

	sem := make(chan struct{}, maxInt(w.MaxConns, 1))
	var wg sync.WaitGroup
	var firstErr error

	for _, docID := range order {
		rd := diff[docID]
		if len(rd.Missing) == 0 {
			continue
		}
		docID := docID
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			err := w.Source.OpenDocRevs(ctx, docID, rd.Missing, rd.PossibleAncestors, func(doc RevisionDoc) error {
				mu.Lock()
				defer mu.Unlock()
				stats.DocsRead++
				if len(doc.Attachments) > 0 {
					writeErr := w.Target.UpdateDoc(ctx, doc, docID)
					if _, ok := writeErr.(*NonFatalWriteError); ok {
						stats.DocWriteFailures++
						return nil
					}
					if writeErr != nil {
						return writeErr
					}
					stats.DocsWritten++
					return nil
				}

				var body map[string]interface{}
				if err := json.Unmarshal(doc.Body, &body); err != nil {
					return err
				}
				buffer = append(buffer, BulkDoc{ID: docID, Rev: doc.Rev, Body: body})
				if len(buffer) >= threshold {
					return flush()
				}
				return nil
			})

			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if firstErr != nil {
		return stats, firstErr
	}

	mu.Lock()
	err = flush()
	mu.Unlock()
	if err != nil {
		return stats, err
	}

	return stats, nil
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
