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
	"log/slog"
)

// ChangesReader consumes the Source's change feed, stamps each event with a
// monotonic TsSeq, and feeds changesQueue; on end-of-feed it synthesizes a
// final "done" report on reportsQueue even if no worker ever touched that
// seq (important for filtered feeds, §4.D).
type ChangesReader struct {
	Source       Source
	Task         ReplicationTask
	StartSeq     TsSeq
	ChangesQueue *WorkQueue[ChangesQueueItem]
	ReportsQueue *WorkQueue[WorkerReport]
	Logger       *slog.Logger
}

// ChangesQueueItem is one entry pushed to the changes queue: a stamped seq
// paired with the underlying change event.
type ChangesQueueItem struct {
	Seq   TsSeq
	Event ChangeEvent
}

// Run drives the Source's change feed to completion (or until ctx is
// cancelled), translating each event into a ChangesQueueItem and finishing
// with a synthetic done report for the feed's last seq (§4.D step 2). The
// inbox capacity mirrors changesQueue's so a fast feed cannot run away from
// a slow worker pool.
func (r *ChangesReader) Run(ctx context.Context) error {
	logger := r.logger()
	inbox := NewWorkQueue[ChangesFeedItem](r.ChangesQueue.Capacity())

	feedErrCh := make(chan error, 1)
	go func() {
		feedErrCh <- r.Source.Changes(ctx, inbox, ChangesOptions{
			Continuous:  r.Task.Continuous,
			DocIDs:      r.Task.DocIDs,
			Filter:      string(r.Task.Filter),
			QueryParams: r.Task.QueryParams,
			Since:       r.StartSeq.ID,
			View:        r.Task.View,
		})
	}()

	ts := r.StartSeq.Ts + 1
	for {
		items, closed := inbox.Get(1)
		if closed {
			select {
			case err := <-feedErrCh:
				if err != nil {
					return err
				}
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		}

		for _, item := range items {
			if item.Event == nil {
				// End-of-feed marker: (last_seq, null).
				logger.Debug("changes_reader.end_of_feed", "seq", item.Seq)
				if err := r.ReportsQueue.Put(WorkerReport{Done: true, Seq: TsSeq{Ts: ts, ID: item.Seq}}); err != nil {
					return err
				}
				r.ChangesQueue.Close()
				select {
				case err := <-feedErrCh:
					return err
				case <-ctx.Done():
					return ctx.Err()
				}
			}

			stamped := TsSeq{Ts: ts, ID: item.Seq}
			if err := r.ChangesQueue.Put(ChangesQueueItem{Seq: stamped, Event: *item.Event}); err != nil {
				return err
			}
			ts++
		}
	}
}

func (r *ChangesReader) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
