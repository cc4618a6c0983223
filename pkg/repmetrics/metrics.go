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

// Package repmetrics exposes a replication run's ReplicationStats as
// Prometheus metrics, for cmd/couchrepl serve's /metrics endpoint.
package repmetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kraklabs/couchrepl/pkg/replicator"
)

// Collector mirrors one ReplicationState snapshot as a set of Prometheus
// gauges, labeled by replication id. Gauges rather than counters: the
// controller already tracks cumulative totals in ReplicationStats, and
// Observe is called with the current absolute snapshot, not a delta.
type Collector struct {
	missingChecked   *prometheus.GaugeVec
	missingFound     *prometheus.GaugeVec
	docsRead         *prometheus.GaugeVec
	docsWritten      *prometheus.GaugeVec
	docWriteFailures *prometheus.GaugeVec
	seqsInProgress   *prometheus.GaugeVec
	lastCheckpoint   *prometheus.GaugeVec
}

// NewCollector builds a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		missingChecked:   newGaugeVec("missing_checked_total", "Revisions checked against the target via revs_diff."),
		missingFound:     newGaugeVec("missing_found_total", "Revisions found missing on the target via revs_diff."),
		docsRead:         newGaugeVec("docs_read_total", "Document revisions fetched from the source."),
		docsWritten:      newGaugeVec("docs_written_total", "Document revisions written to the target."),
		docWriteFailures: newGaugeVec("doc_write_failures_total", "Document writes rejected by the target (401/403 or bulk item error)."),
		seqsInProgress:   newGaugeVec("seqs_in_progress", "Claimed sequence positions not yet resolved by the checkpoint loop."),
		lastCheckpoint:   newGaugeVec("last_checkpoint_unix_seconds", "Unix timestamp of the last successful checkpoint."),
	}
	reg.MustRegister(
		c.missingChecked, c.missingFound, c.docsRead, c.docsWritten,
		c.docWriteFailures, c.seqsInProgress, c.lastCheckpoint,
	)
	return c
}

func newGaugeVec(name, help string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "couchrepl",
		Name:      name,
		Help:      help,
	}, []string{"rep_id"})
}

// Observe updates every metric from one ReplicationState snapshot.
func (c *Collector) Observe(state replicator.ReplicationState) {
	labels := prometheus.Labels{"rep_id": state.RepID}

	c.missingChecked.With(labels).Set(float64(state.Stats.MissingChecked))
	c.missingFound.With(labels).Set(float64(state.Stats.MissingFound))
	c.docsRead.With(labels).Set(float64(state.Stats.DocsRead))
	c.docsWritten.With(labels).Set(float64(state.Stats.DocsWritten))
	c.docWriteFailures.With(labels).Set(float64(state.Stats.DocWriteFailures))
	c.seqsInProgress.With(labels).Set(float64(len(state.SeqsInProgress)))
	if !state.LastCheckpointTime.IsZero() {
		c.lastCheckpoint.With(labels).Set(float64(state.LastCheckpointTime.Unix()))
	}
}
