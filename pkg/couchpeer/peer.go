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

// Package couchpeer is the concrete HTTP implementation of
// replicator.Source and replicator.Target against a CouchDB-compatible
// database. Per the core's scope boundary, it represents a
// document+attachments pair using CouchDB's inline-base64 _attachments
// JSON encoding rather than multipart/related: this keeps the wire layer
// inside encoding/json while still round-tripping attachment bytes
// faithfully.
package couchpeer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/kraklabs/couchrepl/pkg/replicator"
)

// Peer is one CouchDB-compatible database endpoint. It implements both
// replicator.Source and replicator.Target; which methods a given
// replication actually calls is determined by the controller, not by this
// type.
type Peer struct {
	Info   replicator.PeerInfo
	Client *http.Client
}

// New builds a Peer from its resolved PeerInfo. A nil client defaults to
// http.DefaultClient.
func New(info replicator.PeerInfo, client *http.Client) *Peer {
	if client == nil {
		client = http.DefaultClient
	}
	return &Peer{Info: info, Client: client}
}

func (p *Peer) dbURL(parts ...string) string {
	u := strings.TrimRight(p.Info.URL, "/")
	for _, part := range parts {
		u += "/" + part
	}
	return u
}

func (p *Peer) do(ctx context.Context, method, rawURL string, query url.Values, body interface{}) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	if query != nil {
		if strings.Contains(rawURL, "?") {
			rawURL += "&" + query.Encode()
		} else {
			rawURL += "?" + query.Encode()
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	replicator.ApplyAuth(req, p.Info)

	return p.Client.Do(req)
}

func readJSONBody(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func drain(resp *http.Response) {
	defer resp.Body.Close()
	_, _ = bufio.NewReader(resp.Body).Discard(1 << 20)
}

func httpError(op string, resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := bufio.NewReader(resp.Body).Peek(2048)
	return &replicator.FatalHTTPError{Op: op, Status: resp.StatusCode, Body: string(body)}
}

// Exists checks whether the database exists, per replicator.Peer.
func (p *Peer) Exists(ctx context.Context) (bool, error) {
	resp, err := p.do(ctx, http.MethodHead, p.Info.URL, nil, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, httpError("exists", resp)
	}
}

// Create creates the database, per replicator.Target.
func (p *Peer) Create(ctx context.Context) error {
	resp, err := p.do(ctx, http.MethodPut, p.Info.URL, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusPreconditionFailed {
		return httpError("create", resp)
	}
	return nil
}

type dbInfoResponse struct {
	InstanceStartTime string      `json:"instance_start_time"`
	UpdateSeq         interface{} `json:"update_seq"`
	DocCount          int64       `json:"doc_count"`
}

// Info returns the database's self-reported state, per replicator.Peer.
func (p *Peer) Info(ctx context.Context) (replicator.PeerInfoResult, error) {
	resp, err := p.do(ctx, http.MethodGet, p.Info.URL, nil, nil)
	if err != nil {
		return replicator.PeerInfoResult{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return replicator.PeerInfoResult{}, httpError("info", resp)
	}
	var body dbInfoResponse
	if err := readJSONBody(resp, &body); err != nil {
		return replicator.PeerInfoResult{}, err
	}
	return replicator.PeerInfoResult{
		InstanceStartTime: body.InstanceStartTime,
		UpdateSeq:         body.UpdateSeq,
		DocCount:          body.DocCount,
	}, nil
}

// EnsureFullCommit flushes pending writes to disk and returns the
// resulting instance_start_time, per replicator.Peer.
func (p *Peer) EnsureFullCommit(ctx context.Context) (string, error) {
	resp, err := p.do(ctx, http.MethodPost, p.dbURL("_ensure_full_commit"), nil, struct{}{})
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", httpError("ensure_full_commit", resp)
	}
	var body struct {
		InstanceStartTime string `json:"instance_start_time"`
	}
	if err := readJSONBody(resp, &body); err != nil {
		return "", err
	}
	return body.InstanceStartTime, nil
}

// GetReplicationLog fetches the checkpoint document at _local/<repID>,
// returning a zero-value ReplicationLog if it does not yet exist, per
// replicator.Peer.
func (p *Peer) GetReplicationLog(ctx context.Context, repID string) (replicator.ReplicationLog, error) {
	resp, err := p.do(ctx, http.MethodGet, p.dbURL("_local", repID), nil, nil)
	if err != nil {
		return replicator.ReplicationLog{}, err
	}
	if resp.StatusCode == http.StatusNotFound {
		drain(resp)
		return replicator.ReplicationLog{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return replicator.ReplicationLog{}, httpError("get_replication_log", resp)
	}
	var log replicator.ReplicationLog
	if err := readJSONBody(resp, &log); err != nil {
		return replicator.ReplicationLog{}, err
	}
	return log, nil
}

// UpdateReplicationLog writes a checkpoint document, per replicator.Peer.
func (p *Peer) UpdateReplicationLog(ctx context.Context, repID string, doc replicator.ReplicationLog) (string, error) {
	resp, err := p.do(ctx, http.MethodPut, p.dbURL("_local", repID), nil, doc)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", httpError("update_replication_log", resp)
	}
	var result struct {
		Rev string `json:"rev"`
	}
	if err := readJSONBody(resp, &result); err != nil {
		return "", err
	}
	return result.Rev, nil
}

// GetFilterFunctionCode fetches a filter function's source from its design
// document, returning "" for a builtin filter or no filter at all, per
// replicator.Source.
func (p *Peer) GetFilterFunctionCode(ctx context.Context, filterName string) (string, error) {
	if filterName == "" || strings.HasPrefix(filterName, "_") {
		return "", nil
	}
	ddocName, funcName, ok := strings.Cut(filterName, "/")
	if !ok {
		return "", &replicator.ConfigError{Message: fmt.Sprintf("malformed filter name %q, expected ddoc/name", filterName)}
	}

	resp, err := p.do(ctx, http.MethodGet, p.dbURL("_design", ddocName), nil, nil)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", httpError("get_filter_function_code", resp)
	}
	var ddoc struct {
		Filters map[string]string `json:"filters"`
	}
	if err := readJSONBody(resp, &ddoc); err != nil {
		return "", err
	}
	return ddoc.Filters[funcName], nil
}

// RevsDiff reduces a proposed revision set to the subset Target is missing,
// per replicator.Target.
func (p *Peer) RevsDiff(ctx context.Context, idRevs map[string][]string) (map[string]replicator.RevDiff, error) {
	resp, err := p.do(ctx, http.MethodPost, p.dbURL("_revs_diff"), nil, idRevs)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, httpError("revs_diff", resp)
	}
	var raw map[string]struct {
		Missing           []string `json:"missing"`
		PossibleAncestors []string `json:"possible_ancestors"`
	}
	if err := readJSONBody(resp, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]replicator.RevDiff, len(raw))
	for docID, entry := range raw {
		out[docID] = replicator.RevDiff{Missing: entry.Missing, PossibleAncestors: entry.PossibleAncestors}
	}
	return out, nil
}

// attachmentStub is CouchDB's inline-base64 _attachments entry.
type attachmentStub struct {
	ContentType string `json:"content_type"`
	Data        string `json:"data"`
	Length      int    `json:"length"`
}

// OpenDocRevs fetches the leaf revisions named in openRevs (as
// ?open_revs=[...]&attachments=true&latest=true&revs=true), decoding each
// into a replicator.RevisionDoc with attachments extracted from their
// inline base64 payloads, per replicator.Source.
func (p *Peer) OpenDocRevs(ctx context.Context, docID string, openRevs []string, atsSince []string, onDoc func(replicator.RevisionDoc) error) error {
	revsJSON, err := json.Marshal(openRevs)
	if err != nil {
		return err
	}
	query := url.Values{
		"open_revs":   {string(revsJSON)},
		"attachments": {"true"},
		"latest":      {"true"},
		"revs":        {"true"},
	}
	if len(atsSince) > 0 {
		atsJSON, err := json.Marshal(atsSince)
		if err != nil {
			return err
		}
		query.Set("atts_since", string(atsJSON))
	}

	resp, err := p.do(ctx, http.MethodGet, p.dbURL(url.PathEscape(docID)), query, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return httpError("open_doc_revs", resp)
	}
	defer resp.Body.Close()

	var parts []struct {
		OK  json.RawMessage `json:"ok"`
		Err json.RawMessage `json:"missing"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parts); err != nil {
		return err
	}

	for _, part := range parts {
		if len(part.OK) == 0 {
			continue
		}
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(part.OK, &raw); err != nil {
			return err
		}

		var rev string
		if revField, ok := raw["_rev"]; ok {
			_ = json.Unmarshal(revField, &rev)
		}

		attachments := make(map[string][]byte)
		if stubsField, ok := raw["_attachments"]; ok {
			var stubs map[string]attachmentStub
			if err := json.Unmarshal(stubsField, &stubs); err != nil {
				return err
			}
			for name, stub := range stubs {
				decoded, err := base64.StdEncoding.DecodeString(stub.Data)
				if err != nil {
					return fmt.Errorf("decode attachment %q of %s: %w", name, docID, err)
				}
				attachments[name] = decoded
			}
		}

		if err := onDoc(replicator.RevisionDoc{Rev: rev, Body: part.OK, Attachments: attachments}); err != nil {
			return err
		}
	}
	return nil
}

// Changes drives the database's change feed, pushing items to out until
// end-of-feed or ctx cancellation, per replicator.Source. Both feed styles
// are read line by line as the response arrives: each change row is pushed
// as an event, and the terminating item carries the feed's last_seq (or,
// when the feed sends none, the seq of the last row read).
func (p *Peer) Changes(ctx context.Context, out *replicator.WorkQueue[replicator.ChangesFeedItem], opts replicator.ChangesOptions) error {
	query := url.Values{"style": {"all_docs"}}
	if opts.Continuous {
		query.Set("feed", "continuous")
	} else {
		query.Set("feed", "normal")
	}
	if opts.Since != nil {
		query.Set("since", fmt.Sprint(opts.Since))
	}
	if replicator.Filter(opts.Filter) == replicator.FilterDocIDs {
		query.Set("filter", "_doc_ids")
	} else if replicator.Filter(opts.Filter) == replicator.FilterView {
		query.Set("filter", "_view")
		if opts.View != "" {
			query.Set("view", opts.View)
		}
	} else if opts.Filter != "" {
		query.Set("filter", opts.Filter)
	}
	for k, v := range opts.QueryParams {
		query.Set(k, v)
	}

	var body interface{}
	if len(opts.DocIDs) > 0 {
		body = map[string][]string{"doc_ids": opts.DocIDs}
	}

	method := http.MethodGet
	if body != nil {
		method = http.MethodPost
	}

	resp, err := p.do(ctx, method, p.dbURL("_changes"), query, body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return httpError("changes", resp)
	}
	defer resp.Body.Close()

	type changeRow struct {
		Seq     interface{} `json:"seq"`
		ID      string      `json:"id"`
		Deleted bool        `json:"deleted"`
		Changes []struct {
			Rev string `json:"rev"`
		} `json:"changes"`
		LastSeq interface{} `json:"last_seq"`
	}

	var lastSeq interface{}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		// A normal feed's result rows end in a comma, and its closing line
		// is `"last_seq":...,"pending":...}` without the opening brace.
		line := strings.TrimSuffix(strings.TrimSpace(scanner.Text()), ",")
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, `"last_seq"`) {
			line = "{" + line
		}
		var row changeRow
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			continue // framing line of a normal feed
		}
		if row.ID == "" {
			if row.LastSeq != nil {
				lastSeq = row.LastSeq
			}
			continue
		}
		lastSeq = row.Seq
		revs := make([]string, len(row.Changes))
		for i, c := range row.Changes {
			revs[i] = c.Rev
		}
		event := replicator.ChangeEvent{Seq: row.Seq, DocID: row.ID, Revs: revs, Deleted: row.Deleted}
		if err := out.Put(replicator.ChangesFeedItem{Seq: row.Seq, Event: &event}); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return out.Put(replicator.ChangesFeedItem{Seq: lastSeq, Event: nil})
}

// UpdateDoc stores one document+attachments in no-new-edits mode, encoding
// doc.Attachments back into CouchDB's inline-base64 _attachments object
// before the PUT, per replicator.Target.
func (p *Peer) UpdateDoc(ctx context.Context, doc replicator.RevisionDoc, docID string) error {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(doc.Body, &body); err != nil {
		return err
	}
	if len(doc.Attachments) > 0 {
		stubs := make(map[string]attachmentStub, len(doc.Attachments))
		for name, data := range doc.Attachments {
			stubs[name] = attachmentStub{
				ContentType: "application/octet-stream",
				Data:        base64.StdEncoding.EncodeToString(data),
				Length:      len(data),
			}
		}
		encoded, err := json.Marshal(stubs)
		if err != nil {
			return err
		}
		body["_attachments"] = encoded
	}

	query := url.Values{"new_edits": {"false"}}
	resp, err := p.do(ctx, http.MethodPut, p.dbURL(url.PathEscape(docID)), query, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		respBody, _ := bufio.NewReader(resp.Body).Peek(2048)
		return &replicator.NonFatalWriteError{DocID: docID, Rev: doc.Rev, Reason: string(respBody)}
	default:
		return httpError("update_doc", resp)
	}
}

// UpdateDocs bulk-stores docs in no-new-edits mode, per replicator.Target.
func (p *Peer) UpdateDocs(ctx context.Context, docs []replicator.BulkDoc) ([]*replicator.NonFatalWriteError, error) {
	payload := make([]map[string]interface{}, len(docs))
	for i, doc := range docs {
		body := make(map[string]interface{}, len(doc.Body)+2)
		for k, v := range doc.Body {
			body[k] = v
		}
		body["_id"] = doc.ID
		if doc.Rev != "" {
			body["_rev"] = doc.Rev
		}
		payload[i] = body
	}

	resp, err := p.do(ctx, http.MethodPost, p.dbURL("_bulk_docs"), nil, map[string]interface{}{
		"docs":       payload,
		"new_edits":  false,
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, httpError("update_docs", resp)
	}

	var results []struct {
		ID     string `json:"id"`
		Rev    string `json:"rev"`
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	if err := readJSONBody(resp, &results); err != nil {
		return nil, err
	}

	var failed []*replicator.NonFatalWriteError
	for _, r := range results {
		if r.Error != "" {
			failed = append(failed, &replicator.NonFatalWriteError{DocID: r.ID, Rev: r.Rev, Reason: r.Reason})
		}
	}
	return failed, nil
}
