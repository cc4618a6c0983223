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
	"crypto/md5" //nolint:gosec // G501: MD5 is the protocol-specified hash for replication-id v3, not used for security
	"sort"
	"strings"

	"github.com/kraklabs/couchrepl/pkg/replicator/erlterm"
)

// QueryParam is one filter query-string parameter, folded into the v3 term
// in the order given: the original hashes a dict's params sorted by key, but
// a caller handed an explicit ordered list gets that order preserved
// verbatim (§8 scenario S6). SortedQueryParams builds the sorted form for
// the common case of a Go map, which has no order of its own.
type QueryParam struct {
	Key   string
	Value string
}

// SortedQueryParams converts a key/value map into QueryParams sorted by key,
// the only sane ordering for a type with no ordering of its own.
func SortedQueryParams(params map[string]string) []QueryParam {
	out := make([]QueryParam, 0, len(params))
	for k, v := range params {
		out = append(out, QueryParam{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ReplicationIDOptions carries the options v3 folds into the id, beyond the
// two peers themselves (§4.C).
type ReplicationIDOptions struct {
	Continuous   bool
	CreateTarget bool
	DocIDs       []string
	Filter       string
	QueryParams  []QueryParam
}

// ReplicationIDv3 derives the deterministic replication id for a task: the
// hex MD5 digest of an erlterm-encoded term list, followed by +continuous
// and +create_target suffixes in that fixed order when set (§4.C, §8
// property 1 and scenario S6).
func ReplicationIDv3(uuid string, source, target PeerInfo, opts ReplicationIDOptions) (string, error) {
	sourceEndpoint, err := peerEndpointTerm(source)
	if err != nil {
		return "", err
	}
	targetEndpoint, err := peerEndpointTerm(target)
	if err != nil {
		return "", err
	}

	terms := erlterm.List{erlterm.Binary(uuid), sourceEndpoint, targetEndpoint}
	terms = appendFilterInfo(terms, opts)

	digest := md5.Sum(erlterm.Encode(terms)) //nolint:gosec // see above
	id := hexDigest(digest)
	return appendOptionSuffixes(id, opts), nil
}

// peerEndpointTerm builds the {remote, url, sorted_headers} tuple §4.C
// hashes for one peer. Only http(s) peers are supported; anything else is a
// configuration error. The url and header name/value are hashed as Erlang
// strings (STRING_EXT), not binaries: they're never explicitly encoded to
// bytes before being folded into the term, unlike uuid/doc_ids/filter/query
// params, which the wire protocol hands over as raw bytes. Header names are
// upper-cased to match the canonical form CouchDB itself hashes.
func peerEndpointTerm(peer PeerInfo) (erlterm.Term, error) {
	url := maybeAppendTrailingSlash(peer.URL)
	if !strings.HasPrefix(url, "http") {
		return nil, &ConfigError{Message: "only http(s) peers are supported, got " + url}
	}
	headerPairs := peer.SortedHeaders()
	headerTerms := make(erlterm.List, len(headerPairs))
	for i, pair := range headerPairs {
		headerTerms[i] = erlterm.Tuple{erlterm.Str(strings.ToUpper(pair[0])), erlterm.Str(pair[1])}
	}
	return erlterm.Tuple{erlterm.Atom("remote"), erlterm.Str(url), headerTerms}, nil
}

func maybeAppendTrailingSlash(url string) string {
	if !strings.HasPrefix(url, "http") {
		return url
	}
	if strings.HasSuffix(url, "/") {
		return url
	}
	return url + "/"
}

// appendFilterInfo implements the filter discriminator rules of §4.C:
//   - no filter, no doc_ids: nothing appended;
//   - no filter, non-empty doc_ids: append the list of ids;
//   - filter set: append [stripped_filter, (query_params in opts' order,)].
func appendFilterInfo(terms erlterm.List, opts ReplicationIDOptions) erlterm.List {
	if opts.Filter == "" {
		if len(opts.DocIDs) > 0 {
			ids := make(erlterm.List, len(opts.DocIDs))
			for i, id := range opts.DocIDs {
				ids[i] = erlterm.Binary(id)
			}
			terms = append(terms, ids)
		}
		return terms
	}

	paramTerms := make(erlterm.List, len(opts.QueryParams))
	for i, p := range opts.QueryParams {
		paramTerms[i] = erlterm.Tuple{erlterm.Binary(p.Key), erlterm.Binary(p.Value)}
	}
	terms = append(terms, erlterm.Binary(strings.TrimSpace(opts.Filter)))
	terms = append(terms, erlterm.Tuple{paramTerms})
	return terms
}

// appendOptionSuffixes appends +continuous and +create_target, in that
// order, when set.
func appendOptionSuffixes(id string, opts ReplicationIDOptions) string {
	if opts.Continuous {
		id += "+continuous"
	}
	if opts.CreateTarget {
		id += "+create_target"
	}
	return id
}

const hexDigits = "0123456789abcdef"

func hexDigest(sum [md5.Size]byte) string {
	out := make([]byte, 0, len(sum)*2)
	for _, b := range sum {
		out = append(out, hexDigits[b>>4], hexDigits[b&0x0f])
	}
	return string(out)
}
