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
	"errors"
	"time"
)

// GenDelays returns the first n values of the backoff schedule described in
// §5, cycling every `retries` delays. Mirrors abc.gen_delays from the
// original implementation exactly, including its quirk that the first delay
// of every cycle is always 1s regardless of maxDelay (an artifact of
// itertools.accumulate seeding its output with the untransformed first
// element): GenDelays(5, 15*time.Second, 11) ==
// [1,4,8,15,15,1,4,8,15,15,1] (seconds).
func GenDelays(retries int, maxDelay time.Duration, n int) []time.Duration {
	out := make([]time.Duration, n)
	for i := 0; i < n; i++ {
		j := i % retries
		if j == 0 {
			out[i] = 1 * time.Second
			continue
		}
		d := time.Duration(1) << uint(j+1) * time.Second
		if d > maxDelay {
			d = maxDelay
		}
		out[i] = d
	}
	return out
}

// DefaultMaxDelay is the generic backoff ceiling (§5, Open Question 2).
const DefaultMaxDelay = 600 * time.Second

// PeerMaxDelay is the backoff ceiling for peer-scoped retries (§5). No peer
// call in this package or pkg/couchpeer is wrapped in RetryIfFailed.
const PeerMaxDelay = 300 * time.Second

// IsExpected reports whether err matches one of the expected (retryable)
// error sentinels/types, the way retry_if_failed's expected_errors parameter
// filters which exceptions are retried at all.
type IsExpected func(error) bool

// RetryIfFailed runs op up to retries+1 times (the original attempt plus
// `retries` retries), sleeping according to GenDelays between attempts,
// until op succeeds, ctx is cancelled, or retries are exhausted. Only
// errors matching expected are retried; anything else is returned
// immediately, matching retry_if_failed's expected_errors behavior and
// abc.retry_if_failed's fixed default of max_delay=600s (here overridable).
func RetryIfFailed(ctx context.Context, retries int, maxDelay time.Duration, expected IsExpected, op func(context.Context) error) error {
	if retries < 1 {
		retries = 1
	}
	delays := GenDelays(retries, maxDelay, retries)
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if expected != nil && !expected(lastErr) {
			return lastErr
		}
		if attempt == retries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delays[attempt]):
		}
	}
	return lastErr
}

// IsTransientNetworkError reports whether err looks like a transient
// network failure (connection refused/reset, timeout) rather than a fatal
// HTTP status or configuration error (§7).
func IsTransientNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var fatal *FatalHTTPError
	if errors.As(err, &fatal) {
		return false
	}
	var cfg *ConfigError
	if errors.As(err, &cfg) {
		return false
	}
	var restart *PeerRestartError
	if errors.As(err, &restart) {
		return false
	}
	return true
}
