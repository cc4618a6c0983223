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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenDelays_MatchesReferenceSchedule(t *testing.T) {
	got := GenDelays(5, 15*time.Second, 11)
	want := []time.Duration{
		1 * time.Second, 4 * time.Second, 8 * time.Second, 15 * time.Second, 15 * time.Second,
		1 * time.Second, 4 * time.Second, 8 * time.Second, 15 * time.Second, 15 * time.Second,
		1 * time.Second,
	}
	assert.Equal(t, want, got)
}

func TestRetryIfFailed_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := RetryIfFailed(context.Background(), 3, time.Millisecond, nil, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryIfFailed_StopsImmediatelyOnUnexpectedError(t *testing.T) {
	unexpected := errors.New("do not retry me")
	attempts := 0
	err := RetryIfFailed(context.Background(), 5, time.Millisecond, func(e error) bool { return false }, func(ctx context.Context) error {
		attempts++
		return unexpected
	})
	assert.ErrorIs(t, err, unexpected)
	assert.Equal(t, 1, attempts)
}

func TestRetryIfFailed_ExhaustsRetriesAndReturnsLastError(t *testing.T) {
	attempts := 0
	err := RetryIfFailed(context.Background(), 2, time.Millisecond, nil, func(ctx context.Context) error {
		attempts++
		return errors.New("always fails")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts) // original attempt + 2 retries
}

func TestRetryIfFailed_ContextCancelledWhileWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := RetryIfFailed(ctx, 5, time.Minute, nil, func(ctx context.Context) error {
		attempts++
		return errors.New("always fails")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, attempts, 6)
}

func TestIsTransientNetworkError(t *testing.T) {
	assert.False(t, IsTransientNetworkError(nil))
	assert.False(t, IsTransientNetworkError(&FatalHTTPError{Op: "get", Status: 404}))
	assert.False(t, IsTransientNetworkError(&ConfigError{Message: "bad url"}))
	assert.False(t, IsTransientNetworkError(&PeerRestartError{Peer: "source"}))
	assert.True(t, IsTransientNetworkError(errors.New("connection reset by peer")))
}
