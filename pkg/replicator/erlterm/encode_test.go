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

package erlterm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncode_Atom(t *testing.T) {
	got := Encode(Atom("remote"))
	want := []byte{131, 100, 0, 6, 'r', 'e', 'm', 'o', 't', 'e'}
	assert.Equal(t, want, got)
}

func TestEncode_Binary(t *testing.T) {
	got := Encode(Binary("ab"))
	want := []byte{131, 109, 0, 0, 0, 2, 'a', 'b'}
	assert.Equal(t, want, got)
}

func TestEncode_StringAndByteSliceEncodeAsBinary(t *testing.T) {
	assert.Equal(t, Encode(Binary("x")), Encode("x"))
	assert.Equal(t, Encode(Binary("x")), Encode([]byte("x")))
}

func TestEncode_EmptyListIsNil(t *testing.T) {
	got := Encode(List{})
	assert.Equal(t, []byte{131, 106}, got)
}

func TestEncode_NonEmptyListHasNilTail(t *testing.T) {
	got := Encode(List{Binary("a")})
	want := []byte{131, 108, 0, 0, 0, 1, 109, 0, 0, 0, 1, 'a', 106}
	assert.Equal(t, want, got)
}

func TestEncode_SmallTuple(t *testing.T) {
	got := Encode(Tuple{Atom("remote"), Binary("u")})
	want := append([]byte{131, 104, 2}, Encode(Atom("remote"))[1:]...)
	want = append(want, Encode(Binary("u"))[1:]...)
	assert.Equal(t, want, got)
}

func TestEncode_NestedTermMatchesReplicationIDShape(t *testing.T) {
	term := List{Binary("uuid"), Tuple{Atom("remote"), Binary("http://x/"), List{}}}
	got := Encode(term)
	assert.Equal(t, byte(131), got[0])
	assert.Equal(t, byte(108), got[1]) // outer LIST_EXT tag
}

func TestEncode_PanicsOnUnsupportedType(t *testing.T) {
	assert.Panics(t, func() { Encode(42) })
}
