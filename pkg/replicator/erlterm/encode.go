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

// Package erlterm implements the subset of the Erlang external term format
// (http://erlang.org/doc/apps/erts/erl_ext_dist.html) that replication-id
// derivation needs: atoms, strings, binaries, tuples, and lists. It exists solely so
// that replication-id v3 hashing is bit-stable with CouchDB's own Erlang
// implementation, which hashes an erlang:term_to_binary-encoded list.
package erlterm

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	tagVersion     = 131
	tagSmallAtom   = 100 // ATOM_EXT: 2-byte length + latin1 bytes
	tagString      = 107 // STRING_EXT: 2-byte length + raw bytes (Erlang's char-list optimization)
	tagBinary      = 109 // BINARY_EXT: 4-byte length + raw bytes
	tagSmallTuple  = 104 // SMALL_TUPLE_EXT: 1-byte arity + elements
	tagLargeTuple  = 105 // LARGE_TUPLE_EXT: 4-byte arity + elements
	tagList        = 108 // LIST_EXT: 4-byte length + elements + tail
	tagNil         = 106 // NIL_EXT: empty list
)

// Term is any encodable value: Atom, Str, Binary (or plain string/[]byte,
// treated as Binary), Tuple, or List (or a plain []Term/[]interface{}).
type Term interface{}

// Atom is a symbolic constant, encoded as ATOM_EXT.
type Atom string

// Str is a Go string encoded the way erlang:term_to_binary encodes an
// Erlang string (a char list), STRING_EXT, rather than as a binary. Plain
// Go strings handed to Encode as a bare Term are treated as Binary instead;
// use Str explicitly wherever the source term was never converted to bytes
// before hashing, e.g. CouchDB peer URLs and header names/values.
type Str string

// Binary is a byte blob, encoded as BINARY_EXT. A Go string or []byte passed
// directly as a Term is encoded the same way.
type Binary []byte

// Tuple is a fixed-size heterogeneous sequence, encoded as SMALL_TUPLE_EXT
// (or LARGE_TUPLE_EXT for arity > 255).
type Tuple []Term

// List is a variable-length homogeneous-in-spirit sequence, encoded as
// LIST_EXT terminated by NIL_EXT. An empty List encodes as bare NIL_EXT.
type List []Term

// Encode serializes term as a complete external-term-format message,
// including the leading format-version byte (131).
func Encode(term Term) []byte {
	var buf bytes.Buffer
	buf.WriteByte(tagVersion)
	encodeTerm(&buf, term)
	return buf.Bytes()
}

func encodeTerm(buf *bytes.Buffer, term Term) {
	switch v := term.(type) {
	case Atom:
		encodeAtom(buf, string(v))
	case Str:
		encodeString(buf, string(v))
	case Binary:
		encodeBinary(buf, []byte(v))
	case string:
		encodeBinary(buf, []byte(v))
	case []byte:
		encodeBinary(buf, v)
	case Tuple:
		encodeTuple(buf, []Term(v))
	case List:
		encodeList(buf, []Term(v))
	case []Term:
		encodeList(buf, v)
	case []interface{}:
		terms := make([]Term, len(v))
		for i, e := range v {
			terms[i] = e
		}
		encodeList(buf, terms)
	case nil:
		buf.WriteByte(tagNil)
	default:
		panic(fmt.Sprintf("erlterm: unsupported term type %T", term))
	}
}

func encodeAtom(buf *bytes.Buffer, name string) {
	buf.WriteByte(tagSmallAtom)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(name)))
	buf.Write(lenBuf[:])
	buf.WriteString(name)
}

func encodeString(buf *bytes.Buffer, s string) {
	buf.WriteByte(tagString)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
}

func encodeBinary(buf *bytes.Buffer, data []byte) {
	buf.WriteByte(tagBinary)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf.Write(lenBuf[:])
	buf.Write(data)
}

func encodeTuple(buf *bytes.Buffer, elems []Term) {
	if len(elems) < 256 {
		buf.WriteByte(tagSmallTuple)
		buf.WriteByte(byte(len(elems)))
	} else {
		buf.WriteByte(tagLargeTuple)
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(elems)))
		buf.Write(lenBuf[:])
	}
	for _, e := range elems {
		encodeTerm(buf, e)
	}
}

func encodeList(buf *bytes.Buffer, elems []Term) {
	if len(elems) == 0 {
		buf.WriteByte(tagNil)
		return
	}
	buf.WriteByte(tagList)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(elems)))
	buf.Write(lenBuf[:])
	for _, e := range elems {
		encodeTerm(buf, e)
	}
	buf.WriteByte(tagNil) // proper list: nil tail
}
