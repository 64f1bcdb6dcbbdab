// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package circuit

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"math"

	"golang.org/x/crypto/blake2b"
)

// HashSize is the number of bytes of a content Hash.
const HashSize = blake2b.Size256

// Hash is the content digest of a node: a pure function of its kind, its parameters and the
// hashes of its children, in that order. Names and named axes never contribute to it.
type Hash [HashSize]byte

// String returns the full hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 8 hex digits, enough to tell nodes apart in diagnostics.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:4])
}

// Compare returns -1, 0 or +1 comparing the hashes bytewise. It gives a deterministic total order
// used to sort commutative operands.
func (h Hash) Compare(other Hash) int {
	return bytes.Compare(h[:], other[:])
}

// hasher accumulates the length-prefixed encoding of a node's fields.
//
// Every variable-length field is prefixed with its length, so no two different field sequences
// can produce the same byte stream.
type hasher struct {
	h   hash.Hash
	buf [8]byte
}

func newHasher(kind Kind) *hasher {
	h, err := blake2b.New256(nil)
	if err != nil {
		// Only fails with an invalid key, and we pass none.
		panic(err)
	}
	hs := &hasher{h: h}
	hs.string("circuit/v1")
	hs.int(int(kind))
	return hs
}

func (hs *hasher) uint64(v uint64) {
	binary.LittleEndian.PutUint64(hs.buf[:], v)
	_, _ = hs.h.Write(hs.buf[:])
}

func (hs *hasher) int(v int) {
	hs.uint64(uint64(int64(v)))
}

func (hs *hasher) float(v float64) {
	if v == 0 {
		// -0 and +0 are the same value.
		v = 0
	}
	hs.uint64(math.Float64bits(v))
}

func (hs *hasher) ints(values []int) {
	hs.int(len(values))
	for _, v := range values {
		hs.int(v)
	}
}

func (hs *hasher) bytes(b []byte) {
	hs.int(len(b))
	_, _ = hs.h.Write(b)
}

func (hs *hasher) string(s string) {
	hs.bytes([]byte(s))
}

func (hs *hasher) hash(h Hash) {
	_, _ = hs.h.Write(h[:])
}

func (hs *hasher) sum() (h Hash) {
	copy(h[:], hs.h.Sum(nil))
	return
}
