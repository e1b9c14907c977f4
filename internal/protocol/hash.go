package protocol

import (
	"hash"

	"golang.org/x/crypto/sha3"
)

// NewHasher returns a running SHA3-256 accumulator for one transfer.
func NewHasher() hash.Hash {
	return sha3.New256()
}

// Sum finalizes a running accumulator into a Hash.
func Sum(h hash.Hash) Hash {
	var out Hash
	h.Sum(out[:0])

	return out
}

// HashBytes hashes a complete payload.
func HashBytes(data []byte) Hash {
	h := NewHasher()
	h.Write(data)

	return Sum(h)
}
