// Package encoding renders raw keys, hashes and signatures as base-58 text.
package encoding

import (
	"fmt"

	"github.com/mr-tron/base58"
)

// ToBase58 encodes raw bytes for display and file naming.
func ToBase58(b []byte) string {
	return base58.Encode(b)
}

// FromBase58 decodes text into exactly size bytes.
func FromBase58(s string, size int) ([]byte, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("decode base58: %w", err)
	}

	if len(b) != size {
		return nil, fmt.Errorf("decoded size: got %d, want %d", len(b), size)
	}

	return b, nil
}
