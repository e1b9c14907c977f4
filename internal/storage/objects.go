package storage

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"Replicert/internal/identity"
	"Replicert/internal/protocol"
)

// indexDir is the index location inside the data directory.
const indexDir = ".index"

var (
	// ErrNotFound is returned for a hash with no committed object.
	ErrNotFound = errors.New("object not found")

	// ErrHashMismatch is returned when stored bytes do not hash to their key.
	ErrHashMismatch = errors.New("object hash mismatch")
)

// Options configures an ObjectStore.
type Options struct {
	Compress bool // Compress stores new blobs zstd-encoded
}

// ObjectStore is a replica's content-addressed persistence: blobs on disk plus
// a Pebble index of their records.
type ObjectStore struct {
	blobs *BlobStore
	index *Index
}

// Open opens the store rooted at dir.
func Open(dir string, opts Options) (*ObjectStore, error) {
	blobs, err := NewBlobStore(dir, opts.Compress)
	if err != nil {
		return nil, err
	}

	index, err := OpenIndex(filepath.Join(dir, indexDir))
	if err != nil {
		return nil, err
	}

	return &ObjectStore{blobs: blobs, index: index}, nil
}

// Begin starts receiving a new object of unknown hash.
func (s *ObjectStore) Begin() (*PendingBlob, error) {
	return s.blobs.Create()
}

// Commit names the pending blob by hash and records the attestation.
// Committing an object already present is idempotent.
func (s *ObjectStore) Commit(p *PendingBlob, hash protocol.Hash, sig identity.Signature) (*Record, error) {
	existed, err := p.Commit(hash)
	if err != nil {
		return nil, err
	}

	rec := &Record{
		Hash:       hash,
		Size:       p.Size(),
		StoredAt:   time.Now(),
		Signature:  sig,
		Compressed: p.enc != nil,
	}

	if existed {
		prev, err := s.index.Get(hash)
		if err != nil {
			return nil, fmt.Errorf("read record:\n%w", err)
		}
		if prev != nil {
			rec.StoredAt = prev.StoredAt
			rec.Compressed = prev.Compressed
		} else {
			_, rec.Compressed, _ = s.blobs.locate(hash)
		}
	}

	if err := s.index.Put(rec); err != nil {
		return nil, fmt.Errorf("write record:\n%w", err)
	}

	return rec, nil
}

// Put stores a complete payload under hash, rejecting bytes that do not hash to it.
func (s *ObjectStore) Put(hash protocol.Hash, data []byte, sig identity.Signature) (*Record, error) {
	if protocol.HashBytes(data) != hash {
		return nil, ErrHashMismatch
	}

	p, err := s.Begin()
	if err != nil {
		return nil, err
	}

	if _, err := p.Write(data); err != nil {
		p.Abort()
		return nil, fmt.Errorf("write blob:\n%w", err)
	}

	return s.Commit(p, hash, sig)
}

// Get returns the raw payload stored under hash.
func (s *ObjectStore) Get(hash protocol.Hash) ([]byte, error) {
	r, err := s.blobs.Open(hash)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}

// Verify rehashes the stored payload and compares it to its key.
func (s *ObjectStore) Verify(hash protocol.Hash) error {
	r, err := s.blobs.Open(hash)
	if err != nil {
		return err
	}
	defer r.Close()

	h := protocol.NewHasher()
	if _, err := io.Copy(h, r); err != nil {
		return fmt.Errorf("read blob:\n%w", err)
	}

	if protocol.Sum(h) != hash {
		return ErrHashMismatch
	}

	return nil
}

// Dir returns the directory holding the blobs.
func (s *ObjectStore) Dir() string {
	return s.blobs.dir
}

// Has reports whether an object for hash is stored.
func (s *ObjectStore) Has(hash protocol.Hash) bool {
	return s.blobs.Has(hash)
}

// Record returns the index entry for hash, or nil if absent.
func (s *ObjectStore) Record(hash protocol.Hash) (*Record, error) {
	return s.index.Get(hash)
}

// List returns all records in hash order.
func (s *ObjectStore) List() ([]*Record, error) {
	var out []*Record

	err := s.index.Iterate(func(rec *Record) error {
		out = append(out, rec)
		return nil
	})

	return out, err
}

// Close closes the index.
func (s *ObjectStore) Close() error {
	return s.index.Close()
}
