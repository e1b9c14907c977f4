package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"Replicert/internal/encoding"
	"Replicert/internal/protocol"
)

const (
	// tempPrefix marks blobs that have not been committed yet.
	tempPrefix = ".tmp-"

	// compressedSuffix marks zstd-encoded blobs.
	compressedSuffix = ".zst"
)

// BlobStore keeps one file per object, named by the base-58 text of its hash.
type BlobStore struct {
	dir      string // dir holds committed and temporary blobs
	compress bool   // compress selects zstd encoding for new blobs
}

// NewBlobStore creates the directory if needed.
func NewBlobStore(dir string, compress bool) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir:\n%w", err)
	}

	return &BlobStore{dir: dir, compress: compress}, nil
}

// name returns the file name for a hash in the given encoding.
func name(hash protocol.Hash, compressed bool) string {
	n := encoding.ToBase58(hash[:])
	if compressed {
		n += compressedSuffix
	}

	return n
}

// locate finds a committed blob in either encoding.
func (b *BlobStore) locate(hash protocol.Hash) (path string, compressed bool, ok bool) {
	for _, c := range []bool{false, true} {
		p := filepath.Join(b.dir, name(hash, c))
		if _, err := os.Stat(p); err == nil {
			return p, c, true
		}
	}

	return "", false, false
}

// Has reports whether a blob for hash is committed.
func (b *BlobStore) Has(hash protocol.Hash) bool {
	_, _, ok := b.locate(hash)
	return ok
}

// Create starts a new temporary blob.
func (b *BlobStore) Create() (*PendingBlob, error) {
	path := filepath.Join(b.dir, tempPrefix+uuid.NewString())

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create temp blob:\n%w", err)
	}

	p := &PendingBlob{store: b, file: f, path: path, w: f}

	if b.compress {
		enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("create encoder:\n%w", err)
		}
		p.enc = enc
		p.w = enc
	}

	return p, nil
}

// Open returns a reader over the raw payload of a committed blob.
func (b *BlobStore) Open(hash protocol.Hash) (io.ReadCloser, error) {
	path, compressed, ok := b.locate(hash)
	if !ok {
		return nil, ErrNotFound
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open blob:\n%w", err)
	}

	if !compressed {
		return f, nil
	}

	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create decoder:\n%w", err)
	}

	return &decodingReader{dec: dec, file: f}, nil
}

// decodingReader closes both the decoder and its file.
type decodingReader struct {
	dec  *zstd.Decoder
	file *os.File
}

func (r *decodingReader) Read(p []byte) (int, error) {
	return r.dec.Read(p)
}

func (r *decodingReader) Close() error {
	r.dec.Close()
	return r.file.Close()
}

// PendingBlob is a blob being written. Exactly one of Commit or Abort must be called.
type PendingBlob struct {
	store *BlobStore
	file  *os.File
	path  string
	w     io.Writer
	enc   *zstd.Encoder
	size  uint64
}

// Write appends payload bytes.
func (p *PendingBlob) Write(data []byte) (int, error) {
	n, err := p.w.Write(data)
	p.size += uint64(n)

	return n, err
}

// Size returns the number of payload bytes written.
func (p *PendingBlob) Size() uint64 {
	return p.size
}

// finish flushes and closes the temporary file.
func (p *PendingBlob) finish() error {
	if p.enc != nil {
		if err := p.enc.Close(); err != nil {
			p.file.Close()
			return fmt.Errorf("flush encoder:\n%w", err)
		}
	}

	if err := p.file.Sync(); err != nil {
		p.file.Close()
		return fmt.Errorf("sync blob:\n%w", err)
	}

	return p.file.Close()
}

// Commit renames the blob to its content address. If a blob with the same hash
// already exists the temporary file is discarded and existed is true.
func (p *PendingBlob) Commit(hash protocol.Hash) (existed bool, err error) {
	if err := p.finish(); err != nil {
		os.Remove(p.path)
		return false, err
	}

	if p.store.Has(hash) {
		os.Remove(p.path)
		return true, nil
	}

	final := filepath.Join(p.store.dir, name(hash, p.enc != nil))
	if err := os.Rename(p.path, final); err != nil {
		os.Remove(p.path)
		return false, fmt.Errorf("rename blob:\n%w", err)
	}

	return false, nil
}

// Abort discards the temporary blob.
func (p *PendingBlob) Abort() error {
	if p.enc != nil {
		p.enc.Close()
	}
	p.file.Close()

	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return nil
}
