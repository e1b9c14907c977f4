package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	flatbuffers "github.com/google/flatbuffers/go"

	"Replicert/internal/identity"
	"Replicert/internal/protocol"
	"Replicert/internal/types"
)

const (
	// defaultSyncInterval is the default interval between WAL syncs.
	defaultSyncInterval = 100 * time.Millisecond

	// recordPrefix namespaces object records in the index.
	recordPrefix = "obj/"
)

// Record describes one stored object.
type Record struct {
	Hash       protocol.Hash      // Hash is the content hash and storage key
	Size       uint64             // Size is the raw payload size
	StoredAt   time.Time          // StoredAt is when the object was first committed
	Signature  identity.Signature // Signature is this replica's attestation over Hash
	Compressed bool               // Compressed is true if the blob is zstd-encoded
}

// Index maps content hashes to object records, backed by Pebble.
// Writes are non-blocking (NoSync) and a background goroutine
// periodically syncs the WAL to disk.
type Index struct {
	db       *pebble.DB    // db is the underlying Pebble database
	stopSync chan struct{} // stopSync signals the sync goroutine to stop
	wg       sync.WaitGroup
}

// OpenIndex opens or creates an index at path.
func OpenIndex(path string) (*Index, error) {
	cache := pebble.NewCache(8 << 20)
	defer cache.Unref()

	opts := &pebble.Options{
		Cache:                       cache,
		MemTableSize:                4 << 20,
		MemTableStopWritesThreshold: 2,
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble:\n%w", err)
	}

	idx := &Index{
		db:       db,
		stopSync: make(chan struct{}),
	}

	idx.startSyncLoop()

	return idx, nil
}

// recordKey returns the index key for a hash.
func recordKey(hash protocol.Hash) []byte {
	return append([]byte(recordPrefix), hash[:]...)
}

// Put stores a record, replacing any previous one.
func (idx *Index) Put(rec *Record) error {
	return idx.db.Set(recordKey(rec.Hash), encodeRecord(rec), pebble.NoSync)
}

// Get returns the record for hash, or nil if absent.
func (idx *Index) Get(hash protocol.Hash) (*Record, error) {
	value, closer, err := idx.db.Get(recordKey(hash))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	return decodeRecord(value)
}

// Iterate calls fn for each record in hash order.
// If fn returns an error, iteration stops and the error is returned.
func (idx *Index) Iterate(fn func(*Record) error) error {
	iter, err := idx.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(recordPrefix),
		UpperBound: prefixUpperBound([]byte(recordPrefix)),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		rec, err := decodeRecord(value)
		if err != nil {
			return fmt.Errorf("decode record %x:\n%w", iter.Key(), err)
		}

		if err := fn(rec); err != nil {
			return err
		}
	}

	return iter.Error()
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper
		}
	}

	return nil
}

// Close stops the sync goroutine and closes the database after a final sync.
func (idx *Index) Close() error {
	close(idx.stopSync)
	idx.wg.Wait()

	if err := idx.sync(); err != nil {
		return err
	}

	return idx.db.Close()
}

// startSyncLoop starts the background goroutine that periodically syncs the WAL.
func (idx *Index) startSyncLoop() {
	idx.wg.Add(1)

	go func() {
		defer idx.wg.Done()

		ticker := time.NewTicker(defaultSyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = idx.sync()
			case <-idx.stopSync:
				return
			}
		}
	}()
}

// sync forces a WAL sync to disk.
func (idx *Index) sync() error {
	return idx.db.LogData(nil, pebble.Sync)
}

// encodeRecord serializes a record as a FlatBuffers ObjectRecord.
func encodeRecord(rec *Record) []byte {
	builder := flatbuffers.NewBuilder(128)

	hashOffset := builder.CreateByteVector(rec.Hash[:])
	sigOffset := builder.CreateByteVector(rec.Signature[:])

	types.ObjectRecordStart(builder)
	types.ObjectRecordAddHash(builder, hashOffset)
	types.ObjectRecordAddSize(builder, rec.Size)
	types.ObjectRecordAddStoredAt(builder, rec.StoredAt.UnixNano())
	types.ObjectRecordAddSignature(builder, sigOffset)
	types.ObjectRecordAddCompressed(builder, rec.Compressed)
	builder.Finish(types.ObjectRecordEnd(builder))

	return builder.FinishedBytes()
}

// decodeRecord parses a FlatBuffers ObjectRecord.
func decodeRecord(data []byte) (*Record, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("record too short: %d", len(data))
	}

	fb := types.GetRootAsObjectRecord(data, 0)

	if fb.HashLength() != protocol.HashSize {
		return nil, fmt.Errorf("record hash size: %d", fb.HashLength())
	}

	if fb.SignatureLength() != identity.SignatureSize {
		return nil, fmt.Errorf("record signature size: %d", fb.SignatureLength())
	}

	rec := &Record{
		Size:       fb.Size(),
		StoredAt:   time.Unix(0, fb.StoredAt()),
		Compressed: fb.Compressed(),
	}
	copy(rec.Hash[:], fb.HashBytes())
	copy(rec.Signature[:], fb.SignatureBytes())

	return rec, nil
}
