package replica

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"Replicert/internal/identity"
	"Replicert/internal/logger"
	"Replicert/internal/metrics"
	"Replicert/internal/network"
	"Replicert/internal/protocol"
	"Replicert/internal/storage"
)

// Config holds the replica configuration.
type Config struct {
	ServerAddr string               // ServerAddr is the server's QUIC address
	DataDir    string               // DataDir holds stored objects and their index
	Compress   bool                 // Compress stores objects zstd-encoded
	Identity   *identity.KeyPair    // Identity is the replica key; generated when nil
	Registry   *prometheus.Registry // Registry receives metrics; a private one is used when nil
	Transport  network.Config       // Transport tunes the QUIC layer
}

// Replica stores every file the server forwards and attests to it.
type Replica struct {
	cfg      Config
	identity *identity.KeyPair
	store    *storage.ObjectStore
	metrics  *metrics.Replica
	log      *slog.Logger
}

// New opens local storage and prepares the replica identity.
func New(cfg Config) (*Replica, error) {
	if cfg.DataDir == "" {
		cfg.DataDir = "."
	}

	key := cfg.Identity
	if key == nil {
		var err error
		if key, err = identity.Generate(); err != nil {
			return nil, fmt.Errorf("generate identity:\n%w", err)
		}
	}

	store, err := storage.Open(cfg.DataDir, storage.Options{Compress: cfg.Compress})
	if err != nil {
		return nil, fmt.Errorf("open storage:\n%w", err)
	}

	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Replica{
		cfg:      cfg,
		identity: key,
		store:    store,
		metrics:  metrics.NewReplica(reg),
		log:      logger.With("role", "replica", "identity", key.Public()),
	}, nil
}

// PublicKey returns the replica's identity.
func (r *Replica) PublicKey() identity.PublicKey {
	return r.identity.Public()
}

// Store returns the replica's local object store.
func (r *Replica) Store() *storage.ObjectStore {
	return r.store
}

// Status is the replica's monitoring view.
type Status struct {
	Role       string `json:"role"`
	Identity   string `json:"identity"`
	ServerAddr string `json:"serverAddr"`
	DataDir    string `json:"dataDir"`
	Compress   bool   `json:"compress"`
}

// Status reports the replica's configuration and identity.
func (r *Replica) Status() Status {
	return Status{
		Role:       "replica",
		Identity:   r.identity.Public().String(),
		ServerAddr: r.cfg.ServerAddr,
		DataDir:    r.cfg.DataDir,
		Compress:   r.cfg.Compress,
	}
}

// Close releases local storage.
func (r *Replica) Close() error {
	return r.store.Close()
}

// Run connects to the server and serves uploads until the connection fails
// or ctx is done. Any protocol, I/O or storage error ends the replica.
func (r *Replica) Run(ctx context.Context) error {
	if r.cfg.ServerAddr == "" {
		return fmt.Errorf("server address is required")
	}

	conn, err := network.Dial(ctx, r.cfg.ServerAddr, r.cfg.Transport)
	if err != nil {
		return fmt.Errorf("connect to %s:\n%w", r.cfg.ServerAddr, err)
	}

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	err = r.Serve(conn)
	if ctx.Err() != nil {
		return nil
	}

	conn.Close()

	return err
}

// Serve registers on conn and then handles StoreFile instructions sequentially.
func (r *Replica) Serve(conn protocol.Conn) error {
	if err := protocol.Send(conn, &protocol.HelloReplica{PublicKey: r.identity.Public()}); err != nil {
		return fmt.Errorf("register:\n%w", err)
	}

	r.log.Info("registered", "server", conn.RemoteAddr())

	for {
		length, err := protocol.ExpectStoreFile(conn)
		if err != nil {
			return fmt.Errorf("await instruction:\n%w", err)
		}

		att, err := r.receive(conn, length)
		if err != nil {
			return err
		}

		if err := protocol.Send(conn, att); err != nil {
			return fmt.Errorf("attest:\n%w", err)
		}
	}
}

// receive streams length bytes into local storage, then signs the content hash.
func (r *Replica) receive(conn protocol.Conn, length uint64) (*protocol.FileStored, error) {
	start := time.Now()

	pending, err := r.store.Begin()
	if err != nil {
		return nil, fmt.Errorf("create object:\n%w", err)
	}

	hasher := protocol.NewHasher()
	remaining := length

	for remaining != 0 {
		chunk, err := protocol.ReadChunk(conn, remaining)
		if err != nil {
			pending.Abort()
			return nil, fmt.Errorf("receive:\n%w", err)
		}

		if _, err := pending.Write(chunk); err != nil {
			pending.Abort()
			return nil, fmt.Errorf("write object:\n%w", err)
		}

		hasher.Write(chunk)
		remaining -= uint64(len(chunk))
	}

	hash := protocol.Sum(hasher)
	sig := r.identity.Sign(hash[:])

	existed := r.store.Has(hash)

	if _, err := r.store.Commit(pending, hash, sig); err != nil {
		return nil, fmt.Errorf("commit object:\n%w", err)
	}

	r.metrics.ObjectsStored.Inc()
	r.metrics.BytesStored.Add(float64(length))
	if existed {
		r.metrics.ObjectsExisting.Inc()
	}

	r.log.Info("file stored", "hash", hash, "size", length, "existing", existed, logger.Timed(start))

	return &protocol.FileStored{Hash: hash, Signature: sig}, nil
}
