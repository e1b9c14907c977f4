package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"Replicert/internal/identity"
	"Replicert/internal/logger"
	"Replicert/internal/network"
	"Replicert/internal/protocol"
)

// defaultChunkSize is the read buffer size for streaming a file.
const defaultChunkSize = 1024

// Config holds the client configuration.
type Config struct {
	ServerAddr string         // ServerAddr is the server's QUIC address
	ChunkSize  int            // ChunkSize is the payload bytes per chunk frame
	Transport  network.Config // Transport tunes the QUIC layer
}

// Client uploads files and verifies the returned certificate.
type Client struct {
	cfg Config
	log *slog.Logger
}

// New creates a client.
func New(cfg Config) *Client {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}

	if cfg.ChunkSize > protocol.MaxFrameSize {
		cfg.ChunkSize = protocol.MaxFrameSize
	}

	return &Client{cfg: cfg, log: logger.With("role", "client")}
}

// UploadFile stores the file at path and returns its verified certificate.
func (c *Client) UploadFile(ctx context.Context, path string) (*Certificate, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file:\n%w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file:\n%w", err)
	}

	if info.Size() == 0 {
		return nil, fmt.Errorf("cannot store empty file %s", path)
	}

	conn, err := network.Dial(ctx, c.cfg.ServerAddr, c.cfg.Transport)
	if err != nil {
		return nil, fmt.Errorf("connect to %s:\n%w", c.cfg.ServerAddr, err)
	}
	defer conn.Close()

	return c.Upload(conn, f, uint64(info.Size()))
}

// Upload runs one session on conn, streaming exactly size bytes from r.
func (c *Client) Upload(conn protocol.Conn, r io.Reader, size uint64) (*Certificate, error) {
	if size == 0 {
		return nil, fmt.Errorf("cannot store an empty payload")
	}

	if err := protocol.Send(conn, &protocol.HelloClient{}); err != nil {
		return nil, err
	}

	ack, err := protocol.ExpectAck(conn)
	if err != nil {
		return nil, err
	}

	serverIdentity, err := identity.ParsePublicKey(ack.AggregateKey[:])
	if err != nil {
		return nil, fmt.Errorf("%w: server identity: %v", protocol.ErrCryptoFormat, err)
	}

	c.log.Info("connected", "server", conn.RemoteAddr(), "identity", serverIdentity)

	if err := protocol.Send(conn, &protocol.StoreFile{Length: size}); err != nil {
		return nil, err
	}

	hash, err := c.stream(conn, r, size)
	if err != nil {
		return nil, err
	}

	stored, err := protocol.ExpectFileStored(conn)
	if err != nil {
		return nil, err
	}

	if stored.Hash != hash {
		return nil, fmt.Errorf("%w: expected the server to store a file with hash %s, but it stored %s",
			protocol.ErrIntegrity, hash, stored.Hash)
	}

	cert := &Certificate{
		Hash:      stored.Hash,
		Signature: stored.Signature,
		Identity:  serverIdentity,
		Size:      size,
	}

	if err := cert.Verify(); err != nil {
		return nil, err
	}

	c.log.Info("certificate verified", "hash", cert.Hash, "certificate", cert.Signature)

	return cert, nil
}

// stream sends size bytes from r as chunk frames and returns their hash.
func (c *Client) stream(conn protocol.Conn, r io.Reader, size uint64) (protocol.Hash, error) {
	buf := make([]byte, c.cfg.ChunkSize)
	hasher := protocol.NewHasher()
	remaining := size

	for remaining != 0 {
		want := uint64(len(buf))
		if remaining < want {
			want = remaining
		}

		n, err := r.Read(buf[:want])
		if n > 0 {
			if werr := conn.WriteFrame(buf[:n]); werr != nil {
				return protocol.Hash{}, fmt.Errorf("send chunk:\n%w", werr)
			}
			hasher.Write(buf[:n])
			remaining -= uint64(n)
		}

		if errors.Is(err, io.EOF) {
			if remaining != 0 {
				return protocol.Hash{}, fmt.Errorf("file ended %d bytes short of its declared size", remaining)
			}
			break
		}
		if err != nil {
			return protocol.Hash{}, fmt.Errorf("read file:\n%w", err)
		}
	}

	return protocol.Sum(hasher), nil
}
