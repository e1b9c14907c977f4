package network

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"Replicert/internal/protocol"
)

const (
	// defaultKeepAlivePeriod keeps idle replica connections open indefinitely.
	defaultKeepAlivePeriod = 10 * time.Second

	// defaultMaxIdleTimeout is how long a silent peer is tolerated before the connection drops.
	defaultMaxIdleTimeout = 30 * time.Second

	// lingerTimeout bounds how long Close waits for the peer to finish its side.
	lingerTimeout = 2 * time.Second
)

// Config holds transport settings. Zero values select defaults.
type Config struct {
	PrivateKey      ed25519.PrivateKey // PrivateKey is the TLS key; generated when nil
	KeepAlivePeriod time.Duration      // KeepAlivePeriod is the QUIC keep-alive interval
	MaxIdleTimeout  time.Duration      // MaxIdleTimeout is the QUIC idle timeout
}

// build resolves defaults into TLS and QUIC configurations.
func (cfg Config) build() (*tls.Config, *quic.Config, error) {
	priv := cfg.PrivateKey
	if priv == nil {
		var err error
		if _, priv, err = ed25519.GenerateKey(rand.Reader); err != nil {
			return nil, nil, fmt.Errorf("generate transport key:\n%w", err)
		}
	}

	tlsConf, err := newTLSConfig(priv)
	if err != nil {
		return nil, nil, err
	}

	keepAlive := cfg.KeepAlivePeriod
	if keepAlive == 0 {
		keepAlive = defaultKeepAlivePeriod
	}

	idle := cfg.MaxIdleTimeout
	if idle == 0 {
		idle = defaultMaxIdleTimeout
	}

	return tlsConf, &quic.Config{
		MaxIdleTimeout:  idle,
		KeepAlivePeriod: keepAlive,
	}, nil
}

// Listener accepts inbound QUIC connections.
type Listener struct {
	listener *quic.Listener
}

// Listen binds a QUIC listener on addr (e.g. ":9000").
func Listen(addr string, cfg Config) (*Listener, error) {
	tlsConf, quicConf, err := cfg.build()
	if err != nil {
		return nil, err
	}

	listener, err := quic.ListenAddr(addr, tlsConf, quicConf)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	return &Listener{listener: listener}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() string {
	return l.listener.Addr().String()
}

// Accept waits for the next connection. Its stream is accepted lazily on first use,
// so a peer that never speaks cannot stall the accept loop.
func (l *Listener) Accept(ctx context.Context) (protocol.Conn, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept: %w", err)
	}

	c := &Conn{conn: conn}
	c.open = func() (*quic.Stream, error) {
		return conn.AcceptStream(ctx)
	}

	return c, nil
}

// Close stops accepting connections.
func (l *Listener) Close() error {
	return l.listener.Close()
}

// Dial connects to addr and opens the connection's single stream.
func Dial(ctx context.Context, addr string, cfg Config) (*Conn, error) {
	tlsConf, quicConf, err := cfg.build()
	if err != nil {
		return nil, err
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConf)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(1, "open stream failed")
		return nil, fmt.Errorf("open stream: %w", err)
	}

	c := &Conn{conn: conn}
	c.open = func() (*quic.Stream, error) { return stream, nil }

	return c, nil
}

// Conn is a framed channel over one bidirectional QUIC stream.
type Conn struct {
	conn *quic.Conn                    // conn is the underlying QUIC connection
	open func() (*quic.Stream, error) // open yields the stream once

	once      sync.Once
	streamErr error

	mu     sync.Mutex   // mu guards stream, which Close may read while it is being opened
	stream *quic.Stream // stream is set once open returns
}

// ensureStream resolves the stream on first use.
func (c *Conn) ensureStream() (*quic.Stream, error) {
	c.once.Do(func() {
		stream, err := c.open()
		if err != nil {
			c.streamErr = fmt.Errorf("accept stream: %w", err)
			return
		}

		c.mu.Lock()
		c.stream = stream
		c.mu.Unlock()
	})

	if c.streamErr != nil {
		return nil, c.streamErr
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stream, nil
}

// ReadFrame reads the next frame.
func (c *Conn) ReadFrame() ([]byte, error) {
	stream, err := c.ensureStream()
	if err != nil {
		return nil, err
	}

	return protocol.ReadFrame(stream)
}

// WriteFrame writes one frame.
func (c *Conn) WriteFrame(data []byte) error {
	stream, err := c.ensureStream()
	if err != nil {
		return err
	}

	return protocol.WriteFrame(stream, data)
}

// SetReadDeadline sets the deadline for future reads. The zero time clears it.
func (c *Conn) SetReadDeadline(t time.Time) error {
	stream, err := c.ensureStream()
	if err != nil {
		return err
	}

	return stream.SetReadDeadline(t)
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Close finishes the send direction, waits briefly for the peer to finish its own,
// then closes the connection. Frames already written are delivered before teardown.
func (c *Conn) Close() error {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()

	if stream != nil {
		stream.Close()
		stream.SetReadDeadline(time.Now().Add(lingerTimeout))
		io.Copy(io.Discard, stream)
	}

	return c.conn.CloseWithError(0, "closed")
}
