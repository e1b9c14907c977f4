package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"Replicert/internal/identity"
	"Replicert/internal/logger"
	"Replicert/internal/metrics"
	"Replicert/internal/network"
	"Replicert/internal/protocol"
)

// Config holds the server configuration.
type Config struct {
	ListenAddr     string               // ListenAddr is the QUIC listen address (e.g. ":9000")
	Identity       *identity.KeyPair    // Identity is the server key; generated when nil
	ReplicaTimeout time.Duration        // ReplicaTimeout bounds each attestation wait; zero waits forever
	Registry       *prometheus.Registry // Registry receives metrics; a private one is used when nil
	Transport      network.Config       // Transport tunes the QUIC layer

	// OnReplica is called after each registration with the replica key and the new aggregate.
	OnReplica func(replica, aggregate identity.PublicKey)
}

// Listener yields classified-later inbound connections.
type Listener interface {
	Accept(ctx context.Context) (protocol.Conn, error)
	Close() error
}

// Server accepts replica registrations and client uploads.
type Server struct {
	cfg      Config
	identity *identity.KeyPair
	members  *Membership
	metrics  *metrics.Server
	log      *slog.Logger
}

// New creates a server. It does not bind until Listen.
func New(cfg Config) (*Server, error) {
	key := cfg.Identity
	if key == nil {
		var err error
		if key, err = identity.Generate(); err != nil {
			return nil, fmt.Errorf("generate identity:\n%w", err)
		}
	}

	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Server{
		cfg:      cfg,
		identity: key,
		members:  NewMembership(key.Public()),
		metrics:  metrics.NewServer(reg),
		log:      logger.With("role", "server"),
	}, nil
}

// PublicKey returns the server's own public key.
func (s *Server) PublicKey() identity.PublicKey {
	return s.identity.Public()
}

// AggregateIdentity returns the current aggregate of the server and all replicas.
func (s *Server) AggregateIdentity() identity.PublicKey {
	return s.members.Aggregate()
}

// Replicas returns the number of registered replica identities.
func (s *Server) Replicas() int {
	return s.members.Len()
}

// Status is the server's monitoring view.
type Status struct {
	Role              string `json:"role"`
	ServerKey         string `json:"serverKey"`
	Identity          string `json:"identity"`
	Replicas          int    `json:"replicas"`
	MembershipVersion uint64 `json:"membershipVersion"`
}

// Status reports the current membership.
func (s *Server) Status() Status {
	snap := s.members.Snapshot()

	return Status{
		Role:              "server",
		ServerKey:         s.identity.Public().String(),
		Identity:          snap.AggregateKey.String(),
		Replicas:          len(snap.Participants),
		MembershipVersion: snap.Version,
	}
}

// Listen binds the configured address with the configured transport.
func (s *Server) Listen() (*network.Listener, error) {
	if s.cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	l, err := network.Listen(s.cfg.ListenAddr, s.cfg.Transport)
	if err != nil {
		return nil, err
	}

	s.log.Info("server started", "addr", l.Addr(), "identity", s.identity.Public())

	return l, nil
}

// Serve runs the accept loop on l. Each connection is handled by its own goroutine,
// and a failure on one connection never affects the others or the loop.
func (s *Server) Serve(ctx context.Context, l Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		go s.handle(conn)
	}
}

// handle classifies a connection by its first message.
func (s *Server) handle(conn protocol.Conn) {
	log := s.log.With("remote", conn.RemoteAddr())

	msg, err := protocol.Receive(conn)
	if err != nil {
		log.Warn("handshake failed", "error", err)
		conn.Close()
		return
	}

	switch m := msg.(type) {
	case *protocol.HelloReplica:
		if err := s.registerReplica(conn, m.PublicKey, log); err != nil {
			log.Warn("replica registration failed", "error", err)
			conn.Close()
		}

	case *protocol.HelloClient:
		s.runSession(conn, log)

	default:
		log.Warn("connection rejected", "error", protocol.Unexpected(msg, "HelloReplica or HelloClient"))
		conn.Close()
	}
}

// registerReplica adds the replica to membership. The connection then stays
// open as a passive command channel driven by client sessions.
func (s *Server) registerReplica(conn protocol.Conn, raw identity.PublicKey, log *slog.Logger) error {
	key, err := identity.ParsePublicKey(raw[:])
	if err != nil {
		return fmt.Errorf("%w: replica key: %v", protocol.ErrCryptoFormat, err)
	}

	replaced, agg, err := s.members.Register(key, conn)
	if err != nil {
		return err
	}

	if replaced != nil {
		go retire(replaced)
	}

	s.metrics.Registrations.Inc()
	s.metrics.ReplicasRegistered.Set(float64(s.members.Len()))

	if s.cfg.OnReplica != nil {
		s.cfg.OnReplica(key, agg)
	}

	log.Info("replica connected",
		"replica", key,
		"reregistered", replaced != nil,
		"aggregate", agg,
	)

	return nil
}

// runSession drives one client upload and records its outcome.
func (s *Server) runSession(conn protocol.Conn, log *slog.Logger) {
	start := time.Now()
	s.metrics.ActiveSessions.Inc()
	defer s.metrics.ActiveSessions.Dec()

	cert, err := s.serveClient(conn, log)
	conn.Close()

	if err != nil {
		status := metrics.StatusFailed
		if errors.Is(err, protocol.ErrProtocolViolation) {
			status = metrics.StatusRejected
		}
		s.metrics.Uploads.WithLabelValues(status).Inc()
		log.Warn("upload failed", "error", err)
		return
	}

	s.metrics.Uploads.WithLabelValues(metrics.StatusOK).Inc()
	s.metrics.UploadDuration.Observe(time.Since(start).Seconds())

	log.Info("file stored",
		"hash", cert.Hash,
		"certificate", cert.Signature,
		logger.Timed(start),
	)
}
