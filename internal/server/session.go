package server

import (
	"fmt"
	"log/slog"
	"time"

	"Replicert/internal/identity"
	"Replicert/internal/protocol"
)

// serveClient drives one upload: announce the identity, fan the payload out to
// every participant, collect and check their attestations, and answer with the
// aggregate certificate.
func (s *Server) serveClient(conn protocol.Conn, log *slog.Logger) (*protocol.FileStored, error) {
	// The identity and the participants come from one snapshot, so the
	// certificate always verifies against the key announced here.
	snap := s.members.Snapshot()

	if err := protocol.Send(conn, &protocol.Ack{AggregateKey: snap.AggregateKey}); err != nil {
		return nil, err
	}

	length, err := protocol.ExpectStoreFile(conn)
	if err != nil {
		return nil, err
	}

	participants := snap.Participants
	release := acquire(participants)
	defer release()

	if err := usable(participants); err != nil {
		return nil, err
	}

	log.Debug("upload started", "length", length, "participants", len(participants), "membership", snap.Version)

	cert, err := s.transfer(conn, participants, length)
	if err != nil {
		// Any participant may be mid-transfer or hold an unread attestation.
		for _, p := range participants {
			p.poison()
		}
		return nil, err
	}

	if err := protocol.Send(conn, cert); err != nil {
		return nil, err
	}

	return cert, nil
}

// transfer instructs the participants, relays the payload and aggregates their attestations.
func (s *Server) transfer(conn protocol.Conn, participants []*Participant, length uint64) (*protocol.FileStored, error) {
	if err := broadcast(participants, protocol.Encode(&protocol.StoreFile{Length: length})); err != nil {
		return nil, err
	}

	hash, err := s.relay(conn, participants, length)
	if err != nil {
		return nil, err
	}

	sig, err := s.collect(participants, hash)
	if err != nil {
		return nil, err
	}

	return &protocol.FileStored{Hash: hash, Signature: sig}, nil
}

// relay forwards every chunk from the client to all participants while hashing it.
// Each chunk reaches every participant before the next one is read.
func (s *Server) relay(conn protocol.Conn, participants []*Participant, length uint64) (protocol.Hash, error) {
	hasher := protocol.NewHasher()
	remaining := length

	for remaining != 0 {
		chunk, err := protocol.ReadChunk(conn, remaining)
		if err != nil {
			return protocol.Hash{}, fmt.Errorf("client:\n%w", err)
		}

		hasher.Write(chunk)

		if err := broadcast(participants, chunk); err != nil {
			return protocol.Hash{}, err
		}

		remaining -= uint64(len(chunk))
		s.metrics.BytesStreamed.Add(float64(len(chunk)))
	}

	return protocol.Sum(hasher), nil
}

// broadcast writes one frame to every participant in order.
func broadcast(participants []*Participant, frame []byte) error {
	for _, p := range participants {
		if err := p.conn.WriteFrame(frame); err != nil {
			return fmt.Errorf("replica %s:\n%w", p.key, err)
		}
	}

	return nil
}

// collect waits for each participant's attestation in registration order and
// aggregates them with the server's own signature. A participant that reports a
// different hash or an invalid signature fails the whole upload.
func (s *Server) collect(participants []*Participant, hash protocol.Hash) (identity.Signature, error) {
	sigs := make([]identity.Signature, 0, len(participants)+1)
	sigs = append(sigs, s.identity.Sign(hash[:]))

	for _, p := range participants {
		att, err := s.awaitAttestation(p)
		if err != nil {
			return identity.Signature{}, fmt.Errorf("replica %s:\n%w", p.key, err)
		}

		if att.Hash != hash {
			return identity.Signature{}, fmt.Errorf("%w: replica %s stored %s, expected %s",
				protocol.ErrIntegrity, p.key, att.Hash, hash)
		}

		if _, err := identity.ParseSignature(att.Signature[:]); err != nil {
			return identity.Signature{}, fmt.Errorf("%w: replica %s signature: %v", protocol.ErrCryptoFormat, p.key, err)
		}

		if !identity.Verify(p.key, att.Signature, hash[:]) {
			return identity.Signature{}, fmt.Errorf("%w: replica %s signature does not verify", protocol.ErrIntegrity, p.key)
		}

		sigs = append(sigs, att.Signature)
	}

	return identity.AggregateSignatures(sigs)
}

// awaitAttestation reads one FileStored, bounded by ReplicaTimeout when set.
func (s *Server) awaitAttestation(p *Participant) (*protocol.FileStored, error) {
	if s.cfg.ReplicaTimeout > 0 {
		p.conn.SetReadDeadline(time.Now().Add(s.cfg.ReplicaTimeout))
		defer p.conn.SetReadDeadline(time.Time{})
	}

	return protocol.ExpectFileStored(p.conn)
}
