package server

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"Replicert/internal/identity"
	"Replicert/internal/protocol"
)

// Participant is a registered replica's command channel.
type Participant struct {
	key   identity.PublicKey // key is the replica's identity
	conn  protocol.Conn      // conn carries StoreFile, chunks and FileStored
	seq   uint64             // seq is the registration order
	lease sync.Mutex         // lease is held by one upload at a time

	// broken is set when an upload failed mid-transfer; the channel is closed and never reused.
	broken atomic.Bool
}

// Key returns the replica's public key.
func (p *Participant) Key() identity.PublicKey {
	return p.key
}

// Snapshot is a consistent view of membership: the aggregate identity and
// exactly the replicas folded into it, in registration order.
type Snapshot struct {
	Version      uint64             // Version increments on every registration
	AggregateKey identity.PublicKey // AggregateKey combines the server and Participants
	Participants []*Participant     // Participants are ordered by registration
}

// Membership holds the replica registry and the aggregate identity.
// The lock is held only to insert or copy, never across network I/O.
type Membership struct {
	mu        sync.RWMutex
	replicas  map[identity.PublicKey]*Participant
	aggregate identity.PublicKey
	version   uint64
	nextSeq   uint64
}

// NewMembership starts with the server's own key as the aggregate.
func NewMembership(serverKey identity.PublicKey) *Membership {
	return &Membership{
		replicas:  make(map[identity.PublicKey]*Participant),
		aggregate: serverKey,
	}
}

// Register inserts a replica and folds its key into the aggregate identity.
// A known key replaces the previous channel without refolding; the replaced
// participant is returned so the caller can retire it.
func (m *Membership) Register(key identity.PublicKey, conn protocol.Conn) (*Participant, identity.PublicKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, known := m.replicas[key]

	if !known {
		agg, err := identity.AggregatePublicKeys([]identity.PublicKey{m.aggregate, key})
		if err != nil {
			return nil, m.aggregate, fmt.Errorf("fold replica key:\n%w", err)
		}
		m.aggregate = agg
	}

	m.nextSeq++
	m.version++
	m.replicas[key] = &Participant{key: key, conn: conn, seq: m.nextSeq}

	return prev, m.aggregate, nil
}

// Snapshot copies the current membership.
func (m *Membership) Snapshot() Snapshot {
	m.mu.RLock()
	snap := Snapshot{
		Version:      m.version,
		AggregateKey: m.aggregate,
		Participants: make([]*Participant, 0, len(m.replicas)),
	}
	for _, p := range m.replicas {
		snap.Participants = append(snap.Participants, p)
	}
	m.mu.RUnlock()

	sort.Slice(snap.Participants, func(i, j int) bool {
		return snap.Participants[i].seq < snap.Participants[j].seq
	})

	return snap
}

// Aggregate returns the current aggregate identity.
func (m *Membership) Aggregate() identity.PublicKey {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.aggregate
}

// Len returns the number of distinct replica identities.
func (m *Membership) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.replicas)
}

// acquire takes the leases of participants in registration order.
// Every session locks in the same order, so overlapping sets cannot deadlock.
func acquire(participants []*Participant) (release func()) {
	for _, p := range participants {
		p.lease.Lock()
	}

	return func() {
		for i := len(participants) - 1; i >= 0; i-- {
			participants[i].lease.Unlock()
		}
	}
}

// poison closes a channel left mid-transfer by a failed upload.
// Later sessions holding it in their snapshot fail fast instead of reading stale frames.
func (p *Participant) poison() {
	if p.broken.Swap(true) {
		return
	}

	p.conn.Close()
}

// usable fails if any participant was poisoned. Callers hold the leases.
func usable(participants []*Participant) error {
	for _, p := range participants {
		if p.broken.Load() {
			return fmt.Errorf("replica %s: channel closed after an earlier failed upload", p.key)
		}
	}

	return nil
}

// retire closes a replaced channel once no upload is using it.
func retire(p *Participant) {
	p.lease.Lock()
	defer p.lease.Unlock()

	p.conn.Close()
}
