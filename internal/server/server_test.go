package server

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"Replicert/internal/client"
	"Replicert/internal/identity"
	"Replicert/internal/metrics"
	"Replicert/internal/protocol"
)

// pipeListener hands out in-memory connections.
type pipeListener struct {
	conns  chan protocol.Conn
	closed chan struct{}
	once   sync.Once
}

func newPipeListener() *pipeListener {
	return &pipeListener{conns: make(chan protocol.Conn), closed: make(chan struct{})}
}

func (l *pipeListener) Accept(ctx context.Context) (protocol.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, errors.New("listener closed")
	}
}

func (l *pipeListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

// dial returns the peer side of a new connection accepted by the server.
func (l *pipeListener) dial(t *testing.T) protocol.Conn {
	t.Helper()

	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	l.conns <- protocol.NewStreamConn(a)

	return protocol.NewStreamConn(b)
}

// testServer is a server running on a pipe listener.
type testServer struct {
	*Server
	listener *pipeListener
	registry *prometheus.Registry
}

// startServer runs a server until the test ends.
func startServer(t *testing.T, cfg Config) *testServer {
	t.Helper()

	cfg.Registry = prometheus.NewRegistry()

	s, err := New(cfg)
	if err != nil {
		t.Fatalf("create server: %v", err)
	}

	l := newPipeListener()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go s.Serve(ctx, l)

	return &testServer{Server: s, listener: l, registry: cfg.Registry}
}

// fakeReplica answers the server like a replica, optionally misbehaving.
type fakeReplica struct {
	key      *identity.KeyPair
	conn     protocol.Conn
	received chan []byte // received gets each completed payload
	corrupt  bool        // corrupt reports a wrong hash
	silent   bool        // silent never attests
}

// connectReplica registers a fake replica and waits for the server to count it.
func connectReplica(t *testing.T, ts *testServer, r *fakeReplica, wantReplicas int) *fakeReplica {
	t.Helper()

	if r.key == nil {
		k, err := identity.Generate()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		r.key = k
	}

	r.received = make(chan []byte, 8)
	r.conn = ts.listener.dial(t)

	if err := protocol.Send(r.conn, &protocol.HelloReplica{PublicKey: r.key.Public()}); err != nil {
		t.Fatalf("send hello: %v", err)
	}

	go r.loop()

	waitFor(t, func() bool { return ts.Replicas() == wantReplicas })

	return r
}

// loop serves StoreFile instructions until the connection closes.
func (r *fakeReplica) loop() {
	for {
		length, err := protocol.ExpectStoreFile(r.conn)
		if err != nil {
			close(r.received)
			return
		}

		var payload []byte
		for remaining := length; remaining != 0; {
			chunk, err := protocol.ReadChunk(r.conn, remaining)
			if err != nil {
				close(r.received)
				return
			}
			payload = append(payload, chunk...)
			remaining -= uint64(len(chunk))
		}

		r.received <- payload

		if r.silent {
			continue
		}

		hash := protocol.HashBytes(payload)
		if r.corrupt {
			hash[0] ^= 0xFF
		}

		protocol.Send(r.conn, &protocol.FileStored{Hash: hash, Signature: r.key.Sign(hash[:])})
	}
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// upload runs a real client session against the server.
func upload(t *testing.T, ts *testServer, payload []byte) (*client.Certificate, error) {
	t.Helper()

	c := client.New(client.Config{ChunkSize: 4})
	conn := ts.listener.dial(t)

	return c.Upload(conn, bytes.NewReader(payload), uint64(len(payload)))
}

// TestUploadNoReplicas tests that the certificate is the server's own signature.
func TestUploadNoReplicas(t *testing.T) {
	ts := startServer(t, Config{})
	payload := []byte("0123456789")

	cert, err := upload(t, ts, payload)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	if cert.Hash != protocol.HashBytes(payload) {
		t.Error("certificate hash does not match payload")
	}

	if cert.Identity != ts.PublicKey() {
		t.Error("solo identity should be the server key")
	}

	if cert.Signature != ts.identity.Sign(cert.Hash[:]) {
		t.Error("solo certificate should equal the server's own signature")
	}
}

// TestUploadFansOut tests that every replica receives the payload and the certificate covers all of them.
func TestUploadFansOut(t *testing.T) {
	ts := startServer(t, Config{})

	var replicas []*fakeReplica
	for i := 1; i <= 3; i++ {
		replicas = append(replicas, connectReplica(t, ts, &fakeReplica{}, i))
	}

	payload := bytes.Repeat([]byte("chunked payload "), 20)

	cert, err := upload(t, ts, payload)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	keys := []identity.PublicKey{ts.PublicKey()}
	for _, r := range replicas {
		keys = append(keys, r.key.Public())

		select {
		case got := <-r.received:
			if !bytes.Equal(got, payload) {
				t.Error("replica received different bytes")
			}
		case <-time.After(time.Second):
			t.Fatal("replica did not receive payload")
		}
	}

	want, _ := identity.AggregatePublicKeys(keys)
	if cert.Identity != want {
		t.Error("announced identity should aggregate the server and all replicas")
	}

	if got := testutil.ToFloat64(ts.metrics.Uploads.WithLabelValues(metrics.StatusOK)); got != 1 {
		t.Errorf("ok uploads: got %v, want 1", got)
	}

	if got := testutil.ToFloat64(ts.metrics.BytesStreamed); got != float64(len(payload)) {
		t.Errorf("bytes streamed: got %v, want %d", got, len(payload))
	}
}

// TestSequentialUploads tests that one replica connection serves several uploads.
func TestSequentialUploads(t *testing.T) {
	ts := startServer(t, Config{})
	r := connectReplica(t, ts, &fakeReplica{}, 1)

	for _, p := range []string{"first file", "second file", "third"} {
		if _, err := upload(t, ts, []byte(p)); err != nil {
			t.Fatalf("upload %q: %v", p, err)
		}
		if got := <-r.received; string(got) != p {
			t.Errorf("replica got %q, want %q", got, p)
		}
	}
}

// TestConcurrentUploads tests that overlapping sessions do not interleave on a shared replica.
func TestConcurrentUploads(t *testing.T) {
	ts := startServer(t, Config{})
	r := connectReplica(t, ts, &fakeReplica{}, 1)

	const sessions = 4
	var wg sync.WaitGroup
	errs := make(chan error, sessions)

	for i := 0; i < sessions; i++ {
		payload := bytes.Repeat([]byte{byte('a' + i)}, 64)
		c := client.New(client.Config{ChunkSize: 8})
		conn := ts.listener.dial(t)

		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Upload(conn, bytes.NewReader(payload), uint64(len(payload)))
			errs <- err
		}()
	}

	for i := 0; i < sessions; i++ {
		got := <-r.received
		for _, b := range got {
			if b != got[0] {
				t.Fatal("payloads from different sessions were interleaved")
			}
		}
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("upload: %v", err)
		}
	}
}

// TestReplicaHashMismatch tests that a disagreeing replica fails the upload.
func TestReplicaHashMismatch(t *testing.T) {
	ts := startServer(t, Config{})
	connectReplica(t, ts, &fakeReplica{corrupt: true}, 1)

	if _, err := upload(t, ts, []byte("will not be certified")); err == nil {
		t.Fatal("upload should fail when a replica reports a different hash")
	}

	waitFor(t, func() bool {
		return testutil.ToFloat64(ts.metrics.Uploads.WithLabelValues(metrics.StatusFailed)) == 1
	})
}

// TestReplicaTimeout tests the optional bound on attestation waits.
func TestReplicaTimeout(t *testing.T) {
	ts := startServer(t, Config{ReplicaTimeout: 100 * time.Millisecond})
	connectReplica(t, ts, &fakeReplica{silent: true}, 1)

	start := time.Now()
	if _, err := upload(t, ts, []byte("nobody answers")); err == nil {
		t.Fatal("upload should fail when a replica never attests")
	}

	if time.Since(start) > 3*time.Second {
		t.Error("timeout did not bound the wait")
	}
}

// TestZeroLengthRejected tests that StoreFile{0} ends the session before anything is broadcast.
func TestZeroLengthRejected(t *testing.T) {
	ts := startServer(t, Config{})
	r := connectReplica(t, ts, &fakeReplica{}, 1)

	conn := ts.listener.dial(t)
	protocol.Send(conn, &protocol.HelloClient{})

	if _, err := protocol.ExpectAck(conn); err != nil {
		t.Fatalf("ack: %v", err)
	}

	protocol.Send(conn, &protocol.StoreFile{Length: 0})

	if _, err := protocol.Receive(conn); err == nil {
		t.Fatal("server should close the session")
	}

	select {
	case <-r.received:
		t.Fatal("replica should not receive an instruction")
	case <-time.After(100 * time.Millisecond):
	}

	waitFor(t, func() bool {
		return testutil.ToFloat64(ts.metrics.Uploads.WithLabelValues(metrics.StatusRejected)) == 1
	})
}

// TestBadHandshakeIsolated tests that a bad first message closes only that connection.
func TestBadHandshakeIsolated(t *testing.T) {
	ts := startServer(t, Config{})

	bad := ts.listener.dial(t)
	protocol.Send(bad, &protocol.StoreFile{Length: 10})

	if _, err := protocol.Receive(bad); err == nil {
		t.Fatal("server should close a connection with a bad handshake")
	}

	if _, err := upload(t, ts, []byte("still serving")); err != nil {
		t.Fatalf("upload after bad handshake: %v", err)
	}
}

// TestDoubleHandshakeRejected tests that a second hello on a client session is a violation.
func TestDoubleHandshakeRejected(t *testing.T) {
	ts := startServer(t, Config{})

	conn := ts.listener.dial(t)
	protocol.Send(conn, &protocol.HelloClient{})
	protocol.ExpectAck(conn)
	protocol.Send(conn, &protocol.HelloClient{})

	if _, err := protocol.Receive(conn); err == nil {
		t.Fatal("server should close the session on a second handshake")
	}
}

// TestInvalidReplicaKey tests that an undecodable public key is refused.
func TestInvalidReplicaKey(t *testing.T) {
	ts := startServer(t, Config{})

	conn := ts.listener.dial(t)
	var garbage identity.PublicKey
	for i := range garbage {
		garbage[i] = 0xAB
	}
	protocol.Send(conn, &protocol.HelloReplica{PublicKey: garbage})

	if _, err := protocol.Receive(conn); err == nil {
		t.Fatal("server should close a replica with an invalid key")
	}

	if ts.Replicas() != 0 {
		t.Error("invalid key should not be registered")
	}
}

// TestReregistrationReplaces tests that the latest channel for a key wins and the key is folded once.
func TestReregistrationReplaces(t *testing.T) {
	ts := startServer(t, Config{})
	key, _ := identity.Generate()

	first := connectReplica(t, ts, &fakeReplica{key: key}, 1)
	before := ts.AggregateIdentity()

	second := &fakeReplica{key: key}
	second.received = make(chan []byte, 8)
	second.conn = ts.listener.dial(t)
	protocol.Send(second.conn, &protocol.HelloReplica{PublicKey: key.Public()})
	go second.loop()

	waitFor(t, func() bool { return ts.members.Snapshot().Version == 2 })

	if ts.Replicas() != 1 {
		t.Errorf("replicas: got %d, want 1", ts.Replicas())
	}

	if ts.AggregateIdentity() != before {
		t.Error("re-registration should not refold the key")
	}

	payload := []byte("to the newest channel")
	if _, err := upload(t, ts, payload); err != nil {
		t.Fatalf("upload: %v", err)
	}

	if got := <-second.received; !bytes.Equal(got, payload) {
		t.Error("newest channel should receive the payload")
	}

	// The replaced channel is closed rather than sent to.
	if got, ok := <-first.received; ok {
		t.Errorf("replaced channel received %q", got)
	}
}

// waitClosed waits for a fake replica's connection to be closed by the server.
func waitClosed(t *testing.T, r *fakeReplica) {
	t.Helper()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-r.received:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("replica channel was not closed")
		}
	}
}

// TestAbortedUploadIsolated tests that a client disconnecting mid-stream does not leave
// its replicas desynchronized for later uploads.
func TestAbortedUploadIsolated(t *testing.T) {
	ts := startServer(t, Config{})
	key, _ := identity.Generate()
	r := connectReplica(t, ts, &fakeReplica{key: key}, 1)

	aborted := ts.listener.dial(t)
	protocol.Send(aborted, &protocol.HelloClient{})
	if _, err := protocol.ExpectAck(aborted); err != nil {
		t.Fatalf("ack: %v", err)
	}
	protocol.Send(aborted, &protocol.StoreFile{Length: 100})
	aborted.WriteFrame([]byte("ten bytes!"))
	aborted.Close()

	// The half-transferred channel is closed, and the replica sees it end.
	waitClosed(t, r)

	result := make(chan error, 1)
	go func() {
		_, err := upload(t, ts, []byte("honest client payload"))
		result <- err
	}()

	select {
	case err := <-result:
		if err == nil {
			t.Fatal("upload should fail while the replica channel is closed")
		}
		if errors.Is(err, protocol.ErrIntegrity) {
			t.Fatalf("upload read a stale attestation: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("upload after an aborted one did not fail fast")
	}

	// Once the replica reconnects under its key, uploads succeed with no stale bytes.
	second := &fakeReplica{key: key}
	second.received = make(chan []byte, 8)
	second.conn = ts.listener.dial(t)
	protocol.Send(second.conn, &protocol.HelloReplica{PublicKey: key.Public()})
	go second.loop()

	waitFor(t, func() bool { return ts.members.Snapshot().Version == 2 })

	payload := []byte("after reconnect")
	cert, err := upload(t, ts, payload)
	if err != nil {
		t.Fatalf("upload after reconnect: %v", err)
	}

	if cert.Hash != protocol.HashBytes(payload) {
		t.Error("certificate should cover the new payload")
	}

	if got := <-second.received; !bytes.Equal(got, payload) {
		t.Errorf("replica received %q, want %q", got, payload)
	}
}

// TestFailedAttestationPoisonsChannel tests that a replica channel used by a failed
// upload is closed rather than handed to the next session.
func TestFailedAttestationPoisonsChannel(t *testing.T) {
	ts := startServer(t, Config{})
	r := connectReplica(t, ts, &fakeReplica{corrupt: true}, 1)

	if _, err := upload(t, ts, []byte("rejected")); err == nil {
		t.Fatal("upload should fail on a wrong hash")
	}

	<-r.received
	waitClosed(t, r)

	snap := ts.members.Snapshot()
	if err := usable(snap.Participants); err == nil {
		t.Error("participant from a failed upload should be unusable")
	}
}
