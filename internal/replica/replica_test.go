package replica

import (
	"bytes"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"Replicert/internal/encoding"
	"Replicert/internal/identity"
	"Replicert/internal/protocol"
)

// newTestReplica creates a replica storing under a temporary directory.
func newTestReplica(t *testing.T, compress bool) *Replica {
	t.Helper()

	r, err := New(Config{DataDir: t.TempDir(), Compress: compress, Registry: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("create replica: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	return r
}

// serve runs the replica on one end of a pipe and returns the server end
// plus a channel receiving Serve's result.
func serve(t *testing.T, r *Replica) (protocol.Conn, <-chan error) {
	t.Helper()

	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	done := make(chan error, 1)
	go func() { done <- r.Serve(protocol.NewStreamConn(a)) }()

	return protocol.NewStreamConn(b), done
}

// register reads the replica's hello and checks the announced key.
func register(t *testing.T, conn protocol.Conn, r *Replica) {
	t.Helper()

	msg, err := protocol.Receive(conn)
	if err != nil {
		t.Fatalf("receive hello: %v", err)
	}

	hello, ok := msg.(*protocol.HelloReplica)
	if !ok {
		t.Fatalf("expected HelloReplica, got %s", protocol.Name(msg))
	}

	if hello.PublicKey != r.PublicKey() {
		t.Error("hello should carry the replica key")
	}
}

// store sends one file in chunks and returns the attestation.
func store(t *testing.T, conn protocol.Conn, payload []byte, chunk int) *protocol.FileStored {
	t.Helper()

	protocol.Send(conn, &protocol.StoreFile{Length: uint64(len(payload))})

	for off := 0; off < len(payload); off += chunk {
		end := min(off+chunk, len(payload))
		if err := conn.WriteFrame(payload[off:end]); err != nil {
			t.Fatalf("send chunk: %v", err)
		}
	}

	att, err := protocol.ExpectFileStored(conn)
	if err != nil {
		t.Fatalf("await attestation: %v", err)
	}

	return att
}

// TestServeStoresAndAttests tests that a stored file is persisted and signed.
func TestServeStoresAndAttests(t *testing.T) {
	r := newTestReplica(t, false)
	conn, _ := serve(t, r)
	register(t, conn, r)

	payload := []byte("0123456789")
	att := store(t, conn, payload, 3)

	want := protocol.HashBytes(payload)
	if att.Hash != want {
		t.Fatal("attested hash should be the payload hash")
	}

	if !identity.Verify(r.PublicKey(), att.Signature, want[:]) {
		t.Fatal("attestation should verify against the replica key")
	}

	path := filepath.Join(r.cfg.DataDir, encoding.ToBase58(want[:]))
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read stored file: %v", err)
	}

	if protocol.HashBytes(got) != want {
		t.Error("stored file should rehash to its name")
	}

	if got := testutil.ToFloat64(r.metrics.BytesStored); got != float64(len(payload)) {
		t.Errorf("bytes stored: got %v, want %d", got, len(payload))
	}
}

// TestServeRepeatedContent tests that storing the same bytes twice succeeds.
func TestServeRepeatedContent(t *testing.T) {
	r := newTestReplica(t, true)
	conn, _ := serve(t, r)
	register(t, conn, r)

	payload := bytes.Repeat([]byte("same "), 100)
	first := store(t, conn, payload, 64)
	second := store(t, conn, payload, 17)

	if first.Hash != second.Hash || first.Signature != second.Signature {
		t.Error("identical content should produce identical attestations")
	}

	if got := testutil.ToFloat64(r.metrics.ObjectsExisting); got != 1 {
		t.Errorf("existing objects: got %v, want 1", got)
	}

	if err := r.Store().Verify(first.Hash); err != nil {
		t.Fatalf("verify stored object: %v", err)
	}
}

// TestServeZeroLengthFatal tests that an empty instruction ends the replica.
func TestServeZeroLengthFatal(t *testing.T) {
	r := newTestReplica(t, false)
	conn, done := serve(t, r)
	register(t, conn, r)

	protocol.Send(conn, &protocol.StoreFile{Length: 0})

	if err := <-done; !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
}

// TestServeOversizedChunkFatal tests that a chunk past the declared length ends the replica.
func TestServeOversizedChunkFatal(t *testing.T) {
	r := newTestReplica(t, false)
	conn, done := serve(t, r)
	register(t, conn, r)

	protocol.Send(conn, &protocol.StoreFile{Length: 4})
	conn.WriteFrame([]byte("too many bytes"))

	if err := <-done; !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}

	records, err := r.Store().List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	if len(records) != 0 {
		t.Error("aborted object should not be stored")
	}
}

// TestServeUnexpectedMessage tests that anything but StoreFile while idle is fatal.
func TestServeUnexpectedMessage(t *testing.T) {
	r := newTestReplica(t, false)
	conn, done := serve(t, r)
	register(t, conn, r)

	protocol.Send(conn, &protocol.HelloClient{})

	if err := <-done; !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
}

// TestRunRequiresAddress tests config validation.
func TestRunRequiresAddress(t *testing.T) {
	r := newTestReplica(t, false)

	if err := r.Run(t.Context()); err == nil {
		t.Fatal("expected error without server address")
	}
}
