package integration

import (
	"bytes"
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"Replicert/internal/replica"
	"Replicert/internal/server"
)

// Cluster is an in-process server with its replicas on loopback QUIC.
type Cluster struct {
	Server   *server.Server
	Addr     string
	Replicas []*replica.Replica

	ctx context.Context
	t   *testing.T
}

// startCluster runs a server on an ephemeral port until the test ends.
func startCluster(t *testing.T) *Cluster {
	t.Helper()

	srv, err := server.New(server.Config{ListenAddr: "127.0.0.1:0", Registry: prometheus.NewRegistry()})
	if err != nil {
		t.Fatalf("create server: %v", err)
	}

	l, err := srv.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)
		srv.Serve(ctx, l)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &Cluster{Server: srv, Addr: l.Addr(), ctx: ctx, t: t}
}

// addReplica starts a replica and waits until the server has registered it.
func (c *Cluster) addReplica(compress bool) *replica.Replica {
	c.t.Helper()

	r, err := replica.New(replica.Config{
		ServerAddr: c.Addr,
		DataDir:    c.t.TempDir(),
		Compress:   compress,
		Registry:   prometheus.NewRegistry(),
	})
	if err != nil {
		c.t.Fatalf("create replica: %v", err)
	}

	ctx, cancel := context.WithCancel(c.ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		r.Run(ctx)
	}()

	c.t.Cleanup(func() {
		cancel()
		<-done
		r.Close()
	})

	c.Replicas = append(c.Replicas, r)
	want := len(c.Replicas)

	waitFor(c.t, 5*time.Second, func() bool { return c.Server.Replicas() == want })

	return r
}

// waitFor polls cond until it holds or timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// writeFile creates a file with the given contents in a temporary directory.
func writeFile(t *testing.T, data []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "upload.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	return path
}

// safeBuffer wraps bytes.Buffer with a mutex for concurrent read/write.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// Write appends data to the buffer (implements io.Writer).
func (sb *safeBuffer) Write(p []byte) (int, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.buf.Write(p)
}

// String returns the buffer contents as a string.
func (sb *safeBuffer) String() string {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.buf.String()
}

// Process is a running replicert binary.
type Process struct {
	cmd    *exec.Cmd
	stdout *safeBuffer
	stderr *safeBuffer
}

// startProcess runs the binary with args until the test ends.
func startProcess(t *testing.T, binary string, args ...string) *Process {
	t.Helper()

	p := &Process{stdout: &safeBuffer{}, stderr: &safeBuffer{}}
	p.cmd = exec.Command(binary, args...)
	p.cmd.Stdout = p.stdout
	p.cmd.Stderr = p.stderr

	if err := p.cmd.Start(); err != nil {
		t.Fatalf("start %v: %v", args, err)
	}

	t.Cleanup(func() {
		p.cmd.Process.Kill()
		p.cmd.Wait()
	})

	return p
}

// waitForOutput waits until stdout contains s.
func (p *Process) waitForOutput(t *testing.T, s string) {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for !strings.Contains(p.stdout.String(), s) {
		if time.Now().After(deadline) {
			t.Fatalf("output %q not seen\nstdout:\n%s\nstderr:\n%s", s, p.stdout.String(), p.stderr.String())
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// buildBinary compiles the replicert binary.
func buildBinary(t *testing.T) string {
	t.Helper()

	binary := filepath.Join(t.TempDir(), "replicert")

	cmd := exec.Command("go", "build", "-o", binary, "./cmd/replicert")
	cmd.Dir = getProjectRoot(t)

	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build failed: %v\n%s", err, output)
	}

	return binary
}

// getProjectRoot returns the project root directory.
func getProjectRoot(t *testing.T) string {
	t.Helper()

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("get working dir: %v", err)
	}

	dir := wd
	for i := 0; i < 5; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		dir = filepath.Dir(dir)
	}

	t.Fatalf("could not find project root from %s", wd)
	return ""
}

// freePort reserves and releases a loopback UDP port.
func freePort(t *testing.T) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	defer pc.Close()

	return pc.LocalAddr().String()
}
