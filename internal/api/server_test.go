package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"Replicert/internal/protocol"
	"Replicert/internal/storage"
)

// mockObjects serves a fixed set of records.
type mockObjects struct {
	records []*storage.Record
}

func (m *mockObjects) List() ([]*storage.Record, error) {
	return m.records, nil
}

func (m *mockObjects) Record(hash protocol.Hash) (*storage.Record, error) {
	for _, rec := range m.records {
		if rec.Hash == hash {
			return rec, nil
		}
	}

	return nil, nil
}

func newTestObjects() *mockObjects {
	return &mockObjects{records: []*storage.Record{{
		Hash:     protocol.HashBytes([]byte("stored")),
		Size:     6,
		StoredAt: time.Unix(1700000000, 0).UTC(),
	}}}
}

// get runs one request against the handler.
func get(s *Server, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest("GET", path, nil))

	return w
}

// TestHealthEndpoint tests GET /health.
func TestHealthEndpoint(t *testing.T) {
	w := get(New(Config{}), "/health")

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
}

// TestStatusEndpoint tests that GET /status renders the provider's value.
func TestStatusEndpoint(t *testing.T) {
	s := New(Config{Status: StatusFunc(func() any {
		return map[string]int{"replicas": 3}
	})})

	w := get(s, "/status")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if resp["replicas"] != 3 {
		t.Errorf("expected 3 replicas, got %d", resp["replicas"])
	}
}

// TestStatusUnavailable tests GET /status without a provider.
func TestStatusUnavailable(t *testing.T) {
	if w := get(New(Config{}), "/status"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}
}

// TestListObjects tests GET /objects.
func TestListObjects(t *testing.T) {
	objects := newTestObjects()
	w := get(New(Config{Objects: objects}), "/objects")

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp []objectView
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if len(resp) != 1 || resp[0].Hash != objects.records[0].Hash.String() {
		t.Errorf("unexpected listing: %+v", resp)
	}
}

// TestGetObject tests GET /objects/{hash} for present, absent and malformed hashes.
func TestGetObject(t *testing.T) {
	objects := newTestObjects()
	s := New(Config{Objects: objects})

	if w := get(s, "/objects/"+objects.records[0].Hash.String()); w.Code != http.StatusOK {
		t.Errorf("present: expected status 200, got %d", w.Code)
	}

	missing := protocol.HashBytes([]byte("absent"))
	if w := get(s, "/objects/"+missing.String()); w.Code != http.StatusNotFound {
		t.Errorf("absent: expected status 404, got %d", w.Code)
	}

	if w := get(s, "/objects/not-a-hash"); w.Code != http.StatusBadRequest {
		t.Errorf("malformed: expected status 400, got %d", w.Code)
	}
}

// TestObjectsOnlyOnReplica tests that object routes are absent without a lister.
func TestObjectsOnlyOnReplica(t *testing.T) {
	if w := get(New(Config{}), "/objects"); w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

// TestMetricsEndpoint tests that GET /metrics exposes the registry.
func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "replicert_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	w := get(New(Config{Registry: reg}), "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	if !strings.Contains(w.Body.String(), "replicert_test_total 1") {
		t.Errorf("metric missing from output:\n%s", w.Body.String())
	}
}

// TestStartStop tests binding an ephemeral port and shutting down.
func TestStartStop(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0"})
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	resp, err := http.Get("http://" + s.Addr() + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	resp.Body.Close()

	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
