package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"Replicert/internal/encoding"
	"Replicert/internal/logger"
	"Replicert/internal/protocol"
	"Replicert/internal/storage"
)

// StatusProvider exposes a role's state for monitoring.
type StatusProvider interface {
	Status() any
}

// StatusFunc adapts a function to StatusProvider.
type StatusFunc func() any

// Status calls f.
func (f StatusFunc) Status() any { return f() }

// ObjectLister exposes a replica's object index.
type ObjectLister interface {
	List() ([]*storage.Record, error)
	Record(hash protocol.Hash) (*storage.Record, error)
}

// Config holds the HTTP API configuration.
type Config struct {
	Addr     string               // Addr is the HTTP listen address
	Status   StatusProvider       // Status backs GET /status
	Objects  ObjectLister         // Objects backs GET /objects; nil on the server role
	Registry *prometheus.Registry // Registry backs GET /metrics when set
}

// Server is the HTTP status API.
type Server struct {
	cfg      Config
	listener net.Listener  // listener is bound by Start
	server   *http.Server // server is the underlying HTTP server
}

// New creates a new HTTP API server.
func New(cfg Config) *Server {
	return &Server{cfg: cfg}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	if s.cfg.Objects != nil {
		mux.HandleFunc("GET /objects", s.handleListObjects)
		mux.HandleFunc("GET /objects/{hash}", s.handleGetObject)
	}

	if s.cfg.Registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.Registry, promhttp.HandlerOpts{}))
	}

	return mux
}

// Start binds the address and serves in a goroutine.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	s.listener = l
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", l.Addr().String())

		if err := s.server.Serve(l); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}

	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Run starts the server and stops it when ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// objectView is the JSON form of a stored object.
type objectView struct {
	Hash       string    `json:"hash"`
	Size       uint64    `json:"size"`
	StoredAt   time.Time `json:"storedAt"`
	Signature  string    `json:"signature"`
	Compressed bool      `json:"compressed"`
}

func newObjectView(rec *storage.Record) objectView {
	return objectView{
		Hash:       rec.Hash.String(),
		Size:       rec.Size,
		StoredAt:   rec.StoredAt,
		Signature:  rec.Signature.String(),
		Compressed: rec.Compressed,
	}
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Status == nil {
		writeError(w, http.StatusServiceUnavailable, "status not available")
		return
	}

	writeJSON(w, http.StatusOK, s.cfg.Status.Status())
}

// handleListObjects handles GET /objects requests.
func (s *Server) handleListObjects(w http.ResponseWriter, r *http.Request) {
	records, err := s.cfg.Objects.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]objectView, 0, len(records))
	for _, rec := range records {
		views = append(views, newObjectView(rec))
	}

	writeJSON(w, http.StatusOK, views)
}

// handleGetObject handles GET /objects/{hash} requests.
func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	raw, err := encoding.FromBase58(r.PathValue("hash"), protocol.HashSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid hash")
		return
	}

	var hash protocol.Hash
	copy(hash[:], raw)

	rec, err := s.cfg.Objects.Record(hash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if rec == nil {
		writeError(w, http.StatusNotFound, "object not found")
		return
	}

	writeJSON(w, http.StatusOK, newObjectView(rec))
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
