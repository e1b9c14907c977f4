package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Upload outcomes used as the status label.
const (
	StatusOK       = "ok"
	StatusRejected = "rejected"
	StatusFailed   = "failed"
)

// Server holds the coordinator's metrics.
type Server struct {
	ReplicasRegistered prometheus.Gauge
	Registrations      prometheus.Counter
	Uploads            *prometheus.CounterVec
	BytesStreamed      prometheus.Counter
	UploadDuration     prometheus.Histogram
	ActiveSessions     prometheus.Gauge
}

// NewServer registers server metrics on reg.
func NewServer(reg prometheus.Registerer) *Server {
	f := promauto.With(reg)

	return &Server{
		ReplicasRegistered: f.NewGauge(prometheus.GaugeOpts{
			Name: "replicert_server_replicas",
			Help: "Distinct replica identities in the registry",
		}),
		Registrations: f.NewCounter(prometheus.CounterOpts{
			Name: "replicert_server_registrations_total",
			Help: "Replica handshakes accepted, including re-registrations",
		}),
		Uploads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "replicert_server_uploads_total",
			Help: "Client upload sessions by outcome",
		}, []string{"status"}),
		BytesStreamed: f.NewCounter(prometheus.CounterOpts{
			Name: "replicert_server_bytes_streamed_total",
			Help: "Payload bytes received from clients",
		}),
		UploadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "replicert_server_upload_duration_seconds",
			Help:    "Upload completion time distribution",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "replicert_server_sessions_active",
			Help: "Client sessions in progress",
		}),
	}
}

// Replica holds a replica's metrics.
type Replica struct {
	ObjectsStored   prometheus.Counter
	ObjectsExisting prometheus.Counter
	BytesStored     prometheus.Counter
}

// NewReplica registers replica metrics on reg.
func NewReplica(reg prometheus.Registerer) *Replica {
	f := promauto.With(reg)

	return &Replica{
		ObjectsStored: f.NewCounter(prometheus.CounterOpts{
			Name: "replicert_replica_objects_stored_total",
			Help: "Objects attested by this replica",
		}),
		ObjectsExisting: f.NewCounter(prometheus.CounterOpts{
			Name: "replicert_replica_objects_deduplicated_total",
			Help: "Attested objects whose content was already stored",
		}),
		BytesStored: f.NewCounter(prometheus.CounterOpts{
			Name: "replicert_replica_bytes_received_total",
			Help: "Payload bytes received from the server",
		}),
	}
}
