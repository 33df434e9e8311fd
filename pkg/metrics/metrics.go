// Package metrics holds the Prometheus instruments shared by the mesh components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hushmesh"

type Metrics struct {
	FramesReceived    *prometheus.CounterVec
	Broadcasts        *prometheus.CounterVec
	BroadcastFailures *prometheus.CounterVec
	Reassembled       prometheus.Counter
	ReassemblyExpired prometheus.Counter
	FetchAttempts     prometheus.Counter
	FetchRetries      prometheus.Counter
	FetchFailures     *prometheus.CounterVec
	PushedChunks      prometheus.Counter
	Delivered         prometheus.Counter
	Dropped           *prometheus.CounterVec
	DedupHits         prometheus.Counter
	Rebroadcasts      prometheus.Counter
	StoredPayloads    prometheus.Gauge
}

// New registers every instrument with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scanner", Name: "frames_total",
			Help: "Broadcast frames observed, by shape.",
		}, []string{"kind"}),
		Broadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broadcast", Name: "frames_total",
			Help: "Frames handed to the radio, by shape.",
		}, []string{"kind"}),
		BroadcastFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "broadcast", Name: "failures_total",
			Help: "Broadcast attempts the radio rejected.",
		}, []string{"reason"}),
		Reassembled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scanner", Name: "reassembled_total",
			Help: "Fragmented records reassembled.",
		}),
		ReassemblyExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scanner", Name: "reassembly_expired_total",
			Help: "Incomplete reassembly buffers dropped after the idle timeout.",
		}),
		FetchAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channel", Name: "fetch_attempts_total",
			Help: "Connection attempts made by the payload client.",
		}),
		FetchRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channel", Name: "fetch_retries_total",
			Help: "Fetch attempts retried after a connection failure.",
		}),
		FetchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channel", Name: "fetch_failures_total",
			Help: "Fetches abandoned, by error kind.",
		}, []string{"kind"}),
		PushedChunks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "channel", Name: "pushed_chunks_total",
			Help: "Response chunks notified by the payload server.",
		}),
		Delivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mesh", Name: "delivered_total",
			Help: "Messages handed to the application.",
		}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mesh", Name: "dropped_total",
			Help: "Messages dropped, by reason.",
		}, []string{"reason"}),
		DedupHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mesh", Name: "dedup_hits_total",
			Help: "Announcements ignored because the id was already seen.",
		}),
		Rebroadcasts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mesh", Name: "rebroadcasts_total",
			Help: "Relayed announcements sent.",
		}),
		StoredPayloads: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "mesh", Name: "stored_payloads",
			Help: "Ciphertexts currently held in the payload store.",
		}),
	}
}

// NewNop returns instruments registered with a throwaway registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
