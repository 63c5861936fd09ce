package chatsync

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the engine's counters.
type Metrics struct {
	Reconcile         *prometheus.CounterVec
	Seen              *prometheus.CounterVec
	BlobsReleased     prometheus.Counter
	PermissionRefresh *prometheus.CounterVec
	StaleResponses    prometheus.Counter
}

// NewMetrics registers the counters with reg. A nil reg uses a private
// registry so several engines can coexist in one process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		Reconcile: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconcile_total",
			Help:      "Incoming messages by reconciliation result.",
		}, []string{"result"}),
		Seen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "seen_total",
			Help:      "Seen receipts by outcome.",
		}, []string{"outcome"}),
		BlobsReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "blob_released_total",
			Help:      "Preview resources released.",
		}),
		PermissionRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "permission_refresh_total",
			Help:      "Group permission refreshes by outcome.",
		}, []string{"outcome"}),
		StaleResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "stale_responses_total",
			Help:      "Page responses discarded because the surface moved on.",
		}),
	}
	reg.MustRegister(m.Reconcile, m.Seen, m.BlobsReleased, m.PermissionRefresh, m.StaleResponses)
	return m
}
