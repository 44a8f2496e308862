// Package metrics holds the Prometheus collectors for the actor runtime, the
// event publisher and the replicated log.
//
// Collectors are registered once on the default registry at package init;
// Handler exposes them for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shapefabric"

// Notification results.
const (
	ResultDelivered = "delivered"
	ResultFailed    = "failed"
)

// Commit results.
const (
	CommitCommitted = "committed"
	CommitAborted   = "aborted"
	CommitConflict  = "conflict"
	CommitReadOnly  = "readonly"
	CommitInDoubt   = "in_doubt"
)

var (
	// Activations counts actor activations, including reactivations.
	Activations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "actor_activations_total",
		Help:      "Number of shape actor activations.",
	})

	// Deactivations counts actor deactivations.
	Deactivations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "actor_deactivations_total",
		Help:      "Number of shape actor deactivations.",
	})

	// ActiveActors is the number of currently active actors.
	ActiveActors = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "actors_active",
		Help:      "Number of shape actors currently active.",
	})

	// Ticks counts committed ticks.
	Ticks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ticks_total",
		Help:      "Number of committed shape ticks.",
	})

	// TickErrors counts ticks that failed to read or write state.
	TickErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tick_errors_total",
		Help:      "Number of shape ticks that failed.",
	})

	// Notifications counts observer deliveries by result.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Number of ShapeChanged deliveries by result.",
	}, []string{"result"})

	// ExpiredSubscriptions counts subscriptions dropped for lease expiry.
	ExpiredSubscriptions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "subscriptions_expired_total",
		Help:      "Number of subscriptions dropped because their lease expired.",
	})

	// Commits counts log transaction commits by result.
	Commits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "log_commits_total",
		Help:      "Number of replicated log commits by result.",
	}, []string{"result"})

	// CommitDuration observes the latency of commits that reached the
	// replicas.
	CommitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "log_commit_duration_seconds",
		Help:      "Latency of replicated log commits.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	})
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
