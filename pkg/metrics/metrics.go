// Package metrics holds the prometheus collectors for membership and election.
//
// Every method is safe to call on a nil *Registry, so components can be constructed without metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gocluster"

// Registry owns a prometheus registry and the collectors registered in it.
type Registry struct {
	registry *prometheus.Registry

	JoinAttemptsTotal    *prometheus.CounterVec
	MembershipsLostTotal *prometheus.CounterVec
	RetriesTotal         *prometheus.CounterVec
	WatchEventsTotal     *prometheus.CounterVec
	Members              *prometheus.GaugeVec
	DecodeFailuresTotal  *prometheus.CounterVec
	SessionState         *prometheus.GaugeVec
	Leader               *prometheus.GaugeVec
	ElectionsTotal       *prometheus.CounterVec
}

// NewRegistry returns a Registry with every collector registered.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
	}
	r.initMembershipMetrics()
	r.initElectionMetrics()
	return r
}

// Gatherer exposes the underlying registry for scraping.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

func (r *Registry) initMembershipMetrics() {
	r.JoinAttemptsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "group_join_attempts_total",
			Help:      "Attempts to create a member node",
		},
		[]string{"path", "result"}, // success, retryable, failed
	)

	r.MembershipsLostTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "group_memberships_lost_total",
			Help:      "Member nodes which disappeared while the membership was active",
		},
		[]string{"path"},
	)

	r.RetriesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "group_retries_total",
			Help:      "Coordination operations retried after a transient failure",
		},
		[]string{"path", "op"}, // join, watch, delete
	)

	r.WatchEventsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "group_watch_events_total",
			Help:      "Child watch firings",
		},
		[]string{"path"},
	)

	r.Members = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "serverset_members",
			Help:      "Members in the latest snapshot",
		},
		[]string{"path"},
	)

	r.DecodeFailuresTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "serverset_decode_failures_total",
			Help:      "Member payloads which could not be decoded",
		},
		[]string{"path"},
	)

	r.SessionState = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_connected",
			Help:      "Whether the coordination session is connected (1=yes, 0=no)",
		},
		[]string{"path"},
	)
}

func (r *Registry) initElectionMetrics() {
	r.Leader = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "election_leader",
			Help:      "Whether this process currently leads (1=yes, 0=no)",
		},
		[]string{"path"},
	)

	r.ElectionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "election_events_total",
			Help:      "Election outcomes observed by this process",
		},
		[]string{"path", "event"}, // elected, defeated, abdicated
	)
}

// RecordJoinAttempt counts an attempt to create a member node.
func (r *Registry) RecordJoinAttempt(path, result string) {
	if r == nil {
		return
	}
	r.JoinAttemptsTotal.WithLabelValues(path, result).Inc()
}

// RecordMembershipLost counts a member node vanishing under an active membership.
func (r *Registry) RecordMembershipLost(path string) {
	if r == nil {
		return
	}
	r.MembershipsLostTotal.WithLabelValues(path).Inc()
}

// RecordRetry counts a retried operation.
func (r *Registry) RecordRetry(path, op string) {
	if r == nil {
		return
	}
	r.RetriesTotal.WithLabelValues(path, op).Inc()
}

// RecordWatchEvent counts a child watch firing.
func (r *Registry) RecordWatchEvent(path string) {
	if r == nil {
		return
	}
	r.WatchEventsTotal.WithLabelValues(path).Inc()
}

// SetMembers records the size of the latest snapshot.
func (r *Registry) SetMembers(path string, n int) {
	if r == nil {
		return
	}
	r.Members.WithLabelValues(path).Set(float64(n))
}

// RecordDecodeFailure counts a member payload which could not be decoded.
func (r *Registry) RecordDecodeFailure(path string) {
	if r == nil {
		return
	}
	r.DecodeFailuresTotal.WithLabelValues(path).Inc()
}

// SetConnected records the session state seen by the listener on path.
func (r *Registry) SetConnected(path string, connected bool) {
	if r == nil {
		return
	}
	r.SessionState.WithLabelValues(path).Set(boolToFloat(connected))
}

// RecordElectionEvent counts an election outcome and updates the leader gauge.
func (r *Registry) RecordElectionEvent(path, event string) {
	if r == nil {
		return
	}
	r.ElectionsTotal.WithLabelValues(path, event).Inc()
	r.Leader.WithLabelValues(path).Set(boolToFloat(event == EventElected))
}

// Election events.
const (
	EventElected   = "elected"
	EventDefeated  = "defeated"
	EventAbdicated = "abdicated"
)

// Join attempt results.
const (
	ResultSuccess   = "success"
	ResultRetryable = "retryable"
	ResultFailed    = "failed"
)

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
