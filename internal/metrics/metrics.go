// Package metrics exports session events as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tendant/simple-idm-session/pkg/domain"
)

const (
	namespace = "simple_idm"
	subsystem = "session"
)

var statuses = []domain.Status{
	domain.StatusIdle,
	domain.StatusRestoring,
	domain.StatusAuthenticated,
	domain.StatusOnboarding,
	domain.StatusUnauthenticated,
	domain.StatusDegraded,
}

// Session implements session.Metrics.
type Session struct {
	refreshStarted   prometheus.Counter
	refreshJoined    prometheus.Counter
	refreshCompleted *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	status           *prometheus.GaugeVec
}

// NewSession registers the session collectors with reg.
func NewSession(reg prometheus.Registerer) *Session {
	s := &Session{
		refreshStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "refresh_started_total",
			Help:      "Renewal requests sent to the server.",
		}),
		refreshJoined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "refresh_joined_total",
			Help:      "Callers that attached to an in-flight renewal.",
		}),
		refreshCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "refresh_completed_total",
			Help:      "Finished renewals by outcome.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "status_transitions_total",
			Help:      "Session status changes.",
		}, []string{"from", "to"}),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "status",
			Help:      "1 for the current session status, 0 otherwise.",
		}, []string{"status"}),
	}

	reg.MustRegister(s.refreshStarted, s.refreshJoined, s.refreshCompleted, s.transitions, s.status)

	for _, st := range statuses {
		s.status.WithLabelValues(string(st)).Set(0)
	}
	s.status.WithLabelValues(string(domain.StatusIdle)).Set(1)
	return s
}

func (s *Session) RefreshStarted() {
	s.refreshStarted.Inc()
}

func (s *Session) RefreshJoined() {
	s.refreshJoined.Inc()
}

func (s *Session) RefreshCompleted(reason domain.RefreshReason) {
	s.refreshCompleted.WithLabelValues(outcomeLabel(reason)).Inc()
}

func (s *Session) StatusChanged(from, to domain.Status) {
	s.transitions.WithLabelValues(string(from), string(to)).Inc()
	s.status.WithLabelValues(string(from)).Set(0)
	s.status.WithLabelValues(string(to)).Set(1)
}

func outcomeLabel(reason domain.RefreshReason) string {
	if reason == domain.ReasonNone {
		return "ok"
	}
	return string(reason)
}
