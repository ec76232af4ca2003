package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-idm-session/pkg/domain"
)

// value returns the sample of the named family whose labels include want.
func value(t *testing.T, reg *prometheus.Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue next
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

func TestSession_Refresh(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewSession(reg)

	s.RefreshStarted()
	s.RefreshJoined()
	s.RefreshJoined()
	s.RefreshCompleted(domain.ReasonNone)
	s.RefreshCompleted(domain.ReasonNetwork)

	assert.Equal(t, 1.0, value(t, reg, "simple_idm_session_refresh_started_total", nil))
	assert.Equal(t, 2.0, value(t, reg, "simple_idm_session_refresh_joined_total", nil))
	assert.Equal(t, 1.0, value(t, reg, "simple_idm_session_refresh_completed_total", map[string]string{"outcome": "ok"}))
	assert.Equal(t, 1.0, value(t, reg, "simple_idm_session_refresh_completed_total", map[string]string{"outcome": "network"}))
}

func TestSession_StatusChanged(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewSession(reg)
	assert.Equal(t, 1.0, value(t, reg, "simple_idm_session_status", map[string]string{"status": "idle"}))

	s.StatusChanged(domain.StatusIdle, domain.StatusRestoring)
	s.StatusChanged(domain.StatusRestoring, domain.StatusAuthenticated)

	assert.Equal(t, 0.0, value(t, reg, "simple_idm_session_status", map[string]string{"status": "idle"}))
	assert.Equal(t, 0.0, value(t, reg, "simple_idm_session_status", map[string]string{"status": "restoring"}))
	assert.Equal(t, 1.0, value(t, reg, "simple_idm_session_status", map[string]string{"status": "authenticated"}))
	assert.Equal(t, 1.0, value(t, reg, "simple_idm_session_status_transitions_total",
		map[string]string{"from": "restoring", "to": "authenticated"}))
}
