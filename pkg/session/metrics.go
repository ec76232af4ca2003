package session

import "github.com/tendant/simple-idm-session/pkg/domain"

// Metrics receives session events. Implementations must be safe for
// concurrent use.
type Metrics interface {
	RefreshStarted()
	// RefreshJoined is reported by callers that joined an in-flight renewal.
	RefreshJoined()
	RefreshCompleted(reason domain.RefreshReason)
	StatusChanged(from, to domain.Status)
}

type nopMetrics struct{}

func (nopMetrics) RefreshStarted()                       {}
func (nopMetrics) RefreshJoined()                        {}
func (nopMetrics) RefreshCompleted(domain.RefreshReason) {}
func (nopMetrics) StatusChanged(from, to domain.Status)  {}
