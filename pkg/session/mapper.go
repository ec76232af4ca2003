package session

import (
	"github.com/tendant/simple-idm-session/pkg/domain"
)

// Transition is the state change a renewal outcome calls for.
type Transition int

const (
	// TransitionNone leaves the session as is; the refresher already
	// updated the access token.
	TransitionNone Transition = iota
	// TransitionSignOut clears every client-held secret and ends in
	// unauthenticated.
	TransitionSignOut
	// TransitionDegrade drops the access token and user but keeps the
	// refresh token, ending in degraded.
	TransitionDegrade
)

func (t Transition) String() string {
	switch t {
	case TransitionNone:
		return "none"
	case TransitionSignOut:
		return "sign_out"
	case TransitionDegrade:
		return "degrade"
	default:
		return "unknown"
	}
}

// MapOutcome maps a renewal outcome to a transition. Every ambient renewal
// routes through it.
func MapOutcome(out domain.RefreshOutcome, refreshTokenPresent bool) Transition {
	if out.OK {
		return TransitionNone
	}
	switch out.Reason {
	case domain.ReasonCanceled:
		return TransitionNone
	case domain.ReasonNetwork, domain.ReasonUnknown:
		if refreshTokenPresent {
			return TransitionDegrade
		}
		return TransitionSignOut
	default:
		// unauthorized, no_refresh_token, and any unrecognized tag
		return TransitionSignOut
	}
}
