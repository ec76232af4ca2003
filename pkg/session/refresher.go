package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/tendant/simple-idm-session/pkg/domain"
	"github.com/tendant/simple-idm-session/pkg/tokenstore"
	"golang.org/x/sync/singleflight"
)

const refreshKey = "refresh"

// RefreshAPI is the renewal endpoint.
type RefreshAPI interface {
	Refresh(ctx context.Context, refreshToken string) (*domain.TokenPair, error)
}

// tokenSink receives renewal results. The epoch identifies the session
// generation a renewal started in; results from an older generation are
// discarded.
type tokenSink interface {
	refreshEpoch() uint64
	commitRefresh(ctx context.Context, epoch uint64, pair *domain.TokenPair) error
	rejectRefresh(ctx context.Context, epoch uint64)
}

// Refresher is the single-flight renewal mechanism. Concurrent Refresh
// calls while one is in flight join it and observe the same outcome.
type Refresher struct {
	group   singleflight.Group
	store   tokenstore.Store
	api     RefreshAPI
	sink    tokenSink
	logger  *slog.Logger
	metrics Metrics

	callers atomic.Int64
}

func newRefresher(store tokenstore.Store, api RefreshAPI, sink tokenSink, logger *slog.Logger, metrics Metrics) *Refresher {
	return &Refresher{
		store:   store,
		api:     api,
		sink:    sink,
		logger:  logger,
		metrics: metrics,
	}
}

// Refresh joins the in-flight renewal or starts a new one. The renewal
// itself is not cancelled by ctx; a caller whose ctx ends stops waiting
// and receives a canceled outcome, which must not drive a transition.
func (r *Refresher) Refresh(ctx context.Context) domain.RefreshOutcome {
	leader := false
	ch := r.group.DoChan(refreshKey, func() (any, error) {
		leader = true
		r.metrics.RefreshStarted()
		out := r.run(context.WithoutCancel(ctx))
		r.metrics.RefreshCompleted(out.Reason)
		return out, nil
	})
	r.callers.Add(1)
	defer r.callers.Add(-1)

	select {
	case res := <-ch:
		if !leader {
			r.metrics.RefreshJoined()
		}
		return res.Val.(domain.RefreshOutcome)
	case <-ctx.Done():
		return domain.RefreshFailed(domain.ReasonCanceled, ctx.Err())
	}
}

// Callers returns the number of callers currently attached to a renewal.
func (r *Refresher) Callers() int64 {
	return r.callers.Load()
}

func (r *Refresher) run(ctx context.Context) domain.RefreshOutcome {
	epoch := r.sink.refreshEpoch()

	var refreshToken string
	if r.store.Readable() {
		refreshToken = tokenstore.Probe(ctx, r.store, r.logger)
		if refreshToken == "" {
			return domain.RefreshFailed(domain.ReasonNoRefreshToken, domain.ErrNoRefreshToken)
		}
	}

	pair, err := r.api.Refresh(ctx, refreshToken)
	if err != nil {
		reason := classifyRefreshError(err)
		r.logger.Info("token renewal failed", "reason", reason, "error", err)
		if reason == domain.ReasonUnauthorized {
			r.sink.rejectRefresh(ctx, epoch)
		}
		return domain.RefreshFailed(reason, err)
	}

	if err := r.sink.commitRefresh(ctx, epoch, pair); err != nil {
		if errors.Is(err, domain.ErrSuperseded) {
			r.logger.Debug("discarding superseded renewal")
		} else {
			r.logger.Error("failed to apply renewed tokens", "error", err)
		}
		return domain.RefreshFailed(domain.ReasonUnknown, err)
	}

	r.logger.Debug("token renewed")
	return domain.RefreshSucceeded(pair.AccessToken)
}

// classifyRefreshError maps a transport signal to a reason. Only 401 is
// definite; a missing response is network; everything else is unknown.
func classifyRefreshError(err error) domain.RefreshReason {
	apiErr, ok := domain.AsAPIError(err)
	if !ok {
		return domain.ReasonUnknown
	}
	switch {
	case apiErr.Status == domain.StatusNoResponse:
		return domain.ReasonNetwork
	case apiErr.Status == http.StatusUnauthorized:
		return domain.ReasonUnauthorized
	default:
		return domain.ReasonUnknown
	}
}
