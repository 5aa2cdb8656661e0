package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tim-projects/not-the-news-sub001/internal/model"
	"github.com/tim-projects/not-the-news-sub001/internal/remote"
)

// settable is a Connectivity the coordinator may update from request
// outcomes. *Switch implements it.
type settable interface {
	Connectivity
	Set(online bool)
}

// WithConnectivityDetection lets request outcomes drive the connectivity
// source, which must be settable (a *Switch). A transport failure marks
// the server unreachable; any answer from the server, error statuses
// included, marks it reachable. While unreachable, every Run cycle starts
// with one lightweight request to find out whether it is back.
func WithConnectivityDetection() Option {
	return func(co *Coordinator) { co.detect = true }
}

func (c *Coordinator) detector() (settable, bool) {
	if !c.detect {
		return nil, false
	}
	s, ok := c.net.(settable)
	return s, ok
}

// observe records what the outcome of one request says about reachability.
// Outcomes that never reached the transport, such as a missing credential
// or a cancelled context, change nothing.
func (c *Coordinator) observe(logger *slog.Logger, err error) {
	s, ok := c.detector()
	if !ok {
		return
	}
	switch {
	case remote.IsTransient(err):
		if s.Online() {
			logger.Warn("server unreachable, going offline", "error", err)
		}
		s.Set(false)
	case answered(err):
		if !s.Online() {
			logger.Info("server reachable again")
		}
		s.Set(true)
	}
}

// observePull folds the per-key outcomes of one pull into a single
// observation, so concurrent keys cannot flap the state. One answered key
// is enough to count the server as reachable.
func (c *Coordinator) observePull(logger *slog.Logger, keys []KeyResult) {
	var down error
	for _, k := range keys {
		switch k.Status {
		case StatusUpdated, StatusNotModified, StatusNotFound, StatusHTTPError, StatusMalformed:
			c.observe(logger, nil)
			return
		case StatusError:
			if k.Err != nil && remote.IsTransient(k.Err.Err) {
				down = k.Err.Err
			}
		}
	}
	if down != nil {
		c.observe(logger, down)
	}
}

// answered reports whether a request with outcome err got a response.
func answered(err error) bool {
	var status *remote.StatusError
	return err == nil ||
		errors.As(err, &status) ||
		errors.Is(err, remote.ErrNotModified) ||
		errors.Is(err, remote.ErrNotFound) ||
		errors.Is(err, remote.ErrThrottled)
}

// checkReachable sends one request while detection has the server marked
// unreachable. It reports whether the server came back.
func (c *Coordinator) checkReachable(ctx context.Context) bool {
	s, ok := c.detector()
	if !ok || s.Online() {
		return false
	}
	_, logger := c.startCycle("check", "reachability")
	_, err := c.remote.GetProfileKey(ctx, model.KeySyncEnabled, "", "")
	c.observe(logger, err)
	return s.Online()
}
