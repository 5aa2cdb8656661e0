package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/tim-projects/not-the-news-sub001/internal/model"
	"github.com/tim-projects/not-the-news-sub001/internal/reconcile"
	"github.com/tim-projects/not-the-news-sub001/internal/remote"
	"github.com/tim-projects/not-the-news-sub001/internal/store"
)

// KeyStatus is the outcome of pulling one key.
type KeyStatus string

const (
	StatusUpdated        KeyStatus = "updated"
	StatusNotModified    KeyStatus = "notModified"
	StatusSkippedPending KeyStatus = "skippedPending"
	StatusNoToken        KeyStatus = "noToken"
	StatusNotFound       KeyStatus = "notFound"
	StatusHTTPError      KeyStatus = "httpError"
	StatusMalformed      KeyStatus = "malformed"
	StatusError          KeyStatus = "error"
)

// KeyResult reports the pull of one key.
type KeyResult struct {
	Key    string
	Status KeyStatus
	// LastModified is the server marker of a fetched payload.
	LastModified string
	Partial      bool
	Changes      reconcile.Result
	Err          *SyncError
}

// PullOptions controls PullAll.
type PullOptions struct {
	// Force trusts the server over local state: it bypasses the race
	// guard, the not-modified precondition and the since cursor, and
	// reconciles list keys by replacement.
	Force bool
	// Skip lists keys that must not be pulled this time.
	Skip []string
}

// PullReport summarises one PullAll.
type PullReport struct {
	Cycle   string
	Skipped string
	Keys    []KeyResult
	// ServerTime is the newest lastModified observed; it is persisted as
	// lastStateSync.
	ServerTime string
}

// Result returns the outcome for key.
func (r PullReport) Result(key string) (KeyResult, bool) {
	for _, k := range r.Keys {
		if k.Key == key {
			return k, true
		}
	}
	return KeyResult{}, false
}

// PullKey fetches one key and reconciles it. Failures are reported in the
// result, never returned.
func (c *Coordinator) PullKey(ctx context.Context, def model.KeyDef, force bool) KeyResult {
	return c.pullKey(ctx, c.logger, def, force)
}

func (c *Coordinator) pullKey(ctx context.Context, logger *slog.Logger, def model.KeyDef, force bool) KeyResult {
	res := KeyResult{Key: def.Name}
	logger = logger.With("key", def.Name)

	if !force && c.guarded(ctx, logger, def.Name) {
		res.Status = StatusSkippedPending
		return res
	}

	var ifNoneMatch, since string
	if !force {
		cursor, err := c.store.Cursor(ctx, def.Name)
		if err != nil {
			return c.failed(logger, res, err)
		}
		ifNoneMatch = cursor

		if def.Kind == model.KindList && def.Mode == model.ModeMerge {
			latest, err := c.store.LatestMark(ctx, def.Name)
			if err != nil {
				return c.failed(logger, res, err)
			}
			since = model.FormatTime(latest)
		}
	}

	var value remote.ProfileValue
	err := c.retryPolicy(logger, def.Name).Do(ctx, func(ctx context.Context) error {
		var err error
		value, err = c.remote.GetProfileKey(ctx, def.Name, since, ifNoneMatch)
		return err
	})
	switch {
	case errors.Is(err, remote.ErrNotModified):
		res.Status = StatusNotModified
		return res
	case errors.Is(err, remote.ErrNoToken):
		logger.Warn("no credential, pull skipped")
		res.Status = StatusNoToken
		res.Err = newSyncError(def.Name, 0, err)
		return res
	case errors.Is(err, remote.ErrNotFound):
		res.Status = StatusNotFound
		return res
	case err != nil:
		var status *remote.StatusError
		if errors.As(err, &status) {
			res.Status = StatusHTTPError
			res.Err = newSyncError(def.Name, 0, err)
			logger.Warn("pull failed", "status", status.Code)
			return res
		}
		return c.failed(logger, res, err)
	}

	res.LastModified = value.LastModified
	res.Partial = value.Partial

	// A local edit may have been queued while the request was in flight.
	if !force && c.guarded(ctx, logger, def.Name) {
		res.Status = StatusSkippedPending
		return res
	}

	mode := def.Mode
	if force && def.Kind == model.KindList {
		mode = model.ModeReplace
	}
	changes, err := c.reconciler.Apply(ctx, def, value.Value, value.LastModified, value.Partial, mode)
	if err != nil {
		return c.failed(logger, res, err)
	}
	res.Changes = changes
	if changes.Malformed {
		res.Status = StatusMalformed
		return res
	}
	res.Status = StatusUpdated
	logger.Debug("key reconciled", "added", changes.Added, "removed", changes.Removed, "partial", value.Partial)
	return res
}

// guarded reports whether key has an unconfirmed local operation. A
// failing ledger read counts as guarded.
func (c *Coordinator) guarded(ctx context.Context, logger *slog.Logger, key string) bool {
	pending, err := c.ledger.HasPendingFor(ctx, key)
	if err != nil {
		logger.Warn("race guard check failed, skipping key", "error", err)
		return true
	}
	if pending {
		logger.Info("unconfirmed local changes, pull skipped")
	}
	return pending
}

func (c *Coordinator) failed(logger *slog.Logger, res KeyResult, err error) KeyResult {
	res.Status = StatusError
	res.Err = newSyncError(res.Key, 0, err)
	logger.Warn("pull failed", "error", res.Err)
	return res
}

// PullAll pulls every synchronised key except those skipped, concurrently.
// Only one PullAll runs at a time; an overlapping call returns at once
// with Skipped set.
func (c *Coordinator) PullAll(ctx context.Context, opts PullOptions) PullReport {
	var report PullReport
	var logger *slog.Logger
	report.Cycle, logger = c.startCycle()

	if !c.net.Online() {
		report.Skipped = SkipOffline
		return report
	}
	if !c.pulling.CompareAndSwap(false, true) {
		logger.Debug("pull already in flight")
		report.Skipped = SkipInFlight
		return report
	}
	defer c.pulling.Store(false)

	skip := map[string]bool{}
	for _, key := range opts.Skip {
		skip[key] = true
	}
	keys := model.SyncKeys()

	if !opts.Force && !c.SyncEnabled(ctx) {
		// Another device may have enabled sync for this profile.
		def, _ := model.Lookup(model.KeySyncEnabled)
		enabled := c.pullKey(ctx, logger, def, false)
		report.Keys = append(report.Keys, enabled)
		if !c.SyncEnabled(ctx) {
			c.observePull(logger, report.Keys)
			report.Skipped = SkipSyncOff
			return report
		}
		skip[model.KeySyncEnabled] = true
	}

	keys = slices.DeleteFunc(keys, func(def model.KeyDef) bool { return skip[def.Name] })

	results := make([]KeyResult, len(keys))
	var wg sync.WaitGroup
	for i, def := range keys {
		wg.Go(func() {
			results[i] = c.pullKey(ctx, logger, def, opts.Force)
		})
	}
	wg.Wait()
	report.Keys = append(report.Keys, results...)
	c.observePull(logger, report.Keys)

	for _, r := range report.Keys {
		if r.LastModified > report.ServerTime {
			report.ServerTime = r.LastModified
		}
	}
	if report.ServerTime != "" {
		c.recordLastSync(ctx, logger, report.ServerTime)
	}

	logger.Info("pull complete", "keys", len(report.Keys), "serverTime", report.ServerTime)
	if c.onPull != nil {
		c.onPull(report)
	}
	return report
}

// recordLastSync advances the overall sync cursor.
func (c *Coordinator) recordLastSync(ctx context.Context, logger *slog.Logger, serverTime string) {
	if prev, err := c.LastStateSync(ctx); err == nil && prev >= serverTime {
		return
	}
	raw, _ := json.Marshal(serverTime)
	err := c.store.PutSetting(ctx, model.Setting{Key: model.KeyLastStateSync, Value: raw, LastModified: serverTime})
	if err != nil {
		logger.Warn("recording last sync failed", "error", err)
	}
}

// LastStateSync returns the overall sync cursor, or "" before the first
// successful pull.
func (c *Coordinator) LastStateSync(ctx context.Context) (string, error) {
	setting, err := c.store.Setting(ctx, model.KeyLastStateSync)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	var s string
	if err := json.Unmarshal(setting.Value, &s); err != nil {
		return "", nil
	}
	return s, nil
}

// SchedulePull requests a detached PullAll. Requests made within the
// debounce window collapse into one pull that skips every key any of them
// asked to skip.
func (c *Coordinator) SchedulePull(skip []string) {
	c.schedMu.Lock()
	c.sched.due = c.clock.Now().Add(c.debounce)
	if c.sched.queued {
		for _, key := range skip {
			if !slices.Contains(c.sched.skip, key) {
				c.sched.skip = append(c.sched.skip, key)
			}
		}
		c.schedMu.Unlock()
		return
	}
	c.sched.skip = slices.Clone(skip)
	c.sched.queued = true
	c.schedMu.Unlock()

	c.tasks.Enqueue(task{name: "pull", run: c.runScheduledPull})
}

func (c *Coordinator) runScheduledPull(ctx context.Context) {
	var skip []string
	for {
		c.schedMu.Lock()
		wait := c.sched.due.Sub(c.clock.Now())
		if wait <= 0 {
			c.sched.queued = false
			skip = c.sched.skip
			c.sched.skip = nil
			c.schedMu.Unlock()
			break
		}
		c.schedMu.Unlock()
		if err := c.clock.Sleep(ctx, wait); err != nil {
			c.schedMu.Lock()
			c.sched.queued = false
			c.sched.skip = nil
			c.schedMu.Unlock()
			return
		}
	}
	c.PullAll(ctx, PullOptions{Skip: skip})
}
