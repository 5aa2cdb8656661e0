package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/tim-projects/not-the-news-sub001/internal/model"
	"github.com/tim-projects/not-the-news-sub001/internal/remote"
)

// Skip reasons reported by push and pull cycles.
const (
	SkipOffline  = "offline"
	SkipSyncOff  = "sync disabled"
	SkipInFlight = "pull in flight"
)

// PushReport summarises one PushAll.
type PushReport struct {
	Cycle   string
	Skipped string

	// Acked counts operations the server confirmed and the ledger dropped.
	Acked int
	// Rejected counts operations the server refused; they stay queued.
	Rejected int
	// Unsent counts operations whose batch never got an answer.
	Unsent int

	PushedKeys []string
	Errors     []*SyncError

	// Pull is the reconciliation pull that followed the push.
	Pull *PullReport
}

// PushOne queues op and, when the server is reachable and sync is enabled,
// delivers it immediately. It returns the ledger id.
//
// Only a failure to queue is returned as an error. Delivery failures leave
// the operation buffered for the next PushAll. After a confirmed delivery
// the affected key's cursor moves to the server time and a detached pull
// is scheduled that skips that key.
func (c *Coordinator) PushOne(ctx context.Context, op model.PendingOperation) (int64, error) {
	if op.Timestamp.IsZero() {
		op.Timestamp = c.clock.Now()
	}
	id, err := c.ledger.Enqueue(ctx, op)
	if err != nil {
		return 0, newSyncError(op.Key, 0, err)
	}
	op.ID = id
	op.GUID = model.NormalizeGUID(op.GUID)
	key := op.AffectedKey()

	_, logger := c.startCycle("op", id, "key", key)

	if !c.net.Online() {
		logger.Debug("offline, operation buffered")
		return id, nil
	}
	if !c.SyncEnabled(ctx) {
		logger.Debug("sync disabled, operation buffered")
		return id, nil
	}

	resp, err := c.remote.Push(ctx, []model.PendingOperation{op})
	c.observe(logger, err)
	if err != nil {
		logger.Warn("immediate push failed, operation buffered", "error", newSyncError(key, id, err))
		return id, nil
	}

	result, ok := findResult(resp.Results, id)
	if !ok || !result.Succeeded() {
		logger.Warn("server did not confirm operation", "reason", result.Reason)
		return id, nil
	}

	if err := c.ledger.Remove(ctx, id); err != nil {
		logger.Error("dropping acknowledged operation failed", "error", err)
		return id, nil
	}
	if err := c.store.SetCursor(ctx, key, resp.ServerTime); err != nil {
		logger.Warn("recording cursor failed", "error", err)
	}
	logger.Debug("operation acknowledged", "serverTime", resp.ServerTime)

	c.SchedulePull([]string{key})
	return id, nil
}

// PushAll drains the ledger in batches. Confirmed operations are removed,
// refused ones stay queued, and a batch that fails in transit stops the
// drain. Afterwards one pull runs that skips every key just pushed.
func (c *Coordinator) PushAll(ctx context.Context) PushReport {
	var report PushReport
	var logger *slog.Logger
	report.Cycle, logger = c.startCycle()

	if !c.net.Online() {
		report.Skipped = SkipOffline
		return report
	}
	if !c.SyncEnabled(ctx) {
		report.Skipped = SkipSyncOff
		return report
	}

	ops, err := c.ledger.ListAll(ctx)
	if err != nil {
		logger.Error("listing pending operations failed", "error", err)
		report.Errors = append(report.Errors, newSyncError("", 0, err))
		return report
	}

	pushed := map[string]bool{}
	for batch := range slices.Chunk(ops, c.batchSize) {
		if ctx.Err() != nil {
			report.Unsent += len(batch)
			continue
		}
		resp, err := c.remote.Push(ctx, batch)
		c.observe(logger, err)
		if err != nil {
			serr := newSyncError("", 0, fmt.Errorf("push batch of %d: %w", len(batch), err))
			report.Errors = append(report.Errors, serr)
			report.Unsent += len(batch)
			logger.Warn("push batch failed", "size", len(batch), "error", serr)
			if errors.Is(err, remote.ErrNoToken) || remote.IsTransient(err) {
				// The remaining batches would fail the same way.
				report.Unsent += len(ops) - countThrough(ops, batch)
				break
			}
			continue
		}

		confirmed := map[string]bool{}
		for _, op := range batch {
			result, ok := findResult(resp.Results, op.ID)
			switch {
			case !ok:
				report.Unsent++
			case !result.Succeeded():
				report.Rejected++
				logger.Warn("server rejected operation", "op", op.ID, "type", op.Type, "reason", result.Reason)
			default:
				if err := c.ledger.Remove(ctx, op.ID); err != nil {
					report.Errors = append(report.Errors, newSyncError(op.AffectedKey(), op.ID, err))
					continue
				}
				report.Acked++
				confirmed[op.AffectedKey()] = true
			}
		}
		for key := range confirmed {
			pushed[key] = true
			if err := c.store.SetCursor(ctx, key, resp.ServerTime); err != nil {
				logger.Warn("recording cursor failed", "key", key, "error", err)
			}
		}
	}

	for key := range pushed {
		report.PushedKeys = append(report.PushedKeys, key)
	}
	slices.Sort(report.PushedKeys)

	logger.Info("push complete",
		"acked", report.Acked, "rejected", report.Rejected, "unsent", report.Unsent)

	pull := c.PullAll(ctx, PullOptions{Skip: report.PushedKeys})
	report.Pull = &pull
	return report
}

func findResult(results []remote.PushResult, id int64) (remote.PushResult, bool) {
	for _, r := range results {
		if r.ID == id {
			return r, true
		}
	}
	return remote.PushResult{}, false
}

// countThrough returns how many ops precede and include batch, which is a
// sub-slice of ops.
func countThrough(ops, batch []model.PendingOperation) int {
	last := batch[len(batch)-1].ID
	for i, op := range ops {
		if op.ID == last {
			return i + 1
		}
	}
	return len(ops)
}
