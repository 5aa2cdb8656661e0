package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tim-projects/not-the-news-sub001/internal/clock"
	"github.com/tim-projects/not-the-news-sub001/internal/ledger"
	"github.com/tim-projects/not-the-news-sub001/internal/model"
	"github.com/tim-projects/not-the-news-sub001/internal/reconcile"
	"github.com/tim-projects/not-the-news-sub001/internal/remote"
	"github.com/tim-projects/not-the-news-sub001/internal/retry"
	"github.com/tim-projects/not-the-news-sub001/internal/store"
)

// Defaults for the push and pull paths.
const (
	DefaultPushBatchSize = 10
	DefaultDebounce      = 500 * time.Millisecond
	DefaultRetries       = 2
	DefaultRetryBase     = time.Second
)

// Remote is the part of the profile API the coordinator needs.
// *remote.Client implements it.
type Remote interface {
	GetProfileKey(ctx context.Context, key, since, ifNoneMatch string) (remote.ProfileValue, error)
	Push(ctx context.Context, ops []model.PendingOperation) (remote.PushResponse, error)
}

// Coordinator moves state between the ledger, the server and the local
// store.
//
// Foreground calls (PushOne, PushAll, PullAll) complete before returning.
// Follow-up pulls scheduled by a push are detached: they go through an
// internal task queue drained by RunDetached (or Flush in tests).
//
// Thread-safety: all methods are safe for concurrent use. Full pulls are
// serialised by an in-flight flag; a second PullAll while one runs is a
// no-op.
type Coordinator struct {
	store      *store.Store
	ledger     *ledger.Ledger
	remote     Remote
	reconciler *reconcile.Reconciler
	net        Connectivity
	detect     bool

	clock     clock.Clock
	logger    *slog.Logger
	tokens    CycleTokenGenerator
	batchSize int
	debounce  time.Duration
	retries   int
	retryBase time.Duration
	cycleHook func(ctx context.Context)
	onPull    func(PullReport)

	pulling atomic.Bool
	tasks   *taskQueue

	schedMu sync.Mutex
	sched   scheduledPull
}

// scheduledPull is the debounce state of detached pulls.
type scheduledPull struct {
	queued bool
	due    time.Time
	skip   []string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock sets the clock used for debouncing and retry waits.
func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(co *Coordinator) { co.logger = l }
}

// WithCycleTokens sets the generator that tags each cycle's log lines.
func WithCycleTokens(g CycleTokenGenerator) Option {
	return func(co *Coordinator) { co.tokens = g }
}

// WithConnectivity sets the reachability source. The default is
// AlwaysOnline.
func WithConnectivity(c Connectivity) Option {
	return func(co *Coordinator) { co.net = c }
}

// WithBatchSize sets how many operations PushAll sends per request.
func WithBatchSize(n int) Option {
	return func(co *Coordinator) {
		if n > 0 {
			co.batchSize = n
		}
	}
}

// WithDebounce sets the window in which scheduled pulls collapse.
func WithDebounce(d time.Duration) Option {
	return func(co *Coordinator) { co.debounce = d }
}

// WithRetry sets the number of extra attempts for a failed key fetch and
// the linear backoff base.
func WithRetry(retries int, base time.Duration) Option {
	return func(co *Coordinator) {
		co.retries = retries
		co.retryBase = base
	}
}

// WithCycleHook registers work the Run loop performs after each periodic
// push/pull cycle, such as refreshing feed content.
func WithCycleHook(fn func(ctx context.Context)) Option {
	return func(co *Coordinator) { co.cycleHook = fn }
}

// WithOnPullComplete registers a callback invoked after every completed
// PullAll.
func WithOnPullComplete(fn func(PullReport)) Option {
	return func(co *Coordinator) { co.onPull = fn }
}

// New creates a Coordinator. The reconciler is built over s.
func New(s *store.Store, l *ledger.Ledger, r Remote, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     s,
		ledger:    l,
		remote:    r,
		net:       AlwaysOnline{},
		clock:     clock.Real{},
		logger:    slog.Default(),
		tokens:    UUIDv7Generator{},
		batchSize: DefaultPushBatchSize,
		debounce:  DefaultDebounce,
		retries:   DefaultRetries,
		retryBase: DefaultRetryBase,
		tasks:     newTaskQueue(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.reconciler = reconcile.New(s, c.clock, c.logger)
	return c
}

// Online reports whether the server is believed reachable.
func (c *Coordinator) Online() bool {
	return c.net.Online()
}

// SyncEnabled reads the local syncEnabled flag. An absent or unreadable
// value counts as enabled.
func (c *Coordinator) SyncEnabled(ctx context.Context) bool {
	setting, err := c.store.Setting(ctx, model.KeySyncEnabled)
	if errors.Is(err, store.ErrNotFound) {
		return true
	}
	if err != nil {
		c.logger.Warn("reading syncEnabled failed", "error", err)
		return true
	}
	var enabled bool
	if err := json.Unmarshal(setting.Value, &enabled); err != nil {
		return true
	}
	return enabled
}

func (c *Coordinator) retryPolicy(logger *slog.Logger, key string) retry.Policy {
	return retry.Policy{
		Retries:   c.retries,
		Delay:     retry.Linear(c.retryBase),
		Retryable: remote.IsTransient,
		Clock:     c.clock,
		OnRetry: func(err error, wait time.Duration) {
			logger.Info("retrying pull", "key", key, "wait", wait, "error", err)
		},
	}
}

// RunDetached drains the detached task queue until ctx is done.
func (c *Coordinator) RunDetached(ctx context.Context) error {
	for {
		if t, ok := c.tasks.TryDequeue(); ok {
			c.runTask(ctx, t)
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-c.tasks.Wait():
			if !ok {
				return nil
			}
		}
	}
}

// Flush runs every queued detached task, including tasks they schedule,
// on the calling goroutine.
func (c *Coordinator) Flush(ctx context.Context) {
	for {
		t, ok := c.tasks.TryDequeue()
		if !ok {
			return
		}
		c.runTask(ctx, t)
	}
}

// Pending returns the number of queued detached tasks.
func (c *Coordinator) Pending() int {
	return c.tasks.Len()
}

func (c *Coordinator) runTask(ctx context.Context, t task) {
	c.logger.Debug("running detached task", "task", t.name)
	t.run(ctx)
}

// Run is the background sync loop: it drains detached tasks, and on every
// interval tick or reconnect it runs PushAll (which ends with a pull)
// followed by the cycle hook. With connectivity detection, a tick is also
// how an unreachable server is found again. Run blocks until ctx is done.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Go(func() { _ = c.RunDetached(ctx) })
	defer func() {
		cancel()
		wg.Wait()
	}()

	var reconnected <-chan struct{}
	if r, ok := c.net.(reconnector); ok {
		reconnected = r.Reconnected()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tick := func() {
		if c.cycle(ctx) {
			// The cycle that found the server again already drained the
			// ledger.
			select {
			case <-reconnected:
			default:
			}
		}
	}

	tick()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("sync loop stopped")
			return nil
		case <-ticker.C:
			tick()
		case <-reconnected:
			c.logger.Info("reconnected, draining ledger")
			c.cycle(ctx)
		}
	}
}

// cycle runs one PushAll and the cycle hook. With connectivity detection
// it first checks whether an unreachable server is back, and reports
// whether it was.
func (c *Coordinator) cycle(ctx context.Context) bool {
	back := c.checkReachable(ctx)
	if back {
		c.logger.Info("reconnected, draining ledger")
	}
	report := c.PushAll(ctx)
	if report.Skipped != "" {
		c.logger.Debug("sync cycle skipped", "reason", report.Skipped)
	}
	if c.cycleHook != nil && ctx.Err() == nil {
		c.cycleHook(ctx)
	}
	return back
}
