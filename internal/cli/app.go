package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tim-projects/not-the-news-sub001/internal/clock"
	"github.com/tim-projects/not-the-news-sub001/internal/config"
	"github.com/tim-projects/not-the-news-sub001/internal/deck"
	"github.com/tim-projects/not-the-news-sub001/internal/engine"
	"github.com/tim-projects/not-the-news-sub001/internal/feedsync"
	"github.com/tim-projects/not-the-news-sub001/internal/ledger"
	"github.com/tim-projects/not-the-news-sub001/internal/remote"
	"github.com/tim-projects/not-the-news-sub001/internal/store"
	"github.com/tim-projects/not-the-news-sub001/internal/userstate"
)

// app is the wired set of components one command works with.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	clock  clock.Clock

	store  *store.Store
	ledger *ledger.Ledger
	net    *engine.Switch
	coord  *engine.Coordinator
	state  *userstate.Service
	feed   *feedsync.Syncer
	deck   *deck.Manager
}

// contentReport is what one content pass did after a state sync.
type contentReport struct {
	Feed     feedsync.Report `json:"feed"`
	Backfill int             `json:"backfilled"`
	Deck     deck.Result     `json:"-"`
}

func openApp(opts *RootOptions, cmd *cobra.Command, formatter *OutputFormatter) (*app, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, formatter.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Store.Path = opts.Database
	}
	if opts.Server != "" {
		cfg.Server.BaseURL = opts.Server
	}

	logger, err := newLogger(cfg.Log, opts.Verbose, cmd.ErrOrStderr())
	if err != nil {
		return nil, formatter.Fail(ExitCommandError, ErrCodeConfig, "invalid log settings", err)
	}

	if cfg.Store.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o750); err != nil {
			return nil, formatter.Fail(ExitCommandError, ErrCodeStore, "failed to create data directory", err)
		}
	}
	st, err := store.Open(cfg.Store.Path, store.WithMaxPages(cfg.Store.MaxPages), store.WithLogger(logger))
	if err != nil {
		return nil, formatter.Fail(ExitCommandError, ErrCodeStore, "failed to open database", err)
	}

	a := &app{cfg: cfg, logger: logger, clock: clock.Real{}, store: st}
	a.ledger = ledger.New(st, a.clock, logger)
	a.net = engine.NewSwitch(!opts.Offline && cfg.Server.BaseURL != "")

	client := remote.New(cfg.Server.BaseURL,
		remote.EnvToken{Name: cfg.Server.TokenEnv, Fallback: cfg.Server.Token},
		remote.WithTimeout(cfg.Sync.RequestTimeout),
		remote.WithLogger(logger),
	)
	coordOpts := []engine.Option{
		engine.WithClock(a.clock),
		engine.WithLogger(logger),
		engine.WithConnectivity(a.net),
		engine.WithBatchSize(cfg.Sync.PushBatchSize),
		engine.WithDebounce(cfg.Sync.Debounce),
		engine.WithRetry(cfg.Sync.Retries, cfg.Sync.RetryBase),
		engine.WithCycleHook(func(ctx context.Context) { a.refreshContent(ctx) }),
	}
	// --offline pins the switch; otherwise request outcomes drive it.
	if a.net.Online() {
		coordOpts = append(coordOpts, engine.WithConnectivityDetection())
	}
	a.coord = engine.New(st, a.ledger, client, coordOpts...)
	a.state = userstate.New(st, a.coord, a.clock, logger)
	a.feed = feedsync.New(st, client,
		feedsync.WithClock(a.clock),
		feedsync.WithLogger(logger),
		feedsync.WithBatchSize(cfg.Feed.BatchSize),
	)

	gen := deck.NewGenerator(nil, cfg.Deck.Size)
	if cfg.Deck.Seed != 0 {
		gen = deck.Seeded(cfg.Deck.Seed, cfg.Deck.Size)
	}
	a.deck = deck.NewManager(a.state, gen,
		deck.WithClock(a.clock),
		deck.WithLogger(logger),
		deck.WithConnectivity(a.net),
		deck.WithDailyShuffles(cfg.Deck.DailyShuffles),
	)
	return a, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Error("error closing database", "error", err)
	}
}

// refreshContent runs after every state sync: new feed items, missing deck
// content, then the deck itself. Failures are logged and do not stop the
// later steps.
func (a *app) refreshContent(ctx context.Context) contentReport {
	var rep contentReport
	if a.net.Online() {
		var err error
		if rep.Feed, err = a.feed.Refresh(ctx); err != nil {
			a.logger.Warn("feed refresh failed", "error", err)
		}
		missing, err := a.feed.FetchMissing(ctx)
		if err != nil {
			a.logger.Warn("deck backfill failed", "error", err)
		}
		rep.Backfill = missing.Fetched
	}

	res, err := a.deck.Manage(ctx)
	if err != nil {
		a.logger.Warn("deck management failed", "error", err)
		return rep
	}
	rep.Deck = res
	if err := a.deck.Pregenerate(ctx); err != nil {
		a.logger.Warn("deck pregeneration failed", "error", err)
	}
	return rep
}

func newLogger(cfg config.Log, verbose bool, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	if verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
}
