// Package main provides the knowledge-base seeder entry point.
// It loads the onboarding intents file and writes one embedded document per
// knowledge intent into the configured vector store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pal-onboarding/kb-seeder/internal/adapter/embedding/gemini"
	"github.com/pal-onboarding/kb-seeder/internal/adapter/embedding/tokencount"
	"github.com/pal-onboarding/kb-seeder/internal/adapter/observability"
	"github.com/pal-onboarding/kb-seeder/internal/adapter/repo/postgres"
	"github.com/pal-onboarding/kb-seeder/internal/adapter/vector/chroma"
	"github.com/pal-onboarding/kb-seeder/internal/adapter/vector/qdrant"
	"github.com/pal-onboarding/kb-seeder/internal/app"
	"github.com/pal-onboarding/kb-seeder/internal/config"
	"github.com/pal-onboarding/kb-seeder/internal/domain"
	"github.com/pal-onboarding/kb-seeder/internal/kbseed"
	"github.com/pal-onboarding/kb-seeder/internal/service/seedlock"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		return 1
	}

	dataset := flag.String("dataset", cfg.DatasetPath, "path to the intents file (JSON or YAML)")
	dryRun := flag.Bool("dry-run", false, "load and transform only; embed and write nothing")
	force := flag.Bool("force", cfg.SeedForce, "seed even when the collection already holds documents")
	check := flag.Bool("check", false, "ping every configured backend and exit")
	flag.Parse()

	// Setup logging
	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *check {
		if err := preflight(ctx, cfg); err != nil {
			return 1
		}
		return 0
	}

	deps := kbseed.Deps{
		Tokens: tokencount.NewCounter(),
		Logger: logger,
	}
	if !*dryRun {
		b := wireBackends(ctx, cfg, &deps, true)
		defer b.close()
		if err := b.required(); err != nil {
			slog.Error("setup failed", slog.Any("error", err))
			return 1
		}
		if err := b.failed[app.CheckDB]; err != nil {
			slog.Warn("run ledger disabled", slog.Any("error", err))
		}
	}

	opts := kbseed.Options{
		DatasetPath:        *dataset,
		Collection:         cfg.ChromaCollectionName,
		CollectionMetadata: cfg.CollectionMetadata(),
		BatchSize:          cfg.SeedBatchSize,
		EmbedInterval:      embedInterval(cfg.SeedEmbedInterval),
		Retry:              cfg.GetRetryPolicy(),
		MaxTokens:          cfg.EmbedMaxTokens,
		Force:              *force,
		DryRun:             *dryRun,
	}
	slog.Info("starting seeder",
		slog.String("env", cfg.AppEnv),
		slog.String("backend", cfg.VectorBackend),
		slog.String("dataset", *dataset),
		slog.Bool("dry_run", *dryRun))

	code := seed(ctx, deps, opts)
	pushMetrics(cfg)
	return code
}

// seed performs one run and maps its outcome onto the process exit code:
// aborted runs exit 1; completed, partial, skipped and locked runs exit 0.
func seed(ctx context.Context, deps kbseed.Deps, opts kbseed.Options) int {
	seeder, err := kbseed.New(deps, opts)
	if err != nil {
		slog.Error("seeder setup failed", slog.Any("error", err))
		return 1
	}
	rep, err := seeder.Run(ctx)
	if err != nil {
		slog.Error("seeding aborted", slog.String("run_id", rep.RunID), slog.Any("error", err))
		return 1
	}
	if rep.Status == domain.RunSkipped {
		logLastRun(ctx, deps.Ledger, opts.Collection)
	}
	if !rep.Status.ExitOK() {
		return 1
	}
	return 0
}

// preflight builds every configured backend and pings it. Backends that
// cannot be built fail their check instead of ending the preflight early.
func preflight(ctx context.Context, cfg config.Config) error {
	var deps kbseed.Deps
	b := wireBackends(ctx, cfg, &deps, false)
	defer b.close()
	checks := app.BuildReadinessChecks(cfg, app.Targets{
		Store:  asPinger(deps.Store),
		Lock:   asPinger(deps.Lock),
		DB:     asPinger(deps.Ledger),
		Failed: b.failed,
	})
	return app.RunChecks(ctx, checks, 5*time.Second)
}

// backends tracks what wireBackends built. failed holds the construction
// error of every backend that could not be built, keyed by check name.
type backends struct {
	closers []func()
	failed  map[string]error
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// required joins the construction errors of the backends a run cannot do without.
func (b *backends) required() error {
	var errs []error
	for _, name := range []string{app.CheckEmbedder, app.CheckVectorStore, app.CheckRedis} {
		if err := b.failed[name]; err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// wireBackends builds the embedder, vector store, lock and ledger from cfg.
// It never stops at the first failure; see backends.failed.
// prepareLedger creates the ledger table before the ledger is handed out.
func wireBackends(ctx context.Context, cfg config.Config, deps *kbseed.Deps, prepareLedger bool) *backends {
	b := &backends{failed: map[string]error{}}

	if emb, err := gemini.New(cfg); err != nil {
		b.failed[app.CheckEmbedder] = err
	} else {
		deps.Embedder = emb
	}

	switch cfg.VectorBackend {
	case config.BackendQdrant:
		store, err := qdrant.New(cfg.QdrantAddr, cfg.QdrantAPIKey)
		if err != nil {
			b.failed[app.CheckVectorStore] = err
		} else {
			b.closers = append(b.closers, func() { _ = store.Close() })
			deps.Store = store
		}
	default:
		store := chroma.NewFromConfig(cfg)
		b.closers = append(b.closers, func() { _ = store.Close() })
		deps.Store = store
		slog.Info("using chroma", slog.String("url", cfg.ChromaURL()), slog.Bool("cloud", cfg.ChromaCloud()))
	}

	if cfg.RedisURL != "" {
		lock, err := seedlock.NewRedisLockFromURL(ctx, cfg.RedisURL, cfg.SeedLockTTL)
		if err != nil {
			b.failed[app.CheckRedis] = err
		} else {
			b.closers = append(b.closers, func() { _ = lock.Close() })
			deps.Lock = lock
		}
	} else {
		slog.Warn("REDIS_URL not set; concurrent seeding runs are not guarded")
		deps.Lock = seedlock.Noop{}
	}

	if cfg.DBURL != "" {
		if err := b.wireLedger(ctx, cfg.DBURL, deps, prepareLedger); err != nil {
			b.failed[app.CheckDB] = err
		}
	}
	return b
}

func (b *backends) wireLedger(ctx context.Context, dsn string, deps *kbseed.Deps, prepare bool) error {
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		return err
	}
	b.closers = append(b.closers, pool.Close)
	repo := postgres.NewRunRepo(pool)
	if prepare {
		if err := repo.EnsureSchema(ctx); err != nil {
			return err
		}
	}
	deps.Ledger = repo
	return nil
}

// embedInterval maps the configured 0 ("no throttle") onto the seeder's
// negative sentinel, since the seeder treats 0 as "use the default".
func embedInterval(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}

// asPinger returns v as an app.Pinger, or nil when v cannot be pinged.
func asPinger(v any) app.Pinger {
	if p, ok := v.(app.Pinger); ok {
		return p
	}
	return nil
}

func pushMetrics(cfg config.Config) {
	if cfg.PushgatewayURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := observability.PushMetrics(ctx, cfg.PushgatewayURL, observability.NewRegistry(), cfg.ChromaCollectionName); err != nil {
		slog.Warn("metrics push failed", slog.Any("error", err))
	}
}

func logLastRun(ctx context.Context, ledger domain.RunLedger, collection string) {
	repo, ok := ledger.(*postgres.RunRepo)
	if !ok {
		return
	}
	last, err := repo.LastCompleted(ctx, collection)
	if err != nil {
		slog.Debug("no previous run recorded", slog.Any("error", err))
		return
	}
	slog.Info("collection was seeded by an earlier run",
		slog.String("previous_run_id", last.RunID),
		slog.String("finished_at", last.FinishedAt.Format(time.RFC3339)),
		slog.Int("added", last.Added))
}
