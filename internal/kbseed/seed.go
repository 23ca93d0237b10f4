// Package kbseed seeds the P.A.L. knowledge base from the onboarding intents file.
//
// A run loads the dataset, drops conversational intents, and writes one
// embedded document per remaining intent into the vector store in small
// batches. A non-empty collection is left untouched unless Force is set.
// Failed batches are skipped, so a run completes even when some documents
// could not be written.
package kbseed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/pal-onboarding/kb-seeder/internal/adapter/observability"
	"github.com/pal-onboarding/kb-seeder/internal/domain"
	obsctx "github.com/pal-onboarding/kb-seeder/internal/observability"
)

const (
	defaultBatchSize     = 5
	defaultEmbedInterval = 200 * time.Millisecond
	ledgerTimeout        = 5 * time.Second
)

// Deps are the collaborators of a Seeder. Lock, Ledger and Tokens are optional.
type Deps struct {
	Embedder domain.Embedder
	Store    domain.VectorStore
	Lock     domain.SeedLock
	Ledger   domain.RunLedger
	Tokens   domain.TokenCounter
	Logger   *slog.Logger
}

// Options control a single run.
type Options struct {
	DatasetPath        string
	Collection         string
	CollectionMetadata map[string]any
	// BatchSize defaults to 5 when zero.
	BatchSize int
	// EmbedInterval is the minimum spacing between embedding requests.
	// Zero means the default; a negative value disables throttling.
	EmbedInterval time.Duration
	Retry         domain.RetryPolicy
	// MaxTokens is the token estimate above which a document is reported. 0 disables the check.
	MaxTokens int
	// Force seeds even when the collection already holds documents.
	Force bool
	// DryRun stops after transforming the dataset; nothing is embedded or written.
	DryRun bool
}

// Seeder runs the knowledge-base seeding pipeline.
type Seeder struct {
	deps    Deps
	opts    Options
	limiter *rate.Limiter
	now     func() time.Time
}

// New validates the options and returns a Seeder.
func New(deps Deps, opts Options) (*Seeder, error) {
	if opts.DatasetPath == "" {
		return nil, fmt.Errorf("op=kbseed.New: %w: dataset path is required", domain.ErrInvalidArgument)
	}
	if opts.Collection == "" {
		return nil, fmt.Errorf("op=kbseed.New: %w: collection name is required", domain.ErrInvalidArgument)
	}
	if !opts.DryRun && (deps.Embedder == nil || deps.Store == nil) {
		return nil, fmt.Errorf("op=kbseed.New: %w: embedder and store are required", domain.ErrInvalidArgument)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.EmbedInterval == 0 {
		opts.EmbedInterval = defaultEmbedInterval
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	limit := rate.Inf
	if opts.EmbedInterval > 0 {
		limit = rate.Every(opts.EmbedInterval)
	}
	return &Seeder{
		deps:    deps,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
	}, nil
}

// Run executes one seeding run. The returned error is non-nil only when the
// run was aborted: the dataset could not be loaded, the store could not be
// reached, or the context was cancelled. Skipped, locked and partially
// failed runs return a nil error and describe themselves in the report.
func (s *Seeder) Run(ctx context.Context) (rep domain.SeedReport, err error) {
	runID := ulid.Make().String()
	lg := s.deps.Logger.With(slog.String("run_id", runID), slog.String("collection", s.opts.Collection))
	ctx = obsctx.ContextWithLogger(ctx, lg)

	tracer := otel.Tracer("kbseed")
	ctx, span := tracer.Start(ctx, "kbseed.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("kbseed.run_id", runID),
		attribute.String("kbseed.collection", s.opts.Collection),
	)

	rep = domain.SeedReport{
		RunID:      runID,
		Collection: s.opts.Collection,
		FinalCount: -1,
		StartedAt:  s.now().UTC(),
	}
	defer func() {
		rep.FinishedAt = s.now().UTC()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(
			attribute.String("kbseed.status", string(rep.Status)),
			attribute.Int("kbseed.added", rep.Added),
		)
		observability.LastRunTimestamp.WithLabelValues(string(rep.Status)).Set(float64(rep.FinishedAt.Unix()))
		s.record(ctx, rep)
	}()

	lg.Info("loading dataset", slog.String("path", s.opts.DatasetPath))
	intents, err := LoadDataset(s.opts.DatasetPath)
	if err != nil {
		rep.Status = domain.RunAborted
		lg.Error("dataset load failed", slog.Any("error", err))
		return rep, err
	}
	docs, dups := BuildDocuments(intents, filepath.Base(s.opts.DatasetPath))
	rep.Prepared = len(docs)
	observability.DocumentsTotal.WithLabelValues("prepared").Add(float64(len(docs)))
	if dups > 0 {
		lg.Warn("duplicate intents collapsed", slog.Int("duplicates", dups))
	}
	lg.Info("documents prepared",
		slog.Int("intents", len(intents)),
		slog.Int("documents", len(docs)),
		slog.Int("excluded", len(intents)-len(docs)-dups))

	s.checkTokens(lg, docs)

	if s.opts.DryRun {
		for _, d := range docs {
			lg.Info("dry run document",
				slog.String("id", d.ID),
				slog.String("intent", d.Intent),
				slog.String("category", d.Metadata[domain.MetaCategory]))
		}
		rep.Status = domain.RunDryRun
		return rep, nil
	}

	if err := s.deps.Store.GetOrCreateCollection(ctx, s.opts.Collection, s.opts.CollectionMetadata); err != nil {
		rep.Status = domain.RunAborted
		lg.Error("vector store connection failed", slog.Any("error", err))
		return rep, fmt.Errorf("op=kbseed.Run: %w", err)
	}

	if s.deps.Lock != nil {
		if err := s.deps.Lock.Acquire(ctx, s.opts.Collection, runID); err != nil {
			if errors.Is(err, domain.ErrSeedLocked) {
				rep.Status = domain.RunLocked
				lg.Warn("another seeding run holds the lock; nothing to do")
				return rep, nil
			}
			rep.Status = domain.RunAborted
			lg.Error("seed lock failed", slog.Any("error", err))
			return rep, fmt.Errorf("op=kbseed.Run: %w", err)
		}
		defer func() {
			if rerr := s.deps.Lock.Release(context.WithoutCancel(ctx), s.opts.Collection, runID); rerr != nil {
				lg.Warn("seed lock release failed", slog.Any("error", rerr))
			}
		}()
	}

	existing, err := s.deps.Store.Count(ctx)
	if err != nil {
		rep.Status = domain.RunAborted
		lg.Error("collection count failed", slog.Any("error", err))
		return rep, fmt.Errorf("op=kbseed.Run: %w", err)
	}
	rep.ExistingCount = existing
	if existing > 0 && !s.opts.Force {
		rep.Status = domain.RunSkipped
		rep.FinalCount = existing
		lg.Warn("collection already contains documents; skipping seed",
			slog.Int("existing", existing))
		return rep, nil
	}
	if existing > 0 {
		lg.Warn("collection not empty; seeding anyway", slog.Int("existing", existing))
	}

	for _, b := range Batches(len(docs), s.opts.BatchSize) {
		if cerr := ctx.Err(); cerr != nil {
			rep.Status = domain.RunAborted
			lg.Warn("seeding cancelled", slog.Int("next_start", b.Start))
			return rep, fmt.Errorf("op=kbseed.Run: %w", cerr)
		}
		if s.deps.Lock != nil {
			if lerr := s.deps.Lock.Refresh(ctx, s.opts.Collection, runID); lerr != nil {
				if errors.Is(lerr, domain.ErrSeedLocked) {
					rep.Status = domain.RunAborted
					lg.Error("seed lock lost; stopping", slog.Int("next_start", b.Start))
					return rep, fmt.Errorf("op=kbseed.Run: %w", lerr)
				}
				lg.Warn("seed lock refresh failed", slog.Any("error", lerr))
			}
		}
		res := s.seedBatch(ctx, docs[b.Start:b.End], b)
		rep.Batches = append(rep.Batches, res)
		if res.Err != nil {
			for _, d := range docs[b.Start:b.End] {
				rep.FailedIDs = append(rep.FailedIDs, d.ID)
				rep.FailedIntents = append(rep.FailedIntents, d.Intent)
			}
			observability.BatchesTotal.WithLabelValues("failed").Inc()
			observability.DocumentsTotal.WithLabelValues("failed").Add(float64(b.Len()))
			lg.Error("batch failed; skipping",
				slog.Int("start", b.Start),
				slog.Int("size", b.Len()),
				slog.Int("attempts", res.Attempts),
				slog.Any("error", res.Err))
			continue
		}
		rep.Added += res.Added
		observability.BatchesTotal.WithLabelValues("ok").Inc()
		observability.DocumentsTotal.WithLabelValues("added").Add(float64(res.Added))
		lg.Info("batch added", slog.Int("start", b.Start), slog.Int("added", res.Added))
	}

	final, err := s.deps.Store.Count(ctx)
	if err != nil {
		lg.Warn("final collection count failed", slog.Any("error", err))
	} else {
		rep.FinalCount = final
		observability.CollectionDocuments.Set(float64(final))
	}

	rep.Status = domain.RunCompleted
	if len(rep.FailedIDs) > 0 {
		rep.Status = domain.RunPartial
	}
	lg.Info("seeding finished",
		slog.String("status", string(rep.Status)),
		slog.Int("prepared", rep.Prepared),
		slog.Int("added", rep.Added),
		slog.Int("failed", len(rep.FailedIDs)),
		slog.Int("final_count", rep.FinalCount))
	return rep, nil
}

// seedBatch embeds and writes one batch, retrying the whole batch under the
// retry policy. Embeddings obtained on an earlier attempt are reused.
func (s *Seeder) seedBatch(ctx context.Context, docs []domain.CandidateDocument, b Batch) domain.BatchResult {
	ctx, span := otel.Tracer("kbseed").Start(ctx, "kbseed.batch")
	defer span.End()
	span.SetAttributes(attribute.Int("kbseed.batch.start", b.Start), attribute.Int("kbseed.batch.size", b.Len()))

	res := domain.BatchResult{Start: b.Start, Size: b.Len()}
	ids := make([]string, len(docs))
	contents := make([]string, len(docs))
	metas := make([]map[string]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
		contents[i] = d.Content
		metas[i] = d.Metadata
	}
	vecs := make([]domain.Embedding, len(docs))

	op := func() error {
		res.Attempts++
		for i := range docs {
			if vecs[i] != nil {
				continue
			}
			if err := s.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
			v, err := s.deps.Embedder.Embed(ctx, contents[i])
			if err != nil {
				return permanentIf(ctx, fmt.Errorf("embed %s: %w", docs[i].Intent, err))
			}
			vecs[i] = v
		}
		if err := s.deps.Store.Add(ctx, ids, vecs, contents, metas); err != nil {
			return permanentIf(ctx, fmt.Errorf("add: %w", err))
		}
		return nil
	}
	lg := obsctx.LoggerFromContext(ctx)
	notify := func(err error, wait time.Duration) {
		observability.BatchRetriesTotal.Inc()
		lg.Warn("batch attempt failed; retrying",
			slog.Int("start", b.Start),
			slog.Int("attempt", res.Attempts),
			slog.Duration("backoff", wait),
			slog.Any("error", err))
	}

	if err := backoff.RetryNotify(op, s.newBackOff(ctx), notify); err != nil {
		res.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res
	}
	res.Added = len(docs)
	return res
}

func (s *Seeder) newBackOff(ctx context.Context) backoff.BackOff {
	p := s.opts.Retry
	retries := p.Attempts() - 1
	var b backoff.BackOff = &backoff.ZeroBackOff{}
	if p.InitialDelay > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.InitialDelay
		if p.MaxDelay > 0 {
			eb.MaxInterval = p.MaxDelay
		}
		if p.Multiplier >= 1 {
			eb.Multiplier = p.Multiplier
		}
		eb.MaxElapsedTime = 0
		eb.Reset()
		b = eb
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// permanentIf stops retries for errors that another attempt cannot fix.
func permanentIf(ctx context.Context, err error) error {
	if ctx.Err() != nil ||
		errors.Is(err, domain.ErrInvalidArgument) ||
		errors.Is(err, domain.ErrNotInitialized) {
		return backoff.Permanent(err)
	}
	return err
}

func (s *Seeder) checkTokens(lg *slog.Logger, docs []domain.CandidateDocument) {
	if s.deps.Tokens == nil || s.opts.MaxTokens <= 0 {
		return
	}
	model := ""
	if s.deps.Embedder != nil {
		model = s.deps.Embedder.Model()
	}
	for _, d := range docs {
		n, err := s.deps.Tokens.CountTokens(d.Content, model)
		if err != nil {
			lg.Debug("token estimate unavailable", slog.String("intent", d.Intent), slog.Any("error", err))
			return
		}
		if n > s.opts.MaxTokens {
			lg.Warn("document exceeds embedding token budget; sending untruncated",
				slog.String("intent", d.Intent),
				slog.Int("tokens", n),
				slog.Int("max_tokens", s.opts.MaxTokens))
		}
	}
}

func (s *Seeder) record(ctx context.Context, rep domain.SeedReport) {
	if s.deps.Ledger == nil || rep.Status == domain.RunDryRun {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
	defer cancel()
	if err := s.deps.Ledger.Record(ctx, rep); err != nil {
		obsctx.LoggerFromContext(ctx).Warn("run ledger write failed", slog.Any("error", err))
	}
}
