package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/pal-onboarding/kb-seeder/internal/domain"
)

// schemaSQL creates the run ledger table.
const schemaSQL = `CREATE TABLE IF NOT EXISTS kb_seed_runs (
	run_id       TEXT PRIMARY KEY,
	collection   TEXT NOT NULL,
	status       TEXT NOT NULL,
	prepared     INTEGER NOT NULL,
	added        INTEGER NOT NULL,
	final_count  INTEGER NOT NULL,
	failed_ids   TEXT[] NOT NULL DEFAULT '{}',
	started_at   TIMESTAMPTZ NOT NULL,
	finished_at  TIMESTAMPTZ NOT NULL
)`

// RunRepo implements domain.RunLedger on the kb_seed_runs table.
type RunRepo struct{ Pool PgxPool }

// NewRunRepo constructs a RunRepo with the given pool.
func NewRunRepo(p PgxPool) *RunRepo { return &RunRepo{Pool: p} }

// EnsureSchema creates kb_seed_runs when it is missing.
func (r *RunRepo) EnsureSchema(ctx domain.Context) error {
	if _, err := r.Pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("op=run.ensure_schema: %w", err)
	}
	return nil
}

// Ping runs a trivial query.
func (r *RunRepo) Ping(ctx domain.Context) error {
	var one int
	if err := r.Pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("op=run.ping: %w", err)
	}
	return nil
}

// Record stores one finished run. Re-recording a run id overwrites it.
func (r *RunRepo) Record(ctx domain.Context, rep domain.SeedReport) error {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.Record")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "kb_seed_runs"),
	)
	if rep.RunID == "" {
		return fmt.Errorf("op=run.record: %w: run id is required", domain.ErrInvalidArgument)
	}
	failed := rep.FailedIDs
	if failed == nil {
		failed = []string{}
	}
	finished := rep.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	q := `INSERT INTO kb_seed_runs (run_id, collection, status, prepared, added, final_count, failed_ids, started_at, finished_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (run_id) DO UPDATE SET status=EXCLUDED.status, added=EXCLUDED.added,
	final_count=EXCLUDED.final_count, failed_ids=EXCLUDED.failed_ids, finished_at=EXCLUDED.finished_at`
	_, err := r.Pool.Exec(ctx, q, rep.RunID, rep.Collection, string(rep.Status), rep.Prepared, rep.Added,
		rep.FinalCount, failed, rep.StartedAt.UTC(), finished.UTC())
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("op=run.record: %w", err)
	}
	return nil
}

// LastCompleted returns the newest run of collection that wrote documents.
func (r *RunRepo) LastCompleted(ctx domain.Context, collection string) (domain.SeedReport, error) {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.LastCompleted")
	defer span.End()
	q := `SELECT run_id, collection, status, prepared, added, final_count, failed_ids, started_at, finished_at
FROM kb_seed_runs WHERE collection=$1 AND status IN ('completed','partial') ORDER BY finished_at DESC LIMIT 1`
	var rep domain.SeedReport
	var status string
	err := r.Pool.QueryRow(ctx, q, collection).Scan(&rep.RunID, &rep.Collection, &status, &rep.Prepared,
		&rep.Added, &rep.FinalCount, &rep.FailedIDs, &rep.StartedAt, &rep.FinishedAt)
	if err != nil {
		return domain.SeedReport{}, fmt.Errorf("op=run.last_completed: %w", err)
	}
	rep.Status = domain.RunStatus(status)
	return rep, nil
}
