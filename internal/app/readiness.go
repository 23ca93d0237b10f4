// Package app holds process-level helpers shared by the seeder commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pal-onboarding/kb-seeder/internal/config"
)

// Pinger is the minimal interface of a backend that can report liveness.
type Pinger interface{ Ping(ctx context.Context) error }

// Check is one named readiness check.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

// Names of the readiness checks, also used to key backend construction errors.
const (
	CheckEmbedder    = "embedder"
	CheckVectorStore = "vector_store"
	CheckRedis       = "redis"
	CheckDB          = "db"
)

// Targets is what the entry point managed to build: a pinger per backend and
// the construction error of every backend that could not be built.
type Targets struct {
	Store  Pinger
	Lock   Pinger
	DB     Pinger
	Failed map[string]error
}

// BuildReadinessChecks returns a check for every backend the configuration
// enables. A backend that failed to build reports its construction error;
// a nil pinger for an enabled backend fails its check.
func BuildReadinessChecks(cfg config.Config, p Targets) []Check {
	checks := []Check{
		{Name: CheckEmbedder, Run: func(context.Context) error {
			if err := p.Failed[CheckEmbedder]; err != nil {
				return err
			}
			if cfg.GoogleAPIKey == "" {
				return fmt.Errorf("GOOGLE_API_KEY not configured")
			}
			return nil
		}},
		{Name: CheckVectorStore, Run: p.checkFunc(CheckVectorStore, p.Store, cfg.VectorBackend+" not configured")},
	}
	if cfg.RedisURL != "" {
		checks = append(checks, Check{Name: CheckRedis, Run: p.checkFunc(CheckRedis, p.Lock, "redis not configured")})
	}
	if cfg.DBURL != "" {
		checks = append(checks, Check{Name: CheckDB, Run: p.checkFunc(CheckDB, p.DB, "db not configured")})
	}
	return checks
}

func (p Targets) checkFunc(name string, pinger Pinger, missing string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := p.Failed[name]; err != nil {
			return err
		}
		if pinger == nil {
			return errors.New(missing)
		}
		return pinger.Ping(ctx)
	}
}

// RunChecks runs every check with its own timeout and returns the joined failures.
func RunChecks(ctx context.Context, checks []Check, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	var errs []error
	for _, c := range checks {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		err := c.Run(cctx)
		cancel()
		if err != nil {
			slog.Error("readiness check failed", slog.String("check", c.Name), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
			continue
		}
		slog.Info("readiness check ok", slog.String("check", c.Name))
	}
	return errors.Join(errs...)
}
