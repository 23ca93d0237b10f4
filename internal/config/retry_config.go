package config

import (
	"github.com/pal-onboarding/kb-seeder/internal/domain"
)

// GetRetryPolicy returns the per-batch retry policy: domain.DefaultRetryPolicy
// with every configured SEED_RETRY_* value applied on top.
// In test environments delays are dropped so suites stay fast.
func (c Config) GetRetryPolicy() domain.RetryPolicy {
	p := domain.DefaultRetryPolicy()
	if c.SeedRetryMaxRetries != nil {
		p.MaxRetries = *c.SeedRetryMaxRetries
	}
	if c.IsTest() {
		p.InitialDelay = 0
		p.MaxDelay = 0
		p.Multiplier = 1
		return p
	}
	if c.SeedRetryInitialDelay > 0 {
		p.InitialDelay = c.SeedRetryInitialDelay
	}
	if c.SeedRetryMaxDelay > 0 {
		p.MaxDelay = c.SeedRetryMaxDelay
	}
	if c.SeedRetryMultiplier >= 1 {
		p.Multiplier = c.SeedRetryMultiplier
	}
	return p
}
