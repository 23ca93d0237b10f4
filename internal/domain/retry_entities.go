// Package domain defines the entities, ports and error taxonomy of the knowledge-base seeder.
package domain

import (
	"time"
)

// RetryPolicy bounds how often one batch is re-attempted after a failure.
type RetryPolicy struct {
	// MaxRetries is the number of re-attempts after the first try; 0 disables retries
	MaxRetries int
	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration
	// MaxDelay caps the delay between retries
	MaxDelay time.Duration
	// Multiplier is the exponential backoff multiplier
	Multiplier float64
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   2,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// Attempts returns the total number of tries a batch gets.
func (p RetryPolicy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// ExitOK reports whether a run ending in s should exit with status zero.
// Failed batches do not change the exit status; only an aborted run does.
func (s RunStatus) ExitOK() bool {
	return s != RunAborted && s != ""
}
