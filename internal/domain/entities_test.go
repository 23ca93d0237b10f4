package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSourceIntent_Category(t *testing.T) {
	tests := []struct {
		name   string
		intent SourceIntent
		want   string
	}{
		{"no context", SourceIntent{Intent: "fees"}, "fees"},
		{"empty out", SourceIntent{Intent: "fees", Context: &IntentContext{}}, "fees"},
		{"override", SourceIntent{Intent: "exams", Context: &IntentContext{Out: "Academics"}}, "Academics"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.intent.Category())
		})
	}
}

func TestErrorWrapping(t *testing.T) {
	wrapped := fmt.Errorf("op=kbseed.load: %w", ErrDatasetInvalid)
	assert.True(t, errors.Is(wrapped, ErrDatasetInvalid))
	assert.False(t, errors.Is(wrapped, ErrSeedLocked))
	assert.Equal(t, "seed lock held by another run", ErrSeedLocked.Error())
}

func TestRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 3, p.Attempts())
	assert.Equal(t, 500*time.Millisecond, p.InitialDelay)

	assert.Equal(t, 1, RetryPolicy{}.Attempts())
	assert.Equal(t, 1, RetryPolicy{MaxRetries: -4}.Attempts())
}

func TestRunStatus_ExitOK(t *testing.T) {
	for _, s := range []RunStatus{RunCompleted, RunPartial, RunSkipped, RunLocked, RunDryRun} {
		assert.True(t, s.ExitOK(), s)
	}
	assert.False(t, RunAborted.ExitOK())
	assert.False(t, RunStatus("").ExitOK())
}
