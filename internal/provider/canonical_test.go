package provider

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want State
	}{
		{"succeeded", StateSuccess},
		{"SUCCESS", StateSuccess},
		{"Completed", StateSuccess},
		{"finished", StateSuccess},
		{"ok", StateSuccess},
		{"created", StatePending},
		{"queued", StatePending},
		{"processing", StatePending},
		{"PENDING", StatePending},
		{"scheduled", StatePending},
		{"starting", StatePending},
		{"running", StatePending},
		{"failed", StateBusinessFailure},
		{"FAILURE", StateBusinessFailure},
		{"error", StateBusinessFailure},
		{"canceled", StateBusinessFailure},
		{"cancelled", StateBusinessFailure},
		{"  succeeded  ", StateSuccess},
		{"", StateUnknown},
		{"warming_up", StateUnknown},
		{"phase_3_of_9", StateUnknown},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.raw), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Canonicalize(tt.raw))
		})
	}
}

func TestTransientError(t *testing.T) {
	t.Parallel()

	base := errors.New("connection reset")
	err := Transient(base)

	assert.True(t, IsTransient(err))
	assert.True(t, IsTransient(fmt.Errorf("polling: %w", err)), "wrapping preserves transience")
	assert.ErrorIs(t, err, base)

	assert.False(t, IsTransient(base))
	assert.False(t, IsTransient(nil))
	assert.Nil(t, Transient(nil))
}
