package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorsIs_MatchesKind(t *testing.T) {
	err := New(MissingOutputs, "missing %v", []string{"prd.md"}).WithStep("feat-1", "prd")
	wrapped := fmt.Errorf("submitting: %w", err)

	assert.True(t, errors.Is(wrapped, MissingOutputs))
	assert.False(t, errors.Is(wrapped, VersionConflict))
	assert.Equal(t, MissingOutputs, KindOf(wrapped))
}

func TestError_Message(t *testing.T) {
	err := New(IllegalTransition, "cannot begin from %s", "COMPLETED").WithStep("f", "a")
	assert.Equal(t, `feature "f": step "a": illegal transition: cannot begin from COMPLETED`, err.Error())
}

func TestWrap_Nil(t *testing.T) {
	assert.Nil(t, Wrap(NotFound, "get", nil))
}

func TestWrap_Unwraps(t *testing.T) {
	base := errors.New("disk gone")
	err := Wrap(NotFound, "load", base)
	assert.ErrorIs(t, err, base)
	assert.ErrorIs(t, err, NotFound)
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(VersionConflict, "stale")))
	assert.False(t, Retryable(New(IllegalTransition, "nope")))
	assert.False(t, Retryable(errors.New("plain")))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{errors.New("plain"), 1},
		{New(DefinitionError, "x"), 10},
		{New(DuplicateFeature, "x"), 11},
		{New(IllegalTransition, "x"), 12},
		{New(MissingOutputs, "x"), 13},
		{New(NoPendingGate, "x"), 14},
		{fmt.Errorf("wrapped: %w", New(VersionConflict, "x")), 15},
		{New(RetryExhausted, "x"), 16},
		{New(NotFound, "x"), 17},
		{RetryExhausted, 16},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, ExitCode(tc.err), "err=%v", tc.err)
	}
}
