package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfDirect(t *testing.T) {
	err := New(KindNotFound, "artifact missing")
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.True(t, IsKind(err, KindNotFound))
	assert.False(t, IsKind(err, KindTimeout))
}

func TestKindOfWrapped(t *testing.T) {
	inner := Errorf(KindInsufficientFunds, "balance %d < %d", 5, 30)
	outer := fmt.Errorf("transfer failed: %w", inner)
	assert.Equal(t, KindInsufficientFunds, KindOf(outer))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("disk on fire")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestWrapNil(t *testing.T) {
	require.NoError(t, Wrap(KindQuotaExceeded, nil))
}

func TestErrorsIsMatchesByKind(t *testing.T) {
	err := Errorf(KindRecursionLimit, "depth %d exceeds limit", 6)
	assert.True(t, errors.Is(err, New(KindRecursionLimit, "")))
	assert.False(t, errors.Is(err, New(KindRuntime, "")))
}

func TestMessagesCarryDetail(t *testing.T) {
	err := Wrap(KindRuntime, errors.New("divide by zero"))
	assert.Contains(t, err.Error(), "RuntimeError")
	assert.Contains(t, err.Error(), "divide by zero")
}
