package xerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfUnwrapsThroughFmtErrorf(t *testing.T) {
	base := New(KindVenueRetriable, "rate limited")
	wrapped := fmt.Errorf("submit order: %w", base)

	kind, ok := KindOf(wrapped)
	assert.True(t, ok)
	assert.Equal(t, KindVenueRetriable, kind)
}

func TestKindOfFalseForPlainError(t *testing.T) {
	_, ok := KindOf(errors.New("boom"))
	assert.False(t, ok)
}

func TestWrapPreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindPersistenceError, "save position", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "PersistenceError")
	assert.Contains(t, err.Error(), "connection reset")
}
