package bridge

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransientWrapping(t *testing.T) {
	assert.Nil(t, Transient(nil))

	cause := errors.New("connection reset")
	err := Transient(cause)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, cause)

	wrapped := fmt.Errorf("fetch failed: %w", err)
	assert.True(t, IsTransient(wrapped))
	assert.False(t, IsTransient(cause))
}

func TestCapacityError(t *testing.T) {
	err := &CapacityError{Size: 100, Limit: 50}
	assert.EqualError(t, err, "attachment size 100 exceeds limit 50")

	var ce *CapacityError
	assert.True(t, errors.As(fmt.Errorf("store: %w", err), &ce))
	assert.Equal(t, int64(50), ce.Limit)
}

func TestValidationError(t *testing.T) {
	err := &ValidationError{Reason: "missing message id"}
	assert.EqualError(t, err, "invalid event: missing message id")
}
