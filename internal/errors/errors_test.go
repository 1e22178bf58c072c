package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCacheErrorIs(t *testing.T) {
	err := NotFound("lookup", "/views/a")

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrQueryFailed))
	assert.True(t, IsNotFound(err))
	assert.Equal(t, "lookup /views/a: not found", err.Error())
}

func TestCacheErrorWrapping(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := QueryFailed("refresh", "/views", cause)

	wrapped := fmt.Errorf("list children: %w", err)

	assert.True(t, errors.Is(wrapped, ErrQueryFailed))
	assert.True(t, errors.Is(wrapped, cause))
	assert.True(t, IsQueryFailed(wrapped))
	assert.Equal(t, KindQueryFailed, KindOf(wrapped))
	assert.Contains(t, wrapped.Error(), "connection reset")
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: 0},
		{name: "plain error", err: errors.New("boom"), want: 0},
		{name: "invalid argument", err: InvalidArgument("remove", "/", "cannot remove root"), want: KindInvalidArgument},
		{name: "invariant", err: InvariantViolation("sweep", "", "access order"), want: KindInvariantViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}
