package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorDefinitions(t *testing.T) {
	t.Parallel()

	errs := []error{
		ErrNotFound,
		ErrStoreUnavailable,
		ErrContentUnavailable,
		ErrQueueUnavailable,
		ErrContentTooLarge,
		ErrNoProvider,
		ErrUnsupported,
		ErrInvalidConfig,
		ErrInvalidPath,
	}

	t.Run("all errors are non-nil", func(t *testing.T) {
		t.Parallel()
		for i, err := range errs {
			require.NotNil(t, err, "error at index %d should not be nil", i)
		}
	})

	t.Run("all error messages are unique", func(t *testing.T) {
		t.Parallel()
		seen := make(map[string]bool)
		for _, err := range errs {
			msg := err.Error()
			assert.False(t, seen[msg], "duplicate error message: %s", msg)
			seen[msg] = true
		}
	})
}

func TestErrorMessages(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"ErrNotFound", ErrNotFound, "not found"},
		{"ErrStoreUnavailable", ErrStoreUnavailable, "persistent store unavailable"},
		{"ErrContentUnavailable", ErrContentUnavailable, "content cache unavailable"},
		{"ErrQueueUnavailable", ErrQueueUnavailable, "sync queue unavailable"},
		{"ErrContentTooLarge", ErrContentTooLarge, "content exceeds cache budget"},
		{"ErrNoProvider", ErrNoProvider, "no provider connected"},
		{"ErrUnsupported", ErrUnsupported, "operation not supported"},
		{"ErrInvalidConfig", ErrInvalidConfig, "invalid configuration"},
		{"ErrInvalidPath", ErrInvalidPath, "invalid path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestErrorIs(t *testing.T) {
	t.Parallel()

	t.Run("string concatenation does not wrap", func(t *testing.T) {
		t.Parallel()
		wrappedErr := errors.New("wrapped: " + ErrNotFound.Error())
		assert.False(t, errors.Is(wrappedErr, ErrNotFound))
	})

	t.Run("percent-w wrapping matches", func(t *testing.T) {
		t.Parallel()
		wrappedErr := fmt.Errorf("open cache.db: %w", ErrStoreUnavailable)
		assert.True(t, errors.Is(wrappedErr, ErrStoreUnavailable))
		assert.False(t, errors.Is(wrappedErr, ErrQueueUnavailable))
	})
}
