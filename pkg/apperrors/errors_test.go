package apperrors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(fmt.Errorf("token exchange: %w", ErrMissingCredentials)))
	assert.True(t, IsFatal(fmt.Errorf("list %q: %w", "x", ErrUnknownOrigin)))
	assert.True(t, IsFatal(ErrFatal))
	assert.False(t, IsFatal(ErrConflict))
	assert.False(t, IsFatal(nil))
}

func TestIsStructural(t *testing.T) {
	assert.True(t, IsStructural(fmt.Errorf("normalize: %w", ErrUnsupportedSchema)))
	assert.True(t, IsStructural(fmt.Errorf("decode: %w", ErrInvalidPayload)))
	assert.False(t, IsStructural(ErrNotFound))
}
