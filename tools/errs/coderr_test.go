package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeExtraction(t *testing.T) {
	assert.Equal(t, NotFoundError, Code(ErrNotFound.Wrap()))
	assert.Equal(t, NotFoundError, Code(ErrNotFound.WrapMsg("conversation", "id", "c1")))
	assert.Equal(t, ServerInternalError, Code(errors.New("plain")))

	wrapped := fmt.Errorf("outer: %w", ErrForbidden.Wrap())
	assert.Equal(t, ForbiddenError, Code(wrapped))
}

func TestIsMatchesOnCode(t *testing.T) {
	err := ErrUnauthorized.WrapMsg("bad signature")
	assert.True(t, errors.Is(err, ErrUnauthorized))
	assert.False(t, errors.Is(err, ErrNotFound))

	// Template identity is by code, detail does not matter.
	a := ErrConflict.WithDetail("x")
	assert.True(t, errors.Is(a.Wrap(), ErrConflict))
}

func TestWithDetailAccumulates(t *testing.T) {
	e := ErrInvalidInput.WithDetail("first").WithDetail("second")
	assert.Contains(t, e.Error(), "first")
	assert.Contains(t, e.Error(), "second")
	assert.Equal(t, InvalidInputError, e.Code)
}
