package status

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOKIsNil(t *testing.T) {
	assert.NoError(t, New(OK, "fine"))
}

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("calling echo: %w", New(Unauthenticated, "bad token"))

	assert.Equal(t, OK, CodeOf(nil))
	assert.Equal(t, Unauthenticated, CodeOf(wrapped))
	assert.Equal(t, DeadlineExceeded, CodeOf(context.DeadlineExceeded))
	assert.Equal(t, Canceled, CodeOf(fmt.Errorf("x: %w", context.Canceled)))
	assert.Equal(t, Unknown, CodeOf(errors.New("boom")))
}

func TestFromContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, FromContext(ctx))
	cancel()
	assert.Equal(t, Canceled, CodeOf(FromContext(ctx)))
}

func TestConvertKeepsCode(t *testing.T) {
	err := Convert(fmt.Errorf("wrap: %w", New(PermissionDenied, "nope")))
	assert.Equal(t, PermissionDenied, err.Code)
	assert.Equal(t, "nope", err.Message)

	plain := Convert(errors.New("boom"))
	assert.Equal(t, Unknown, plain.Code)
	assert.Equal(t, "unauthenticated", Unauthenticated.String())
}
