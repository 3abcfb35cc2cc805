package rgberr

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestWrapKeepsCause asserts that a coded error still matches its cause.
func TestWrapKeepsCause(t *testing.T) {
	t.Parallel()

	err := Wrap(LedgerError, io.ErrUnexpectedEOF)
	require.True(t, Is(err, LedgerError))
	require.False(t, Is(err, FormatError))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	code, ok := CodeOf(fmt.Errorf("outer: %w", err))
	require.True(t, ok)
	require.Equal(t, LedgerError, code)
}

// TestWrapInnermostWins makes sure re-wrapping never downgrades a kind.
func TestWrapInnermostWins(t *testing.T) {
	t.Parallel()

	inner := Newf(ValidationError, "bad seal %d", 3)
	outer := Wrap(RemoteServiceError, fmt.Errorf("wrapped: %w", inner))

	require.True(t, Is(outer, ValidationError))
	require.Contains(t, outer.Error(), "bad seal 3")
}

// TestNilAndPlain covers the degenerate inputs.
func TestNilAndPlain(t *testing.T) {
	t.Parallel()

	require.NoError(t, Wrap(FormatError, nil))
	require.False(t, Is(errors.New("plain"), FormatError))

	_, ok := CodeOf(nil)
	require.False(t, ok)

	require.Equal(t, "UnknownError", Code(0).String())
	require.Equal(t, "IssuanceError", New(IssuanceError, "x").Code().String())
}
