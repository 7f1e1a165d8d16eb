package common

import (
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestErrorKinds(t *testing.T) {
	cases := []struct {
		Name string
		Err  error
		Kind error
		Msg  string
	}{
		{Name: "not found", Err: NotFoundf("volume %s", "vol1"), Kind: ErrNotFound, Msg: "not found: volume vol1"},
		{Name: "conflict", Err: Conflictf("volume is in use"), Kind: ErrConflict, Msg: "conflict: volume is in use"},
		{Name: "invalid argument", Err: InvalidArgumentf("bad size %q", "x"), Kind: ErrInvalidArgument, Msg: `invalid argument: bad size "x"`},
		{Name: "transport", Err: Transportf(io.EOF, "call GetVolume"), Kind: ErrTransport, Msg: "transport error: call GetVolume: EOF"},
		{Name: "local io", Err: LocalIOf(io.ErrClosedPipe, "mount"), Kind: ErrLocalIO, Msg: "local io error: mount: io: read/write on closed pipe"},
		{Name: "rollback", Err: Rollbackf(io.EOF, "unreserve v1"), Kind: ErrRollback, Msg: "rollback error: unreserve v1: EOF"},
	}

	for _, tc := range cases {
		t.Run(tc.Name, func(t *testing.T) {
			require.True(t, errors.Is(tc.Err, tc.Kind))
			require.EqualError(t, tc.Err, tc.Msg)

			wrapped := errors.Wrapf(tc.Err, "Create")
			require.True(t, errors.Is(wrapped, tc.Kind))
			require.False(t, errors.Is(wrapped, ErrInvalidArgument) && tc.Kind != ErrInvalidArgument)
		})
	}

	require.True(t, errors.Is(Transportf(io.EOF, "call"), io.EOF))
}
