package xerrors

import (
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	wrapped := Wrap(KindForbidden, "op", "", errors.New("boom"))

	testcases := []struct {
		name string
		err  error
		kind Kind
	}{
		{name: "nil", err: nil, kind: KindInvalid},
		{name: "wrapped error", err: wrapped, kind: KindForbidden},
		{name: "double wrapped", err: fmt.Errorf("outer: %w", E(KindExpired, "touch", "b1")), kind: KindExpired},
		{name: "iofs permission", err: iofs.ErrPermission, kind: KindForbidden},
		{name: "iofs invalid", err: iofs.ErrInvalid, kind: KindInvalid},
		{name: "os not exist", err: os.ErrNotExist, kind: KindNotFound},
		{name: "unknown error defaults internal", err: errors.New("other"), kind: KindInternal},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.kind, KindOf(tc.err))
		})
	}
}

func TestErrorString(t *testing.T) {
	err := Wrap(KindChunkMismatch, "commit", "/img.png", errors.New("chunk 3 missing"))
	require.Equal(t, "commit: chunk mismatch /img.png: chunk 3 missing", err.Error())
	require.Equal(t, "stale digest", E(KindStaleDigest, "", "").Error())
}

func TestErrorsIsMatchesKind(t *testing.T) {
	err := Wrap(KindNotFound, "get", "/a", errors.New("missing"))
	require.ErrorIs(t, err, E(KindNotFound, "", ""))
	require.NotErrorIs(t, err, E(KindExpired, "", ""))
	require.True(t, IsKind(err, KindNotFound))
	require.False(t, IsKind(nil, KindNotFound))
}
