package lfs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusCodes(t *testing.T) {
	tcs := []struct {
		Kind   ErrorKind
		Status int
	}{
		{Validation, 422},
		{RepositoryNotFound, 404},
		{RepositoryReadOnly, 403},
		{RateLimitExceeded, 429},
		{BandwidthLimitExceeded, 509},
		{InsufficientStorage, 507},
		{Unavailable, 503},
		{Unauthorized, 401},
		{Generic, 500},
	}
	for _, tc := range tcs {
		t.Run(tc.Kind.String(), func(t *testing.T) {
			require.Equal(t, tc.Status, tc.Kind.StatusCode())
			require.Equal(t, tc.Kind, KindForStatus(tc.Status))
		})
	}
}

func TestUnknownKindPanics(t *testing.T) {
	require.Panics(t, func() {
		ErrorKind(100).StatusCode()
	})
}

func TestAsError(t *testing.T) {
	e := Errorf(RepositoryNotFound, "repository %s not found", "abc")
	wrapped := fmt.Errorf("resolving: %w", e)
	require.Equal(t, e, AsError(wrapped))
	require.True(t, IsKind(wrapped, RepositoryNotFound))
	require.False(t, IsKind(wrapped, Unauthorized))

	other := AsError(errors.New("disk on fire"))
	require.Equal(t, Generic, other.Kind)
	require.Equal(t, InternalMessage, other.Message)

	require.Nil(t, AsError(nil))
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("opening object: %w", Errorf(BandwidthLimitExceeded, "slow down"))
	require.Equal(t, BandwidthLimitExceeded, KindOf(wrapped))
	require.Equal(t, Generic, KindOf(errors.New("disk on fire")))
	require.Panics(t, func() { KindOf(nil) })
}

func TestParseOperation(t *testing.T) {
	for _, s := range []string{"upload", "download", "verify"} {
		op, err := ParseOperation(s)
		require.NoError(t, err)
		require.Equal(t, Operation(s), op)
	}
	_, err := ParseOperation("delete")
	require.True(t, IsKind(err, Validation))
}
