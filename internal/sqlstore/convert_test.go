package sqlstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNullStringRoundTrip(t *testing.T) {
	require.False(t, toNullString("").Valid)
	require.Equal(t, "", fromNullString(toNullString("")))

	n := toNullString("alice")
	require.True(t, n.Valid)
	require.Equal(t, "alice", fromNullString(n))
}

func TestNullTimeRoundTrip(t *testing.T) {
	require.False(t, toNullTime(nil).Valid)
	require.Nil(t, fromNullTime(toNullTime(nil)))

	now := time.Now().UTC()
	n := toNullTime(&now)
	require.True(t, n.Valid)
	require.Equal(t, now, *fromNullTime(n))
}
