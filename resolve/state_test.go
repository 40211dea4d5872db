package resolve

import (
	"testing"

	"github.com/stretchr/testify/require"
	accountage "github.com/wolfeidau/account-age"
)

func TestStateString(t *testing.T) {
	require.Equal(t, "idle", Idle.String())
	require.Equal(t, "cache_hit", CacheHit.String())
	require.Equal(t, "done", Done.String())
	require.Equal(t, "unknown", State(99).String())

	text, err := Fetching.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "fetching", string(text))
}

func TestSinkFunc(t *testing.T) {
	var got accountage.Handle
	var sink Sink = SinkFunc(func(h accountage.Handle, _ accountage.AgeRecord) { got = h })
	sink.OnResolved("alice", accountage.AgeRecord{})
	require.Equal(t, accountage.Handle("alice"), got)
}
