package es

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersion(t *testing.T) {
	v1, v2 := Version(1), Version(2)
	require.True(t, v1 < v2)
	require.Equal(t, v2, v1.Next())
	require.Equal(t, uint64(2), v2.Uint64())

	data, err := json.Marshal(v1)
	require.NoError(t, err)
	require.Equal(t, `1`, string(data))

	var x Version
	require.NoError(t, json.Unmarshal([]byte("1234"), &x))
	require.Equal(t, Version(1234), x)
}

func TestVersion_IsCheckpoint(t *testing.T) {
	require.False(t, Version(0).IsCheckpoint(50))
	require.False(t, Version(49).IsCheckpoint(50))
	require.True(t, Version(50).IsCheckpoint(50))
	require.True(t, Version(100).IsCheckpoint(50))
	require.True(t, Version(2).IsCheckpoint(2))
	require.False(t, Version(3).IsCheckpoint(2))
	require.False(t, Version(50).IsCheckpoint(0))
}
