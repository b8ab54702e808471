package fields

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAmount(t *testing.T) {
	for in, want := range map[string]Amount{
		`500`:      500,
		`-250`:     -250,
		`"1000"`:   1000,
		`" 42 "`:   42,
		`1.0e3`:    1000,
		`"100.00"`: 100,
	} {
		var a Amount
		require.NoError(t, json.Unmarshal([]byte(in), &a), in)
		require.Equal(t, want, a, in)
	}

	for _, in := range []string{`"abc"`, `12.5`, `true`, `"1.25"`, `1e19`, `"-1e300"`} {
		var a Amount
		require.Error(t, json.Unmarshal([]byte(in), &a), in)
	}
}

func TestText(t *testing.T) {
	var s struct {
		A Text `json:"a"`
		B Text `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":" @rep ","b":123456789}`), &s))
	require.Equal(t, Text("@rep"), s.A)
	require.Equal(t, "123456789", s.B.String())

	require.Error(t, json.Unmarshal([]byte(`{"a":[1]}`), &s))
}

func TestFirst(t *testing.T) {
	a, b := 1, 2
	require.Equal(t, &b, First(nil, &b, &a))
	require.Nil(t, First[int](nil, nil))
}

func TestAddSub(t *testing.T) {
	sum, ok := Add(40, 2)
	require.True(t, ok)
	require.Equal(t, int64(42), sum)

	_, ok = Add(math.MaxInt64, 1)
	require.False(t, ok)
	_, ok = Add(math.MinInt64, -1)
	require.False(t, ok)

	diff, ok := Sub(-1, math.MinInt64)
	require.True(t, ok)
	require.Equal(t, int64(math.MaxInt64), diff)
	_, ok = Sub(0, math.MinInt64)
	require.False(t, ok)
	_, ok = Sub(math.MinInt64, 1)
	require.False(t, ok)
}
