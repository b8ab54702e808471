package metrics

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type countingTimer struct{ observed int }

func (c *countingTimer) ObserveDuration() { c.observed++ }

func TestTime_ObservesOnError(t *testing.T) {
	tm := &countingTimer{}
	boom := errors.New("boom")

	err := Time(tm, func() error { return boom })
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, tm.observed)

	require.NoError(t, Time(tm, func() error { return nil }))
	require.Equal(t, 2, tm.observed)
}

func TestNop(t *testing.T) {
	NopCounter().Inc()
	NopCounter().Add(3)
	NopTimer().ObserveDuration()
}
