package nats

import (
	"testing"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

func TestNats_ReuseConnection(t *testing.T) {
	if testing.Short() {
		t.Skip("requires docker")
	}

	connect := ReuseConnection(NewTestContainer(t))
	nc1, release1, err := connect()
	require.NoError(t, err)
	require.Equal(t, natsgo.CONNECTED, nc1.Status())

	nc2, release2, err := connect()
	require.NoError(t, err)
	require.Same(t, nc1, nc2)

	release1()
	release1() // second release of the same lease is a no-op
	require.Equal(t, natsgo.CONNECTED, nc2.Status())

	release2()
	require.Eventually(t, func() bool { return nc1.IsClosed() }, 5*time.Second, 10*time.Millisecond)

	nc3, release3, err := connect()
	require.NoError(t, err)
	defer release3()
	require.NotSame(t, nc1, nc3)
	require.Equal(t, natsgo.CONNECTED, nc3.Status())
}
