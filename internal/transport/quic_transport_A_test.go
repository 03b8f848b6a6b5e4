package transport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func deferCloseNoError( // A
	t *testing.T,
	closeFn func() error,
) {
	t.Helper()
	if err := closeFn(); err != nil {
		t.Errorf("close: %v", err)
	}
}

func newLoopbackQUIC(t *testing.T, id uint32) (*QUICTransport, *recorder) { // A
	t.Helper()
	tr, err := NewQUICTransport(QUICConfig{
		NodeID:     id,
		ListenAddr: "127.0.0.1:0",
	})
	require.NoError(t, err)
	rec := newRecorder()
	tr.SetReceiver(func(from uint32, data []byte) {
		rec.add(fmt.Sprintf("%d:%s", from, data))
	})
	tr.Start()
	return tr, rec
}

func TestQUICTransportRejectsZeroNode(t *testing.T) { // A
	_, err := NewQUICTransport(QUICConfig{ListenAddr: "127.0.0.1:0"})
	require.Error(t, err)
}

func TestQUICTransportSendInOrder(t *testing.T) { // A
	t.Parallel()
	a, _ := newLoopbackQUIC(t, 1)
	defer deferCloseNoError(t, a.Close)
	b, recB := newLoopbackQUIC(t, 2)
	defer deferCloseNoError(t, b.Close)

	a.SetPeer(2, b.ListenAddr())
	ctx := context.Background()
	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, a.Send(ctx, 2, []byte(fmt.Sprint(i))))
	}
	require.Eventually(t, func() bool {
		return len(recB.list()) == n
	}, 10*time.Second, 10*time.Millisecond)
	for i, item := range recB.list() {
		require.Equal(t, fmt.Sprintf("1:%d", i), item)
	}
}

func TestQUICTransportBroadcast(t *testing.T) { // A
	t.Parallel()
	a, recA := newLoopbackQUIC(t, 1)
	defer deferCloseNoError(t, a.Close)
	b, recB := newLoopbackQUIC(t, 2)
	defer deferCloseNoError(t, b.Close)
	c, recC := newLoopbackQUIC(t, 3)
	defer deferCloseNoError(t, c.Close)

	a.SetPeer(2, b.ListenAddr())
	a.SetPeer(3, c.ListenAddr())
	a.SetPeer(1, a.ListenAddr())
	require.Equal(t, []uint32{2, 3}, a.Peers())

	require.NoError(t, a.Broadcast(context.Background(), []byte("hello")))
	require.Eventually(t, func() bool {
		return len(recB.list()) == 1 && len(recC.list()) == 1
	}, 10*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"1:hello"}, recB.list())
	require.Equal(t, []string{"1:hello"}, recC.list())
	require.Empty(t, recA.list())
}

func TestQUICTransportUnknownPeer(t *testing.T) { // A
	t.Parallel()
	a, _ := newLoopbackQUIC(t, 1)
	defer deferCloseNoError(t, a.Close)

	err := a.Send(context.Background(), 9, []byte("x"))
	require.ErrorIs(t, err, ErrUnknownPeer)

	a.SetPeer(9, "127.0.0.1:1")
	a.RemovePeer(9)
	require.ErrorIs(t, a.Send(context.Background(), 9, []byte("x")), ErrUnknownPeer)
	require.Empty(t, a.Peers())
}

func TestQUICTransportCloseIsIdempotent(t *testing.T) { // A
	a, err := NewQUICTransport(QUICConfig{NodeID: 1, ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	a.Start()
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}
