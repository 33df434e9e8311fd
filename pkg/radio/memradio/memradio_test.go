package memradio

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/baderanaas/hushmesh/pkg/radio"
)

type recordingHandler struct {
	subs   []bool
	writes [][]byte
}

func (h *recordingHandler) OnSubscribe(_ radio.PeerID, enabled bool) {
	h.subs = append(h.subs, enabled)
}

func (h *recordingHandler) OnWrite(_ radio.PeerID, _ radio.Endpoint, data []byte) error {
	h.writes = append(h.writes, data)
	return nil
}

func TestBroadcastReachesLinkedDevicesOnly(t *testing.T) {
	m := NewMedium()
	a, b, c := m.Join("a"), m.Join("b"), m.Join("c")
	m.Link("a", "b")

	ctx := context.Background()
	bFrames, err := b.Scan(ctx)
	require.NoError(t, err)
	cFrames, err := c.Scan(ctx)
	require.NoError(t, err)

	require.NoError(t, a.Broadcast(ctx, []byte("hello")))
	require.NoError(t, a.StopBroadcast())

	f := <-bFrames
	require.Equal(t, radio.PeerID("a"), f.Peer)
	require.Equal(t, []byte("hello"), f.Data)
	require.Empty(t, cFrames)
	require.Len(t, a.Sent(), 1)
}

func TestBroadcastLimits(t *testing.T) {
	m := NewMedium(WithMaxFrameSize(10), FullMesh())
	a := m.Join("a")
	ctx := context.Background()

	require.ErrorIs(t, a.Broadcast(ctx, make([]byte, 11)), radio.ErrTooLarge)

	require.NoError(t, a.Broadcast(ctx, []byte("one")))
	require.ErrorIs(t, a.Broadcast(ctx, []byte("two")), radio.ErrTooManyBroadcasters)
	require.NoError(t, a.StopBroadcast())
	require.NoError(t, a.Broadcast(ctx, []byte("two")))

	a.SetPermitted(false)
	require.ErrorIs(t, a.Broadcast(ctx, []byte("x")), radio.ErrPermissionDenied)
	a.SetAvailable(false)
	require.ErrorIs(t, a.Broadcast(ctx, []byte("x")), radio.ErrUnavailable)
	require.False(t, a.Available())
}

func TestConnectionLifecycle(t *testing.T) {
	m := NewMedium(FullMesh())
	client, server := m.Join("client"), m.Join("server")
	h := &recordingHandler{}
	ctx := context.Background()
	require.NoError(t, server.Serve(ctx, h))

	conn, err := client.Connect(ctx, "server")
	require.NoError(t, err)

	mtu, err := conn.NegotiateMTU(ctx, 185)
	require.NoError(t, err)
	require.Equal(t, 185, mtu)
	require.Equal(t, 185, server.MTU("client"))

	services, err := conn.Discover(ctx)
	require.NoError(t, err)
	svc, eps := radio.HasEndpoints(services)
	require.True(t, svc)
	require.True(t, eps)

	notes, err := conn.Subscribe(ctx, radio.EndpointResponse)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, radio.EndpointRequest, []byte{1}))
	require.Equal(t, [][]byte{{1}}, h.writes)

	require.NoError(t, server.Notify(ctx, "client", radio.EndpointResponse, []byte("chunk")))
	require.Equal(t, []byte("chunk"), <-notes)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	require.Equal(t, []bool{true, false}, h.subs, "teardown is reported once")

	_, ok := <-notes
	require.False(t, ok)
	require.ErrorIs(t, server.Notify(ctx, "client", radio.EndpointResponse, []byte("late")), radio.ErrNotConnected)
}

func TestConnectFaults(t *testing.T) {
	m := NewMedium(FullMesh())
	client := m.Join("client")
	m.Join("server")
	client.FailConnects(2, radio.ErrBusy)

	ctx := context.Background()
	_, err := client.Connect(ctx, "server")
	require.ErrorIs(t, err, radio.ErrBusy)
	_, err = client.Connect(ctx, "server")
	require.ErrorIs(t, err, radio.ErrBusy)
	_, err = client.Connect(ctx, "server")
	require.NoError(t, err)
	require.Equal(t, 3, client.ConnectAttempts())

	_, err = client.Connect(ctx, "nobody")
	require.ErrorIs(t, err, radio.ErrUnknownPeer)
}
