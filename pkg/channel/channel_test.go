package channel

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/baderanaas/hushmesh/pkg/cache"
	"github.com/baderanaas/hushmesh/pkg/metrics"
	"github.com/baderanaas/hushmesh/pkg/radio"
	"github.com/baderanaas/hushmesh/pkg/radio/memradio"
	"github.com/baderanaas/hushmesh/pkg/wire"
)

type fixture struct {
	medium  *memradio.Medium
	client  *memradio.Device
	server  *memradio.Device
	store   *cache.PayloadStore
	srv     *Server
	cli     *Client
	metrics *metrics.Metrics
}

func testClientConfig() ClientConfig {
	return ClientConfig{
		FetchTimeout:      2 * time.Second,
		MaxRetries:        2,
		RetryBase:         20 * time.Millisecond,
		ContentionPenalty: 10 * time.Millisecond,
		MTU:               512,
		ResponseIdle:      50 * time.Millisecond,
	}
}

func newFixture(t *testing.T, cfg ClientConfig) *fixture {
	t.Helper()
	m := memradio.NewMedium(memradio.FullMesh())
	f := &fixture{
		medium:  m,
		client:  m.Join("client"),
		server:  m.Join("server"),
		store:   cache.NewPayloadStore(time.Minute, nil),
		metrics: metrics.NewNop(),
	}
	f.srv = NewServer(f.server, f.store, ServerConfig{Pacing: time.Millisecond}, WithMetrics(f.metrics))
	require.NoError(t, f.srv.Start(context.Background()))
	t.Cleanup(f.srv.Stop)
	f.cli = NewClient(f.client, cfg, WithMetrics(f.metrics))
	return f
}

func TestFetchSingleChunk(t *testing.T) {
	f := newFixture(t, testClientConfig())
	f.store.Put(42, []byte("ciphertext"))

	got, err := f.cli.Fetch(context.Background(), "server", 42)
	require.NoError(t, err)
	require.Equal(t, []byte("ciphertext"), got)
	require.False(t, f.cli.InFlight(42))
}

func TestFetchChunked(t *testing.T) {
	f := newFixture(t, testClientConfig())
	f.server.SetMaxMTU(50)
	payload := bytes.Repeat([]byte("0123456789"), 20)
	f.store.Put(1, payload)

	got, err := f.cli.Fetch(context.Background(), "server", 1)
	require.NoError(t, err)
	require.Equal(t, payload, got)
	require.Equal(t, 5.0, testutil.ToFloat64(f.metrics.PushedChunks))
}

func TestFetchExactMultipleOfChunk(t *testing.T) {
	cfg := testClientConfig()
	cfg.ResponseIdle = time.Minute
	f := newFixture(t, cfg)
	f.server.SetMaxMTU(23)
	payload := bytes.Repeat([]byte{0xaa}, 40)
	f.store.Put(1, payload)

	start := time.Now()
	got, err := f.cli.Fetch(context.Background(), "server", 1)
	require.NoError(t, err)
	require.Equal(t, payload, got)
	require.Less(t, time.Since(start), time.Second, "terminator ends the response without waiting for idle")
}

func TestFetchRetriesConnectionFailures(t *testing.T) {
	f := newFixture(t, testClientConfig())
	f.store.Put(42, []byte("payload"))
	f.client.FailConnects(2, radio.ErrInternal)

	var mu sync.Mutex
	var delays []time.Duration
	f.cli.onRetry = func(_ int, d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		delays = append(delays, d)
	}

	got, err := f.cli.Fetch(context.Background(), "server", 42)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)
	require.Equal(t, 3, f.client.ConnectAttempts())
	require.Equal(t, []time.Duration{20 * time.Millisecond, 40 * time.Millisecond}, delays)
	require.Equal(t, 2.0, testutil.ToFloat64(f.metrics.FetchRetries))
}

func TestFetchContentionPenalty(t *testing.T) {
	f := newFixture(t, testClientConfig())
	f.store.Put(42, []byte("payload"))
	f.client.FailConnects(2, radio.ErrBusy)

	var delays []time.Duration
	f.cli.onRetry = func(_ int, d time.Duration) { delays = append(delays, d) }

	_, err := f.cli.Fetch(context.Background(), "server", 42)
	require.NoError(t, err)
	require.Len(t, delays, 2)
	for i, d := range delays {
		base := 20 * time.Millisecond * time.Duration(i+1)
		require.GreaterOrEqual(t, d, base)
		require.Less(t, d, base+10*time.Millisecond)
	}
}

func TestFetchRetriesExhausted(t *testing.T) {
	f := newFixture(t, testClientConfig())
	f.store.Put(42, []byte("payload"))
	f.client.FailConnects(3, radio.ErrInternal)

	_, err := f.cli.Fetch(context.Background(), "server", 42)
	require.ErrorIs(t, err, ErrConnectionFailed)
	require.ErrorIs(t, err, radio.ErrInternal)
	require.Equal(t, 3, f.client.ConnectAttempts())
	require.Equal(t, 1.0, testutil.ToFloat64(f.metrics.FetchFailures.WithLabelValues("connection")))
	require.False(t, f.cli.InFlight(42), "failure releases the id lock")
}

func TestFetchServiceMissing(t *testing.T) {
	m := memradio.NewMedium(memradio.FullMesh())
	client := m.Join("client")
	m.Join("silent")
	cli := NewClient(client, testClientConfig())

	_, err := cli.Fetch(context.Background(), "silent", 1)
	require.ErrorIs(t, err, ErrServiceMissing)
	require.Equal(t, 1, client.ConnectAttempts(), "protocol failures are not retried")
}

func TestFetchCharacteristicMissing(t *testing.T) {
	f := newFixture(t, testClientConfig())
	f.server.SetEndpoints(radio.EndpointRequest)

	_, err := f.cli.Fetch(context.Background(), "server", 1)
	require.ErrorIs(t, err, ErrCharacteristicMissing)
}

type emptyResponder struct{ dev *memradio.Device }

func (e emptyResponder) OnSubscribe(radio.PeerID, bool) {}

func (e emptyResponder) OnWrite(peer radio.PeerID, _ radio.Endpoint, _ []byte) error {
	go e.dev.Notify(context.Background(), peer, radio.EndpointResponse, nil)
	return nil
}

func TestFetchEmptyResponse(t *testing.T) {
	m := memradio.NewMedium(memradio.FullMesh())
	client := m.Join("client")
	server := m.Join("server")
	require.NoError(t, server.Serve(context.Background(), emptyResponder{dev: server}))
	cli := NewClient(client, testClientConfig())

	_, err := cli.Fetch(context.Background(), "server", 1)
	require.ErrorIs(t, err, ErrEmptyResponse)
}

func TestFetchPerIDLockAndTimeout(t *testing.T) {
	cfg := testClientConfig()
	cfg.FetchTimeout = 200 * time.Millisecond
	f := newFixture(t, cfg)

	first := make(chan error, 1)
	go func() {
		_, err := f.cli.Fetch(context.Background(), "server", 9)
		first <- err
	}()
	require.Eventually(t, func() bool { return f.srv.Pending() == 1 }, time.Second, time.Millisecond)

	_, err := f.cli.Fetch(context.Background(), "server", 9)
	require.ErrorIs(t, err, ErrFetchInFlight)

	select {
	case err := <-first:
		require.ErrorIs(t, err, ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("fetch did not time out")
	}
	require.False(t, f.cli.InFlight(9))
	require.Zero(t, f.srv.Pending(), "teardown clears the request")
}

func TestFetchPerPeerLockSerializes(t *testing.T) {
	f := newFixture(t, testClientConfig())
	f.store.Put(1, []byte("one"))
	f.store.Put(2, []byte("two"))

	var wg sync.WaitGroup
	results := make([][]byte, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.cli.Fetch(context.Background(), "server", uint64(i+1))
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, [][]byte{[]byte("one"), []byte("two")}, results)
	require.Equal(t, 2, f.client.ConnectAttempts())
	require.Zero(t, f.cli.trackedPeers())
}

func (c *Client) trackedPeers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.peers)
}

func TestPeerSlotsDroppedAfterFetch(t *testing.T) {
	f := newFixture(t, testClientConfig())
	f.store.Put(1, []byte("one"))

	_, err := f.cli.Fetch(context.Background(), "server", 1)
	require.NoError(t, err)
	require.Zero(t, f.cli.trackedPeers())

	// failed fetches to peers that went away leave nothing behind either
	for _, p := range []radio.PeerID{"gone-1", "gone-2", "gone-3"} {
		_, err := f.cli.Fetch(context.Background(), p, 2)
		require.Error(t, err)
	}
	require.Zero(t, f.cli.trackedPeers())
}

func TestFulfilPushesPendingRequest(t *testing.T) {
	f := newFixture(t, testClientConfig())

	result := make(chan []byte, 1)
	go func() {
		data, err := f.cli.Fetch(context.Background(), "server", 77)
		if err == nil {
			result <- data
		}
	}()
	require.Eventually(t, func() bool { return f.srv.Pending() == 1 }, time.Second, time.Millisecond)

	require.Zero(t, f.srv.Fulfil(context.Background(), 78, []byte("other")), "nobody waits for 78")
	require.Equal(t, 1, f.srv.Fulfil(context.Background(), 77, []byte("late payload")))

	select {
	case data := <-result:
		require.Equal(t, []byte("late payload"), data)
	case <-time.After(2 * time.Second):
		t.Fatal("pending fetch was not fulfilled")
	}
}

func TestReleaseClearsStuckLock(t *testing.T) {
	f := newFixture(t, testClientConfig())
	f.store.Put(5, []byte("five"))
	f.cli.inflight.Store(uint64(5), &fetchToken{})

	_, err := f.cli.Fetch(context.Background(), "server", 5)
	require.ErrorIs(t, err, ErrFetchInFlight)

	f.cli.Release(5)
	got, err := f.cli.Fetch(context.Background(), "server", 5)
	require.NoError(t, err)
	require.Equal(t, []byte("five"), got)
}

func TestServerRejectsBadWrites(t *testing.T) {
	f := newFixture(t, testClientConfig())

	require.ErrorIs(t, f.srv.OnWrite("client", radio.EndpointResponse, wire.EncodeRequest(1)), ErrUnsupportedEndpoint)
	require.ErrorIs(t, f.srv.OnWrite("client", radio.EndpointRequest, []byte{1, 2, 3}), wire.ErrBadRequest)
	require.Zero(t, f.srv.Pending())
}

func TestPushRequiresSubscription(t *testing.T) {
	f := newFixture(t, testClientConfig())
	require.ErrorIs(t, f.srv.Push(context.Background(), "client", []byte("x")), radio.ErrNotConnected)

	f.srv.OnSubscribe("client", true)
	require.Equal(t, 1, f.srv.Subscribers())
	f.srv.OnSubscribe("client", false)
	require.Zero(t, f.srv.Subscribers())
}

func TestKind(t *testing.T) {
	require.Equal(t, "timeout", Kind(ErrTimeout))
	require.Equal(t, "connection", Kind(ErrConnectionFailed))
	require.Equal(t, "other", Kind(context.Canceled))
}
