package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/baderanaas/hushmesh/pkg/broadcast"
	"github.com/baderanaas/hushmesh/pkg/crypto"
	"github.com/baderanaas/hushmesh/pkg/history"
	"github.com/baderanaas/hushmesh/pkg/libp2p"
	"github.com/baderanaas/hushmesh/pkg/mesh"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HUSHMESH_NODE_DATA_DIR", dir)
	t.Setenv("HUSHMESH_LOG_LEVEL", "error")
	t.Chdir(t.TempDir())
	return dir
}

func TestVersionCmd(t *testing.T) {
	isolate(t)
	out, err := execute(t, "version")
	require.NoError(t, err)
	require.Contains(t, out, "hushmesh dev")
	require.Contains(t, out, "commit: none")
}

func TestRootCmdHelp(t *testing.T) {
	isolate(t)
	out, err := execute(t, "--help")
	require.NoError(t, err)
	for _, sub := range []string{"run", "simulate", "network", "version"} {
		require.Contains(t, out, sub)
	}
}

func TestBadLogLevelFlag(t *testing.T) {
	isolate(t)
	_, err := execute(t, "--log-level", "shout", "version")
	require.Error(t, err)
}

func TestNetworkCommands(t *testing.T) {
	isolate(t)

	out, err := execute(t, "network", "list")
	require.NoError(t, err)
	require.Contains(t, out, "no networks")

	out, err = execute(t, "network", "create", "ops", "--cipher", "chacha20-poly1305")
	require.NoError(t, err)
	require.Contains(t, out, `created network "ops" (chacha20-poly1305)`)

	_, err = execute(t, "network", "create", "ops")
	require.Error(t, err)

	invite, err := execute(t, "network", "invite", "ops")
	require.NoError(t, err)
	invite = strings.TrimSpace(invite)
	require.True(t, strings.HasPrefix(invite, "hm1."))

	_, err = execute(t, "network", "invite", "missing")
	require.Error(t, err)

	// a second node joins with the invite
	isolate(t)
	out, err = execute(t, "network", "join", invite)
	require.NoError(t, err)
	require.Contains(t, out, `joined network "ops"`)

	out, err = execute(t, "network", "list")
	require.NoError(t, err)
	require.Contains(t, out, "ops (chacha20-poly1305)")
}

func fastMesh() mesh.Config {
	cfg := mesh.DefaultConfig()
	cfg.RebroadcastMin = time.Millisecond
	cfg.RebroadcastMax = 5 * time.Millisecond
	cfg.Broadcast = broadcast.Config{Dwell: 2 * time.Millisecond, FragmentDwell: time.Millisecond}
	cfg.Client.FetchTimeout = 2 * time.Second
	cfg.Client.RetryBase = 5 * time.Millisecond
	cfg.Client.ResponseIdle = 20 * time.Millisecond
	cfg.Server.Pacing = 0
	return cfg
}

func testCodec(t *testing.T) *crypto.Codec {
	t.Helper()
	c, err := crypto.NewCodec(crypto.KeyFromNetwork("sim"), crypto.SuiteAESGCM)
	require.NoError(t, err)
	return c
}

func TestSimulateLine(t *testing.T) {
	for _, mode := range []mesh.Mode{mesh.ModePull, mesh.ModeFragment} {
		t.Run(string(mode), func(t *testing.T) {
			cfg := fastMesh()
			cfg.Mode = mode
			report, err := simulate(context.Background(), simOptions{
				Nodes: 5, TTL: 3, Sender: "s", Text: "flood warning",
				Wait: 10 * time.Second, Config: cfg, Codec: testCodec(t),
			})
			require.NoError(t, err)
			require.Equal(t, 4, report.Expected)
			require.Len(t, report.Deliveries, 4)

			var ttls []uint8
			for i, d := range report.Deliveries {
				require.Equal(t, nodeName(i+1), d.Node)
				require.Equal(t, nodeName(i), d.From)
				ttls = append(ttls, d.TTL)
			}
			require.Equal(t, []uint8{3, 2, 1, 0}, ttls)

			var buf bytes.Buffer
			printReport(&buf, report)
			require.Contains(t, buf.String(), "reached 4 of 4 nodes")
		})
	}
}

func TestSimulateStopsAtTTL(t *testing.T) {
	report, err := simulate(context.Background(), simOptions{
		Nodes: 6, TTL: 1, Sender: "s", Text: "x",
		Wait: 10 * time.Second, Config: fastMesh(), Codec: testCodec(t),
	})
	require.NoError(t, err)
	require.Equal(t, 2, report.Expected)
	require.Len(t, report.Deliveries, 2)
	require.Equal(t, nodeName(2), report.Deliveries[1].Node)
	require.Zero(t, report.Deliveries[1].TTL)
	require.Zero(t, report.Stats[3].Delivered)
}

func TestSimulateCmd(t *testing.T) {
	isolate(t)
	t.Setenv("HUSHMESH_BROADCAST_DWELL", "5ms")
	t.Setenv("HUSHMESH_MESH_REBROADCAST_MIN", "1ms")
	t.Setenv("HUSHMESH_MESH_REBROADCAST_MAX", "5ms")
	t.Setenv("HUSHMESH_CHANNEL_RESPONSE_IDLE", "20ms")

	out, err := execute(t, "simulate", "--nodes", "3", "--ttl", "1", "--text", "hello")
	require.NoError(t, err)
	require.Contains(t, out, `n0 sent "hello" with ttl 1`)
	require.Contains(t, out, "n2 heard it from n1 (ttl 0)")

	_, err = execute(t, "simulate", "--nodes", "1")
	require.Error(t, err)
}

type fakeMesh struct {
	sent []string
	err  error
}

func (f *fakeMesh) SendOutgoing(_ context.Context, sender string, ttl uint8, text string) (*mesh.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, text)
	return &mesh.Message{ID: 0xabc, TTL: ttl, Sender: sender, Text: text, Timestamp: "2026-01-02T03:04:05Z"}, nil
}

func (f *fakeMesh) Stats() mesh.Stats { return mesh.Stats{Delivered: 4, Relayed: 2} }

type fakePeers struct {
	dialled []string
}

func (f *fakePeers) Peers() []libp2p.PeerInfo {
	return []libp2p.PeerInfo{{ID: peer.ID("peer-one"), Source: "mdns", Connected: true, LastSeen: time.Now()}}
}

func (f *fakePeers) ConnectAddr(_ context.Context, addr string) (peer.ID, error) {
	if addr == "bad" {
		return "", errors.New("invalid multiaddr")
	}
	f.dialled = append(f.dialled, addr)
	return peer.ID("dialled-peer"), nil
}

func newTestPrompt(t *testing.T, m sender) (*prompt, *bytes.Buffer, *fakePeers) {
	t.Helper()
	hist, err := history.Open(t.TempDir(), "public")
	require.NoError(t, err)
	out := new(bytes.Buffer)
	peers := &fakePeers{}
	return &prompt{
		out:   out,
		name:  "alice",
		ttl:   3,
		mesh:  m,
		peers: peers,
		hist:  hist,
		log:   zap.NewNop(),
		now:   time.Now,
	}, out, peers
}

func TestPromptCommands(t *testing.T) {
	m := &fakeMesh{}
	p, out, peers := newTestPrompt(t, m)

	input := strings.Join([]string{
		"evacuate north",
		"/peers",
		"/connect /ip4/10.0.0.1/tcp/4001",
		"/connect bad",
		"/history",
		"/history zero",
		"/stats",
		"/nope",
		"/quit",
		"never read",
	}, "\n")
	require.NoError(t, p.run(context.Background(), strings.NewReader(input)))

	require.Equal(t, []string{"evacuate north"}, m.sent)
	require.Equal(t, []string{"/ip4/10.0.0.1/tcp/4001"}, peers.dialled)

	s := out.String()
	require.Contains(t, s, "sent 0000000000000abc (ttl 3)")
	require.Contains(t, s, "connected via mdns")
	require.Contains(t, s, "connect failed: invalid multiaddr")
	require.Contains(t, s, "alice (me): evacuate north")
	require.Contains(t, s, "usage: /history [n]")
	require.Contains(t, s, "delivered 4, dropped 0, relayed 2")
	require.Contains(t, s, "unknown command /nope")
	require.Contains(t, s, "shutting down")
}

func TestPromptDeliveryIsRecorded(t *testing.T) {
	p, out, _ := newTestPrompt(t, &fakeMesh{})
	p.onMessage(mesh.Message{ID: 1, TTL: 2, Sender: "bob", Text: "bridge out", Timestamp: "2026-01-02T03:04:05Z", SourcePeer: "12D3KooWpeerxyz"})
	p.onError(errors.New("radio medium unavailable"))
	require.Contains(t, out.String(), "bob: bridge out (ttl 2 via 3KooWpeerxyz)")
	require.Contains(t, out.String(), "! radio medium unavailable")

	entries, err := p.hist.Recent(5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "12D3KooWpeerxyz", entries[0].Via)
}

func TestPromptSendFailure(t *testing.T) {
	p, out, _ := newTestPrompt(t, &fakeMesh{err: mesh.ErrEmptyMessage})
	require.False(t, p.handle(context.Background(), "hello"))
	require.Contains(t, out.String(), "send failed")
}

func TestPromptStopsWithContext(t *testing.T) {
	p, _, _ := newTestPrompt(t, &fakeMesh{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pr, pw := io.Pipe()
	defer pw.Close()
	require.NoError(t, p.run(ctx, pr))
}
