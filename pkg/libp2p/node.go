// Package libp2p runs the mesh over a libp2p host. A gossipsub topic is the
// broadcast medium, a stream protocol is the payload service, and mDNS or a
// DHT rendezvous find neighbours.
package libp2p

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"go.uber.org/zap"

	"github.com/baderanaas/hushmesh/pkg/radio"
)

const (
	scanBuffer   = 256
	notifyBuffer = 128
)

var _ radio.Radio = (*Node)(nil)

type Config struct {
	DataDir string
	Listen  []string
	// Peers are multiaddrs dialled by Start.
	Peers []string
	MDNS  bool
	DHT   bool
	// Network scopes the frame topic and the rendezvous key.
	Network  string
	MaxFrame int
	MaxMTU   int
	// DiscoveryInterval paces DHT rendezvous lookups.
	DiscoveryInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Listen:            []string{"/ip4/0.0.0.0/tcp/0"},
		MDNS:              true,
		Network:           "public",
		MaxFrame:          27,
		MaxMTU:            517,
		DiscoveryInterval: 30 * time.Second,
	}
}

type Option func(*Node)

func WithLogger(l *zap.Logger) Option {
	return func(n *Node) { n.log = l.Named("libp2p") }
}

// Node is a radio.Radio backed by a libp2p host.
type Node struct {
	cfg   Config
	log   *zap.Logger
	host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	dht   *dht.IpfsDHT
	mdns  mdns.Service

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	active  int
	sub     *pubsub.Subscription
	scan    chan radio.Frame
	handler radio.ServerHandler
	inbound map[radio.PeerID]*serverStream
	mtus    map[radio.PeerID]int
	peers   map[peer.ID]*PeerInfo
}

// New creates the host with the identity stored in cfg.DataDir and joins
// the network's frame topic. Discovery begins with Start.
func New(cfg Config, opts ...Option) (*Node, error) {
	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = DefaultConfig().MaxFrame
	}
	if cfg.MaxMTU <= 0 {
		cfg.MaxMTU = DefaultConfig().MaxMTU
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = DefaultConfig().DiscoveryInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:     cfg,
		log:     zap.NewNop(),
		ctx:     ctx,
		cancel:  cancel,
		inbound: make(map[radio.PeerID]*serverStream),
		mtus:    make(map[radio.PeerID]int),
		peers:   make(map[peer.ID]*PeerInfo),
	}
	for _, o := range opts {
		o(n)
	}

	key, err := LoadIdentity(cfg.DataDir)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("load identity: %w", err)
	}
	cm, err := connmgr.NewConnManager(20, 100, connmgr.WithGracePeriod(time.Minute))
	if err != nil {
		cancel()
		return nil, err
	}

	p2pOpts := []libp2p.Option{
		libp2p.ListenAddrStrings(cfg.Listen...),
		libp2p.Identity(key),
		libp2p.ConnectionManager(cm),
	}
	if cfg.DHT {
		p2pOpts = append(p2pOpts, libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			d, err := dht.New(ctx, h, dht.Mode(dht.ModeAutoServer))
			n.dht = d
			return d, err
		}))
	}

	h, err := libp2p.New(p2pOpts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create host: %w", err)
	}
	n.host = h

	ps, err := pubsub.NewGossipSub(ctx, h, pubsub.WithFloodPublish(true))
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, fmt.Errorf("create pubsub: %w", err)
	}
	topic, err := ps.Join(TopicPrefix + cfg.Network)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, fmt.Errorf("join frame topic: %w", err)
	}
	n.ps, n.topic = ps, topic

	h.SetStreamHandler(PayloadProtocol, n.handleStream)
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF:    func(_ network.Network, c network.Conn) { n.touch(c.RemotePeer(), "", true) },
		DisconnectedF: func(net network.Network, c network.Conn) { n.touch(c.RemotePeer(), "", net.Connectedness(c.RemotePeer()) == network.Connected) },
	})

	n.log.Info("node started", zap.String("id", h.ID().String()), zap.Strings("addrs", n.Addrs()))
	return n, nil
}

func (n *Node) ID() radio.PeerID { return radio.PeerID(n.host.ID().String()) }

// Addrs returns dialable multiaddrs including the /p2p component.
func (n *Node) Addrs() []string {
	info := peer.AddrInfo{ID: n.host.ID(), Addrs: n.host.Addrs()}
	addrs, err := peer.AddrInfoToP2pAddrs(&info)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	return out
}

func (n *Node) Available() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.closed
}

// Close stops discovery, drops every stream and shuts the host down.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	if n.sub != nil {
		n.sub.Cancel()
		n.sub, n.scan = nil, nil
	}
	n.mu.Unlock()

	if n.mdns != nil {
		_ = n.mdns.Close()
	}
	n.cancel()
	_ = n.topic.Close()
	if n.dht != nil {
		_ = n.dht.Close()
	}
	err := n.host.Close()
	n.wg.Wait()
	return err
}

func (n *Node) Connect(ctx context.Context, p radio.PeerID) (radio.Conn, error) {
	if !n.Available() {
		return nil, radio.ErrUnavailable
	}
	pid, err := peer.Decode(string(p))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", radio.ErrUnknownPeer, p)
	}
	s, err := n.host.NewStream(ctx, pid, PayloadProtocol)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", radio.ErrNotConnected, err)
	}
	return newClientConn(s), nil
}

func (n *Node) Serve(_ context.Context, h radio.ServerHandler) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed && h != nil {
		return radio.ErrUnavailable
	}
	n.handler = h
	return nil
}

func (n *Node) Notify(ctx context.Context, p radio.PeerID, ep radio.Endpoint, data []byte) error {
	if ep != radio.EndpointResponse {
		return radio.ErrUnsupported
	}
	n.mu.Lock()
	ss := n.inbound[p]
	n.mu.Unlock()
	if ss == nil {
		return radio.ErrNotConnected
	}
	return ss.send(ctx, opNotify, data)
}

func (n *Node) MTU(p radio.PeerID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if mtu, ok := n.mtus[p]; ok {
		return mtu
	}
	return radio.DefaultMTU
}

func (n *Node) serverHandler() radio.ServerHandler {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handler
}
