package libp2p

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	"go.uber.org/zap"
)

const dialTimeout = 15 * time.Second

// Start dials the static peers and begins mDNS and DHT discovery as
// configured.
func (n *Node) Start() error {
	for _, addr := range n.cfg.Peers {
		n.wg.Add(1)
		go func(addr string) {
			defer n.wg.Done()
			ctx, cancel := context.WithTimeout(n.ctx, dialTimeout)
			defer cancel()
			if _, err := n.connectAddr(ctx, addr, "static"); err != nil {
				n.log.Warn("static peer unreachable", zap.String("addr", addr), zap.Error(err))
			}
		}(addr)
	}

	if n.cfg.MDNS {
		n.mdns = mdns.NewMdnsService(n.host, MDNSService, &mdnsNotifee{node: n})
		if err := n.mdns.Start(); err != nil {
			return fmt.Errorf("start mdns: %w", err)
		}
		n.log.Info("mdns discovery started")
	}

	if n.dht != nil {
		if err := n.dht.Bootstrap(n.ctx); err != nil {
			n.log.Warn("dht bootstrap", zap.Error(err))
		}
		n.wg.Add(1)
		go n.rendezvous()
	}
	return nil
}

type mdnsNotifee struct {
	node *Node
}

func (m *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	n := m.node
	if pi.ID == n.host.ID() {
		return
	}
	n.touch(pi.ID, "mdns", false)
	n.dial(pi, "mdns")
}

// rendezvous advertises this node under the network's key and dials the
// other nodes found there.
func (n *Node) rendezvous() {
	defer n.wg.Done()
	ns := RendezvousPrefix + n.cfg.Network
	rd := drouting.NewRoutingDiscovery(n.dht)
	dutil.Advertise(n.ctx, rd, ns)

	ticker := time.NewTicker(n.cfg.DiscoveryInterval)
	defer ticker.Stop()
	for {
		found, err := rd.FindPeers(n.ctx, ns)
		if err == nil {
			for pi := range found {
				if pi.ID == n.host.ID() || len(pi.Addrs) == 0 {
					continue
				}
				n.touch(pi.ID, "dht", false)
				n.dial(pi, "dht")
			}
		} else {
			n.log.Debug("rendezvous lookup", zap.Error(err))
		}

		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (n *Node) dial(pi peer.AddrInfo, source string) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(n.ctx, dialTimeout)
		defer cancel()
		if err := n.host.Connect(ctx, pi); err != nil {
			n.log.Debug("dial failed", zap.String("peer", shortID(pi.ID.String())), zap.String("via", source), zap.Error(err))
			return
		}
		n.log.Info("peer connected", zap.String("peer", shortID(pi.ID.String())), zap.String("via", source))
	}()
}
