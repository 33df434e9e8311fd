package libp2p

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// ConnectAddr dials a peer by multiaddr, which must end in /p2p/<id>.
func (n *Node) ConnectAddr(ctx context.Context, addr string) (peer.ID, error) {
	return n.connectAddr(ctx, addr, "manual")
}

func (n *Node) connectAddr(ctx context.Context, addr, source string) (peer.ID, error) {
	ma, err := multiaddr.NewMultiaddr(strings.TrimSpace(addr))
	if err != nil {
		return "", fmt.Errorf("invalid multiaddr: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return "", fmt.Errorf("peer info: %w", err)
	}
	if err := n.host.Connect(ctx, *info); err != nil {
		return "", fmt.Errorf("connect %s: %w", shortID(info.ID.String()), err)
	}
	n.touch(info.ID, source, true)
	return info.ID, nil
}

// touch records that p was seen. An empty source keeps the existing one.
func (n *Node) touch(p peer.ID, source string, connected bool) {
	if p == n.host.ID() {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	info, ok := n.peers[p]
	if !ok {
		if source == "" {
			source = "inbound"
		}
		info = &PeerInfo{ID: p, Source: source}
		n.peers[p] = info
	} else if source != "" && info.Source == "inbound" {
		info.Source = source
	}
	info.LastSeen = time.Now()
	info.Connected = connected
}

// Peers lists known neighbours, connected ones first.
func (n *Node) Peers() []PeerInfo {
	n.mu.Lock()
	out := make([]PeerInfo, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, *p)
	}
	n.mu.Unlock()
	for i := range out {
		out[i].Connected = n.host.Network().Connectedness(out[i].ID) == network.Connected
	}

	slices.SortFunc(out, func(a, b PeerInfo) int {
		if a.Connected != b.Connected {
			if a.Connected {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	return out
}
