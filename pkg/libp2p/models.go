package libp2p

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// PeerInfo is what the node knows about a neighbour.
type PeerInfo struct {
	ID        peer.ID
	Source    string // mdns, dht, static, manual
	LastSeen  time.Time
	Connected bool
}

// services is the reply to opDiscover.
type services struct {
	List []service `cbor:"1,keyasint"`
}

type service struct {
	ID        string   `cbor:"1,keyasint"`
	Endpoints []string `cbor:"2,keyasint"`
}
