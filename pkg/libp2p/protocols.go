package libp2p

import "github.com/libp2p/go-libp2p/core/protocol"

const (
	// PayloadProtocol carries the reliable payload channel.
	PayloadProtocol protocol.ID = "/hushmesh/payload/1.0.0"

	// MDNSService is the mDNS service tag for nearby discovery.
	MDNSService = "hushmesh"
	// RendezvousPrefix namespaces DHT rendezvous keys per network.
	RendezvousPrefix = "hushmesh-net-"
	// TopicPrefix namespaces the gossipsub topic per network.
	TopicPrefix = "hushmesh/frames/"
)

// Operation codes. Every msgio message on a payload stream starts with one.
const (
	opMTU byte = iota + 1
	opDiscover
	opSubscribe
	opWrite
	opNotify
	opAck
	opErr
	opServices
)

// maxStreamMsg bounds a single message on a payload stream.
const maxStreamMsg = 64 << 10
