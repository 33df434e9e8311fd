package libp2p

import (
	"context"
	"fmt"

	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/baderanaas/hushmesh/pkg/radio"
)

// Broadcast publishes frame on the network topic. Like a single advertising
// slot, only one broadcast may be active at a time.
func (n *Node) Broadcast(ctx context.Context, frame []byte) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return radio.ErrUnavailable
	}
	if len(frame) > n.cfg.MaxFrame {
		n.mu.Unlock()
		return fmt.Errorf("%w: %d > %d bytes", radio.ErrTooLarge, len(frame), n.cfg.MaxFrame)
	}
	if n.active > 0 {
		n.mu.Unlock()
		return radio.ErrTooManyBroadcasters
	}
	n.active++
	n.mu.Unlock()

	if err := n.topic.Publish(ctx, frame); err != nil {
		_ = n.StopBroadcast()
		return fmt.Errorf("%w: publish: %v", radio.ErrInternal, err)
	}
	return nil
}

func (n *Node) StopBroadcast() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.active > 0 {
		n.active--
	}
	return nil
}

func (n *Node) Scan(_ context.Context) (<-chan radio.Frame, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, radio.ErrUnavailable
	}
	if n.scan != nil {
		return n.scan, nil
	}
	sub, err := n.topic.Subscribe(pubsub.WithBufferSize(scanBuffer))
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe: %v", radio.ErrInternal, err)
	}
	ch := make(chan radio.Frame, scanBuffer)
	n.sub, n.scan = sub, ch

	n.wg.Add(1)
	go n.readFrames(sub, ch)
	return ch, nil
}

// readFrames forwards frames heard directly from their originator. Copies
// relayed by gossip are a second hop and are ignored, as is our own echo.
func (n *Node) readFrames(sub *pubsub.Subscription, ch chan<- radio.Frame) {
	defer n.wg.Done()
	defer close(ch)
	self := n.host.ID()
	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == self || msg.GetFrom() != msg.ReceivedFrom {
			continue
		}
		n.touch(msg.ReceivedFrom, "", true)
		select {
		case ch <- radio.Frame{Data: msg.GetData(), Peer: radio.PeerID(msg.ReceivedFrom.String())}:
		default:
			n.log.Debug("scan buffer full, frame dropped")
		}
	}
}

func (n *Node) StopScan() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sub != nil {
		n.sub.Cancel()
		n.sub, n.scan = nil, nil
	}
	return nil
}
