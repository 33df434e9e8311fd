package libp2p

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-msgio"
	"go.uber.org/zap"

	"github.com/baderanaas/hushmesh/pkg/radio"
)

// Error codes carried by opErr.
const (
	codeInternal byte = iota
	codeUnsupported
	codeNotConnected
)

func errorCode(err error) byte {
	switch {
	case errors.Is(err, radio.ErrUnsupported):
		return codeUnsupported
	case errors.Is(err, radio.ErrNotConnected):
		return codeNotConnected
	}
	return codeInternal
}

func codeError(code byte, msg string) error {
	base := radio.ErrInternal
	switch code {
	case codeUnsupported:
		base = radio.ErrUnsupported
	case codeNotConnected:
		base = radio.ErrNotConnected
	}
	if msg == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, msg)
}

func deadlineOf(ctx context.Context) time.Time {
	d, _ := ctx.Deadline()
	return d
}

// clientConn is the dialling side of a payload stream. One request is
// outstanding at a time; notifications are demultiplexed by readLoop.
type clientConn struct {
	s network.Stream
	r msgio.ReadCloser
	w msgio.WriteCloser

	reqMu   sync.Mutex
	replies chan []byte

	once sync.Once
	done chan struct{}

	mu     sync.Mutex
	ended  bool
	notify chan []byte
}

func newClientConn(s network.Stream) *clientConn {
	c := &clientConn{
		s:       s,
		r:       msgio.NewVarintReaderSize(s, maxStreamMsg),
		w:       msgio.NewVarintWriter(s),
		replies: make(chan []byte, 1),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *clientConn) readLoop() {
	defer func() {
		c.mu.Lock()
		c.ended = true
		if c.notify != nil {
			close(c.notify)
		}
		c.mu.Unlock()
	}()
	for {
		msg, err := c.r.ReadMsg()
		if err != nil {
			return
		}
		if len(msg) == 0 {
			c.r.ReleaseMsg(msg)
			continue
		}
		body := append([]byte(nil), msg...)
		c.r.ReleaseMsg(msg)

		if body[0] == opNotify {
			c.mu.Lock()
			ch := c.notify
			c.mu.Unlock()
			if ch == nil {
				continue
			}
			select {
			case ch <- body[1:]:
			case <-c.done:
				return
			}
			continue
		}
		select {
		case c.replies <- body:
		case <-c.done:
			return
		}
	}
}

func (c *clientConn) request(ctx context.Context, op, want byte, body []byte) ([]byte, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	select {
	case <-c.done:
		return nil, radio.ErrClosed
	default:
	}
	_ = c.s.SetWriteDeadline(deadlineOf(ctx))
	if err := c.w.WriteMsg(append([]byte{op}, body...)); err != nil {
		return nil, fmt.Errorf("%w: %v", radio.ErrClosed, err)
	}

	select {
	case reply := <-c.replies:
		switch reply[0] {
		case want:
			return reply[1:], nil
		case opErr:
			if len(reply) < 2 {
				return nil, radio.ErrInternal
			}
			return nil, codeError(reply[1], string(reply[2:]))
		}
		return nil, fmt.Errorf("%w: unexpected op %d", radio.ErrInternal, reply[0])
	case <-c.done:
		return nil, radio.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *clientConn) NegotiateMTU(ctx context.Context, want int) (int, error) {
	body := binary.BigEndian.AppendUint16(nil, uint16(min(want, 0xffff)))
	reply, err := c.request(ctx, opMTU, opMTU, body)
	if err != nil {
		return 0, err
	}
	if len(reply) != 2 {
		return 0, fmt.Errorf("%w: bad mtu reply", radio.ErrInternal)
	}
	return int(binary.BigEndian.Uint16(reply)), nil
}

func (c *clientConn) Discover(ctx context.Context) ([]radio.Service, error) {
	reply, err := c.request(ctx, opDiscover, opServices, nil)
	if err != nil {
		return nil, err
	}
	var list services
	if err := cbor.Unmarshal(reply, &list); err != nil {
		return nil, fmt.Errorf("%w: services: %v", radio.ErrInternal, err)
	}
	out := make([]radio.Service, 0, len(list.List))
	for _, s := range list.List {
		svc := radio.Service{ID: s.ID}
		for _, ep := range s.Endpoints {
			svc.Endpoints = append(svc.Endpoints, radio.Endpoint(ep))
		}
		out = append(out, svc)
	}
	return out, nil
}

func (c *clientConn) Subscribe(ctx context.Context, ep radio.Endpoint) (<-chan []byte, error) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return nil, radio.ErrClosed
	}
	if c.notify == nil {
		c.notify = make(chan []byte, notifyBuffer)
	}
	ch := c.notify
	c.mu.Unlock()

	if _, err := c.request(ctx, opSubscribe, opAck, []byte(ep)); err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *clientConn) Write(ctx context.Context, ep radio.Endpoint, data []byte) error {
	body := make([]byte, 0, 1+len(ep)+len(data))
	body = append(body, byte(len(ep)))
	body = append(body, ep...)
	body = append(body, data...)
	_, err := c.request(ctx, opWrite, opAck, body)
	return err
}

func (c *clientConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.s.Close()
	})
	return err
}

// serverStream is the accepting side of a payload stream.
type serverStream struct {
	n    *Node
	peer radio.PeerID
	s    network.Stream

	wmu sync.Mutex
	w   msgio.WriteCloser

	subscribed bool
}

func (n *Node) handleStream(s network.Stream) {
	ss := &serverStream{
		n:    n,
		peer: radio.PeerID(s.Conn().RemotePeer().String()),
		s:    s,
		w:    msgio.NewVarintWriter(s),
	}
	r := msgio.NewVarintReaderSize(s, maxStreamMsg)
	defer ss.close()

	for {
		msg, err := r.ReadMsg()
		if err != nil {
			return
		}
		if len(msg) == 0 {
			r.ReleaseMsg(msg)
			continue
		}
		op, body := msg[0], append([]byte(nil), msg[1:]...)
		r.ReleaseMsg(msg)
		if err := ss.handle(op, body); err != nil {
			n.log.Debug("payload stream write failed", zap.String("peer", shortID(string(ss.peer))), zap.Error(err))
			return
		}
	}
}

func (ss *serverStream) handle(op byte, body []byte) error {
	ctx, cancel := context.WithTimeout(ss.n.ctx, 5*time.Second)
	defer cancel()

	switch op {
	case opMTU:
		if len(body) != 2 {
			return ss.fail(ctx, fmt.Errorf("%w: bad mtu request", radio.ErrInternal))
		}
		mtu := min(int(binary.BigEndian.Uint16(body)), ss.n.cfg.MaxMTU)
		ss.n.mu.Lock()
		ss.n.mtus[ss.peer] = mtu
		ss.n.mu.Unlock()
		return ss.send(ctx, opMTU, binary.BigEndian.AppendUint16(nil, uint16(mtu)))

	case opDiscover:
		var list services
		if ss.n.serverHandler() != nil {
			list.List = []service{{
				ID:        radio.ServicePayload,
				Endpoints: []string{string(radio.EndpointRequest), string(radio.EndpointResponse)},
			}}
		}
		data, err := cbor.Marshal(list)
		if err != nil {
			return ss.fail(ctx, err)
		}
		return ss.send(ctx, opServices, data)

	case opSubscribe:
		h := ss.n.serverHandler()
		if h == nil || radio.Endpoint(body) != radio.EndpointResponse {
			return ss.fail(ctx, radio.ErrUnsupported)
		}
		if err := ss.send(ctx, opAck, nil); err != nil {
			return err
		}
		if !ss.subscribed {
			ss.subscribed = true
			ss.n.mu.Lock()
			ss.n.inbound[ss.peer] = ss
			ss.n.mu.Unlock()
			h.OnSubscribe(ss.peer, true)
		}
		return nil

	case opWrite:
		h := ss.n.serverHandler()
		if h == nil {
			return ss.fail(ctx, radio.ErrUnsupported)
		}
		if len(body) < 1 || len(body) < 1+int(body[0]) {
			return ss.fail(ctx, fmt.Errorf("%w: bad write", radio.ErrInternal))
		}
		ep := radio.Endpoint(body[1 : 1+int(body[0])])
		if err := h.OnWrite(ss.peer, ep, body[1+int(body[0]):]); err != nil {
			return ss.fail(ctx, err)
		}
		return ss.send(ctx, opAck, nil)
	}
	return ss.fail(ctx, fmt.Errorf("%w: op %d", radio.ErrUnsupported, op))
}

func (ss *serverStream) fail(ctx context.Context, err error) error {
	body := append([]byte{errorCode(err)}, err.Error()...)
	return ss.send(ctx, opErr, body)
}

func (ss *serverStream) send(ctx context.Context, op byte, body []byte) error {
	ss.wmu.Lock()
	defer ss.wmu.Unlock()
	_ = ss.s.SetWriteDeadline(deadlineOf(ctx))
	if err := ss.w.WriteMsg(append([]byte{op}, body...)); err != nil {
		return fmt.Errorf("%w: %v", radio.ErrClosed, err)
	}
	return nil
}

func (ss *serverStream) close() {
	if ss.subscribed {
		ss.n.mu.Lock()
		if ss.n.inbound[ss.peer] == ss {
			delete(ss.n.inbound, ss.peer)
		}
		ss.n.mu.Unlock()
		if h := ss.n.serverHandler(); h != nil {
			h.OnSubscribe(ss.peer, false)
		}
	}
	_ = ss.s.Close()
}
