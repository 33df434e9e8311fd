package memradio

import (
	"context"
	"sync"

	"github.com/baderanaas/hushmesh/pkg/radio"
)

// conn is the client side of a simulated connection. The server keeps a
// reference in its inbound table so Notify can reach the subscriber.
type conn struct {
	client *Device
	server *Device

	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	closed bool
	notify chan []byte
}

func newConn(client, server *Device) *conn {
	return &conn{
		client: client,
		server: server,
		done:   make(chan struct{}),
	}
}

func (c *conn) NegotiateMTU(_ context.Context, want int) (int, error) {
	if c.isClosed() {
		return 0, radio.ErrClosed
	}
	c.client.mu.Lock()
	mtu := min(want, c.client.maxMTU)
	c.client.mu.Unlock()

	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	mtu = min(mtu, c.server.maxMTU)
	c.server.mtus[c.client.id] = mtu
	return mtu, nil
}

func (c *conn) Discover(_ context.Context) ([]radio.Service, error) {
	if c.isClosed() {
		return nil, radio.ErrClosed
	}
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if c.server.handler == nil {
		return nil, nil
	}
	eps := append([]radio.Endpoint(nil), c.server.endpoints...)
	return []radio.Service{{ID: radio.ServicePayload, Endpoints: eps}}, nil
}

func (c *conn) Subscribe(_ context.Context, ep radio.Endpoint) (<-chan []byte, error) {
	if ep != radio.EndpointResponse {
		return nil, radio.ErrUnsupported
	}
	h := c.server.serverHandler()
	if h == nil {
		return nil, radio.ErrUnsupported
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, radio.ErrClosed
	}
	if c.notify == nil {
		c.notify = make(chan []byte, notifyBuffer)
	}
	ch := c.notify
	c.mu.Unlock()

	c.server.mu.Lock()
	c.server.inbound[c.client.id] = c
	c.server.mu.Unlock()
	h.OnSubscribe(c.client.id, true)
	return ch, nil
}

func (c *conn) Write(_ context.Context, ep radio.Endpoint, data []byte) error {
	if c.isClosed() {
		return radio.ErrClosed
	}
	h := c.server.serverHandler()
	if h == nil {
		return radio.ErrUnsupported
	}
	return h.OnWrite(c.client.id, ep, append([]byte(nil), data...))
}

func (c *conn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		c.closed = true
		subscribed := c.notify != nil
		if subscribed {
			close(c.notify)
		}
		c.mu.Unlock()

		c.server.mu.Lock()
		if c.server.inbound[c.client.id] == c {
			delete(c.server.inbound, c.client.id)
		}
		c.server.mu.Unlock()
		if h := c.server.serverHandler(); h != nil && subscribed {
			h.OnSubscribe(c.client.id, false)
		}
	})
	return nil
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *conn) deliver(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.notify == nil {
		return radio.ErrClosed
	}
	select {
	case c.notify <- data:
		return nil
	case <-c.done:
		return radio.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
