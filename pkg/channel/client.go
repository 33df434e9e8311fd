// Package channel implements the connection-oriented pull protocol used to
// fetch a ciphertext after only its announcement was heard.
package channel

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/baderanaas/hushmesh/pkg/metrics"
	"github.com/baderanaas/hushmesh/pkg/radio"
	"github.com/baderanaas/hushmesh/pkg/wire"
)

type ClientConfig struct {
	FetchTimeout time.Duration
	// MaxRetries bounds retries after connection failures. Other failures
	// are never retried.
	MaxRetries int
	// RetryBase is multiplied by the attempt number.
	RetryBase time.Duration
	// ContentionPenalty is the upper bound of the random extra delay added
	// when the stack reports contention.
	ContentionPenalty time.Duration
	MTU               int
	// ResponseIdle ends a response after the last full-size chunk.
	ResponseIdle time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		FetchTimeout:      9 * time.Second,
		MaxRetries:        2,
		RetryBase:         300 * time.Millisecond,
		ContentionPenalty: 200 * time.Millisecond,
		MTU:               512,
		ResponseIdle:      250 * time.Millisecond,
	}
}

type options struct {
	log     *zap.Logger
	clock   clock.Clock
	metrics *metrics.Metrics
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.log = l } }

func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

func buildOptions(opts []Option) options {
	o := options{log: zap.NewNop(), clock: clock.New(), metrics: metrics.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type fetchToken struct{}

// peerSlot serializes fetches to one peer. refs counts the fetches holding
// or waiting for it; the slot is dropped when it reaches zero.
type peerSlot struct {
	sem  chan struct{}
	refs int
}

// Client fetches payloads from neighbours.
type Client struct {
	dialer  radio.Dialer
	cfg     ClientConfig
	log     *zap.Logger
	clock   clock.Clock
	metrics *metrics.Metrics

	mu       sync.Mutex
	peers    map[radio.PeerID]*peerSlot
	inflight sync.Map // uint64 -> *fetchToken

	onRetry func(attempt int, delay time.Duration)
}

func NewClient(d radio.Dialer, cfg ClientConfig, opts ...Option) *Client {
	o := buildOptions(opts)
	return &Client{
		dialer:  d,
		cfg:     cfg,
		log:     o.log.Named("channel.client"),
		clock:   o.clock,
		metrics: o.metrics,
		peers:   make(map[radio.PeerID]*peerSlot),
	}
}

func (c *Client) acquirePeer(peer radio.PeerID) *peerSlot {
	c.mu.Lock()
	defer c.mu.Unlock()
	ps := c.peers[peer]
	if ps == nil {
		ps = &peerSlot{sem: make(chan struct{}, 1)}
		c.peers[peer] = ps
	}
	ps.refs++
	return ps
}

func (c *Client) releasePeer(peer radio.PeerID, ps *peerSlot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ps.refs--
	if ps.refs == 0 {
		delete(c.peers, peer)
	}
}

// Fetch pulls the ciphertext for id from peer. Fetches to one peer run one
// at a time; a second fetch for an id already being fetched fails at once
// with ErrFetchInFlight.
func (c *Client) Fetch(ctx context.Context, peer radio.PeerID, id uint64) ([]byte, error) {
	token := &fetchToken{}
	if _, loaded := c.inflight.LoadOrStore(id, token); loaded {
		return nil, ErrFetchInFlight
	}
	defer c.inflight.CompareAndDelete(id, token)

	ctx, cancel := c.clock.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	ps := c.acquirePeer(peer)
	defer c.releasePeer(peer, ps)
	select {
	case ps.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, c.failed(id, fmt.Errorf("%w: waiting for %s: %w", ErrTimeout, peer, ctx.Err()))
	}
	defer func() { <-ps.sem }()

	for attempt := 0; ; attempt++ {
		data, err := c.attempt(ctx, peer, id)
		if err == nil {
			c.log.Debug("fetched", zap.Uint64("id", id), zap.String("peer", string(peer)), zap.Int("bytes", len(data)))
			return data, nil
		}
		if !errors.Is(err, ErrConnectionFailed) || attempt >= c.cfg.MaxRetries {
			return nil, c.failed(id, err)
		}

		delay := c.backoff(attempt+1, err)
		c.metrics.FetchRetries.Inc()
		c.log.Info("retrying fetch",
			zap.Uint64("id", id),
			zap.String("peer", string(peer)),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err))
		if c.onRetry != nil {
			c.onRetry(attempt+1, delay)
		}
		select {
		case <-c.clock.After(delay):
		case <-ctx.Done():
			return nil, c.failed(id, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err()))
		}
	}
}

// Release drops the in-flight marker of ids whose fetch is stuck.
func (c *Client) Release(ids ...uint64) {
	for _, id := range ids {
		c.inflight.Delete(id)
	}
}

// InFlight reports whether a fetch for id is running.
func (c *Client) InFlight(id uint64) bool {
	_, ok := c.inflight.Load(id)
	return ok
}

func (c *Client) failed(id uint64, err error) error {
	c.metrics.FetchFailures.WithLabelValues(Kind(err)).Inc()
	c.log.Info("fetch failed", zap.Uint64("id", id), zap.Error(err))
	return err
}

func (c *Client) backoff(attempt int, err error) time.Duration {
	d := c.cfg.RetryBase * time.Duration(attempt)
	if radio.IsContention(err) && c.cfg.ContentionPenalty > 0 {
		d += rand.N(c.cfg.ContentionPenalty)
	}
	return d
}

func (c *Client) attempt(ctx context.Context, peer radio.PeerID, id uint64) ([]byte, error) {
	c.metrics.FetchAttempts.Inc()
	raw, err := c.dialer.Connect(ctx, peer)
	if err != nil {
		return nil, stepError(ctx, ErrConnectionFailed, err)
	}
	conn := &guardedConn{Conn: raw}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	mtu, err := conn.NegotiateMTU(ctx, c.cfg.MTU)
	if err != nil {
		c.log.Debug("mtu negotiation failed, using default", zap.String("peer", string(peer)), zap.Error(err))
		mtu = radio.DefaultMTU
	}

	services, err := conn.Discover(ctx)
	if err != nil {
		return nil, stepError(ctx, ErrServiceMissing, err)
	}
	switch svc, eps := radio.HasEndpoints(services); {
	case !svc:
		return nil, ErrServiceMissing
	case !eps:
		return nil, ErrCharacteristicMissing
	}

	notes, err := conn.Subscribe(ctx, radio.EndpointResponse)
	if err != nil {
		return nil, stepError(ctx, ErrSubscribeFailed, err)
	}
	if err := conn.Write(ctx, radio.EndpointRequest, wire.EncodeRequest(id)); err != nil {
		return nil, stepError(ctx, ErrWriteFailed, err)
	}
	return c.collect(ctx, notes, mtu-radio.ATTOverhead)
}

// collect concatenates response chunks. A chunk shorter than the chunk size
// ends the response; after a full chunk the response ends when no further
// chunk arrives within ResponseIdle.
func (c *Client) collect(ctx context.Context, notes <-chan []byte, chunk int) ([]byte, error) {
	var (
		buf  []byte
		idle <-chan time.Time
	)
	for {
		select {
		case data, ok := <-notes:
			if !ok && ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
			}
			if !ok || len(data) == 0 {
				if len(buf) == 0 {
					return nil, ErrEmptyResponse
				}
				return buf, nil
			}
			buf = append(buf, data...)
			if len(data) < chunk {
				return buf, nil
			}
			idle = c.clock.After(c.cfg.ResponseIdle)
		case <-idle:
			return buf, nil
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		}
	}
}

func stepError(ctx context.Context, kind, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// guardedConn releases the underlying connection exactly once, whichever of
// the normal path or the timeout gets there first.
type guardedConn struct {
	radio.Conn
	once sync.Once
	err  error
}

func (g *guardedConn) Close() error {
	g.once.Do(func() { g.err = g.Conn.Close() })
	return g.err
}
