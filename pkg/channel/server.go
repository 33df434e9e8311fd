package channel

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/baderanaas/hushmesh/pkg/metrics"
	"github.com/baderanaas/hushmesh/pkg/radio"
	"github.com/baderanaas/hushmesh/pkg/wire"
)

type ServerConfig struct {
	// Pacing is the pause between consecutive response chunks.
	Pacing time.Duration
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{Pacing: 8 * time.Millisecond}
}

// PayloadSource answers pull requests. *cache.PayloadStore satisfies it.
type PayloadSource interface {
	Get(id uint64) ([]byte, bool)
}

var _ radio.ServerHandler = (*Server)(nil)

// Server answers pull requests from subscribed peers and pushes payloads
// that arrive after the request was made.
type Server struct {
	radio   radio.Peripheral
	store   PayloadSource
	cfg     ServerConfig
	log     *zap.Logger
	clock   clock.Clock
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	subscribed map[radio.PeerID]bool
	pending    map[uint64]map[radio.PeerID]struct{}
}

func NewServer(p radio.Peripheral, store PayloadSource, cfg ServerConfig, opts ...Option) *Server {
	o := buildOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		radio:      p,
		store:      store,
		cfg:        cfg,
		log:        o.log.Named("channel.server"),
		clock:      o.clock,
		metrics:    o.metrics,
		ctx:        ctx,
		cancel:     cancel,
		subscribed: make(map[radio.PeerID]bool),
		pending:    make(map[uint64]map[radio.PeerID]struct{}),
	}
}

// Start registers the server with the peripheral.
func (s *Server) Start(ctx context.Context) error {
	return s.radio.Serve(ctx, s)
}

// Withdraw unregisters the server so neighbours no longer find the payload
// service. Start registers it again.
func (s *Server) Withdraw(ctx context.Context) error {
	return s.radio.Serve(ctx, nil)
}

// Stop cancels running pushes and waits for them to return.
func (s *Server) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Server) OnSubscribe(peer radio.PeerID, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if enabled {
		s.subscribed[peer] = true
		s.log.Debug("peer subscribed", zap.String("peer", string(peer)))
		return
	}
	delete(s.subscribed, peer)
	for id, waiters := range s.pending {
		delete(waiters, peer)
		if len(waiters) == 0 {
			delete(s.pending, id)
		}
	}
	s.log.Debug("peer unsubscribed", zap.String("peer", string(peer)))
}

// OnWrite handles a pull request. Unknown ids are remembered so Fulfil can
// push the payload later.
func (s *Server) OnWrite(peer radio.PeerID, ep radio.Endpoint, data []byte) error {
	if ep != radio.EndpointRequest {
		return ErrUnsupportedEndpoint
	}
	id, err := wire.DecodeRequest(data)
	if err != nil {
		s.log.Debug("malformed request", zap.String("peer", string(peer)), zap.Int("len", len(data)))
		return err
	}

	ciphertext, ok := s.store.Get(id)
	if !ok {
		s.mu.Lock()
		if s.pending[id] == nil {
			s.pending[id] = make(map[radio.PeerID]struct{})
		}
		s.pending[id][peer] = struct{}{}
		s.mu.Unlock()
		s.log.Debug("request for unknown id, holding", zap.Uint64("id", id), zap.String("peer", string(peer)))
		return nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Push(s.ctx, peer, ciphertext); err != nil {
			s.log.Debug("push failed", zap.Uint64("id", id), zap.String("peer", string(peer)), zap.Error(err))
		}
	}()
	return nil
}

// Fulfil pushes ciphertext to every subscribed peer still waiting for id
// and returns how many were served.
func (s *Server) Fulfil(ctx context.Context, id uint64, ciphertext []byte) int {
	s.mu.Lock()
	waiters := s.pending[id]
	delete(s.pending, id)
	var peers []radio.PeerID
	for peer := range waiters {
		if s.subscribed[peer] {
			peers = append(peers, peer)
		}
	}
	s.mu.Unlock()

	served := 0
	for _, peer := range peers {
		if err := s.Push(ctx, peer, ciphertext); err != nil {
			s.log.Debug("deferred push failed", zap.Uint64("id", id), zap.String("peer", string(peer)), zap.Error(err))
			continue
		}
		served++
	}
	if served > 0 {
		s.log.Debug("pending requests fulfilled", zap.Uint64("id", id), zap.Int("peers", served))
	}
	return served
}

// Push sends ciphertext to a subscribed peer in MTU-sized chunks. When the
// payload is an exact multiple of the chunk size an empty chunk marks the end.
func (s *Server) Push(ctx context.Context, peer radio.PeerID, ciphertext []byte) error {
	s.mu.Lock()
	ok := s.subscribed[peer]
	s.mu.Unlock()
	if !ok {
		return radio.ErrNotConnected
	}

	chunk := max(s.radio.MTU(peer)-radio.ATTOverhead, 1)
	for off := 0; off < len(ciphertext); off += chunk {
		if off > 0 {
			if err := s.pause(ctx); err != nil {
				return err
			}
		}
		end := min(off+chunk, len(ciphertext))
		if err := s.radio.Notify(ctx, peer, radio.EndpointResponse, ciphertext[off:end]); err != nil {
			return err
		}
		s.metrics.PushedChunks.Inc()
	}
	if len(ciphertext)%chunk == 0 {
		return s.radio.Notify(ctx, peer, radio.EndpointResponse, nil)
	}
	return nil
}

func (s *Server) pause(ctx context.Context) error {
	if s.cfg.Pacing <= 0 {
		return nil
	}
	select {
	case <-s.clock.After(s.cfg.Pacing):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Forget drops pending requests for ids.
func (s *Server) Forget(ids ...uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.pending, id)
	}
}

// Pending returns the number of ids with outstanding requests.
func (s *Server) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Subscribers returns the number of peers with notifications enabled.
func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribed)
}
