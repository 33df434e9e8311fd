// Package scanner listens to the broadcast medium, classifies frames and
// reassembles fragmented records.
package scanner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/baderanaas/hushmesh/pkg/metrics"
	"github.com/baderanaas/hushmesh/pkg/radio"
	"github.com/baderanaas/hushmesh/pkg/wire"
)

// throttlePruneAt is the table size above which stale throttle entries are swept.
const throttlePruneAt = 1024

var ErrAlreadyStarted = errors.New("scanner already started")

// Handler receives what the scanner decodes. Calls are made from the scan
// goroutine and must not block.
type Handler interface {
	OnAnnouncement(a wire.Announcement, peer radio.PeerID)
	OnRecord(r wire.Record, peer radio.PeerID)
}

type Config struct {
	// ThrottleWindow suppresses repeats of one announcement from one peer.
	ThrottleWindow time.Duration
	// ReassemblyTimeout drops a buffer that received no fragment for this long.
	ReassemblyTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ThrottleWindow:    3 * time.Second,
		ReassemblyTimeout: 6 * time.Second,
	}
}

type throttleKey struct {
	id   uint64
	peer radio.PeerID
}

type reassembly struct {
	total    int
	parts    [][]byte
	received int
	timer    *clock.Timer
	gen      int
}

type Scanner struct {
	radio   radio.Scanner
	handler Handler
	cfg     Config
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	buffers map[[wire.IDHashSize]byte]*reassembly
	recent  map[throttleKey]time.Time
	cancel  context.CancelFunc
	done    chan struct{}
}

type Option func(*Scanner)

func WithLogger(l *zap.Logger) Option { return func(s *Scanner) { s.log = l } }

func WithClock(c clock.Clock) Option { return func(s *Scanner) { s.clock = c } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Scanner) { s.metrics = m } }

func New(r radio.Scanner, h Handler, cfg Config, opts ...Option) *Scanner {
	s := &Scanner{
		radio:   r,
		handler: h,
		cfg:     cfg,
		clock:   clock.New(),
		log:     zap.NewNop(),
		metrics: metrics.NewNop(),
		buffers: make(map[[wire.IDHashSize]byte]*reassembly),
		recent:  make(map[throttleKey]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("scanner")
	return s
}

// Start opens the scan stream and handles frames until Stop or ctx is done.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	frames, err := s.radio.Scan(ctx)
	if err != nil {
		s.mu.Unlock()
		cancel()
		return err
	}
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.loop(ctx, frames, done)
	s.log.Info("scanning")
	return nil
}

func (s *Scanner) loop(ctx context.Context, frames <-chan radio.Frame, done chan struct{}) {
	defer close(done)
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return
			}
			s.HandleFrame(f)
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends scanning and discards every partial reassembly.
func (s *Scanner) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	err := s.radio.StopScan()
	<-done

	s.mu.Lock()
	for hash, buf := range s.buffers {
		if buf.timer != nil {
			buf.timer.Stop()
		}
		delete(s.buffers, hash)
	}
	clear(s.recent)
	s.mu.Unlock()
	return err
}

// HandleFrame classifies a single frame and forwards what it decodes.
func (s *Scanner) HandleFrame(f radio.Frame) {
	kind := wire.Classify(f.Data)
	s.metrics.FramesReceived.WithLabelValues(kind.String()).Inc()
	switch kind {
	case wire.KindAnnouncement:
		a, err := wire.DecodeAnnouncement(f.Data)
		if err != nil {
			return
		}
		if s.throttled(a.ID, f.Peer) {
			s.log.Debug("announcement throttled", zap.Uint64("id", a.ID), zap.String("peer", string(f.Peer)))
			return
		}
		s.handler.OnAnnouncement(a, f.Peer)
	case wire.KindFragment:
		frag, err := wire.DecodeFragment(f.Data)
		if err != nil {
			s.log.Debug("fragment dropped", zap.String("peer", string(f.Peer)), zap.Error(err))
			return
		}
		s.addFragment(frag, f.Peer)
	default:
		s.log.Debug("unrecognised frame", zap.Int("len", len(f.Data)), zap.String("peer", string(f.Peer)))
	}
}

func (s *Scanner) throttled(id uint64, peer radio.PeerID) bool {
	now := s.clock.Now()
	key := throttleKey{id: id, peer: peer}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.recent) > throttlePruneAt {
		for k, t := range s.recent {
			if now.Sub(t) >= s.cfg.ThrottleWindow {
				delete(s.recent, k)
			}
		}
	}
	if t, ok := s.recent[key]; ok && now.Sub(t) < s.cfg.ThrottleWindow {
		return true
	}
	s.recent[key] = now
	return false
}

func (s *Scanner) addFragment(frag wire.Fragment, peer radio.PeerID) {
	hash := frag.IDHash

	s.mu.Lock()
	buf := s.buffers[hash]
	if buf != nil && buf.total != int(frag.Total) {
		s.log.Debug("fragment total changed, restarting buffer",
			zap.Int("was", buf.total), zap.Uint8("now", frag.Total))
		if buf.timer != nil {
			buf.timer.Stop()
		}
		delete(s.buffers, hash)
		buf = nil
	}
	if buf == nil {
		buf = &reassembly{total: int(frag.Total), parts: make([][]byte, frag.Total)}
		s.buffers[hash] = buf
	}
	if buf.parts[frag.Index] == nil {
		buf.parts[frag.Index] = frag.Data
		buf.received++
	}
	if buf.timer != nil {
		buf.timer.Stop()
	}

	if buf.received == buf.total {
		delete(s.buffers, hash)
		parts := buf.parts
		s.mu.Unlock()
		s.complete(hash, parts, peer)
		return
	}

	buf.gen++
	gen := buf.gen
	buf.timer = s.clock.AfterFunc(s.cfg.ReassemblyTimeout, func() { s.expire(hash, buf, gen) })
	s.mu.Unlock()
}

func (s *Scanner) complete(hash [wire.IDHashSize]byte, parts [][]byte, peer radio.PeerID) {
	rec, err := wire.Join(parts)
	if err != nil {
		s.log.Debug("reassembled record rejected", zap.String("peer", string(peer)), zap.Error(err))
		return
	}
	if wire.IDHash(rec.ID) != hash {
		s.log.Debug("reassembled record does not match its id hash", zap.Uint64("id", rec.ID))
		return
	}
	s.metrics.Reassembled.Inc()
	s.handler.OnRecord(rec, peer)
}

func (s *Scanner) expire(hash [wire.IDHashSize]byte, buf *reassembly, gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buffers[hash] != buf || buf.gen != gen {
		return
	}
	delete(s.buffers, hash)
	s.metrics.ReassemblyExpired.Inc()
	s.log.Debug("reassembly timed out", zap.Int("received", buf.received), zap.Int("total", buf.total))
}

// Pending returns the number of partial reassemblies.
func (s *Scanner) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffers)
}
