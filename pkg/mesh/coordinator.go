// Package mesh ties the relay engine together: it deduplicates what the
// scanner hears, fetches and decrypts payloads, delivers them once and
// schedules randomized, TTL-decremented rebroadcasts.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/baderanaas/hushmesh/pkg/broadcast"
	"github.com/baderanaas/hushmesh/pkg/cache"
	"github.com/baderanaas/hushmesh/pkg/channel"
	"github.com/baderanaas/hushmesh/pkg/crypto"
	"github.com/baderanaas/hushmesh/pkg/metrics"
	"github.com/baderanaas/hushmesh/pkg/radio"
	"github.com/baderanaas/hushmesh/pkg/scanner"
	"github.com/baderanaas/hushmesh/pkg/wire"
)

var (
	ErrStopped       = errors.New("coordinator stopped")
	ErrEmptyMessage  = errors.New("message text is empty")
	ErrAlreadyActive = errors.New("coordinator already started")
)

type entry struct {
	state   State
	outcome Outcome
	timer   *clock.Timer
	gen     uint64
	updated time.Time
}

// Stats is a point-in-time view of the coordinator.
type Stats struct {
	Delivered int64
	Dropped   int64
	Relayed   int64
	Seen      int
	Stored    int
	Tracked   int
}

type Coordinator struct {
	radio   radio.Radio
	codec   *crypto.Codec
	cfg     Config
	log     *zap.Logger
	clock   clock.Clock
	metrics *metrics.Metrics

	listener func(Message)
	onError  func(error)
	newID    func() uint64

	dedup  *cache.Dedup
	store  *cache.PayloadStore
	bcast  *broadcast.Broadcaster
	scan   *scanner.Scanner
	client *channel.Client
	server *channel.Server

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	cron   *cron.Cron

	mu      sync.Mutex
	states  map[uint64]*entry
	started bool
	stopped bool

	delivered atomic.Int64
	dropped   atomic.Int64
	relayed   atomic.Int64
}

type Option func(*Coordinator)

// WithListener sets the callback that receives each delivered message once.
func WithListener(fn func(Message)) Option { return func(c *Coordinator) { c.listener = fn } }

// WithErrorHandler receives errors that need the host to act, such as the
// radio being switched off or permission being withdrawn.
func WithErrorHandler(fn func(error)) Option { return func(c *Coordinator) { c.onError = fn } }

func WithLogger(l *zap.Logger) Option { return func(c *Coordinator) { c.log = l } }

func WithClock(clk clock.Clock) Option { return func(c *Coordinator) { c.clock = clk } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }

// WithIDGenerator replaces the message id source.
func WithIDGenerator(fn func() uint64) Option { return func(c *Coordinator) { c.newID = fn } }

func New(r radio.Radio, codec *crypto.Codec, cfg Config, opts ...Option) (*Coordinator, error) {
	if cfg.RebroadcastMax < cfg.RebroadcastMin {
		return nil, fmt.Errorf("rebroadcast max %s below min %s", cfg.RebroadcastMax, cfg.RebroadcastMin)
	}
	if cfg.Mode != ModePull && cfg.Mode != ModeFragment {
		return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}
	c := &Coordinator{
		radio:   r,
		codec:   codec,
		cfg:     cfg,
		log:     zap.NewNop(),
		clock:   clock.New(),
		metrics: metrics.NewNop(),
		states:  make(map[uint64]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.newID == nil {
		c.newID = func() uint64 { return NewID(c.clock.Now()) }
	}
	c.log = c.log.Named("mesh")

	var err error
	c.dedup, err = cache.NewDedup(cfg.CacheSize, c.clock)
	if err != nil {
		return nil, fmt.Errorf("dedup cache: %w", err)
	}
	c.store = cache.NewPayloadStore(cfg.PayloadTTL, c.clock)

	c.bcast = broadcast.New(r, cfg.Broadcast,
		broadcast.WithLogger(c.log), broadcast.WithClock(c.clock), broadcast.WithMetrics(c.metrics))
	c.scan = scanner.New(r, c, cfg.Scanner,
		scanner.WithLogger(c.log), scanner.WithClock(c.clock), scanner.WithMetrics(c.metrics))
	chOpts := []channel.Option{channel.WithLogger(c.log), channel.WithClock(c.clock), channel.WithMetrics(c.metrics)}
	c.client = channel.NewClient(r, cfg.Client, chOpts...)
	c.server = channel.NewServer(r, c.store, cfg.Server, chOpts...)

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.group = new(errgroup.Group)
	c.group.SetLimit(max(cfg.Workers, 1))
	return c, nil
}

// Start begins scanning, serving pull requests and sweeping.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.stopped:
		c.mu.Unlock()
		return ErrStopped
	case c.started:
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	c.started = true
	c.mu.Unlock()

	if !c.radio.Available() {
		c.abortStart(ctx, false)
		c.report(radio.ErrUnavailable)
		return radio.ErrUnavailable
	}
	serving := c.cfg.Mode == ModePull
	if serving {
		if err := c.server.Start(ctx); err != nil {
			c.abortStart(ctx, false)
			c.report(err)
			return fmt.Errorf("serve payloads: %w", err)
		}
	}
	if err := c.scan.Start(ctx); err != nil {
		c.abortStart(ctx, serving)
		c.report(err)
		return fmt.Errorf("start scanning: %w", err)
	}

	c.cron = cron.New(cron.WithLogger(cron.PrintfLogger(zap.NewStdLog(c.log.Named("sweep")))))
	c.cron.Schedule(cron.Every(c.cfg.SweepInterval), cron.FuncJob(c.Sweep))
	c.cron.Start()

	c.log.Info("mesh started",
		zap.String("mode", string(c.cfg.Mode)),
		zap.String("cipher", string(c.codec.Suite())),
		zap.Int("workers", c.cfg.Workers))
	return nil
}

// abortStart undoes a partial Start so the host may call Start again.
func (c *Coordinator) abortStart(ctx context.Context, serving bool) {
	if serving {
		if err := c.server.Withdraw(ctx); err != nil {
			c.log.Warn("withdraw payload service", zap.Error(err))
		}
	}
	c.mu.Lock()
	c.started = false
	c.mu.Unlock()
}

// Stop halts scanning, cancels pending rebroadcasts and waits for in-flight
// work to finish.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	for _, e := range c.states {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
	c.mu.Unlock()

	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
	err := c.scan.Stop()
	c.cancel()
	c.server.Stop()
	if werr := c.group.Wait(); werr != nil && err == nil {
		err = werr
	}
	c.log.Info("mesh stopped")
	return err
}

// SendOutgoing originates a message: it encrypts the body, stores the
// ciphertext and broadcasts it. ttl is clamped to MaxTTL.
// Subscribed peers are not pushed the new ciphertext unasked: a pull
// response carries no id, so an unsolicited push would be read as the
// answer to whatever fetch that peer has in flight. Neighbours pull it
// after hearing the announcement.
func (c *Coordinator) SendOutgoing(ctx context.Context, sender string, ttl uint8, text string) (*Message, error) {
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if !c.radio.Available() {
		c.report(radio.ErrUnavailable)
		return nil, radio.ErrUnavailable
	}
	ttl = min(ttl, c.cfg.MaxTTL)

	id := c.newID()
	body := wire.Body{
		Sender:    sender,
		Message:   text,
		Timestamp: c.clock.Now().UTC().Format(time.RFC3339),
	}
	plaintext, err := wire.EncodeBody(body)
	if err != nil {
		return nil, err
	}
	ciphertext, err := c.codec.Encrypt(plaintext, crypto.AssociatedData(id))
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}

	c.dedup.SeenOrAdd(id)
	c.store.Put(id, ciphertext)
	c.metrics.StoredPayloads.Set(float64(c.store.Len()))
	c.setState(id, StateDecrypted)

	msg := &Message{
		ID:         id,
		TTL:        ttl,
		Sender:     sender,
		Text:       text,
		Timestamp:  body.Timestamp,
		Ciphertext: ciphertext,
	}
	if err := c.transmit(ctx, id, ttl, ciphertext); err != nil {
		c.report(err)
		return msg, fmt.Errorf("broadcast %d: %w", id, err)
	}
	c.setState(id, StateRebroadcastSent)
	c.log.Info("message sent", zap.Uint64("id", id), zap.Uint8("ttl", ttl))
	return msg, nil
}

// OnAnnouncement queues an announcement for processing. When every worker
// is busy the announcement is dropped without touching the dedup cache.
func (c *Coordinator) OnAnnouncement(a wire.Announcement, peer radio.PeerID) {
	if c.ctx.Err() != nil {
		return
	}
	if !c.group.TryGo(func() error {
		c.handleAnnouncement(a.ID, a.TTL, peer)
		return nil
	}) {
		c.metrics.Dropped.WithLabelValues("saturated").Inc()
		c.log.Warn("worker pool saturated, announcement dropped", zap.Uint64("id", a.ID))
	}
}

// OnRecord queues a reassembled record for processing.
func (c *Coordinator) OnRecord(r wire.Record, peer radio.PeerID) {
	if c.ctx.Err() != nil {
		return
	}
	if !c.group.TryGo(func() error {
		c.handleRecord(r, peer)
		return nil
	}) {
		c.metrics.Dropped.WithLabelValues("saturated").Inc()
		c.log.Warn("worker pool saturated, record dropped", zap.Uint64("id", r.ID))
	}
}

// admit reports whether id is heard for the first time. The dedup cache is
// bounded, so an id it has evicted is still recognised from the state table
// until the sweep retires it.
func (c *Coordinator) admit(id uint64) bool {
	seen := c.dedup.SeenOrAdd(id)
	if !seen {
		c.mu.Lock()
		if e := c.states[id]; e != nil {
			seen = e.state != StateUnseen || e.outcome == OutcomeDelivered
		}
		c.mu.Unlock()
	}
	if seen {
		c.metrics.DedupHits.Inc()
	}
	return !seen
}

func (c *Coordinator) handleAnnouncement(id uint64, ttl uint8, peer radio.PeerID) {
	if !c.admit(id) {
		return
	}
	ttl = min(ttl, c.cfg.MaxTTL)
	c.setState(id, StateAnnounced)
	log := c.log.With(zap.Uint64("id", id), zap.String("peer", string(peer)))

	if ciphertext, ok := c.store.Get(id); ok {
		log.Debug("payload already stored")
		c.accept(id, ttl, ciphertext, peer)
		return
	}
	if peer == "" {
		c.drop(id, "no_source")
		return
	}

	c.setState(id, StateFetching)
	ciphertext, err := c.client.Fetch(c.ctx, peer, id)
	if err != nil {
		// another neighbour's announcement may still succeed
		c.drop(id, "fetch")
		c.setState(id, StateUnseen)
		c.dedup.Forget(id)
		log.Info("fetch abandoned", zap.Error(err))
		c.report(err)
		return
	}
	c.accept(id, ttl, ciphertext, peer)
}

func (c *Coordinator) handleRecord(r wire.Record, peer radio.PeerID) {
	if !c.admit(r.ID) {
		return
	}
	c.setState(r.ID, StateAnnounced)
	c.accept(r.ID, min(r.TTL, c.cfg.MaxTTL), r.Ciphertext, peer)
}

// accept decrypts a ciphertext heard from peer, delivers it and schedules
// the relay.
func (c *Coordinator) accept(id uint64, ttl uint8, ciphertext []byte, peer radio.PeerID) {
	log := c.log.With(zap.Uint64("id", id), zap.String("peer", string(peer)))
	if !crypto.Plausible(ciphertext) {
		c.drop(id, "malformed")
		log.Debug("implausible ciphertext", zap.Int("len", len(ciphertext)))
		return
	}

	plaintext, err := c.codec.Decrypt(ciphertext, crypto.AssociatedData(id))
	if err != nil {
		c.drop(id, "decrypt")
		if !c.cfg.RelayOpaque {
			log.Info("undecryptable message dropped")
			return
		}
		log.Debug("relaying undecryptable message")
		c.keep(id, ciphertext)
		c.scheduleRebroadcast(id, ttl)
		return
	}
	body, err := wire.DecodeBody(plaintext)
	if err != nil {
		c.drop(id, "body")
		log.Warn("decrypted body malformed", zap.Error(err))
		return
	}

	c.keep(id, ciphertext)
	c.setState(id, StateDecrypted)
	if !c.deliver(Message{
		ID:         id,
		TTL:        ttl,
		Sender:     body.Sender,
		Text:       body.Message,
		Timestamp:  body.Timestamp,
		Ciphertext: ciphertext,
		SourcePeer: peer,
	}) {
		return
	}
	c.scheduleRebroadcast(id, ttl)
}

// keep stores the ciphertext and serves neighbours that asked for it first.
func (c *Coordinator) keep(id uint64, ciphertext []byte) {
	c.store.Put(id, ciphertext)
	c.metrics.StoredPayloads.Set(float64(c.store.Len()))
	if c.cfg.Mode == ModePull {
		c.server.Fulfil(c.ctx, id, ciphertext)
	}
}

// deliver hands msg to the listener unless it was delivered before.
func (c *Coordinator) deliver(msg Message) bool {
	c.mu.Lock()
	e := c.entryLocked(msg.ID)
	if e.outcome == OutcomeDelivered {
		c.mu.Unlock()
		c.log.Debug("already delivered", zap.Uint64("id", msg.ID))
		return false
	}
	e.outcome = OutcomeDelivered
	c.mu.Unlock()
	c.delivered.Add(1)
	c.metrics.Delivered.Inc()
	c.log.Info("message delivered",
		zap.Uint64("id", msg.ID),
		zap.Uint8("ttl", msg.TTL),
		zap.String("peer", string(msg.SourcePeer)))
	if c.listener != nil {
		c.listener(msg)
	}
	return true
}

func (c *Coordinator) drop(id uint64, reason string) {
	c.mu.Lock()
	e := c.entryLocked(id)
	e.outcome = OutcomeDropped
	c.mu.Unlock()
	c.dropped.Add(1)
	c.metrics.Dropped.WithLabelValues(reason).Inc()
}

func (c *Coordinator) scheduleRebroadcast(id uint64, ttl uint8) {
	if ttl == 0 {
		c.log.Debug("ttl exhausted, not relaying", zap.Uint64("id", id))
		return
	}
	delay := c.cfg.RebroadcastMin
	if spread := c.cfg.RebroadcastMax - c.cfg.RebroadcastMin; spread > 0 {
		delay += rand.N(spread + 1)
	}
	next := ttl - 1

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	e := c.entryLocked(id)
	if e.timer != nil {
		e.timer.Stop()
	}
	e.gen++
	gen := e.gen
	e.timer = c.clock.AfterFunc(delay, func() { c.rebroadcast(id, next, gen) })
	e.state = StateRebroadcastScheduled
	e.updated = c.clock.Now()
}

func (c *Coordinator) rebroadcast(id uint64, ttl uint8, gen uint64) {
	c.mu.Lock()
	e := c.states[id]
	if e == nil || e.timer == nil || e.gen != gen || c.stopped {
		c.mu.Unlock()
		return
	}
	e.timer = nil
	c.mu.Unlock()

	ciphertext, ok := c.store.Get(id)
	if !ok {
		return
	}
	if err := c.transmit(c.ctx, id, ttl, ciphertext); err != nil {
		c.log.Info("rebroadcast failed", zap.Uint64("id", id), zap.Error(err))
		c.report(err)
		return
	}
	c.setState(id, StateRebroadcastSent)
	c.relayed.Add(1)
	c.metrics.Rebroadcasts.Inc()
	c.log.Debug("rebroadcast", zap.Uint64("id", id), zap.Uint8("ttl", ttl))
}

func (c *Coordinator) transmit(ctx context.Context, id uint64, ttl uint8, ciphertext []byte) error {
	if c.cfg.Mode == ModeFragment {
		return c.bcast.AnnounceFragments(ctx, wire.Record{ID: id, TTL: ttl, Ciphertext: ciphertext}, c.cfg.FragmentSize)
	}
	return c.bcast.Announce(ctx, id, ttl)
}

func (c *Coordinator) report(err error) {
	if !radio.IsHostActionable(err) {
		return
	}
	c.log.Error("radio needs attention", zap.Error(err))
	if c.onError != nil {
		c.onError(err)
	}
}

func (c *Coordinator) entryLocked(id uint64) *entry {
	e := c.states[id]
	if e == nil {
		e = &entry{}
		c.states[id] = e
	}
	return e
}

func (c *Coordinator) setState(id uint64, s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(id)
	e.state = s
	e.updated = c.clock.Now()
}

// State returns how far id has progressed.
func (c *Coordinator) State(id uint64) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.states[id]; e != nil {
		return e.state
	}
	return StateUnseen
}

// Outcome returns whether id was delivered or dropped.
func (c *Coordinator) Outcome(id uint64) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.states[id]; e != nil {
		return e.outcome
	}
	return OutcomePending
}

func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	tracked := len(c.states)
	c.mu.Unlock()
	return Stats{
		Delivered: c.delivered.Load(),
		Dropped:   c.dropped.Load(),
		Relayed:   c.relayed.Load(),
		Seen:      c.dedup.Len(),
		Stored:    c.store.Len(),
		Tracked:   tracked,
	}
}
