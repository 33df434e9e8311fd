// Package broadcast transmits announcement and fragment frames. Broadcast
// media of this kind support few concurrent advertisers, so every
// start-dwell-stop cycle goes through a single active slot.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/baderanaas/hushmesh/pkg/metrics"
	"github.com/baderanaas/hushmesh/pkg/radio"
	"github.com/baderanaas/hushmesh/pkg/wire"
)

type Config struct {
	// Dwell is how long an announcement stays on air.
	Dwell time.Duration
	// FragmentDwell is the on-air time of each fragment.
	FragmentDwell time.Duration
}

func DefaultConfig() Config {
	return Config{
		Dwell:         500 * time.Millisecond,
		FragmentDwell: 120 * time.Millisecond,
	}
}

type Broadcaster struct {
	radio   radio.Broadcaster
	cfg     Config
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
	slot    chan struct{}
}

type Option func(*Broadcaster)

func WithLogger(l *zap.Logger) Option { return func(b *Broadcaster) { b.log = l } }

func WithClock(c clock.Clock) Option { return func(b *Broadcaster) { b.clock = c } }

func WithMetrics(m *metrics.Metrics) Option { return func(b *Broadcaster) { b.metrics = m } }

func New(r radio.Broadcaster, cfg Config, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		radio:   r,
		cfg:     cfg,
		clock:   clock.New(),
		log:     zap.NewNop(),
		metrics: metrics.NewNop(),
		slot:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.Named("broadcast")
	return b
}

// Announce puts a 10-byte announcement on air for the configured dwell.
func (b *Broadcaster) Announce(ctx context.Context, id uint64, ttl uint8) error {
	if err := b.transmit(ctx, wire.KindAnnouncement, wire.EncodeAnnouncement(id, ttl), b.cfg.Dwell); err != nil {
		return fmt.Errorf("announce %d: %w", id, err)
	}
	b.log.Debug("announced", zap.Uint64("id", id), zap.Uint8("ttl", ttl))
	return nil
}

// AnnounceFragments broadcasts the record as a sequence of fragments and
// returns once the whole sequence is on air or the first fragment fails.
func (b *Broadcaster) AnnounceFragments(ctx context.Context, rec wire.Record, size int) error {
	frags, err := wire.Split(rec, size)
	if err != nil {
		return err
	}
	for i, f := range frags {
		if err := b.transmit(ctx, wire.KindFragment, wire.EncodeFragment(f), b.cfg.FragmentDwell); err != nil {
			return fmt.Errorf("fragment %d/%d of %d: %w", i+1, len(frags), rec.ID, err)
		}
	}
	b.log.Debug("fragments sent", zap.Uint64("id", rec.ID), zap.Int("count", len(frags)))
	return nil
}

// AnnounceFragmentsAsync runs AnnounceFragments in the background and calls
// done with its result.
func (b *Broadcaster) AnnounceFragmentsAsync(ctx context.Context, rec wire.Record, size int, done func(error)) {
	go func() {
		err := b.AnnounceFragments(ctx, rec, size)
		if done != nil {
			done(err)
		}
	}()
}

func (b *Broadcaster) transmit(ctx context.Context, kind wire.Kind, frame []byte, dwell time.Duration) error {
	select {
	case b.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-b.slot }()

	if err := b.radio.Broadcast(ctx, frame); err != nil {
		b.metrics.BroadcastFailures.WithLabelValues(Reason(err)).Inc()
		return err
	}
	b.metrics.Broadcasts.WithLabelValues(kind.String()).Inc()
	defer func() {
		if err := b.radio.StopBroadcast(); err != nil {
			b.log.Warn("stop broadcast failed", zap.Error(err))
		}
	}()

	select {
	case <-b.clock.After(dwell):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reason maps a radio error to a short metric label.
func Reason(err error) string {
	switch {
	case errors.Is(err, radio.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, radio.ErrPermissionDenied):
		return "permission"
	case errors.Is(err, radio.ErrUnsupported):
		return "unsupported"
	case errors.Is(err, radio.ErrTooLarge):
		return "too_large"
	case errors.Is(err, radio.ErrTooManyBroadcasters):
		return "too_many"
	default:
		return "internal"
	}
}
