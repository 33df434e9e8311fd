package scanner

import (
	"bytes"
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/baderanaas/hushmesh/pkg/metrics"
	"github.com/baderanaas/hushmesh/pkg/radio"
	"github.com/baderanaas/hushmesh/pkg/radio/memradio"
	"github.com/baderanaas/hushmesh/pkg/wire"
)

type collector struct {
	mu            sync.Mutex
	announcements []wire.Announcement
	records       []wire.Record
}

func (c *collector) OnAnnouncement(a wire.Announcement, _ radio.PeerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.announcements = append(c.announcements, a)
}

func (c *collector) OnRecord(r wire.Record, _ radio.PeerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r)
}

func (c *collector) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.announcements), len(c.records)
}

func newTestScanner(t *testing.T) (*Scanner, *collector, *clock.Mock, *metrics.Metrics) {
	t.Helper()
	h := &collector{}
	mock := clock.NewMock()
	met := metrics.NewNop()
	m := memradio.NewMedium()
	s := New(m.Join("me"), h, DefaultConfig(), WithClock(mock), WithMetrics(met))
	return s, h, mock, met
}

func fragmentFrames(t *testing.T, rec wire.Record, size int) [][]byte {
	t.Helper()
	frags, err := wire.Split(rec, size)
	require.NoError(t, err)
	out := make([][]byte, len(frags))
	for i, f := range frags {
		out[i] = wire.EncodeFragment(f)
	}
	return out
}

func TestAnnouncementForwarded(t *testing.T) {
	s, h, _, _ := newTestScanner(t)
	s.HandleFrame(radio.Frame{Data: wire.EncodeAnnouncement(42, 3), Peer: "a"})

	require.Equal(t, []wire.Announcement{{Version: wire.Version, ID: 42, TTL: 3}}, h.announcements)
}

func TestAnnouncementThrottle(t *testing.T) {
	s, h, mock, _ := newTestScanner(t)
	frame := wire.EncodeAnnouncement(42, 3)

	s.HandleFrame(radio.Frame{Data: frame, Peer: "a"})
	s.HandleFrame(radio.Frame{Data: frame, Peer: "a"})
	require.Len(t, h.announcements, 1, "repeat from the same peer is throttled")

	s.HandleFrame(radio.Frame{Data: frame, Peer: "b"})
	require.Len(t, h.announcements, 2, "another peer is not throttled")

	mock.Add(3 * time.Second)
	s.HandleFrame(radio.Frame{Data: frame, Peer: "a"})
	require.Len(t, h.announcements, 3, "window elapsed")
}

func TestInvalidFramesIgnored(t *testing.T) {
	s, h, _, met := newTestScanner(t)
	s.HandleFrame(radio.Frame{Data: []byte{1, 2, 3}, Peer: "a"})
	s.HandleFrame(radio.Frame{Data: make([]byte, wire.FragmentHeaderSize), Peer: "a"})

	// index beyond total
	bad := wire.EncodeFragment(wire.Fragment{Index: 3, Total: 2, Data: []byte("x")})
	s.HandleFrame(radio.Frame{Data: bad, Peer: "a"})

	a, r := h.counts()
	require.Zero(t, a)
	require.Zero(t, r)
	require.Zero(t, s.Pending())
	require.Equal(t, 2.0, testutil.ToFloat64(met.FramesReceived.WithLabelValues("invalid")))
}

func TestReassemblyAnyOrder(t *testing.T) {
	s, h, _, met := newTestScanner(t)
	rec := wire.Record{ID: 42, TTL: 2, Ciphertext: bytes.Repeat([]byte{9}, 80)}
	frames := fragmentFrames(t, rec, 15)
	require.Greater(t, len(frames), 3)

	rand.New(rand.NewSource(1)).Shuffle(len(frames), func(i, j int) { frames[i], frames[j] = frames[j], frames[i] })
	for i, f := range frames {
		s.HandleFrame(radio.Frame{Data: f, Peer: "a"})
		if i < len(frames)-1 {
			require.Empty(t, h.records)
		}
	}

	require.Equal(t, []wire.Record{rec}, h.records)
	require.Zero(t, s.Pending())
	require.Equal(t, 1.0, testutil.ToFloat64(met.Reassembled))
}

func TestDuplicateFragmentsCountOnce(t *testing.T) {
	s, h, _, _ := newTestScanner(t)
	rec := wire.Record{ID: 7, TTL: 1, Ciphertext: bytes.Repeat([]byte{1}, 40)}
	frames := fragmentFrames(t, rec, 20)

	for _, f := range frames[:len(frames)-1] {
		s.HandleFrame(radio.Frame{Data: f, Peer: "a"})
		s.HandleFrame(radio.Frame{Data: f, Peer: "a"})
	}
	require.Empty(t, h.records)

	s.HandleFrame(radio.Frame{Data: frames[len(frames)-1], Peer: "a"})
	require.Len(t, h.records, 1)
}

func TestIncompleteReassemblyExpires(t *testing.T) {
	s, h, mock, met := newTestScanner(t)
	rec := wire.Record{ID: 42, TTL: 2, Ciphertext: bytes.Repeat([]byte{9}, 80)}
	frames := fragmentFrames(t, rec, 15)

	s.HandleFrame(radio.Frame{Data: frames[0], Peer: "a"})
	mock.Add(5 * time.Second)
	s.HandleFrame(radio.Frame{Data: frames[1], Peer: "a"})
	mock.Add(5 * time.Second)
	require.Equal(t, 1, s.Pending(), "each fragment resets the idle timer")

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, time.Millisecond)
	require.Equal(t, 1.0, testutil.ToFloat64(met.ReassemblyExpired))

	// late fragments start a fresh buffer that can never complete alone
	for _, f := range frames[2:] {
		s.HandleFrame(radio.Frame{Data: f, Peer: "a"})
	}
	require.Empty(t, h.records)
}

func TestTotalMismatchRestartsBuffer(t *testing.T) {
	s, h, _, _ := newTestScanner(t)
	rec := wire.Record{ID: 5, TTL: 1, Ciphertext: bytes.Repeat([]byte{3}, 60)}
	stale := fragmentFrames(t, rec, 10)
	fresh := fragmentFrames(t, rec, 30)
	require.NotEqual(t, len(stale), len(fresh))

	s.HandleFrame(radio.Frame{Data: stale[0], Peer: "a"})
	for _, f := range fresh {
		s.HandleFrame(radio.Frame{Data: f, Peer: "a"})
	}
	require.Equal(t, []wire.Record{rec}, h.records)
}

func TestStartStopOverMedium(t *testing.T) {
	m := memradio.NewMedium(memradio.FullMesh())
	tx := m.Join("tx")
	rx := m.Join("rx")
	h := &collector{}
	s := New(rx, h, DefaultConfig())

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	require.ErrorIs(t, s.Start(ctx), ErrAlreadyStarted)

	require.NoError(t, tx.Broadcast(ctx, wire.EncodeAnnouncement(1, 1)))
	require.NoError(t, tx.StopBroadcast())
	require.Eventually(t, func() bool {
		a, _ := h.counts()
		return a == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}
