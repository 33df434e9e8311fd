// Package memradio simulates a shared broadcast medium and the payload
// service in process. Devices only hear each other when linked, which lets
// tests build arbitrary relay topologies.
package memradio

import (
	"sync"

	"github.com/baderanaas/hushmesh/pkg/radio"
)

// DefaultMaxFrame mirrors the service-data budget of a legacy advertisement.
const DefaultMaxFrame = 27

type Option func(*Medium)

// WithMaxFrameSize sets the largest frame Broadcast accepts.
func WithMaxFrameSize(n int) Option {
	return func(m *Medium) { m.maxFrame = n }
}

// FullMesh links every device with every other device.
func FullMesh() Option {
	return func(m *Medium) { m.fullMesh = true }
}

type Medium struct {
	mu       sync.RWMutex
	devices  map[radio.PeerID]*Device
	links    map[radio.PeerID]map[radio.PeerID]bool
	fullMesh bool
	maxFrame int
}

func NewMedium(opts ...Option) *Medium {
	m := &Medium{
		devices:  make(map[radio.PeerID]*Device),
		links:    make(map[radio.PeerID]map[radio.PeerID]bool),
		maxFrame: DefaultMaxFrame,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Join attaches a new device to the medium.
func (m *Medium) Join(id radio.PeerID) *Device {
	d := newDevice(id, m)
	m.mu.Lock()
	m.devices[id] = d
	m.mu.Unlock()
	return d
}

// Link makes a and b hear each other.
func (m *Medium) Link(a, b radio.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLink(a, b, true)
	m.setLink(b, a, true)
}

func (m *Medium) Unlink(a, b radio.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLink(a, b, false)
	m.setLink(b, a, false)
}

func (m *Medium) setLink(from, to radio.PeerID, on bool) {
	if m.links[from] == nil {
		m.links[from] = make(map[radio.PeerID]bool)
	}
	m.links[from][to] = on
}

func (m *Medium) linked(a, b radio.PeerID) bool {
	if a == b {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fullMesh || m.links[a][b]
}

func (m *Medium) device(id radio.PeerID) *Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.devices[id]
}

// Neighbours lists the devices id can hear.
func (m *Medium) Neighbours(id radio.PeerID) []radio.PeerID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []radio.PeerID
	for other := range m.devices {
		if other != id && (m.fullMesh || m.links[id][other]) {
			out = append(out, other)
		}
	}
	return out
}

func (m *Medium) deliver(from radio.PeerID, frame []byte) {
	for _, to := range m.Neighbours(from) {
		if d := m.device(to); d != nil {
			d.hear(radio.Frame{Data: append([]byte(nil), frame...), Peer: from})
		}
	}
}
