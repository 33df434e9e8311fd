package memradio

import (
	"context"
	"fmt"
	"sync"

	"github.com/baderanaas/hushmesh/pkg/radio"
)

const (
	scanBuffer   = 256
	notifyBuffer = 64
	defaultMTU   = 517
)

var _ radio.Radio = (*Device)(nil)

// Device is one simulated radio. It implements radio.Radio.
type Device struct {
	id     radio.PeerID
	medium *Medium

	mu              sync.Mutex
	available       bool
	permitted       bool
	maxBroadcasters int
	active          int
	sent            [][]byte
	scan            chan radio.Frame
	handler         radio.ServerHandler
	endpoints       []radio.Endpoint
	maxMTU          int
	mtus            map[radio.PeerID]int
	inbound         map[radio.PeerID]*conn
	connectFaults   []error
	connectAttempts int
}

func newDevice(id radio.PeerID, m *Medium) *Device {
	return &Device{
		id:              id,
		medium:          m,
		available:       true,
		permitted:       true,
		maxBroadcasters: 1,
		endpoints:       []radio.Endpoint{radio.EndpointRequest, radio.EndpointResponse},
		maxMTU:          defaultMTU,
		mtus:            make(map[radio.PeerID]int),
		inbound:         make(map[radio.PeerID]*conn),
	}
}

func (d *Device) ID() radio.PeerID { return d.id }

func (d *Device) SetAvailable(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.available = on
}

func (d *Device) SetPermitted(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.permitted = on
}

func (d *Device) SetMaxBroadcasters(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maxBroadcasters = n
}

func (d *Device) SetMaxMTU(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maxMTU = n
}

// SetEndpoints changes the endpoints advertised by the payload service.
func (d *Device) SetEndpoints(eps ...radio.Endpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endpoints = eps
}

// FailConnects makes the next n outgoing Connect calls fail with err.
func (d *Device) FailConnects(n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < n; i++ {
		d.connectFaults = append(d.connectFaults, err)
	}
}

func (d *Device) ConnectAttempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connectAttempts
}

// Sent returns every frame this device has broadcast.
func (d *Device) Sent() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.sent))
	copy(out, d.sent)
	return out
}

func (d *Device) Available() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.available
}

func (d *Device) checkLocked() error {
	if !d.available {
		return radio.ErrUnavailable
	}
	if !d.permitted {
		return radio.ErrPermissionDenied
	}
	return nil
}

func (d *Device) Broadcast(_ context.Context, frame []byte) error {
	d.mu.Lock()
	if err := d.checkLocked(); err != nil {
		d.mu.Unlock()
		return err
	}
	if len(frame) > d.medium.maxFrame {
		d.mu.Unlock()
		return fmt.Errorf("%w: %d > %d bytes", radio.ErrTooLarge, len(frame), d.medium.maxFrame)
	}
	if d.active >= d.maxBroadcasters {
		d.mu.Unlock()
		return radio.ErrTooManyBroadcasters
	}
	d.active++
	d.sent = append(d.sent, append([]byte(nil), frame...))
	d.mu.Unlock()

	d.medium.deliver(d.id, frame)
	return nil
}

func (d *Device) StopBroadcast() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active > 0 {
		d.active--
	}
	return nil
}

func (d *Device) Scan(_ context.Context) (<-chan radio.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkLocked(); err != nil {
		return nil, err
	}
	if d.scan == nil {
		d.scan = make(chan radio.Frame, scanBuffer)
	}
	return d.scan, nil
}

func (d *Device) StopScan() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scan != nil {
		close(d.scan)
		d.scan = nil
	}
	return nil
}

// hear queues a frame for the scanner. The medium is lossy: a full scan
// buffer drops the frame.
func (d *Device) hear(f radio.Frame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scan == nil || !d.available {
		return
	}
	select {
	case d.scan <- f:
	default:
	}
}

func (d *Device) Connect(_ context.Context, peer radio.PeerID) (radio.Conn, error) {
	d.mu.Lock()
	d.connectAttempts++
	if err := d.checkLocked(); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	if len(d.connectFaults) > 0 {
		err := d.connectFaults[0]
		d.connectFaults = d.connectFaults[1:]
		d.mu.Unlock()
		return nil, err
	}
	d.mu.Unlock()

	server := d.medium.device(peer)
	if server == nil || !d.medium.linked(d.id, peer) {
		return nil, fmt.Errorf("%w: %s", radio.ErrUnknownPeer, peer)
	}
	return newConn(d, server), nil
}

func (d *Device) Serve(_ context.Context, h radio.ServerHandler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h != nil {
		if err := d.checkLocked(); err != nil {
			return err
		}
	}
	d.handler = h
	return nil
}

func (d *Device) serverHandler() radio.ServerHandler {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handler
}

func (d *Device) Notify(ctx context.Context, peer radio.PeerID, ep radio.Endpoint, data []byte) error {
	if ep != radio.EndpointResponse {
		return radio.ErrUnsupported
	}
	d.mu.Lock()
	c := d.inbound[peer]
	d.mu.Unlock()
	if c == nil {
		return radio.ErrNotConnected
	}
	return c.deliver(ctx, append([]byte(nil), data...))
}

func (d *Device) MTU(peer radio.PeerID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if mtu, ok := d.mtus[peer]; ok {
		return mtu
	}
	return radio.DefaultMTU
}
