package ble

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/peerwave/peerwave-node/pkg/protocol"
)

// LoopbackHub is an in-process BLE medium. Radios created from the same
// hub see each other's advertisements and dial each other over in-memory
// pipes, so the whole transport stack runs without hardware.
type LoopbackHub struct {
	scanInterval time.Duration

	mu     sync.Mutex
	radios map[string]*LoopbackRadio
}

// NewLoopbackHub creates an empty hub. Scans poll every interval; zero
// picks a default suitable for tests.
func NewLoopbackHub(scanInterval time.Duration) *LoopbackHub {
	if scanInterval <= 0 {
		scanInterval = 20 * time.Millisecond
	}

	return &LoopbackHub{
		scanInterval: scanInterval,
		radios:       make(map[string]*LoopbackRadio),
	}
}

// NewRadio registers a radio on the hub. mtu <= 0 picks the BLE default.
func (h *LoopbackHub) NewRadio(deviceID string, mtu int) *LoopbackRadio {
	if mtu <= 0 {
		mtu = protocol.BLEDefaultMTU
	}

	r := &LoopbackRadio{
		hub:      h,
		deviceID: deviceID,
		mtu:      mtu,
		acceptCh: make(chan loopbackLink, 4),
		closed:   make(chan struct{}),
	}

	h.mu.Lock()
	h.radios[deviceID] = r
	h.mu.Unlock()

	return r
}

func (h *LoopbackHub) lookup(deviceID string) *LoopbackRadio {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.radios[deviceID]
}

func (h *LoopbackHub) remove(deviceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.radios, deviceID)
}

func (h *LoopbackHub) advertisements(except string) []Advertisement {
	h.mu.Lock()
	defer h.mu.Unlock()

	var ads []Advertisement
	for id, r := range h.radios {
		if id == except {
			continue
		}
		if ad := r.currentAd(); ad != nil {
			ads = append(ads, *ad)
		}
	}
	return ads
}

type loopbackLink struct {
	link   net.Conn
	remote string
}

// LoopbackRadio is the in-memory Radio implementation
type LoopbackRadio struct {
	hub      *LoopbackHub
	deviceID string
	mtu      int

	mu sync.Mutex
	ad *Advertisement

	acceptCh  chan loopbackLink
	closed    chan struct{}
	closeOnce sync.Once
}

// DeviceID returns the radio's address on the hub
func (r *LoopbackRadio) DeviceID() string { return r.deviceID }

// MTU returns the configured link MTU
func (r *LoopbackRadio) MTU() int { return r.mtu }

// Advertise stores the payload; scanning radios pick it up on their next
// pass
func (r *LoopbackRadio) Advertise(ad Advertisement) error {
	select {
	case <-r.closed:
		return ErrRadioClosed
	default:
	}

	ad.DeviceID = r.deviceID

	r.mu.Lock()
	r.ad = &ad
	r.mu.Unlock()

	return nil
}

func (r *LoopbackRadio) currentAd() *Advertisement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ad
}

// Scan polls the hub for other radios' advertisements until ctx ends
func (r *LoopbackRadio) Scan(ctx context.Context, found func(Advertisement)) error {
	ticker := time.NewTicker(r.hub.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.closed:
			return nil
		case <-ticker.C:
			for _, ad := range r.hub.advertisements(r.deviceID) {
				ad.RSSI = -40
				found(ad)
			}
		}
	}
}

// Dial opens a pipe to another radio on the hub
func (r *LoopbackRadio) Dial(ctx context.Context, deviceID string) (io.ReadWriteCloser, error) {
	target := r.hub.lookup(deviceID)
	if target == nil {
		return nil, fmt.Errorf("device %s not in range", deviceID)
	}

	local, remote := net.Pipe()

	select {
	case target.acceptCh <- loopbackLink{link: remote, remote: r.deviceID}:
		return local, nil
	case <-target.closed:
		local.Close()
		return nil, fmt.Errorf("device %s not accepting", deviceID)
	case <-r.closed:
		local.Close()
		return nil, ErrRadioClosed
	case <-ctx.Done():
		local.Close()
		return nil, ctx.Err()
	}
}

// Accept blocks for the next inbound pipe
func (r *LoopbackRadio) Accept() (io.ReadWriteCloser, string, error) {
	select {
	case l := <-r.acceptCh:
		return l.link, l.remote, nil
	case <-r.closed:
		return nil, "", ErrRadioClosed
	}
}

// Close unregisters the radio; pending and future accepts fail
func (r *LoopbackRadio) Close() error {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.hub.remove(r.deviceID)
	})
	return nil
}
