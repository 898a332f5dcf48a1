// Package ble implements the proximity transport: peers advertise a fixed
// service UUID, scan for each other, and multiplex logical streams over one
// physical link per device using the 8-byte frame header.
//
// Hardware access goes through the Radio interface so the transport logic
// is testable without a Bluetooth stack; LoopbackRadio is the in-process
// implementation used by tests and demos.
package ble

import (
	"context"
	"errors"
	"io"
)

// ErrRadioClosed is returned by radio operations after Close
var ErrRadioClosed = errors.New("radio closed")

// Advertisement is one BLE advertising payload as seen by a scan
type Advertisement struct {
	// DeviceID is the advertiser's hardware address
	DeviceID string

	// ServiceUUID identifies the advertised service; scanners ignore
	// advertisements for foreign services
	ServiceUUID string

	// PeerID is the advertiser's peer id, carried in the service data
	PeerID string

	// RSSI is the received signal strength in dBm
	RSSI int
}

// Radio abstracts the BLE hardware stack: advertise, scan, and raw
// GATT-like links. Links returned by Dial and Accept are reliable
// byte pipes; framing on top of them is the transport's concern.
type Radio interface {
	// DeviceID returns this radio's hardware address
	DeviceID() string

	// MTU returns the usable payload size per link write
	MTU() int

	// Advertise starts (or replaces) the advertising payload. The radio
	// keeps advertising until it closes.
	Advertise(ad Advertisement) error

	// Scan delivers advertisement sightings to found until ctx ends.
	// The same device is re-delivered on every scan pass, which is what
	// keeps last-seen bookkeeping alive.
	Scan(ctx context.Context, found func(Advertisement)) error

	// Dial opens a link to a device by hardware address
	Dial(ctx context.Context, deviceID string) (io.ReadWriteCloser, error)

	// Accept blocks until the next inbound link arrives
	Accept() (link io.ReadWriteCloser, remoteDevice string, err error)

	Close() error
}
