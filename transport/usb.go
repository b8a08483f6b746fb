package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/gousb"
)

// DeviceID identifies a supported USB host-to-host bridge chip.
type DeviceID struct {
	Vendor  gousb.ID
	Product gousb.ID
	Name    string
}

// SupportedDevices lists the bridge chips SerialWarp links over.
var SupportedDevices = []DeviceID{
	{Vendor: 0x067B, Product: 0x27A1, Name: "Prolific PL27A1"},
	{Vendor: 0x05E3, Product: 0x0751, Name: "Genesys GL3523"},
	{Vendor: 0x2109, Product: 0x0822, Name: "VIA VL822"},
}

// IsSupported reports whether the VID:PID pair is a known bridge chip.
func IsSupported(vendor, product gousb.ID) bool {
	_, ok := FindDevice(vendor, product)
	return ok
}

// FindDevice looks up a supported bridge chip by VID:PID.
func FindDevice(vendor, product gousb.ID) (DeviceID, bool) {
	for _, d := range SupportedDevices {
		if d.Vendor == vendor && d.Product == product {
			return d, true
		}
	}
	return DeviceID{}, false
}

const (
	endpointOut = 1 // bulk OUT 0x01
	endpointIn  = 1 // bulk IN 0x81

	// transferSize is the bulk transfer buffer. A maximum FRAME packet
	// (header + frame header + 64 KiB segment + CRC) spans two
	// transfers; the packet parser's bytes-consumed contract reassembles
	// across the boundary.
	transferSize = 64 * 1024
)

// USB is the Transport realization over a bulk host-to-host cable.
type USB struct {
	log       *slog.Logger
	dev       *gousb.Device
	intf      *gousb.Interface
	intfDone  func()
	in        *gousb.InEndpoint
	out       *gousb.OutEndpoint
	connected atomic.Bool
}

// OpenUSB claims the first supported bridge device owned by the manager.
// The device manager must be initialized first.
func OpenUSB(log *slog.Logger) (*USB, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "usb-transport")

	dev, id, err := Devices.open()
	if err != nil {
		return nil, err
	}
	log.Info("bridge device opened", "name", id.Name,
		"vid", fmt.Sprintf("%04X", uint16(id.Vendor)), "pid", fmt.Sprintf("%04X", uint16(id.Product)))

	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		return nil, fmt.Errorf("transport: auto-detach: %w", err)
	}

	intf, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("transport: claim interface: %w", err)
	}

	in, err := intf.InEndpoint(endpointIn)
	if err != nil {
		done()
		dev.Close()
		return nil, fmt.Errorf("transport: IN endpoint: %w", err)
	}
	out, err := intf.OutEndpoint(endpointOut)
	if err != nil {
		done()
		dev.Close()
		return nil, fmt.Errorf("transport: OUT endpoint: %w", err)
	}

	u := &USB{
		log:      log,
		dev:      dev,
		intf:     intf,
		intfDone: done,
		in:       in,
		out:      out,
	}
	u.connected.Store(true)
	return u, nil
}

// Send writes data to the bulk OUT endpoint, looping until all bytes are
// on the wire.
func (u *USB) Send(ctx context.Context, data []byte) error {
	if !u.connected.Load() {
		return ErrDisconnected
	}
	for len(data) > 0 {
		n, err := u.out.WriteContext(ctx, data)
		if err != nil {
			u.connected.Store(false)
			return fmt.Errorf("transport: bulk write: %w", err)
		}
		data = data[n:]
	}
	return nil
}

// Recv reads one bulk transfer from the IN endpoint. The returned chunk
// may hold part of a packet or several packets.
func (u *USB) Recv(ctx context.Context) ([]byte, error) {
	if !u.connected.Load() {
		return nil, ErrDisconnected
	}
	buf := make([]byte, transferSize)
	n, err := u.in.ReadContext(ctx, buf)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		u.connected.Store(false)
		return nil, fmt.Errorf("transport: bulk read: %w", err)
	}
	return buf[:n], nil
}

// Connected reports whether the cable link is up.
func (u *USB) Connected() bool {
	return u.connected.Load()
}

// Close releases the interface and device.
func (u *USB) Close() error {
	u.connected.Store(false)
	if u.intfDone != nil {
		u.intfDone()
	}
	return u.dev.Close()
}

// Devices is the process-wide USB device manager. Init and Teardown bracket
// all USB transport use; two concurrent sessions are not supported.
var Devices deviceManager

type deviceManager struct {
	mu  sync.Mutex
	ctx *gousb.Context
}

// Init creates the underlying USB context. Calling Init twice is an error.
func (m *deviceManager) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx != nil {
		return fmt.Errorf("transport: USB device manager already initialized")
	}
	m.ctx = gousb.NewContext()
	return nil
}

// Teardown releases the USB context. Open transports must be closed first.
func (m *deviceManager) Teardown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return nil
	}
	err := m.ctx.Close()
	m.ctx = nil
	return err
}

// open finds and opens the first supported bridge device.
func (m *deviceManager) open() (*gousb.Device, DeviceID, error) {
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	if ctx == nil {
		return nil, DeviceID{}, fmt.Errorf("transport: USB device manager not initialized")
	}

	var found DeviceID
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		id, ok := FindDevice(desc.Vendor, desc.Product)
		if ok && found.Name == "" {
			found = id
			return true
		}
		return false
	})
	if err != nil {
		for _, d := range devs {
			d.Close()
		}
		return nil, DeviceID{}, fmt.Errorf("transport: enumerate: %w", err)
	}
	if len(devs) == 0 {
		return nil, DeviceID{}, ErrDeviceNotFound
	}
	for _, d := range devs[1:] {
		d.Close()
	}
	return devs[0], found, nil
}
