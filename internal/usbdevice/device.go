// Package usbdevice wraps the USB bulk-endpoint transport used to talk to
// the motor/GPIO controllers (spec.md §4.1, §6.1): discovery by
// vendor/product ID, interface claim, and bulk in/out I/O. The device
// firmware itself is out of scope (spec.md §1) — this package only speaks
// the transport, not the ASCII line grammar (see internal/usbproto for
// that).
//
// Grounded on nasa-jpl-golaborate/usbtmc's use of gousb (context creation,
// OpenDeviceWithVIDPID, DefaultInterface, bulk endpoints), generalized from
// a single fixed device to repeated discovery of however many controllers
// are plugged in.
package usbdevice

import (
	"fmt"
	"time"

	"github.com/google/gousb"
)

// BulkTimeout is the hardware timeout on bulk transfers (spec.md §5).
const BulkTimeout = 1 * time.Second

// InEndpointAddr / OutEndpointAddr are the bulk endpoint numbers the
// controller firmware exposes.
const (
	InEndpointAddr  = 2
	OutEndpointAddr = 2
)

// Handle is one open USB controller: claimed interface plus bulk in/out
// endpoints.
type Handle struct {
	dev       *gousb.Device
	ifaceDone func()
	in        *gousb.InEndpoint
	out       *gousb.OutEndpoint
}

// Open claims the default interface of dev and sets up bulk in/out
// endpoints. The caller owns dev and must Close the returned Handle exactly
// once (which also closes dev).
func Open(dev *gousb.Device) (*Handle, error) {
	if err := dev.SetAutoDetach(true); err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("usbdevice: set auto detach: %w", err)
	}
	iface, done, err := dev.DefaultInterface()
	if err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("usbdevice: claim interface: %w", err)
	}
	in, err := iface.InEndpoint(InEndpointAddr)
	if err != nil {
		done()
		_ = dev.Close()
		return nil, fmt.Errorf("usbdevice: in endpoint: %w", err)
	}
	out, err := iface.OutEndpoint(OutEndpointAddr)
	if err != nil {
		done()
		_ = dev.Close()
		return nil, fmt.Errorf("usbdevice: out endpoint: %w", err)
	}
	return &Handle{dev: dev, ifaceDone: done, in: in, out: out}, nil
}

// Write sends one request line to the controller's bulk-out endpoint.
func (h *Handle) Write(b []byte) error {
	_, err := h.out.Write(b)
	if err != nil {
		return fmt.Errorf("usbdevice: bulk write: %w", err)
	}
	return nil
}

// Read reads one packet from the controller's bulk-in endpoint. It sets no
// timeout of its own (BulkTimeout is not applied here): it returns when a
// packet arrives or the transfer fails.
func (h *Handle) Read(buf []byte) (int, error) {
	n, err := h.in.Read(buf)
	if err != nil {
		return n, fmt.Errorf("usbdevice: bulk read: %w", err)
	}
	return n, nil
}

// Close releases the interface and closes the underlying device. Safe to
// call once; a second call is a caller error (matches the teacher's
// closer() contract in usbtmc.go).
func (h *Handle) Close() error {
	h.ifaceDone()
	return h.dev.Close()
}

// Bus identifies the physical USB position of the handle's device. The
// identity registry does not use it: detach is keyed on the *Handle itself.
func (h *Handle) Bus() (bus, addr int) {
	return h.dev.Desc.Bus, h.dev.Desc.Address
}

// Context owns the libusb context used for discovery.
type Context struct {
	ctx *gousb.Context
}

// NewContext opens a new libusb context.
func NewContext() *Context {
	return &Context{ctx: gousb.NewContext()}
}

// Close releases the libusb context.
func (c *Context) Close() error {
	return c.ctx.Close()
}

// Scan opens every currently attached device matching vid/pid and returns
// a Handle for each. Devices that fail to open or claim are skipped; the
// failures are not reported to the caller, so they are not logged.
func (c *Context) Scan(vid, pid gousb.ID) ([]*Handle, error) {
	devs, err := c.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == vid && desc.Product == pid
	})
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("usbdevice: scan: %w", err)
	}
	handles := make([]*Handle, 0, len(devs))
	for _, dev := range devs {
		h, err := Open(dev)
		if err != nil {
			// Omit the failed device from the result.
			continue
		}
		handles = append(handles, h)
	}
	return handles, nil
}
