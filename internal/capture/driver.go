// Package capture is the attached-device I/O engine's adapter to the local
// USB stack (§4.F, §4.G): it turns CMD_SUBMIT/CMD_UNLINK into real transfers
// against a physical device and turns their completions back into
// RET_SUBMIT/RET_UNLINK fields. GousbDriver is the production backing via
// github.com/google/gousb; MockDriver stands in for tests that must run
// without a USB bus attached.
package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/gousb"

	"github.com/usbipd-go/usbipd/usbip"
)

// Completion is the outcome of one submitted URB.
type Completion struct {
	Status       usbip.TransferStatus
	ActualLength uint32
	Data         []byte // IN transfers only
}

// Driver is the capture-driver adapter: it owns one opened physical device
// for the lifetime of an attached session.
type Driver interface {
	// Open claims the device's default configuration and every interface
	// needed to exercise the endpoints addressed by later Submit calls.
	Open(ctx context.Context) error

	// ReadDeviceDescriptor returns the raw 18-byte USB device descriptor,
	// used to answer GET_DESCRIPTOR(DEVICE) control requests.
	ReadDeviceDescriptor(ctx context.Context) ([]byte, error)

	// Submit issues one URB against endpoint ep (0 for the control
	// endpoint) in direction dir (usbip.DirIn/usbip.DirOut), blocking
	// until it completes or ctx is cancelled. setup is the 8-byte setup
	// packet for control transfers and is ignored otherwise. out carries
	// the OUT payload, if any.
	Submit(ctx context.Context, ep uint32, dir uint32, setup [8]byte, out []byte, transferLen uint32) (Completion, error)

	// Reset issues a USB port/device reset.
	Reset(ctx context.Context) error

	// Release tears down claimed interfaces and closes the device handle.
	// It does not affect the underlying libusb context, which is owned
	// by whoever created the device.
	Release() error
}

// GousbDriver backs Driver with a claimed *gousb.Device.
type GousbDriver struct {
	dev *gousb.Device

	mu      sync.Mutex
	cfg     *gousb.Config
	intfs   map[uint8]*gousb.Interface
	inEps   map[uint8]*gousb.InEndpoint
	outEps  map[uint8]*gousb.OutEndpoint
	rawDesc []byte
}

// NewGousbDriver wraps an already-opened device, as handed back by the
// enumerator's lookup of a specific bus id.
func NewGousbDriver(dev *gousb.Device) *GousbDriver {
	return &GousbDriver{
		dev:    dev,
		intfs:  make(map[uint8]*gousb.Interface),
		inEps:  make(map[uint8]*gousb.InEndpoint),
		outEps: make(map[uint8]*gousb.OutEndpoint),
	}
}

func (d *GousbDriver) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dev.SetAutoDetach(true)

	cfgNum := 1
	for n := range d.dev.Desc.Configs {
		cfgNum = n
		break
	}
	cfg, err := d.dev.Config(cfgNum)
	if err != nil {
		return fmt.Errorf("capture: set config %d: %w", cfgNum, err)
	}
	d.cfg = cfg

	for _, ifaceDesc := range d.cfg.Desc.Interfaces {
		intf, err := d.cfg.Interface(ifaceDesc.Number, 0)
		if err != nil {
			return fmt.Errorf("capture: claim interface %d: %w", ifaceDesc.Number, err)
		}
		d.intfs[uint8(ifaceDesc.Number)] = intf
		for epNum, epDesc := range intf.Setting.Endpoints {
			addr := uint8(epNum)
			if epDesc.Direction == gousb.EndpointDirectionIn {
				if ep, err := intf.InEndpoint(epNum.Number()); err == nil {
					d.inEps[addr] = ep
				}
			} else {
				if ep, err := intf.OutEndpoint(epNum.Number()); err == nil {
					d.outEps[addr] = ep
				}
			}
		}
	}
	return nil
}

func (d *GousbDriver) ReadDeviceDescriptor(ctx context.Context) ([]byte, error) {
	desc := d.dev.Desc
	b := make([]byte, 18)
	b[0] = 18
	b[1] = 0x01 // DEVICE
	b[2], b[3] = byte(uint16(0x0200)), byte(uint16(0x0200)>>8)
	b[4] = uint8(desc.Class)
	b[5] = uint8(desc.SubClass)
	b[6] = uint8(desc.Protocol)
	b[7] = uint8(desc.MaxControlPacketSize)
	b[8], b[9] = byte(uint16(desc.Vendor)), byte(uint16(desc.Vendor)>>8)
	b[10], b[11] = byte(uint16(desc.Product)), byte(uint16(desc.Product)>>8)
	b[12], b[13] = byte(uint16(desc.Device)), byte(uint16(desc.Device)>>8)
	b[14], b[15], b[16] = 0, 0, 0 // string indices: not resolved here
	b[17] = uint8(len(desc.Configs))
	return b, nil
}

func (d *GousbDriver) Submit(ctx context.Context, ep uint32, dir uint32, setup [8]byte, out []byte, transferLen uint32) (Completion, error) {
	if ep == 0 {
		return d.submitControl(ctx, setup, out, transferLen)
	}

	d.mu.Lock()
	var inEP *gousb.InEndpoint
	var outEP *gousb.OutEndpoint
	if dir == usbip.DirIn {
		inEP = d.inEps[uint8(ep)|0x80]
	} else {
		outEP = d.outEps[uint8(ep)]
	}
	d.mu.Unlock()

	switch {
	case dir == usbip.DirIn && inEP != nil:
		buf := make([]byte, transferLen)
		n, err := inEP.ReadContext(ctx, buf)
		return completionFromTransfer(buf[:n], uint32(n), err)
	case dir == usbip.DirOut && outEP != nil:
		n, err := outEP.WriteContext(ctx, out)
		return completionFromTransfer(nil, uint32(n), err)
	default:
		return Completion{Status: usbip.StatusNAK}, fmt.Errorf("capture: no endpoint %#x dir %d claimed", ep, dir)
	}
}

func (d *GousbDriver) submitControl(ctx context.Context, setup [8]byte, out []byte, transferLen uint32) (Completion, error) {
	bmRequestType := setup[0]
	bRequest := setup[1]
	wValue := uint16(setup[2]) | uint16(setup[3])<<8
	wIndex := uint16(setup[4]) | uint16(setup[5])<<8

	if bmRequestType&0x80 != 0 {
		buf := make([]byte, transferLen)
		n, err := d.dev.Control(bmRequestType, bRequest, wValue, wIndex, buf)
		return completionFromTransfer(buf[:n], uint32(n), err)
	}
	n, err := d.dev.Control(bmRequestType, bRequest, wValue, wIndex, out)
	return completionFromTransfer(nil, uint32(n), err)
}

func completionFromTransfer(data []byte, n uint32, err error) (Completion, error) {
	if err == nil {
		return Completion{Status: usbip.StatusOK, ActualLength: n, Data: data}, nil
	}
	return Completion{Status: classifyError(err), ActualLength: n, Data: data}, err
}

// classifyError maps a gousb/libusb transfer error to a TransferStatus.
// gousb surfaces most USB-layer failures as opaque errors; without richer
// typed errors from the library we fall back to NAK, which the wire layer
// renders as -EPROTO, the same value used for unrecognized statuses.
func classifyError(err error) usbip.TransferStatus {
	if err == context.Canceled || err == context.DeadlineExceeded {
		return usbip.StatusDeviceNotResponding
	}
	return usbip.StatusNAK
}

func (d *GousbDriver) Reset(ctx context.Context) error {
	return d.dev.Reset()
}

func (d *GousbDriver) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, intf := range d.intfs {
		intf.Close()
	}
	d.intfs = make(map[uint8]*gousb.Interface)
	d.inEps = make(map[uint8]*gousb.InEndpoint)
	d.outEps = make(map[uint8]*gousb.OutEndpoint)
	if d.cfg != nil {
		err := d.cfg.Close()
		d.cfg = nil
		if err != nil {
			return err
		}
	}
	return d.dev.Close()
}
