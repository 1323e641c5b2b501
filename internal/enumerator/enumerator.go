// Package enumerator discovers the physical USB devices currently attached
// to the host (§4.C) and renders them as usbip.ExportedDevice records for
// OP_REP_DEVLIST / OP_REP_IMPORT. The real backing is gousb; a mock is
// provided for tests that must run without a USB bus.
package enumerator

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/gousb"

	"github.com/usbipd-go/usbipd/usbip"
)

// Enumerator lists the USB devices currently visible on the host.
type Enumerator interface {
	// ListConnected returns every attached device, sorted by BusId. When
	// withDescriptions is true the interface descriptor tuples are
	// populated (needed for OP_REP_DEVLIST); OP_REP_IMPORT never needs
	// them, since the wire format omits them there anyway.
	ListConnected(ctx context.Context, withDescriptions bool) ([]usbip.ExportedDevice, error)

	// Close releases the enumerator's handle on the host USB stack.
	Close() error
}

// GousbEnumerator backs Enumerator with github.com/google/gousb.
type GousbEnumerator struct {
	ctx *gousb.Context
}

// NewGousbEnumerator opens a gousb context for enumeration.
func NewGousbEnumerator() *GousbEnumerator {
	return &GousbEnumerator{ctx: gousb.NewContext()}
}

func (e *GousbEnumerator) Close() error {
	return e.ctx.Close()
}

// ListConnected opens every device visible to libusb just long enough to
// read its descriptors, then closes it again; the capture driver reopens
// devices it actually attaches.
func (e *GousbEnumerator) ListConnected(ctx context.Context, withDescriptions bool) ([]usbip.ExportedDevice, error) {
	var out []usbip.ExportedDevice
	devs, err := e.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		// Accept every device; the predicate only decides whether gousb
		// hands back an opened *gousb.Device for it.
		return true
	})
	// gousb may return a partial list alongside an error when some
	// devices could not be opened (permissions, hot-unplug race); the
	// devices it could open are still valid, so only surface err when
	// nothing came back at all.
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("enumerator: open devices: %w", err)
	}
	for _, d := range devs {
		exported, exportErr := describeDevice(d, withDescriptions)
		d.Close()
		if exportErr != nil {
			// A device that vanished mid-enumeration, or whose
			// descriptors can't be read, is silently dropped rather
			// than failing the whole listing.
			continue
		}
		out = append(out, exported)
	}
	sort.Slice(out, func(i, j int) bool {
		bi, _ := usbip.ParseBusId(out[i].BusId)
		bj, _ := usbip.ParseBusId(out[j].BusId)
		return bi.Less(bj)
	})
	return out, nil
}

func describeDevice(d *gousb.Device, withDescriptions bool) (usbip.ExportedDevice, error) {
	desc := d.Desc
	busId := usbip.BusId{Bus: uint16(desc.Bus), Port: uint16(desc.Address)}

	exported := usbip.ExportedDevice{
		Path:                fmt.Sprintf("/sys/bus/usb/devices/%s", busId.String()),
		BusId:               busId.String(),
		BusNum:              uint32(desc.Bus),
		DevNum:              uint32(desc.Address),
		Speed:               speedToUsbip(desc.Speed),
		IDVendor:            uint16(desc.Vendor),
		IDProduct:           uint16(desc.Product),
		BcdDevice:           bcdDevice(desc),
		BDeviceClass:        uint8(desc.Class),
		BDeviceSubClass:     uint8(desc.SubClass),
		BDeviceProtocol:     uint8(desc.Protocol),
		BConfigurationValue: uint8(activeConfig(desc)),
		BNumConfigurations:  uint8(len(desc.Configs)),
		BNumInterfaces:      uint8(countInterfaces(desc)),
	}

	if withDescriptions {
		exported.Interfaces = interfaceDescs(desc)
	}
	return exported, nil
}

func activeConfig(desc *gousb.DeviceDesc) int {
	for n := range desc.Configs {
		return n
	}
	return 0
}

func countInterfaces(desc *gousb.DeviceDesc) int {
	for _, cfg := range desc.Configs {
		return len(cfg.Interfaces)
	}
	return 0
}

func interfaceDescs(desc *gousb.DeviceDesc) []usbip.InterfaceDesc {
	var out []usbip.InterfaceDesc
	for _, cfg := range desc.Configs {
		for _, intf := range cfg.Interfaces {
			if len(intf.AltSettings) == 0 {
				continue
			}
			alt := intf.AltSettings[0]
			out = append(out, usbip.InterfaceDesc{
				Class:    uint8(alt.Class),
				SubClass: uint8(alt.SubClass),
				Protocol: uint8(alt.Protocol),
			})
		}
		break
	}
	return out
}

func bcdDevice(desc *gousb.DeviceDesc) uint16 {
	// gousb.Version already stores the raw BCD-coded device release number.
	return uint16(desc.Device)
}

// speedToUsbip maps gousb's enumerated speed to the numeric encoding used
// by the USB/IP wire protocol (USB_SPEED_{UNKNOWN,LOW,FULL,HIGH,WIRELESS,SUPER}).
func speedToUsbip(s gousb.Speed) uint32 {
	switch s {
	case gousb.SpeedLow:
		return 1
	case gousb.SpeedFull:
		return 2
	case gousb.SpeedHigh:
		return 3
	case gousb.SpeedSuper:
		return 5
	default:
		return 0
	}
}

// MockEnumerator is a static, injectable Enumerator for tests.
type MockEnumerator struct {
	Devices []usbip.ExportedDevice
}

func (m *MockEnumerator) ListConnected(ctx context.Context, withDescriptions bool) ([]usbip.ExportedDevice, error) {
	out := make([]usbip.ExportedDevice, len(m.Devices))
	copy(out, m.Devices)
	if !withDescriptions {
		for i := range out {
			out[i].Interfaces = nil
		}
	}
	sort.Slice(out, func(i, j int) bool {
		bi, _ := usbip.ParseBusId(out[i].BusId)
		bj, _ := usbip.ParseBusId(out[j].BusId)
		return bi.Less(bj)
	})
	return out, nil
}

func (m *MockEnumerator) Close() error { return nil }
