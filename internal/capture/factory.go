package capture

import (
	"context"
	"fmt"

	"github.com/google/gousb"

	"github.com/usbipd-go/usbipd/usbip"
)

// NewGousbDriverFactory returns a factory that resolves a bus id to the
// matching physical device and wraps it in a GousbDriver, for wiring into
// the server's DriverFactory hook (called once OP_REQ_IMPORT succeeds).
// gctx is owned by the caller; it is never closed here.
func NewGousbDriverFactory(gctx *gousb.Context) func(ctx context.Context, busId string) (Driver, error) {
	return func(ctx context.Context, busId string) (Driver, error) {
		target, err := usbip.ParseBusId(busId)
		if err != nil {
			return nil, fmt.Errorf("capture: parse busid %s: %w", busId, err)
		}

		var found *gousb.Device
		devs, openErr := gctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
			return uint16(desc.Bus) == target.Bus && uint16(desc.Address) == target.Port
		})
		for _, d := range devs {
			if found == nil {
				found = d
			} else {
				d.Close()
			}
		}
		if found == nil {
			if openErr != nil {
				return nil, fmt.Errorf("capture: open device %s: %w", busId, openErr)
			}
			return nil, fmt.Errorf("capture: device %s not present", busId)
		}
		return NewGousbDriver(found), nil
	}
}
