package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/usbipd-go/usbipd/internal/enumerator"
	"github.com/usbipd-go/usbipd/internal/registry"
	"github.com/usbipd-go/usbipd/internal/util"
)

// Bind shares a local USB device over USB/IP (§6 "bind --bus-id <B>").
type Bind struct {
	BusId       string `help:"Bus id of the device to share, e.g. 3-4" required:""`
	Description string `help:"Human-readable description stored alongside the binding"`
}

func (b *Bind) Run(logger *slog.Logger) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	defer reg.Close()

	enum := enumerator.NewGousbEnumerator()
	defer enum.Close()

	present, err := isPresent(enum, b.BusId)
	if err != nil {
		return err
	}

	result, err := reg.Bind(b.BusId, b.Description, present)
	if err != nil {
		return fmt.Errorf("bind %s: %w", b.BusId, err)
	}

	switch result {
	case registry.BindOk:
		logger.Info("device shared", "busid", b.BusId)
	case registry.BindAlreadyShared:
		logger.Info("device was already shared", "busid", b.BusId)
	case registry.BindNotPresent:
		return fmt.Errorf("bind %s: device is not present", b.BusId)
	case registry.BindAccessDenied:
		return fmt.Errorf("bind %s: access denied (run as administrator/root)", b.BusId)
	}
	return nil
}

func isPresent(enum enumerator.Enumerator, busId string) (bool, error) {
	devices, err := enum.ListConnected(context.Background(), false)
	if err != nil {
		return false, fmt.Errorf("enumerate devices: %w", err)
	}
	for _, d := range devices {
		if d.BusId == busId {
			return true, nil
		}
	}
	return false, nil
}

func openRegistry() (*registry.Registry, error) {
	path, err := registryDBPath()
	if err != nil {
		return nil, err
	}
	return registry.Open(path, util.IsElevated)
}
