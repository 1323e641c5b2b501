package cmd

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/usbipd-go/usbipd/internal/registry"
)

// Unbind stops sharing a device (§6 "unbind {--all | --bus-id <B> | --guid <G>}").
type Unbind struct {
	All   bool   `help:"Unbind every shared device" xor:"target"`
	BusId string `help:"Bus id of the device to unbind" xor:"target"`
	Guid  string `help:"Persistent GUID of the device to unbind" xor:"target"`
}

func (u *Unbind) Run(logger *slog.Logger) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	defer reg.Close()

	switch {
	case u.All:
		if err := reg.UnbindAll(); err != nil {
			return fmt.Errorf("unbind --all: %w", err)
		}
		logger.Info("unshared all devices")
		return nil
	case u.Guid != "":
		id, err := uuid.Parse(u.Guid)
		if err != nil {
			return fmt.Errorf("invalid guid %q: %w", u.Guid, err)
		}
		result, err := reg.UnbindByGuid(id)
		if err != nil {
			return fmt.Errorf("unbind --guid %s: %w", u.Guid, err)
		}
		return reportUnbind(logger, u.Guid, result)
	case u.BusId != "":
		result, err := reg.Unbind(u.BusId)
		if err != nil {
			return fmt.Errorf("unbind --bus-id %s: %w", u.BusId, err)
		}
		return reportUnbind(logger, u.BusId, result)
	default:
		return fmt.Errorf("unbind requires --all, --bus-id, or --guid")
	}
}

func reportUnbind(logger *slog.Logger, target string, result registry.UnbindResult) error {
	switch result {
	case registry.UnbindOk:
		logger.Info("device unshared", "target", target)
		return nil
	case registry.UnbindNotShared, registry.UnbindNotFound:
		logger.Info("device was not shared", "target", target)
		return nil
	case registry.UnbindAccessDenied:
		return fmt.Errorf("unbind %s: access denied (run as administrator/root)", target)
	default:
		return nil
	}
}
