//go:build !linux

package cmd

import (
	"fmt"
	"log/slog"
)

func install(logger *slog.Logger) error {
	return fmt.Errorf("service installation is only wired for systemd (Linux); run usbipd directly or use your platform's service manager")
}

func uninstall(logger *slog.Logger) error {
	return fmt.Errorf("service installation is only wired for systemd (Linux)")
}
