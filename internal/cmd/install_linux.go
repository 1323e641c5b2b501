//go:build linux

package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/usbipd-go/usbipd/internal/configpaths"
)

const (
	serviceName = "usbipd.service"
	servicePath = "/etc/systemd/system/usbipd.service"
)

func install(logger *slog.Logger) error {
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}

	// internal/configpaths.DefaultConfigDir falls back to $HOME/$XDG_CONFIG_HOME,
	// neither of which systemd populates for a system-scope unit (no login
	// session means no HOME). Pin the config path the unit will use instead
	// of letting that resolution run cold under systemd.
	configPath, err := configpaths.DefaultNamedConfigPath("server", "json")
	if err != nil {
		return fmt.Errorf("resolve usbipd server config path: %w", err)
	}

	unit := systemdUnitContent(exePath, configPath)
	if err := os.WriteFile(servicePath, []byte(unit), 0o644); err != nil {
		return err
	}

	steps := [][]string{
		{"daemon-reload"},
		{"enable", serviceName},
		{"restart", serviceName},
	}

	for _, args := range steps {
		if err := runSystemctl(args...); err != nil {
			return err
		}
	}

	logger.Info("usbipd systemd service installed", "path", servicePath, "exe", exePath)
	return nil
}

func uninstall(logger *slog.Logger) error {
	var errs []error

	if err := runSystemctl("stop", serviceName); err != nil {
		errs = append(errs, err)
	}
	if err := runSystemctl("disable", serviceName); err != nil {
		errs = append(errs, err)
	}

	if err := os.Remove(servicePath); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}

	if err := runSystemctl("daemon-reload"); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	logger.Info("usbipd systemd service removed", "path", servicePath)
	return nil
}

func systemdUnitContent(exePath, configPath string) string {
	workingDir := filepath.Dir(exePath)
	return fmt.Sprintf(`[Unit]
Description=usbipd USB/IP host server
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
Environment=USBIPD_CONFIG=%s
ExecStart=%q server
WorkingDirectory=%s
Restart=on-failure

[Install]
WantedBy=multi-user.target
`, configPath, exePath, workingDir)
}

func runSystemctl(args ...string) error {
	cmd := exec.Command("systemctl", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl %s failed: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return nil
}
