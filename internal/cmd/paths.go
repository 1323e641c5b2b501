package cmd

import (
	"path/filepath"

	"github.com/usbipd-go/usbipd/internal/configpaths"
)

// registryDBPath returns the single-file bbolt database path backing the
// binding registry, per SPEC_FULL §4 ($configDir/devices.db).
func registryDBPath() (string, error) {
	dir, err := configpaths.DefaultConfigDir()
	if err != nil {
		return "", err
	}
	if err := configpaths.EnsureDir(filepath.Join(dir, "devices.db")); err != nil {
		return "", err
	}
	return filepath.Join(dir, "devices.db"), nil
}
