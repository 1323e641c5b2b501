package cmd

import (
	"log/slog"

	"github.com/usbipd-go/usbipd/internal/log"
)

// CLI is the root Kong command tree: subcommands map one-to-one onto
// registry and enumerator operations, per §6 ("these map one-to-one to
// registry and enumerator operations; no further logic").
type CLI struct {
	Log LogConfig `embed:"" prefix:"log."`

	Config  ConfigCommand `cmd:"" help:"Generate or inspect configuration files"`
	Server  Server        `cmd:"" help:"Run the USB/IP server"`
	Bind    Bind          `cmd:"" help:"Share a local USB device over USB/IP"`
	Unbind  Unbind        `cmd:"" help:"Stop sharing a local USB device"`
	List    List          `cmd:"" help:"List local USB devices and their sharing state"`
	License License       `cmd:"" help:"Print license information"`
	Install InstallCmd    `cmd:"" help:"Install/remove the background service (Linux systemd only)"`
}

// LogConfig is the logging-related subset of flags, shared by every
// subcommand via Kong's embedding.
type LogConfig struct {
	Level   string `help:"Log level: trace, debug, info, warn, error" default:"info" env:"USBIPD_LOG_LEVEL"`
	File    string `help:"Additional JSON log file (kept more verbose than the console)" env:"USBIPD_LOG_FILE"`
	RawFile string `help:"Dump raw USB/IP wire bytes to this file" env:"USBIPD_LOG_RAW_FILE"`
}

// ParseLevel maps the CLI's string log level onto slog.Level, including
// the trace level below slog.LevelDebug used for per-URB tracing.
func (l LogConfig) ParseLevel() slog.Level {
	switch l.Level {
	case "trace":
		return log.LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
