// Command usbipd is a USB/IP host-side server: it shares local USB devices
// over the network and lets a remote USB/IP client attach to them as if
// they were plugged in locally.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	kongtoml "github.com/alecthomas/kong-toml"
	kongyaml "github.com/alecthomas/kong-yaml"

	"github.com/usbipd-go/usbipd/internal/cmd"
	"github.com/usbipd-go/usbipd/internal/configpaths"
	"github.com/usbipd-go/usbipd/internal/log"
)

// Exit codes per the CLI's external contract: 0 success, 1 failure, 2 usage
// error, 3 the operation was cancelled (e.g. SIGINT during `server`).
const (
	exitSuccess = 0
	exitFailure = 1
	exitUsage   = 2
	exitCancel  = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	userCfg := findUserConfig(os.Args[1:])
	jsonPaths, yamlPaths, tomlPaths := configpaths.ConfigCandidatePaths(userCfg)

	var cli cmd.CLI
	parser, err := kong.New(&cli,
		kong.Name("usbipd"),
		kong.Description("USB/IP host-side server"),
		kong.UsageOnError(),
		kong.Configuration(kong.JSON, jsonPaths...),
		kong.Configuration(kongyaml.Loader, yamlPaths...),
		kong.Configuration(kongtoml.Loader, tomlPaths...),
	)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to build CLI parser: " + err.Error() + "\n")
		return exitFailure
	}

	ctx, err := parser.Parse(os.Args[1:])
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		return exitUsage
	}

	logger, rawLogger, closeLog := setupLogging(cli.Log)
	defer closeLog()

	ctx.Bind(logger)
	ctx.BindTo(rawLogger, (*log.RawLogger)(nil))

	if err := ctx.Run(); err != nil {
		if errors.Is(err, context.Canceled) {
			return exitCancel
		}
		logger.Error("command failed", "error", err)
		return exitFailure
	}
	return exitSuccess
}

func setupLogging(cfg cmd.LogConfig) (*slog.Logger, log.RawLogger, func()) {
	var logFile *os.File
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			logFile = f
		}
	}

	opts := log.Options{Level: cfg.ParseLevel(), FileLevel: log.LevelTrace}
	if logFile != nil {
		opts.LogFile = logFile
	}
	logger := log.SetupLogger(opts)

	var rawLogger log.RawLogger
	var rawFile *os.File
	switch {
	case cfg.RawFile != "":
		f, err := os.OpenFile(cfg.RawFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			logger.Error("failed to open raw log file", "file", cfg.RawFile, "error", err)
			rawLogger = log.NewRaw(nil)
		} else {
			rawLogger = log.NewRaw(f)
			rawFile = f
		}
	case cfg.ParseLevel() == log.LevelTrace:
		rawLogger = log.NewRaw(os.Stdout)
	default:
		rawLogger = log.NewRaw(nil)
	}

	return logger, rawLogger, func() {
		if logFile != nil {
			_ = logFile.Close()
		}
		if rawFile != nil {
			_ = rawFile.Close()
		}
	}
}

func findUserConfig(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if strings.HasPrefix(a, "--config=") {
			return a[len("--config="):]
		}
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv("USBIPD_CONFIG")
}
