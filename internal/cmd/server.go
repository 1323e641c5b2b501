package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/gousb"

	"github.com/usbipd-go/usbipd/internal/capture"
	"github.com/usbipd-go/usbipd/internal/capturesink"
	"github.com/usbipd-go/usbipd/internal/configpaths"
	"github.com/usbipd-go/usbipd/internal/enumerator"
	"github.com/usbipd-go/usbipd/internal/log"
	"github.com/usbipd-go/usbipd/internal/registry"
	srvusb "github.com/usbipd-go/usbipd/internal/server/usb"
	"github.com/usbipd-go/usbipd/internal/util"
)

// Server runs the USB/IP listener (§4.D/§4.E/§4.F), wired to the
// persistent binding registry, the device enumerator, and a real
// gousb-backed capture driver.
type Server struct {
	Usb srvusb.ServerConfig `embed:"" prefix:"usb."`

	CaptureFile string `help:"Write a pcapng trace of every URB to this path" env:"USBIPD_CAPTURE_FILE"`
	CaptureSize int    `help:"Bounded queue depth for the capture sink before frames are dropped" default:"1024" env:"USBIPD_CAPTURE_QUEUE"`
}

// Run is called by Kong when the server command is executed.
func (s *Server) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.StartServer(ctx, logger, rawLogger)
}

func (s *Server) StartServer(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) error {
	configDir, err := configpaths.DefaultConfigDir()
	if err != nil {
		return fmt.Errorf("resolve config dir: %w", err)
	}
	if err := os.MkdirAll(configDir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	release, err := util.AcquireSingleInstanceLock(filepath.Join(configDir, "usbipd.lock"))
	if err != nil {
		return fmt.Errorf("single-instance check failed: %w", err)
	}
	defer func() { _ = release() }()

	reg, err := registry.Open(filepath.Join(configDir, "devices.db"), util.IsElevated)
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	defer reg.Close()

	gctx := gousb.NewContext()
	defer gctx.Close()
	enum := enumerator.NewGousbEnumerator()
	defer enum.Close()
	openDrv := capture.NewGousbDriverFactory(gctx)

	sink, closeSink, err := s.openCaptureSink(logger)
	if err != nil {
		return err
	}
	defer closeSink()

	logger.Info("starting usbipd server", "addr", s.Usb.Addr)

	usbSrv := srvusb.New(s.Usb, logger, rawLogger, reg, enum, openDrv, sink)

	errCh := make(chan error, 1)
	go func() { errCh <- usbSrv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-usbSrv.Ready():
	case <-ctx.Done():
		return nil
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		_ = usbSrv.Close()
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) openCaptureSink(logger *slog.Logger) (capturesink.Sink, func(), error) {
	if s.CaptureFile == "" {
		return capturesink.NoopSink{}, func() {}, nil
	}
	f, err := os.OpenFile(s.CaptureFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open capture file %s: %w", s.CaptureFile, err)
	}
	sink, err := capturesink.Open(f, s.CaptureSize)
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("open capture sink: %w", err)
	}
	logger.Info("capturing URB trace", "file", s.CaptureFile)
	return sink, func() {
		if err := sink.Close(); err != nil {
			logger.Warn("failed to close capture sink", "error", err)
		}
		if dropped := sink.Dropped(); dropped > 0 {
			logger.Warn("capture sink dropped frames under backpressure", "dropped", dropped)
		}
	}, nil
}
