// Package usb is the USB/IP listener and per-connection protocol state
// machine (§4.D, §4.E): it accepts TCP connections on port 3240, serves
// OP_REQ_DEVLIST/OP_REQ_IMPORT management requests against the binding
// registry and device enumerator, and hands successfully imported
// connections off to the attached-client I/O engine.
package usb

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/usbipd-go/usbipd/internal/capture"
	"github.com/usbipd-go/usbipd/internal/capturesink"
	"github.com/usbipd-go/usbipd/internal/enumerator"
	ourlog "github.com/usbipd-go/usbipd/internal/log"
	"github.com/usbipd-go/usbipd/internal/registry"
	"github.com/usbipd-go/usbipd/usbip"
)

// batchingWriter coalesces small RET_SUBMIT writes into fewer socket
// syscalls, flushing on a timer and once buffered bytes cross a
// threshold.
type batchingWriter struct {
	mu           sync.Mutex
	w            *bufio.Writer
	flushEvery   time.Duration
	flushAtBytes int
	stopCh       chan struct{}
	closeOnce    sync.Once
	err          error
}

const (
	writeBatcherBufferSize   = 256 * 1024
	writeBatcherFlushAtBytes = 64 * 1024
)

func newBatchingWriter(dst io.Writer, bufSize int, flushEvery time.Duration, flushAtBytes int) *batchingWriter {
	if bufSize <= 0 {
		bufSize = writeBatcherBufferSize
	}
	if flushAtBytes < 0 {
		flushAtBytes = 0
	}
	if flushAtBytes > bufSize {
		flushAtBytes = bufSize
	}
	bw := &batchingWriter{
		w:            bufio.NewWriterSize(dst, bufSize),
		flushEvery:   flushEvery,
		flushAtBytes: flushAtBytes,
		stopCh:       make(chan struct{}),
	}
	if flushEvery > 0 {
		go bw.flushLoop()
	}
	return bw
}

func (b *batchingWriter) flushLoop() {
	t := time.NewTicker(b.flushEvery)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

func (b *batchingWriter) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return 0, b.err
	}
	n, err := b.w.Write(p)
	if err != nil {
		b.err = err
		return n, err
	}
	if b.flushAtBytes > 0 && b.w.Buffered() >= b.flushAtBytes {
		if err := b.w.Flush(); err != nil {
			b.err = err
			return n, err
		}
	}
	return n, nil
}

func (b *batchingWriter) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	if err := b.w.Flush(); err != nil {
		b.err = err
		return err
	}
	return nil
}

func (b *batchingWriter) Close() error {
	b.closeOnce.Do(func() { close(b.stopCh) })
	return b.Flush()
}

// DriverFactory opens a capture.Driver for a device by bus id, used by an
// attached session once OP_REQ_IMPORT succeeds.
type DriverFactory func(ctx context.Context, busId string) (capture.Driver, error)

// Server is the USB/IP listener plus its wired collaborators: the
// persistent binding registry, the device enumerator, and the
// capture-driver factory that opens a real device for an attached
// session.
type Server struct {
	config    *ServerConfig
	logger    *slog.Logger
	rawLogger ourlog.RawLogger

	registry *registry.Registry
	enum     enumerator.Enumerator
	openDrv  DriverFactory
	sink     capturesink.Sink

	ready     chan struct{}
	readyOnce sync.Once
	ln        net.Listener
}

// New constructs a Server wired to its collaborators. config is copied and
// defaulted.
func New(config ServerConfig, logger *slog.Logger, rawLogger ourlog.RawLogger, reg *registry.Registry, enum enumerator.Enumerator, openDrv DriverFactory, sink capturesink.Sink) *Server {
	config.setDefaults()
	if sink == nil {
		sink = capturesink.NoopSink{}
	}
	return &Server{
		config:    &config,
		logger:    logger,
		rawLogger: rawLogger,
		registry:  reg,
		enum:      enum,
		openDrv:   openDrv,
		sink:      sink,
		ready:     make(chan struct{}),
	}
}

// Addr returns the listener's bound address, or the configured address
// before Listen succeeds.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.config.Addr
}

// Ready returns a channel closed once the server is bound and accepting.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// ListenAndServe binds the configured address and serves connections until
// Close is called or an unrecoverable accept error occurs.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("usb: listen %s: %w", s.config.Addr, err)
	}
	s.ln = ln
	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Info("usbip server listening", "addr", ln.Addr().String())

	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.logger.Info("usbip server stopped")
				return nil
			}
			s.logger.Error("accept error", "error", err)
			continue
		}
		if tcpConn, ok := c.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}
		s.logger.Info("client connected", "remote", c.RemoteAddr())
		go s.serveConn(c)
	}
}

func (s *Server) serveConn(c net.Conn) {
	if err := s.handleConn(c); err != nil {
		if isClientDisconnect(err) {
			s.logger.Info("client disconnected", "remote", c.RemoteAddr(), "error", err)
		} else {
			s.logger.Error("connection handler error", "remote", c.RemoteAddr(), "error", err)
		}
	}
}

// Close stops accepting new connections. It does not cancel connections
// already accepted: an attached session keeps running until its client
// disconnects.
func (s *Server) Close() error {
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

func (s *Server) handleConn(conn net.Conn) error {
	defer conn.Close()
	lc := &logConn{Conn: conn, raw: s.rawLogger}
	if err := conn.SetDeadline(time.Now().Add(s.config.ConnectionTimeout)); err != nil {
		s.logger.Warn("failed to set deadline", "error", err)
	}

	var hdrBuf [8]byte
	if err := usbip.ReadExactly(lc, hdrBuf[:]); err != nil {
		return fmt.Errorf("read management header: %w", err)
	}
	ver := binary.BigEndian.Uint16(hdrBuf[0:2])
	code := binary.BigEndian.Uint16(hdrBuf[2:4])

	if ver != usbip.Version {
		s.logger.Info("rejecting client: version mismatch", "version", ver)
		reply := usbip.MgmtHeader{Version: usbip.Version, Command: code, Status: 1}
		_ = reply.Write(lc)
		return fmt.Errorf("protocol error: unsupported version %#x", ver)
	}

	switch code {
	case usbip.OpReqDevlist:
		return s.handleDevList(lc)
	case usbip.OpReqImport:
		busId, err := s.handleImport(lc)
		if err != nil {
			return fmt.Errorf("handle import: %w", err)
		}
		if busId == "" {
			return nil // import failed; reply already sent, connection closes
		}
		_ = conn.SetDeadline(time.Time{})
		return s.runAttachedSession(conn, lc, busId)
	default:
		reply := usbip.MgmtHeader{Version: usbip.Version, Command: code, Status: 1}
		_ = reply.Write(lc)
		return fmt.Errorf("protocol error: unrecognized command %#x", code)
	}
}

func (s *Server) handleDevList(conn io.ReadWriter) error {
	ctx := context.Background()
	devices, err := s.enum.ListConnected(ctx, true)
	if err != nil {
		return fmt.Errorf("enumerate devices: %w", err)
	}
	shared, err := s.registry.ListShared()
	if err != nil {
		return fmt.Errorf("list shared devices: %w", err)
	}
	sharedBusIds := make(map[string]bool, len(shared))
	for _, d := range shared {
		sharedBusIds[d.BusId] = true
	}

	var buf bytes.Buffer
	rep := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepDevlist, Status: 0}
	if err := rep.Write(&buf); err != nil {
		return err
	}
	var filtered []usbip.ExportedDevice
	for _, d := range devices {
		if sharedBusIds[d.BusId] {
			filtered = append(filtered, d)
		}
	}
	dlh := usbip.DevListReplyHeader{NDevices: uint32(len(filtered))}
	if err := dlh.Write(&buf); err != nil {
		return err
	}
	for _, d := range filtered {
		if err := d.WriteDevlist(&buf); err != nil {
			return err
		}
	}
	_, err = conn.Write(buf.Bytes())
	return err
}

// handleImport returns the imported bus id on success, or "" if an error
// reply was sent and the caller should simply close the connection.
func (s *Server) handleImport(conn io.ReadWriter) (string, error) {
	busId, err := usbip.ParseImportRequest(conn)
	if err != nil {
		return "", fmt.Errorf("read import busid: %w", err)
	}
	s.logger.Info("import request", "busid", busId)

	fail := func(reason string) (string, error) {
		reply := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepImport, Status: 1}
		if werr := reply.Write(conn); werr != nil {
			return "", werr
		}
		s.logger.Info("import rejected", "busid", busId, "reason", reason)
		return "", nil
	}

	ctx := context.Background()
	devices, err := s.enum.ListConnected(ctx, false)
	if err != nil {
		return "", fmt.Errorf("enumerate devices: %w", err)
	}
	var dev *usbip.ExportedDevice
	for i := range devices {
		if devices[i].BusId == busId {
			dev = &devices[i]
			break
		}
	}
	if dev == nil {
		return fail("not present")
	}

	_, ok, err := s.registry.FindByBusId(busId)
	if err != nil {
		return "", fmt.Errorf("lookup shared device: %w", err)
	}
	if !ok {
		return fail("not shared")
	}

	res, _, err := s.registry.MarkAttached(busId, remoteAddrOf(conn))
	if err != nil {
		return "", fmt.Errorf("mark attached: %w", err)
	}
	switch res {
	case registry.MarkAttachedAlready:
		return fail("already attached")
	case registry.MarkAttachedNotShared:
		return fail("not shared")
	}

	var buf bytes.Buffer
	rep := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpRepImport, Status: 0}
	if err := rep.Write(&buf); err != nil {
		_ = s.registry.MarkDetached(busId)
		return "", err
	}
	if err := dev.WriteImport(&buf); err != nil {
		_ = s.registry.MarkDetached(busId)
		return "", err
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		_ = s.registry.MarkDetached(busId)
		return "", fmt.Errorf("write import reply: %w", err)
	}
	return busId, nil
}

func remoteAddrOf(rw io.ReadWriter) string {
	if c, ok := rw.(net.Conn); ok {
		return c.RemoteAddr().String()
	}
	if lc, ok := rw.(*logConn); ok {
		return lc.Conn.RemoteAddr().String()
	}
	return ""
}

// logConn wraps a net.Conn to mirror raw bytes through a RawLogger in both
// directions, matching the behavior of --log.raw-file / trace level.
type logConn struct {
	net.Conn
	raw ourlog.RawLogger
}

func (lc *logConn) Read(p []byte) (int, error) {
	n, err := lc.Conn.Read(p)
	if n > 0 && lc.raw != nil {
		lc.raw.Log(true, p[:n])
	}
	return n, err
}

func (lc *logConn) Write(p []byte) (int, error) {
	n, err := lc.Conn.Write(p)
	if n > 0 && lc.raw != nil {
		lc.raw.Log(false, p[:n])
	}
	return n, err
}

// isClientDisconnect classifies an error as a normal client disconnect
// (EOF, ECONNRESET, EPIPE, or OS-specific equivalents) versus an
// unexpected failure, matching the taxonomy in §7.
func isClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errno, ok := opErr.Err.(syscall.Errno); ok {
			if errno == syscall.ECONNRESET || errno == syscall.EPIPE {
				return true
			}
		}
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "forcibly closed") ||
		strings.Contains(msg, "broken pipe") {
		return true
	}
	return false
}
