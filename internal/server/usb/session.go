package usb

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/usbipd-go/usbipd/internal/capture"
	"github.com/usbipd-go/usbipd/internal/capturesink"
	"github.com/usbipd-go/usbipd/usbip"
)

// inFlightURB tracks one CMD_SUBMIT while its completion is pending, so a
// later CMD_UNLINK can find and cancel it.
type inFlightURB struct {
	seqnum    uint32
	ep        uint32
	dir       uint32
	cancel    context.CancelFunc
	completed atomic.Bool
}

// byteBudget is a weighted semaphore bounding total outstanding payload
// bytes across a session's in-flight URBs (§4.F backpressure).
type byteBudget struct {
	used   atomic.Int64
	limit  int64
	notify chan struct{}
}

func newByteBudget(limit int64) *byteBudget {
	return &byteBudget{limit: limit, notify: make(chan struct{}, 1)}
}

func (b *byteBudget) acquire(ctx context.Context, n int64) error {
	for {
		used := b.used.Load()
		if used == 0 || used+n <= b.limit {
			b.used.Add(n)
			return nil
		}
		select {
		case <-b.notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *byteBudget) release(n int64) {
	b.used.Add(-n)
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// endpointSlots bounds in-flight URBs per endpoint (§4.F backpressure).
type endpointSlots struct {
	mu    sync.Mutex
	slots map[uint32]chan struct{}
	cap   int
}

func newEndpointSlots(capacity int) *endpointSlots {
	return &endpointSlots{slots: make(map[uint32]chan struct{}), cap: capacity}
}

func (e *endpointSlots) acquire(ctx context.Context, ep uint32) error {
	e.mu.Lock()
	ch, ok := e.slots[ep]
	if !ok {
		ch = make(chan struct{}, e.cap)
		e.slots[ep] = ch
	}
	e.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return nil
	default:
	}
	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *endpointSlots) release(ep uint32) {
	e.mu.Lock()
	ch := e.slots[ep]
	e.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case <-ch:
	default:
	}
}

// retFrame is one completion queued for the writer: either a RET_SUBMIT or
// a RET_UNLINK, serialized in completion order.
type retFrame struct {
	submit *usbip.RetSubmit
	unlink *usbip.RetUnlink
	data   []byte
}

// runAttachedSession drives the attached-client I/O engine (§4.F) for one
// imported device until its reader stops: the client disconnects, a socket
// read fails, or the client sends a frame rejected as a protocol error.
// Closing the listener and failed transfers do not end the session.
func (s *Server) runAttachedSession(conn net.Conn, rw io.ReadWriter, busId string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	drv, err := s.openDrv(ctx, busId)
	if err != nil {
		_ = s.registry.MarkDetached(busId)
		return fmt.Errorf("open capture driver for %s: %w", busId, err)
	}
	if err := drv.Open(ctx); err != nil {
		_ = s.registry.MarkDetached(busId)
		return fmt.Errorf("claim device %s: %w", busId, err)
	}

	sess := &attachedSession{
		server:    s,
		busId:     busId,
		conn:      conn,
		rw:        rw,
		driver:    drv,
		ctx:       ctx,
		cancel:    cancel,
		inFlight:  make(map[uint32]*inFlightURB),
		bytes:     newByteBudget(s.config.MaxOutstandingBytes),
		eps:       newEndpointSlots(s.config.MaxInFlightPerEndpoint),
		retCh:     make(chan retFrame, 64),
		writerErr: make(chan error, 1),
	}
	return sess.run()
}

type attachedSession struct {
	server *Server
	busId  string
	conn   net.Conn
	rw     io.ReadWriter
	driver capture.Driver

	ctx    context.Context
	cancel context.CancelFunc

	inFlightMu sync.Mutex
	inFlight   map[uint32]*inFlightURB

	bytes *byteBudget
	eps   *endpointSlots

	wg        sync.WaitGroup
	retCh     chan retFrame
	writerErr chan error
}

func (sess *attachedSession) run() error {
	s := sess.server
	s.logger.Info("session attached", "busid", sess.busId, "remote", sess.conn.RemoteAddr())

	sess.wg.Add(1)
	go sess.writerLoop()

	readErr := sess.readerLoop()

	sess.cancel()
	sess.drainInFlight()
	close(sess.retCh)
	sess.wg.Wait()

	if err := sess.driver.Release(); err != nil {
		s.logger.Warn("release capture driver failed", "busid", sess.busId, "error", err)
	}
	if err := s.registry.MarkDetached(sess.busId); err != nil {
		s.logger.Warn("mark detached failed", "busid", sess.busId, "error", err)
	}
	s.logger.Info("session detached", "busid", sess.busId)
	return readErr
}

// drainInFlight cancels every outstanding URB and waits up to the
// configured bound for their completions to reach the writer, per §4.F
// shutdown step 2.
func (sess *attachedSession) drainInFlight() {
	sess.inFlightMu.Lock()
	for _, u := range sess.inFlight {
		u.cancel()
	}
	sess.inFlightMu.Unlock()

	deadline := time.After(sess.server.config.UnlinkDrainTimeout)
	for {
		sess.inFlightMu.Lock()
		n := len(sess.inFlight)
		sess.inFlightMu.Unlock()
		if n == 0 {
			return
		}
		select {
		case <-deadline:
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (sess *attachedSession) readerLoop() error {
	for {
		var hdr [usbip.UrbHeaderSize]byte
		if err := usbip.ReadExactly(sess.rw, hdr[:]); err != nil {
			return fmt.Errorf("read URB header: %w", err)
		}

		switch usbip.PeekCommand(hdr[:]) {
		case usbip.CmdUnlinkCode:
			cmd := usbip.DecodeCmdUnlink(hdr[:])
			sess.handleUnlink(cmd)
		case usbip.CmdSubmitCode:
			cmd := usbip.DecodeCmdSubmit(hdr[:])
			if err := sess.handleSubmit(cmd); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported URB command %#x", usbip.PeekCommand(hdr[:]))
		}
	}
}

func (sess *attachedSession) handleUnlink(cmd usbip.CmdUnlink) {
	sess.inFlightMu.Lock()
	target, found := sess.inFlight[cmd.UnlinkSeqnum]
	sess.inFlightMu.Unlock()
	if found {
		target.cancel()
	}

	ret := usbip.RetUnlink{
		Basic:  usbip.HeaderBasic{Command: usbip.RetUnlinkCode, Seqnum: cmd.Basic.Seqnum},
		Status: 0,
	}
	select {
	case sess.retCh <- retFrame{unlink: &ret}:
	case <-sess.ctx.Done():
	}
}

func (sess *attachedSession) handleSubmit(cmd usbip.CmdSubmit) error {
	if cmd.Basic.Ep > 15 {
		return fmt.Errorf("protocol error: ep %d out of range", cmd.Basic.Ep)
	}
	if cmd.TransferBufferLen > sess.server.config.MaxTransferBufferLen {
		return fmt.Errorf("protocol error: transfer_buffer_length %d exceeds cap %d", cmd.TransferBufferLen, sess.server.config.MaxTransferBufferLen)
	}

	var outPayload []byte
	if cmd.Basic.Dir == usbip.DirOut && cmd.TransferBufferLen > 0 {
		outPayload = make([]byte, cmd.TransferBufferLen)
		if err := usbip.ReadExactly(sess.rw, outPayload); err != nil {
			return fmt.Errorf("read OUT payload: %w", err)
		}
	}
	var isoDescs []usbip.IsoPacketDesc
	if cmd.NumberOfPackets > 0 {
		descs, err := usbip.ReadIsoPacketDescs(sess.rw, cmd.NumberOfPackets)
		if err != nil {
			return fmt.Errorf("read iso packet descriptors: %w", err)
		}
		isoDescs = descs
	}

	urbCtx, cancel := context.WithCancel(sess.ctx)
	u := &inFlightURB{seqnum: cmd.Basic.Seqnum, ep: cmd.Basic.Ep, dir: cmd.Basic.Dir, cancel: cancel}

	sess.inFlightMu.Lock()
	sess.inFlight[cmd.Basic.Seqnum] = u
	sess.inFlightMu.Unlock()

	budget := int64(cmd.TransferBufferLen)
	if err := sess.bytes.acquire(sess.ctx, budget); err != nil {
		sess.forgetInFlight(cmd.Basic.Seqnum)
		cancel()
		return nil // session is shutting down; no reply owed
	}
	if err := sess.eps.acquire(sess.ctx, cmd.Basic.Ep); err != nil {
		sess.bytes.release(budget)
		sess.forgetInFlight(cmd.Basic.Seqnum)
		cancel()
		return nil
	}

	go sess.submitAndComplete(urbCtx, u, cmd, outPayload, isoDescs, budget)
	return nil
}

func (sess *attachedSession) forgetInFlight(seqnum uint32) {
	sess.inFlightMu.Lock()
	delete(sess.inFlight, seqnum)
	sess.inFlightMu.Unlock()
}

func (sess *attachedSession) submitAndComplete(ctx context.Context, u *inFlightURB, cmd usbip.CmdSubmit, out []byte, isoDescs []usbip.IsoPacketDesc, budget int64) {
	defer sess.bytes.release(budget)
	defer sess.eps.release(cmd.Basic.Ep)
	defer sess.forgetInFlight(cmd.Basic.Seqnum)
	defer u.cancel()

	var completion capture.Completion
	var err error
	if len(isoDescs) > 0 {
		completion, err = sess.submitIsochronous(ctx, cmd, out, isoDescs)
	} else {
		completion, err = sess.driver.Submit(ctx, cmd.Basic.Ep, cmd.Basic.Dir, cmd.Setup, out, cmd.TransferBufferLen)
	}
	u.completed.Store(true)

	status := completion.Status.Errno()
	if err != nil && ctx.Err() != nil {
		status = usbip.ErrnoECONNRESET
	}

	actualLen := completion.ActualLength
	if cmd.Basic.Dir == usbip.DirOut {
		actualLen = uint32(len(out))
	}

	ret := usbip.RetSubmit{
		Basic:           usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: cmd.Basic.Seqnum, Devid: cmd.Basic.Devid, Dir: cmd.Basic.Dir, Ep: cmd.Basic.Ep},
		Status:          status,
		ActualLength:    actualLen,
		NumberOfPackets: cmd.NumberOfPackets,
	}

	var payload []byte
	if cmd.Basic.Dir == usbip.DirIn {
		payload = completion.Data
	}

	select {
	case sess.retCh <- retFrame{submit: &ret, data: payload}:
	case <-sess.ctx.Done():
	}

	sess.server.sink.Capture(capturesink.Frame{Timestamp: time.Now(), Data: usbmonFrame(cmd, status, actualLen)})
}

// submitIsochronous is not backed by the real capture driver yet (see
// DESIGN.md): isochronous submissions report -EPROTO until gousb grows
// stream support, matching the documented Open Question in §9.
func (sess *attachedSession) submitIsochronous(ctx context.Context, cmd usbip.CmdSubmit, out []byte, descs []usbip.IsoPacketDesc) (capture.Completion, error) {
	return capture.Completion{Status: usbip.StatusNAK}, fmt.Errorf("isochronous transfers are not supported by the capture driver")
}

// usbmonFrame renders a minimal usbmon-style capture record: enough for a
// pcapng consumer to see seqnum/ep/dir/status, not a byte-exact emulation
// of the kernel's binary usbmon format.
func usbmonFrame(cmd usbip.CmdSubmit, status int32, actualLen uint32) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "seq=%d ep=%d dir=%d status=%d len=%d", cmd.Basic.Seqnum, cmd.Basic.Ep, cmd.Basic.Dir, status, actualLen)
	return buf.Bytes()
}

func (sess *attachedSession) writerLoop() {
	defer sess.wg.Done()
	s := sess.server

	var w io.Writer = sess.rw
	var bw *batchingWriter
	if s.config.WriteBatchFlushInterval > 0 {
		bw = newBatchingWriter(sess.rw, writeBatcherBufferSize, s.config.WriteBatchFlushInterval, writeBatcherFlushAtBytes)
		w = bw
		defer func() { _ = bw.Close() }()
	}

	for f := range sess.retCh {
		if err := writeRetFrame(w, f); err != nil {
			s.logger.Warn("write completion failed", "busid", sess.busId, "error", err)
			return
		}
	}
}

func writeRetFrame(w io.Writer, f retFrame) error {
	var buf bytes.Buffer
	switch {
	case f.submit != nil:
		if err := f.submit.Write(&buf); err != nil {
			return err
		}
		if len(f.data) > 0 {
			buf.Write(f.data)
		}
	case f.unlink != nil:
		if err := f.unlink.Write(&buf); err != nil {
			return err
		}
	}
	_, err := w.Write(buf.Bytes())
	return err
}
