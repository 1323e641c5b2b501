package log

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/usbipd-go/usbipd/usbip"
)

// RawLogger handles raw packet log with optional file output.
type RawLogger interface {
	Log(in bool, data []byte)
}

// rawLogger implements RawLogger with thread-safe log.
type rawLogger struct {
	w  io.Writer
	mu sync.Mutex
}

// NewRaw creates a new RawLogger. If writer is nil, returns a no-op logger.
func NewRaw(w io.Writer) RawLogger {
	return &rawLogger{w: w}
}

// Log emits a single-line raw packet log with timestamp and hex dump.
// in=true means client->server, in=false means server->client. When data
// starts with a recognizable CMD_SUBMIT/CMD_UNLINK/RET_SUBMIT/RET_UNLINK
// header, the line is additionally tagged with the command name, seqnum
// and endpoint of that leading header — a plain byte count alone isn't
// enough to correlate a raw dump with the in-flight URB it belongs to.
// Only the first header in a chunk is tagged: session.go's writer issues a
// single Write per RET frame, but when write batching is enabled
// (WriteBatchFlushInterval > 0) one socket write can carry several frames.
func (r *rawLogger) Log(in bool, data []byte) {
	if len(data) == 0 {
		return
	}
	if r.w == nil {
		return
	}

	dir := "S->C"
	if in {
		dir = "C->S"
	}

	var hexbuf bytes.Buffer
	const hexdigits = "0123456789abcdef"
	for i, b := range data {
		if i > 0 {
			hexbuf.WriteByte(' ')
		}
		hexbuf.WriteByte(hexdigits[b>>4])
		hexbuf.WriteByte(hexdigits[b&0x0f])
	}

	line := fmt.Sprintf("%s %s chunk: %d bytes%s, hex: %s\n",
		time.Now().Format("2006/01/02 15:04:05"),
		dir,
		len(data),
		urbFrameTag(data),
		hexbuf.String())

	r.mu.Lock()
	_, _ = r.w.Write([]byte(line))
	r.mu.Unlock()
}

// urbFrameTag renders " cmd=RET_SUBMIT seqnum=7 ep=2" when data's leading bytes
// decode as a known URB command/reply header, or "" otherwise (management
// frames, partial reads, and payload-only chunks are left untagged).
func urbFrameTag(data []byte) string {
	basic, ok := usbip.PeekHeaderBasic(data)
	if !ok {
		return ""
	}
	name := urbCommandName(basic.Command)
	if name == "" {
		return ""
	}
	return fmt.Sprintf(" cmd=%s seqnum=%d ep=%d", name, basic.Seqnum, basic.Ep)
}

func urbCommandName(cmd uint32) string {
	switch cmd {
	case usbip.CmdSubmitCode:
		return "CMD_SUBMIT"
	case usbip.CmdUnlinkCode:
		return "CMD_UNLINK"
	case usbip.RetSubmitCode:
		return "RET_SUBMIT"
	case usbip.RetUnlinkCode:
		return "RET_UNLINK"
	default:
		return ""
	}
}
