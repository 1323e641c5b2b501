// Package capturesink is the advisory, lossy pcapng tap on attached-session
// URB traffic (§4 pcap capture). It never blocks the I/O engine: a slow or
// absent consumer causes frames to be dropped and counted, never queued
// without bound.
package capturesink

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// linkTypeUSBLinuxMmapped is LINKTYPE_USB_LINUX_MMAPPED (220): USB/IP's own
// byte layout for captured URBs, the same framing tcpdump/wireshark expect
// on a "usbmonN" capture.
const linkTypeUSBLinuxMmapped = layers.LinkType(220)

// Frame is one captured URB event, already rendered as usbmon-style bytes
// by the caller (the attached-session pipeline knows the seqnum/ep/dir/
// status needed to build it; this package only owns the pcapng framing).
type Frame struct {
	Timestamp time.Time
	Data      []byte
}

// Sink accepts captured frames without blocking the producer.
type Sink interface {
	Capture(f Frame)
	Dropped() uint64
	Close() error
}

// NoopSink discards everything; used when no capture file is configured.
type NoopSink struct{}

func (NoopSink) Capture(Frame)   {}
func (NoopSink) Dropped() uint64 { return 0 }
func (NoopSink) Close() error    { return nil }

// PcapngSink writes frames to a pcapng file via a bounded channel and a
// single writer goroutine. Capture never blocks: if the channel is full the
// frame is dropped and the dropped counter is incremented.
type PcapngSink struct {
	ch      chan Frame
	done    chan struct{}
	dropped atomic.Uint64
	closer  io.Closer
}

// Open writes a pcapng stream to w, which the caller has already opened,
// and starts its writer goroutine; Close closes w. queueDepth bounds how
// many frames may be buffered before new ones are dropped.
func Open(w io.WriteCloser, queueDepth int) (*PcapngSink, error) {
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	ngWriter, err := pcapgo.NewNgWriter(w, linkTypeUSBLinuxMmapped)
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("capturesink: open pcapng writer: %w", err)
	}

	s := &PcapngSink{
		ch:     make(chan Frame, queueDepth),
		done:   make(chan struct{}),
		closer: w,
	}
	go s.run(ngWriter)
	return s, nil
}

func (s *PcapngSink) run(ngWriter *pcapgo.NgWriter) {
	defer close(s.done)
	flush := time.NewTicker(time.Second)
	defer flush.Stop()
	for {
		select {
		case f, ok := <-s.ch:
			if !ok {
				_ = ngWriter.Flush()
				return
			}
			ci := gopacket.CaptureInfo{
				Timestamp:     f.Timestamp,
				CaptureLength: len(f.Data),
				Length:        len(f.Data),
			}
			if err := ngWriter.WritePacket(ci, f.Data); err != nil {
				return
			}
		case <-flush.C:
			_ = ngWriter.Flush()
		}
	}
}

// Capture enqueues f without blocking. A full queue drops the frame.
func (s *PcapngSink) Capture(f Frame) {
	select {
	case s.ch <- f:
	default:
		s.dropped.Add(1)
	}
}

func (s *PcapngSink) Dropped() uint64 {
	return s.dropped.Load()
}

// Close stops accepting frames, drains the writer goroutine, and closes
// the underlying file.
func (s *PcapngSink) Close() error {
	close(s.ch)
	<-s.done
	return s.closer.Close()
}
