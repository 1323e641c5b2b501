// Package usbip implements the USB/IP wire codec: fixed-size big-endian
// (de)serialization for the management (devlist/import) and URB
// (submit/unlink) frame shapes described by the protocol.
package usbip

import (
	"encoding/binary"
	"io"
)

// Wire constants (network byte order / big-endian).
const (
	Version = 0x0111

	// Management commands.
	OpReqDevlist = 0x8005
	OpRepDevlist = 0x0005
	OpReqImport  = 0x8003
	OpRepImport  = 0x0003

	// URB transfer commands.
	CmdSubmitCode = 0x00000001
	CmdUnlinkCode = 0x00000002
	RetSubmitCode = 0x00000003
	RetUnlinkCode = 0x00000004

	// Directions used in usbip_header_basic.direction.
	DirOut = 0x00000000
	DirIn  = 0x00000001
)

// BusIdFieldSize is the fixed width of the NUL-padded ASCII busid field.
const BusIdFieldSize = 32

// MgmtHeader is the 8-byte header common to all management ops.
type MgmtHeader struct {
	Version uint16
	Command uint16
	Status  uint32
}

func (h *MgmtHeader) Write(w io.Writer) error {
	var buf [8]byte
	binary.BigEndian.PutUint16(buf[0:2], h.Version)
	binary.BigEndian.PutUint16(buf[2:4], h.Command)
	binary.BigEndian.PutUint32(buf[4:8], h.Status)
	_, err := w.Write(buf[:])
	return err
}

func (h *MgmtHeader) Read(r io.Reader) error {
	var buf [8]byte
	if err := ReadExactly(r, buf[:]); err != nil {
		return err
	}
	h.Version = binary.BigEndian.Uint16(buf[0:2])
	h.Command = binary.BigEndian.Uint16(buf[2:4])
	h.Status = binary.BigEndian.Uint32(buf[4:8])
	return nil
}

// DevListReplyHeader is the header following MgmtHeader for OP_REP_DEVLIST.
type DevListReplyHeader struct {
	NDevices uint32
}

func (d *DevListReplyHeader) Write(w io.Writer) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[0:4], d.NDevices)
	_, err := w.Write(buf[:])
	return err
}

func (d *DevListReplyHeader) Read(r io.Reader) error {
	var buf [4]byte
	if err := ReadExactly(r, buf[:]); err != nil {
		return err
	}
	d.NDevices = binary.BigEndian.Uint32(buf[:])
	return nil
}

// ReadExactly fills buf completely or returns the first error encountered,
// including io.EOF on a short read.
func ReadExactly(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}

// PutFixedString copies s into dst, NUL-padding (or truncating) to fit.
func PutFixedString(dst []byte, s string) {
	n := copy(dst, []byte(s))
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

// FixedString reads a NUL-padded ASCII field back into a Go string, cutting
// at the first NUL byte (or at the end of the field if there is none).
func FixedString(src []byte) string {
	for i, b := range src {
		if b == 0 {
			return string(src[:i])
		}
	}
	return string(src)
}
