package usbip

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// PathFieldSize and the rest below are the fixed-size sub-fields of a
// device record (0x138 bytes before any interface descriptors).
const (
	PathFieldSize       = 256
	deviceRecordFixSize = PathFieldSize + BusIdFieldSize + 4 + 4 + 4 + 2 + 2 + 2 + 1 + 1 + 1 + 1 + 1 + 1
)

// InterfaceDesc is one interface tuple trailing a devlist device record.
type InterfaceDesc struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

func (i InterfaceDesc) write(w io.Writer) error {
	_, err := w.Write([]byte{i.Class, i.SubClass, i.Protocol, 0})
	return err
}

func readInterfaceDesc(r io.Reader) (InterfaceDesc, error) {
	var buf [4]byte
	if err := ReadExactly(r, buf[:]); err != nil {
		return InterfaceDesc{}, err
	}
	return InterfaceDesc{Class: buf[0], SubClass: buf[1], Protocol: buf[2]}, nil
}

// ExportedDevice is the enumeration view of a physical device, as carried
// in OP_REP_DEVLIST (with Interfaces) and OP_REP_IMPORT (without).
type ExportedDevice struct {
	Path  string // e.g. "/sys/bus/usb/devices/<bus>-<port>"
	BusId string // rendered BusId, NUL-padded on the wire to 32 bytes
	BusNum,
	DevNum,
	Speed uint32

	IDVendor            uint16
	IDProduct           uint16
	BcdDevice           uint16
	BDeviceClass        uint8
	BDeviceSubClass     uint8
	BDeviceProtocol     uint8
	BConfigurationValue uint8
	BNumConfigurations  uint8
	BNumInterfaces      uint8

	Interfaces []InterfaceDesc
}

func (d *ExportedDevice) writeFixed(w io.Writer) error {
	var path [PathFieldSize]byte
	PutFixedString(path[:], d.Path)
	if _, err := w.Write(path[:]); err != nil {
		return err
	}
	var busid [BusIdFieldSize]byte
	PutFixedString(busid[:], d.BusId)
	if _, err := w.Write(busid[:]); err != nil {
		return err
	}
	for _, v := range []uint32{d.BusNum, d.DevNum, d.Speed} {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return err
		}
	}
	for _, v := range []uint16{d.IDVendor, d.IDProduct, d.BcdDevice} {
		if err := binary.Write(w, binary.BigEndian, v); err != nil {
			return err
		}
	}
	_, err := w.Write([]byte{
		d.BDeviceClass,
		d.BDeviceSubClass,
		d.BDeviceProtocol,
		d.BConfigurationValue,
		d.BNumConfigurations,
		d.BNumInterfaces,
	})
	return err
}

// WriteDevlist writes the device entry used by OP_REP_DEVLIST: the fixed
// record followed by BNumInterfaces interface tuples.
func (d *ExportedDevice) WriteDevlist(w io.Writer) error {
	if err := d.writeFixed(w); err != nil {
		return err
	}
	for i := 0; i < int(d.BNumInterfaces); i++ {
		var iface InterfaceDesc
		if i < len(d.Interfaces) {
			iface = d.Interfaces[i]
		}
		if err := iface.write(w); err != nil {
			return err
		}
	}
	return nil
}

// WriteImport writes the device entry used by OP_REP_IMPORT: the fixed
// record only, with no trailing interface descriptors.
func (d *ExportedDevice) WriteImport(w io.Writer) error {
	return d.writeFixed(w)
}

func (d *ExportedDevice) readFixed(r io.Reader) error {
	var buf [deviceRecordFixSize]byte
	if err := ReadExactly(r, buf[:]); err != nil {
		return err
	}
	path := buf[0:PathFieldSize]
	busid := buf[PathFieldSize : PathFieldSize+BusIdFieldSize]
	off := PathFieldSize + BusIdFieldSize

	d.Path = FixedString(path)
	d.BusId = FixedString(busid)
	d.BusNum = binary.BigEndian.Uint32(buf[off : off+4])
	d.DevNum = binary.BigEndian.Uint32(buf[off+4 : off+8])
	d.Speed = binary.BigEndian.Uint32(buf[off+8 : off+12])
	off += 12
	d.IDVendor = binary.BigEndian.Uint16(buf[off : off+2])
	d.IDProduct = binary.BigEndian.Uint16(buf[off+2 : off+4])
	d.BcdDevice = binary.BigEndian.Uint16(buf[off+4 : off+6])
	off += 6
	d.BDeviceClass = buf[off]
	d.BDeviceSubClass = buf[off+1]
	d.BDeviceProtocol = buf[off+2]
	d.BConfigurationValue = buf[off+3]
	d.BNumConfigurations = buf[off+4]
	d.BNumInterfaces = buf[off+5]
	return nil
}

// ReadDevlistEntry decodes one OP_REP_DEVLIST device entry, including its
// trailing interface tuples.
func ReadDevlistEntry(r io.Reader) (ExportedDevice, error) {
	var d ExportedDevice
	if err := d.readFixed(r); err != nil {
		return d, err
	}
	if d.BNumInterfaces > 0 {
		d.Interfaces = make([]InterfaceDesc, 0, d.BNumInterfaces)
		for i := uint8(0); i < d.BNumInterfaces; i++ {
			iface, err := readInterfaceDesc(r)
			if err != nil {
				return d, err
			}
			d.Interfaces = append(d.Interfaces, iface)
		}
	}
	return d, nil
}

// ReadImportEntry decodes the device entry carried by a successful
// OP_REP_IMPORT reply (no trailing interfaces).
func ReadImportEntry(r io.Reader) (ExportedDevice, error) {
	var d ExportedDevice
	err := d.readFixed(r)
	return d, err
}

// ParseImportRequest decodes the 32-byte NUL-padded busid field following
// an OP_REQ_IMPORT common header.
func ParseImportRequest(r io.Reader) (string, error) {
	var buf [BusIdFieldSize]byte
	if err := ReadExactly(r, buf[:]); err != nil {
		return "", err
	}
	end := bytes.IndexByte(buf[:], 0)
	if end == -1 {
		end = len(buf)
	}
	return string(buf[:end]), nil
}

// WriteImportRequest writes the OP_REQ_IMPORT busid field.
func WriteImportRequest(w io.Writer, busid string) error {
	if len(busid) >= BusIdFieldSize {
		return fmt.Errorf("usbip: busid %q too long for %d-byte field", busid, BusIdFieldSize)
	}
	var buf [BusIdFieldSize]byte
	PutFixedString(buf[:], busid)
	_, err := w.Write(buf[:])
	return err
}
