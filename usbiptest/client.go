// Package usbiptest provides a minimal USB/IP client for exercising a
// server started in-process during tests. It speaks just enough of the
// wire protocol (§4 of the spec) to drive OP_REQ_DEVLIST, OP_REQ_IMPORT,
// CMD_SUBMIT and CMD_UNLINK without pulling in a real USB/IP client stack.
package usbiptest

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/usbipd-go/usbipd/usbip"
)

// Client dials a usbipd listener and issues requests on behalf of a test.
type Client struct {
	address string
	seq     uint32
}

// Device is the subset of usbip.ExportedDevice fields a test typically
// wants to assert on, decoded from an OP_REP_DEVLIST or OP_REP_IMPORT entry.
type Device struct {
	Path       string
	BusId      string
	BusNum     uint32
	DevNum     uint32
	Speed      uint32
	IDVendor   uint16
	IDProduct  uint16
	BcdDevice  uint16
	Class      uint8
	SubClass   uint8
	Protocol   uint8
	ConfigVal  uint8
	NumConfigs uint8
	NumIfaces  uint8
	Interfaces []usbip.InterfaceDesc
}

// ImportResult is the outcome of a successful AttachDevice call: the now
// attached connection (ready for CMD_SUBMIT/CMD_UNLINK traffic) plus the
// device record the server returned.
type ImportResult struct {
	Conn     net.Conn
	Exported Device
}

// New returns a client that dials addr (host:port) for every call.
func New(addr string) *Client {
	return &Client{address: addr}
}

func (c *Client) nextSeq() uint32 {
	return atomic.AddUint32(&c.seq, 1) - 1
}

// ListDevices performs OP_REQ_DEVLIST/OP_REP_DEVLIST on a fresh connection.
func (c *Client) ListDevices() ([]Device, error) {
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	req := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqDevlist}
	if err := req.Write(conn); err != nil {
		return nil, err
	}

	var reply usbip.MgmtHeader
	if err := reply.Read(conn); err != nil {
		return nil, err
	}
	if reply.Version != usbip.Version {
		return nil, fmt.Errorf("unexpected usbip version %x", reply.Version)
	}
	if reply.Command != usbip.OpRepDevlist {
		return nil, fmt.Errorf("unexpected reply command %x", reply.Command)
	}

	var listHdr usbip.DevListReplyHeader
	if err := listHdr.Read(conn); err != nil {
		return nil, err
	}

	devices := make([]Device, 0, listHdr.NDevices)
	for i := uint32(0); i < listHdr.NDevices; i++ {
		exp, err := usbip.ReadDevlistEntry(conn)
		if err != nil {
			return nil, err
		}
		devices = append(devices, fromExported(exp))
	}
	return devices, nil
}

// AttachDevice performs OP_REQ_IMPORT/OP_REP_IMPORT, leaving the connection
// open and ready for CMD_SUBMIT/CMD_UNLINK traffic on success.
func (c *Client) AttachDevice(busId string) (*ImportResult, error) {
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return nil, err
	}

	req := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqImport}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, err
	}
	if err := usbip.WriteImportRequest(conn, busId); err != nil {
		conn.Close()
		return nil, err
	}

	var reply usbip.MgmtHeader
	if err := reply.Read(conn); err != nil {
		conn.Close()
		return nil, err
	}
	if reply.Version != usbip.Version {
		conn.Close()
		return nil, fmt.Errorf("unexpected usbip version %x", reply.Version)
	}
	if reply.Command != usbip.OpRepImport {
		conn.Close()
		return nil, fmt.Errorf("unexpected reply command %x", reply.Command)
	}
	if reply.Status != 0 {
		conn.Close()
		return nil, fmt.Errorf("import %s rejected: status %d", busId, reply.Status)
	}

	exp, err := usbip.ReadImportEntry(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &ImportResult{Conn: conn, Exported: fromExported(exp)}, nil
}

func fromExported(exp usbip.ExportedDevice) Device {
	return Device{
		Path:       exp.Path,
		BusId:      exp.BusId,
		BusNum:     exp.BusNum,
		DevNum:     exp.DevNum,
		Speed:      exp.Speed,
		IDVendor:   exp.IDVendor,
		IDProduct:  exp.IDProduct,
		BcdDevice:  exp.BcdDevice,
		Class:      exp.BDeviceClass,
		SubClass:   exp.BDeviceSubClass,
		Protocol:   exp.BDeviceProtocol,
		ConfigVal:  exp.BConfigurationValue,
		NumConfigs: exp.BNumConfigurations,
		NumIfaces:  exp.BNumInterfaces,
		Interfaces: exp.Interfaces,
	}
}

// SubmitResult is the decoded RET_SUBMIT plus any payload that followed it.
type SubmitResult struct {
	Status       int32
	ActualLength uint32
	Data         []byte
}

// Submit sends an OUT CMD_SUBMIT carrying outPayload and blocks for the
// matching RET_SUBMIT. It returns the seqnum used alongside the decoded
// reply; since it only returns after the RET_SUBMIT arrives, it cannot be
// raced against an Unlink.
func (c *Client) Submit(conn net.Conn, ep uint32, outPayload []byte, setup *[8]byte, timeout time.Duration) (uint32, *SubmitResult, error) {
	var setupBytes [8]byte
	if setup != nil {
		setupBytes = *setup
	}
	seqnum := c.nextSeq()

	cmd := usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: seqnum, Devid: 1, Dir: usbip.DirOut, Ep: ep},
		TransferBufferLen: uint32(len(outPayload)),
		Setup:             setupBytes,
	}

	_ = conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	if err := cmd.Write(conn); err != nil {
		return seqnum, nil, err
	}
	if len(outPayload) > 0 {
		if _, err := conn.Write(outPayload); err != nil {
			return seqnum, nil, err
		}
	}

	res, err := c.readRetSubmit(conn, usbip.DirOut)
	return seqnum, res, err
}

// SubmitIn sends an IN transfer requesting bufLen bytes back.
func (c *Client) SubmitIn(conn net.Conn, ep uint32, bufLen uint32, setup *[8]byte, timeout time.Duration) (uint32, *SubmitResult, error) {
	var setupBytes [8]byte
	if setup != nil {
		setupBytes = *setup
	}
	seqnum := c.nextSeq()

	cmd := usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: seqnum, Devid: 1, Dir: usbip.DirIn, Ep: ep},
		TransferBufferLen: bufLen,
		Setup:             setupBytes,
	}

	_ = conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	if err := cmd.Write(conn); err != nil {
		return seqnum, nil, err
	}

	res, err := c.readRetSubmit(conn, usbip.DirIn)
	return seqnum, res, err
}

func (c *Client) readRetSubmit(conn net.Conn, dir uint32) (*SubmitResult, error) {
	var retHdr [usbip.UrbHeaderSize]byte
	if err := usbip.ReadExactly(conn, retHdr[:]); err != nil {
		return nil, err
	}
	ret := usbip.DecodeRetSubmit(retHdr[:])
	if ret.Basic.Command != usbip.RetSubmitCode {
		return nil, fmt.Errorf("unexpected ret command %x", ret.Basic.Command)
	}

	res := &SubmitResult{Status: ret.Status, ActualLength: ret.ActualLength}
	if dir == usbip.DirIn && ret.ActualLength > 0 {
		data := make([]byte, ret.ActualLength)
		if err := usbip.ReadExactly(conn, data); err != nil {
			return nil, err
		}
		res.Data = data
	}
	return res, nil
}

// Unlink sends CMD_UNLINK targeting seqnum and blocks for RET_UNLINK.
func (c *Client) Unlink(conn net.Conn, seqnum uint32, timeout time.Duration) (int32, error) {
	cmd := usbip.CmdUnlink{
		Basic:        usbip.HeaderBasic{Command: usbip.CmdUnlinkCode, Seqnum: c.nextSeq(), Devid: 1},
		UnlinkSeqnum: seqnum,
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	if err := cmd.Write(conn); err != nil {
		return 0, err
	}

	var hdr [usbip.UrbHeaderSize]byte
	if err := usbip.ReadExactly(conn, hdr[:]); err != nil {
		return 0, err
	}
	ret := usbip.DecodeRetUnlink(hdr[:])
	if ret.Basic.Command != usbip.RetUnlinkCode {
		return 0, fmt.Errorf("unexpected ret command %x", ret.Basic.Command)
	}
	return ret.Status, nil
}
