package usb_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/usbipd-go/usbipd/internal/capture"
	"github.com/usbipd-go/usbipd/internal/enumerator"
	"github.com/usbipd-go/usbipd/usbip"
)

// TestDoubleAttachSecondClientIsRejected covers §8 scenario 3: two clients
// importing the same bus-id concurrently, the second must be refused while
// the first holds the attachment (invariant 1: at most one Attached per bus-id).
func TestDoubleAttachSecondClientIsRejected(t *testing.T) {
	busId := "3-4"
	enum := &enumerator.MockEnumerator{Devices: []usbip.ExportedDevice{sampleDevice(busId)}}
	openDrv := func(ctx context.Context, gotBusId string) (capture.Driver, error) {
		return capture.NewMockDriver(), nil
	}
	srv, reg := newTestServer(t, enum, openDrv)
	_, err := reg.Bind(busId, "widget", true)
	require.NoError(t, err)

	first, err := importDevice(t, srv.Addr(), busId)
	require.NoError(t, err)
	defer first.Close()

	second, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer second.Close()

	req := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqImport}
	require.NoError(t, req.Write(second))
	require.NoError(t, usbip.WriteImportRequest(second, busId))

	var reply usbip.MgmtHeader
	require.NoError(t, reply.Read(second))
	require.EqualValues(t, 1, reply.Status)
}

// TestUnlinkRaceNeverLosesOrDuplicatesAFrame covers §8 scenario 5: racing a
// CMD_UNLINK against the CMD_SUBMIT it targets must yield exactly one
// RET_SUBMIT and one RET_UNLINK, never a lost or duplicated frame, and
// RET_UNLINK.status is always 0 regardless of which one wins the race.
func TestUnlinkRaceNeverLosesOrDuplicatesAFrame(t *testing.T) {
	busId := "5-6"
	enum := &enumerator.MockEnumerator{Devices: []usbip.ExportedDevice{sampleDevice(busId)}}

	mock := capture.NewMockDriver()
	payload := make([]byte, 512)
	mock.QueueResponse(2, capture.Completion{Status: usbip.StatusOK, ActualLength: 512, Data: payload})
	openDrv := func(ctx context.Context, gotBusId string) (capture.Driver, error) { return mock, nil }

	srv, reg := newTestServer(t, enum, openDrv)
	_, err := reg.Bind(busId, "widget", true)
	require.NoError(t, err)

	conn, err := importDevice(t, srv.Addr(), busId)
	require.NoError(t, err)
	defer conn.Close()

	submit := usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: 7, Devid: 1, Dir: usbip.DirIn, Ep: 2},
		TransferBufferLen: 512,
	}
	require.NoError(t, submit.Write(conn))

	unlink := usbip.CmdUnlink{
		Basic:        usbip.HeaderBasic{Command: usbip.CmdUnlinkCode, Seqnum: 8, Devid: 1},
		UnlinkSeqnum: 7,
	}
	require.NoError(t, unlink.Write(conn))

	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))

	var sawSubmit, sawUnlink bool
	var submitStatus int32
	var actualLength uint32
	for i := 0; i < 2; i++ {
		var hdr [usbip.UrbHeaderSize]byte
		require.NoError(t, usbip.ReadExactly(conn, hdr[:]))
		switch usbip.PeekCommand(hdr[:]) {
		case usbip.RetSubmitCode:
			require.False(t, sawSubmit, "RET_SUBMIT seen twice")
			sawSubmit = true
			ret := usbip.DecodeRetSubmit(hdr[:])
			require.EqualValues(t, 7, ret.Basic.Seqnum)
			submitStatus = ret.Status
			actualLength = ret.ActualLength
			if ret.Status == 0 && ret.ActualLength > 0 {
				discard := make([]byte, ret.ActualLength)
				require.NoError(t, usbip.ReadExactly(conn, discard))
			}
		case usbip.RetUnlinkCode:
			require.False(t, sawUnlink, "RET_UNLINK seen twice")
			sawUnlink = true
			ret := usbip.DecodeRetUnlink(hdr[:])
			require.EqualValues(t, 0, ret.Status)
		default:
			t.Fatalf("unexpected reply command %x", usbip.PeekCommand(hdr[:]))
		}
	}
	require.True(t, sawSubmit)
	require.True(t, sawUnlink)
	if submitStatus == 0 {
		require.EqualValues(t, 512, actualLength)
	} else {
		require.EqualValues(t, usbip.ErrnoECONNRESET, submitStatus)
	}
}

// TestClientDisconnectReleasesDeviceAndMarksDetached covers the boundary
// behavior: a client going away mid-session must release the capture
// driver and flip the registry back to Unattached.
func TestClientDisconnectReleasesDeviceAndMarksDetached(t *testing.T) {
	busId := "7-1"
	enum := &enumerator.MockEnumerator{Devices: []usbip.ExportedDevice{sampleDevice(busId)}}
	mock := capture.NewMockDriver()
	openDrv := func(ctx context.Context, gotBusId string) (capture.Driver, error) { return mock, nil }

	srv, reg := newTestServer(t, enum, openDrv)
	_, err := reg.Bind(busId, "widget", true)
	require.NoError(t, err)

	conn, err := importDevice(t, srv.Addr(), busId)
	require.NoError(t, err)
	conn.Close()

	require.Eventually(t, func() bool {
		return mock.Released()
	}, 2*time.Second, 10*time.Millisecond, "driver was not released after disconnect")

	require.Eventually(t, func() bool {
		shared, _, err := reg.FindByBusId(busId)
		return err == nil && !shared.Attachment.Attached
	}, 2*time.Second, 10*time.Millisecond, "registry still shows device attached after disconnect")
}

func importDevice(t *testing.T, addr, busId string) (net.Conn, error) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
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
	if reply.Status != 0 {
		conn.Close()
		return nil, &importRejectedError{busId: busId, status: reply.Status}
	}
	if _, err := usbip.ReadImportEntry(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

type importRejectedError struct {
	busId  string
	status uint32
}

func (e *importRejectedError) Error() string {
	return "import " + e.busId + " rejected"
}
