package usb_test

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/usbipd-go/usbipd/internal/capture"
	"github.com/usbipd-go/usbipd/internal/capturesink"
	"github.com/usbipd-go/usbipd/internal/enumerator"
	ourlog "github.com/usbipd-go/usbipd/internal/log"
	"github.com/usbipd-go/usbipd/internal/registry"
	srvusb "github.com/usbipd-go/usbipd/internal/server/usb"
	"github.com/usbipd-go/usbipd/usbip"
)

func openTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"), func() bool { return true })
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func newTestServer(t *testing.T, enum *enumerator.MockEnumerator, openDrv srvusb.DriverFactory) (*srvusb.Server, *registry.Registry) {
	t.Helper()
	reg := openTestRegistry(t)
	cfg := srvusb.ServerConfig{Addr: "127.0.0.1:0"}
	srv := srvusb.New(cfg, ourlog.SetupLogger(ourlog.Options{}), ourlog.NewRaw(nil), reg, enum, openDrv, capturesink.NoopSink{})
	go func() { _ = srv.ListenAndServe() }()
	select {
	case <-srv.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not become ready")
	}
	t.Cleanup(func() { _ = srv.Close() })
	return srv, reg
}

func sampleDevice(busId string) usbip.ExportedDevice {
	return usbip.ExportedDevice{
		Path:           "/sys/devices/" + busId,
		BusId:          busId,
		BusNum:         1,
		DevNum:         2,
		Speed:          2,
		IDVendor:       0x1234,
		IDProduct:      0x5678,
		BcdDevice:      0x0100,
		BDeviceClass:   0,
		BNumInterfaces: 1,
	}
}

func TestDevListReturnsOnlySharedDevices(t *testing.T) {
	enum := &enumerator.MockEnumerator{Devices: []usbip.ExportedDevice{sampleDevice("1-1"), sampleDevice("1-2")}}
	srv, reg := newTestServer(t, enum, nil)

	_, err := reg.Bind("1-1", "widget", true)
	require.NoError(t, err)

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	req := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqDevlist}
	require.NoError(t, req.Write(conn))

	var reply usbip.MgmtHeader
	require.NoError(t, reply.Read(conn))
	require.EqualValues(t, 0, reply.Status)

	var hdr usbip.DevListReplyHeader
	require.NoError(t, hdr.Read(conn))
	require.EqualValues(t, 1, hdr.NDevices)

	dev, err := usbip.ReadDevlistEntry(conn)
	require.NoError(t, err)
	require.Equal(t, "1-1", dev.BusId)
}

func TestImportUnknownBusIdIsRejected(t *testing.T) {
	enum := &enumerator.MockEnumerator{Devices: []usbip.ExportedDevice{sampleDevice("1-1")}}
	srv, _ := newTestServer(t, enum, nil)

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	req := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqImport}
	require.NoError(t, req.Write(conn))
	require.NoError(t, usbip.WriteImportRequest(conn, "9-9"))

	var reply usbip.MgmtHeader
	require.NoError(t, reply.Read(conn))
	require.EqualValues(t, 1, reply.Status)
}

func TestImportAndAttachedControlTransferRoundTrip(t *testing.T) {
	busId := "2-1"
	enum := &enumerator.MockEnumerator{Devices: []usbip.ExportedDevice{sampleDevice(busId)}}

	mock := capture.NewMockDriver()
	deviceDescriptor := append([]byte{0x12, 0x01}, make([]byte, 16)...)
	mock.QueueResponse(0, capture.Completion{Status: usbip.StatusOK, ActualLength: uint32(len(deviceDescriptor)), Data: deviceDescriptor})

	openDrv := func(ctx context.Context, gotBusId string) (capture.Driver, error) {
		require.Equal(t, busId, gotBusId)
		return mock, nil
	}

	srv, reg := newTestServer(t, enum, openDrv)
	_, err := reg.Bind(busId, "widget", true)
	require.NoError(t, err)

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	req := usbip.MgmtHeader{Version: usbip.Version, Command: usbip.OpReqImport}
	require.NoError(t, req.Write(conn))
	require.NoError(t, usbip.WriteImportRequest(conn, busId))

	var reply usbip.MgmtHeader
	require.NoError(t, reply.Read(conn))
	require.EqualValues(t, 0, reply.Status)

	_, err = usbip.ReadImportEntry(conn)
	require.NoError(t, err)

	submit := usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: 7, Devid: 1, Dir: usbip.DirIn, Ep: 0},
		TransferBufferLen: uint32(len(deviceDescriptor)),
	}
	require.NoError(t, submit.Write(conn))

	var hdr [usbip.UrbHeaderSize]byte
	require.NoError(t, usbip.ReadExactly(conn, hdr[:]))
	ret := usbip.DecodeRetSubmit(hdr[:])
	require.EqualValues(t, 7, ret.Basic.Seqnum)
	require.EqualValues(t, 0, ret.Status)
	require.EqualValues(t, len(deviceDescriptor), ret.ActualLength)

	payload := make([]byte, ret.ActualLength)
	require.NoError(t, usbip.ReadExactly(conn, payload))
	require.Equal(t, deviceDescriptor, payload)
}
