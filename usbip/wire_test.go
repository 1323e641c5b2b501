package usbip

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusIdRoundTrip(t *testing.T) {
	cases := []string{"1-1", "3-4", "65535-65535", "12-3"}
	for _, s := range cases {
		b, err := ParseBusId(s)
		require.NoError(t, err)
		assert.Equal(t, s, b.String())
	}
}

func TestBusIdRejectsZeroComponents(t *testing.T) {
	for _, s := range []string{"0-1", "1-0", "0-0"} {
		_, err := ParseBusId(s)
		assert.Error(t, err, s)
	}
}

func TestBusIdRejectsOverflow(t *testing.T) {
	_, err := ParseBusId("99999999-1")
	assert.Error(t, err)
}

func TestBusIdOrdering(t *testing.T) {
	a := BusId{Bus: 1, Port: 9}
	b := BusId{Bus: 2, Port: 1}
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.Equal(t, -1, a.Compare(b))
}

func TestDeviceId(t *testing.T) {
	b := BusId{Bus: 3, Port: 4}
	assert.Equal(t, uint32(3)<<16|4, b.DeviceId())
}

func TestMgmtHeaderRoundTrip(t *testing.T) {
	h := MgmtHeader{Version: Version, Command: OpRepDevlist, Status: 0}
	var buf bytes.Buffer
	require.NoError(t, h.Write(&buf))

	var got MgmtHeader
	require.NoError(t, got.Read(&buf))
	assert.Equal(t, h, got)
}

func TestExportedDeviceDevlistRoundTrip(t *testing.T) {
	d := ExportedDevice{
		Path:                "/sys/bus/usb/devices/3-4",
		BusId:                "3-4",
		BusNum:              3,
		DevNum:              4,
		Speed:               2,
		IDVendor:            0x1234,
		IDProduct:           0x5678,
		BcdDevice:           0x0100,
		BDeviceClass:        9,
		BDeviceSubClass:     0,
		BDeviceProtocol:     1,
		BConfigurationValue: 1,
		BNumConfigurations:  1,
		BNumInterfaces:      2,
		Interfaces: []InterfaceDesc{
			{Class: 3, SubClass: 1, Protocol: 2},
			{Class: 8, SubClass: 6, Protocol: 0x50},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, d.WriteDevlist(&buf))

	got, err := ReadDevlistEntry(&buf)
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestExportedDeviceImportRoundTrip(t *testing.T) {
	d := ExportedDevice{
		Path:                "/sys/bus/usb/devices/3-4",
		BusId:                "3-4",
		BusNum:              3,
		DevNum:              4,
		Speed:               2,
		IDVendor:            0x1234,
		IDProduct:           0x5678,
		BcdDevice:           0x0100,
		BDeviceClass:        9,
		BConfigurationValue: 1,
		BNumConfigurations:  1,
		BNumInterfaces:      1,
	}
	var buf bytes.Buffer
	require.NoError(t, d.WriteImport(&buf))

	got, err := ReadImportEntry(&buf)
	require.NoError(t, err)
	// Import replies never carry interface tuples.
	d.Interfaces = nil
	assert.Equal(t, d, got)
}

func TestImportRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteImportRequest(&buf, "3-4"))
	got, err := ParseImportRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, "3-4", got)
}

func TestCmdSubmitRoundTrip(t *testing.T) {
	c := CmdSubmit{
		Basic:             HeaderBasic{Command: CmdSubmitCode, Seqnum: 7, Devid: 0x10002, Dir: DirIn, Ep: 0},
		TransferFlags:     0,
		TransferBufferLen: 18,
		StartFrame:        0,
		NumberOfPackets:   0,
		Interval:          0,
		Setup:             [8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00},
	}
	var buf bytes.Buffer
	require.NoError(t, c.Write(&buf))
	require.Equal(t, UrbHeaderSize, buf.Len())

	got := DecodeCmdSubmit(buf.Bytes())
	assert.Equal(t, c, got)
}

func TestRetSubmitRoundTrip(t *testing.T) {
	r := RetSubmit{
		Basic:           HeaderBasic{Command: RetSubmitCode, Seqnum: 1},
		Status:          0,
		ActualLength:    18,
		StartFrame:      0,
		NumberOfPackets: 0,
		ErrorCount:      0,
	}
	var buf bytes.Buffer
	require.NoError(t, r.Write(&buf))
	require.Equal(t, UrbHeaderSize, buf.Len())

	got := DecodeRetSubmit(buf.Bytes())
	assert.Equal(t, r, got)
}

func TestCmdUnlinkRoundTrip(t *testing.T) {
	c := CmdUnlink{Basic: HeaderBasic{Command: CmdUnlinkCode, Seqnum: 2}, UnlinkSeqnum: 7}
	var buf bytes.Buffer
	require.NoError(t, c.Write(&buf))
	require.Equal(t, UrbHeaderSize, buf.Len())

	got := DecodeCmdUnlink(buf.Bytes())
	assert.Equal(t, c, got)
}

func TestRetUnlinkRoundTrip(t *testing.T) {
	r := RetUnlink{Basic: HeaderBasic{Command: RetUnlinkCode, Seqnum: 2}, Status: 0}
	var buf bytes.Buffer
	require.NoError(t, r.Write(&buf))
	require.Equal(t, UrbHeaderSize, buf.Len())

	got := DecodeRetUnlink(buf.Bytes())
	assert.Equal(t, r, got)
}

func TestIsoPacketDescRoundTrip(t *testing.T) {
	descs := []IsoPacketDesc{
		{Offset: 0, Length: 188, ActualLength: 188, Status: 0},
		{Offset: 188, Length: 188, ActualLength: 0, Status: errnoEPIPE},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteIsoPacketDescs(&buf, descs))

	got, err := ReadIsoPacketDescs(&buf, int32(len(descs)))
	require.NoError(t, err)
	assert.Equal(t, descs, got)
}

func TestErrnoMapping(t *testing.T) {
	cases := map[TransferStatus]int32{
		StatusOK:                 0,
		StatusStall:              errnoEPIPE,
		StatusDeviceNotResponding: errnoETIME,
		StatusCRCError:           errnoEILSEQ,
		StatusNAK:                errnoEPROTO,
		StatusUnderrun:           errnoEREMOTEIO,
		StatusOverrun:            errnoEOVERFLOW,
		TransferStatus(99):       errnoEPROTO,
	}
	for status, want := range cases {
		assert.Equal(t, want, status.Errno())
	}
}
