package capturesink

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopWriteCloser struct {
	*bytes.Buffer
}

func (nopWriteCloser) Close() error { return nil }

func TestNoopSinkDiscardsEverything(t *testing.T) {
	var s NoopSink
	s.Capture(Frame{Timestamp: time.Now(), Data: []byte{1, 2, 3}})
	assert.Equal(t, uint64(0), s.Dropped())
	require.NoError(t, s.Close())
}

func TestPcapngSinkWritesCapturedFrame(t *testing.T) {
	buf := nopWriteCloser{&bytes.Buffer{}}
	sink, err := Open(buf, 1)
	require.NoError(t, err)

	sink.Capture(Frame{Timestamp: time.Now(), Data: []byte{0x01, 0x02, 0x03, 0x04}})
	require.NoError(t, sink.Close())

	assert.Positive(t, buf.Buffer.Len(), "pcapng output should contain the section/interface headers plus one packet")
}
