package capture

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbipd-go/usbipd/usbip"
)

func TestMockDriverQueuedResponses(t *testing.T) {
	m := NewMockDriver()
	m.QueueResponse(1, Completion{Status: usbip.StatusStall})
	m.QueueResponse(1, Completion{Status: usbip.StatusOK, ActualLength: 4, Data: []byte{1, 2, 3, 4}})

	c, err := m.Submit(context.Background(), 1, usbip.DirIn, [8]byte{}, nil, 4)
	require.NoError(t, err)
	assert.Equal(t, usbip.StatusStall, c.Status)

	c, err = m.Submit(context.Background(), 1, usbip.DirIn, [8]byte{}, nil, 4)
	require.NoError(t, err)
	assert.Equal(t, usbip.StatusOK, c.Status)
	assert.Equal(t, []byte{1, 2, 3, 4}, c.Data)

	require.Len(t, m.Submits, 2)
}

func TestMockDriverDefaultsToOKWhenUnscripted(t *testing.T) {
	m := NewMockDriver()
	c, err := m.Submit(context.Background(), 2, usbip.DirOut, [8]byte{}, []byte{9, 9}, 2)
	require.NoError(t, err)
	assert.Equal(t, usbip.StatusOK, c.Status)
	assert.Equal(t, uint32(2), c.ActualLength)
}

func TestMockDriverReleaseAndReset(t *testing.T) {
	m := NewMockDriver()
	require.NoError(t, m.Open(context.Background()))
	require.NoError(t, m.Reset(context.Background()))
	assert.Equal(t, 1, m.Resets())
	require.NoError(t, m.Release())
	assert.True(t, m.Released())
}
