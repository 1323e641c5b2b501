package enumerator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbipd-go/usbipd/usbip"
)

func TestMockEnumeratorSortsByBusId(t *testing.T) {
	m := &MockEnumerator{Devices: []usbip.ExportedDevice{
		{BusId: "3-4"},
		{BusId: "1-2"},
		{BusId: "1-10"},
	}}

	got, err := m.ListConnected(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"1-2", "1-10", "3-4"}, []string{got[0].BusId, got[1].BusId, got[2].BusId})
}

func TestMockEnumeratorOmitsInterfacesWithoutDescriptions(t *testing.T) {
	m := &MockEnumerator{Devices: []usbip.ExportedDevice{
		{BusId: "1-1", Interfaces: []usbip.InterfaceDesc{{Class: 3}}},
	}}

	got, err := m.ListConnected(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Empty(t, got[0].Interfaces)

	got, err = m.ListConnected(context.Background(), true)
	require.NoError(t, err)
	assert.Len(t, got[0].Interfaces, 1)
}

func TestMockEnumeratorDoesNotMutateSource(t *testing.T) {
	m := &MockEnumerator{Devices: []usbip.ExportedDevice{
		{BusId: "1-1", Interfaces: []usbip.InterfaceDesc{{Class: 3}}},
	}}
	_, err := m.ListConnected(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, m.Devices[0].Interfaces, 1, "ListConnected must not mutate the caller's backing slice")
}
