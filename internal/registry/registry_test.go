package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	reg, err := Open(filepath.Join(dir, "devices.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func TestBindUnbindSequenceIsIdempotent(t *testing.T) {
	reg := open(t)

	before, err := reg.ListShared()
	require.NoError(t, err)
	require.Empty(t, before)

	res, err := reg.Bind("3-4", "Example Device", true)
	require.NoError(t, err)
	assert.Equal(t, BindOk, res)

	res, err = reg.Unbind("3-4")
	require.NoError(t, err)
	assert.Equal(t, UnbindOk, res)

	after, err := reg.ListShared()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestBindBindUnbindSequenceIsIdempotent(t *testing.T) {
	reg := open(t)

	before, err := reg.ListShared()
	require.NoError(t, err)

	res, err := reg.Bind("3-4", "Example Device", true)
	require.NoError(t, err)
	assert.Equal(t, BindOk, res)

	res, err = reg.Bind("3-4", "Example Device", true)
	require.NoError(t, err)
	assert.Equal(t, BindAlreadyShared, res, "binding an already-shared device is a no-op")

	res, err = reg.Unbind("3-4")
	require.NoError(t, err)
	assert.Equal(t, UnbindOk, res)

	after, err := reg.ListShared()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestBindRejectsAbsentDevice(t *testing.T) {
	reg := open(t)
	res, err := reg.Bind("3-4", "desc", false)
	require.NoError(t, err)
	assert.Equal(t, BindNotPresent, res)
}

func TestBindDeniedWithoutPrivilege(t *testing.T) {
	dir := t.TempDir()
	reg, err := Open(filepath.Join(dir, "devices.db"), func() bool { return false })
	require.NoError(t, err)
	defer reg.Close()

	res, err := reg.Bind("3-4", "desc", true)
	require.NoError(t, err)
	assert.Equal(t, BindAccessDenied, res)
}

func TestUnbindUnknownReturnsNotShared(t *testing.T) {
	reg := open(t)
	res, err := reg.Unbind("9-9")
	require.NoError(t, err)
	assert.Equal(t, UnbindNotShared, res)
}

func TestMarkAttachedExclusivity(t *testing.T) {
	reg := open(t)
	_, err := reg.Bind("3-4", "desc", true)
	require.NoError(t, err)

	res, _, err := reg.MarkAttached("3-4", "127.0.0.1:1111")
	require.NoError(t, err)
	assert.Equal(t, MarkAttachedOk, res)

	res, _, err = reg.MarkAttached("3-4", "127.0.0.1:2222")
	require.NoError(t, err)
	assert.Equal(t, MarkAttachedAlready, res, "a second attach must fail while one session holds the device")

	require.NoError(t, reg.MarkDetached("3-4"))

	res, _, err = reg.MarkAttached("3-4", "127.0.0.1:2222")
	require.NoError(t, err)
	assert.Equal(t, MarkAttachedOk, res, "a new session may attach once the prior one detaches")
}

func TestMarkAttachedRequiresShared(t *testing.T) {
	reg := open(t)
	res, _, err := reg.MarkAttached("9-9", "127.0.0.1:1111")
	require.NoError(t, err)
	assert.Equal(t, MarkAttachedNotShared, res)
}

func TestListPersistedExcludesCurrentlyPresent(t *testing.T) {
	reg := open(t)
	_, err := reg.Bind("3-4", "present", true)
	require.NoError(t, err)
	_, err = reg.Bind("5-6", "unplugged", true)
	require.NoError(t, err)

	persisted, err := reg.ListPersisted(map[string]bool{"3-4": true})
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, "5-6", persisted[0].BusId)
}

func TestRestartResetsAttachmentButKeepsBindings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.db")

	reg, err := Open(path, nil)
	require.NoError(t, err)
	_, err = reg.Bind("3-4", "desc", true)
	require.NoError(t, err)
	_, _, err = reg.MarkAttached("3-4", "127.0.0.1:1")
	require.NoError(t, err)
	require.NoError(t, reg.Close())

	reg2, err := Open(path, nil)
	require.NoError(t, err)
	defer reg2.Close()

	shared, err := reg2.ListShared()
	require.NoError(t, err)
	require.Len(t, shared, 1)
	assert.Equal(t, "3-4", shared[0].BusId)
	assert.False(t, shared[0].Attachment.Attached, "attachment state must not survive a restart")
}

func TestUnbindByGuid(t *testing.T) {
	reg := open(t)
	_, err := reg.Bind("3-4", "desc", true)
	require.NoError(t, err)

	shared, err := reg.ListShared()
	require.NoError(t, err)
	require.Len(t, shared, 1)

	res, err := reg.UnbindByGuid(shared[0].PersistentGuid)
	require.NoError(t, err)
	assert.Equal(t, UnbindOk, res)

	shared, err = reg.ListShared()
	require.NoError(t, err)
	assert.Empty(t, shared)
}
