//go:build windows

package util

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows"
)

// IsElevated reports whether the process token carries the elevated
// privilege bind/unbind require to mutate the registry, per §4.B/§6.
func IsElevated() bool {
	return windows.GetCurrentProcessToken().IsElevated()
}

// singleInstanceLock holds a named Win32 mutex for the life of the
// process; releasing it drops the lock.
type singleInstanceLock struct {
	handle windows.Handle
}

func (l *singleInstanceLock) Release() error {
	if l.handle == 0 {
		return nil
	}
	_, _ = windows.WaitForSingleObject(l.handle, 0)
	return windows.CloseHandle(l.handle)
}

// AcquireSingleInstanceLock creates (or opens) a named Win32 mutex derived
// from name and fails if another process already owns it, enforcing the
// single-server invariant in §5.
func AcquireSingleInstanceLock(name string) (func() error, error) {
	namePtr, err := windows.UTF16PtrFromString(`Global\` + name)
	if err != nil {
		return nil, fmt.Errorf("encode mutex name: %w", err)
	}
	handle, err := windows.CreateMutex(nil, false, namePtr)
	if err != nil {
		if errors.Is(err, windows.ERROR_ALREADY_EXISTS) {
			if handle != 0 {
				_ = windows.CloseHandle(handle)
			}
			return nil, fmt.Errorf("another instance is already running (mutex %s already held)", name)
		}
		if handle == 0 {
			return nil, fmt.Errorf("create single-instance mutex: %w", err)
		}
	}
	lock := &singleInstanceLock{handle: handle}
	return lock.Release, nil
}
