//go:build !windows

package util

import (
	"fmt"
	"os"
	"strconv"
	"syscall"
)

// IsElevated reports whether the process has the privilege bind/unbind
// require to mutate the registry, per §4.B/§6 ("write access requires
// administrative privilege"). On Unix that's root.
func IsElevated() bool {
	return os.Geteuid() == 0
}

// singleInstanceLock holds the flock'd PID file open for the life of the
// process; releasing it (closing fd) drops the lock.
type singleInstanceLock struct {
	f *os.File
}

func (l *singleInstanceLock) Release() error {
	if l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	return l.f.Close()
}

// AcquireSingleInstanceLock takes an exclusive, non-blocking flock on
// path, writing the current PID into it on success. It returns an error
// if another process already holds the lock, enforcing the single-server
// invariant in §5.
func AcquireSingleInstanceLock(path string) (func() error, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("another instance is already running (lock held on %s): %w", path, err)
	}
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0)
	}
	lock := &singleInstanceLock{f: f}
	return lock.Release, nil
}
