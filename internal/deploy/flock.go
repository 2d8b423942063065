package deploy

import (
	"os"
	"syscall"
)

// Flock wraps an open file with flock(2) advisory locking.
//
// The lock is tied to the open file description, so closing the file
// releases it even if Unlock is never called.
type Flock struct {
	*os.File
}

// Lock acquires an exclusive lock, blocking until it is available.
func (f Flock) Lock() error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_EX)
}

// TryLock acquires an exclusive lock without blocking.
// It returns syscall.EWOULDBLOCK if another process holds the lock.
func (f Flock) TryLock() error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
}

// Unlock releases the lock. Unlocking an unlocked file is not an error.
func (f Flock) Unlock() error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}
