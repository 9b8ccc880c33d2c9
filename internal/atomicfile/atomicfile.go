// Package atomicfile implements the crash-safe write protocol of spec
// §4.4: temp-file + fsync + rename + parent-dir fsync, guarded by a
// per-entity advisory lock. The lock primitive is grounded on
// xcawolfe-amzn-gastown's internal/quota.Manager.lock, the only place
// in the retrieval pack that wraps github.com/gofrs/flock around a
// read-modify-write cycle; the write protocol itself generalizes the
// teacher's plain os.WriteFile calls (internal/marshal has no atomic
// writer at all, since linear-fuse never writes back to Linear's files)
// into the durable sequence the vault requires.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/jra3/vaultd/internal/vaulterr"
)

// DefaultLockTimeout is the lock-acquisition timeout per spec §4.4/§5.
const DefaultLockTimeout = 10 * time.Second

// Write performs the atomic write protocol against path: it serializes
// no bytes itself (the caller already has them), it just executes
// temp-write -> fsync -> rename -> dir-fsync.
func Write(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &vaulterr.IOError{Op: "mkdir " + dir, Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return &vaulterr.IOError{Op: "create temp file", Err: err}
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &vaulterr.IOError{Op: "write temp file", Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return &vaulterr.IOError{Op: "fsync temp file", Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &vaulterr.IOError{Op: "close temp file", Err: err}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return &vaulterr.IOError{Op: "rename into place", Err: err}
	}

	if err := syncDir(dir); err != nil {
		return &vaulterr.IOError{Op: "fsync parent dir", Err: err}
	}

	return nil
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

// Remove deletes path and fsyncs its parent directory so the removal
// is durable across a crash; per spec §3.5 "renames go through
// delete-then-create", a delete is simply the terminal half of that
// rule.
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return &vaulterr.IOError{Op: "remove " + path, Err: err}
	}
	dir := filepath.Dir(path)
	if syncErr := syncDir(dir); syncErr != nil && !os.IsNotExist(syncErr) {
		return &vaulterr.IOError{Op: "fsync parent dir after remove", Err: syncErr}
	}
	return nil
}

// Lock is a held per-entity advisory lock; call Unlock to release it.
type Lock struct {
	fl *flock.Flock
}

func (l *Lock) Unlock() {
	if l.fl != nil {
		_ = l.fl.Unlock()
	}
}

// AcquireLock takes the exclusive advisory lock at
// {vaultRoot}/.locks/{id}.lock, retrying until timeout elapses. A
// timed-out acquisition surfaces as *vaulterr.LockTimeout, which the
// host treats as retryable.
func AcquireLock(vaultRoot, id string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}

	lockDir := filepath.Join(vaultRoot, ".locks")
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return nil, &vaulterr.IOError{Op: "mkdir .locks", Err: err}
	}
	lockPath := filepath.Join(lockDir, fmt.Sprintf("%s.lock", id))

	fl := flock.New(lockPath)
	deadline := time.Now().Add(timeout)
	for {
		ok, err := fl.TryLock()
		if err != nil {
			return nil, &vaulterr.IOError{Op: "acquire lock " + id, Err: err}
		}
		if ok {
			return &Lock{fl: fl}, nil
		}
		if time.Now().After(deadline) {
			return nil, &vaulterr.LockTimeout{ID: id, Timeout: timeout.String()}
		}
		time.Sleep(25 * time.Millisecond)
	}
}
