// Package lock provides the cross-process writer lock that serialises
// mutations of memlink's node-local state: the handle database, the
// simulated device and the descriptor directory.
//
// The lock is an flock(2) on {runtime}/.lock. Code that mutates state
// receives a WriterScope, which can only be obtained from Run, as proof
// that the lock is held.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const (
	initialBackoff = 25 * time.Millisecond
	maxBackoff     = 500 * time.Millisecond
)

// WriterScope represents the dynamic execution region in which the
// writer lock is held. It cannot be implemented outside this package.
type WriterScope interface {
	// DupFD duplicates the lock fd so that a child process can
	// inherit the lock.
	DupFD() (*os.File, error)

	// FD returns the raw lock file descriptor (for logging/diagnostics).
	FD() int

	// Path returns the lock file path.
	Path() string

	writerScopeMarker()
}

type writerScope struct {
	f *os.File
}

func (*writerScope) writerScopeMarker() {}

func (s *writerScope) FD() int {
	return int(s.f.Fd())
}

func (s *writerScope) Path() string {
	return s.f.Name()
}

func (s *writerScope) DupFD() (*os.File, error) {
	dup, err := unix.FcntlInt(s.f.Fd(), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("dup lock fd: %w", err)
	}
	return os.NewFile(uintptr(dup), s.f.Name()), nil
}

// Run acquires the writer lock at lockPath, executes fn, then releases
// the lock. Acquisition polls LOCK_EX|LOCK_NB with exponential backoff
// and gives up when ctx is done.
func Run(ctx context.Context, lockPath string, fn func(context.Context, WriterScope) error) error {
	f, err := acquireWriter(ctx, lockPath)
	if err != nil {
		return err
	}
	defer f.Close()

	return fn(ctx, &writerScope{f: f})
}

func acquireWriter(ctx context.Context, path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	backoff := initialBackoff
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			f.Close()
			return nil, fmt.Errorf("flock %s: %w", path, err)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			f.Close()
			return nil, fmt.Errorf("waiting for writer lock %s: %w", path, ctx.Err())
		case <-timer.C:
		}

		backoff = min(backoff*2, maxBackoff)
	}
}
