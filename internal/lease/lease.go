package lease

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// File is an exclusive lock held by creating a file with O_EXCL. A lock file
// older than the stale age is assumed abandoned by a crashed holder and is
// taken over.
type File struct {
	path  string
	stale time.Duration
	poll  time.Duration
	now   func() time.Time
}

// Option configures a File lease.
type Option func(*File)

// WithPollInterval sets how often a blocked Lock retries.
func WithPollInterval(d time.Duration) Option {
	return func(f *File) { f.poll = d }
}

// WithClock overrides the clock used for stale detection.
func WithClock(now func() time.Time) Option {
	return func(f *File) { f.now = now }
}

// NewFile returns a lease on path. stale <= 0 disables takeover.
func NewFile(path string, stale time.Duration, opts ...Option) *File {
	f := &File{path: path, stale: stale, poll: 100 * time.Millisecond, now: time.Now}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Path returns the lock file location.
func (f *File) Path() string { return f.path }

// Lock blocks until the lease is held or ctx is done. The returned func
// releases it.
func (f *File) Lock(ctx context.Context) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}

	for {
		ok, err := f.tryCreate()
		if err != nil {
			return nil, err
		}
		if ok {
			return func() { _ = os.Remove(f.path) }, nil
		}

		if f.breakStale() {
			continue
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lease %s: %w", f.path, ctx.Err())
		case <-time.After(f.poll):
		}
	}
}

func (f *File) tryCreate() (bool, error) {
	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("creating lock file: %w", err)
	}
	defer fh.Close()

	holder := strconv.Itoa(os.Getpid()) + " " + f.now().UTC().Format(time.RFC3339) + "\n"
	if _, err := fh.WriteString(holder); err != nil {
		_ = os.Remove(f.path)
		return false, fmt.Errorf("writing lock file: %w", err)
	}
	return true, nil
}

// breakStale removes the lock file when it is older than the stale age.
func (f *File) breakStale() bool {
	if f.stale <= 0 {
		return false
	}
	info, err := os.Stat(f.path)
	if err != nil {
		// Gone between attempts: retry right away.
		return errors.Is(err, os.ErrNotExist)
	}
	if f.now().Sub(info.ModTime()) <= f.stale {
		return false
	}
	return os.Remove(f.path) == nil
}
