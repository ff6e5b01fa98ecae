// Package lockfile implements a cross-process advisory lock as a side-car
// marker file holding the owning process ID. A claim is exclusive because the
// marker is created with O_EXCL; a claim held by a dead process is detected
// by probing the recorded PID and forcibly cleared.
package lockfile

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/comrade-coop/teesa-engine/internal/errors"
)

var (
	// ErrTimeout is returned when the lock could not be claimed within the
	// configured number of attempts.
	ErrTimeout = errors.NewSentinel("lock acquisition timed out")
	// ErrNotHeld is returned when releasing a lock that is not held.
	ErrNotHeld = errors.NewSentinel("lock not held")
)

const (
	defaultMaxAttempts   = 50
	defaultRetryInterval = 100 * time.Millisecond
)

// Lock guards a shared resource across processes via a marker file at Path.
type Lock struct {
	Path string
	// MaxAttempts bounds the fixed-interval claim retries before giving up.
	MaxAttempts int
	// RetryInterval is the fixed pause between claim attempts.
	RetryInterval time.Duration

	logger *slog.Logger
	held   bool
}

// New creates a lock on the marker file at path with bounded default retries.
func New(path string, logger *slog.Logger) *Lock {
	return &Lock{
		Path:          path,
		MaxAttempts:   defaultMaxAttempts,
		RetryInterval: defaultRetryInterval,
		logger:        logger.With("source", "lockfile"),
	}
}

// Acquire claims the lock, retrying on contention at a fixed interval up to
// MaxAttempts. A marker owned by a process that is no longer alive is treated
// as stale and forcibly removed before retrying. Fails with ErrTimeout once
// the attempts are exhausted and with the context error if ctx is done.
func (l *Lock) Acquire(ctx context.Context) error {
	for attempt := 0; attempt < l.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "acquire lock", slog.String("path", l.Path))
		}

		claimed, err := l.tryClaim()
		if err != nil {
			return err
		}
		if claimed {
			l.held = true
			return nil
		}

		if l.clearIfStale() {
			// Stale owner removed; claim again without pausing.
			continue
		}

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "acquire lock", slog.String("path", l.Path))
		case <-time.After(l.RetryInterval):
		}
	}
	return errors.Wrap(ErrTimeout, "acquire lock",
		slog.String("path", l.Path),
		slog.Int("attempts", l.MaxAttempts))
}

// Release removes the marker file. It must be called on every exit path of
// the critical section, typically via defer.
func (l *Lock) Release() error {
	if !l.held {
		return ErrNotHeld
	}
	l.held = false
	if err := os.Remove(l.Path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove lock file", slog.String("path", l.Path))
	}
	return nil
}

// tryClaim attempts the create-only exclusive claim and records our PID in
// the marker on success.
func (l *Lock) tryClaim() (bool, error) {
	file, err := os.OpenFile(l.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "create lock file", slog.String("path", l.Path))
	}
	_, writeErr := file.WriteString(strconv.Itoa(os.Getpid()))
	closeErr := file.Close()
	if err = errors.Join(writeErr, closeErr); err != nil {
		_ = os.Remove(l.Path)
		return false, errors.Wrap(err, "write lock file", slog.String("path", l.Path))
	}
	return true, nil
}

// clearIfStale reads the claim owner's PID and removes the marker when the
// owner is verifiably dead or the marker is unreadable garbage. Returns true
// when the marker was cleared and a claim retry is worthwhile.
func (l *Lock) clearIfStale() bool {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		// Owner may have released between our claim attempt and now.
		return os.IsNotExist(err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		l.logger.Warn("removing unreadable lock file", "path", l.Path)
		return os.Remove(l.Path) == nil || !fileExists(l.Path)
	}
	if pid == os.Getpid() || processAlive(pid) {
		return false
	}
	l.logger.Warn("removing stale lock held by dead process", "path", l.Path, "pid", pid)
	return os.Remove(l.Path) == nil || !fileExists(l.Path)
}

// processAlive reports whether a process with the given PID exists. Signal 0
// performs the permission and existence checks without delivering a signal.
func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
