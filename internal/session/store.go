// Package session owns the single authoritative GameSession record. The
// record is a JSON file shared with peer processes; mutations are serialized
// by an in-process mutex plus a cross-process lock file, and every mutation
// is a pure copy-on-write transformation applied to the freshest persisted
// state.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/comrade-coop/teesa-engine/internal/errors"
	"github.com/comrade-coop/teesa-engine/internal/lockfile"
	"github.com/comrade-coop/teesa-engine/internal/models"
	"github.com/comrade-coop/teesa-engine/internal/random"
)

// ErrStaleGeneration is returned by MutateGeneration when the live session
// was reset after the caller captured its generation token. The delayed write
// is discarded.
var ErrStaleGeneration = errors.NewSentinel("session generation is stale")

// marker tracks the persisted record's last known modification state so the
// store can detect writes by peer processes without holding any lock.
type marker struct {
	modTime time.Time
	size    int64
}

// Store is the single source of truth for the live GameSession. Construct
// exactly one Store per process and inject it into callers; there is no
// package-level instance.
type Store struct {
	path        string
	lock        *lockfile.Lock
	logger      *slog.Logger
	secretWords []string

	// mu serializes in-process mutations. stateMu guards the cached snapshot
	// and marker so readers never wait behind a mutation's lock retries.
	mu      sync.Mutex
	stateMu sync.RWMutex
	cached  models.GameSession
	mark    marker
}

// New opens the store at path, loading the persisted record if present or
// creating a fresh session otherwise. secretWords is the candidate pool the
// store draws a new secret answer from on creation and reset.
func New(path string, secretWords []string, logger *slog.Logger) (*Store, error) {
	if len(secretWords) == 0 {
		return nil, errors.New("secret word pool must not be empty")
	}
	s := &Store{
		path:        path,
		lock:        lockfile.New(path+".lock", logger),
		logger:      logger.With("source", "session.Store"),
		secretWords: secretWords,
	}
	if err := s.loadLocked(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		fresh, createErr := s.freshSession(1)
		if createErr != nil {
			return nil, createErr
		}
		if persistErr := s.persistLocked(fresh); persistErr != nil {
			return nil, persistErr
		}
	}
	return s, nil
}

// Read returns a snapshot of the current session. When a peer process has
// modified the persisted record since the last load, the store reloads first.
// The read path never takes the cross-process lock and is best-effort
// resilient: persistence I/O errors are logged and the in-memory value is
// returned.
func (s *Store) Read() models.GameSession {
	s.stateMu.RLock()
	mark := s.mark
	cached := s.cached
	s.stateMu.RUnlock()

	info, err := os.Stat(s.path)
	if err != nil {
		s.logger.Error("stat session record", errors.SlogError(err))
		return cached
	}
	if info.ModTime().Equal(mark.modTime) && info.Size() == mark.size {
		return cached
	}

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if err = s.loadLocked(); err != nil {
		s.logger.Error("reload externally modified session record", errors.SlogError(err))
	}
	return s.cached
}

// Mutate atomically applies the pure transformation fn to the latest
// persisted session and persists the result. In-process calls are serialized
// by a mutex; cross-process calls by the advisory lock file. The lock is
// released on every exit path.
func (s *Store) Mutate(
	ctx context.Context,
	fn func(models.GameSession) models.GameSession,
) (models.GameSession, error) {
	return s.mutate(ctx, nil, fn)
}

// MutateGeneration behaves like Mutate but rejects the write with
// ErrStaleGeneration when the live session's generation no longer matches
// generation. Delayed writers such as retrying reward workers use this to
// avoid writing into a session created by a later reset.
func (s *Store) MutateGeneration(
	ctx context.Context,
	generation uint64,
	fn func(models.GameSession) models.GameSession,
) (models.GameSession, error) {
	return s.mutate(ctx, &generation, fn)
}

func (s *Store) mutate(
	ctx context.Context,
	generation *uint64,
	fn func(models.GameSession) models.GameSession,
) (models.GameSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Acquire(ctx); err != nil {
		return models.GameSession{}, errors.Wrap(err, "acquire session lock")
	}
	defer func() {
		if err := s.lock.Release(); err != nil {
			s.logger.Error("release session lock", errors.SlogError(err))
		}
	}()

	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	// Apply fn to the freshest persisted state, not a stale in-memory copy.
	if err := s.reloadIfModifiedLocked(); err != nil {
		return models.GameSession{}, err
	}
	if generation != nil && s.cached.Generation != *generation {
		return models.GameSession{}, errors.Wrap(ErrStaleGeneration, "session mutation",
			slog.Uint64("want", *generation),
			slog.Uint64("have", s.cached.Generation))
	}

	updated := fn(s.cached)
	if err := s.persistLocked(updated); err != nil {
		return models.GameSession{}, err
	}
	return updated, nil
}

// Reset deletes the persisted record together with any stale lock, creates a
// fresh default session with a bumped generation, persists and returns it.
func (s *Store) Reset(ctx context.Context) (models.GameSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	// Pick up a peer's generation bump before computing the next one. The
	// record is about to be deleted, so a failed reload is not fatal.
	if err := s.reloadIfModifiedLocked(); err != nil {
		s.logger.Error("reload before reset", errors.SlogError(err))
	}

	// A lock left behind by a crashed peer must not survive the reset.
	if err := os.Remove(s.lock.Path); err != nil && !os.IsNotExist(err) {
		return models.GameSession{}, errors.Wrap(err, "remove stale session lock")
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return models.GameSession{}, errors.Wrap(err, "remove session record")
	}

	fresh, err := s.freshSession(s.cached.Generation + 1)
	if err != nil {
		return models.GameSession{}, err
	}
	if err = s.persistLocked(fresh); err != nil {
		return models.GameSession{}, err
	}
	s.logger.InfoContext(ctx, "session reset",
		"session_id", fresh.ID, "generation", fresh.Generation)
	return fresh, nil
}

func (s *Store) freshSession(generation uint64) (models.GameSession, error) {
	word, err := random.Pick(s.secretWords)
	if err != nil {
		return models.GameSession{}, errors.Wrap(err, "pick secret word")
	}
	return models.NewGameSession(word, generation), nil
}

// reloadIfModifiedLocked reloads the persisted record when its modification
// marker differs from the last known one. Callers hold stateMu.
func (s *Store) reloadIfModifiedLocked() error {
	info, err := os.Stat(s.path)
	if err != nil {
		return errors.Wrap(err, "stat session record", slog.String("path", s.path))
	}
	if info.ModTime().Equal(s.mark.modTime) && info.Size() == s.mark.size {
		return nil
	}
	return s.loadLocked()
}

func (s *Store) loadLocked() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return errors.Wrap(err, "read session record", slog.String("path", s.path))
	}
	var loaded models.GameSession
	if err = json.Unmarshal(data, &loaded); err != nil {
		return errors.Wrap(err, "decode session record", slog.String("path", s.path))
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return errors.Wrap(err, "stat session record", slog.String("path", s.path))
	}
	s.cached = loaded
	s.mark = marker{modTime: info.ModTime(), size: info.Size()}
	return nil
}

// persistLocked writes the session atomically via a temp file rename so peer
// readers never observe a partial record. Callers hold stateMu.
func (s *Store) persistLocked(updated models.GameSession) error {
	data, err := json.MarshalIndent(updated, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode session record")
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return errors.Wrap(err, "create temp session record", slog.String("dir", dir))
	}
	tmpPath := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if err = errors.Join(writeErr, closeErr); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "write temp session record", slog.String("path", tmpPath))
	}
	if err = os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "replace session record", slog.String("path", s.path))
	}

	info, err := os.Stat(s.path)
	if err != nil {
		return errors.Wrap(err, "stat session record", slog.String("path", s.path))
	}
	s.cached = updated
	s.mark = marker{modTime: info.ModTime(), size: info.Size()}
	return nil
}
