package ledger

import (
	"encoding/json"
	"log/slog"

	"github.com/syndtr/goleveldb/leveldb"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/comrade-coop/teesa-engine/internal/errors"
	"github.com/comrade-coop/teesa-engine/internal/models"
)

const currentSnapshotKey = "ledger:current"

// SnapshotStore persists ledger snapshots to LevelDB so the bookkeeping
// mirror survives a crash. The latest snapshot is stored under a well-known
// key; terminal snapshots stay addressable by session ID for auditing.
type SnapshotStore struct {
	db *leveldb.DB
}

// NewSnapshotStore opens (or creates) the snapshot database at path.
func NewSnapshotStore(path string) (*SnapshotStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open ledger snapshot db", slog.String("path", path))
	}
	return &SnapshotStore{db: db}, nil
}

// NewMemorySnapshotStore creates a snapshot store backed by in-memory
// storage. Intended for tests.
func NewMemorySnapshotStore() (*SnapshotStore, error) {
	db, err := leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "open in-memory snapshot db")
	}
	return &SnapshotStore{db: db}, nil
}

// Save stores snap as the current snapshot and under its session ID.
func (s *SnapshotStore) Save(snap models.LedgerSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "encode ledger snapshot")
	}
	if err = s.db.Put([]byte(currentSnapshotKey), data, nil); err != nil {
		return errors.Wrap(err, "store current ledger snapshot")
	}
	if err = s.db.Put([]byte("ledger:session:"+snap.SessionID), data, nil); err != nil {
		return errors.Wrap(err, "store session ledger snapshot",
			slog.String("session_id", snap.SessionID))
	}
	return nil
}

// LoadCurrent returns the latest snapshot, reporting false when none exists.
func (s *SnapshotStore) LoadCurrent() (models.LedgerSnapshot, bool, error) {
	data, err := s.db.Get([]byte(currentSnapshotKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return models.LedgerSnapshot{}, false, nil
	}
	if err != nil {
		return models.LedgerSnapshot{}, false, errors.Wrap(err, "load current ledger snapshot")
	}
	var snap models.LedgerSnapshot
	if err = json.Unmarshal(data, &snap); err != nil {
		return models.LedgerSnapshot{}, false, errors.Wrap(err, "decode ledger snapshot")
	}
	return snap, true, nil
}

// LoadSession returns the snapshot recorded for a session ID.
func (s *SnapshotStore) LoadSession(sessionID string) (models.LedgerSnapshot, bool, error) {
	data, err := s.db.Get([]byte("ledger:session:"+sessionID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return models.LedgerSnapshot{}, false, nil
	}
	if err != nil {
		return models.LedgerSnapshot{}, false, errors.Wrap(err, "load session ledger snapshot",
			slog.String("session_id", sessionID))
	}
	var snap models.LedgerSnapshot
	if err = json.Unmarshal(data, &snap); err != nil {
		return models.LedgerSnapshot{}, false, errors.Wrap(err, "decode ledger snapshot")
	}
	return snap, true, nil
}

// Close closes the underlying database.
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}
