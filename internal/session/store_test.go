package session_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/comrade-coop/teesa-engine/internal/models"
	"github.com/comrade-coop/teesa-engine/internal/session"
	"github.com/comrade-coop/teesa-engine/internal/testhelpers"
	"github.com/stretchr/testify/require"
)

var testWords = []string{"whale", "comet", "anvil"}

func newStore(t *testing.T) (*session.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.json")
	store, err := session.New(path, testWords, testhelpers.NewLogger(io.Discard))
	require.NoError(t, err)
	return store, path
}

func TestNewCreatesFreshSession(t *testing.T) {
	t.Parallel()
	store, path := newStore(t)

	current := store.Read()
	require.NotEmpty(t, current.ID)
	require.Equal(t, uint64(1), current.Generation)
	require.Contains(t, testWords, current.SecretAnswer)
	require.False(t, current.Ended)
	require.FileExists(t, path)
}

func TestNewLoadsExistingRecord(t *testing.T) {
	t.Parallel()
	store, path := newStore(t)
	first := store.Read()

	reopened, err := session.New(path, testWords, testhelpers.NewLogger(io.Discard))
	require.NoError(t, err)
	require.Equal(t, first.ID, reopened.Read().ID)
	require.Equal(t, first.SecretAnswer, reopened.Read().SecretAnswer)
}

func TestMutateAppendsHistory(t *testing.T) {
	t.Parallel()
	store, _ := newStore(t)

	updated, err := store.Mutate(context.Background(), func(s models.GameSession) models.GameSession {
		return s.AppendHistory(models.HistoryEntry{
			ActorID:      "0xplayer",
			Kind:         models.HistoryKindQuestion,
			InputText:    "is it alive?",
			ResponseText: "no",
			Verdict:      models.VerdictNo,
		})
	})
	require.NoError(t, err)
	require.Len(t, updated.History, 1)
	require.NotEmpty(t, updated.History[0].ID)
	require.False(t, updated.History[0].Timestamp.IsZero())
	require.Len(t, store.Read().History, 1)
}

func TestConcurrentMutationsLoseNoUpdates(t *testing.T) {
	t.Parallel()
	store, _ := newStore(t)

	const callers = 25
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := store.Mutate(context.Background(), func(s models.GameSession) models.GameSession {
				return s.AppendHistory(models.HistoryEntry{
					ActorID:      fmt.Sprintf("caller-%d", i),
					Kind:         models.HistoryKindOther,
					ResponseText: "noted",
				})
			})
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	history := store.Read().History
	require.Len(t, history, callers, "every concurrent append must survive")
	seen := make(map[string]bool, callers)
	for _, entry := range history {
		require.False(t, seen[entry.ActorID], "duplicate entry for %s", entry.ActorID)
		seen[entry.ActorID] = true
	}
}

func TestReadDetectsExternalModification(t *testing.T) {
	t.Parallel()
	store, path := newStore(t)
	current := store.Read()

	// Simulate a peer process rewriting the record behind our back.
	external := current.AppendHistory(models.HistoryEntry{
		ActorID:      "peer-process",
		Kind:         models.HistoryKindSystem,
		ResponseText: "external write",
	})
	data, err := json.Marshal(external)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	// Make sure the mtime moves even on coarse filesystem clocks.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	reread := store.Read()
	require.Len(t, reread.History, 1)
	require.Equal(t, "peer-process", reread.History[0].ActorID)
}

func TestMutateAppliesToExternallyModifiedState(t *testing.T) {
	t.Parallel()
	store, path := newStore(t)
	current := store.Read()

	external := current.AppendHistory(models.HistoryEntry{
		ActorID:      "peer-process",
		Kind:         models.HistoryKindSystem,
		ResponseText: "external write",
	})
	data, err := json.Marshal(external)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	updated, err := store.Mutate(context.Background(), func(s models.GameSession) models.GameSession {
		return s.AppendHistory(models.HistoryEntry{
			ActorID:      "local",
			Kind:         models.HistoryKindOther,
			ResponseText: "local write",
		})
	})
	require.NoError(t, err)
	require.Len(t, updated.History, 2, "mutation must build on the peer's write")
	require.Equal(t, "peer-process", updated.History[0].ActorID)
	require.Equal(t, "local", updated.History[1].ActorID)
}

func TestResetIsIdempotent(t *testing.T) {
	t.Parallel()
	store, _ := newStore(t)

	first, err := store.Reset(context.Background())
	require.NoError(t, err)
	second, err := store.Reset(context.Background())
	require.NoError(t, err)

	require.NotEqual(t, first.ID, second.ID)
	require.Equal(t, first.Generation+1, second.Generation)
	for _, s := range []models.GameSession{first, second} {
		require.Empty(t, s.History)
		require.Empty(t, s.QuestionLog)
		require.Empty(t, s.IncorrectGuesses)
		require.False(t, s.Ended)
		require.Empty(t, s.Winner)
		require.Empty(t, s.RewardRef)
	}
}

func TestResetClearsStaleLock(t *testing.T) {
	t.Parallel()
	store, path := newStore(t)

	require.NoError(t, os.WriteFile(path+".lock", []byte("999999999"), 0o644))
	_, err := store.Reset(context.Background())
	require.NoError(t, err)
	require.NoFileExists(t, path+".lock")
}

func TestMutateGenerationRejectsStaleWriter(t *testing.T) {
	t.Parallel()
	store, _ := newStore(t)
	captured := store.Read().Generation

	_, err := store.Reset(context.Background())
	require.NoError(t, err)

	_, err = store.MutateGeneration(context.Background(), captured,
		func(s models.GameSession) models.GameSession {
			return s.WithRewardRef("ipfs://stale")
		})
	require.ErrorIs(t, err, session.ErrStaleGeneration)
	require.Empty(t, store.Read().RewardRef, "stale write must not land")

	// The live generation still works.
	_, err = store.MutateGeneration(context.Background(), store.Read().Generation,
		func(s models.GameSession) models.GameSession {
			return s.WithRewardRef("ipfs://fresh")
		})
	require.NoError(t, err)
	require.Equal(t, "ipfs://fresh", store.Read().RewardRef)
}
