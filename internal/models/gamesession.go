package models

import (
	"time"

	"github.com/google/uuid"
)

// Verdict is the Oracle's answer to a yes/no question about the secret word.
type Verdict string

const (
	VerdictYes     Verdict = "YES"
	VerdictNo      Verdict = "NO"
	VerdictUnknown Verdict = "UNKNOWN"
)

// HistoryKind labels what a history entry records.
type HistoryKind string

const (
	HistoryKindQuestion HistoryKind = "QUESTION"
	HistoryKindGuess    HistoryKind = "GUESS"
	HistoryKindOther    HistoryKind = "OTHER"
	HistoryKindSystem   HistoryKind = "SYSTEM"
)

// HistoryEntry is one interaction appended to the session transcript. Entries
// are immutable once appended; their order in GameSession.History is the
// authoritative ordering, the timestamp is metadata only.
type HistoryEntry struct {
	ID           string      `json:"id"`
	ActorID      string      `json:"actorId"`
	Timestamp    time.Time   `json:"timestamp"`
	Kind         HistoryKind `json:"kind"`
	InputText    string      `json:"inputText,omitempty"`
	ResponseText string      `json:"responseText"`
	Verdict      Verdict     `json:"verdict,omitempty"`
}

// QuestionRecord pairs an asked question with the Oracle's verdict.
type QuestionRecord struct {
	Prompt  string  `json:"prompt"`
	Verdict Verdict `json:"verdict"`
}

// IncorrectGuessRecord records a failed guess attempt.
type IncorrectGuessRecord struct {
	Prompt         string `json:"prompt"`
	ExtractedGuess string `json:"extractedGuess"`
}

// GameSession is the single authoritative record of one game run. Exactly one
// session is live at a time; Reset replaces it wholesale. All mutation goes
// through pure copy-on-write transformations applied under the session
// store's mutation guarantee.
type GameSession struct {
	ID         string `json:"id"`
	Generation uint64 `json:"generation"`
	// SecretAnswer is immutable for the life of the session.
	SecretAnswer     string                 `json:"secretAnswer"`
	History          []HistoryEntry         `json:"history"`
	QuestionLog      []QuestionRecord       `json:"questionLog"`
	IncorrectGuesses []IncorrectGuessRecord `json:"incorrectGuessLog"`
	// Ended transitions false to true exactly once and never reverts.
	Ended     bool   `json:"ended"`
	Winner    string `json:"winner,omitempty"`
	RewardRef string `json:"rewardRef,omitempty"`
}

// NewGameSession creates a fresh session with the given secret answer.
// Generation carries over monotonically across resets so that delayed writers
// from a previous session can be detected and discarded.
func NewGameSession(secretAnswer string, generation uint64) GameSession {
	return GameSession{
		ID:           uuid.NewString(),
		Generation:   generation,
		SecretAnswer: secretAnswer,
	}
}

// clone returns a deep copy so transformations never alias the stored slices.
func (s GameSession) clone() GameSession {
	copied := s
	copied.History = append([]HistoryEntry(nil), s.History...)
	copied.QuestionLog = append([]QuestionRecord(nil), s.QuestionLog...)
	copied.IncorrectGuesses = append([]IncorrectGuessRecord(nil), s.IncorrectGuesses...)
	return copied
}

// AppendHistory returns a copy of the session with entry appended. The entry
// is assigned a fresh ID if it does not carry one.
func (s GameSession) AppendHistory(entry HistoryEntry) GameSession {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	copied := s.clone()
	copied.History = append(copied.History, entry)
	return copied
}

// AppendQuestion returns a copy with the question and its verdict recorded.
func (s GameSession) AppendQuestion(prompt string, verdict Verdict) GameSession {
	copied := s.clone()
	copied.QuestionLog = append(copied.QuestionLog, QuestionRecord{Prompt: prompt, Verdict: verdict})
	return copied
}

// AppendIncorrectGuess returns a copy with the failed guess recorded.
func (s GameSession) AppendIncorrectGuess(prompt, extractedGuess string) GameSession {
	copied := s.clone()
	copied.IncorrectGuesses = append(copied.IncorrectGuesses, IncorrectGuessRecord{
		Prompt:         prompt,
		ExtractedGuess: extractedGuess,
	})
	return copied
}

// WithWinner returns a copy with the session ended and the winner set. The
// caller must check Ended beforehand; the winner is settable at most once.
func (s GameSession) WithWinner(winner string) GameSession {
	copied := s.clone()
	copied.Ended = true
	copied.Winner = winner
	return copied
}

// WithRewardRef returns a copy with the issued reward reference recorded.
// Valid only after the winner has been set.
func (s GameSession) WithRewardRef(ref string) GameSession {
	copied := s.clone()
	copied.RewardRef = ref
	return copied
}
