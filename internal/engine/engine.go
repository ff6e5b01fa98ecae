// Package engine drives a game session from player input to settlement. It
// owns the ordering rules: the prize is transferred before the session is
// marked won, and a reset rebinds the ledger before anyone can pay into the
// next round.
package engine

import (
	"context"
	"log/slog"

	"github.com/comrade-coop/teesa-engine/internal/errors"
	"github.com/comrade-coop/teesa-engine/internal/events"
	"github.com/comrade-coop/teesa-engine/internal/ledger"
	"github.com/comrade-coop/teesa-engine/internal/models"
	"github.com/comrade-coop/teesa-engine/internal/oracle"
	"github.com/comrade-coop/teesa-engine/internal/session"
)

// RewardIssuer starts the reward pipeline for a won session. Satisfied by
// reward.Issuer; an interface here breaks the construction cycle between the
// engine and the issuer, whose restart hook is an engine method.
type RewardIssuer interface {
	Issue(winnerID, sessionID string, generation uint64, secretAnswer string)
}

// Engine wires the session store, the settlement ledger, and the oracle into
// the game loop.
type Engine struct {
	logger  *slog.Logger
	store   *session.Store
	ledger  *ledger.Ledger
	oracle  oracle.Oracle
	emitter *events.Emitter
	owner   string
	issuer  RewardIssuer
}

func New(
	store *session.Store,
	ldgr *ledger.Ledger,
	orc oracle.Oracle,
	emitter *events.Emitter,
	owner string,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		logger:  logger.With("source", "engine.Engine"),
		store:   store,
		ledger:  ldgr,
		oracle:  orc,
		emitter: emitter,
		owner:   owner,
	}
}

// AttachIssuer hands the engine its reward issuer. Called once during wiring,
// after the issuer has been constructed with Restart as its restart hook.
func (e *Engine) AttachIssuer(issuer RewardIssuer) {
	e.issuer = issuer
}

// Session returns the current session state.
func (e *Engine) Session() models.GameSession {
	return e.store.Read()
}

// CurrentFee returns the fee the next payment must meet.
func (e *Engine) CurrentFee() (uint64, error) {
	return e.ledger.CurrentFee()
}

// Pay records a payment toward the current session.
func (e *Engine) Pay(ctx context.Context, payer string, amount uint64) error {
	return e.ledger.Pay(ctx, payer, amount)
}

// DistributeIfExpired distributes the prize pool among past payers once the
// inactivity threshold has passed.
func (e *Engine) DistributeIfExpired(ctx context.Context) error {
	return e.ledger.DistributeIfExpired(ctx)
}

// WithdrawTeamShare pays out a team member's accumulated balance.
func (e *Engine) WithdrawTeamShare(ctx context.Context, addr string) (uint64, error) {
	return e.ledger.WithdrawTeamShare(ctx, addr)
}

// ClaimFailedShare retries payout of a share whose original transfer failed.
func (e *Engine) ClaimFailedShare(ctx context.Context, addr string) (uint64, error) {
	return e.ledger.ClaimFailedShare(ctx, addr)
}

// Ledger exposes read access to settlement state for status reporting.
func (e *Engine) Ledger() *ledger.Ledger {
	return e.ledger
}

// ProcessInput runs one turn of the game: classify the player's text, answer
// or judge it, record the interaction, and settle the prize when a guess is
// correct. The returned reply is what the player sees.
func (e *Engine) ProcessInput(ctx context.Context, playerID, text string) (string, error) {
	current := e.store.Read()
	if current.Ended {
		return endedReply(current), nil
	}

	class, err := e.oracle.Classify(ctx, text)
	if err != nil {
		return "", errors.Wrap(err, "classify player input")
	}

	switch class {
	case oracle.ClassQuestion:
		return e.processQuestion(ctx, playerID, text, current.SecretAnswer)
	case oracle.ClassGuess:
		return e.processGuess(ctx, playerID, text, current)
	default:
		return e.processOther(ctx, playerID, text)
	}
}

func (e *Engine) processQuestion(ctx context.Context, playerID, text, secretAnswer string) (string, error) {
	verdict, err := e.oracle.Answer(ctx, text, secretAnswer)
	if err != nil {
		return "", errors.Wrap(err, "answer question")
	}
	reply := verdictReply(verdict)
	_, err = e.store.Mutate(ctx, func(s models.GameSession) models.GameSession {
		return s.AppendQuestion(text, verdict).AppendHistory(models.HistoryEntry{
			ActorID:      playerID,
			Kind:         models.HistoryKindQuestion,
			InputText:    text,
			ResponseText: reply,
			Verdict:      verdict,
		})
	})
	if err != nil {
		return "", errors.Wrap(err, "record question")
	}
	return reply, nil
}

func (e *Engine) processGuess(
	ctx context.Context, playerID, text string, current models.GameSession,
) (string, error) {
	correct, extracted, err := e.oracle.VerifyGuess(ctx, text, current.SecretAnswer)
	if err != nil {
		return "", errors.Wrap(err, "verify guess")
	}

	if !correct {
		reply := "No, that's not it. Keep going!"
		_, err = e.store.Mutate(ctx, func(s models.GameSession) models.GameSession {
			return s.AppendIncorrectGuess(text, extracted).AppendHistory(models.HistoryEntry{
				ActorID:      playerID,
				Kind:         models.HistoryKindGuess,
				InputText:    text,
				ResponseText: reply,
			})
		})
		if err != nil {
			return "", errors.Wrap(err, "record incorrect guess")
		}
		return reply, nil
	}

	// Settle before marking the session won. If the prize transfer fails the
	// session stays open and the guess can be retried; the award guard in the
	// ledger makes a double settlement impossible.
	if err = e.ledger.Award(ctx, e.owner, playerID); err != nil {
		e.logger.Error("settle prize for correct guess",
			"player_id", playerID, errors.SlogError(err))
		reply := "You got it! But the prize transfer hit a problem. Please repeat your guess."
		_, recordErr := e.store.Mutate(ctx, func(s models.GameSession) models.GameSession {
			return s.AppendHistory(models.HistoryEntry{
				ActorID:      playerID,
				Kind:         models.HistoryKindGuess,
				InputText:    text,
				ResponseText: reply,
			})
		})
		if recordErr != nil {
			return "", errors.Wrap(recordErr, "record failed settlement")
		}
		return reply, nil
	}

	reply := "Correct! The word was \"" + current.SecretAnswer + "\". The prize is yours."
	won, err := e.store.Mutate(ctx, func(s models.GameSession) models.GameSession {
		return s.WithWinner(playerID).AppendHistory(models.HistoryEntry{
			ActorID:      playerID,
			Kind:         models.HistoryKindGuess,
			InputText:    text,
			ResponseText: reply,
		})
	})
	if err != nil {
		// The prize has moved; losing the session write is log-worthy but
		// must not unwind the settlement.
		e.logger.Error("record win after settlement",
			"player_id", playerID, errors.SlogError(err))
		won = current.WithWinner(playerID)
	}

	e.issuer.Issue(playerID, won.ID, won.Generation, won.SecretAnswer)
	return reply, nil
}

func (e *Engine) processOther(ctx context.Context, playerID, text string) (string, error) {
	reply := "Ask me a yes/no question about the secret word, or make a guess."
	_, err := e.store.Mutate(ctx, func(s models.GameSession) models.GameSession {
		return s.AppendHistory(models.HistoryEntry{
			ActorID:      playerID,
			Kind:         models.HistoryKindOther,
			InputText:    text,
			ResponseText: reply,
		})
	})
	if err != nil {
		return "", errors.Wrap(err, "record off-topic input")
	}
	return reply, nil
}

// Restart replaces the current session with a fresh one and rebinds the
// ledger to it. Handed to the reward issuer as its post-reward restart hook
// and used directly by the reset command.
func (e *Engine) Restart(ctx context.Context) error {
	fresh, err := e.store.Reset(ctx)
	if err != nil {
		return errors.Wrap(err, "reset session")
	}
	if err = e.ledger.Rebind(fresh.ID); err != nil {
		return errors.Wrap(err, "rebind ledger to new session")
	}
	e.emitter.Emit(events.Event{
		Type:      events.TypeSessionReset,
		SessionID: fresh.ID,
	})
	e.logger.Info("session restarted", "session_id", fresh.ID, "generation", fresh.Generation)
	return nil
}

func endedReply(s models.GameSession) string {
	if s.Winner != "" {
		return "This round is over; the word was guessed. A new round starts shortly."
	}
	return "This round is over. A new round starts shortly."
}

func verdictReply(v models.Verdict) string {
	switch v {
	case models.VerdictYes:
		return "Yes."
	case models.VerdictNo:
		return "No."
	default:
		return "I can't answer that with a yes or no."
	}
}
