// Package reward converts a won session into an issued reward through a
// generate, publish, issue-on-chain pipeline that is retried as one unit
// with exponential backoff. Workers are explicitly supervised: the engine
// can cancel and await them, and a delayed write from a worker of a previous
// session is rejected by the session store's generation check.
package reward

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/comrade-coop/teesa-engine/internal/chain"
	"github.com/comrade-coop/teesa-engine/internal/errors"
	"github.com/comrade-coop/teesa-engine/internal/events"
	"github.com/comrade-coop/teesa-engine/internal/models"
	"github.com/comrade-coop/teesa-engine/internal/session"
)

// Generator produces the reward artifact for a won session.
type Generator interface {
	Generate(ctx context.Context, secretAnswer string) ([]byte, error)
}

// Publisher stores an artifact off-chain and returns its content address.
type Publisher interface {
	Publish(ctx context.Context, artifact []byte) (string, error)
}

// SessionMutator is the slice of the session store the issuer needs:
// generation-checked mutation for delayed writes.
type SessionMutator interface {
	MutateGeneration(
		ctx context.Context,
		generation uint64,
		fn func(models.GameSession) models.GameSession,
	) (models.GameSession, error)
}

// RestartFunc starts the next game session once the reward has been issued
// and the restart delay has elapsed.
type RestartFunc func(ctx context.Context) error

// Config holds the issuer's pacing parameters.
type Config struct {
	// BackoffInitial is the delay before the first retry; it doubles per
	// attempt up to BackoffMax. Attempts are unbounded: a
	// permanently-down collaborator stalls this one session, nothing else.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// RestartDelay is how long after a successful issuance the session
	// restart fires.
	RestartDelay time.Duration
	// Confirmations to wait for on the issuance transaction.
	Confirmations int
}

// Issuer runs reward pipelines as supervised background workers.
type Issuer struct {
	logger    *slog.Logger
	sessions  SessionMutator
	generator Generator
	publisher Publisher
	client    chain.Client
	emitter   *events.Emitter
	restart   RestartFunc
	cfg       Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewIssuer creates an issuer. Call Close to cancel and await all in-flight
// work.
func NewIssuer(
	cfg Config,
	sessions SessionMutator,
	generator Generator,
	publisher Publisher,
	client chain.Client,
	emitter *events.Emitter,
	restart RestartFunc,
	logger *slog.Logger,
) *Issuer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Issuer{
		logger:    logger.With("source", "reward.Issuer"),
		sessions:  sessions,
		generator: generator,
		publisher: publisher,
		client:    client,
		emitter:   emitter,
		restart:   restart,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Issue starts the reward pipeline for a won session in a supervised
// background worker and returns immediately. Errors never propagate to the
// caller; they surface as session-history side effects only.
func (i *Issuer) Issue(winnerID, sessionID string, generation uint64, secretAnswer string) {
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		i.run(winnerID, sessionID, generation, secretAnswer)
	}()
}

// Close cancels all in-flight pipelines and restart timers and waits for
// their workers to finish.
func (i *Issuer) Close() {
	i.cancel()
	i.wg.Wait()
}

// Wait blocks until all in-flight workers have finished. Intended for tests
// and graceful drains that want completion rather than cancellation.
func (i *Issuer) Wait() {
	i.wg.Wait()
}

func (i *Issuer) run(winnerID, sessionID string, generation uint64, secretAnswer string) {
	delay := i.cfg.BackoffInitial
	notified := false

	for attempt := 1; ; attempt++ {
		contentRef, err := i.attempt(winnerID, secretAnswer)
		if err == nil {
			i.finish(winnerID, sessionID, generation, contentRef)
			return
		}
		if errors.Is(err, session.ErrStaleGeneration) || i.ctx.Err() != nil {
			i.logger.Info("abandoning reward pipeline", "session_id", sessionID, "attempt", attempt)
			return
		}

		i.logger.Warn("reward pipeline attempt failed",
			"session_id", sessionID, "attempt", attempt,
			"retry_in", delay, errors.SlogError(err))

		// Tell the player once, on the first failure, not on every retry.
		if !notified {
			notified = true
			if !i.appendNotice(generation, failureNotice(err)) {
				return
			}
		}

		select {
		case <-i.ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > i.cfg.BackoffMax {
			delay = i.cfg.BackoffMax
		}
	}
}

// attempt runs the whole pipeline once. Any step failing fails the attempt;
// the downstream steps tolerate re-invocation because the award guard in the
// ledger already ensures at most one issuance per session reaches us.
func (i *Issuer) attempt(winnerID, secretAnswer string) (string, error) {
	artifact, err := i.generator.Generate(i.ctx, secretAnswer)
	if err != nil {
		return "", errors.Wrap(err, "generate reward artifact")
	}
	contentRef, err := i.publisher.Publish(i.ctx, artifact)
	if err != nil {
		return "", errors.Wrap(err, "publish reward artifact")
	}
	txHash, err := i.client.IssueReward(i.ctx, winnerID, contentRef)
	if err != nil {
		return "", errors.Wrap(err, "issue reward on chain")
	}
	if err = i.client.WaitConfirmations(i.ctx, txHash, i.cfg.Confirmations); err != nil {
		return "", errors.Wrap(err, "confirm reward issuance")
	}
	return contentRef, nil
}

func (i *Issuer) finish(winnerID, sessionID string, generation uint64, contentRef string) {
	_, err := i.sessions.MutateGeneration(i.ctx, generation, func(s models.GameSession) models.GameSession {
		return s.WithRewardRef(contentRef).AppendHistory(models.HistoryEntry{
			ActorID:      "system",
			Kind:         models.HistoryKindSystem,
			ResponseText: "Your reward has been issued: " + contentRef,
		})
	})
	if err != nil {
		// A reset happened while we were retrying; the reward reference has
		// nowhere to go and the restart is someone else's business now.
		i.logger.Warn("discarding reward result for stale session",
			"session_id", sessionID, errors.SlogError(err))
		return
	}

	i.logger.Info("reward issued", "session_id", sessionID, "winner", winnerID, "ref", contentRef)
	i.emitter.Emit(events.Event{
		Type:      events.TypeRewardIssued,
		SessionID: sessionID,
		Data:      map[string]any{"winner": winnerID, "ref": contentRef},
	})

	i.scheduleRestart(sessionID)
}

// scheduleRestart arms the session-restart timer as another supervised
// worker so Close can cancel it.
func (i *Issuer) scheduleRestart(sessionID string) {
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		select {
		case <-i.ctx.Done():
			return
		case <-time.After(i.cfg.RestartDelay):
		}
		if err := i.restart(i.ctx); err != nil {
			i.logger.Error("restart session after reward",
				"session_id", sessionID, errors.SlogError(err))
		}
	}()
}

// appendNotice writes a system notice into the session history. Returns
// false when the session has been reset underneath us and the pipeline
// should stop.
func (i *Issuer) appendNotice(generation uint64, notice string) bool {
	_, err := i.sessions.MutateGeneration(i.ctx, generation, func(s models.GameSession) models.GameSession {
		return s.AppendHistory(models.HistoryEntry{
			ActorID:      "system",
			Kind:         models.HistoryKindSystem,
			ResponseText: notice,
		})
	})
	if err != nil {
		if !errors.Is(err, session.ErrStaleGeneration) {
			i.logger.Error("append reward notice", errors.SlogError(err))
			// Keep retrying the pipeline; only a stale generation stops it.
			return true
		}
		return false
	}
	return true
}

func failureNotice(err error) string {
	if errors.Is(err, chain.ErrInsufficientFunds) {
		return "Reward issuance is paused: insufficient funds to cover the transaction. " +
			"Retrying until the wallet is topped up."
	}
	return "Reward issuance hit a temporary problem. Retrying in the background."
}
