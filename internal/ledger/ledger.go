// Package ledger implements the settlement bookkeeping that mirrors the
// on-chain prize contract: fee validation, the team/prize split on every
// accepted payment, the terminal award and time-expiry distributions, and
// the recoverable escrow for failed push-payments.
package ledger

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/comrade-coop/teesa-engine/internal/chain"
	"github.com/comrade-coop/teesa-engine/internal/errors"
	"github.com/comrade-coop/teesa-engine/internal/events"
	"github.com/comrade-coop/teesa-engine/internal/fee"
	"github.com/comrade-coop/teesa-engine/internal/models"
)

var (
	// ErrGameEnded rejects settlement operations on a terminated session.
	ErrGameEnded = errors.NewSentinel("game has already ended")
	// ErrFeeTooLow rejects a payment below the current fee.
	ErrFeeTooLow = errors.NewSentinel("payment below current fee")
	// ErrNotOwner rejects award calls from anyone but the configured owner.
	ErrNotOwner = errors.NewSentinel("caller is not the owner")
	// ErrNotExpired rejects distribution before the expiry threshold.
	ErrNotExpired = errors.NewSentinel("activity threshold has not elapsed")
	// ErrNotTeamMember rejects team withdrawals from unknown addresses.
	ErrNotTeamMember = errors.NewSentinel("address is not a team member")
	// ErrNothingToWithdraw rejects withdrawing a zero balance.
	ErrNothingToWithdraw = errors.NewSentinel("nothing to withdraw")
	// ErrNothingToClaim rejects claiming an empty escrow entry.
	ErrNothingToClaim = errors.NewSentinel("no failed share to claim")
	// ErrEmptyPool rejects distributing a zero prize pool.
	ErrEmptyPool = errors.NewSentinel("prize pool is empty")
	// ErrOverflow rejects an amount whose percentage split would wrap.
	ErrOverflow = errors.NewSentinel("amount computation overflows")
)

const percentBase = 100

// percentOf computes amount*percent/percentBase with the same fail-closed
// overflow guard as the fee curve.
func percentOf(amount, percent uint64) (uint64, error) {
	if percent != 0 && amount > math.MaxUint64/percent {
		return 0, errors.Wrap(ErrOverflow, "percentage split",
			slog.Uint64("amount", amount),
			slog.Uint64("percent", percent))
	}
	return amount * percent / percentBase, nil
}

// Config captures the economic parameters of one ledger.
type Config struct {
	SessionID string
	Curve     fee.Curve
	// Owner is the only identity allowed to trigger the award path.
	Owner string
	// TeamAddresses receive the team share of every payment. Must be
	// non-empty.
	TeamAddresses []string
	// TeamPercent of every payment accrues to the team, split evenly.
	TeamPercent uint64
	// LastPayerPercent of the pool is guaranteed to the most recent payer on
	// time-expiry distribution.
	LastPayerPercent uint64
	// ExpiryThreshold is the inactivity duration after which anyone may
	// trigger distribution.
	ExpiryThreshold time.Duration
	// Confirmations to wait for on every submitted transaction.
	Confirmations int
}

// Ledger drives the settlement state machine for one session. All methods
// are safe for concurrent use; the session store serializes the callers that
// matter, the internal mutex covers the rest.
type Ledger struct {
	logger  *slog.Logger
	emitter *events.Emitter
	client  chain.Client
	store   *SnapshotStore
	cfg     Config
	// now is swappable so expiry tests can control the clock.
	now func() time.Time

	mu    sync.Mutex
	state models.LedgerSnapshot
}

// New constructs a ledger. It fails when the team address set is empty or
// the configured percentages leave nothing for the prize pool. When the
// snapshot store holds a live snapshot for cfg.SessionID, that state is
// recovered instead of starting fresh.
func New(
	cfg Config,
	client chain.Client,
	store *SnapshotStore,
	emitter *events.Emitter,
	logger *slog.Logger,
) (*Ledger, error) {
	if len(cfg.TeamAddresses) == 0 {
		return nil, errors.New("team address set must not be empty")
	}
	if cfg.TeamPercent == 0 || cfg.TeamPercent >= percentBase {
		return nil, errors.New("team percent must be between 1 and 99",
			slog.Uint64("team_percent", cfg.TeamPercent))
	}
	if cfg.LastPayerPercent >= percentBase {
		return nil, errors.New("last payer percent must be below 100",
			slog.Uint64("last_payer_percent", cfg.LastPayerPercent))
	}
	if cfg.ExpiryThreshold <= 0 {
		return nil, errors.New("expiry threshold must be positive")
	}

	l := &Ledger{
		logger:  logger.With("source", "ledger.Ledger"),
		emitter: emitter,
		client:  client,
		store:   store,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}

	if snap, ok, err := store.LoadSession(cfg.SessionID); err != nil {
		return nil, err
	} else if ok {
		l.state = snap
		return l, nil
	}
	l.state = freshSnapshot(cfg.SessionID, l.now())
	if err := store.Save(l.state); err != nil {
		return nil, err
	}
	return l, nil
}

func freshSnapshot(sessionID string, now time.Time) models.LedgerSnapshot {
	return models.LedgerSnapshot{
		SessionID:         sessionID,
		TeamBalances:      make(map[string]uint64),
		PaymentHistory:    make(map[string][]models.Payment),
		FailedShareEscrow: make(map[string]uint64),
		LastActivity:      now,
	}
}

// Rebind discards the terminal state and starts fresh bookkeeping for a new
// session. Called when the game session is reset. Team balances and escrowed
// failed shares are owed regardless of which round produced them, so they
// carry over; only the round-scoped state (pool, payments, outcome) resets.
func (l *Ledger) Rebind(sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	fresh := freshSnapshot(sessionID, l.now())
	fresh.TeamBalances = cloneCounts(l.state.TeamBalances)
	fresh.FailedShareEscrow = cloneCounts(l.state.FailedShareEscrow)
	l.cfg.SessionID = sessionID
	l.state = fresh
	return l.store.Save(l.state)
}

// CurrentFee returns the fee the next payment must meet.
func (l *Ledger) CurrentFee() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.Curve.Fee(l.state.PaymentCount)
}

// PrizePool returns the current pool balance.
func (l *Ledger) PrizePool() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.PrizePool
}

// TeamBalance returns addr's accrued withdrawable share.
func (l *Ledger) TeamBalance(addr string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.TeamBalances[addr]
}

// FailedShare returns addr's claimable escrow balance.
func (l *Ledger) FailedShare(addr string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.FailedShareEscrow[addr]
}

// PaymentHistory returns the accepted payments made by payer, oldest first.
func (l *Ledger) PaymentHistory(payer string) []models.Payment {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.Payment(nil), l.state.PaymentHistory[payer]...)
}

// Snapshot returns a copy of the full bookkeeping state.
func (l *Ledger) Snapshot() models.LedgerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := l.state
	snap.TeamBalances = cloneCounts(l.state.TeamBalances)
	snap.FailedShareEscrow = cloneCounts(l.state.FailedShareEscrow)
	snap.PaymentOrder = append([]string(nil), l.state.PaymentOrder...)
	history := make(map[string][]models.Payment, len(l.state.PaymentHistory))
	for payer, payments := range l.state.PaymentHistory {
		history[payer] = append([]models.Payment(nil), payments...)
	}
	snap.PaymentHistory = history
	return snap
}

func cloneCounts(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Pay accepts a participation payment. The amount must meet the current fee.
// The team share (TeamPercent, split evenly by floor division) accrues to
// the team balances; the remainder, including the split residual, goes to
// the prize pool. No value is created or destroyed.
func (l *Ledger) Pay(ctx context.Context, payer string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Ended {
		return errors.Wrap(ErrGameEnded, "pay", slog.String("payer", payer))
	}
	currentFee, err := l.cfg.Curve.Fee(l.state.PaymentCount)
	if err != nil {
		return errors.Wrap(err, "pay", slog.String("payer", payer))
	}
	if amount < currentFee {
		return errors.Wrap(ErrFeeTooLow, "pay",
			slog.String("payer", payer),
			slog.Uint64("amount", amount),
			slog.Uint64("fee", currentFee))
	}

	teamShare, err := percentOf(amount, l.cfg.TeamPercent)
	if err != nil {
		return errors.Wrap(err, "pay", slog.String("payer", payer))
	}
	perMember := teamShare / uint64(len(l.cfg.TeamAddresses))
	allocated := perMember * uint64(len(l.cfg.TeamAddresses))
	// The floor-division residual of the team split is carried into the
	// prize pool rather than left unallocated.
	prizeShare := amount - allocated

	now := l.now()
	for _, addr := range l.cfg.TeamAddresses {
		l.state.TeamBalances[addr] += perMember
	}
	l.state.PrizePool += prizeShare
	l.state.PaymentHistory[payer] = append(l.state.PaymentHistory[payer], models.Payment{
		Amount:    amount,
		Timestamp: now,
	})
	l.state.PaymentOrder = append(l.state.PaymentOrder, payer)
	l.state.PaymentCount++
	l.state.LastActivity = now

	if err = l.store.Save(l.state); err != nil {
		return err
	}
	l.logger.InfoContext(ctx, "payment accepted",
		"payer", payer, "amount", amount, "prize_pool", l.state.PrizePool)
	l.emitter.Emit(events.Event{
		Type:      events.TypePaymentAccepted,
		SessionID: l.cfg.SessionID,
		Data: map[string]any{
			"payer":       payer,
			"amount":      amount,
			"team_share":  allocated,
			"prize_share": prizeShare,
			"prize_pool":  l.state.PrizePool,
		},
	})
	return nil
}

// Award transfers the entire prize pool to the winner in one step and
// terminates the session. Only the owner may call it, and it is unreachable
// once the game has ended: a second call is an invariant violation, not a
// retryable no-op.
func (l *Ledger) Award(ctx context.Context, caller, winner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if caller != l.cfg.Owner {
		return errors.Wrap(ErrNotOwner, "award", slog.String("caller", caller))
	}
	if l.state.Ended {
		return errors.Wrap(ErrGameEnded, "award", slog.String("winner", winner))
	}
	// An empty pool is still a win; there is just nothing to transfer.
	pool := l.state.PrizePool
	var txHash string
	if pool > 0 {
		var err error
		if txHash, err = l.client.Transfer(ctx, winner, pool); err != nil {
			return errors.Wrap(err, "transfer prize pool",
				slog.String("winner", winner), slog.Uint64("amount", pool))
		}
		if err = l.client.WaitConfirmations(ctx, txHash, l.cfg.Confirmations); err != nil {
			return errors.Wrap(err, "confirm prize transfer", slog.String("tx", txHash))
		}
	}

	l.state.PrizePool = 0
	l.state.Ended = true
	l.state.Winner = winner
	if err := l.store.Save(l.state); err != nil {
		return err
	}
	l.logger.InfoContext(ctx, "prize awarded", "winner", winner, "amount", pool, "tx", txHash)
	l.emitter.Emit(events.Event{
		Type:      events.TypePrizeAwarded,
		SessionID: l.cfg.SessionID,
		Data:      map[string]any{"winner": winner, "amount": pool, "tx": txHash},
	})
	return nil
}

// DistributeIfExpired distributes the prize pool among prior payers once no
// payment activity has occurred for the expiry threshold. Callable by
// anyone; before the threshold it fails with ErrNotExpired and has no
// effect. The most recent payer is guaranteed LastPayerPercent of the pool
// plus any rounding residual; the remainder splits evenly across all
// distinct payers. A recipient whose push-payment fails has their share
// moved to the failed-share escrow so the rest of the distribution
// completes.
func (l *Ledger) DistributeIfExpired(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Ended {
		return errors.Wrap(ErrGameEnded, "distribute")
	}
	now := l.now()
	elapsed := now.Sub(l.state.LastActivity)
	if elapsed < l.cfg.ExpiryThreshold {
		return errors.Wrap(ErrNotExpired, "distribute",
			slog.Duration("elapsed", elapsed),
			slog.Duration("threshold", l.cfg.ExpiryThreshold))
	}
	pool := l.state.PrizePool
	if pool == 0 || len(l.state.PaymentOrder) == 0 {
		return errors.Wrap(ErrEmptyPool, "distribute")
	}

	lastPayer := l.state.PaymentOrder[len(l.state.PaymentOrder)-1]
	payers := distinctPayers(l.state.PaymentOrder)

	shares := make(map[string]uint64, len(payers))
	guaranteed, err := percentOf(pool, l.cfg.LastPayerPercent)
	if err != nil {
		return errors.Wrap(err, "distribute")
	}
	remainder := pool - guaranteed
	perPayer := remainder / uint64(len(payers))
	for _, payer := range payers {
		shares[payer] = perPayer
	}
	// Guaranteed minimum plus the floor residual go to the most recent payer.
	shares[lastPayer] += guaranteed + (remainder - perPayer*uint64(len(payers)))

	for _, payer := range payers {
		share := shares[payer]
		if share == 0 {
			continue
		}
		if err := l.push(ctx, payer, share); err != nil {
			l.state.FailedShareEscrow[payer] += share
			l.logger.WarnContext(ctx, "distribution transfer failed, share escrowed",
				"recipient", payer, "amount", share, errors.SlogError(err))
			l.emitter.Emit(events.Event{
				Type:      events.TypeShareEscrowed,
				SessionID: l.cfg.SessionID,
				Data:      map[string]any{"recipient": payer, "amount": share},
			})
		}
	}

	l.state.PrizePool = 0
	l.state.Ended = true
	if err := l.store.Save(l.state); err != nil {
		return err
	}
	l.logger.InfoContext(ctx, "prize pool distributed",
		"pool", pool, "payers", len(payers), "last_payer", lastPayer)
	l.emitter.Emit(events.Event{
		Type:      events.TypePoolDistributed,
		SessionID: l.cfg.SessionID,
		Data:      map[string]any{"pool": pool, "payers": len(payers), "last_payer": lastPayer},
	})
	return nil
}

// WithdrawTeamShare pays out addr's accrued team balance. Available at any
// time, independent of session state. The balance is zeroed before the
// transfer is submitted; on transfer failure the amount moves to the
// failed-share escrow instead of being restored, keeping the accounting
// single-entry.
func (l *Ledger) WithdrawTeamShare(ctx context.Context, addr string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, ok := l.state.TeamBalances[addr]
	if !ok {
		return 0, errors.Wrap(ErrNotTeamMember, "withdraw team share", slog.String("addr", addr))
	}
	if balance == 0 {
		return 0, errors.Wrap(ErrNothingToWithdraw, "withdraw team share", slog.String("addr", addr))
	}

	// Zero before transferring so a reentrant call observes no balance.
	l.state.TeamBalances[addr] = 0
	if err := l.store.Save(l.state); err != nil {
		return 0, err
	}

	if err := l.push(ctx, addr, balance); err != nil {
		l.state.FailedShareEscrow[addr] += balance
		if saveErr := l.store.Save(l.state); saveErr != nil {
			return 0, saveErr
		}
		l.emitter.Emit(events.Event{
			Type:      events.TypeShareEscrowed,
			SessionID: l.cfg.SessionID,
			Data:      map[string]any{"recipient": addr, "amount": balance},
		})
		return 0, errors.Wrap(err, "withdraw transfer failed, amount escrowed",
			slog.String("addr", addr), slog.Uint64("amount", balance))
	}

	l.emitter.Emit(events.Event{
		Type:      events.TypeTeamWithdrawal,
		SessionID: l.cfg.SessionID,
		Data:      map[string]any{"addr": addr, "amount": balance},
	})
	return balance, nil
}

// ClaimFailedShare lets addr withdraw a share whose push-payment previously
// failed.
func (l *Ledger) ClaimFailedShare(ctx context.Context, addr string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	amount := l.state.FailedShareEscrow[addr]
	if amount == 0 {
		return 0, errors.Wrap(ErrNothingToClaim, "claim failed share", slog.String("addr", addr))
	}

	l.state.FailedShareEscrow[addr] = 0
	if err := l.store.Save(l.state); err != nil {
		return 0, err
	}
	if err := l.push(ctx, addr, amount); err != nil {
		// Put it back; the claim is explicitly retryable.
		l.state.FailedShareEscrow[addr] = amount
		if saveErr := l.store.Save(l.state); saveErr != nil {
			return 0, saveErr
		}
		return 0, errors.Wrap(err, "claim transfer",
			slog.String("addr", addr), slog.Uint64("amount", amount))
	}

	l.emitter.Emit(events.Event{
		Type:      events.TypeShareClaimed,
		SessionID: l.cfg.SessionID,
		Data:      map[string]any{"addr": addr, "amount": amount},
	})
	return amount, nil
}

// Expired reports whether the inactivity threshold has elapsed.
func (l *Ledger) Expired() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now().Sub(l.state.LastActivity) >= l.cfg.ExpiryThreshold
}

func (l *Ledger) push(ctx context.Context, to string, amount uint64) error {
	txHash, err := l.client.Transfer(ctx, to, amount)
	if err != nil {
		return err
	}
	return l.client.WaitConfirmations(ctx, txHash, l.cfg.Confirmations)
}

func distinctPayers(order []string) []string {
	seen := make(map[string]bool, len(order))
	var payers []string
	for _, payer := range order {
		if !seen[payer] {
			seen[payer] = true
			payers = append(payers, payer)
		}
	}
	return payers
}
