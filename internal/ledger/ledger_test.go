package ledger

import (
	"context"
	"fmt"
	"io"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comrade-coop/teesa-engine/internal/chain"
	"github.com/comrade-coop/teesa-engine/internal/events"
	"github.com/comrade-coop/teesa-engine/internal/fee"
	"github.com/comrade-coop/teesa-engine/internal/testhelpers"
)

// fakeChainClient records transfers and can be told to reject specific
// recipients, simulating a recipient that refuses push-payments.
type fakeChainClient struct {
	transfers map[string]uint64
	reject    map[string]bool
	failAll   error
}

func newFakeChainClient() *fakeChainClient {
	return &fakeChainClient{
		transfers: make(map[string]uint64),
		reject:    make(map[string]bool),
	}
}

func (c *fakeChainClient) Transfer(_ context.Context, to string, amount uint64) (string, error) {
	if c.failAll != nil {
		return "", c.failAll
	}
	if c.reject[to] {
		return "", chain.ErrTransferRejected
	}
	c.transfers[to] += amount
	return fmt.Sprintf("0xtx-%s-%d", to, amount), nil
}

func (c *fakeChainClient) IssueReward(_ context.Context, to string, contentRef string) (string, error) {
	return "0xreward-" + to + "-" + contentRef, nil
}

func (c *fakeChainClient) WaitConfirmations(context.Context, string, int) error {
	return nil
}

func testConfig(t *testing.T) Config {
	t.Helper()
	curve, err := fee.NewCurve(1000, 10078, 10000, 10000)
	require.NoError(t, err)
	return Config{
		SessionID:        "session-1",
		Curve:            curve,
		Owner:            "0xowner",
		TeamAddresses:    []string{"0xteam1", "0xteam2", "0xteam3"},
		TeamPercent:      30,
		LastPayerPercent: 10,
		ExpiryThreshold:  30 * 24 * time.Hour,
		Confirmations:    1,
	}
}

func newTestLedger(t *testing.T, cfg Config) (*Ledger, *fakeChainClient) {
	t.Helper()
	store, err := NewMemorySnapshotStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	client := newFakeChainClient()
	logger := testhelpers.NewLogger(io.Discard)
	l, err := New(cfg, client, store, events.NewEmitter(logger), logger)
	require.NoError(t, err)
	return l, client
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	store, err := NewMemorySnapshotStore()
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	logger := testhelpers.NewLogger(io.Discard)
	emitter := events.NewEmitter(logger)
	client := newFakeChainClient()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "empty team", mutate: func(c *Config) { c.TeamAddresses = nil }},
		{name: "zero team percent", mutate: func(c *Config) { c.TeamPercent = 0 }},
		{name: "team percent 100", mutate: func(c *Config) { c.TeamPercent = 100 }},
		{name: "last payer percent 100", mutate: func(c *Config) { c.LastPayerPercent = 100 }},
		{name: "zero threshold", mutate: func(c *Config) { c.ExpiryThreshold = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(&cfg)
			_, err := New(cfg, client, store, emitter, logger)
			require.Error(t, err)
		})
	}
}

func TestPaySplitsConserveValue(t *testing.T) {
	t.Parallel()
	l, _ := newTestLedger(t, testConfig(t))
	ctx := context.Background()

	amounts := []uint64{1000, 1010, 1018, 1999, 2500}
	var poolBefore uint64
	var teamBefore uint64
	for _, amount := range amounts {
		poolBefore = l.PrizePool()
		teamBefore = totalTeam(l)

		require.NoError(t, l.Pay(ctx, "0xplayer", amount))

		prizeShare := l.PrizePool() - poolBefore
		teamShare := totalTeam(l) - teamBefore
		require.Equal(t, amount, prizeShare+teamShare,
			"no value created or destroyed for payment of %d", amount)

		nominalTeam := amount * 30 / 100
		require.LessOrEqual(t, nominalTeam-teamShare, uint64(len(testConfig(t).TeamAddresses)),
			"allocated team shares within rounding bound of nominal share")
	}
}

func totalTeam(l *Ledger) uint64 {
	var total uint64
	for _, addr := range l.cfg.TeamAddresses {
		total += l.TeamBalance(addr)
	}
	return total
}

func TestPayRejectsBelowFee(t *testing.T) {
	t.Parallel()
	l, _ := newTestLedger(t, testConfig(t))
	ctx := context.Background()

	require.ErrorIs(t, l.Pay(ctx, "0xplayer", 999), ErrFeeTooLow)
	require.NoError(t, l.Pay(ctx, "0xplayer", 1000))
	// Fee has grown to 1007 now; exactly meeting it is accepted.
	require.ErrorIs(t, l.Pay(ctx, "0xplayer", 1006), ErrFeeTooLow)
	require.NoError(t, l.Pay(ctx, "0xplayer", 1007))
}

func TestPayRejectsOverflowingAmount(t *testing.T) {
	t.Parallel()
	l, _ := newTestLedger(t, testConfig(t))
	ctx := context.Background()

	err := l.Pay(ctx, "0xplayer", math.MaxUint64)

	require.ErrorIs(t, err, ErrOverflow)
	require.Zero(t, l.PrizePool(), "rejected payment has no effect")
	require.Zero(t, l.Snapshot().PaymentCount)
}

func TestPayFeeEscalationEndToEnd(t *testing.T) {
	t.Parallel()
	l, _ := newTestLedger(t, testConfig(t))
	ctx := context.Background()

	// Three payments each meeting or exceeding the then-current fee
	// (1000, 1007, 1014).
	payments := []uint64{1000, 1010, 1018}
	var total uint64
	for i, amount := range payments {
		require.NoError(t, l.Pay(ctx, fmt.Sprintf("0xplayer%d", i), amount))
		total += amount
	}

	// Per-payment team allocation: floor(amount*30/100) floored to a
	// multiple of three team members; the residual rides with the pool.
	var wantPool, wantPerMember uint64
	for _, amount := range payments {
		teamShare := amount * 30 / 100
		perMember := teamShare / 3
		wantPerMember += perMember
		wantPool += amount - perMember*3
	}
	require.Equal(t, wantPool, l.PrizePool())
	require.Equal(t, total, wantPool+3*wantPerMember)
	for _, addr := range []string{"0xteam1", "0xteam2", "0xteam3"} {
		require.Equal(t, wantPerMember, l.TeamBalance(addr), "equal team shares")
	}
}

func TestPayRecordsHistoryAndActivity(t *testing.T) {
	t.Parallel()
	l, _ := newTestLedger(t, testConfig(t))
	ctx := context.Background()

	before := l.Snapshot().LastActivity
	l.now = func() time.Time { return before.Add(time.Hour) }

	require.NoError(t, l.Pay(ctx, "0xplayer", 1000))

	history := l.PaymentHistory("0xplayer")
	require.Len(t, history, 1)
	require.Equal(t, uint64(1000), history[0].Amount)
	require.True(t, l.Snapshot().LastActivity.After(before))
}

func TestAwardTransfersPoolExactlyOnce(t *testing.T) {
	t.Parallel()
	l, client := newTestLedger(t, testConfig(t))
	ctx := context.Background()

	require.NoError(t, l.Pay(ctx, "0xplayer", 1000))
	pool := l.PrizePool()
	require.Equal(t, uint64(700), pool)

	require.NoError(t, l.Award(ctx, "0xowner", "0xwinner"))
	require.Equal(t, uint64(700), client.transfers["0xwinner"])
	require.Zero(t, l.PrizePool())
	require.Equal(t, "0xwinner", l.Snapshot().Winner)

	// Terminal: a second award and a distribution both fail with no effect.
	require.ErrorIs(t, l.Award(ctx, "0xowner", "0xsomeone"), ErrGameEnded)
	require.ErrorIs(t, l.DistributeIfExpired(ctx), ErrGameEnded)
	require.Equal(t, "0xwinner", l.Snapshot().Winner)
	require.Equal(t, uint64(700), client.transfers["0xwinner"])
}

func TestAwardEmptyPoolEndsSessionWithoutTransfer(t *testing.T) {
	t.Parallel()
	l, client := newTestLedger(t, testConfig(t))
	ctx := context.Background()
	require.Zero(t, l.PrizePool())

	require.NoError(t, l.Award(ctx, "0xowner", "0xwinner"))

	require.Empty(t, client.transfers, "nothing to transfer for an empty pool")
	snap := l.Snapshot()
	require.True(t, snap.Ended)
	require.Equal(t, "0xwinner", snap.Winner)
	require.ErrorIs(t, l.Award(ctx, "0xowner", "0xsomeone"), ErrGameEnded)
}

func TestAwardRequiresOwner(t *testing.T) {
	t.Parallel()
	l, _ := newTestLedger(t, testConfig(t))
	ctx := context.Background()
	require.NoError(t, l.Pay(ctx, "0xplayer", 1000))

	require.ErrorIs(t, l.Award(ctx, "0xplayer", "0xplayer"), ErrNotOwner)
	require.Equal(t, uint64(700), l.PrizePool(), "failed award leaves the pool unchanged")
	require.False(t, l.Snapshot().Ended)
}

func TestAwardFailedTransferLeavesStateUnchanged(t *testing.T) {
	t.Parallel()
	l, client := newTestLedger(t, testConfig(t))
	ctx := context.Background()
	require.NoError(t, l.Pay(ctx, "0xplayer", 1000))

	client.failAll = chain.ErrInsufficientFunds
	err := l.Award(ctx, "0xowner", "0xwinner")
	require.ErrorIs(t, err, chain.ErrInsufficientFunds)
	require.Equal(t, uint64(700), l.PrizePool())
	require.False(t, l.Snapshot().Ended)
}

func TestDistributeIfExpiredGuard(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	l, _ := newTestLedger(t, cfg)
	ctx := context.Background()

	require.NoError(t, l.Pay(ctx, "0xplayer", 1000))
	paidAt := l.Snapshot().LastActivity

	// One instant before the threshold: rejected with no state change.
	l.now = func() time.Time { return paidAt.Add(cfg.ExpiryThreshold - time.Nanosecond) }
	require.ErrorIs(t, l.DistributeIfExpired(ctx), ErrNotExpired)
	require.Equal(t, uint64(700), l.PrizePool())
	require.False(t, l.Snapshot().Ended)

	// Exactly at the threshold: succeeds and zeroes the pool.
	l.now = func() time.Time { return paidAt.Add(cfg.ExpiryThreshold) }
	require.NoError(t, l.DistributeIfExpired(ctx))
	require.Zero(t, l.PrizePool())
	require.True(t, l.Snapshot().Ended)
}

func TestDistributeWeightsLastPayer(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	l, client := newTestLedger(t, cfg)
	ctx := context.Background()

	require.NoError(t, l.Pay(ctx, "0xalice", 1000))
	require.NoError(t, l.Pay(ctx, "0xbob", 1010))
	require.NoError(t, l.Pay(ctx, "0xcarol", 1020))
	pool := l.PrizePool()
	paidAt := l.Snapshot().LastActivity

	l.now = func() time.Time { return paidAt.Add(cfg.ExpiryThreshold) }
	require.NoError(t, l.DistributeIfExpired(ctx))

	guaranteed := pool * 10 / 100
	perPayer := (pool - guaranteed) / 3
	residual := (pool - guaranteed) - perPayer*3
	require.Equal(t, perPayer, client.transfers["0xalice"])
	require.Equal(t, perPayer, client.transfers["0xbob"])
	require.Equal(t, perPayer+guaranteed+residual, client.transfers["0xcarol"],
		"most recent payer gets the guaranteed minimum plus the residual")
	require.Equal(t, pool,
		client.transfers["0xalice"]+client.transfers["0xbob"]+client.transfers["0xcarol"],
		"distribution conserves the pool")
}

func TestDistributeEscrowsFailedRecipients(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	l, client := newTestLedger(t, cfg)
	ctx := context.Background()

	require.NoError(t, l.Pay(ctx, "0xalice", 1000))
	require.NoError(t, l.Pay(ctx, "0xbob", 1010))
	pool := l.PrizePool()
	paidAt := l.Snapshot().LastActivity

	client.reject["0xalice"] = true
	l.now = func() time.Time { return paidAt.Add(cfg.ExpiryThreshold) }
	require.NoError(t, l.DistributeIfExpired(ctx), "one bad recipient must not block distribution")

	require.Zero(t, l.PrizePool())
	require.True(t, l.Snapshot().Ended)
	require.NotZero(t, client.transfers["0xbob"], "remaining recipients still paid")
	escrowed := l.FailedShare("0xalice")
	require.NotZero(t, escrowed)
	require.Equal(t, pool, escrowed+client.transfers["0xbob"])

	// The failed recipient recovers the share via an explicit claim.
	client.reject["0xalice"] = false
	claimed, err := l.ClaimFailedShare(ctx, "0xalice")
	require.NoError(t, err)
	require.Equal(t, escrowed, claimed)
	require.Zero(t, l.FailedShare("0xalice"))
	require.Equal(t, escrowed, client.transfers["0xalice"])

	_, err = l.ClaimFailedShare(ctx, "0xalice")
	require.ErrorIs(t, err, ErrNothingToClaim)
}

func TestWithdrawTeamShare(t *testing.T) {
	t.Parallel()
	l, client := newTestLedger(t, testConfig(t))
	ctx := context.Background()

	require.NoError(t, l.Pay(ctx, "0xplayer", 1000))
	accrued := l.TeamBalance("0xteam1")
	require.Equal(t, uint64(100), accrued)

	withdrawn, err := l.WithdrawTeamShare(ctx, "0xteam1")
	require.NoError(t, err)
	require.Equal(t, accrued, withdrawn)
	require.Zero(t, l.TeamBalance("0xteam1"))
	require.Equal(t, accrued, client.transfers["0xteam1"])

	_, err = l.WithdrawTeamShare(ctx, "0xteam1")
	require.ErrorIs(t, err, ErrNothingToWithdraw)
	_, err = l.WithdrawTeamShare(ctx, "0xstranger")
	require.ErrorIs(t, err, ErrNotTeamMember)
}

func TestWithdrawFailureEscrowsAmount(t *testing.T) {
	t.Parallel()
	l, client := newTestLedger(t, testConfig(t))
	ctx := context.Background()

	require.NoError(t, l.Pay(ctx, "0xplayer", 1000))
	client.reject["0xteam2"] = true

	_, err := l.WithdrawTeamShare(ctx, "0xteam2")
	require.ErrorIs(t, err, chain.ErrTransferRejected)
	require.Zero(t, l.TeamBalance("0xteam2"), "balance zeroed before the transfer")
	require.Equal(t, uint64(100), l.FailedShare("0xteam2"))
}

func TestSnapshotRecovery(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	store, err := NewMemorySnapshotStore()
	require.NoError(t, err)
	defer func() { _ = store.Close() }()
	logger := testhelpers.NewLogger(io.Discard)
	client := newFakeChainClient()

	l, err := New(cfg, client, store, events.NewEmitter(logger), logger)
	require.NoError(t, err)
	require.NoError(t, l.Pay(context.Background(), "0xplayer", 1000))

	// A new ledger over the same store picks up where the old one left off.
	recovered, err := New(cfg, client, store, events.NewEmitter(logger), logger)
	require.NoError(t, err)
	require.Equal(t, uint64(700), recovered.PrizePool())
	require.Equal(t, uint64(1), recovered.Snapshot().PaymentCount)
	currentFee, err := recovered.CurrentFee()
	require.NoError(t, err)
	require.Equal(t, uint64(1007), currentFee)
}

func TestRebindStartsFresh(t *testing.T) {
	t.Parallel()
	l, _ := newTestLedger(t, testConfig(t))
	ctx := context.Background()

	require.NoError(t, l.Pay(ctx, "0xplayer", 1000))
	require.NoError(t, l.Rebind("session-2"))

	require.Zero(t, l.PrizePool())
	require.Empty(t, l.PaymentHistory("0xplayer"))
	currentFee, err := l.CurrentFee()
	require.NoError(t, err)
	require.Equal(t, uint64(1000), currentFee, "fee curve restarts with the session")
}

func TestRebindKeepsOwedBalances(t *testing.T) {
	t.Parallel()
	l, client := newTestLedger(t, testConfig(t))
	ctx := context.Background()

	// 1000 splits 100 to each of the three team members. A rejected
	// withdrawal parks team1's share in escrow; team2 and team3 have not
	// withdrawn at all.
	require.NoError(t, l.Pay(ctx, "0xplayer", 1000))
	client.reject["0xteam1"] = true
	_, err := l.WithdrawTeamShare(ctx, "0xteam1")
	require.Error(t, err)
	require.Equal(t, uint64(100), l.FailedShare("0xteam1"))

	require.NoError(t, l.Rebind("session-2"))

	require.Equal(t, uint64(100), l.FailedShare("0xteam1"),
		"escrowed shares survive a session reset")
	require.Equal(t, uint64(100), l.TeamBalance("0xteam2"),
		"unwithdrawn team balances survive a session reset")
	require.Zero(t, l.PrizePool())
	require.Zero(t, l.Snapshot().PaymentCount)

	// The carried-over amounts stay claimable in the new round.
	client.reject["0xteam1"] = false
	claimed, err := l.ClaimFailedShare(ctx, "0xteam1")
	require.NoError(t, err)
	require.Equal(t, uint64(100), claimed)
	amount, err := l.WithdrawTeamShare(ctx, "0xteam2")
	require.NoError(t, err)
	require.Equal(t, uint64(100), amount)
}
