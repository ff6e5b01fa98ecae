package models

import "time"

// Payment is one accepted participation payment.
type Payment struct {
	Amount    uint64    `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// LedgerSnapshot is the persisted bookkeeping state mirroring the settlement
// contract: the prize pool, per-team accrued shares, per-payer payment
// history, and the recoverable escrow for failed push-payments.
type LedgerSnapshot struct {
	SessionID         string               `json:"session_id"`
	PrizePool         uint64               `json:"prize_pool"`
	TeamBalances      map[string]uint64    `json:"team_balances"`
	PaymentHistory    map[string][]Payment `json:"payment_history"`
	PaymentOrder      []string             `json:"payment_order"`
	FailedShareEscrow map[string]uint64    `json:"failed_share_escrow"`
	PaymentCount      uint64               `json:"payment_count"`
	LastActivity      time.Time            `json:"last_activity"`
	Ended             bool                 `json:"ended"`
	Winner            string               `json:"winner,omitempty"`
}
