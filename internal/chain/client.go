// Package chain defines the narrow interface to the blockchain node. The
// node is an external collaborator: the engine only submits transactions and
// waits for confirmations, it never mutates chain state directly.
package chain

import (
	"context"

	"github.com/comrade-coop/teesa-engine/internal/errors"
)

var (
	// ErrInsufficientFunds marks a submission that failed because the
	// operator wallet cannot cover the transfer or its gas. It is a distinct
	// user-visible condition, not a generic failure.
	ErrInsufficientFunds = errors.NewSentinel("insufficient funds")
	// ErrTransferRejected marks a push-payment refused by the recipient.
	ErrTransferRejected = errors.NewSentinel("transfer rejected by recipient")
)

// Client submits transactions to the chain node. Implementations are
// expected to be slow and fallible; every call takes a context with the
// caller's timeout.
type Client interface {
	// Transfer submits a value transfer and returns the transaction hash.
	Transfer(ctx context.Context, to string, amount uint64) (string, error)
	// IssueReward mints the reward artifact reference to the winner on chain
	// and returns the transaction hash.
	IssueReward(ctx context.Context, to string, contentRef string) (string, error)
	// WaitConfirmations blocks until the transaction has n confirmations.
	WaitConfirmations(ctx context.Context, txHash string, n int) error
}
