package chain

import (
	"context"
	"log/slog"
	"sync"

	"github.com/comrade-coop/teesa-engine/internal/errors"
	"github.com/comrade-coop/teesa-engine/internal/random"
)

const txHashLength = 32

// Simulated is an in-process Client for local runs and demos. Transfers
// always succeed and confirmations are immediate; balances are tracked so
// the operator can inspect where value went.
type Simulated struct {
	logger *slog.Logger

	mu       sync.Mutex
	balances map[string]uint64
}

func NewSimulated(logger *slog.Logger) *Simulated {
	return &Simulated{
		logger:   logger.With("source", "chain.Simulated"),
		balances: make(map[string]uint64),
	}
}

func (s *Simulated) Transfer(_ context.Context, to string, amount uint64) (string, error) {
	hash, err := s.newTxHash()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.balances[to] += amount
	s.mu.Unlock()
	s.logger.Info("simulated transfer", "to", to, "amount", amount, "tx", hash)
	return hash, nil
}

func (s *Simulated) IssueReward(_ context.Context, to, contentRef string) (string, error) {
	hash, err := s.newTxHash()
	if err != nil {
		return "", err
	}
	s.logger.Info("simulated reward issuance", "to", to, "ref", contentRef, "tx", hash)
	return hash, nil
}

func (s *Simulated) WaitConfirmations(context.Context, string, int) error {
	return nil
}

// Balance returns the total value transferred to addr so far.
func (s *Simulated) Balance(addr string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[addr]
}

func (s *Simulated) newTxHash() (string, error) {
	suffix, err := random.Letters(txHashLength)
	if err != nil {
		return "", errors.Wrap(err, "generate transaction hash")
	}
	return "0x" + suffix, nil
}
