// Package fee computes the participation fee for the nth accepted payment.
// The curve is a fixed rational growth ratio applied multiplicatively with
// integer arithmetic so repeated computation is bit-for-bit reproducible and
// matches on-chain integer math. Floating point is deliberately absent.
package fee

import (
	"log/slog"
	"math"

	"github.com/comrade-coop/teesa-engine/internal/errors"
)

var (
	// ErrTooManyPayments is returned once the configured maximum payment
	// count is reached. The curve fails closed instead of overflowing.
	ErrTooManyPayments = errors.NewSentinel("maximum payment count reached")
	// ErrOverflow is returned when a multiplication step would exceed uint64.
	ErrOverflow = errors.NewSentinel("fee computation overflows")
)

// Curve is a pure, stateless fee schedule.
type Curve struct {
	initialFee  uint64
	numerator   uint64
	denominator uint64
	maxPayments uint64
}

// NewCurve builds a curve growing by numerator/denominator per accepted
// payment. The ratio must be greater than one and initialFee non-zero.
// maxPayments bounds the multiplicative chain; fees for counts at or beyond
// it are rejected with ErrTooManyPayments.
func NewCurve(initialFee, numerator, denominator, maxPayments uint64) (Curve, error) {
	if initialFee == 0 {
		return Curve{}, errors.New("initial fee must be non-zero")
	}
	if denominator == 0 {
		return Curve{}, errors.New("growth denominator must be non-zero")
	}
	if numerator <= denominator {
		return Curve{}, errors.New("growth ratio must be greater than one",
			slog.Uint64("numerator", numerator),
			slog.Uint64("denominator", denominator))
	}
	if maxPayments == 0 {
		return Curve{}, errors.New("maximum payment count must be non-zero")
	}
	return Curve{
		initialFee:  initialFee,
		numerator:   numerator,
		denominator: denominator,
		maxPayments: maxPayments,
	}, nil
}

// InitialFee returns fee(0) exactly.
func (c Curve) InitialFee() uint64 {
	return c.initialFee
}

// MaxPayments returns the largest supported payment count.
func (c Curve) MaxPayments() uint64 {
	return c.maxPayments
}

// Fee returns the fee for the payment following n previously accepted
// payments: initialFee with the growth ratio applied n times, floor division
// at each step.
func (c Curve) Fee(n uint64) (uint64, error) {
	if n >= c.maxPayments {
		return 0, errors.Wrap(ErrTooManyPayments, "fee lookup",
			slog.Uint64("n", n),
			slog.Uint64("max", c.maxPayments))
	}
	current := c.initialFee
	for i := uint64(0); i < n; i++ {
		if current > math.MaxUint64/c.numerator {
			return 0, errors.Wrap(ErrOverflow, "fee lookup", slog.Uint64("n", n))
		}
		current = current * c.numerator / c.denominator
	}
	return current, nil
}
