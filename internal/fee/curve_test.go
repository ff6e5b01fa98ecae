package fee_test

import (
	"testing"

	"github.com/comrade-coop/teesa-engine/internal/fee"
	"github.com/stretchr/testify/require"
)

func mustCurve(t *testing.T) fee.Curve {
	t.Helper()
	curve, err := fee.NewCurve(1000, 10078, 10000, 10000)
	require.NoError(t, err)
	return curve
}

func TestNewCurveValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		initialFee  uint64
		numerator   uint64
		denominator uint64
		maxPayments uint64
	}{
		{name: "zero initial fee", initialFee: 0, numerator: 10078, denominator: 10000, maxPayments: 100},
		{name: "zero denominator", initialFee: 1000, numerator: 10078, denominator: 0, maxPayments: 100},
		{name: "ratio of one", initialFee: 1000, numerator: 10000, denominator: 10000, maxPayments: 100},
		{name: "shrinking ratio", initialFee: 1000, numerator: 9000, denominator: 10000, maxPayments: 100},
		{name: "zero max payments", initialFee: 1000, numerator: 10078, denominator: 10000, maxPayments: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fee.NewCurve(tt.initialFee, tt.numerator, tt.denominator, tt.maxPayments)
			require.Error(t, err)
		})
	}
}

func TestFeeZeroIsInitialFee(t *testing.T) {
	t.Parallel()
	curve := mustCurve(t)
	amount, err := curve.Fee(0)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), amount)
}

func TestFeeGrowsByConfiguredRatio(t *testing.T) {
	t.Parallel()
	curve := mustCurve(t)
	prev, err := curve.Fee(0)
	require.NoError(t, err)
	for n := uint64(1); n < 200; n++ {
		current, feeErr := curve.Fee(n)
		require.NoError(t, feeErr)
		// Floor division per step: fee(n+1) = fee(n) * 10078 / 10000 exactly.
		require.Equal(t, prev*10078/10000, current, "fee(%d)", n)
		require.Greater(t, current, prev, "fee must strictly grow")
		prev = current
	}
}

func TestFeeSequenceMatchesReference(t *testing.T) {
	t.Parallel()
	curve := mustCurve(t)
	want := []uint64{1000, 1007, 1014, 1021}
	for n, expected := range want {
		got, err := curve.Fee(uint64(n))
		require.NoError(t, err)
		require.Equal(t, expected, got, "fee(%d)", n)
	}
}

func TestFeeIsReproducible(t *testing.T) {
	t.Parallel()
	curve := mustCurve(t)
	first, err := curve.Fee(150)
	require.NoError(t, err)
	second, err := curve.Fee(150)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestFeeFailsClosedAtMaxPayments(t *testing.T) {
	t.Parallel()
	curve, err := fee.NewCurve(1000, 10078, 10000, 5)
	require.NoError(t, err)

	_, err = curve.Fee(4)
	require.NoError(t, err)
	_, err = curve.Fee(5)
	require.ErrorIs(t, err, fee.ErrTooManyPayments)
	_, err = curve.Fee(6)
	require.ErrorIs(t, err, fee.ErrTooManyPayments)
}

func TestFeeGuardsOverflow(t *testing.T) {
	t.Parallel()
	// A huge initial fee with an aggressive ratio overflows quickly; the
	// curve must reject rather than wrap around.
	curve, err := fee.NewCurve(1<<62, 3, 2, 1000)
	require.NoError(t, err)
	_, err = curve.Fee(100)
	require.ErrorIs(t, err, fee.ErrOverflow)
}
