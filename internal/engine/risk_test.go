package engine

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestDeviationInsideRangeIsZero(t *testing.T) {
	require.True(t, Deviation(d("150"), d("100"), d("200")).IsZero())
	require.True(t, Deviation(d("100"), d("100"), d("200")).IsZero())
	require.True(t, Deviation(d("200"), d("100"), d("200")).IsZero())
}

func TestDeviationOutsideRange(t *testing.T) {
	// 10 below a span of 100 is 10%.
	require.True(t, Deviation(d("90"), d("100"), d("200")).Equal(d("10")))
	require.True(t, Deviation(d("215"), d("100"), d("200")).Equal(d("15")))
}

func TestEvaluateDeviationBreach(t *testing.T) {
	m := Monitor{MaxDeviation: d("5"), Investment: d("1000")}
	reason, breached := m.Evaluate(d("210"), d("100"), d("200"), decimal.Zero, decimal.Zero)
	require.True(t, breached)
	require.Contains(t, reason, "deviation")

	_, breached = m.Evaluate(d("204"), d("100"), d("200"), decimal.Zero, decimal.Zero)
	require.False(t, breached)
}

func TestEvaluateStopLossCombinesRealizedAndUnrealized(t *testing.T) {
	m := Monitor{StopLoss: d("10"), Investment: d("1000")}

	// 60 realized loss plus 50 unrealized loss is 11% of investment.
	reason, breached := m.Evaluate(d("150"), d("100"), d("200"), d("-60"), d("-50"))
	require.True(t, breached)
	require.Contains(t, reason, "stop loss")

	// Profit offsets loss below the threshold.
	_, breached = m.Evaluate(d("150"), d("100"), d("200"), d("60"), d("-50"))
	require.False(t, breached)
}

func TestEvaluateZeroThresholdsDisableControls(t *testing.T) {
	m := Monitor{Investment: d("1000")}
	_, breached := m.Evaluate(d("500"), d("100"), d("200"), d("-900"), decimal.Zero)
	require.False(t, breached)
}
