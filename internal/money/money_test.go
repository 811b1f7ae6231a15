package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestComputeOilChangeExample(t *testing.T) {
	totals, err := Compute([]Line{
		{Description: "Oil change", Quantity: 1, UnitPrice: d("15000")},
	}, d("18"))
	require.NoError(t, err)
	require.True(t, totals.Subtotal.Equal(d("15000")), "subtotal %s", totals.Subtotal)
	require.True(t, totals.Tax.Equal(d("2700")), "tax %s", totals.Tax)
	require.True(t, totals.Total.Equal(d("17700")), "total %s", totals.Total)
}

func TestComputeMultipleLines(t *testing.T) {
	totals, err := Compute([]Line{
		{Description: "Brake pads", Quantity: 2, UnitPrice: d("22500")},
		{Description: "Labour", Quantity: 3, UnitPrice: d("10000")},
	}, d("0"))
	require.NoError(t, err)
	require.True(t, totals.Subtotal.Equal(d("75000")))
	require.True(t, totals.Tax.IsZero())
	require.True(t, totals.Total.Equal(d("75000")))
}

func TestComputeInvariantHolds(t *testing.T) {
	totals, err := Compute([]Line{
		{Description: "Diagnostic", Quantity: 1, UnitPrice: d("3333")},
	}, d("7.5"))
	require.NoError(t, err)
	require.True(t, totals.Total.Equal(totals.Subtotal.Add(totals.Tax)))
	// 3333 * 7.5% = 249.975 rounds to 250 whole francs.
	require.True(t, totals.Tax.Equal(d("250")), "tax %s", totals.Tax)
}

func TestComputeRejectsBadInput(t *testing.T) {
	_, err := Compute(nil, d("18"))
	require.ErrorIs(t, err, ErrEmptyLines)

	_, err = Compute([]Line{{Description: "x", Quantity: 0, UnitPrice: d("10")}}, d("18"))
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = Compute([]Line{{Description: "x", Quantity: 1, UnitPrice: d("-1")}}, d("18"))
	require.ErrorIs(t, err, ErrNegativePrice)

	_, err = Compute([]Line{{Description: "x", Quantity: 1, UnitPrice: d("10")}}, d("101"))
	require.ErrorIs(t, err, ErrInvalidTaxRate)

	_, err = Compute([]Line{{Description: "x", Quantity: 1, UnitPrice: d("10")}}, d("-1"))
	require.ErrorIs(t, err, ErrInvalidTaxRate)
}

func TestLineTotal(t *testing.T) {
	l := Line{Description: "Tyres", Quantity: 4, UnitPrice: d("45000")}
	require.True(t, l.Total().Equal(d("180000")))
}
