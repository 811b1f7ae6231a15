// Package money provides fixed-point currency arithmetic for billing documents.
// Amounts are decimals with zero fractional digits (XOF has no minor unit); all
// total/tax computation funnels through Compute so quote creation, invoice
// derivation and any display layer can never disagree on the numbers.
package money

import (
	"errors"

	"github.com/shopspring/decimal"
)

// DefaultCurrency is the ISO 4217 code used across the platform.
const DefaultCurrency = "XOF"

var (
	ErrEmptyLines      = errors.New("money: at least one line item is required")
	ErrInvalidQuantity = errors.New("money: quantity must be greater than zero")
	ErrNegativePrice   = errors.New("money: unit price must not be negative")
	ErrInvalidTaxRate  = errors.New("money: tax rate must be between 0 and 100")
)

var hundred = decimal.NewFromInt(100)

// Line is one billable line item shared by quotes and invoices. Total is always
// derived from Quantity and UnitPrice, never stored independently.
type Line struct {
	Description string          `json:"description"`
	Quantity    int64           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// Total returns quantity * unit price.
func (l Line) Total() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(l.Quantity))
}

// Validate reports whether the line satisfies the quantity/price constraints.
func (l Line) Validate() error {
	if l.Quantity <= 0 {
		return ErrInvalidQuantity
	}
	if l.UnitPrice.IsNegative() {
		return ErrNegativePrice
	}
	return nil
}

// Totals aggregates a document's monetary summary.
type Totals struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Tax      decimal.Decimal `json:"tax"`
	Total    decimal.Decimal `json:"total"`
}

// Compute derives subtotal, tax and total from line items and a percentage tax
// rate. Tax is rounded half away from zero to whole currency units.
func Compute(lines []Line, taxRate decimal.Decimal) (Totals, error) {
	if len(lines) == 0 {
		return Totals{}, ErrEmptyLines
	}
	if taxRate.IsNegative() || taxRate.GreaterThan(hundred) {
		return Totals{}, ErrInvalidTaxRate
	}
	subtotal := decimal.Zero
	for _, l := range lines {
		if err := l.Validate(); err != nil {
			return Totals{}, err
		}
		subtotal = subtotal.Add(l.Total())
	}
	tax := subtotal.Mul(taxRate).Div(hundred).Round(0)
	return Totals{
		Subtotal: subtotal,
		Tax:      tax,
		Total:    subtotal.Add(tax),
	}, nil
}
