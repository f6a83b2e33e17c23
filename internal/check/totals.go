package check

import "github.com/tablewire/caps/internal/money"

// Totals is the derived monetary summary of a check.
type Totals struct {
	Subtotal money.Cents `json:"subtotal"`
	Tax      money.Cents `json:"tax"`
	Total    money.Cents `json:"total"`
}

// TotalsFunc computes totals from the active (non-voided, finalized) items.
// Implementations must be deterministic, side-effect free and rounded to
// the currency's minor unit; tax-rule internals (inclusive vs add-on,
// per-group rates) live behind this contract.
type TotalsFunc func(items []Item) Totals

// AddOnTax returns a TotalsFunc applying a single add-on tax rate in basis
// points (800 = 8%). It is the default calculator and the one the test
// suite pins its arithmetic to.
func AddOnTax(basisPoints int64) TotalsFunc {
	return func(items []Item) Totals {
		var sub money.Cents
		for i := range items {
			sub += items[i].LineTotal()
		}
		tax := sub.ApplyBasisPoints(basisPoints)
		return Totals{Subtotal: sub, Tax: tax, Total: sub + tax}
	}
}
