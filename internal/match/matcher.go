// Package match pairs a normalized transfer with the open order it pays.
package match

import (
	"math"

	"github.com/ecerlabs/chainpay/internal/chain"
	"github.com/ecerlabs/chainpay/internal/order"
)

// Matcher finds the open order a transfer pays for.
//
// The matcher does not enforce amount uniqueness across open orders: when two
// orders at the same wallet carry overlapping tolerance windows, the earliest
// created order wins. Keeping concurrently open amounts distinct is the
// order-creation layer's job (unique_amount_crypto exists for exactly that).
type Matcher struct{}

// New creates a Matcher.
func New() *Matcher {
	return &Matcher{}
}

// Find returns the first order in orders that the transfer satisfies, or nil.
// Orders are expected in ascending created_at order, which Store.ListOpen
// guarantees. A candidate qualifies when:
//
//   - chain and asset match,
//   - the transfer's receiver is the order's recipient wallet (case-insensitive),
//   - the transfer was observed at or after the order was created,
//   - the amount is within the asset's tolerance of the expected amount.
func (m *Matcher) Find(t chain.Transfer, orders []order.Order) *order.Order {
	tol := t.Asset.Tolerance()

	for i := range orders {
		o := &orders[i]

		if o.Status != order.StatusWaitingPayment {
			continue
		}
		if o.Chain != t.Chain || o.Asset != t.Asset {
			continue
		}
		if !chain.SameWallet(o.RecipientWallet, t.Receiver) {
			continue
		}
		if t.BlockTime.Before(o.CreatedAt) {
			continue
		}

		expected := o.ExpectedAmount()
		if expected == 0 {
			continue
		}
		if math.Abs(t.Amount-expected) <= tol {
			return o
		}
	}

	return nil
}
