// Package order holds the order model shared with the checkout system and
// the store contract the reconciliation core reads and writes through.
package order

import (
	"context"
	"time"

	"github.com/ecerlabs/chainpay/internal/chain"
)

// Status is the payment lifecycle state of an order. The reconciliation core
// only ever performs the waiting_payment -> paid transition; expiry and
// failure are owned by the checkout/timeout logic.
type Status string

const (
	StatusWaitingPayment Status = "waiting_payment"
	StatusPaid           Status = "paid"
	StatusExpired        Status = "expired"
	StatusFailed         Status = "failed"
)

// Order is a sell order awaiting an on-chain deposit.
type Order struct {
	ID              string
	Status          Status
	Chain           chain.Chain
	Asset           chain.Asset
	RecipientWallet string

	// AmountCrypto is the quoted price; UniqueAmountCrypto, when non-zero,
	// is the nonce-adjusted amount that disambiguates concurrent orders at
	// the same price. ExpectedAmount() is what the matcher compares against.
	AmountCrypto       float64
	UniqueAmountCrypto float64

	CreatedAt time.Time

	// Set by the reconciliation core on a successful match.
	Signature    string
	SenderWallet string
	UserNotified bool
}

// ExpectedAmount returns the unique per-order amount when one was assigned,
// otherwise the quoted amount.
func (o *Order) ExpectedAmount() float64 {
	if o.UniqueAmountCrypto != 0 {
		return o.UniqueAmountCrypto
	}
	return o.AmountCrypto
}

// Update carries the fields written by a conditional transition.
type Update struct {
	Status       Status
	Signature    string
	SenderWallet string
	UserNotified bool
}

// Store is the order persistence contract. The checkout system owns the
// table; the reconciliation core only lists open orders and applies the
// conditional paid transition.
type Store interface {
	// ListOpen returns orders in waiting_payment for the given chain and
	// asset, ordered by ascending creation time.
	ListOpen(ctx context.Context, c chain.Chain, a chain.Asset) ([]Order, error)

	// ConditionalUpdate applies upd to the order only if its current status
	// equals expected. It returns false when the guard fails, which is how
	// concurrent listeners lose the race without double-crediting.
	ConditionalUpdate(ctx context.Context, id string, expected Status, upd Update) (bool, error)
}
