package reconcile

import (
	"context"

	"github.com/ecerlabs/chainpay/internal/chain"
	"github.com/ecerlabs/chainpay/internal/order"
)

// Notifier delivers human-facing messages after a paid transition. Calls are
// best-effort: a delivery failure is logged and never rolls the transition
// back.
type Notifier interface {
	NotifyAdmin(ctx context.Context, o order.Order, txID string) error
	NotifyUserProcessing(ctx context.Context, o order.Order) error
}

// Disburser hands a paid order to the downstream payout service. Invoked at
// most once per transition, after notifications; retry and idempotence on the
// payout side are the service's own concern.
type Disburser interface {
	Disburse(ctx context.Context, o order.Order) error
}

// PriceOracle quotes a fiat price for an asset. Used only to enrich logs;
// matching never consults it.
type PriceOracle interface {
	CurrentPrice(ctx context.Context, c chain.Chain, a chain.Asset) (float64, error)
}
