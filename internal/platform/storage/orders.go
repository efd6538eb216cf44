package storage

import (
	"context"
	"fmt"

	"github.com/ecerlabs/chainpay/internal/chain"
	"github.com/ecerlabs/chainpay/internal/order"
)

// OrderStore is the Postgres-backed order.Store. The conditional paid
// transition is a single guarded UPDATE, which is the only cross-process
// mutual exclusion the reconciliation core relies on.
type OrderStore struct {
	db *DB
}

// NewOrderStore creates an order store over the pool.
func NewOrderStore(db *DB) *OrderStore {
	return &OrderStore{db: db}
}

// ListOpen implements order.Store.
func (s *OrderStore) ListOpen(ctx context.Context, c chain.Chain, a chain.Asset) ([]order.Order, error) {
	const q = `
		SELECT id, status, chain, asset, recipient_wallet,
		       amount_crypto, COALESCE(unique_amount_crypto, 0),
		       created_at, COALESCE(signature, ''), COALESCE(sender_wallet, ''),
		       user_notified
		FROM orders
		WHERE status = $1 AND chain = $2 AND asset = $3
		ORDER BY created_at ASC, id ASC`

	rows, err := s.db.pool.Query(ctx, q, string(order.StatusWaitingPayment), c.String(), a.String())
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	defer rows.Close()

	var out []order.Order
	for rows.Next() {
		var (
			o                  order.Order
			statusStr          string
			chainStr, assetStr string
		)
		if err := rows.Scan(
			&o.ID, &statusStr, &chainStr, &assetStr, &o.RecipientWallet,
			&o.AmountCrypto, &o.UniqueAmountCrypto,
			&o.CreatedAt, &o.Signature, &o.SenderWallet,
			&o.UserNotified,
		); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}

		o.Status = order.Status(statusStr)
		if o.Chain, err = chain.ParseChain(chainStr); err != nil {
			return nil, fmt.Errorf("order %s: %w", o.ID, err)
		}
		if o.Asset, err = chain.ParseAsset(assetStr); err != nil {
			return nil, fmt.Errorf("order %s: %w", o.ID, err)
		}

		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	return out, nil
}

// ConditionalUpdate implements order.Store. The status guard sits in the
// WHERE clause, so concurrent listeners racing to credit the same order see
// exactly one row affected between them.
func (s *OrderStore) ConditionalUpdate(ctx context.Context, id string, expected order.Status, upd order.Update) (bool, error) {
	const q = `
		UPDATE orders
		SET status = $1, signature = $2, sender_wallet = $3, user_notified = $4
		WHERE id = $5 AND status = $6`

	tag, err := s.db.pool.Exec(ctx, q,
		string(upd.Status), upd.Signature, upd.SenderWallet, upd.UserNotified,
		id, string(expected),
	)
	if err != nil {
		return false, fmt.Errorf("conditional update %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	// Zero rows means either a lost race or a bad id; only the latter is an
	// error, matching the in-memory store's contract.
	var exists bool
	if err := s.db.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("conditional update %s: %w", id, err)
	}
	if !exists {
		return false, fmt.Errorf("order not found: %s", id)
	}
	return false, nil
}

var _ order.Store = (*OrderStore)(nil)
