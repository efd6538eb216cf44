// Package notify carries the downstream side of a paid transition: admin
// messages over Telegram and machine-readable settlement events over NATS
// JetStream, where the user-notification and payout services consume them.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ecerlabs/chainpay/internal/order"
)

const (
	settlementStream = "CHAINPAY_SETTLEMENTS"

	subjectPaid   = "settlement.paid"
	subjectPayout = "settlement.payout.requested"
)

// BusConfig holds NATS connection configuration.
type BusConfig struct {
	URL            string
	Name           string
	ReconnectWait  time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// DefaultBusConfig returns sensible defaults for local development.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		URL:            nats.DefaultURL,
		Name:           "chainpay-monitord",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 10 * time.Second,
	}
}

// Bus publishes settlement events to JetStream. It implements the
// disbursement port: Disburse publishes a payout request rather than moving
// money itself, keeping the payout service's retry logic out of this
// process.
type Bus struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// ConnectBus connects to NATS and ensures the settlement stream exists.
func ConnectBus(ctx context.Context, cfg BusConfig, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "settlement-bus")

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        settlementStream,
		Subjects:    []string{"settlement.>"},
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      72 * time.Hour,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
		Description: "Paid-order settlement events and payout requests",
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", settlementStream, err)
	}

	return &Bus{nc: nc, js: js, logger: logger}, nil
}

// SettlementEvent is the wire shape shared by paid and payout messages.
type SettlementEvent struct {
	OrderID      string    `json:"order_id"`
	Chain        string    `json:"chain"`
	Asset        string    `json:"asset"`
	Amount       float64   `json:"amount"`
	Wallet       string    `json:"wallet"`
	SenderWallet string    `json:"sender_wallet,omitempty"`
	TxID         string    `json:"tx_id,omitempty"`
	At           time.Time `json:"at"`
}

func settlementEventOf(o order.Order, txID string) SettlementEvent {
	return SettlementEvent{
		OrderID:      o.ID,
		Chain:        o.Chain.String(),
		Asset:        o.Asset.String(),
		Amount:       o.ExpectedAmount(),
		Wallet:       o.RecipientWallet,
		SenderWallet: o.SenderWallet,
		TxID:         txID,
		At:           time.Now().UTC(),
	}
}

// PublishPaid emits a settlement.paid event for the user-notification
// consumer.
func (b *Bus) PublishPaid(ctx context.Context, o order.Order, txID string) error {
	return b.publish(ctx, subjectPaid, settlementEventOf(o, txID))
}

// Disburse emits a payout request. The external payout service owns retries
// and idempotence keyed by order id.
func (b *Bus) Disburse(ctx context.Context, o order.Order) error {
	return b.publish(ctx, subjectPayout, settlementEventOf(o, o.Signature))
}

func (b *Bus) publish(ctx context.Context, subject string, ev SettlementEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode settlement event: %w", err)
	}

	// MsgId gives JetStream-side dedupe should a replayed event slip past
	// the listener's own guards.
	if _, err := b.js.Publish(ctx, subject, body, jetstream.WithMsgID(subject+"/"+ev.OrderID)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	b.logger.Debug("settlement event published", "subject", subject, "order", ev.OrderID)
	return nil
}

// Close drains the connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}
