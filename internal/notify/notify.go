package notify

import (
	"context"

	"github.com/ecerlabs/chainpay/internal/order"
)

// Service is the notification port wired into the listeners: admin alerts go
// to Telegram, the user-facing "payment processing" message is published on
// the bus for the user-notification consumer (which also flips
// user_notified once delivered).
type Service struct {
	telegram *Telegram
	bus      *Bus
}

// NewService combines the Telegram notifier and the settlement bus. A nil
// telegram disables admin alerts without disabling the bus.
func NewService(telegram *Telegram, bus *Bus) *Service {
	return &Service{telegram: telegram, bus: bus}
}

// NotifyAdmin sends the paid-order alert to the admin chat.
func (s *Service) NotifyAdmin(ctx context.Context, o order.Order, txID string) error {
	if s.telegram == nil {
		return nil
	}
	return s.telegram.SendAdmin(ctx, paidMessage(o, txID))
}

// NotifyUserProcessing hands the user-facing notification to the bus.
func (s *Service) NotifyUserProcessing(ctx context.Context, o order.Order) error {
	return s.bus.PublishPaid(ctx, o, o.Signature)
}
