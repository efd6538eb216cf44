package reconcile

import (
	"context"
	"fmt"

	"github.com/ecerlabs/chainpay/internal/chain"
	"github.com/ecerlabs/chainpay/internal/order"
)

// Outcome is the result of an attempted paid transition.
type Outcome int

const (
	// OutcomePaid means this caller won the transition and owns the
	// follow-up notifications and disbursement.
	OutcomePaid Outcome = iota

	// OutcomeAlreadyPaid means the order left waiting_payment before this
	// caller's update applied. No side effects were made.
	OutcomeAlreadyPaid

	// OutcomeConflict means the store could not answer; the caller must
	// treat the event as unprocessed.
	OutcomeConflict
)

func (o Outcome) String() string {
	switch o {
	case OutcomePaid:
		return "paid"
	case OutcomeAlreadyPaid:
		return "already_paid"
	case OutcomeConflict:
		return "conflict"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// StateMachine performs the single transition the reconciliation core is
// allowed to make: waiting_payment -> paid, guarded by a conditional update
// so concurrent listeners crediting the same order cannot both win.
type StateMachine struct {
	store order.Store
}

// NewStateMachine creates a state machine over the given order store.
func NewStateMachine(store order.Store) *StateMachine {
	return &StateMachine{store: store}
}

// TryMarkPaid attempts the paid transition for orderID, recording the
// transfer's tx id as the payment signature and its sender wallet. The
// user_notified flag is reset so the notification pipeline picks the order
// up. A failed guard reports OutcomeAlreadyPaid; a store error reports
// OutcomeConflict alongside the error.
func (m *StateMachine) TryMarkPaid(ctx context.Context, orderID string, t chain.Transfer) (Outcome, error) {
	upd := order.Update{
		Status:       order.StatusPaid,
		Signature:    t.TxID,
		SenderWallet: t.Sender,
		UserNotified: false,
	}

	ok, err := m.store.ConditionalUpdate(ctx, orderID, order.StatusWaitingPayment, upd)
	if err != nil {
		return OutcomeConflict, fmt.Errorf("mark order %s paid: %w", orderID, err)
	}
	if !ok {
		return OutcomeAlreadyPaid, nil
	}
	return OutcomePaid, nil
}
