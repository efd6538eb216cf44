package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ecerlabs/chainpay/internal/adapter"
	"github.com/ecerlabs/chainpay/internal/chain"
	"github.com/ecerlabs/chainpay/internal/dedupe"
	"github.com/ecerlabs/chainpay/internal/match"
	"github.com/ecerlabs/chainpay/internal/order"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second

	// pullRetry is the reconnect delay for polling feeds, where the scan
	// cursor makes reopening cheap.
	pullRetry = 5 * time.Second
)

// Deps are the collaborators a listener dispatches into. Oracle may be nil;
// everything else is required.
type Deps struct {
	Orders    order.Store
	Dedupe    dedupe.Store
	Notifier  Notifier
	Disburser Disburser
	Oracle    PriceOracle
	Logger    *slog.Logger
}

// Listener owns the feed lifecycle for one (chain, asset) pair: it opens the
// adapter's stream, reconnects with backoff on transport failure, and hands
// every raw event to its own goroutine so a slow downstream call never stalls
// ingestion.
//
// Event handling runs extract -> match -> transition -> dedupe mark ->
// notify/disburse. The tx id is marked in the dedupe store only after the
// transition attempt succeeds or the event is established as a non-match, so
// an order-store outage leaves the event replayable instead of silently
// dropped. Downstream calls belong to the transition winner alone: the
// conditional update admits exactly one OutcomePaid per order, so the winner
// settles no matter how duplicate deliveries interleave their dedupe marks.
type Listener struct {
	adapter   adapter.Adapter
	matcher   *match.Matcher
	machine   *StateMachine
	orders    order.Store
	dedupe    dedupe.Store
	notifier  Notifier
	disburser Disburser
	oracle    PriceOracle
	logger    *slog.Logger

	// Reconnect timing, overridable in tests.
	backoffBase time.Duration
	backoffMax  time.Duration
	pullDelay   time.Duration

	wg sync.WaitGroup
}

// NewListener wires a listener around one adapter.
func NewListener(a adapter.Adapter, deps Deps) *Listener {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		adapter:   a,
		matcher:   match.New(),
		machine:   NewStateMachine(deps.Orders),
		orders:    deps.Orders,
		dedupe:    deps.Dedupe,
		notifier:  deps.Notifier,
		disburser: deps.Disburser,
		oracle:    deps.Oracle,
		logger: logger.With(
			"component", "listener",
			"adapter", a.Name(),
			"chain", a.Chain().String(),
		),
		backoffBase: initialBackoff,
		backoffMax:  maxBackoff,
		pullDelay:   pullRetry,
	}
}

// Run drives the feed until ctx is canceled. Transport failures reconnect
// with exponential backoff for push feeds and a fixed delay for pull feeds;
// Run only returns the context's error, never a transport error.
func (l *Listener) Run(ctx context.Context) error {
	defer l.wg.Wait()

	backoff := l.backoffBase

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		opened, err := l.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if opened {
			backoff = l.backoffBase
		}

		wait := backoff
		if l.adapter.Mode() == adapter.ModePull {
			wait = l.pullDelay
		}

		l.logger.Error("stream error, reconnecting",
			"error", err,
			"backoff", wait,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		if l.adapter.Mode() == adapter.ModePush {
			backoff *= 2
			if backoff > l.backoffMax {
				backoff = l.backoffMax
			}
		}
	}
}

// consume opens one stream and pumps it until it fails. opened reports
// whether the transport came up at all, which resets the backoff.
func (l *Listener) consume(ctx context.Context) (opened bool, err error) {
	stream, err := l.adapter.Open(ctx)
	if err != nil {
		return false, err
	}
	defer stream.Close()

	l.logger.Info("stream open", "asset", l.adapter.Asset().String())

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			return true, err
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handle(ctx, ev)
		}()
	}
}

func (l *Listener) handle(ctx context.Context, ev adapter.RawEvent) {
	t, err := l.adapter.Extract(ctx, ev)
	if err != nil {
		l.logger.Warn("skipping undecodable event", "tx", ev.TxID, "error", err)
		return
	}
	if t == nil {
		return
	}

	open, err := l.orders.ListOpen(ctx, t.Chain, t.Asset)
	if err != nil {
		l.logger.Error("order store unavailable, leaving event replayable", "tx", t.TxID, "error", err)
		return
	}

	ord := l.matcher.Find(*t, open)
	if ord == nil {
		l.markSeen(ctx, t.TxID)
		l.logger.Debug("no matching order", "tx", t.TxID, "amount", t.Amount)
		return
	}

	outcome, err := l.machine.TryMarkPaid(ctx, ord.ID, *t)
	if err != nil {
		// Not marked in dedupe: a replay of this tx id will retry the
		// transition.
		l.logger.Error("paid transition failed, leaving event replayable",
			"tx", t.TxID, "order", ord.ID, "error", err)
		return
	}

	l.markSeen(ctx, t.TxID)

	if outcome != OutcomePaid {
		l.logger.Info("order already settled by a concurrent listener",
			"tx", t.TxID, "order", ord.ID, "outcome", outcome.String())
		return
	}

	l.settle(ctx, *ord, *t)
}

// markSeen records the tx id so replayed deliveries are visible in the dedupe
// store. It never gates the winner's downstream calls: a duplicate delivery
// can mark the id before the winner's commit returns, and suppressing on that
// would leave a paid order unsettled. A dedupe store outage is logged only;
// the conditional transition is what guarantees exactly-once settlement.
func (l *Listener) markSeen(ctx context.Context, txID string) {
	if _, err := l.dedupe.CheckAndMark(ctx, txID); err != nil {
		l.logger.Warn("dedupe store unavailable", "tx", txID, "error", err)
	}
}

// settle runs the once-per-transition downstream calls: admin and user
// notifications, then disbursement. All best-effort.
func (l *Listener) settle(ctx context.Context, ord order.Order, t chain.Transfer) {
	logger := l.logger.With("tx", t.TxID, "order", ord.ID)

	if l.oracle != nil {
		if price, err := l.oracle.CurrentPrice(ctx, t.Chain, t.Asset); err == nil {
			logger.Info("deposit matched",
				"amount", t.Amount,
				"asset", t.Asset.String(),
				"fiat_value", price*t.Amount,
			)
		} else {
			logger.Info("deposit matched", "amount", t.Amount, "asset", t.Asset.String())
		}
	} else {
		logger.Info("deposit matched", "amount", t.Amount, "asset", t.Asset.String())
	}

	if err := l.notifier.NotifyAdmin(ctx, ord, t.TxID); err != nil {
		logger.Warn("admin notification failed", "error", err)
	}
	if err := l.notifier.NotifyUserProcessing(ctx, ord); err != nil {
		logger.Warn("user notification failed", "error", err)
	}
	if err := l.disburser.Disburse(ctx, ord); err != nil {
		logger.Error("disbursement request failed", "error", err)
		return
	}

	logger.Info("order settled")
}
