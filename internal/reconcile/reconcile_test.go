package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ecerlabs/chainpay/internal/adapter"
	"github.com/ecerlabs/chainpay/internal/chain"
	"github.com/ecerlabs/chainpay/internal/dedupe"
	"github.com/ecerlabs/chainpay/internal/order"
)

const wallet = "0xAbC0000000000000000000000000000000000001"

// fakeStream replays scripted events, then either fails or blocks until the
// context ends.
type fakeStream struct {
	events   []adapter.RawEvent
	idx      int
	failWith error
}

func (s *fakeStream) Next(ctx context.Context) (adapter.RawEvent, error) {
	if s.idx < len(s.events) {
		ev := s.events[s.idx]
		s.idx++
		return ev, nil
	}
	if s.failWith != nil {
		return adapter.RawEvent{}, s.failWith
	}
	<-ctx.Done()
	return adapter.RawEvent{}, ctx.Err()
}

func (s *fakeStream) Close() error { return nil }

// fakeAdapter carries transfers inside the raw payload so Extract is a plain
// decode, mirroring how the real adapters embed decoded state.
type fakeAdapter struct {
	mode    adapter.Mode
	mu      sync.Mutex
	streams []*fakeStream
	opens   int
}

func (a *fakeAdapter) Name() string       { return "fake" }
func (a *fakeAdapter) Chain() chain.Chain { return chain.ChainEthereum }
func (a *fakeAdapter) Asset() chain.Asset { return chain.AssetNative }
func (a *fakeAdapter) Mode() adapter.Mode { return a.mode }

func (a *fakeAdapter) Open(ctx context.Context) (adapter.Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.opens >= len(a.streams) {
		return nil, errors.New("no more streams scripted")
	}
	s := a.streams[a.opens]
	a.opens++
	return s, nil
}

func (a *fakeAdapter) Extract(ctx context.Context, ev adapter.RawEvent) (*chain.Transfer, error) {
	var t chain.Transfer
	if err := json.Unmarshal(ev.Payload, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func eventFor(t chain.Transfer) adapter.RawEvent {
	payload, _ := json.Marshal(t)
	return adapter.RawEvent{Chain: t.Chain, TxID: t.TxID, BlockTime: t.BlockTime, Payload: payload}
}

type fakePorts struct {
	admin   atomic.Int64
	user    atomic.Int64
	payouts atomic.Int64
}

func (p *fakePorts) NotifyAdmin(ctx context.Context, o order.Order, txID string) error {
	p.admin.Add(1)
	return nil
}

func (p *fakePorts) NotifyUserProcessing(ctx context.Context, o order.Order) error {
	p.user.Add(1)
	return nil
}

func (p *fakePorts) Disburse(ctx context.Context, o order.Order) error {
	p.payouts.Add(1)
	return nil
}

func openOrder(expected float64, createdAt time.Time) order.Order {
	return order.Order{
		ID:              uuid.NewString(),
		Status:          order.StatusWaitingPayment,
		Chain:           chain.ChainEthereum,
		Asset:           chain.AssetNative,
		RecipientWallet: wallet,
		AmountCrypto:    expected,
		CreatedAt:       createdAt,
	}
}

func transferTo(txID string, amount float64, at time.Time) chain.Transfer {
	return chain.Transfer{
		TxID:      txID,
		Chain:     chain.ChainEthereum,
		Asset:     chain.AssetNative,
		Amount:    amount,
		Sender:    "0xSender",
		Receiver:  wallet,
		BlockTime: at,
	}
}

// slowCommitStore delays successful conditional updates so a losing guard
// check can return, and mark its tx id, before the winner's commit does.
type slowCommitStore struct {
	*order.MemoryStore
	commitDelay time.Duration
}

func (s *slowCommitStore) ConditionalUpdate(ctx context.Context, id string, expected order.Status, upd order.Update) (bool, error) {
	ok, err := s.MemoryStore.ConditionalUpdate(ctx, id, expected, upd)
	if ok && err == nil {
		time.Sleep(s.commitDelay)
	}
	return ok, err
}

func newTestListener(a adapter.Adapter, store order.Store, ports *fakePorts) *Listener {
	l := NewListener(a, Deps{
		Orders:    store,
		Dedupe:    dedupe.NewMemoryStore(),
		Notifier:  ports,
		Disburser: ports,
	})
	l.backoffBase = 5 * time.Millisecond
	l.backoffMax = 20 * time.Millisecond
	l.pullDelay = 5 * time.Millisecond
	return l
}

func TestHandleMarksOrderPaid(t *testing.T) {
	t0 := time.Now().UTC()
	store := order.NewMemoryStore()
	ord := openOrder(1.23455, t0)
	store.Put(ord)

	ports := &fakePorts{}
	l := newTestListener(&fakeAdapter{}, store, ports)

	l.handle(context.Background(), eventFor(transferTo("tx-a", 1.23460, t0.Add(5*time.Second))))

	got, _ := store.Get(ord.ID)
	if got.Status != order.StatusPaid {
		t.Fatalf("status = %s, want paid", got.Status)
	}
	if got.Signature != "tx-a" {
		t.Errorf("signature = %q, want tx-a", got.Signature)
	}
	if got.SenderWallet != "0xSender" {
		t.Errorf("sender_wallet = %q", got.SenderWallet)
	}
	if got.UserNotified {
		t.Error("user_notified must be reset on transition")
	}
	if ports.admin.Load() != 1 || ports.user.Load() != 1 || ports.payouts.Load() != 1 {
		t.Errorf("downstream calls = %d/%d/%d, want 1/1/1",
			ports.admin.Load(), ports.user.Load(), ports.payouts.Load())
	}
}

func TestHandleOutsideTolerance(t *testing.T) {
	t0 := time.Now().UTC()
	store := order.NewMemoryStore()
	ord := openOrder(1.23455, t0)
	store.Put(ord)

	ports := &fakePorts{}
	l := newTestListener(&fakeAdapter{}, store, ports)

	l.handle(context.Background(), eventFor(transferTo("tx-b", 1.23700, t0.Add(5*time.Second))))

	got, _ := store.Get(ord.ID)
	if got.Status != order.StatusWaitingPayment {
		t.Fatalf("status = %s, want waiting_payment", got.Status)
	}
	if ports.payouts.Load() != 0 {
		t.Error("no disbursement for an unmatched transfer")
	}
}

func TestHandleIdempotentUnderReplay(t *testing.T) {
	t0 := time.Now().UTC()
	store := order.NewMemoryStore()
	ord := openOrder(2.5, t0)
	store.Put(ord)

	ports := &fakePorts{}
	l := newTestListener(&fakeAdapter{}, store, ports)

	ev := eventFor(transferTo("tx-replayed", 2.5, t0.Add(time.Second)))
	l.handle(context.Background(), ev)
	l.handle(context.Background(), ev)

	if ports.admin.Load() != 1 || ports.payouts.Load() != 1 {
		t.Errorf("replay caused %d notifications and %d payouts, want 1 and 1",
			ports.admin.Load(), ports.payouts.Load())
	}
	got, _ := store.Get(ord.ID)
	if got.Signature != "tx-replayed" {
		t.Errorf("signature = %q", got.Signature)
	}
}

func TestHandleMutualExclusion(t *testing.T) {
	t0 := time.Now().UTC()
	store := order.NewMemoryStore()
	ord := openOrder(3.0, t0)
	store.Put(ord)

	ports := &fakePorts{}
	l := newTestListener(&fakeAdapter{}, store, ports)

	var wg sync.WaitGroup
	for _, txID := range []string{"tx-race-1", "tx-race-2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			l.handle(context.Background(), eventFor(transferTo(id, 3.0, t0.Add(time.Second))))
		}(txID)
	}
	wg.Wait()

	if ports.payouts.Load() != 1 {
		t.Fatalf("payouts = %d, want exactly 1", ports.payouts.Load())
	}
	got, _ := store.Get(ord.ID)
	if got.Status != order.StatusPaid {
		t.Fatalf("status = %s, want paid", got.Status)
	}
	if got.Signature != "tx-race-1" && got.Signature != "tx-race-2" {
		t.Errorf("signature = %q, want one of the racing tx ids", got.Signature)
	}
}

func TestHandleSettlesDespiteDuplicateDelivery(t *testing.T) {
	t0 := time.Now().UTC()
	mem := order.NewMemoryStore()
	ord := openOrder(7.5, t0)
	mem.Put(ord)

	store := &slowCommitStore{MemoryStore: mem, commitDelay: 50 * time.Millisecond}
	ports := &fakePorts{}
	l := newTestListener(&fakeAdapter{}, store, ports)

	// The same tx id lands twice, as duplicate account notifications do. The
	// loser marks the id in the dedupe store before the winner's commit
	// returns; the winner must still run its downstream calls.
	ev := eventFor(transferTo("tx-dup", 7.5, t0.Add(time.Second)))
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.handle(context.Background(), ev)
		}()
	}
	wg.Wait()

	if ports.admin.Load() != 1 || ports.user.Load() != 1 || ports.payouts.Load() != 1 {
		t.Fatalf("downstream calls = %d/%d/%d, want 1/1/1",
			ports.admin.Load(), ports.user.Load(), ports.payouts.Load())
	}
	got, _ := mem.Get(ord.ID)
	if got.Status != order.StatusPaid {
		t.Fatalf("status = %s, want paid", got.Status)
	}
}

func TestHandleSkipsUndecodableEvent(t *testing.T) {
	store := order.NewMemoryStore()
	ports := &fakePorts{}
	l := newTestListener(&fakeAdapter{}, store, ports)

	l.handle(context.Background(), adapter.RawEvent{TxID: "tx-bad", Payload: []byte("{")})

	if ports.payouts.Load() != 0 {
		t.Error("undecodable event must be dropped")
	}
}

func TestRunReconnectsAfterStreamFailure(t *testing.T) {
	t0 := time.Now().UTC()
	store := order.NewMemoryStore()
	first := openOrder(1.0, t0)
	second := openOrder(4.0, t0)
	store.Put(first)
	store.Put(second)

	a := &fakeAdapter{
		mode: adapter.ModePush,
		streams: []*fakeStream{
			{
				events:   []adapter.RawEvent{eventFor(transferTo("tx-1", 1.0, t0.Add(time.Second)))},
				failWith: errors.New("connection reset"),
			},
			{
				events: []adapter.RawEvent{eventFor(transferTo("tx-2", 4.0, t0.Add(2*time.Second)))},
			},
		},
	}

	ports := &fakePorts{}
	l := newTestListener(a, store, ports)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for ports.payouts.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("payouts = %d after reconnect window, want 2", ports.payouts.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}

	g1, _ := store.Get(first.ID)
	g2, _ := store.Get(second.ID)
	if g1.Status != order.StatusPaid || g2.Status != order.StatusPaid {
		t.Errorf("orders = %s/%s, want paid/paid", g1.Status, g2.Status)
	}
}

func TestStateMachineOutcomes(t *testing.T) {
	t0 := time.Now().UTC()
	store := order.NewMemoryStore()
	ord := openOrder(1.0, t0)
	store.Put(ord)

	sm := NewStateMachine(store)
	tr := transferTo("tx-sm", 1.0, t0)

	outcome, err := sm.TryMarkPaid(context.Background(), ord.ID, tr)
	if err != nil || outcome != OutcomePaid {
		t.Fatalf("first transition = %s, %v", outcome, err)
	}

	outcome, err = sm.TryMarkPaid(context.Background(), ord.ID, tr)
	if err != nil || outcome != OutcomeAlreadyPaid {
		t.Fatalf("second transition = %s, %v", outcome, err)
	}

	outcome, err = sm.TryMarkPaid(context.Background(), "missing", tr)
	if err == nil || outcome != OutcomeConflict {
		t.Fatalf("unknown order = %s, %v", outcome, err)
	}
}

func TestOrchestratorRegistry(t *testing.T) {
	store := order.NewMemoryStore()
	ports := &fakePorts{}

	factory := func(c chain.Chain, w string) ([]*Listener, error) {
		a := &fakeAdapter{mode: adapter.ModePush, streams: []*fakeStream{{}}}
		return []*Listener{newTestListener(a, store, ports)}, nil
	}

	o := NewOrchestrator(factory, nil)
	ctx := context.Background()

	if err := o.Subscribe(ctx, chain.ChainEthereum, wallet); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := o.Subscribe(ctx, chain.ChainEthereum, wallet); !errors.Is(err, ErrAlreadySubscribed) {
		t.Fatalf("duplicate Subscribe = %v, want ErrAlreadySubscribed", err)
	}
	if err := o.Subscribe(ctx, chain.ChainSolana, wallet); err != nil {
		t.Fatalf("Subscribe second chain: %v", err)
	}

	subs := o.Subscriptions()
	if len(subs) != 2 {
		t.Fatalf("subscriptions = %d, want 2", len(subs))
	}

	if err := o.Unsubscribe(chain.ChainEthereum, wallet); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if err := o.Unsubscribe(chain.ChainEthereum, wallet); !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("unknown Unsubscribe = %v, want ErrNotSubscribed", err)
	}

	o.Shutdown()
	if got := len(o.Subscriptions()); got != 0 {
		t.Fatalf("registry not drained after shutdown: %d", got)
	}
}
