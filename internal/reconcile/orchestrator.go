package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ecerlabs/chainpay/internal/chain"
)

var (
	// ErrAlreadySubscribed is returned by Subscribe when a listener for the
	// (chain, wallet) key is already active.
	ErrAlreadySubscribed = errors.New("already subscribed")

	// ErrNotSubscribed is returned by Unsubscribe for an unknown key.
	ErrNotSubscribed = errors.New("not subscribed")
)

// ListenerFactory builds the listeners for one (chain, wallet) key, one per
// asset watched at that wallet. The orchestrator owns wiring-by-key so
// callers can subscribe by chain and wallet alone.
type ListenerFactory func(c chain.Chain, wallet string) ([]*Listener, error)

// Subscription describes one active registry entry for the status surface.
type Subscription struct {
	Chain    chain.Chain
	Wallet   string
	Since    time.Time
	Adapters []string
}

type listenerKey struct {
	chain  chain.Chain
	wallet string
}

type listenerEntry struct {
	listeners []*Listener
	cancel    context.CancelFunc
	done      chan struct{}
	since     time.Time
}

// Orchestrator supervises one listener per subscribed (chain, wallet) pair.
// The registry is created empty, filled by Subscribe, drained by Unsubscribe
// and Shutdown; a listener that returns unexpectedly is restarted after a
// short pause.
type Orchestrator struct {
	factory      ListenerFactory
	logger       *slog.Logger
	restartDelay time.Duration

	mu      sync.Mutex
	entries map[listenerKey]*listenerEntry
}

// NewOrchestrator creates an orchestrator with an empty registry.
func NewOrchestrator(factory ListenerFactory, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		factory:      factory,
		logger:       logger.With("component", "orchestrator"),
		restartDelay: 5 * time.Second,
		entries:      make(map[listenerKey]*listenerEntry),
	}
}

// Subscribe starts a supervised listener for the (chain, wallet) pair. The
// listener runs until Unsubscribe, Shutdown, or ctx cancellation.
func (o *Orchestrator) Subscribe(ctx context.Context, c chain.Chain, wallet string) error {
	key := listenerKey{chain: c, wallet: wallet}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.entries[key]; ok {
		return fmt.Errorf("%s/%s: %w", c, wallet, ErrAlreadySubscribed)
	}

	listeners, err := o.factory(c, wallet)
	if err != nil {
		return fmt.Errorf("build listeners for %s/%s: %w", c, wallet, err)
	}
	if len(listeners) == 0 {
		return fmt.Errorf("no listeners configured for %s/%s", c, wallet)
	}

	runCtx, cancel := context.WithCancel(ctx)
	entry := &listenerEntry{
		listeners: listeners,
		cancel:    cancel,
		done:      make(chan struct{}),
		since:     time.Now().UTC(),
	}
	o.entries[key] = entry

	go func() {
		var wg sync.WaitGroup
		for _, l := range listeners {
			wg.Add(1)
			go func(l *Listener) {
				defer wg.Done()
				o.supervise(runCtx, key, l)
			}(l)
		}
		wg.Wait()
		close(entry.done)
	}()

	o.logger.Info("subscribed", "chain", c.String(), "wallet", wallet, "listeners", len(listeners))
	return nil
}

// supervise keeps one listener running until its context ends. Run already
// absorbs transport failures, so a return with a non-context error means the
// listener itself gave up; it is restarted after a pause.
func (o *Orchestrator) supervise(ctx context.Context, key listenerKey, l *Listener) {
	for {
		err := l.Run(ctx)
		if ctx.Err() != nil {
			return
		}

		o.logger.Error("listener exited, restarting",
			"chain", key.chain.String(),
			"wallet", key.wallet,
			"adapter", l.adapter.Name(),
			"error", err,
			"delay", o.restartDelay,
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(o.restartDelay):
		}
	}
}

// Unsubscribe stops the listener for the (chain, wallet) pair, waits for it
// to wind down, and removes it from the registry.
func (o *Orchestrator) Unsubscribe(c chain.Chain, wallet string) error {
	key := listenerKey{chain: c, wallet: wallet}

	o.mu.Lock()
	entry, ok := o.entries[key]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%s/%s: %w", c, wallet, ErrNotSubscribed)
	}
	delete(o.entries, key)
	o.mu.Unlock()

	entry.cancel()
	<-entry.done

	o.logger.Info("unsubscribed", "chain", c.String(), "wallet", wallet)
	return nil
}

// Subscriptions returns a snapshot of the active registry.
func (o *Orchestrator) Subscriptions() []Subscription {
	o.mu.Lock()
	defer o.mu.Unlock()

	subs := make([]Subscription, 0, len(o.entries))
	for key, entry := range o.entries {
		names := make([]string, 0, len(entry.listeners))
		for _, l := range entry.listeners {
			names = append(names, l.adapter.Name())
		}
		subs = append(subs, Subscription{
			Chain:    key.chain,
			Wallet:   key.wallet,
			Since:    entry.since,
			Adapters: names,
		})
	}
	return subs
}

// Shutdown cancels every listener and waits for all of them to stop.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	entries := make([]*listenerEntry, 0, len(o.entries))
	for key, entry := range o.entries {
		entries = append(entries, entry)
		delete(o.entries, key)
	}
	o.mu.Unlock()

	for _, entry := range entries {
		entry.cancel()
	}
	for _, entry := range entries {
		<-entry.done
	}
}
