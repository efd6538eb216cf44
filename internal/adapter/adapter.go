// Package adapter defines the per-chain contract for observing candidate
// deposits: a Feed delivers raw chain events, an Extractor normalizes them
// into transfers. The listener in internal/reconcile drives both and owns
// reconnect policy.
package adapter

import (
	"context"
	"time"

	"github.com/ecerlabs/chainpay/internal/chain"
)

// RawEvent is one candidate transaction or log as delivered by a chain feed,
// before decoding. Payload is adapter-specific (an EVM log, a Solana account
// notification, a Tron event log) and is only interpreted by the adapter
// that produced it.
type RawEvent struct {
	Chain       chain.Chain
	TxID        string
	BlockNumber uint64
	BlockTime   time.Time
	Payload     []byte
}

// Stream delivers raw events until the transport fails or the context is
// canceled. Next blocks; Close releases the transport.
type Stream interface {
	Next(ctx context.Context) (RawEvent, error)
	Close() error
}

// Feed opens a stream of candidate events. Pull-based feeds keep their scan
// cursor across Open calls so a reopened stream resumes where the previous
// one stopped.
type Feed interface {
	Open(ctx context.Context) (Stream, error)
}

// Extractor decodes a raw event into a normalized transfer. A nil transfer
// with a nil error means the event is not a deposit to the collection wallet
// and is skipped. Decode errors are reported but treated the same way by the
// caller: the single event is dropped, the stream continues.
type Extractor interface {
	Extract(ctx context.Context, ev RawEvent) (*chain.Transfer, error)
}

// Mode tells the listener which reconnect policy applies.
type Mode int

const (
	// ModePush is a subscription transport (WebSocket). Failures back off
	// exponentially from one second up to thirty.
	ModePush Mode = iota

	// ModePull is a polling scan. Failures retry after a fixed short delay
	// since the cursor makes reconnecting cheap.
	ModePull
)

// Adapter binds a feed and an extractor to one (chain, asset) pair.
type Adapter interface {
	Feed
	Extractor

	Name() string
	Chain() chain.Chain
	Asset() chain.Asset
	Mode() Mode
}
