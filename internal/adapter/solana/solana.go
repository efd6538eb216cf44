// Package solana implements deposit adapters for Solana: a native adapter
// computing lamport balance deltas on the collection wallet and an SPL token
// adapter computing token balance deltas on the collection token account.
// Both are fed by WebSocket subscriptions with details fetched over RPC.
package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ecerlabs/chainpay/internal/adapter"
	"github.com/ecerlabs/chainpay/internal/chain"
)

const lamportsPerSol = 1e9

// Config holds connection settings for the Solana adapters.
type Config struct {
	// RPCURL is the HTTP JSON-RPC endpoint, WSURL the subscription endpoint.
	RPCURL string
	WSURL  string

	// Wallet is the collection wallet (native deposits land here).
	Wallet string

	// TokenAccount is the collection wallet's associated token account for
	// the watched mint; TokenMint is the mint address. Both required for
	// the SPL adapter.
	TokenAccount string
	TokenMint    string

	// Commitment defaults to "confirmed".
	Commitment string
}

func (c *Config) validate(token bool) error {
	if c.RPCURL == "" || c.WSURL == "" {
		return fmt.Errorf("solana: RPC and WS endpoints are required")
	}
	if c.Wallet == "" {
		return fmt.Errorf("solana: collection wallet is required")
	}
	if token && (c.TokenAccount == "" || c.TokenMint == "") {
		return fmt.Errorf("solana: token account and mint are required")
	}
	if c.Commitment == "" {
		c.Commitment = "confirmed"
	}
	return nil
}

// wsURL normalizes http(s) endpoints to ws(s) for usability.
func wsURL(endpoint string) string {
	if strings.HasPrefix(endpoint, "https") {
		return "wss" + endpoint[5:]
	}
	if strings.HasPrefix(endpoint, "http") {
		return "ws" + endpoint[4:]
	}
	return endpoint
}

// wsStream is a WebSocket subscription stream shared by both Solana
// adapters. It sends one subscribe request on connect and turns matching
// notifications into raw events via the owner's parse function.
type wsStream struct {
	conn   *websocket.Conn
	logger *slog.Logger

	// parse turns a raw notification into zero or one raw event.
	parse func(ctx context.Context, method string, params json.RawMessage) (*adapter.RawEvent, error)
}

func dialWS(ctx context.Context, endpoint string, subscribe any, logger *slog.Logger) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL(endpoint), nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	if err := conn.WriteJSON(subscribe); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send subscribe request: %w", err)
	}
	return conn, nil
}

func (s *wsStream) Next(ctx context.Context) (adapter.RawEvent, error) {
	for {
		select {
		case <-ctx.Done():
			return adapter.RawEvent{}, ctx.Err()
		default:
		}

		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return adapter.RawEvent{}, fmt.Errorf("read message: %w", err)
		}

		var base struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(msg, &base); err != nil {
			// Subscription confirmations and malformed frames are ignored.
			continue
		}
		if base.Method == "" {
			continue
		}

		ev, err := s.parse(ctx, base.Method, base.Params)
		if err != nil {
			s.logger.Warn("failed to parse notification", "method", base.Method, "error", err)
			continue
		}
		if ev == nil {
			continue
		}
		return *ev, nil
	}
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}

// blockTimeOrNow converts an optional unix block time, falling back to the
// current time when the node did not report one.
func blockTimeOrNow(unix *int64) time.Time {
	if unix != nil && *unix > 0 {
		return time.Unix(*unix, 0).UTC()
	}
	return time.Now().UTC()
}

var _ adapter.Stream = (*wsStream)(nil)

// transferOf is a small helper shared by the decode paths.
func transferOf(asset chain.Asset, txID, sender, receiver string, amount float64, blockTime time.Time) *chain.Transfer {
	return &chain.Transfer{
		TxID:      txID,
		Chain:     chain.ChainSolana,
		Asset:     asset,
		Amount:    amount,
		Sender:    sender,
		Receiver:  receiver,
		BlockTime: blockTime,
	}
}
