package tron

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/ecerlabs/chainpay/internal/adapter"
	"github.com/ecerlabs/chainpay/internal/chain"
)

// stream scans blocks from the adapter's cursor to the chain head on every
// tick and emits one raw event per Transfer log on the watched contract.
type stream struct {
	adapter *Adapter
	events  chan adapter.RawEvent
	errs    chan error
	cancel  context.CancelFunc
}

func (s *stream) run(ctx context.Context) {
	defer close(s.events)

	ticker := time.NewTicker(s.adapter.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.scan(ctx); err != nil {
				select {
				case s.errs <- err:
				default:
				}
				return
			}
		}
	}
}

func (s *stream) scan(ctx context.Context) error {
	a := s.adapter

	head, err := a.latestBlock(ctx)
	if err != nil {
		return err
	}

	a.mu.Lock()
	from := a.cursor
	a.mu.Unlock()

	if head < from {
		return nil
	}

	for num := from; num <= head; num++ {
		txs, err := a.blockByNum(ctx, num)
		if err != nil {
			return err
		}
		for i := range txs {
			if !a.touchesToken(&txs[i]) {
				continue
			}
			if err := s.emitLogs(ctx, num, txs[i].TxID); err != nil {
				return err
			}
		}
	}

	a.mu.Lock()
	a.cursor = head + 1
	a.mu.Unlock()
	return nil
}

func (s *stream) emitLogs(ctx context.Context, blockNum uint64, txID string) error {
	a := s.adapter

	info, err := a.transactionInfo(ctx, txID)
	if err != nil {
		return err
	}

	blockTime := time.UnixMilli(info.BlockTimeStamp).UTC()
	for _, log := range info.Log {
		if len(log.Topics) != 3 || !strings.HasPrefix(log.Topics[0], transferTopicPrefix) {
			continue
		}
		payload, err := json.Marshal(trcLog{Topics: log.Topics, Data: log.Data})
		if err != nil {
			return err
		}
		ev := adapter.RawEvent{
			Chain:       chain.ChainTron,
			TxID:        txID,
			BlockNumber: blockNum,
			BlockTime:   blockTime,
			Payload:     payload,
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s.events <- ev:
		}
	}
	return nil
}

func (s *stream) Next(ctx context.Context) (adapter.RawEvent, error) {
	select {
	case <-ctx.Done():
		return adapter.RawEvent{}, ctx.Err()
	case err := <-s.errs:
		return adapter.RawEvent{}, err
	case ev, ok := <-s.events:
		if !ok {
			select {
			case err := <-s.errs:
				return adapter.RawEvent{}, err
			default:
				return adapter.RawEvent{}, context.Canceled
			}
		}
		return ev, nil
	}
}

func (s *stream) Close() error {
	s.cancel()
	return nil
}

var _ adapter.Stream = (*stream)(nil)
