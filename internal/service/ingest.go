package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/moltbank/teller-service/internal/chain"
	"github.com/moltbank/teller-service/internal/config"
	"github.com/moltbank/teller-service/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// IngestResult describes one newly enqueued payment.
type IngestResult struct {
	PaymentRef string
	AgentID    string
	Tier       string
	Amount     decimal.Decimal
	Position   int64
}

// Ingestor polls the chain for transfers to the collection address and
// idempotently enqueues provisioning work. The scan offset is process-local
// bookkeeping; the payment_ref uniqueness check in storage is the
// authoritative dedup, so overlapping scans cannot double-enqueue.
type Ingestor struct {
	source      chain.EventSource
	queue       *QueueService
	cfg         *config.Config
	log         *zap.SugaredLogger
	lastScanned uint64
}

func NewIngestor(source chain.EventSource, queue *QueueService, cfg *config.Config, logger *zap.SugaredLogger) *Ingestor {
	return &Ingestor{source: source, queue: queue, cfg: cfg, log: logger}
}

// Poll scans the block range since the previous call and enqueues any new
// payments. On the first call the scan starts a bounded lookback behind the
// head rather than at genesis. Fetch errors leave the scan offset untouched
// so the next tick retries the same range: no events are silently skipped.
func (i *Ingestor) Poll(ctx context.Context) ([]IngestResult, error) {
	head, err := i.source.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain head: %w", err)
	}

	if i.lastScanned == 0 {
		if head > i.cfg.Teller.LookbackBlocks {
			i.lastScanned = head - i.cfg.Teller.LookbackBlocks
		} else {
			i.lastScanned = 1
		}
	}
	if head <= i.lastScanned {
		return nil, nil
	}

	transfers, err := i.source.TransfersTo(ctx, i.cfg.Chain.SafeAddress, i.lastScanned+1, head)
	if err != nil {
		return nil, fmt.Errorf("fetch transfers: %w", err)
	}
	i.lastScanned = head

	var results []IngestResult
	for _, tr := range transfers {
		tier, ok := i.cfg.ClassifyTier(tr.Amount)
		if !ok {
			i.log.Infof("ingest: ignoring small payment %s USDC from %s", tr.Amount, tr.From)
			continue
		}

		entry, err := i.queue.Insert(ctx, InsertParams{
			PaymentRef: tr.TxHash,
			AgentID:    tr.From,
			Tier:       tier.Name,
			Amount:     tr.Amount,
		})
		if err != nil {
			if errors.Is(err, repo.ErrPaymentProcessed) {
				continue
			}
			i.log.Errorf("ingest: enqueue %s: %v", tr.TxHash, err)
			continue
		}

		i.log.Infof("ingest: new payment %s USDC from %s (%s)", tr.Amount, tr.From, tier.Name)
		results = append(results, IngestResult{
			PaymentRef: tr.TxHash,
			AgentID:    tr.From,
			Tier:       tier.Name,
			Amount:     tr.Amount,
			Position:   entry.Position,
		})
	}
	return results, nil
}
