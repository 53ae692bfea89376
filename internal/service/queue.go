package service

import (
	"context"
	"encoding/json"

	"github.com/moltbank/teller-service/internal/config"
	"github.com/moltbank/teller-service/internal/model"
	"github.com/moltbank/teller-service/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// QueueService owns the tier-prioritized work queue. Pending entries are
// totally ordered by position; lower position is served sooner.
type QueueService struct {
	repo repo.RepositoryInterface
	cfg  *config.Config
	log  *zap.SugaredLogger
}

func NewQueueService(r repo.RepositoryInterface, cfg *config.Config, logger *zap.SugaredLogger) *QueueService {
	return &QueueService{repo: r, cfg: cfg, log: logger}
}

// InsertParams describes a new unit of work.
type InsertParams struct {
	PaymentRef   string
	AgentID      string
	Tier         string
	Amount       decimal.Decimal
	ReferralCode *string
}

// Insert enqueues a new entry, placing it after all pending entries of equal
// or higher rank and before all strictly lower-ranked ones. The read,
// position shift and insert run in one transaction: a racing insert must not
// corrupt position uniqueness.
//
// Returns repo.ErrPaymentProcessed when the payment reference was already
// enqueued, regardless of the state that earlier entry reached.
func (s *QueueService) Insert(ctx context.Context, p InsertParams) (*model.QueueEntry, error) {
	entry := &model.QueueEntry{
		PaymentRef:   p.PaymentRef,
		AgentID:      p.AgentID,
		Tier:         p.Tier,
		Amount:       p.Amount,
		Status:       model.StatusPending,
		ReferralCode: p.ReferralCode,
	}

	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		exists, err := s.repo.PaymentExists(ctx, tx, p.PaymentRef)
		if err != nil {
			return err
		}
		if exists {
			return repo.ErrPaymentProcessed
		}

		maxPos, err := s.repo.MaxPosition(ctx, tx)
		if err != nil {
			return err
		}
		position := maxPos + 1

		// Jump ahead of the first pending entry of strictly lower rank.
		// Equal-rank entries are never displaced, so insertion among
		// equals stays FIFO.
		if lower := s.lowerRankedTiers(p.Tier); len(lower) > 0 {
			firstPos, found, err := s.repo.FirstPendingPosition(ctx, tx, lower)
			if err != nil {
				return err
			}
			if found {
				if err := s.repo.ShiftPositionsFrom(ctx, tx, firstPos); err != nil {
					return err
				}
				position = firstPos
			}
		}

		entry.Position = position
		if err := s.repo.CreateQueueEntry(ctx, tx, entry); err != nil {
			return err
		}
		return s.writeLifecycleEvent(ctx, tx, entry, model.EventQueued)
	})
	if err != nil {
		return nil, err
	}
	s.log.Infof("queue: added %s at position %d (%s)", p.AgentID, entry.Position, p.Tier)
	return entry, nil
}

// lowerRankedTiers lists every tier name that ranks strictly below the given
// tier, including the standalone gas_bundle add-on.
func (s *QueueService) lowerRankedTiers(tier string) []string {
	rank := s.cfg.RankOf(tier)
	var lower []string
	for _, t := range s.cfg.Tiers {
		if t.Rank < rank {
			lower = append(lower, t.Name)
		}
	}
	if s.cfg.RankOf(model.TierGasBundle) < rank {
		lower = append(lower, model.TierGasBundle)
	}
	return lower
}

// DequeueNext claims the pending entry with the lowest position and marks it
// processing. At most one caller ever receives a given entry: the claim is a
// guarded status update, and losers retry against the next candidate.
// Returns nil when the queue is empty.
func (s *QueueService) DequeueNext(ctx context.Context) (*model.QueueEntry, error) {
	for {
		entry, err := s.repo.NextPending(ctx)
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return nil, nil
		}
		claimed, err := s.repo.ClaimEntry(ctx, entry.ID)
		if err != nil {
			return nil, err
		}
		if claimed {
			entry.Status = model.StatusProcessing
			return entry, nil
		}
		// lost the race for this entry, try the next one
	}
}

// MarkCompleted moves a processing entry to its terminal completed state.
func (s *QueueService) MarkCompleted(ctx context.Context, entry *model.QueueEntry) error {
	return s.finish(ctx, entry, model.StatusCompleted, model.EventCompleted)
}

// MarkFailed moves a processing entry to its terminal failed state. Failed
// entries are never retried automatically.
func (s *QueueService) MarkFailed(ctx context.Context, entry *model.QueueEntry, reason error) error {
	s.log.Errorf("queue: entry %d (%s) failed: %v", entry.ID, entry.AgentID, reason)
	return s.finish(ctx, entry, model.StatusFailed, model.EventFailed)
}

// finish commits the terminal status flip and its lifecycle event in one
// transaction: the entry never reaches a terminal state without the event that
// announces it.
func (s *QueueService) finish(ctx context.Context, entry *model.QueueEntry, status, eventType string) error {
	return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		moved, err := s.repo.FinishEntry(ctx, tx, entry.ID, status)
		if err != nil {
			return err
		}
		if !moved {
			return nil
		}
		return s.writeLifecycleEvent(ctx, tx, entry, eventType)
	})
}

func (s *QueueService) writeLifecycleEvent(ctx context.Context, tx *gorm.DB, entry *model.QueueEntry, eventType string) error {
	payload, err := json.Marshal(map[string]interface{}{
		"entry_id":    entry.ID,
		"payment_ref": entry.PaymentRef,
		"agent_id":    entry.AgentID,
		"tier":        entry.Tier,
		"position":    entry.Position,
	})
	if err != nil {
		return err
	}
	return s.repo.CreateOutboxEvent(ctx, tx, &model.OutboxEvent{
		Aggregate:   "QueueEntry",
		AggregateID: entry.ID,
		EventType:   eventType,
		Payload:     string(payload),
	})
}

// QueueStats is the queue depth snapshot consumed by the HTTP surface.
type QueueStats struct {
	Pending   int64
	Completed int64
}

// Stats counts pending and completed entries.
func (s *QueueService) Stats(ctx context.Context) (QueueStats, error) {
	pending, completed, err := s.repo.QueueStats(ctx)
	if err != nil {
		return QueueStats{}, err
	}
	return QueueStats{Pending: pending, Completed: completed}, nil
}

// CachedStats serves stats from redis when fresh, falling back to the
// database and repopulating the cache.
func (s *QueueService) CachedStats(ctx context.Context) (QueueStats, error) {
	pending, completed, err := s.repo.GetCachedQueueStats(ctx)
	if err == nil {
		return QueueStats{Pending: pending, Completed: completed}, nil
	}
	stats, err := s.Stats(ctx)
	if err != nil {
		return QueueStats{}, err
	}
	if err := s.repo.CacheQueueStats(ctx, stats.Pending, stats.Completed); err != nil {
		s.log.Warnf("queue: stats cache write: %v", err)
	}
	return stats, nil
}

// EstimatedWaitMinutes converts a queue depth into a wait estimate based on
// the worker cooldown.
func (s *QueueService) EstimatedWaitMinutes(agentsAhead int64) float64 {
	if agentsAhead < 0 {
		agentsAhead = 0
	}
	return float64(agentsAhead) * float64(s.cfg.Teller.CooldownSeconds) / 60.0
}
