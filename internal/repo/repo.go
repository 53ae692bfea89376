package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/moltbank/teller-service/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrPaymentProcessed is returned when a payment reference has already been
// enqueued. The unique index on queue_entry.payment_ref is the authoritative
// guard; this error is how that conflict surfaces.
var ErrPaymentProcessed = errors.New("payment already processed")

// RepositoryInterface restricts Repo methods so services can be unit-tested
// against a narrow surface.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	// queue
	PaymentExists(ctx context.Context, tx *gorm.DB, paymentRef string) (bool, error)
	MaxPosition(ctx context.Context, tx *gorm.DB) (int64, error)
	FirstPendingPosition(ctx context.Context, tx *gorm.DB, tiers []string) (int64, bool, error)
	ShiftPositionsFrom(ctx context.Context, tx *gorm.DB, fromPos int64) error
	CreateQueueEntry(ctx context.Context, tx *gorm.DB, e *model.QueueEntry) error
	NextPending(ctx context.Context) (*model.QueueEntry, error)
	ClaimEntry(ctx context.Context, id uint64) (bool, error)
	FinishEntry(ctx context.Context, tx *gorm.DB, id uint64, status string) (bool, error)
	QueueStats(ctx context.Context) (pending int64, completed int64, err error)

	// accounts and ledger
	CreateAccount(ctx context.Context, tx *gorm.DB, a *model.Account) error
	AccountByAgent(ctx context.Context, agentID string) (*model.Account, error)
	AccountByReferralCode(ctx context.Context, code string) (*model.Account, error)
	IncrementReferralCount(ctx context.Context, accountID uint64) error
	CreateTransactionRecord(ctx context.Context, t *model.TransactionRecord) error
	CreateReferralPayout(ctx context.Context, p *model.ReferralPayout) error
	AddLeaderboardPoints(ctx context.Context, agentID string, points decimal.Decimal) error

	// health
	UpsertHeartbeat(ctx context.Context, name, role, status string, errMsg *string) error

	// outbox
	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error

	// cache
	CacheQueueStats(ctx context.Context, pending, completed int64) error
	GetCachedQueueStats(ctx context.Context) (int64, int64, error)
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// PaymentExists reports whether a payment reference was already enqueued.
func (r *Repository) PaymentExists(ctx context.Context, tx *gorm.DB, paymentRef string) (bool, error) {
	var n int64
	err := tx.WithContext(ctx).Model(&model.QueueEntry{}).
		Where("payment_ref = ?", paymentRef).Count(&n).Error
	return n > 0, err
}

// MaxPosition returns the highest position ever assigned (0 when empty).
func (r *Repository) MaxPosition(ctx context.Context, tx *gorm.DB) (int64, error) {
	var max sql.NullInt64
	err := tx.WithContext(ctx).Model(&model.QueueEntry{}).
		Select("MAX(position)").Scan(&max).Error
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

// FirstPendingPosition returns the lowest position among pending entries of
// the given tiers.
func (r *Repository) FirstPendingPosition(ctx context.Context, tx *gorm.DB, tiers []string) (int64, bool, error) {
	if len(tiers) == 0 {
		return 0, false, nil
	}
	var e model.QueueEntry
	err := tx.WithContext(ctx).
		Where("status = ? AND tier IN ?", model.StatusPending, tiers).
		Order("position asc").First(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return e.Position, true, nil
}

// ShiftPositionsFrom bumps every pending entry at or after fromPos by one, in
// a single statement so the shift is atomic against storage.
func (r *Repository) ShiftPositionsFrom(ctx context.Context, tx *gorm.DB, fromPos int64) error {
	return tx.WithContext(ctx).Model(&model.QueueEntry{}).
		Where("status = ? AND position >= ?", model.StatusPending, fromPos).
		UpdateColumn("position", gorm.Expr("position + 1")).Error
}

// CreateQueueEntry inserts the entry.
func (r *Repository) CreateQueueEntry(ctx context.Context, tx *gorm.DB, e *model.QueueEntry) error {
	return tx.WithContext(ctx).Create(e).Error
}

// NextPending returns the pending entry with the lowest position, nil when
// the queue is empty.
func (r *Repository) NextPending(ctx context.Context) (*model.QueueEntry, error) {
	var e model.QueueEntry
	err := r.db.WithContext(ctx).
		Where("status = ?", model.StatusPending).
		Order("position asc").First(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// ClaimEntry transitions pending→processing with a guarded update. The
// RowsAffected check is what makes dequeue exclusive: of two racing claims
// only one matches the pending predicate.
func (r *Repository) ClaimEntry(ctx context.Context, id uint64) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.QueueEntry{}).
		Where("id = ? AND status = ?", id, model.StatusPending).
		Update("status", model.StatusProcessing)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// FinishEntry moves a processing entry to a terminal status. Returns false
// when the entry was not in processing: terminal states are immutable. Runs
// on the caller's transaction so the lifecycle event commits with the flip.
func (r *Repository) FinishEntry(ctx context.Context, tx *gorm.DB, id uint64, status string) (bool, error) {
	now := time.Now()
	res := tx.WithContext(ctx).Model(&model.QueueEntry{}).
		Where("id = ? AND status = ?", id, model.StatusProcessing).
		Updates(map[string]interface{}{"status": status, "processed_at": &now})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// QueueStats counts pending and completed entries.
func (r *Repository) QueueStats(ctx context.Context) (int64, int64, error) {
	var pending, completed int64
	if err := r.db.WithContext(ctx).Model(&model.QueueEntry{}).
		Where("status = ?", model.StatusPending).Count(&pending).Error; err != nil {
		return 0, 0, err
	}
	if err := r.db.WithContext(ctx).Model(&model.QueueEntry{}).
		Where("status = ?", model.StatusCompleted).Count(&completed).Error; err != nil {
		return 0, 0, err
	}
	return pending, completed, nil
}

// CreateAccount inserts the provisioned account record.
func (r *Repository) CreateAccount(ctx context.Context, tx *gorm.DB, a *model.Account) error {
	return tx.WithContext(ctx).Create(a).Error
}

// AccountByAgent looks up an account by agent id, nil when absent.
func (r *Repository) AccountByAgent(ctx context.Context, agentID string) (*model.Account, error) {
	var a model.Account
	err := r.db.WithContext(ctx).Where("agent_id = ?", agentID).First(&a).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// AccountByReferralCode resolves a referral code, nil when absent.
func (r *Repository) AccountByReferralCode(ctx context.Context, code string) (*model.Account, error) {
	var a model.Account
	err := r.db.WithContext(ctx).Where("referral_code = ?", code).First(&a).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// IncrementReferralCount bumps the referrer's count in a single statement.
func (r *Repository) IncrementReferralCount(ctx context.Context, accountID uint64) error {
	return r.db.WithContext(ctx).Model(&model.Account{}).
		Where("id = ?", accountID).
		UpdateColumn("referral_count", gorm.Expr("referral_count + 1")).Error
}

// CreateTransactionRecord appends to the audit log.
func (r *Repository) CreateTransactionRecord(ctx context.Context, t *model.TransactionRecord) error {
	return r.db.WithContext(ctx).Create(t).Error
}

// CreateReferralPayout inserts the payout row.
func (r *Repository) CreateReferralPayout(ctx context.Context, p *model.ReferralPayout) error {
	return r.db.WithContext(ctx).Create(p).Error
}

// AddLeaderboardPoints additively upserts the referrer's leaderboard entry.
func (r *Repository) AddLeaderboardPoints(ctx context.Context, agentID string, points decimal.Decimal) error {
	entry := model.LeaderboardEntry{AgentID: agentID, TotalPoints: points}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "agent_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"total_points": gorm.Expr("total_points + ?", points),
			"updated_at":   time.Now(),
		}),
	}).Create(&entry).Error
}

// UpsertHeartbeat writes the agent's health row.
func (r *Repository) UpsertHeartbeat(ctx context.Context, name, role, status string, errMsg *string) error {
	now := time.Now()
	h := model.AgentHealth{
		AgentName:     name,
		AgentRole:     role,
		Status:        status,
		LastHeartbeat: now,
		ErrorMessage:  errMsg,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "agent_name"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"status":         status,
			"last_heartbeat": now,
			"error_message":  errMsg,
			"updated_at":     now,
		}),
	}).Create(&h).Error
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed = ?", false).
		Order("created_at").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%d", evt.ID)),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

const statsCacheKey = "queue:stats"

// CacheQueueStats writes Redis.
func (r *Repository) CacheQueueStats(ctx context.Context, pending, completed int64) error {
	val := fmt.Sprintf("%d:%d", pending, completed)
	return r.rdb.Set(ctx, statsCacheKey, val, 30*time.Second).Err()
}

// GetCachedQueueStats reads Redis.
func (r *Repository) GetCachedQueueStats(ctx context.Context) (int64, int64, error) {
	str, err := r.rdb.Get(ctx, statsCacheKey).Result()
	if err != nil {
		return 0, 0, err
	}
	var pending, completed int64
	if _, err := fmt.Sscanf(str, "%d:%d", &pending, &completed); err != nil {
		return 0, 0, err
	}
	return pending, completed, nil
}
