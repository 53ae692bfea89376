package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Queue entry statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Tier names. The tier list itself is configuration; these are the names the
// worker branches on.
const (
	TierRegular   = "regular"
	TierPremium   = "premium"
	TierVIP       = "vip"
	TierGasBundle = "gas_bundle"
)

// QueueEntry is one unit of provisioning work. PaymentRef is the on-chain
// transaction hash and the primary dedup key: the unique index is what makes
// ingestion idempotent.
type QueueEntry struct {
	ID           uint64          `gorm:"primaryKey"`
	PaymentRef   string          `gorm:"size:80;uniqueIndex;not null"`
	AgentID      string          `gorm:"size:80;not null;index"`
	Tier         string          `gorm:"size:32;not null"`
	Amount       decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	Position     int64           `gorm:"not null;index"`
	Status       string          `gorm:"size:16;not null;default:'pending';index"`
	ReferralCode *string         `gorm:"size:40"`
	CreatedAt    time.Time       `gorm:"autoCreateTime"`
	ProcessedAt  *time.Time
}

func (QueueEntry) TableName() string { return "queue_entry" }
