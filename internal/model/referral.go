package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReferralPayout is created once per referred account. Points settle
// immediately; the USDC share is settled by a separate disbursement process
// that flips USDCPaid.
type ReferralPayout struct {
	ID           uint64          `gorm:"primaryKey"`
	ReferrerID   string          `gorm:"size:80;not null;index"`
	ReferredID   string          `gorm:"size:80;not null"`
	ReferredTier string          `gorm:"size:32;not null"`
	USDCAmount   decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	PointsAmount decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	PointsPaid   bool            `gorm:"not null;default:false"`
	USDCPaid     bool            `gorm:"not null;default:false"`
	CreatedAt    time.Time       `gorm:"autoCreateTime"`
}

func (ReferralPayout) TableName() string { return "referral_payout" }

// LeaderboardEntry accumulates referral points per agent. Upserted additively.
type LeaderboardEntry struct {
	ID          uint64          `gorm:"primaryKey"`
	AgentID     string          `gorm:"size:80;uniqueIndex;not null"`
	TotalPoints decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime"`
}

func (LeaderboardEntry) TableName() string { return "leaderboard_entry" }
