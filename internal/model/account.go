package model

import "time"

// Account is a provisioned wallet record. Created exactly once per completed
// new-account queue entry, never deleted. ReferralCount backs the anti-abuse
// cap and is only ever changed through the atomic increment in repo.
type Account struct {
	ID            uint64    `gorm:"primaryKey"`
	AgentID       string    `gorm:"size:80;uniqueIndex;not null"`
	Tier          string    `gorm:"size:32;not null"`
	Address       string    `gorm:"size:128;not null"`
	NFTEntitled   bool      `gorm:"not null;default:false"`
	GasBundleSent bool      `gorm:"not null;default:false"`
	ReferralCode  string    `gorm:"size:40;uniqueIndex;not null"`
	ReferredBy    *string   `gorm:"size:80"`
	ReferralCount int64     `gorm:"not null;default:0"`
	LastActive    time.Time `gorm:"autoUpdateTime"`
	CreatedAt     time.Time `gorm:"autoCreateTime"`
}

func (Account) TableName() string { return "account" }
