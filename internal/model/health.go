package model

import "time"

// Health statuses.
const (
	HealthOnline  = "online"
	HealthError   = "error"
	HealthOffline = "offline"
)

// AgentHealth is the heartbeat row consumed by external monitoring. One row
// per agent name, upserted on every loop iteration.
type AgentHealth struct {
	ID            uint64    `gorm:"primaryKey"`
	AgentName     string    `gorm:"size:80;uniqueIndex;not null"`
	AgentRole     string    `gorm:"size:32;not null"`
	Status        string    `gorm:"size:16;not null"`
	LastHeartbeat time.Time `gorm:"not null"`
	ErrorMessage  *string   `gorm:"size:512"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
}

func (AgentHealth) TableName() string { return "agent_health" }
