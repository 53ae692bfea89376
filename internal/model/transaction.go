package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction record types.
const (
	TxTypePayment   = "payment"
	TxTypeGasBundle = "gas_bundle"
)

// TransactionRecord is the append-only audit log of value movements: the
// inbound payment and every gas delivery made on an account's behalf.
type TransactionRecord struct {
	ID          uint64          `gorm:"primaryKey"`
	AccountID   uint64          `gorm:"not null;index"`
	PaymentRef  *string         `gorm:"size:80"`
	Type        string          `gorm:"size:32;not null"`
	Amount      decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	Destination string          `gorm:"size:128;not null"`
	Status      string          `gorm:"size:16;not null"`
	CreatedAt   time.Time       `gorm:"autoCreateTime"`
}

func (TransactionRecord) TableName() string { return "transaction_record" }
