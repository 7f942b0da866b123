package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Ledger is the immutable record of a completed send. Its presence for an
// idempotency key means the message must not be sent again.
type Ledger struct {
	ID             string        `json:"id" gorm:"type:varchar(36);primaryKey"`
	DispatchID     string        `json:"dispatchId" gorm:"type:varchar(36);not null;uniqueIndex"`
	IdempotencyKey string        `json:"idempotencyKey" gorm:"type:varchar(64);not null;uniqueIndex"`
	SMTPMessageID  string        `json:"smtpMessageId" gorm:"column:smtp_message_id;type:varchar(255)"`
	Outcome        LedgerOutcome `json:"outcome" gorm:"type:varchar(20);not null"`
	RawResponse    string        `json:"rawResponse" gorm:"type:text"`
	SentAt         time.Time     `json:"sentAt" gorm:"not null"`
}

// TableName specifies the table name for Ledger
func (Ledger) TableName() string {
	return "dispatch_ledger"
}

// BeforeCreate assigns a UUID when none was set
func (l *Ledger) BeforeCreate(tx *gorm.DB) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	return nil
}
