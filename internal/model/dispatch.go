package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Dispatch is one scheduled send to one recipient within a campaign
type Dispatch struct {
	ID                 string         `json:"id" gorm:"type:varchar(36);primaryKey"`
	CampaignID         string         `json:"campaignId" gorm:"type:varchar(36);not null;index"`
	SenderID           string         `json:"senderId" gorm:"type:varchar(36);not null;index:idx_dispatch_sender_status"`
	RecipientEmail     string         `json:"recipientEmail" gorm:"type:varchar(320);not null"`
	RecipientName      string         `json:"recipientName,omitempty" gorm:"type:varchar(255)"`
	IdempotencyKey     string         `json:"idempotencyKey" gorm:"type:varchar(64);not null;uniqueIndex"`
	Status             DispatchStatus `json:"status" gorm:"type:varchar(20);not null;index:idx_dispatch_sender_status"`
	ScheduledAt        time.Time      `json:"scheduledAt" gorm:"not null;index"`
	Attempts           int            `json:"attempts" gorm:"not null;default:0"`
	RateLimitDeferrals int            `json:"rateLimitDeferrals" gorm:"not null;default:0"`
	LastError          string         `json:"lastError,omitempty" gorm:"type:text"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt" gorm:"index"`

	Campaign *Campaign `json:"campaign,omitempty" gorm:"foreignKey:CampaignID"`
	Ledger   *Ledger   `json:"ledger,omitempty" gorm:"foreignKey:DispatchID"`
}

// TableName specifies the table name for Dispatch
func (Dispatch) TableName() string {
	return "dispatches"
}

// BeforeCreate assigns a UUID when none was set
func (d *Dispatch) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return nil
}

// Job builds the denormalized queue payload for this dispatch
func (d *Dispatch) Job(subject, body string) DispatchJob {
	return DispatchJob{
		DispatchID:     d.ID,
		CampaignID:     d.CampaignID,
		SenderID:       d.SenderID,
		RecipientEmail: d.RecipientEmail,
		RecipientName:  d.RecipientName,
		Subject:        subject,
		Body:           body,
		IdempotencyKey: d.IdempotencyKey,
	}
}
