package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Campaign is a named batch of dispatches sharing one subject and body
type Campaign struct {
	ID              string         `json:"id" gorm:"type:varchar(36);primaryKey"`
	OwnerID         string         `json:"ownerId" gorm:"type:varchar(36);not null;index"`
	Title           string         `json:"title" gorm:"type:varchar(255);not null"`
	SubjectTemplate string         `json:"subjectTemplate" gorm:"type:varchar(500);not null"`
	BodyTemplate    string         `json:"bodyTemplate" gorm:"type:text;not null"`
	Status          CampaignStatus `json:"status" gorm:"type:varchar(20);not null;default:ACTIVE"`
	Fingerprint     string         `json:"-" gorm:"type:varchar(64);not null;uniqueIndex"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`

	Dispatches []Dispatch `json:"-" gorm:"foreignKey:CampaignID"`
}

// TableName specifies the table name for Campaign
func (Campaign) TableName() string {
	return "campaigns"
}

// BeforeCreate assigns a UUID when none was set
func (c *Campaign) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}
