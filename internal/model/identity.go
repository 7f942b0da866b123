package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Identity is a sender account
type Identity struct {
	ID          string    `json:"id" gorm:"type:varchar(36);primaryKey"`
	GoogleID    string    `json:"googleId" gorm:"type:varchar(255);not null;uniqueIndex"`
	Email       string    `json:"email" gorm:"type:varchar(320);not null;uniqueIndex"`
	DisplayName string    `json:"displayName" gorm:"type:varchar(255)"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// TableName specifies the table name for Identity
func (Identity) TableName() string {
	return "identities"
}

// BeforeCreate assigns a UUID when none was set
func (i *Identity) BeforeCreate(tx *gorm.DB) error {
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	return nil
}

// FromAddress renders the sender as a mail From header value
func (i *Identity) FromAddress() string {
	name := strings.TrimSpace(i.DisplayName)
	if name == "" {
		return i.Email
	}
	name = strings.ReplaceAll(name, `"`, `\"`)
	return fmt.Sprintf("\"%s\" <%s>", name, i.Email)
}
