package db

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"dispatch-engine-go/internal/model"
)

// DevIdentity is the local development sender created by SeedDevIdentity
var DevIdentity = model.Identity{
	GoogleID:    "dev-test-user-001",
	Email:       "dev@dispatch-engine.local",
	DisplayName: "Dev Tester",
}

// SeedDevIdentity upserts the development sender and returns the stored row
func SeedDevIdentity(ctx context.Context, db *gorm.DB) (*model.Identity, error) {
	identity := DevIdentity
	err := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "google_id"}}, DoNothing: true}).
		Create(&identity).Error
	if err != nil {
		return nil, fmt.Errorf("failed to seed identity: %w", err)
	}

	var stored model.Identity
	if err := db.WithContext(ctx).Where("google_id = ?", DevIdentity.GoogleID).First(&stored).Error; err != nil {
		return nil, fmt.Errorf("failed to load seeded identity: %w", err)
	}

	logrus.WithFields(logrus.Fields{"id": stored.ID, "email": stored.Email}).Info("Seeded test user")
	return &stored, nil
}
