package models

import (
	"gorm.io/gorm"
)

// User carries the fields the worker reads: the notification address and the
// verification credit balance. Account management lives elsewhere.
type User struct {
	gorm.Model
	Email         string  `gorm:"uniqueIndex;not null" json:"email"`
	Name          *string `json:"name,omitempty"`
	IsActive      bool    `gorm:"default:true" json:"is_active"`
	VerifyCredits int     `gorm:"default:0" json:"verify_credits"`

	VerificationJobs []VerificationJob `gorm:"foreignKey:UserID" json:"verification_jobs,omitempty"`
}

// AutoMigrate creates or updates the tables the worker writes to.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&User{}, &VerificationJob{}, &VerificationResult{})
}
