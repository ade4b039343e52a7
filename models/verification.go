package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	JobStatusPending    = "PENDING"
	JobStatusProcessing = "PROCESSING"
	JobStatusCompleted  = "COMPLETED"
	JobStatusFailed     = "FAILED"
	JobStatusCancelled  = "CANCELLED"
)

// VerificationJob is a bulk verification request. Submission handlers own the
// row; the worker only moves status, counters and timestamps.
type VerificationJob struct {
	gorm.Model
	UserID uint   `gorm:"not null;index" json:"user_id"`
	Name   string `json:"name"`
	Status string `gorm:"default:'PENDING';index" json:"status"`

	TotalEmails     int `gorm:"default:0" json:"total_emails"`
	ProcessedEmails int `gorm:"default:0" json:"processed_emails"`
	ValidEmails     int `gorm:"default:0" json:"valid_emails"`
	InvalidEmails   int `gorm:"default:0" json:"invalid_emails"`
	RiskyEmails     int `gorm:"default:0" json:"risky_emails"`
	UnknownEmails   int `gorm:"default:0" json:"unknown_emails"`

	StartedAt         *time.Time `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at"`
	ProcessingSeconds float64    `json:"processing_seconds"`
	AverageSpeed      float64    `json:"average_speed"` // addresses per second
	Error             string     `gorm:"type:text" json:"error,omitempty"`

	Results []VerificationResult `gorm:"foreignKey:JobID" json:"results,omitempty"`
}

// VerificationResult is one address's outcome. Results are append-only.
type VerificationResult struct {
	gorm.Model
	JobID  uint   `gorm:"not null;index" json:"job_id"`
	Email  string `gorm:"not null;index" json:"email"`
	Status string `gorm:"not null" json:"status"` // VALID, INVALID, RISKY, UNKNOWN
	Score  int    `json:"score"`

	// Nil means the layer did not run.
	SyntaxValid    *bool `json:"syntax_valid"`
	HasValidTLD    *bool `json:"has_valid_tld"`
	IsGibberish    *bool `json:"is_gibberish"`
	IsDisposable   *bool `json:"is_disposable"`
	IsRoleAccount  *bool `json:"is_role_account"`
	IsFreeProvider *bool `json:"is_free_provider"`
	DNSValid       *bool `json:"dns_valid"`
	MXValid        *bool `json:"mx_valid"`
	SPFValid       *bool `json:"spf_valid"`
	DMARCValid     *bool `json:"dmarc_valid"`
	SMTPValid      *bool `json:"smtp_valid"`

	MXRecords  string    `json:"mx_records"` // comma separated, primary first
	Reason     string    `gorm:"type:text" json:"reason"`
	Suggestion string    `json:"suggestion,omitempty"`
	SMTPCode   int       `json:"smtp_code,omitempty"`
	Whois      string    `gorm:"type:text" json:"whois,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}
