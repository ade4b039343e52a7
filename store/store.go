package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"mailverifier/models"
	"mailverifier/verifier"
)

var (
	ErrJobNotFound  = errors.New("verification job not found")
	ErrUserNotFound = errors.New("user not found")
)

const insertBatchSize = 100

// Store reads and writes jobs, results and credit balances through gorm.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) GetJob(ctx context.Context, id uint) (*models.VerificationJob, error) {
	var job models.VerificationJob
	err := s.db.WithContext(ctx).First(&job, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return &job, nil
}

// UpdateJob writes the given columns. Keys are column names.
func (s *Store) UpdateJob(ctx context.Context, id uint, fields map[string]interface{}) error {
	res := s.db.WithContext(ctx).Model(&models.VerificationJob{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update job %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *Store) FindUserByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).First(&user, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	return &user, nil
}

// DecrementCredits debits n verification credits in one statement.
func (s *Store) DecrementCredits(ctx context.Context, userID uint, n int) error {
	if n <= 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).
		Update("verify_credits", gorm.Expr("verify_credits - ?", n)).Error
	if err != nil {
		return fmt.Errorf("debit %d credits from user %d: %w", n, userID, err)
	}
	return nil
}

// CreateResults appends results for jobID.
func (s *Store) CreateResults(ctx context.Context, jobID uint, results []*verifier.Result) error {
	if len(results) == 0 {
		return nil
	}
	rows := make([]models.VerificationResult, 0, len(results))
	for _, r := range results {
		rows = append(rows, ToModel(jobID, r))
	}
	if err := s.db.WithContext(ctx).CreateInBatches(rows, insertBatchSize).Error; err != nil {
		return fmt.Errorf("store %d results for job %d: %w", len(rows), jobID, err)
	}
	return nil
}

// ToModel maps an engine result onto its table row.
func ToModel(jobID uint, r *verifier.Result) models.VerificationResult {
	return models.VerificationResult{
		JobID:          jobID,
		Email:          r.Address,
		Status:         string(r.Status),
		Score:          r.Score,
		SyntaxValid:    r.SyntaxValid,
		HasValidTLD:    r.HasValidTLD,
		IsGibberish:    r.IsGibberish,
		IsDisposable:   r.IsDisposable,
		IsRoleAccount:  r.IsRoleAccount,
		IsFreeProvider: r.IsFreeProvider,
		DNSValid:       r.DNSValid,
		MXValid:        r.MXValid,
		SPFValid:       r.SPFValid,
		DMARCValid:     r.DMARCValid,
		SMTPValid:      r.SMTPValid,
		MXRecords:      strings.Join(r.MXRecords, ","),
		Reason:         r.Reason,
		Suggestion:     r.Suggestion,
		SMTPCode:       r.SMTPCode,
		Whois:          r.Whois,
		CheckedAt:      r.CheckedAt,
	}
}
