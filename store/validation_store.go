package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"mailvet/models"
)

// ErrNotFound is returned when a job does not exist.
var ErrNotFound = errors.New("record not found")

// ValidationStore keeps validation verdicts in the email_validations table.
type ValidationStore struct {
	DB *gorm.DB
}

func NewValidationStore(db *gorm.DB) *ValidationStore {
	return &ValidationStore{DB: db}
}

// Latest returns the most recently validated row for email that expires
// after now, or nil when there is none.
func (s *ValidationStore) Latest(ctx context.Context, email string, now time.Time) (*models.EmailValidation, error) {
	var row models.EmailValidation
	err := s.DB.WithContext(ctx).
		Where("email = ? AND expires_at > ?", email, now).
		Order("validated_at DESC, id DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// Insert adds a new row. Existing rows are never updated.
func (s *ValidationStore) Insert(ctx context.Context, row *models.EmailValidation) error {
	return s.DB.WithContext(ctx).Create(row).Error
}

// PurgeExpired deletes rows that expired before now and returns how many
// were removed.
func (s *ValidationStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.DB.WithContext(ctx).Where("expires_at <= ?", now).Delete(&models.EmailValidation{})
	return res.RowsAffected, res.Error
}
