package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"mailvet/models"
)

var (
	ErrJobFinished   = errors.New("job already finished")
	ErrJobStarted    = errors.New("job already started")
	ErrJobNotStarted = errors.New("job not started")
)

// statusConflict names why a transition from status was refused.
func statusConflict(status string) error {
	switch status {
	case models.JobCompleted, models.JobFailed:
		return ErrJobFinished
	case models.JobProcessing:
		return ErrJobStarted
	default:
		return ErrJobNotStarted
	}
}

// JobStore keeps bulk jobs and their items in postgres.
type JobStore struct {
	DB *gorm.DB
}

func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{DB: db}
}

func (s *JobStore) CreateJob(ctx context.Context, job *models.BulkJob) error {
	return s.DB.WithContext(ctx).Create(job).Error
}

func (s *JobStore) GetJob(ctx context.Context, id uint) (*models.BulkJob, error) {
	var job models.BulkJob
	err := s.DB.WithContext(ctx).First(&job, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// MarkProcessing moves a pending job to processing. Any other status is
// refused with ErrJobStarted or ErrJobFinished.
func (s *JobStore) MarkProcessing(ctx context.Context, id uint, at time.Time) error {
	res := s.DB.WithContext(ctx).Model(&models.BulkJob{}).
		Where("id = ? AND status = ?", id, models.JobPending).
		Updates(map[string]interface{}{
			"status":     models.JobProcessing,
			"started_at": at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return conflict(s.DB.WithContext(ctx), id)
	}
	return nil
}

// RecordItem inserts the item and bumps the job counters in one
// transaction, so processed_emails and the per-status counters never
// disagree. Only processing jobs accept items.
func (s *JobStore) RecordItem(ctx context.Context, item *models.BulkJobItem, validDelta, invalidDelta int) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(item).Error; err != nil {
			return err
		}
		res := tx.Model(&models.BulkJob{}).
			Where("id = ? AND status = ?", item.BulkJobID, models.JobProcessing).
			Updates(map[string]interface{}{
				"processed_emails": gorm.Expr("processed_emails + ?", 1),
				"valid_emails":     gorm.Expr("valid_emails + ?", validDelta),
				"invalid_emails":   gorm.Expr("invalid_emails + ?", invalidDelta),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return conflict(tx, item.BulkJobID)
		}
		return nil
	})
}

// Finish sets a terminal status. Counters are left untouched. A job that is
// already terminal stays as it is and ErrJobFinished is returned.
func (s *JobStore) Finish(ctx context.Context, id uint, status, lastError string, at time.Time) error {
	res := s.DB.WithContext(ctx).Model(&models.BulkJob{}).
		Where("id = ? AND status NOT IN ?", id, []string{models.JobCompleted, models.JobFailed}).
		Updates(map[string]interface{}{
			"status":       status,
			"last_error":   lastError,
			"completed_at": at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return conflict(s.DB.WithContext(ctx), id)
	}
	return nil
}

// ListItems returns items of a job ordered by position.
func (s *JobStore) ListItems(ctx context.Context, id uint, offset, limit int) ([]models.BulkJobItem, error) {
	var items []models.BulkJobItem
	q := s.DB.WithContext(ctx).Where("bulk_job_id = ?", id).Order("position ASC").Offset(offset)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// FailUnfinished marks every pending or processing job failed. It runs at
// startup, when no job can still be running.
func (s *JobStore) FailUnfinished(ctx context.Context, reason string, at time.Time) (int64, error) {
	res := s.DB.WithContext(ctx).Model(&models.BulkJob{}).
		Where("status IN ?", []string{models.JobPending, models.JobProcessing}).
		Updates(map[string]interface{}{
			"status":       models.JobFailed,
			"last_error":   reason,
			"completed_at": at,
		})
	return res.RowsAffected, res.Error
}

// conflict explains a guarded update that matched no row.
func conflict(db *gorm.DB, id uint) error {
	var job models.BulkJob
	err := db.Select("status").First(&job, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return statusConflict(job.Status)
}
