package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"mailvet/models"
)

// MemoryValidationStore is an in-process validation store for tests and for
// running without a database.
type MemoryValidationStore struct {
	mu     sync.RWMutex
	nextID uint
	rows   map[string][]models.EmailValidation
}

func NewMemoryValidationStore() *MemoryValidationStore {
	return &MemoryValidationStore{rows: make(map[string][]models.EmailValidation)}
}

func (s *MemoryValidationStore) Latest(_ context.Context, email string, now time.Time) (*models.EmailValidation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *models.EmailValidation
	for i := range s.rows[email] {
		row := &s.rows[email][i]
		if !row.ExpiresAt.After(now) {
			continue
		}
		if best == nil || row.ValidatedAt.After(best.ValidatedAt) ||
			(row.ValidatedAt.Equal(best.ValidatedAt) && row.ID > best.ID) {
			best = row
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := copyValidation(*best)
	return &cp, nil
}

func (s *MemoryValidationStore) Insert(_ context.Context, row *models.EmailValidation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	row.ID = s.nextID
	s.rows[row.Email] = append(s.rows[row.Email], copyValidation(*row))
	return nil
}

// Count returns the number of stored rows for email, expired or not.
func (s *MemoryValidationStore) Count(email string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows[email])
}

func (s *MemoryValidationStore) PurgeExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for email, rows := range s.rows {
		kept := rows[:0]
		for _, row := range rows {
			if row.ExpiresAt.After(now) {
				kept = append(kept, row)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(s.rows, email)
		} else {
			s.rows[email] = kept
		}
	}
	return removed, nil
}

func copyValidation(v models.EmailValidation) models.EmailValidation {
	v.MXHosts = append([]string(nil), v.MXHosts...)
	v.Details = append([]string(nil), v.Details...)
	return v
}

// MemoryJobStore is an in-process job store.
type MemoryJobStore struct {
	mu     sync.RWMutex
	nextID uint
	jobs   map[uint]*models.BulkJob
	items  map[uint][]models.BulkJobItem
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs:  make(map[uint]*models.BulkJob),
		items: make(map[uint][]models.BulkJobItem),
	}
}

func (s *MemoryJobStore) CreateJob(_ context.Context, job *models.BulkJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	job.ID = s.nextID
	now := time.Now()
	job.CreatedAt, job.UpdatedAt = now, now
	if job.Status == "" {
		job.Status = models.JobPending
	}
	cp := *job
	cp.Items = nil
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryJobStore) GetJob(_ context.Context, id uint) (*models.BulkJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryJobStore) MarkProcessing(_ context.Context, id uint, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Status != models.JobPending {
		return statusConflict(job.Status)
	}
	job.Status = models.JobProcessing
	job.StartedAt = &at
	job.UpdatedAt = at
	return nil
}

func (s *MemoryJobStore) RecordItem(_ context.Context, item *models.BulkJobItem, validDelta, invalidDelta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[item.BulkJobID]
	if !ok {
		return ErrNotFound
	}
	if job.Status != models.JobProcessing {
		return statusConflict(job.Status)
	}
	item.ID = uint(len(s.items[job.ID]) + 1)
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	s.items[job.ID] = append(s.items[job.ID], *item)
	job.ProcessedEmails++
	job.ValidEmails += validDelta
	job.InvalidEmails += invalidDelta
	return nil
}

func (s *MemoryJobStore) Finish(_ context.Context, id uint, status, lastError string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Terminal() {
		return ErrJobFinished
	}
	job.Status = status
	job.LastError = lastError
	job.CompletedAt = &at
	job.UpdatedAt = at
	return nil
}

func (s *MemoryJobStore) ListItems(_ context.Context, id uint, offset, limit int) ([]models.BulkJobItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := append([]models.BulkJobItem(nil), s.items[id]...)
	sort.SliceStable(items, func(i, j int) bool { return items[i].Position < items[j].Position })
	if offset >= len(items) {
		return []models.BulkJobItem{}, nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items, nil
}
