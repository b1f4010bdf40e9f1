package validator

import (
	"context"
	"time"

	"mailvet/models"
)

// ResultStore persists cache rows. Latest returns (nil, nil) when no row
// for email expires after now.
type ResultStore interface {
	Latest(ctx context.Context, email string, now time.Time) (*models.EmailValidation, error)
	Insert(ctx context.Context, row *models.EmailValidation) error
}

// Cache stores and retrieves verdicts keyed by normalized email. Rows
// expire retentionMonths after they were validated; expired rows are never
// returned and are left for an external purge.
type Cache struct {
	store           ResultStore
	retentionMonths int
	now             func() time.Time
}

func NewCache(store ResultStore, retentionMonths int) *Cache {
	if retentionMonths < 1 {
		retentionMonths = 1
	}
	return &Cache{store: store, retentionMonths: retentionMonths, now: defaultNow}
}

// defaultNow truncates to microseconds so that timestamps survive a round
// trip through postgres unchanged.
func defaultNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Get returns the most recent live verdict for email, or nil.
func (c *Cache) Get(ctx context.Context, email string) (*Result, error) {
	row, err := c.store.Latest(ctx, Normalize(email), c.now())
	if err != nil {
		return nil, &StorageError{Op: "cache get", Err: err}
	}
	if row == nil {
		return nil, nil
	}
	r := FromRow(row)
	r.Cached = true
	return r, nil
}

// Put inserts a new row for r and sets r.ExpiresAt.
func (c *Cache) Put(ctx context.Context, email string, userID uint, r *Result) error {
	if r.ValidatedAt.IsZero() {
		r.ValidatedAt = c.now()
	}
	r.ExpiresAt = c.ExpiresAt(r.ValidatedAt)

	row := r.Row(userID)
	row.Email = Normalize(email)
	if err := c.store.Insert(ctx, row); err != nil {
		return &StorageError{Op: "cache put", Err: err}
	}
	return nil
}

// ExpiresAt returns the expiry of a verdict made at validatedAt.
func (c *Cache) ExpiresAt(validatedAt time.Time) time.Time {
	return validatedAt.AddDate(0, c.retentionMonths, 0)
}
