package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationStore_LatestFiltersExpired(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewValidationStore(db)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT \* FROM "email_validations" WHERE email = \$1 AND expires_at > \$2 ORDER BY validated_at DESC, id DESC`).
		WithArgs("jane@example.com", now, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "status", "details", "validated_at", "expires_at"}).
			AddRow(4, "jane@example.com", "valid", []byte(`["Email is valid"]`), now.Add(-time.Hour), now.AddDate(0, 3, 0)))

	row, err := s.Latest(context.Background(), "jane@example.com", now)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.EqualValues(t, 4, row.ID)
	assert.Equal(t, "valid", row.Status)
	assert.Equal(t, []string{"Email is valid"}, row.Details)
}

func TestValidationStore_LatestMissing(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewValidationStore(db)

	mock.ExpectQuery(`FROM "email_validations" WHERE email = \$1 AND expires_at > \$2`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	row, err := s.Latest(context.Background(), "nobody@example.com", time.Now())
	require.NoError(t, err)
	assert.Nil(t, row)

	boom := errors.New("too many connections")
	mock.ExpectQuery(`FROM "email_validations"`).WillReturnError(boom)
	_, err = s.Latest(context.Background(), "nobody@example.com", time.Now())
	assert.ErrorIs(t, err, boom)
}

func TestValidationStore_PurgeExpired(t *testing.T) {
	db, mock := newMockDB(t)
	s := NewValidationStore(db)
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`DELETE FROM "email_validations" WHERE expires_at <= \$1`).
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 4))
	n, err := s.PurgeExpired(context.Background(), now)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
}
