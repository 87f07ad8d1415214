package services

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureByEmailNormalizes(t *testing.T) {
	db, mock := newMockDB(t)
	svc := NewUserService(db)

	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (email) DO UPDATE")).
		WithArgs("alice@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "role", "is_active", "created_at"}).
			AddRow(int64(7), "alice@example.com", "user", true, time.Now()))

	u, err := svc.EnsureByEmail(context.Background(), "  Alice@Example.COM ")
	require.NoError(t, err)
	assert.Equal(t, int64(7), u.ID)
	assert.Equal(t, "alice@example.com", u.Email)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureByEmailRejectsInvalid(t *testing.T) {
	db, _ := newMockDB(t)
	svc := NewUserService(db)

	_, err := svc.EnsureByEmail(context.Background(), "not-an-address")
	assert.True(t, IsValidationError(err))

	_, err = svc.EnsureByEmail(context.Background(), "   ")
	assert.True(t, IsValidationError(err))
}

func TestGetUserByIDNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	svc := NewUserService(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM users")).
		WithArgs(int64(99)).
		WillReturnError(sql.ErrNoRows)

	_, err := svc.GetByID(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNotFound)
}
