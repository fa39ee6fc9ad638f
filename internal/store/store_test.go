package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/JonMunkholm/sourcehub/internal/domain"
	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db, mock
}

var principalCols = []string{"id", "name", "email", "password_hash", "role", "verification_code", "code_issued_at", "verified", "created_at", "updated_at"}

func TestWithTx_CommitAndRollback(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE x").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := WithTx(context.Background(), db, func(ctx context.Context, tx DBTX) error {
		_, err := tx.ExecContext(ctx, "UPDATE x")
		return err
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err = WithTx(context.Background(), db, func(ctx context.Context, tx DBTX) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTx_PanicRollsBack(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	assert.Panics(t, func() {
		_ = WithTx(context.Background(), db, func(ctx context.Context, tx DBTX) error {
			panic("kaboom")
		})
	})
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_UsesEmbeddedDir(t *testing.T) {
	db, _ := newMock(t)

	orig := gooseUp
	defer func() { gooseUp = orig }()

	var gotDir string
	gooseUp = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		gotDir = dir
		return nil
	}
	require.NoError(t, Migrate(context.Background(), db))
	assert.Equal(t, ".", gotDir)

	gooseUp = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return errors.New("dirty")
	}
	assert.ErrorContains(t, Migrate(context.Background(), db), "run migrations")
}

func TestPrincipals_FindByEmail(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPrincipals(db)

	id := uuid.New()
	issued := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("FROM principals WHERE email = $1")).
		WithArgs("ada@example.com").
		WillReturnRows(sqlmock.NewRows(principalCols).
			AddRow(id.String(), "Ada", "ada@example.com", "hash", "analyst", "123456", issued, false, issued, issued))

	p, err := repo.FindByEmail(context.Background(), "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, id, p.ID)
	assert.Equal(t, domain.RoleAnalyst, p.Role)
	assert.Equal(t, "123456", p.VerificationCode)
	require.NotNil(t, p.CodeIssuedAt)
	assert.True(t, p.CodeIssuedAt.Equal(issued))

	mock.ExpectQuery(regexp.QuoteMeta("FROM principals WHERE email = $1")).
		WithArgs("ghost@example.com").
		WillReturnError(sql.ErrNoRows)

	_, err = repo.FindByEmail(context.Background(), "ghost@example.com")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPrincipals_UpsertPendingVerifiedConflict(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPrincipals(db)

	now := time.Now()
	p := &domain.Principal{
		ID: uuid.New(), Name: "Ada", Email: "ada@example.com", PasswordHash: "hash",
		Role: domain.RoleAnalyst, VerificationCode: "123456", CodeIssuedAt: &now,
	}

	mock.ExpectQuery(`INSERT INTO principals .* ON CONFLICT \(email\) DO UPDATE .* WHERE principals.verified = FALSE`).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.UpsertPending(context.Background(), p)
	assert.ErrorIs(t, err, domain.ErrAlreadyRegistered)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPrincipals_ReplaceCode(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPrincipals(db)

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	notBefore := now.Add(-time.Minute)
	q := regexp.QuoteMeta("(code_issued_at IS NULL OR code_issued_at <= $4)")

	mock.ExpectExec(q).
		WithArgs("ada@example.com", "654321", now, notBefore).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := repo.ReplaceCode(context.Background(), "ada@example.com", "654321", now, notBefore)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec(q).
		WithArgs("ada@example.com", "111111", now, notBefore).
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = repo.ReplaceCode(context.Background(), "ada@example.com", "111111", now, notBefore)
	require.NoError(t, err)
	assert.False(t, ok, "update inside cooldown must not land")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPrincipals_ClearCodeOnlyMatchesLiveCode(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPrincipals(db)

	mock.ExpectExec(regexp.QuoteMeta("SET verification_code = NULL, code_issued_at = NULL")).
		WithArgs("ada@example.com", "654321").
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, repo.ClearCode(context.Background(), "ada@example.com", "654321"),
		"a code replaced in the meantime is not an error")

	mock.ExpectExec(regexp.QuoteMeta("AND verification_code = $2")).
		WithArgs("ada@example.com", "654321").
		WillReturnError(errors.New("conn reset"))
	assert.Error(t, repo.ClearCode(context.Background(), "ada@example.com", "654321"))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPrincipals_MarkVerifiedMissing(t *testing.T) {
	db, mock := newMock(t)
	repo := NewPrincipals(db)

	id := uuid.New()
	mock.ExpectExec(regexp.QuoteMeta("SET verified = TRUE, verification_code = NULL")).
		WithArgs(id.String()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkVerified(context.Background(), id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
