package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/JonMunkholm/sourcehub/internal/domain"
	"github.com/google/uuid"
)

const principalColumns = `id, name, email, password_hash, role, verification_code, code_issued_at, verified, created_at, updated_at`

// Principals is the principal repository.
type Principals struct {
	db DBTX
}

func NewPrincipals(db DBTX) *Principals {
	return &Principals{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrincipal(row rowScanner) (*domain.Principal, error) {
	var (
		p      domain.Principal
		role   string
		code   sql.NullString
		issued sql.NullTime
	)
	err := row.Scan(&p.ID, &p.Name, &p.Email, &p.PasswordHash, &role, &code, &issued, &p.Verified, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Role = domain.Role(role)
	p.VerificationCode = code.String
	if issued.Valid {
		t := issued.Time
		p.CodeIssuedAt = &t
	}
	return &p, nil
}

func (r *Principals) FindByEmail(ctx context.Context, email string) (*domain.Principal, error) {
	query := `SELECT ` + principalColumns + ` FROM principals WHERE email = $1`

	p, err := scanPrincipal(r.db.QueryRowContext(ctx, query, email))
	if err != nil {
		return nil, notFound(err, "principal")
	}
	return p, nil
}

func (r *Principals) FindByID(ctx context.Context, id uuid.UUID) (*domain.Principal, error) {
	query := `SELECT ` + principalColumns + ` FROM principals WHERE id = $1`

	p, err := scanPrincipal(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "principal")
	}
	return p, nil
}

// UpsertPending inserts p, or refreshes the unverified principal holding
// the same email. A verified principal is never overwritten.
func (r *Principals) UpsertPending(ctx context.Context, p *domain.Principal) (*domain.Principal, error) {
	query := `INSERT INTO principals (id, name, email, password_hash, role, verification_code, code_issued_at, verified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)
		ON CONFLICT (email) DO UPDATE SET
			name = EXCLUDED.name,
			password_hash = EXCLUDED.password_hash,
			verification_code = EXCLUDED.verification_code,
			code_issued_at = EXCLUDED.code_issued_at,
			updated_at = now()
		WHERE principals.verified = FALSE
		RETURNING ` + principalColumns

	stored, err := scanPrincipal(r.db.QueryRowContext(ctx, query,
		p.ID, p.Name, p.Email, p.PasswordHash, string(p.Role), nullString(p.VerificationCode), p.CodeIssuedAt))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAlreadyRegistered
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return stored, nil
}

func (r *Principals) DeleteUnverified(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM principals WHERE id = $1 AND verified = FALSE`, id)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// ReplaceCode overwrites the live code in one conditional update, so of
// two concurrent resends at most one lands inside a cooldown window.
func (r *Principals) ReplaceCode(ctx context.Context, email, code string, issuedAt, notBefore time.Time) (bool, error) {
	query := `UPDATE principals
		SET verification_code = $2, code_issued_at = $3, updated_at = $3
		WHERE email = $1 AND verified = FALSE
		  AND (code_issued_at IS NULL OR code_issued_at <= $4)`

	res, err := r.db.ExecContext(ctx, query, email, code, issuedAt, notBefore)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return n == 1, nil
}

// ClearCode drops an undelivered code. A code issued by a concurrent
// request in the meantime is left alone.
func (r *Principals) ClearCode(ctx context.Context, email, code string) error {
	query := `UPDATE principals
		SET verification_code = NULL, code_issued_at = NULL, updated_at = now()
		WHERE email = $1 AND verified = FALSE AND verification_code = $2`

	if _, err := r.db.ExecContext(ctx, query, email, code); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *Principals) MarkVerified(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE principals
		SET verified = TRUE, verification_code = NULL, code_issued_at = NULL, updated_at = now()
		WHERE id = $1 AND verified = FALSE`
	return r.execOne(ctx, query, id)
}

func (r *Principals) UpdateName(ctx context.Context, id uuid.UUID, name string) error {
	return r.execOne(ctx, `UPDATE principals SET name = $2, updated_at = now() WHERE id = $1`, id, name)
}

func (r *Principals) UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error {
	return r.execOne(ctx, `UPDATE principals SET password_hash = $2, updated_at = now() WHERE id = $1`, id, hash)
}

func (r *Principals) execOne(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound.WithMessage("principal not found")
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
