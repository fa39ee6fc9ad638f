package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/JonMunkholm/sourcehub/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultTokenTTL is how long an issued token stays valid.
const DefaultTokenTTL = 24 * time.Hour

// Token verification failures. All of them are authentication errors.
var (
	ErrTokenExpired          = &domain.Error{Kind: domain.KindAuth, Code: "TokenExpired", Message: "token has expired"}
	ErrTokenMalformed        = &domain.Error{Kind: domain.KindAuth, Code: "TokenMalformed", Message: "token is malformed"}
	ErrTokenSignatureInvalid = &domain.Error{Kind: domain.KindAuth, Code: "TokenSignatureInvalid", Message: "token signature is invalid"}
)

// Claims is the JWT payload. Subject carries the principal id.
type Claims struct {
	Role domain.Role `json:"role"`
	jwt.RegisteredClaims
}

// Identity is what a verified token asserts.
type Identity struct {
	PrincipalID uuid.UUID
	Role        domain.Role
	ExpiresAt   time.Time
}

// TokenIssuer signs and verifies HS256 tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// NewTokenIssuer returns an issuer. A non-positive ttl uses DefaultTokenTTL.
func NewTokenIssuer(secret string, ttl time.Duration, issuer string) *TokenIssuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{
		secret: []byte(secret),
		ttl:    ttl,
		issuer: issuer,
		now:    time.Now,
	}
}

// Issue signs a token for the principal.
func (t *TokenIssuer) Issue(principalID uuid.UUID, role domain.Role) (string, time.Time, error) {
	now := t.now().UTC()
	exp := now.Add(t.ttl)
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principalID.String(),
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks the signature, algorithm, issuer and expiry of token.
func (t *TokenIssuer) Verify(token string) (*Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
	}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, opts...)
	if err != nil {
		return nil, classifyTokenError(err)
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, ErrTokenMalformed.Wrap(err)
	}
	if !claims.Role.Valid() {
		return nil, ErrTokenMalformed.WithMessage("token carries unknown role %q", claims.Role)
	}

	return &Identity{
		PrincipalID: id,
		Role:        claims.Role,
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}

func classifyTokenError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired.Wrap(err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrTokenSignatureInvalid.Wrap(err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrTokenMalformed.Wrap(err)
	default:
		return domain.ErrInvalidToken.Wrap(err)
	}
}
