package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/and161185/fan-ledger/internal/errs"
)

// Role is the caller's privilege level carried in the access token.
type Role string

const (
	RoleMember  Role = "member"
	RoleCreator Role = "creator"
	RoleAdmin   Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleMember || r == RoleCreator || r == RoleAdmin
}

// CanCreate reports whether r may create challenges and gated posts.
func (r Role) CanCreate() bool { return r == RoleCreator || r == RoleAdmin }

// Claims are the access token claims. Subject is the account id.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// TokenService issues and verifies HS256 access tokens.
type TokenService interface {
	// Issue signs a token for subject with the given role.
	Issue(subject string, role Role) (token string, expiresAt time.Time, err error)
	// Parse verifies token and returns its claims, or errs.ErrUnauthorized.
	Parse(token string) (*Claims, error)
}

type TokenServiceImpl struct {
	signKey   []byte
	accessTTL time.Duration
	issuer    string
	leeway    time.Duration
	now       Clock
}

// NewTokenService constructs a TokenService.
func NewTokenService(signKey []byte, accessTTL time.Duration, issuer string) *TokenServiceImpl {
	return &TokenServiceImpl{signKey: signKey, accessTTL: accessTTL, issuer: issuer, leeway: 30 * time.Second, now: time.Now}
}

// Issue creates a signed HS256 JWT for the given subject.
func (s *TokenServiceImpl) Issue(subject string, role Role) (string, time.Time, error) {
	if err := validAccountID(subject); err != nil {
		return "", time.Time{}, err
	}
	if !role.Valid() {
		return "", time.Time{}, fmt.Errorf("%w: unknown role %q", errs.ErrValidation, role)
	}
	now := s.now()
	exp := now.Add(s.accessTTL)
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.signKey)
	return signed, exp, err
}

// Parse verifies the signature, expiry and role of token.
func (s *TokenServiceImpl) Parse(token string) (*Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.signKey, nil
	},
		jwt.WithLeeway(s.leeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: invalid token", errs.ErrUnauthorized)
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return nil, fmt.Errorf("%w: unexpected issuer", errs.ErrUnauthorized)
	}
	if claims.Subject == "" || !claims.Role.Valid() {
		return nil, fmt.Errorf("%w: bad subject or role", errs.ErrUnauthorized)
	}
	return &claims, nil
}
