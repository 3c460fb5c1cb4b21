package authn

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token is an issued bearer credential and its claims. ExpiresAt is always
// CreatedAt + the configured session timeout.
type Token struct {
	Value       string    `json:"value"`
	User        string    `json:"user"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Expired reports whether the token's lifetime has elapsed at now.
func (t *Token) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// tokenClaims is the JWT claim set embedded in minted token values.
type tokenClaims struct {
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

func (m *Manager) mintValue(user string, permissions []string, createdAt, expiresAt time.Time) (string, error) {
	claims := &tokenClaims{
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user,
			IssuedAt:  jwt.NewNumericDate(createdAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        m.newID(),
		},
	}
	value, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return value, nil
}

// parseValue verifies a minted token value's signature and returns its claims.
// Expiry is checked by the caller against the store, so the parser runs with
// verification of time claims disabled.
func (m *Manager) parseValue(value string) (*tokenClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithoutClaimsValidation(),
	)
	var claims tokenClaims
	if _, err := parser.ParseWithClaims(value, &claims, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	return &claims, nil
}

// timingSafeEqual compares two secrets without leaking length or content
// through timing. Both sides are hashed first so unequal lengths take the
// same time as equal ones.
func timingSafeEqual(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// HashPassword returns the hex-encoded sha256 digest used for configured
// user passwords.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}
