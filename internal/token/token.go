// Package token mints and verifies the two credential kinds used by the auth
// core: short-lived signed access tokens and opaque long-lived refresh secrets.
//
// A refresh secret is stored only as two independent one-way digests: a fast
// sha256 lookup digest the session store can index, and a slow bcrypt hash
// used for the final equality check. Neither digest is derivable from the
// other; both are computed from the raw secret at issuance.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// refreshSecretBytes yields 256 bits of entropy, URL-safe encoded. The encoded
// form stays under bcrypt's 72-byte input limit.
const refreshSecretBytes = 32

var (
	// ErrExpired means the signature checked out but the token TTL has passed.
	ErrExpired = errors.New("access token expired")
	// ErrMalformed means the token could not be parsed at all.
	ErrMalformed = errors.New("access token malformed")
	// ErrBadSignature means the token was signed with a different key or method.
	ErrBadSignature = errors.New("access token signature invalid")
)

// Claims is the access-token payload: identity, role and the session the
// token is scoped to.
type Claims struct {
	Email     string `json:"email"`
	Role      string `json:"role"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Service signs and verifies access tokens with a shared HS256 key.
type Service struct {
	secret    []byte
	accessTTL time.Duration
	now       func() time.Time
}

// NewService builds a token service. accessTTL bounds the lifetime of every
// minted access token.
func NewService(secret string, accessTTL time.Duration) *Service {
	return &Service{secret: []byte(secret), accessTTL: accessTTL, now: time.Now}
}

// MintAccess issues a signed access token for the identity bound to sessionID.
func (s *Service) MintAccess(identityID, email, role, sessionID string) (string, error) {
	now := s.now()
	claims := Claims{
		Email:     email,
		Role:      role,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identityID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// VerifyAccess checks signature and expiry and returns the claims. Failures
// map to ErrExpired, ErrBadSignature or ErrMalformed.
func (s *Service) VerifyAccess(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims,
		func(t *jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrBadSignature
	default:
		return nil, ErrMalformed
	}
}

// NewRefreshSecret mints an opaque high-entropy refresh secret. The raw value
// is returned to the caller exactly once and never persisted.
func NewRefreshSecret() (string, error) {
	buf := make([]byte, refreshSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate refresh secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// LookupDigest computes the fast deterministic digest used as the session
// store's indexable key. It is never used alone to authenticate.
func LookupDigest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// VerificationHash computes the slow salted hash checked before a presented
// refresh secret is trusted.
func VerificationHash(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash refresh secret: %w", err)
	}
	return string(hash), nil
}

// MatchVerificationHash reports whether secret matches the stored
// verification hash.
func MatchVerificationHash(secret, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
