// Package auth issues and validates the short-lived tokens that authenticate
// realtime channels against a session.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/adwidya/recall/domain/entities"
)

// ChannelTokenTTL is the default lifetime of a channel token. Clients fetch
// a fresh one before each connection attempt.
const ChannelTokenTTL = 15 * time.Minute

// ChannelClaims binds a realtime channel token to one session.
type ChannelClaims struct {
	SessionID string `json:"session_id"`
	Scope     string `json:"scope"`
	jwt.RegisteredClaims
}

const scopeChannel = "channel"

// TokenService signs and validates channel tokens with an HS256 secret.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService creates a token service. A non-positive ttl falls back to
// ChannelTokenTTL.
func NewTokenService(secret []byte, ttl time.Duration) *TokenService {
	if ttl <= 0 {
		ttl = ChannelTokenTTL
	}
	return &TokenService{secret: secret, ttl: ttl}
}

// GenerateChannelToken issues a token for the given session and returns it
// with its expiry time.
func (s *TokenService) GenerateChannelToken(sessionID string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(s.ttl)
	claims := &ChannelClaims{
		SessionID: sessionID,
		Scope:     scopeChannel,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing channel token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateChannelToken checks a token and returns its claims. Any failure,
// including expiry and scope mismatch, wraps entities.ErrAuthenticationRejected.
func (s *TokenService) ValidateChannelToken(tokenString string) (*ChannelClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ChannelClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", entities.ErrAuthenticationRejected, err)
	}

	claims, ok := token.Claims.(*ChannelClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid claims", entities.ErrAuthenticationRejected)
	}
	if claims.Scope != scopeChannel || claims.SessionID == "" {
		return nil, fmt.Errorf("%w: wrong token scope", entities.ErrAuthenticationRejected)
	}
	return claims, nil
}
