// Package token is the credential gate for Huddle.
//
// It issues and verifies the opaque identity assertion a participant carries
// between the HTTP create/join endpoints and the realtime gateway:
// {userId, username, sessionCode, isHost}, time-limited. The rest of the
// system treats tokens as encode/decode with a validity window and never
// inspects them beyond this contract.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a token fails parsing, signature
// verification, or is outside its validity window.
var ErrInvalidToken = errors.New("invalid token")

// ErrConfig is returned for unusable issuer configuration.
var ErrConfig = errors.New("token: invalid config")

const minSecretBytes = 32

// Claims is the identity assertion embedded in every Huddle token.
type Claims struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	SessionCode string `json:"sessionCode"`
	IsHost      bool   `json:"isHost"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies Huddle identity tokens (HS256).
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

// NewIssuer constructs an Issuer. The secret must be at least 32 bytes.
func NewIssuer(secret []byte, issuer string, ttl time.Duration) (*Issuer, error) {
	if len(secret) < minSecretBytes {
		return nil, ErrConfig
	}
	if issuer == "" {
		issuer = "huddle"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{secret: secret, issuer: issuer, ttl: ttl}, nil
}

// Issue creates a signed token binding an identity to one session code.
func (i *Issuer) Issue(userID, username, sessionCode string, isHost bool, now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	claims := &Claims{
		UserID:      userID,
		Username:    username,
		SessionCode: sessionCode,
		IsHost:      isHost,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Verify parses and validates a token string and returns its claims.
func (i *Issuer) Verify(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return i.secret, nil
	}, jwt.WithIssuer(i.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" || claims.SessionCode == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
