// Package auth issues and verifies the HS256 bearer tokens field devices present to the server.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "fieldline"

// Claims carried by a device token.
type Claims struct {
	jwt.RegisteredClaims
	Role     string `json:"role,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
}

// IssueOptions describes a token to mint.
type IssueOptions struct {
	Subject  string
	Role     string
	DeviceID string
	TTL      time.Duration
	Now      time.Time
}

// Issue signs a token for opts.Subject. A zero TTL produces a token that never expires.
func Issue(secret string, opts IssueOptions) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(opts.Subject) == "" {
		return "", errors.New("subject required")
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			Subject:  opts.Subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Role:     opts.Role,
		DeviceID: opts.DeviceID,
	}
	if opts.TTL > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(opts.TTL))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies token against secret and returns its claims.
func Parse(secret, token string) (Claims, error) {
	if strings.TrimSpace(secret) == "" {
		return Claims{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Claims{}, err
	}
	if !parsed.Valid {
		return Claims{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Claims{}, errors.New("subject claim required")
	}
	return *claims, nil
}
