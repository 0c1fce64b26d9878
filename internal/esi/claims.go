package esi

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// characterSubjectPrefix prefixes the subject claim of EVE SSO tokens.
const characterSubjectPrefix = "CHARACTER:EVE:"

// Claims are the fields of an EVE SSO access token the service uses.
type Claims struct {
	jwt.RegisteredClaims
	Name   string           `json:"name"`
	Scopes jwt.ClaimStrings `json:"scp"`
	Owner  string           `json:"owner"`
}

// CharacterID extracts the numeric id from a "CHARACTER:EVE:<id>" subject.
func (c *Claims) CharacterID() (int64, error) {
	raw, ok := strings.CutPrefix(c.Subject, characterSubjectPrefix)
	if !ok {
		return 0, fmt.Errorf("esi: token subject %q is not a character", c.Subject)
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("esi: token subject %q has invalid character id", c.Subject)
	}

	return id, nil
}

// Expiry returns the exp claim, or the zero time when absent.
func (c *Claims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}

	return c.ExpiresAt.Time
}

// ParseClaims decodes an SSO access token without verifying its signature.
// The token was just received over TLS from the token endpoint, so it is
// only read for identity and expiry, never trusted as proof of anything.
func ParseClaims(accessToken string) (*Claims, error) {
	claims := &Claims{}

	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return nil, fmt.Errorf("esi: decoding access token claims: %w", err)
	}

	return claims, nil
}
