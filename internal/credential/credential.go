// Package credential owns per-principal OAuth credentials: the model, the
// storage port, and the lifecycle manager that keeps access tokens fresh.
package credential

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/chuanqiongzhr/eve-service/internal/principal"
)

// Sentinel errors.
var (
	// ErrNotFound means no credential is stored for the principal.
	ErrNotFound = errors.New("credential: not found")
	// ErrReauthRequired means the credential is gone or unrenewable and the
	// user has to log in again.
	ErrReauthRequired = errors.New("credential: re-authentication required")
)

// Credential is an access/refresh token pair for one principal.
type Credential struct {
	Principal    principal.ID `json:"principal"`
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	IssuedAt     time.Time    `json:"issued_at"`
	ExpiresAt    time.Time    `json:"expires_at"`
	Scopes       []string     `json:"scopes,omitempty"`
	DisplayName  string       `json:"display_name,omitempty"`
}

// ValidAt reports whether the access token is unexpired at now.
func (c *Credential) ValidAt(now time.Time) bool {
	return c.AccessToken != "" && now.Before(c.ExpiresAt)
}

// HasScope reports whether scope was granted.
func (c *Credential) HasScope(scope string) bool {
	return slices.Contains(c.Scopes, scope)
}

// Clone returns a deep copy so callers never share mutable state with a
// store.
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}

	out := *c
	out.Scopes = slices.Clone(c.Scopes)

	return &out
}

// String never includes token material.
func (c *Credential) String() string {
	return fmt.Sprintf("credential{%s expires=%s}", c.Principal, c.ExpiresAt.Format(time.RFC3339))
}

// Validate checks the fields every stored credential must carry.
func (c *Credential) Validate() error {
	switch {
	case c.Principal.IsZero():
		return errors.New("credential: missing principal")
	case c.AccessToken == "":
		return fmt.Errorf("credential: %s has no access token", c.Principal)
	case c.RefreshToken == "":
		return fmt.Errorf("credential: %s has no refresh token", c.Principal)
	default:
		return nil
	}
}

// Store persists credentials. Save must replace the access and refresh token
// together so a crash never pairs a new access token with a spent refresh
// token. Load returns ErrNotFound when nothing is stored.
type Store interface {
	Load(ctx context.Context, id principal.ID) (*Credential, error)
	Save(ctx context.Context, c *Credential) error
	Delete(ctx context.Context, id principal.ID) error
	List(ctx context.Context) ([]principal.ID, error)
}
