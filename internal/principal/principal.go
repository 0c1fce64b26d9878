// Package principal defines the identity a credential and its synchronized
// data belong to. A principal is written as "provider:subject", for example
// "esi:2112625428" for an EVE character or "coop:alice" for a mission
// cooperative account.
package principal

import (
	"encoding"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Provider constants used as the first segment of an ID.
const (
	ProviderESI  = "esi"
	ProviderCoop = "coop"
)

var validProviders = map[string]bool{
	ProviderESI:  true,
	ProviderCoop: true,
}

// IsValidProvider reports whether p is a known provider prefix.
func IsValidProvider(p string) bool {
	return validProviders[p]
}

// validProviderList returns a sorted, comma-separated list of providers for
// error messages. Derived from validProviders so it never drifts.
func validProviderList() string {
	out := make([]string, 0, len(validProviders))
	for p := range validProviders {
		out = append(out, p)
	}

	sort.Strings(out)

	return strings.Join(out, ", ")
}

// ID identifies a principal. The zero value represents an absent ID.
type ID struct {
	provider string
	subject  string
}

// Parse validates a raw "provider:subject" string. ESI subjects must be
// positive character IDs; cooperative subjects are account usernames.
func Parse(raw string) (ID, error) {
	provider, subject, ok := strings.Cut(raw, ":")
	if !ok || subject == "" {
		return ID{}, fmt.Errorf("principal: %q must be \"provider:subject\" format", raw)
	}

	return New(provider, subject)
}

// New builds an ID from its parts, applying the same validation as Parse.
func New(provider, subject string) (ID, error) {
	if !validProviders[provider] {
		return ID{}, fmt.Errorf("principal: unknown provider %q (valid: %s)", provider, validProviderList())
	}

	subject = strings.TrimSpace(subject)
	if subject == "" {
		return ID{}, fmt.Errorf("principal: %s principal requires a non-empty subject", provider)
	}

	if strings.ContainsAny(subject, `/\`) {
		return ID{}, fmt.Errorf("principal: subject %q contains a path separator", subject)
	}

	if provider == ProviderESI {
		n, err := strconv.ParseInt(subject, 10, 64)
		if err != nil || n <= 0 {
			return ID{}, fmt.Errorf("principal: esi subject %q is not a character ID", subject)
		}
	}

	return ID{provider: provider, subject: subject}, nil
}

// MustParse is like Parse but panics on invalid input. Use only in tests and
// initialization code where the value is known-good.
func MustParse(raw string) ID {
	id, err := Parse(raw)
	if err != nil {
		panic(err)
	}

	return id
}

// String returns "provider:subject", or "" for the zero value.
func (id ID) String() string {
	if id.provider == "" {
		return ""
	}

	return id.provider + ":" + id.subject
}

// IsZero reports whether this is the zero-value ID.
func (id ID) IsZero() bool {
	return id.provider == ""
}

// Provider returns the provider prefix.
func (id ID) Provider() string {
	return id.provider
}

// Subject returns the provider-scoped identity (character ID or username).
func (id ID) Subject() string {
	return id.subject
}

// CharacterID returns the numeric character ID for ESI principals and 0
// otherwise.
func (id ID) CharacterID() int64 {
	if id.provider != ProviderESI {
		return 0
	}

	n, _ := strconv.ParseInt(id.subject, 10, 64)

	return n
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler with Parse validation.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}

	*id = parsed

	return nil
}

// Compile-time interface assertions.
var (
	_ encoding.TextMarshaler   = ID{}
	_ encoding.TextUnmarshaler = (*ID)(nil)
	_ fmt.Stringer             = ID{}
)
