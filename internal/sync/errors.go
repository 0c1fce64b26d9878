package sync

import (
	"errors"
	"fmt"

	"github.com/chuanqiongzhr/eve-service/internal/credential"
	"github.com/chuanqiongzhr/eve-service/internal/esi"
	"github.com/chuanqiongzhr/eve-service/internal/principal"
)

// ErrorKind classifies a failed sync so callers can decide what to tell
// the user without inspecting provider responses.
type ErrorKind int

const (
	// KindAuthentication: the token was rejected or could not be renewed.
	// The credential has been cleared; the user must log in again.
	KindAuthentication ErrorKind = iota + 1
	// KindAuthorization: the credential lacks a scope or the provider
	// refused access to the resource.
	KindAuthorization
	// KindRateLimit: still throttled after the bounded retries.
	KindRateLimit
	// KindTransient: network or server failure that outlived its retries.
	KindTransient
	// KindData: a page could not be decoded. Counted, never fatal.
	KindData
	// KindPersistence: the batch could not be committed and was rolled back.
	KindPersistence
	// KindRequest: the provider rejected the request itself (400, 404).
	KindRequest
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindRateLimit:
		return "rate_limit"
	case KindTransient:
		return "transient"
	case KindData:
		return "data"
	case KindPersistence:
		return "persistence"
	case KindRequest:
		return "request"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ErrMissingScope is returned when the stored credential was granted
// without the scope a resource needs.
var ErrMissingScope = errors.New("sync: credential lacks required scope")

// Error is the typed failure of one (principal, resource) sync.
type Error struct {
	Kind      ErrorKind
	Principal principal.ID
	Resource  string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("sync %s/%s: %s: %v", e.Principal, e.Resource, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}

	return 0
}

// classify maps a fetch or credential failure to its kind.
func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, credential.ErrReauthRequired), errors.Is(err, esi.ErrUnauthorized):
		return KindAuthentication
	case errors.Is(err, ErrMissingScope), errors.Is(err, esi.ErrForbidden):
		return KindAuthorization
	case errors.Is(err, esi.ErrThrottled):
		return KindRateLimit
	case errors.Is(err, esi.ErrBadRequest), errors.Is(err, esi.ErrNotFound):
		return KindRequest
	default:
		return KindTransient
	}
}
