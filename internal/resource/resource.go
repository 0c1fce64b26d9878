// Package resource describes every synchronizable resource as data: where it
// lives, how it pages, how its records are ordered, and how a response body
// decodes into persisted records. Adding a resource means adding a Definition.
package resource

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/chuanqiongzhr/eve-service/internal/principal"
	"github.com/chuanqiongzhr/eve-service/internal/store"
)

// Order says what the merge engine may assume about record order.
type Order int

const (
	// OrderNone: records carry no usable sort key (mutable balances,
	// missions whose status changes). Every record is proposed every run.
	OrderNone Order = iota
	// OrderDescending: pages are newest-first by sort key, so the run may
	// stop at the first page that reaches already-seen keys.
	OrderDescending
	// OrderUnconfirmed: sort keys exist but ordering is not guaranteed, so
	// old keys are filtered but every page is read.
	OrderUnconfirmed
)

func (o Order) String() string {
	switch o {
	case OrderNone:
		return "none"
	case OrderDescending:
		return "descending"
	case OrderUnconfirmed:
		return "unconfirmed"
	default:
		return fmt.Sprintf("order(%d)", int(o))
	}
}

// Kind names.
const (
	WalletJournal = "wallet_journal"
	LoyaltyPoints = "loyalty_points"
	Missions      = "missions"
)

// ErrUnknown is returned by Lookup for an unregistered kind.
var ErrUnknown = errors.New("resource: unknown kind")

// DecodeFunc turns one page body into records. An error marks the whole
// page malformed.
type DecodeFunc func(body []byte) ([]store.Record, error)

// Definition describes one resource kind.
type Definition struct {
	Kind      string
	Provider  string
	Path      string // may contain {subject}
	Paginated bool
	Order     Order
	Scope     string // required OAuth scope, empty if none
	Decode    DecodeFunc
}

// URLPath expands the path template for id.
func (d Definition) URLPath(id principal.ID) string {
	return strings.ReplaceAll(d.Path, "{subject}", id.Subject())
}

var catalog = map[string]Definition{
	WalletJournal: {
		Kind:      WalletJournal,
		Provider:  principal.ProviderESI,
		Path:      "/characters/{subject}/wallet/journal/",
		Paginated: true,
		Order:     OrderDescending,
		Scope:     "esi-wallet.read_character_wallet.v1",
		Decode:    decodeWalletJournal,
	},
	LoyaltyPoints: {
		Kind:     LoyaltyPoints,
		Provider: principal.ProviderESI,
		Path:     "/characters/{subject}/loyalty/points/",
		Order:    OrderNone,
		Scope:    "esi-characters.read_loyalty.v1",
		Decode:   decodeLoyaltyPoints,
	},
	Missions: {
		Kind:     Missions,
		Provider: principal.ProviderCoop,
		Path:     "/missions/runned",
		Order:    OrderNone,
		Decode:   decodeMissions,
	},
}

// Lookup returns the Definition for kind.
func Lookup(kind string) (Definition, error) {
	d, ok := catalog[kind]
	if !ok {
		return Definition{}, fmt.Errorf("%w %q (valid: %s)", ErrUnknown, kind, strings.Join(Kinds(), ", "))
	}

	return d, nil
}

// Kinds lists every registered kind, sorted.
func Kinds() []string {
	out := make([]string, 0, len(catalog))
	for k := range catalog {
		out = append(out, k)
	}

	sort.Strings(out)

	return out
}

// ForProvider lists the resources a principal of provider can sync, sorted by
// kind.
func ForProvider(provider string) []Definition {
	var out []Definition

	for _, k := range Kinds() {
		if d := catalog[k]; d.Provider == provider {
			out = append(out, d)
		}
	}

	return out
}
