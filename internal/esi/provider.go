package esi

import (
	"fmt"
	"strings"

	"golang.org/x/oauth2"

	"github.com/chuanqiongzhr/eve-service/internal/principal"
)

// Default endpoints.
const (
	DefaultESIBaseURL  = "https://esi.evetech.net/latest"
	DefaultESIAuthURL  = "https://login.eveonline.com/v2/oauth/authorize"
	DefaultESITokenURL = "https://login.eveonline.com/v2/oauth/token"

	DefaultCoopBaseURL  = "https://bloodapi.cs-eve.com/api"
	DefaultCoopTokenURL = DefaultCoopBaseURL + "/tokens"
)

// DefaultESIScopes covers every ESI resource in the catalog.
var DefaultESIScopes = []string{
	"esi-wallet.read_character_wallet.v1",
	"esi-characters.read_loyalty.v1",
}

// Provider describes one upstream identity and data provider.
type Provider struct {
	Name         string // principal provider prefix, "esi" or "coop"
	BaseURL      string
	AuthURL      string // empty for providers without a browser flow
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// DefaultESI returns the EVE SSO / ESI provider with empty client
// credentials; the application registration comes from config.
func DefaultESI() Provider {
	return Provider{
		Name:     principal.ProviderESI,
		BaseURL:  DefaultESIBaseURL,
		AuthURL:  DefaultESIAuthURL,
		TokenURL: DefaultESITokenURL,
		Scopes:   append([]string(nil), DefaultESIScopes...),
	}
}

// DefaultCoop returns the mission cooperative provider.
func DefaultCoop() Provider {
	return Provider{
		Name:     principal.ProviderCoop,
		BaseURL:  DefaultCoopBaseURL,
		TokenURL: DefaultCoopTokenURL,
	}
}

// OAuth2 builds the oauth2.Config used for code exchange and refresh grants.
// Client credentials go in the Authorization header, as both providers
// expect.
func (p Provider) OAuth2() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		Scopes:       p.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.AuthURL,
			TokenURL:  p.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// Validate reports missing fields needed to talk to the provider.
func (p Provider) Validate() error {
	var missing []string

	if !principal.IsValidProvider(p.Name) {
		return fmt.Errorf("esi: unknown provider %q", p.Name)
	}

	if p.BaseURL == "" {
		missing = append(missing, "base_url")
	}

	if p.TokenURL == "" {
		missing = append(missing, "token_url")
	}

	if p.ClientID == "" {
		missing = append(missing, "client_id")
	}

	if len(missing) > 0 {
		return fmt.Errorf("esi: provider %s missing %s", p.Name, strings.Join(missing, ", "))
	}

	return nil
}
