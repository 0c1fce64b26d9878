package esi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newMockTokenServer serves the OAuth2 token endpoint with handler.
func newMockTokenServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return srv
}

func TestDoAuthCodeLogin_Success(t *testing.T) {
	tokenSrv := newMockTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		assert.Equal(t, "the-code", r.PostForm.Get("code"))
		assert.NotEmpty(t, r.PostForm.Get("code_verifier"))

		user, _, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "client", user)

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at","refresh_token":"rt","token_type":"Bearer","expires_in":1199}`)
	})

	p := Provider{Name: "esi", AuthURL: "https://sso.example/authorize", TokenURL: tokenSrv.URL, ClientID: "client", ClientSecret: "secret"}
	cfg := p.OAuth2()

	// openURL plays the browser: follow the redirect_uri with the issued state.
	openURL := func(authURL string) error {
		u, err := url.Parse(authURL)
		require.NoError(t, err)

		q := u.Query()
		assert.Equal(t, "S256", q.Get("code_challenge_method"))

		go func() {
			cb := q.Get("redirect_uri") + "?code=the-code&state=" + url.QueryEscape(q.Get("state"))

			resp, err := http.Get(cb) //nolint:noctx // test helper
			if err == nil {
				resp.Body.Close()
			}
		}()

		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tok, err := doAuthCodeLogin(ctx, cfg, 0, openURL, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "at", tok.AccessToken)
	assert.Equal(t, "rt", tok.RefreshToken)
}

func TestDoAuthCodeLogin_StateMismatch(t *testing.T) {
	p := Provider{Name: "esi", AuthURL: "https://sso.example/authorize", TokenURL: "http://127.0.0.1:1/token", ClientID: "client"}

	openURL := func(authURL string) error {
		u, _ := url.Parse(authURL)

		go func() {
			resp, err := http.Get(u.Query().Get("redirect_uri") + "?code=x&state=wrong") //nolint:noctx // test helper
			if err == nil {
				resp.Body.Close()
			}
		}()

		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := doAuthCodeLogin(ctx, p.OAuth2(), 0, openURL, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state mismatch")
}

func TestDoAuthCodeLogin_ContextCancel(t *testing.T) {
	p := Provider{Name: "esi", AuthURL: "https://sso.example/authorize", TokenURL: "http://127.0.0.1:1/token"}

	ctx, cancel := context.WithCancel(context.Background())

	_, err := doAuthCodeLogin(ctx, p.OAuth2(), 0, func(string) error {
		cancel()
		return nil
	}, testLogger())
	require.ErrorIs(t, err, context.Canceled)
}

func TestPasswordLogin_Success(t *testing.T) {
	srv := newMockTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "web", user)
		assert.Equal(t, "websecret", pass)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "alice", body["username"])
		assert.Equal(t, "hunter2", body["password"])

		fmt.Fprint(w, `{"access_token":"at","refresh_token":"rt","token_type":"bearer","expires_in":3600}`)
	})

	p := Provider{Name: "coop", BaseURL: srv.URL, TokenURL: srv.URL + "/tokens", ClientID: "web", ClientSecret: "websecret"}

	before := time.Now()
	tok, err := PasswordLogin(context.Background(), nil, p, "alice", "hunter2", testLogger())
	require.NoError(t, err)

	assert.Equal(t, "at", tok.AccessToken)
	assert.Equal(t, "rt", tok.RefreshToken)
	assert.WithinDuration(t, before.Add(time.Hour), tok.Expiry, 5*time.Second)
}

func TestPasswordLogin_BadCredentials(t *testing.T) {
	srv := newMockTokenServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"message":"bad credentials"}`)
	})

	p := Provider{Name: "coop", TokenURL: srv.URL}

	_, err := PasswordLogin(context.Background(), nil, p, "alice", "wrong", testLogger())
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.NotContains(t, err.Error(), "wrong")
}

func TestPasswordLogin_NoRefreshToken(t *testing.T) {
	srv := newMockTokenServer(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"access_token":"at"}`)
	})

	_, err := PasswordLogin(context.Background(), nil, Provider{Name: "coop", TokenURL: srv.URL}, "a", "b", testLogger())
	require.ErrorIs(t, err, ErrNoRefreshToken)
}

func TestProvider_OAuth2(t *testing.T) {
	p := DefaultESI()
	p.ClientID = "id"

	cfg := p.OAuth2()
	assert.Equal(t, oauth2.AuthStyleInHeader, cfg.Endpoint.AuthStyle)
	assert.Equal(t, DefaultESITokenURL, cfg.Endpoint.TokenURL)
	assert.Equal(t, DefaultESIScopes, cfg.Scopes)
	require.NoError(t, p.Validate())

	assert.Error(t, DefaultCoop().Validate(), "client id is required")
	assert.Error(t, Provider{Name: "other"}.Validate())
}

func TestParseClaims(t *testing.T) {
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "CHARACTER:EVE:2112625428",
		"name": "Some Pilot",
		"scp":  []string{"esi-wallet.read_character_wallet.v1", "esi-characters.read_loyalty.v1"},
		"exp":  exp.Unix(),
	})

	signed, err := tok.SignedString([]byte("test-key"))
	require.NoError(t, err)

	claims, err := ParseClaims(signed)
	require.NoError(t, err)

	id, err := claims.CharacterID()
	require.NoError(t, err)
	assert.Equal(t, int64(2112625428), id)
	assert.Equal(t, "Some Pilot", claims.Name)
	assert.Len(t, claims.Scopes, 2)
	assert.True(t, exp.Equal(claims.Expiry()))
}

func TestParseClaims_SingleScopeString(t *testing.T) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "CHARACTER:EVE:1",
		"scp": "esi-wallet.read_character_wallet.v1",
	})

	signed, err := tok.SignedString([]byte("k"))
	require.NoError(t, err)

	claims, err := ParseClaims(signed)
	require.NoError(t, err)
	assert.Equal(t, jwt.ClaimStrings{"esi-wallet.read_character_wallet.v1"}, claims.Scopes)
	assert.True(t, claims.Expiry().IsZero())
}

func TestParseClaims_Invalid(t *testing.T) {
	_, err := ParseClaims("not-a-jwt")
	require.Error(t, err)

	c := &Claims{}
	c.Subject = "CORPORATION:EVE:5"
	_, err = c.CharacterID()
	require.Error(t, err)
}
