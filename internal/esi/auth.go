package esi

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// stateTokenBytes is the number of random bytes for the OAuth2 state parameter.
const stateTokenBytes = 16

// CallbackPath is the path of the registered SSO redirect URI.
const CallbackPath = "/callback"

// shutdownTimeout is how long to wait for the callback server to drain.
const shutdownTimeout = 5 * time.Second

// ErrNoRefreshToken is returned when a login succeeds but the provider did
// not issue a refresh token, which would make the credential unrenewable.
var ErrNoRefreshToken = errors.New("esi: provider returned no refresh token")

type callbackResult struct {
	code string
	err  error
}

// LoginWithBrowser performs the EVE SSO authorization code + PKCE flow:
// it binds a callback server on 127.0.0.1:port, hands the authorization URL
// to openURL, waits for the redirect, and exchanges the code. A zero port
// binds a random one, which only works when the SSO application allows it.
func LoginWithBrowser(
	ctx context.Context,
	p Provider,
	port int,
	openURL func(string) error,
	logger *slog.Logger,
) (*oauth2.Token, error) {
	cfg := p.OAuth2()

	return doAuthCodeLogin(ctx, cfg, port, openURL, logger)
}

func doAuthCodeLogin(
	ctx context.Context,
	cfg *oauth2.Config,
	port int,
	openURL func(string) error,
	logger *slog.Logger,
) (*oauth2.Token, error) {
	logger.Info("starting browser auth flow (authorization code + PKCE)")

	resultCh := make(chan callbackResult, 1)
	mux := http.NewServeMux()

	srv, boundPort, err := startCallbackServer(ctx, mux, port, resultCh, logger)
	if err != nil {
		return nil, err
	}

	defer shutdownCallbackServer(srv, logger)

	cfg.RedirectURL = fmt.Sprintf("http://localhost:%d%s", boundPort, CallbackPath)

	verifier := oauth2.GenerateVerifier()

	state, err := generateState()
	if err != nil {
		return nil, fmt.Errorf("esi: generating state token: %w", err)
	}

	mux.HandleFunc("GET "+CallbackPath, func(w http.ResponseWriter, r *http.Request) {
		handleOAuthCallback(w, r, state, resultCh)
	})

	authURL := cfg.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))

	logger.Info("opening browser for authorization")

	if openErr := openURL(authURL); openErr != nil {
		logger.Warn("failed to open browser", slog.String("error", openErr.Error()))
	}

	var code string

	select {
	case result := <-resultCh:
		if result.err != nil {
			return nil, result.err
		}

		code = result.code
	case <-ctx.Done():
		return nil, fmt.Errorf("esi: browser auth canceled: %w", ctx.Err())
	}

	logger.Info("received authorization code, exchanging for token")

	tok, err := cfg.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("esi: token exchange failed: %w", err)
	}

	if tok.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	logger.Info("token exchange successful", slog.Time("expiry", tok.Expiry))

	return tok, nil
}

func startCallbackServer(
	ctx context.Context,
	mux *http.ServeMux,
	port int,
	resultCh chan<- callbackResult,
	logger *slog.Logger,
) (*http.Server, int, error) {
	lc := net.ListenConfig{}

	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, 0, fmt.Errorf("esi: binding localhost listener: %w", err)
	}

	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		listener.Close()
		return nil, 0, fmt.Errorf("esi: listener address is not TCP")
	}

	logger.Info("callback server listening", slog.Int("port", tcpAddr.Port))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: shutdownTimeout,
	}

	go func() {
		if serveErr := srv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			select {
			case resultCh <- callbackResult{err: fmt.Errorf("esi: callback server error: %w", serveErr)}:
			default:
			}
		}
	}()

	return srv, tcpAddr.Port, nil
}

// handleOAuthCallback validates state (CSRF), surfaces provider errors, and
// forwards the authorization code. Only the first result is delivered.
func handleOAuthCallback(w http.ResponseWriter, r *http.Request, state string, resultCh chan<- callbackResult) {
	q := r.URL.Query()

	var result callbackResult

	switch {
	case q.Get("state") != state:
		http.Error(w, "Invalid state parameter", http.StatusBadRequest)
		result.err = fmt.Errorf("esi: OAuth2 state mismatch (possible CSRF)")
	case q.Get("error") != "":
		http.Error(w, "Authorization failed: "+q.Get("error"), http.StatusBadRequest)
		result.err = fmt.Errorf("esi: authorization failed: %s: %s", q.Get("error"), q.Get("error_description"))
	case q.Get("code") == "":
		http.Error(w, "Missing authorization code", http.StatusBadRequest)
		result.err = fmt.Errorf("esi: callback missing authorization code")
	default:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body><h1>Authentication successful</h1>"+
			"<p>You can close this window and return to the terminal.</p></body></html>")

		result.code = q.Get("code")
	}

	select {
	case resultCh <- result:
	default:
	}
}

func shutdownCallbackServer(srv *http.Server, logger *slog.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("callback server shutdown error", slog.String("error", err.Error()))
	}
}

func generateState() (string, error) {
	b := make([]byte, stateTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}

// passwordTokenResponse is the cooperative API's login response.
type passwordTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// PasswordLogin exchanges a username and password for tokens at the
// provider's token URL. The body is JSON and the client credentials travel
// as HTTP Basic auth, the way the cooperative API's own web client logs in.
func PasswordLogin(
	ctx context.Context,
	httpClient *http.Client,
	p Provider,
	username, password string,
	logger *slog.Logger,
) (*oauth2.Token, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	payload, err := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return nil, fmt.Errorf("esi: encoding login body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.TokenURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("esi: creating login request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if p.ClientID != "" {
		req.SetBasicAuth(p.ClientID, p.ClientSecret)
	}

	logger.Info("logging in with password", slog.String("provider", p.Name))

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: login: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes*4))
	if err != nil {
		return nil, fmt.Errorf("%w: reading login response: %w", ErrNetwork, err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			URL:        redact(p.TokenURL),
			Message:    string(bytes.TrimSpace(body)),
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	var tr passwordTokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("esi: decoding login response: %w", err)
	}

	if tr.AccessToken == "" {
		return nil, fmt.Errorf("esi: login response has no access token")
	}

	if tr.RefreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	tok := &oauth2.Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		ExpiresIn:    tr.ExpiresIn,
	}

	if tr.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}

	logger.Info("password login successful", slog.String("provider", p.Name))

	return tok, nil
}
