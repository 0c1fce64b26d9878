package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/chuanqiongzhr/eve-service/internal/principal"
	"github.com/chuanqiongzhr/eve-service/internal/retry"
)

// Lifecycle defaults.
const (
	DefaultRefreshMargin = 5 * time.Minute
	DefaultMinLifetime   = 1 * time.Minute
	DefaultGrantTimeout  = 30 * time.Second
)

// State is a principal's position in the token lifecycle.
type State int

const (
	StateAbsent State = iota
	StateValid
	StateExpiringSoon
	StateRefreshing
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateValid:
		return "valid"
	case StateExpiringSoon:
		return "expiring_soon"
	case StateRefreshing:
		return "refreshing"
	case StateInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config tunes the Manager.
type Config struct {
	// RefreshMargin is how long before expiry a token is refreshed.
	RefreshMargin time.Duration
	// MinLifetime floors the usable window of a refreshed token so a
	// provider reporting a tiny lifetime cannot cause a refresh per call.
	MinLifetime time.Duration
	// GrantTimeout bounds each token endpoint call.
	GrantTimeout time.Duration
	Retry        retry.Policy
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.nowFunc = now }
}

// WithSleep replaces the retry wait function.
func WithSleep(fn retry.SleepFunc) Option {
	return func(m *Manager) { m.sleep = fn }
}

// WithHTTPClient sets the client used for token grants.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// Manager keeps each principal's access token usable. It refreshes tokens
// that are inside the refresh margin, collapses concurrent refreshes for one
// principal into a single grant, and drops credentials the provider will no
// longer renew.
type Manager struct {
	store      Store
	providers  map[string]*oauth2.Config
	cfg        Config
	logger     *slog.Logger
	nowFunc    func() time.Time
	sleep      retry.SleepFunc
	httpClient *http.Client
	retry      *retry.Executor

	flights singleflight.Group

	mu     sync.Mutex
	states map[principal.ID]State
	// revoked remembers what Invalidate dropped, so a credential whose
	// delete failed is still refused. Cleared by Put.
	revoked map[principal.ID]tombstone
}

// tombstone marks an invalidated credential. A stored credential still
// carrying refreshToken is refused; any means the dropped token is unknown
// and every stored credential is refused.
type tombstone struct {
	refreshToken string
	any          bool
}

// NewManager creates a Manager. providers maps a principal provider prefix
// to the OAuth2 config used for its refresh grants.
func NewManager(store Store, providers map[string]*oauth2.Config, cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = DefaultRefreshMargin
	}

	if cfg.MinLifetime <= 0 {
		cfg.MinLifetime = DefaultMinLifetime
	}

	if cfg.GrantTimeout <= 0 {
		cfg.GrantTimeout = DefaultGrantTimeout
	}

	m := &Manager{
		store:     store,
		providers: providers,
		cfg:       cfg,
		logger:    logger,
		nowFunc:   time.Now,
		states:    make(map[principal.ID]State),
		revoked:   make(map[principal.ID]tombstone),
	}

	for _, opt := range opts {
		opt(m)
	}

	var retryOpts []retry.Option
	if m.sleep != nil {
		retryOpts = append(retryOpts, retry.WithSleep(m.sleep))
	}

	m.retry = retry.New(cfg.Retry, classifyGrantError, logger, retryOpts...)

	return m
}

// Store returns the underlying credential store.
func (m *Manager) Store() Store {
	return m.store
}

// Put stores a freshly issued credential (after login) and marks it valid.
func (m *Manager) Put(ctx context.Context, c *Credential) error {
	if err := m.store.Save(ctx, c); err != nil {
		return fmt.Errorf("credential: saving %s: %w", c.Principal, err)
	}

	m.mu.Lock()
	delete(m.revoked, c.Principal)
	m.states[c.Principal] = StateValid
	m.mu.Unlock()

	return nil
}

// EnsureValid returns a credential whose access token is outside the
// refresh margin, refreshing first when needed. Returns ErrReauthRequired
// when no usable credential exists.
func (m *Manager) EnsureValid(ctx context.Context, id principal.ID) (*Credential, error) {
	cred, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if !m.expiringSoon(cred) {
		m.setState(id, StateValid)
		return cred, nil
	}

	m.setState(id, StateExpiringSoon)

	return m.refresh(ctx, id, "")
}

// ForceRefresh renews the token after the provider rejected staleToken
// despite its expiry. If another caller already replaced staleToken, the
// current credential is returned without a second grant.
func (m *Manager) ForceRefresh(ctx context.Context, id principal.ID, staleToken string) (*Credential, error) {
	return m.refresh(ctx, id, staleToken)
}

// Invalidate deletes the principal's credential and marks it invalid. The
// dropped credential stays refused even when the delete fails.
func (m *Manager) Invalidate(ctx context.Context, id principal.ID, reason string) error {
	ts := tombstone{any: true}

	cred, err := m.store.Load(ctx, id)
	switch {
	case err == nil:
		ts = tombstone{refreshToken: cred.RefreshToken}
	case errors.Is(err, ErrNotFound):
		ts = tombstone{}
	}

	m.mu.Lock()
	m.revoked[id] = ts
	m.states[id] = StateInvalid
	m.mu.Unlock()

	if delErr := m.store.Delete(ctx, id); delErr != nil {
		return fmt.Errorf("credential: deleting %s: %w", id, delErr)
	}

	m.logger.Warn("credential invalidated",
		slog.String("principal", id.String()),
		slog.String("reason", reason),
	)

	return nil
}

// State reports the principal's lifecycle state as last observed.
func (m *Manager) State(id principal.ID) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.states[id]
}

func (m *Manager) setState(id principal.ID, s State) {
	m.mu.Lock()
	m.states[id] = s
	m.mu.Unlock()
}

func (m *Manager) load(ctx context.Context, id principal.ID) (*Credential, error) {
	cred, err := m.store.Load(ctx, id)
	if errors.Is(err, ErrNotFound) {
		if m.State(id) != StateInvalid {
			m.setState(id, StateAbsent)
		}

		return nil, fmt.Errorf("%w: no credential for %s", ErrReauthRequired, id)
	}

	if err != nil {
		return nil, fmt.Errorf("credential: loading %s: %w", id, err)
	}

	if m.isRevoked(cred) {
		return nil, fmt.Errorf("%w: credential for %s was invalidated", ErrReauthRequired, id)
	}

	return cred, nil
}

// isRevoked reports whether cred is one Invalidate already dropped. A
// credential saved since with a new refresh token, such as a login from
// another process, is accepted.
func (m *Manager) isRevoked(cred *Credential) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts, ok := m.revoked[cred.Principal]
	if !ok {
		return false
	}

	return ts.any || ts.refreshToken == cred.RefreshToken
}

func (m *Manager) expiringSoon(c *Credential) bool {
	return !m.nowFunc().Before(c.ExpiresAt.Add(-m.cfg.RefreshMargin))
}

// refresh runs at most one grant per principal at a time. Callers that
// arrive while a grant is in flight share its outcome. The flight is
// detached from every caller's cancellation: once the provider has spent the
// old refresh token, the rotated one must reach the store. A caller whose
// context ends stops waiting without stopping the flight.
func (m *Manager) refresh(ctx context.Context, id principal.ID, staleToken string) (*Credential, error) {
	flightCtx := context.WithoutCancel(ctx)

	ch := m.flights.DoChan(id.String(), func() (any, error) {
		return m.doRefresh(flightCtx, id, staleToken)
	})

	var res singleflight.Result

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("credential: waiting for refresh of %s: %w", id, ctx.Err())
	case res = <-ch:
	}

	if res.Err != nil {
		return nil, res.Err
	}

	cred, ok := res.Val.(*Credential)
	if !ok {
		return nil, fmt.Errorf("credential: unexpected refresh result %T", res.Val)
	}

	if res.Shared {
		m.logger.Debug("joined in-flight refresh", slog.String("principal", id.String()))
	}

	return cred.Clone(), nil
}

func (m *Manager) doRefresh(ctx context.Context, id principal.ID, staleToken string) (*Credential, error) {
	// Re-read inside the flight: a previous flight may have just rotated it.
	cred, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}

	if staleToken != "" && cred.AccessToken != staleToken {
		return cred, nil
	}

	if staleToken == "" && !m.expiringSoon(cred) {
		return cred, nil
	}

	oauthCfg, ok := m.providers[id.Provider()]
	if !ok {
		return nil, fmt.Errorf("credential: no OAuth2 config for provider %q", id.Provider())
	}

	m.setState(id, StateRefreshing)
	m.logger.Info("refreshing access token",
		slog.String("principal", id.String()),
		slog.Time("expires_at", cred.ExpiresAt),
		slog.Bool("forced", staleToken != ""),
	)

	var tok *oauth2.Token

	grantErr := m.retry.Do(ctx, "refresh "+id.String(), func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.GrantTimeout)
		defer cancel()

		if m.httpClient != nil {
			callCtx = context.WithValue(callCtx, oauth2.HTTPClient, m.httpClient)
		}

		var tErr error
		tok, tErr = oauthCfg.TokenSource(callCtx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()

		return tErr
	})
	if grantErr != nil {
		if invErr := m.Invalidate(ctx, id, "refresh failed"); invErr != nil {
			m.logger.Error("dropping unrenewable credential failed",
				slog.String("principal", id.String()),
				slog.String("error", invErr.Error()),
			)
		}

		return nil, fmt.Errorf("%w: refreshing %s: %w", ErrReauthRequired, id, grantErr)
	}

	updated := m.apply(cred, tok)

	if err := m.store.Save(ctx, updated); err != nil {
		m.setState(id, StateExpiringSoon)
		return nil, fmt.Errorf("credential: saving refreshed %s: %w", id, err)
	}

	m.setState(id, StateValid)
	m.logger.Info("access token refreshed",
		slog.String("principal", id.String()),
		slog.Time("expires_at", updated.ExpiresAt),
		slog.Bool("rotated", updated.RefreshToken != cred.RefreshToken),
	)

	return updated, nil
}

// apply merges a grant response into a copy of cred. The refresh token is
// replaced when the provider rotated it.
func (m *Manager) apply(cred *Credential, tok *oauth2.Token) *Credential {
	now := m.nowFunc()

	out := cred.Clone()
	out.AccessToken = tok.AccessToken
	out.IssuedAt = now
	out.ExpiresAt = m.ExpiresAt(now, ReportedLifetime(now, tok))

	if tok.RefreshToken != "" {
		out.RefreshToken = tok.RefreshToken
	}

	return out
}

// ExpiresAt computes the stored expiry for a token issued at now with the
// provider-reported lifetime. The refresh trigger (ExpiresAt minus the
// margin) lands at max(reported-margin, MinLifetime) after issue.
func (m *Manager) ExpiresAt(now time.Time, reported time.Duration) time.Time {
	window := max(reported-m.cfg.RefreshMargin, m.cfg.MinLifetime)

	return now.Add(m.cfg.RefreshMargin + window)
}

// ReportedLifetime extracts the lifetime the provider reported for tok,
// measuring an absolute expiry from now.
func ReportedLifetime(now time.Time, tok *oauth2.Token) time.Duration {
	if tok.ExpiresIn > 0 {
		return time.Duration(tok.ExpiresIn) * time.Second
	}

	if !tok.Expiry.IsZero() {
		return tok.Expiry.Sub(now)
	}

	return 0
}

// classifyGrantError separates refusals (the refresh token is dead) from
// outages worth retrying.
func classifyGrantError(err error) retry.Verdict {
	if errors.Is(err, context.Canceled) {
		return retry.Verdict{Decision: retry.Fatal}
	}

	// The flight is detached, so a deadline can only be one call's
	// GrantTimeout.
	if errors.Is(err, context.DeadlineExceeded) {
		return retry.Verdict{Decision: retry.Transient}
	}

	var rErr *oauth2.RetrieveError
	if !errors.As(err, &rErr) {
		return retry.Verdict{Decision: retry.Transient}
	}

	switch rErr.ErrorCode {
	case "invalid_grant", "invalid_client", "unauthorized_client", "invalid_request", "unsupported_grant_type":
		return retry.Verdict{Decision: retry.Fatal}
	}

	if rErr.Response == nil {
		return retry.Verdict{Decision: retry.Fatal}
	}

	switch code := rErr.Response.StatusCode; {
	case code == http.StatusTooManyRequests:
		return retry.Verdict{Decision: retry.RateLimited}
	case code >= http.StatusInternalServerError:
		return retry.Verdict{Decision: retry.Transient}
	default:
		return retry.Verdict{Decision: retry.Fatal}
	}
}
