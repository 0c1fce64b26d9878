package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/chuanqiongzhr/eve-service/internal/config"
	"github.com/chuanqiongzhr/eve-service/internal/credential"
	"github.com/chuanqiongzhr/eve-service/internal/esi"
	"github.com/chuanqiongzhr/eve-service/internal/principal"
	"github.com/chuanqiongzhr/eve-service/internal/store"
	"github.com/chuanqiongzhr/eve-service/internal/sync"
	"github.com/chuanqiongzhr/eve-service/internal/tokenfile"
)

// providerNames is the fixed order providers are wired and listed in.
var providerNames = []string{principal.ProviderESI, principal.ProviderCoop}

// services is the object graph behind every data command: one store, one
// credential manager, one engine. Close releases the database.
type services struct {
	cfg       *config.Config
	store     *store.Store
	creds     *credential.Manager
	engine    *sync.Engine
	providers map[string]esi.Provider
	http      *http.Client
	logger    *slog.Logger
}

// openServices opens the database and builds the engine from cfg. env
// supplies the credential encryption key for the sqlite credential store.
func openServices(ctx context.Context, cfg *config.Config, env config.EnvOverrides, logger *slog.Logger) (*services, error) {
	st, err := store.Open(ctx, cfg.Database.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	credStore, err := newCredentialStore(cfg, env, st)
	if err != nil {
		st.Close()

		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.RequestTimeout()}

	wired, err := wireProviders(cfg, providerNames, logger)
	if err != nil {
		st.Close()

		return nil, err
	}

	creds := credential.NewManager(credStore, wired.grants, cfg.CredentialConfig(), logger,
		credential.WithHTTPClient(httpClient))

	engine, err := sync.NewEngine(&sync.EngineConfig{
		Credentials: creds,
		Store:       st,
		Fetchers:    wired.fetchers,
		Retry:       cfg.RetryPolicy(),
		Concurrency: cfg.Sync.Concurrency,
		Logger:      logger,
	})
	if err != nil {
		st.Close()

		return nil, fmt.Errorf("creating sync engine: %w", err)
	}

	return &services{
		cfg:       cfg,
		store:     st,
		creds:     creds,
		engine:    engine,
		providers: wired.providers,
		http:      httpClient,
		logger:    logger,
	}, nil
}

// providerSet is everything built per provider: its descriptor, the OAuth2
// config for refresh grants, and the data client.
type providerSet struct {
	providers map[string]esi.Provider
	grants    map[string]*oauth2.Config
	fetchers  map[string]sync.Fetcher
}

func wireProviders(cfg *config.Config, names []string, logger *slog.Logger) (*providerSet, error) {
	set := &providerSet{
		providers: make(map[string]esi.Provider, len(names)),
		grants:    make(map[string]*oauth2.Config, len(names)),
		fetchers:  make(map[string]sync.Fetcher, len(names)),
	}

	for _, name := range names {
		p, ok := cfg.Provider(name)
		if !ok {
			return nil, fmt.Errorf("unknown provider %q", name)
		}

		set.providers[name] = p
		set.grants[name] = p.OAuth2()
		set.fetchers[name] = esi.NewClient(p.BaseURL, &http.Client{}, cfg.Network.UserAgent, cfg.RequestTimeout(),
			logger.With(slog.String("provider", name)))
	}

	return set, nil
}

// Close releases the database.
func (s *services) Close() error {
	return s.store.Close()
}

// newCredentialStore picks the backend named by auth.credential_store.
func newCredentialStore(cfg *config.Config, env config.EnvOverrides, st *store.Store) (credential.Store, error) {
	switch cfg.Auth.CredentialStore {
	case config.CredentialStoreSQLite:
		key, err := store.ParseKey(env.CredentialKey)
		if errors.Is(err, store.ErrEncryptionKeyNotSet) {
			return nil, fmt.Errorf("credential_store = %q needs %s: %w",
				config.CredentialStoreSQLite, config.EnvCredentialKey, err)
		}

		if err != nil {
			return nil, err
		}

		return store.NewCredentialRepo(st, key)
	default:
		return tokenfile.New(cfg.Auth.TokenDir), nil
	}
}

// principalsToSync returns the principals a sync should cover: explicit
// flags first, then [sync] principals, then every stored credential.
func (s *services) principalsToSync(ctx context.Context, explicit []string) ([]principal.ID, error) {
	if len(explicit) > 0 {
		out := make([]principal.ID, 0, len(explicit))

		for _, raw := range explicit {
			id, err := principal.Parse(raw)
			if err != nil {
				return nil, err
			}

			out = append(out, id)
		}

		return out, nil
	}

	if ids := s.cfg.Principals(); len(ids) > 0 {
		return ids, nil
	}

	ids, err := s.creds.Store().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}

	return ids, nil
}
