// Package sync pulls remote resources into the local store: it pages
// through a provider's API with conditional requests, merges what it reads
// against the stored cursor, and commits records and cursor atomically.
// One pipeline serves every resource kind; kinds differ only in the data
// carried by their resource.Definition.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/chuanqiongzhr/eve-service/internal/credential"
	"github.com/chuanqiongzhr/eve-service/internal/esi"
	"github.com/chuanqiongzhr/eve-service/internal/principal"
	"github.com/chuanqiongzhr/eve-service/internal/resource"
	"github.com/chuanqiongzhr/eve-service/internal/retry"
	"github.com/chuanqiongzhr/eve-service/internal/store"
)

// DefaultConcurrency bounds SyncAll's parallel pipelines.
const DefaultConcurrency = 4

// Fetcher performs conditional page GETs. Implemented by *esi.Client.
type Fetcher interface {
	URL(path string) string
	FetchPage(ctx context.Context, rawURL, accessToken string, v esi.Validators, force bool) (*esi.Page, error)
}

// Credentials hands out usable access tokens. Implemented by
// *credential.Manager.
type Credentials interface {
	EnsureValid(ctx context.Context, id principal.ID) (*credential.Credential, error)
	ForceRefresh(ctx context.Context, id principal.ID, staleToken string) (*credential.Credential, error)
	Invalidate(ctx context.Context, id principal.ID, reason string) error
}

// Persister is the slice of *store.Store the engine writes through.
type Persister interface {
	Cursor(ctx context.Context, id principal.ID, resource string) (*store.Cursor, error)
	Commit(ctx context.Context, b store.Batch) (int, error)
	Records(ctx context.Context, id principal.ID, resource string, f store.Filter) ([]store.Record, error)
	RecordRun(ctx context.Context, r *store.Run) error
}

// EngineConfig holds the collaborators of an Engine.
type EngineConfig struct {
	Credentials Credentials
	Store       Persister
	// Fetchers maps a principal provider to its API client.
	Fetchers    map[string]Fetcher
	Retry       retry.Policy
	Concurrency int
	Logger      *slog.Logger
	// Sleep overrides the retry wait; tests pass retry.NoSleep.
	Sleep retry.SleepFunc
	// Now overrides the clock used for cache freshness and run timing.
	Now func() time.Time
}

// Result summarizes one SyncResource call. It is returned even when the
// call fails so callers can report how far the run got.
type Result struct {
	RunID        uuid.UUID
	Principal    principal.ID
	Resource     string
	Forced       bool
	NewRecords   int
	Pages        int
	DataErrors   int
	NotModified  bool
	StoppedEarly bool
	// Errors lists recoverable per-page failures. A fatal failure is the
	// error returned next to the Result.
	Errors   []error
	Duration time.Duration
}

// Engine runs sync pipelines. Safe for concurrent use: pipelines for
// different (principal, resource) pairs run in parallel, while a second
// call for a pair already running waits for the first to finish.
type Engine struct {
	creds       Credentials
	store       Persister
	fetchers    map[string]Fetcher
	retry       *retry.Executor
	concurrency int
	logger      *slog.Logger
	nowFunc     func() time.Time

	mu    stdsync.Mutex
	pairs map[string]chan struct{}
}

// NewEngine validates cfg and returns an Engine.
func NewEngine(cfg *EngineConfig) (*Engine, error) {
	if cfg.Credentials == nil {
		return nil, errors.New("sync: engine needs a credential source")
	}

	if cfg.Store == nil {
		return nil, errors.New("sync: engine needs a store")
	}

	if len(cfg.Fetchers) == 0 {
		return nil, errors.New("sync: engine needs at least one fetcher")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var retryOpts []retry.Option
	if cfg.Sleep != nil {
		retryOpts = append(retryOpts, retry.WithSleep(cfg.Sleep))
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	nowFunc := cfg.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	return &Engine{
		creds:       cfg.Credentials,
		store:       cfg.Store,
		fetchers:    cfg.Fetchers,
		retry:       retry.New(cfg.Retry, esi.Classify, logger, retryOpts...),
		concurrency: concurrency,
		logger:      logger,
		nowFunc:     nowFunc,
		pairs:       make(map[string]chan struct{}),
	}, nil
}

// EnsureValidCredential returns a credential usable for at least the
// refresh margin, or an error wrapping credential.ErrReauthRequired.
func (e *Engine) EnsureValidCredential(ctx context.Context, id principal.ID) (*credential.Credential, error) {
	return e.creds.EnsureValid(ctx, id)
}

// ReadPersistedResource returns stored records without touching the network.
func (e *Engine) ReadPersistedResource(ctx context.Context, id principal.ID, kind string, f store.Filter) ([]store.Record, error) {
	def, err := e.definitionFor(id, kind)
	if err != nil {
		return nil, err
	}

	recs, err := e.store.Records(ctx, id, def.Kind, f)
	if err != nil {
		return nil, &Error{Kind: KindPersistence, Principal: id, Resource: kind, Err: err}
	}

	return recs, nil
}

// SyncResource fetches kind for id and commits what changed. With force
// set, cached validators and the high-water mark are ignored and every page
// is read. The returned error, if any, is an *Error.
func (e *Engine) SyncResource(ctx context.Context, id principal.ID, kind string, force bool) (*Result, error) {
	res := &Result{Principal: id, Resource: kind, Forced: force}

	def, err := e.definitionFor(id, kind)
	if err != nil {
		return res, err
	}

	unlock, err := e.acquire(ctx, id, kind)
	if err != nil {
		return res, &Error{Kind: KindTransient, Principal: id, Resource: kind, Err: err}
	}
	defer unlock()

	started := e.nowFunc()
	runErr := e.run(ctx, id, def, force, res)
	res.Duration = e.nowFunc().Sub(started)

	e.recordRun(ctx, res, started, runErr)

	if runErr != nil {
		e.logger.Warn("sync failed",
			slog.String("principal", id.String()),
			slog.String("resource", kind),
			slog.String("error", runErr.Error()),
		)

		return res, runErr
	}

	e.logger.Info("sync complete",
		slog.String("principal", id.String()),
		slog.String("resource", kind),
		slog.Bool("forced", force),
		slog.Int("pages", res.Pages),
		slog.Int("new_records", res.NewRecords),
		slog.Int("data_errors", res.DataErrors),
		slog.Bool("not_modified", res.NotModified),
		slog.Duration("duration", res.Duration),
	)

	return res, nil
}

func (e *Engine) run(ctx context.Context, id principal.ID, def resource.Definition, force bool, res *Result) error {
	fail := func(kind ErrorKind, err error) error {
		return &Error{Kind: kind, Principal: id, Resource: def.Kind, Err: err}
	}

	cred, err := e.creds.EnsureValid(ctx, id)
	if err != nil {
		if errors.Is(err, credential.ErrReauthRequired) {
			return fail(KindAuthentication, err)
		}

		return fail(classify(err), err)
	}

	if def.Scope != "" && len(cred.Scopes) > 0 && !cred.HasScope(def.Scope) {
		return fail(KindAuthorization, fmt.Errorf("%w: %s", ErrMissingScope, def.Scope))
	}

	prev, err := e.store.Cursor(ctx, id, def.Kind)
	if err != nil {
		if !errors.Is(err, store.ErrNoCursor) {
			return fail(KindPersistence, err)
		}

		prev = nil
	}

	var validators esi.Validators
	if prev != nil && !force {
		validators = prev.Validators
	}

	fetcher := e.fetchers[def.Provider]
	p := &pager{
		fetcher: fetcher,
		creds:   e.creds,
		retry:   e.retry,
		id:      id,
		def:     def,
		cred:    cred,
		logger:  e.logger,
		nowFunc: e.nowFunc,
	}
	m := &merger{id: id, def: def, logger: e.logger}

	merged, err := m.merge(p.pages(ctx, fetcher.URL(def.URLPath(id)), validators, force), prev, force)
	res.Pages = merged.pages
	res.NotModified = merged.notModified
	res.StoppedEarly = merged.stoppedEarly

	for _, de := range merged.dataErrors {
		res.Errors = append(res.Errors, fail(KindData, de))
	}

	res.DataErrors = len(merged.dataErrors)

	if err != nil {
		return fail(classify(err), err)
	}

	n, err := e.store.Commit(ctx, store.Batch{
		Principal: id,
		Resource:  def.Kind,
		Records:   merged.records,
		Cursor:    merged.cursor,
		Forced:    force,
	})
	if err != nil {
		return fail(KindPersistence, err)
	}

	res.NewRecords = n

	return nil
}

// recordRun appends the run to history. History is bookkeeping: it is
// written even after cancellation and its failure does not fail the sync.
func (e *Engine) recordRun(ctx context.Context, res *Result, started time.Time, runErr error) {
	run := &store.Run{
		Principal:   res.Principal,
		Resource:    res.Resource,
		Forced:      res.Forced,
		StartedAt:   started,
		FinishedAt:  started.Add(res.Duration),
		Pages:       res.Pages,
		NewRecords:  res.NewRecords,
		DataErrors:  res.DataErrors,
		NotModified: res.NotModified,
	}

	if runErr != nil {
		run.Error = runErr.Error()
	}

	if err := e.store.RecordRun(context.WithoutCancel(ctx), run); err != nil {
		e.logger.Warn("failed to record sync run",
			slog.String("principal", res.Principal.String()),
			slog.String("resource", res.Resource),
			slog.String("error", err.Error()),
		)

		return
	}

	res.RunID = run.ID
}

func (e *Engine) definitionFor(id principal.ID, kind string) (resource.Definition, error) {
	def, err := resource.Lookup(kind)
	if err != nil {
		return resource.Definition{}, err
	}

	if def.Provider != id.Provider() {
		return resource.Definition{}, fmt.Errorf("sync: resource %s belongs to provider %s, not %s",
			kind, def.Provider, id.Provider())
	}

	if _, ok := e.fetchers[def.Provider]; !ok {
		return resource.Definition{}, fmt.Errorf("sync: no client configured for provider %s", def.Provider)
	}

	return def, nil
}

// acquire takes the pair's lock, waiting for a running pipeline of the
// same pair. Waiting honors ctx.
func (e *Engine) acquire(ctx context.Context, id principal.ID, kind string) (func(), error) {
	key := id.String() + "/" + kind

	e.mu.Lock()

	l, ok := e.pairs[key]
	if !ok {
		l = make(chan struct{}, 1)
		e.pairs[key] = l
	}

	e.mu.Unlock()

	select {
	case l <- struct{}{}:
		return func() { <-l }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for running sync of %s: %w", key, ctx.Err())
	}
}

// Target is one (principal, resource) pair to sync.
type Target struct {
	Principal principal.ID
	Resource  string
}

func (t Target) String() string {
	return t.Principal.String() + "/" + t.Resource
}

// Targets expands principals into their provider's resources. A non-empty
// kinds restricts the expansion; kinds that do not belong to a principal's
// provider are skipped for that principal.
func Targets(principals []principal.ID, kinds []string) []Target {
	want := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}

	var out []Target

	for _, id := range principals {
		for _, def := range resource.ForProvider(id.Provider()) {
			if len(want) > 0 && !want[def.Kind] {
				continue
			}

			out = append(out, Target{Principal: id, Resource: def.Kind})
		}
	}

	return out
}

// SyncAll runs every target, at most Concurrency at a time, each inside a
// runner that isolates panics. It never returns an error: each target's
// outcome is in its Report, in target order.
func (e *Engine) SyncAll(ctx context.Context, targets []Target, force bool) []*Report {
	reports := make([]*Report, len(targets))

	var g errgroup.Group
	g.SetLimit(e.concurrency)

	for i, t := range targets {
		g.Go(func() error {
			r := &runner{target: t}
			reports[i] = r.run(ctx, func(ctx context.Context) (*Result, error) {
				return e.SyncResource(ctx, t.Principal, t.Resource, force)
			})

			return nil
		})
	}

	_ = g.Wait()

	return reports
}
