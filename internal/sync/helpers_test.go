package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chuanqiongzhr/eve-service/internal/credential"
	"github.com/chuanqiongzhr/eve-service/internal/esi"
	"github.com/chuanqiongzhr/eve-service/internal/principal"
	"github.com/chuanqiongzhr/eve-service/internal/retry"
	"github.com/chuanqiongzhr/eve-service/internal/store"
)

const walletScope = "esi-wallet.read_character_wallet.v1"

var (
	pilotA = principal.MustParse("esi:2112625428")
	pilotB = principal.MustParse("esi:90000002")
	coopA  = principal.MustParse("coop:alice")
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAPI serves wallet journal pages and missions for any subject.
type fakeAPI struct {
	srv *httptest.Server

	mu       stdsync.Mutex
	journal  map[string][][]int64 // subject -> pages of entry ids
	override map[int]string       // page -> raw body
	missions string
	etag     string
	expires  time.Time
	tokens   map[string]bool // accepted bearer tokens; nil accepts any
	failN    int             // fail this many requests with failCode
	failCode int
	hits     map[string]int // "subject#page" or path -> count
	gates    map[string]chan struct{}

	inflight    atomic.Int32
	maxInflight atomic.Int32
	delay       time.Duration
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()

	a := &fakeAPI{
		journal:  make(map[string][][]int64),
		override: make(map[int]string),
		hits:     make(map[string]int),
		gates:    make(map[string]chan struct{}),
		missions: `[]`,
	}
	a.srv = httptest.NewServer(http.HandlerFunc(a.handle))
	t.Cleanup(a.srv.Close)

	return a
}

func (a *fakeAPI) setJournal(subject string, pages ...[]int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.journal[subject] = pages
}

func (a *fakeAPI) hitCount(key string) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.hits[key]
}

func (a *fakeAPI) totalHits() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, v := range a.hits {
		n += v
	}

	return n
}

func (a *fakeAPI) handle(w http.ResponseWriter, r *http.Request) {
	n := a.inflight.Add(1)
	defer a.inflight.Add(-1)

	for {
		m := a.maxInflight.Load()
		if n <= m || a.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}

	subject, isJournal := journalSubject(r.URL.Path)
	page := 1

	if p := r.URL.Query().Get("page"); p != "" {
		page, _ = strconv.Atoi(p)
	}

	key := r.URL.Path
	if isJournal {
		key = fmt.Sprintf("%s#%d", subject, page)
	}

	a.mu.Lock()
	a.hits[key]++
	failing := a.failN > 0
	if failing {
		a.failN--
	}
	gate := a.gates[subject]
	tokens := a.tokens
	a.mu.Unlock()

	if gate != nil {
		<-gate
	}

	if a.delay > 0 {
		time.Sleep(a.delay)
	}

	w.Header().Set("Content-Type", "application/json")

	if tokens != nil && !tokens[strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")] {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"token is expired"}`)

		return
	}

	if failing {
		w.WriteHeader(a.failCode)
		fmt.Fprint(w, `{"error":"injected"}`)

		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.expires.IsZero() {
		w.Header().Set("Expires", a.expires.UTC().Format(http.TimeFormat))
	}

	switch {
	case isJournal:
		if a.etag != "" {
			if r.Header.Get("If-None-Match") == a.etag {
				w.WriteHeader(http.StatusNotModified)
				return
			}

			w.Header().Set("ETag", a.etag)
		}

		pages := a.journal[subject]
		w.Header().Set("X-Pages", strconv.Itoa(len(pages)))

		if body, ok := a.override[page]; ok {
			fmt.Fprint(w, body)
			return
		}

		var ids []int64
		if page >= 1 && page <= len(pages) {
			ids = pages[page-1]
		}

		fmt.Fprint(w, journalBody(ids))

	case r.URL.Path == "/missions/runned":
		fmt.Fprint(w, a.missions)

	default:
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"not found"}`)
	}
}

func journalSubject(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, "/characters/")
	if !ok {
		return "", false
	}

	subject, tail, ok := strings.Cut(rest, "/")
	if !ok || tail != "wallet/journal/" {
		return "", false
	}

	return subject, true
}

func journalBody(ids []int64) string {
	entries := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, map[string]any{
			"id":          id,
			"date":        "2030-01-01T00:00:00Z",
			"ref_type":    "bounty_prizes",
			"amount":      float64(id) * 10,
			"description": fmt.Sprintf("entry %d", id),
		})
	}

	b, _ := json.Marshal(entries)

	return string(b)
}

// fakeCreds hands out one token per principal. ForceRefresh swaps in
// nextToken.
type fakeCreds struct {
	mu        stdsync.Mutex
	creds     map[principal.ID]*credential.Credential
	nextToken string
	ensureErr error

	refreshes     atomic.Int32
	invalidations atomic.Int32
}

func newFakeCreds(ids ...principal.ID) *fakeCreds {
	f := &fakeCreds{creds: make(map[principal.ID]*credential.Credential)}
	for _, id := range ids {
		f.creds[id] = &credential.Credential{
			Principal:    id,
			AccessToken:  "token-" + id.Subject(),
			RefreshToken: "refresh-" + id.Subject(),
			ExpiresAt:    time.Now().Add(time.Hour),
			Scopes:       []string{walletScope, "esi-characters.read_loyalty.v1"},
		}
	}

	return f
}

func (f *fakeCreds) EnsureValid(_ context.Context, id principal.ID) (*credential.Credential, error) {
	if f.ensureErr != nil {
		return nil, f.ensureErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.creds[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", credential.ErrReauthRequired, id)
	}

	return c.Clone(), nil
}

func (f *fakeCreds) ForceRefresh(_ context.Context, id principal.ID, _ string) (*credential.Credential, error) {
	f.refreshes.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.creds[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", credential.ErrReauthRequired, id)
	}

	c.AccessToken = f.nextToken

	return c.Clone(), nil
}

func (f *fakeCreds) Invalidate(_ context.Context, id principal.ID, _ string) error {
	f.invalidations.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.creds, id)

	return nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "eve.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func testPolicy() retry.Policy {
	return retry.Policy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

type harness struct {
	api    *fakeAPI
	store  *store.Store
	creds  *fakeCreds
	engine *Engine
}

func newHarness(t *testing.T, persister ...Persister) *harness {
	t.Helper()

	h := &harness{
		api:   newFakeAPI(t),
		store: openTestStore(t),
		creds: newFakeCreds(pilotA, pilotB, coopA),
	}

	var p Persister = h.store
	if len(persister) > 0 {
		p = persister[0]
	}

	client := esi.NewClient(h.api.srv.URL, h.api.srv.Client(), "eve-service-test", 5*time.Second, testLogger())

	eng, err := NewEngine(&EngineConfig{
		Credentials: h.creds,
		Store:       p,
		Fetchers: map[string]Fetcher{
			principal.ProviderESI:  client,
			principal.ProviderCoop: client,
		},
		Retry:  testPolicy(),
		Logger: testLogger(),
		Sleep:  retry.NoSleep,
	})
	require.NoError(t, err)

	h.engine = eng

	return h
}

func (h *harness) seedCursor(t *testing.T, id principal.ID, lastSeen int64) {
	t.Helper()

	_, err := h.store.Commit(context.Background(), store.Batch{
		Principal: id,
		Resource:  "wallet_journal",
		Cursor:    &store.Cursor{LastSeen: lastSeen, HasLastSeen: true},
	})
	require.NoError(t, err)
}
