package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chuanqiongzhr/eve-service/internal/config"
	"github.com/chuanqiongzhr/eve-service/internal/credential"
	"github.com/chuanqiongzhr/eve-service/internal/principal"
	"github.com/chuanqiongzhr/eve-service/internal/tokenfile"
)

const (
	testCharacter = "esi:2112625428"
	testESIToken  = "at-esi"
	testCoopToken = "at-coop"
)

// fakeProviders serves both upstream APIs from one httptest server: ESI at
// the root and the cooperative API under /coop.
type fakeProviders struct {
	srv        *httptest.Server
	coopLogins atomic.Int32
}

func newFakeProviders(t *testing.T) *fakeProviders {
	t.Helper()

	fp := &fakeProviders{}
	mux := http.NewServeMux()

	bearer := func(token string, body string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer "+token {
				w.WriteHeader(http.StatusUnauthorized)

				return
			}

			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, body)
		}
	}

	mux.HandleFunc("GET /characters/2112625428/loyalty/points/", bearer(testESIToken,
		`[{"corporation_id":1000125,"loyalty_points":4200}]`))
	mux.HandleFunc("GET /characters/2112625428/wallet/journal/", bearer(testESIToken,
		`[{"id":1050,"date":"2026-10-01T12:00:00Z","ref_type":"bounty_prizes","amount":1250000.5,"description":"Bounty"},
		  {"id":1020,"date":"2026-09-30T08:00:00Z","ref_type":"market_transaction","amount":-300,"description":"Jita"}]`))
	mux.HandleFunc("GET /coop/missions/runned", bearer(testCoopToken,
		`[{"id":"m-17","status":"paid"},{"id":18,"status":"completed"}]`))

	mux.HandleFunc("POST /coop/tokens", func(w http.ResponseWriter, r *http.Request) {
		fp.coopLogins.Add(1)

		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["password"] != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":%q,"refresh_token":"rt-coop","token_type":"Bearer","expires_in":3600}`, testCoopToken)
	})

	fp.srv = httptest.NewServer(mux)
	t.Cleanup(fp.srv.Close)

	return fp
}

// cliEnv is a temp data dir and config file wired to a fakeProviders.
type cliEnv struct {
	dir      string
	cfgPath  string
	tokenDir string
}

func newCLIEnv(t *testing.T, fp *fakeProviders, extra string) *cliEnv {
	t.Helper()

	dir := t.TempDir()
	env := &cliEnv{
		dir:      dir,
		cfgPath:  filepath.Join(dir, "config.toml"),
		tokenDir: filepath.Join(dir, "tokens"),
	}

	cfg := fmt.Sprintf(`
[logging]
log_level = "error"

[retry]
max_retries = 0
base_delay = "1ms"
max_delay = "1ms"

[auth]
token_dir = %q

[database]
path = %q

[providers.esi]
client_id = "test-client"
base_url = %q
token_url = %q

[providers.coop]
base_url = %q
token_url = %q
%s`,
		env.tokenDir, filepath.Join(dir, "eve.db"),
		fp.srv.URL, fp.srv.URL+"/token",
		fp.srv.URL+"/coop", fp.srv.URL+"/coop/tokens",
		extra,
	)

	require.NoError(t, os.WriteFile(env.cfgPath, []byte(cfg), 0o600))

	t.Setenv(config.EnvConfig, env.cfgPath)
	t.Setenv(config.EnvDB, "")
	t.Setenv(config.EnvCredentialKey, "")

	return env
}

func (e *cliEnv) seedCredential(t *testing.T, raw, accessToken string) {
	t.Helper()

	now := time.Now()
	c := &credential.Credential{
		Principal:    principal.MustParse(raw),
		AccessToken:  accessToken,
		RefreshToken: "rt-" + raw,
		IssuedAt:     now,
		ExpiresAt:    now.Add(time.Hour),
		DisplayName:  "Pilot One",
	}

	require.NoError(t, tokenfile.New(e.tokenDir).Save(context.Background(), c))
}

// runCLI executes the root command and returns what it wrote to stdout.
func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	cmd := newRootCmd()
	cmd.SetArgs(append(args, "--quiet"))
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))

	err := cmd.ExecuteContext(context.Background())

	return out.String(), err
}

func TestCLI_SyncThenShow(t *testing.T) {
	fp := newFakeProviders(t)
	env := newCLIEnv(t, fp, "")
	env.seedCredential(t, testCharacter, testESIToken)

	out, err := runCLI(t, "", "sync", "--principal", testCharacter, "--json")
	require.NoError(t, err)

	var results []syncOutput
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 2)

	assert.Equal(t, "loyalty_points", results[0].Resource)
	assert.Equal(t, 1, results[0].NewRecords)
	assert.Equal(t, "wallet_journal", results[1].Resource)
	assert.Equal(t, 2, results[1].NewRecords)
	assert.Empty(t, results[1].Error)
	assert.NotEmpty(t, results[1].RunID)

	out, err = runCLI(t, "", "show", "wallet_journal", "--principal", testCharacter, "--json")
	require.NoError(t, err)

	var records []showRecord
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 2)
	assert.Equal(t, "1050", records[0].Key)
	require.NotNil(t, records[0].SortKey)
	assert.Equal(t, int64(1050), *records[0].SortKey)
	assert.Contains(t, string(records[0].Payload), "bounty_prizes")

	out, err = runCLI(t, "", "show", "wallet_journal", "--principal", testCharacter, "--since", "1030")
	require.NoError(t, err)
	assert.Contains(t, out, "1050")
	assert.NotContains(t, out, "1020")

	// A rerun finds nothing new.
	out, err = runCLI(t, "", "sync", "--principal", testCharacter, "--resource", "wallet_journal", "--json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 1)
	assert.Zero(t, results[0].NewRecords)
}

func TestCLI_SyncWithoutCredentialFails(t *testing.T) {
	fp := newFakeProviders(t)
	newCLIEnv(t, fp, "")

	out, err := runCLI(t, "", "sync", "--principal", "esi:90000001", "--resource", "loyalty_points", "--json")
	require.ErrorIs(t, err, errSyncIncomplete)

	var results []syncOutput
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "authentication", results[0].Kind)
}

func TestCLI_SyncNothingToDo(t *testing.T) {
	fp := newFakeProviders(t)
	newCLIEnv(t, fp, "")

	out, err := runCLI(t, "", "sync")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestCLI_CoopLoginSyncStatusLogout(t *testing.T) {
	fp := newFakeProviders(t)
	env := newCLIEnv(t, fp, "")

	_, err := runCLI(t, "hunter2\n", "login", "--provider", "coop", "--username", "alice")
	require.NoError(t, err)
	assert.Equal(t, int32(1), fp.coopLogins.Load())
	assert.FileExists(t, tokenfile.New(env.tokenDir).Path(principal.MustParse("coop:alice")))

	out, err := runCLI(t, "", "whoami", "--json")
	require.NoError(t, err)

	var who []whoamiEntry
	require.NoError(t, json.Unmarshal([]byte(out), &who))
	require.Len(t, who, 1)
	assert.Equal(t, "coop:alice", who[0].Principal)
	assert.Equal(t, tokenStateValid, who[0].TokenState)

	_, err = runCLI(t, "", "sync", "--json")
	require.NoError(t, err)

	out, err = runCLI(t, "", "show", "missions", "--principal", "coop:alice", "--status", "PAID", "--json")
	require.NoError(t, err)

	var missions []showRecord
	require.NoError(t, json.Unmarshal([]byte(out), &missions))
	require.Len(t, missions, 1)
	assert.Equal(t, "m-17", missions[0].Key)

	out, err = runCLI(t, "", "status", "--json")
	require.NoError(t, err)

	var status []statusPrincipal
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	require.Len(t, status, 1)
	assert.Equal(t, tokenStateValid, status[0].TokenState)
	require.Len(t, status[0].Resources, 1)
	assert.Equal(t, "missions", status[0].Resources[0].Resource)
	assert.Equal(t, "ok", status[0].Resources[0].State)
	assert.Equal(t, 2, status[0].Resources[0].NewRecords)

	_, err = runCLI(t, "", "logout", "coop:alice")
	require.NoError(t, err)

	_, err = runCLI(t, "", "logout", "coop:alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not logged in")

	out, err = runCLI(t, "", "status", "--json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	require.Len(t, status, 1, "run history keeps the principal listed")
	assert.Equal(t, tokenStateMissing, status[0].TokenState)
}

func TestCLI_CoopLoginWrongPassword(t *testing.T) {
	fp := newFakeProviders(t)
	env := newCLIEnv(t, fp, "")

	_, err := runCLI(t, "wrong\n", "login", "--provider", "coop", "--username", "alice")
	require.Error(t, err)

	ids, listErr := tokenfile.New(env.tokenDir).List(context.Background())
	require.NoError(t, listErr)
	assert.Empty(t, ids)
}

func TestCLI_LoginValidation(t *testing.T) {
	fp := newFakeProviders(t)
	newCLIEnv(t, fp, "")

	_, err := runCLI(t, "", "login", "--provider", "coop")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--username")

	_, err = runCLI(t, "", "login", "--provider", "github")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}

func TestCLI_ConfigShowMasksSecret(t *testing.T) {
	fp := newFakeProviders(t)
	env := newCLIEnv(t, fp, "")

	cfg, err := os.ReadFile(env.cfgPath)
	require.NoError(t, err)

	withSecret := strings.Replace(string(cfg), `client_id = "test-client"`,
		"client_id = \"test-client\"\nclient_secret = \"s3cret-value\"", 1)
	require.NoError(t, os.WriteFile(env.cfgPath, []byte(withSecret), 0o600))

	out, err := runCLI(t, "", "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, env.cfgPath)
	assert.Contains(t, out, "test-client")
	assert.NotContains(t, out, "s3cret-value")

	out, err = runCLI(t, "", "config", "show", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, maskedSecret)
	assert.NotContains(t, out, "s3cret-value")
}

func TestCLI_BadConfigRejected(t *testing.T) {
	fp := newFakeProviders(t)
	newCLIEnv(t, fp, "\n[sync]\nconcurency = 2\n")

	_, err := runCLI(t, "", "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "concurrency"?`)
}

func TestCLI_ShowRejectsBadInput(t *testing.T) {
	fp := newFakeProviders(t)
	newCLIEnv(t, fp, "")

	_, err := runCLI(t, "", "show", "market_orders", "--principal", testCharacter)
	require.Error(t, err)

	_, err = runCLI(t, "", "show", "wallet_journal", "--principal", "esi:not-a-number")
	require.Error(t, err)

	_, err = runCLI(t, "", "show", "wallet_journal")
	require.Error(t, err, "--principal is required")
}

func TestCLI_SQLiteCredentialStoreNeedsKey(t *testing.T) {
	fp := newFakeProviders(t)
	newCLIEnv(t, fp, "")

	_, err := runCLI(t, "", "whoami", "--db", filepath.Join(t.TempDir(), "other.db"), "--log-level", "error")
	require.NoError(t, err)

	fp2 := newFakeProviders(t)
	env := newCLIEnv(t, fp2, "")

	cfg, err := os.ReadFile(env.cfgPath)
	require.NoError(t, err)

	sqliteCfg := strings.Replace(string(cfg), "[auth]\n", "[auth]\ncredential_store = \"sqlite\"\n", 1)
	require.NoError(t, os.WriteFile(env.cfgPath, []byte(sqliteCfg), 0o600))

	_, err = runCLI(t, "", "whoami")
	require.Error(t, err)
	assert.Contains(t, err.Error(), config.EnvCredentialKey)

	t.Setenv(config.EnvCredentialKey, strings.Repeat("ab", 32))

	_, err = runCLI(t, "hunter2\n", "login", "--provider", "coop", "--username", "alice")
	require.NoError(t, err)

	out, err := runCLI(t, "", "whoami")
	require.NoError(t, err)
	assert.Contains(t, out, "coop:alice")
}
