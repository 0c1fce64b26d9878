package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/chuanqiongzhr/eve-service/internal/credential"
	"github.com/chuanqiongzhr/eve-service/internal/esi"
	"github.com/chuanqiongzhr/eve-service/internal/principal"
)

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate a character or cooperative account",
		Long: `Authenticate and store a credential.

--provider esi runs the EVE SSO authorization code flow: open the printed URL,
approve the scopes, and the local callback finishes the login.

--provider coop logs in to the mission cooperative API with --username and a
password read from stdin.`,
		RunE: runLogin,
	}

	cmd.Flags().String("provider", principal.ProviderESI, "provider to log in to (esi, coop)")
	cmd.Flags().String("username", "", "cooperative API username (coop only)")

	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout <principal>",
		Short: "Remove a stored credential",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogout,
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "List authenticated principals",
		RunE:  runWhoami,
	}
}

func runLogin(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	provider, _ := cmd.Flags().GetString("provider")
	username, _ := cmd.Flags().GetString("username")

	if !principal.IsValidProvider(provider) {
		return fmt.Errorf("unknown provider %q", provider)
	}

	if provider == principal.ProviderCoop && username == "" {
		return errors.New("--username is required for --provider coop")
	}

	ctx := shutdownContext(cmd.Context(), cc.Logger)

	svc, err := openServices(ctx, cc.Cfg, cc.Env, cc.Logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	p := svc.providers[provider]

	cc.Logger.Info("login started", slog.String("provider", provider))

	var cred *credential.Credential

	switch provider {
	case principal.ProviderESI:
		cred, err = loginESI(ctx, svc, p, cc.Cfg.Auth.CallbackPort, cmd.ErrOrStderr())
	default:
		password, readErr := readPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
		if readErr != nil {
			return readErr
		}

		cred, err = loginCoop(ctx, svc, p, username, password)
	}

	if err != nil {
		return err
	}

	if err := svc.creds.Put(ctx, cred); err != nil {
		return err
	}

	cc.Logger.Info("login successful", slog.String("principal", cred.Principal.String()))
	cc.Statusf("Logged in as %s.\n", describeCredential(cred))

	return nil
}

// loginESI runs the browser flow and derives the principal from the
// access token's subject claim.
func loginESI(ctx context.Context, svc *services, p esi.Provider, port int, prompt io.Writer) (*credential.Credential, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("providers.esi: %w", err)
	}

	tok, err := esi.LoginWithBrowser(ctx, p, port, func(authURL string) error {
		// The URL must always be visible, not suppressed by --quiet.
		_, werr := fmt.Fprintf(prompt, "To sign in, open this URL in your browser:\n\n  %s\n\n", authURL)

		return werr
	}, svc.logger)
	if err != nil {
		return nil, fmt.Errorf("EVE SSO login: %w", err)
	}

	claims, err := esi.ParseClaims(tok.AccessToken)
	if err != nil {
		return nil, err
	}

	charID, err := claims.CharacterID()
	if err != nil {
		return nil, err
	}

	id, err := principal.New(principal.ProviderESI, strconv.FormatInt(charID, 10))
	if err != nil {
		return nil, err
	}

	return newCredential(svc.creds, id, tok, claims.Scopes, claims.Name), nil
}

func loginCoop(ctx context.Context, svc *services, p esi.Provider, username, password string) (*credential.Credential, error) {
	id, err := principal.New(principal.ProviderCoop, username)
	if err != nil {
		return nil, err
	}

	tok, err := esi.PasswordLogin(ctx, svc.http, p, username, password, svc.logger)
	if err != nil {
		return nil, fmt.Errorf("cooperative API login: %w", err)
	}

	return newCredential(svc.creds, id, tok, nil, username), nil
}

// newCredential stores expiry the same way a refresh would, so the first
// refresh after login lands where every later one does.
func newCredential(m *credential.Manager, id principal.ID, tok *oauth2.Token, scopes []string, name string) *credential.Credential {
	now := time.Now()

	return &credential.Credential{
		Principal:    id,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		IssuedAt:     now,
		ExpiresAt:    m.ExpiresAt(now, credential.ReportedLifetime(now, tok)),
		Scopes:       scopes,
		DisplayName:  name,
	}
}

// readPassword reads one line from r. The prompt goes to w so piped input
// works unchanged.
func readPassword(r io.Reader, w io.Writer) (string, error) {
	fmt.Fprint(w, "Password: ")

	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}

	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("empty password")
	}

	return password, nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())

	id, err := principal.Parse(args[0])
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	svc, err := openServices(ctx, cc.Cfg, cc.Env, cc.Logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	if _, err := svc.creds.Store().Load(ctx, id); errors.Is(err, credential.ErrNotFound) {
		return fmt.Errorf("%s is not logged in", id)
	}

	if err := svc.creds.Invalidate(ctx, id, "logout"); err != nil {
		return err
	}

	cc.Statusf("Logged out %s.\n", id)

	return nil
}

// whoamiEntry is the JSON schema for one principal in `whoami --json`.
type whoamiEntry struct {
	Principal   string    `json:"principal"`
	DisplayName string    `json:"display_name,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
	TokenState  string    `json:"token_state"`
	Scopes      []string  `json:"scopes,omitempty"`
}

func runWhoami(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	svc, err := openServices(ctx, cc.Cfg, cc.Env, cc.Logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	entries, err := loadWhoami(ctx, svc, time.Now())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	if cc.Flags.JSON {
		return writeJSON(out, entries)
	}

	if len(entries) == 0 {
		fmt.Fprintln(out, "No principals logged in. Run 'eve-service login' to get started.")

		return nil
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{e.Principal, e.DisplayName, e.TokenState, formatTime(e.ExpiresAt)})
	}

	printTable(out, []string{"PRINCIPAL", "NAME", "TOKEN", "EXPIRES"}, rows)

	return nil
}

func loadWhoami(ctx context.Context, svc *services, now time.Time) ([]whoamiEntry, error) {
	ids, err := svc.creds.Store().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}

	entries := make([]whoamiEntry, 0, len(ids))

	for _, id := range ids {
		cred, err := svc.creds.Store().Load(ctx, id)
		if err != nil {
			svc.logger.Warn("unreadable credential", slog.String("principal", id.String()), slog.String("error", err.Error()))

			continue
		}

		entries = append(entries, whoamiEntry{
			Principal:   id.String(),
			DisplayName: cred.DisplayName,
			ExpiresAt:   cred.ExpiresAt,
			TokenState:  tokenState(cred, now),
			Scopes:      cred.Scopes,
		})
	}

	return entries, nil
}

func describeCredential(c *credential.Credential) string {
	if c.DisplayName == "" {
		return c.Principal.String()
	}

	return fmt.Sprintf("%s (%s)", c.DisplayName, c.Principal)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}
