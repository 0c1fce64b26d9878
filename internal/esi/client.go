package esi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client defaults.
const (
	DefaultUserAgent      = "eve-service/0.1"
	DefaultRequestTimeout = 30 * time.Second
	maxBodyBytes          = 32 << 20
	maxErrorBodyBytes     = 4 << 10
)

// Validators are the cache validators a server attached to page 1 of a
// resource. They are replayed as conditional headers on the next run.
type Validators struct {
	ETag         string
	LastModified string
	Expires      time.Time
	CacheControl string
}

// IsZero reports whether no validator was captured.
func (v Validators) IsZero() bool {
	return v.ETag == "" && v.LastModified == "" && v.Expires.IsZero() && v.CacheControl == ""
}

// Fresh reports whether the cached response is still within its Expires
// window at now.
func (v Validators) Fresh(now time.Time) bool {
	return !v.Expires.IsZero() && now.Before(v.Expires)
}

// Page is one fetched response. NotModified pages carry no body.
type Page struct {
	Number      int
	NotModified bool
	Body        []byte
	Validators  Validators
	// TotalPages is the X-Pages header; 0 when the server sent none.
	TotalPages int
}

// Client performs conditional GETs against one provider's API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
	timeout    time.Duration
	logger     *slog.Logger

	// nowFunc resolves HTTP-date Retry-After values. Tests override it.
	nowFunc func() time.Time
}

// NewClient creates a fetch client. baseURL is, for example,
// "https://esi.evetech.net/latest". A zero timeout uses
// DefaultRequestTimeout; the timeout applies per HTTP call.
func NewClient(baseURL string, httpClient *http.Client, userAgent string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		userAgent:  userAgent,
		timeout:    timeout,
		logger:     logger,
		nowFunc:    time.Now,
	}
}

// URL joins path onto the client's base URL.
func (c *Client) URL(path string) string {
	return c.baseURL + path
}

// PageURL returns rawURL with the page query parameter set.
func PageURL(rawURL string, page int) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("esi: parsing %q: %w", rawURL, err)
	}

	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// FetchPage performs one GET. Unless force is set, non-empty validators are
// sent as If-None-Match / If-Modified-Since and a 304 comes back as a Page
// with NotModified set. Failures are returned as *APIError wrapping one of
// the package sentinels, or as an ErrNetwork-wrapped transport error.
func (c *Client) FetchPage(ctx context.Context, rawURL, accessToken string, v Validators, force bool) (*Page, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("esi: creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	if !force {
		if v.ETag != "" {
			req.Header.Set("If-None-Match", v.ETag)
		}

		if v.LastModified != "" {
			req.Header.Set("If-Modified-Since", v.LastModified)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("esi: request canceled: %w", ctx.Err())
		}

		return nil, fmt.Errorf("%w: GET %s: %w", ErrNetwork, redact(rawURL), err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		refreshed := v
		if exp := parseHTTPTime(resp.Header.Get("Expires")); !exp.IsZero() {
			refreshed.Expires = exp
		}

		if etag := resp.Header.Get("ETag"); etag != "" {
			refreshed.ETag = etag
		}

		c.logger.Debug("not modified", slog.String("url", redact(rawURL)))

		return &Page{NotModified: true, Validators: refreshed}, nil

	case resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices:
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if readErr != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("esi: request canceled: %w", ctx.Err())
			}

			return nil, fmt.Errorf("%w: reading body of %s: %w", ErrNetwork, redact(rawURL), readErr)
		}

		page := &Page{
			Body:       body,
			Validators: validatorsFrom(resp.Header),
			TotalPages: parsePositiveInt(resp.Header.Get("X-Pages")),
		}

		c.logger.Debug("fetched page",
			slog.String("url", redact(rawURL)),
			slog.Int("status", resp.StatusCode),
			slog.Int("bytes", len(body)),
			slog.Int("total_pages", page.TotalPages),
		)

		return page, nil

	default:
		return nil, c.apiError(resp, rawURL)
	}
}

func (c *Client) apiError(resp *http.Response, rawURL string) error {
	errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if readErr != nil {
		errBody = []byte("(failed to read response body)")
	}

	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		URL:        redact(rawURL),
		Message:    strings.TrimSpace(string(errBody)),
		Err:        classifyStatus(resp.StatusCode),
	}

	if errors.Is(apiErr.Err, ErrThrottled) {
		apiErr.RetryAfter = c.retryAfter(resp.Header)
	}

	c.logger.Debug("request failed",
		slog.String("url", apiErr.URL),
		slog.Int("status", resp.StatusCode),
		slog.Duration("retry_after", apiErr.RetryAfter),
	)

	return apiErr
}

// retryAfter reads Retry-After (delta-seconds or HTTP-date), falling back
// to ESI's X-Esi-Error-Limit-Reset seconds.
func (c *Client) retryAfter(h http.Header) time.Duration {
	if ra := strings.TrimSpace(h.Get("Retry-After")); ra != "" {
		if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}

		if at := parseHTTPTime(ra); !at.IsZero() {
			if d := at.Sub(c.nowFunc()); d > 0 {
				return d
			}
		}
	}

	if seconds := parsePositiveInt(h.Get("X-Esi-Error-Limit-Reset")); seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	return 0
}

func validatorsFrom(h http.Header) Validators {
	return Validators{
		ETag:         h.Get("ETag"),
		LastModified: h.Get("Last-Modified"),
		Expires:      parseHTTPTime(h.Get("Expires")),
		CacheControl: h.Get("Cache-Control"),
	}
}

func parseHTTPTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}

	t, err := http.ParseTime(s)
	if err != nil {
		return time.Time{}
	}

	return t
}

func parsePositiveInt(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0
	}

	return n
}

// redact strips the query string so tokens passed as parameters never reach
// logs or error messages.
func redact(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[:i]
	}

	return rawURL
}
