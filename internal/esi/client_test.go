package esi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chuanqiongzhr/eve-service/internal/retry"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()

	return NewClient(url, http.DefaultClient, "test-agent", time.Second, nil)
}

func TestFetchPage_OK(t *testing.T) {
	expires := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		assert.Empty(t, r.Header.Get("If-None-Match"))

		w.Header().Set("ETag", `"abc"`)
		w.Header().Set("Last-Modified", "Mon, 01 Jan 2030 00:00:00 GMT")
		w.Header().Set("Expires", expires.Format(http.TimeFormat))
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("X-Pages", "3")
		_, _ = w.Write([]byte(`[{"id":1}]`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	page, err := c.FetchPage(context.Background(), c.URL("/x"), "tok", Validators{}, false)
	require.NoError(t, err)

	assert.False(t, page.NotModified)
	assert.JSONEq(t, `[{"id":1}]`, string(page.Body))
	assert.Equal(t, 3, page.TotalPages)
	assert.Equal(t, `"abc"`, page.Validators.ETag)
	assert.Equal(t, "Mon, 01 Jan 2030 00:00:00 GMT", page.Validators.LastModified)
	assert.True(t, expires.Equal(page.Validators.Expires))
	assert.Equal(t, "public, max-age=3600", page.Validators.CacheControl)
}

func TestFetchPage_ConditionalNotModified(t *testing.T) {
	newExpiry := time.Date(2031, 5, 5, 0, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, `"abc"`, r.Header.Get("If-None-Match"))
		assert.Equal(t, "Mon, 01 Jan 2030 00:00:00 GMT", r.Header.Get("If-Modified-Since"))

		w.Header().Set("Expires", newExpiry.Format(http.TimeFormat))
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	v := Validators{ETag: `"abc"`, LastModified: "Mon, 01 Jan 2030 00:00:00 GMT"}

	page, err := c.FetchPage(context.Background(), c.URL("/x"), "tok", v, false)
	require.NoError(t, err)

	assert.True(t, page.NotModified)
	assert.Empty(t, page.Body)
	assert.Equal(t, `"abc"`, page.Validators.ETag)
	assert.True(t, newExpiry.Equal(page.Validators.Expires))
}

func TestFetchPage_ForceSkipsValidators(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("If-None-Match"))
		assert.Empty(t, r.Header.Get("If-Modified-Since"))
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	_, err := c.FetchPage(context.Background(), c.URL("/x"), "tok", Validators{ETag: `"abc"`}, true)
	require.NoError(t, err)
}

func TestFetchPage_StatusClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		sentinel error
		decision retry.Decision
	}{
		{"unauthorized", http.StatusUnauthorized, ErrUnauthorized, retry.Fatal},
		{"forbidden", http.StatusForbidden, ErrForbidden, retry.Fatal},
		{"not found", http.StatusNotFound, ErrNotFound, retry.Fatal},
		{"bad request", http.StatusBadRequest, ErrBadRequest, retry.Fatal},
		{"unprocessable", http.StatusUnprocessableEntity, ErrBadRequest, retry.Fatal},
		{"too many requests", http.StatusTooManyRequests, ErrThrottled, retry.RateLimited},
		{"error limited", statusErrorLimited, ErrThrottled, retry.RateLimited},
		{"internal", http.StatusInternalServerError, ErrServerError, retry.Transient},
		{"gateway timeout", http.StatusGatewayTimeout, ErrServerError, retry.Transient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL)

			_, err := c.FetchPage(context.Background(), c.URL("/x?token=secret"), "tok", Validators{}, false)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Contains(t, apiErr.Message, "nope")
			assert.NotContains(t, err.Error(), "secret")

			assert.Equal(t, tt.decision, Classify(err).Decision)
		})
	}
}

func TestFetchPage_RetryAfterSeconds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	_, err := c.FetchPage(context.Background(), c.URL("/x"), "tok", Validators{}, false)

	v := Classify(err)
	assert.Equal(t, retry.RateLimited, v.Decision)
	assert.Equal(t, 7*time.Second, v.Delay)
}

func TestFetchPage_RetryAfterDate(t *testing.T) {
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", now.Add(30*time.Second).Format(http.TimeFormat))
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	c.nowFunc = func() time.Time { return now }

	_, err := c.FetchPage(context.Background(), c.URL("/x"), "tok", Validators{}, false)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 30*time.Second, apiErr.RetryAfter)
}

func TestFetchPage_ErrorLimitReset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Esi-Error-Limit-Reset", "42")
		w.WriteHeader(statusErrorLimited)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	_, err := c.FetchPage(context.Background(), c.URL("/x"), "tok", Validators{}, false)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 42*time.Second, apiErr.RetryAfter)
}

func TestFetchPage_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := newTestClient(t, url)

	_, err := c.FetchPage(context.Background(), c.URL("/x"), "tok", Validators{}, false)
	require.ErrorIs(t, err, ErrNetwork)
	assert.Equal(t, retry.Transient, Classify(err).Decision)
}

func TestFetchPage_PerCallTimeout(t *testing.T) {
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(srv.URL, http.DefaultClient, "", 50*time.Millisecond, nil)

	_, err := c.FetchPage(context.Background(), c.URL("/x"), "tok", Validators{}, false)
	require.ErrorIs(t, err, ErrNetwork, "per-call timeout with a live parent context is transient")
}

func TestFetchPage_ParentCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestClient(t, srv.URL)

	_, err := c.FetchPage(ctx, c.URL("/x"), "tok", Validators{}, false)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrNetwork))
}

func TestPageURL(t *testing.T) {
	got, err := PageURL("https://esi.example/characters/1/wallet/journal/?datasource=tranquility", 3)
	require.NoError(t, err)
	assert.Equal(t, "https://esi.example/characters/1/wallet/journal/?datasource=tranquility&page=3", got)
}

func TestValidators_Fresh(t *testing.T) {
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.False(t, Validators{}.Fresh(now))
	assert.True(t, Validators{Expires: now.Add(time.Minute)}.Fresh(now))
	assert.False(t, Validators{Expires: now.Add(-time.Minute)}.Fresh(now))
	assert.True(t, Validators{}.IsZero())
	assert.False(t, Validators{ETag: "x"}.IsZero())
}
