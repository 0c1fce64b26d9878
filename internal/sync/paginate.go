package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/chuanqiongzhr/eve-service/internal/credential"
	"github.com/chuanqiongzhr/eve-service/internal/esi"
	"github.com/chuanqiongzhr/eve-service/internal/principal"
	"github.com/chuanqiongzhr/eve-service/internal/resource"
	"github.com/chuanqiongzhr/eve-service/internal/retry"
)

// pager walks one resource's pages for one principal. It owns the current
// credential so a forced refresh mid-walk is used by the following pages.
type pager struct {
	fetcher Fetcher
	creds   Credentials
	retry   *retry.Executor
	id      principal.ID
	def     resource.Definition
	cred    *credential.Credential
	logger  *slog.Logger
	nowFunc func() time.Time
}

// pages returns the lazy page sequence starting at baseURL. Page 1 carries
// v as conditional headers unless force is set; later pages are fetched
// unconditionally. The walk ends at the X-Pages count, an empty page, a
// not-modified page 1, or when the consumer stops ranging. A fetch error is
// yielded once and ends the walk.
func (p *pager) pages(ctx context.Context, baseURL string, v esi.Validators, force bool) iter.Seq2[*esi.Page, error] {
	return func(yield func(*esi.Page, error) bool) {
		if !force && v.Fresh(p.nowFunc()) {
			p.logger.Debug("cached response still fresh, skipping fetch",
				slog.String("principal", p.id.String()),
				slog.String("resource", p.def.Kind),
				slog.Time("expires", v.Expires),
			)

			yield(&esi.Page{Number: 1, NotModified: true, Validators: v}, nil)

			return
		}

		total := 1

		for n := 1; n <= total; n++ {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			pageURL := baseURL
			if p.def.Paginated {
				u, err := esi.PageURL(baseURL, n)
				if err != nil {
					yield(nil, err)
					return
				}

				pageURL = u
			}

			var cond esi.Validators
			if n == 1 {
				cond = v
			}

			page, err := p.fetch(ctx, pageURL, cond, force || n > 1)
			if err != nil {
				yield(nil, err)
				return
			}

			page.Number = n

			if n == 1 {
				if page.NotModified {
					yield(page, nil)
					return
				}

				if p.def.Paginated && page.TotalPages > 1 {
					total = page.TotalPages
				}
			}

			if !yield(page, nil) {
				return
			}

			if isEmptyPage(page.Body) {
				return
			}
		}
	}
}

// fetch performs one page GET through the retry executor. A 401 is answered
// with a single forced refresh and retry; a second 401 for the same page
// clears the credential.
func (p *pager) fetch(ctx context.Context, pageURL string, v esi.Validators, force bool) (*esi.Page, error) {
	refreshed := false

	for {
		var page *esi.Page

		op := fmt.Sprintf("fetch %s page", p.def.Kind)

		err := p.retry.Do(ctx, op, func(ctx context.Context) error {
			var fetchErr error
			page, fetchErr = p.fetcher.FetchPage(ctx, pageURL, p.cred.AccessToken, v, force)

			return fetchErr
		})
		if err == nil {
			return page, nil
		}

		if !errors.Is(err, esi.ErrUnauthorized) {
			return nil, err
		}

		if refreshed {
			if invErr := p.creds.Invalidate(ctx, p.id, "token rejected after refresh"); invErr != nil {
				p.logger.Warn("failed to clear rejected credential",
					slog.String("principal", p.id.String()),
					slog.String("error", invErr.Error()),
				)
			}

			return nil, fmt.Errorf("%w: %s rejected twice: %w", credential.ErrReauthRequired, p.id, err)
		}

		p.logger.Info("token rejected, forcing refresh",
			slog.String("principal", p.id.String()),
			slog.String("resource", p.def.Kind),
		)

		cred, refreshErr := p.creds.ForceRefresh(ctx, p.id, p.cred.AccessToken)
		if refreshErr != nil {
			return nil, refreshErr
		}

		p.cred = cred
		refreshed = true
	}
}

func isEmptyPage(body []byte) bool {
	b := bytes.TrimSpace(body)

	return len(b) == 0 || bytes.Equal(b, []byte("[]"))
}
