package mediacache

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/vertextoedge/offline-media-cache/internal/domain"
	"github.com/vertextoedge/offline-media-cache/internal/port"
)

type fetchJob struct {
	ctx context.Context
	url string
}

type fetchResult struct {
	body []byte
	err  error
}

// Fetch returns the cached bytes for (mediaType, key), fetching them from
// sourceURL and storing them on a miss. Concurrent fetches of the same entry
// share one request. A source that failed recently fails again without a
// request until the failure ages out.
func (c *Cache) Fetch(ctx context.Context, key string, mediaType domain.MediaType, sourceURL string) ([]byte, error) {
	data, err := c.GetTyped(mediaType, key)
	if err == nil || !errors.Is(err, domain.ErrNotFound) {
		return data, err
	}
	if c.pool == nil {
		return nil, fmt.Errorf("%w: no transport configured", domain.ErrInvalidInput)
	}
	if remembered, ok := c.failures.Get(sourceURL); ok {
		return nil, remembered.(error)
	}

	ch := c.inflight.DoChan(string(mediaType)+"/"+key, func() (any, error) {
		// Detached so one waiter giving up does not fail the others
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.FetchTimeout)
		defer cancel()

		out, err := c.pool.ProcessCtx(fetchCtx, fetchJob{ctx: fetchCtx, url: sourceURL})
		if err != nil {
			return nil, err
		}
		res := out.(fetchResult)
		if res.err != nil {
			if remember(res.err) {
				c.failures.Set(sourceURL, res.err, gocache.DefaultExpiration)
			}
			return nil, res.err
		}
		if _, err := c.Put(key, res.body, mediaType, sourceURL); err != nil {
			return nil, err
		}
		return res.body, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			c.logger.Debug("cache fetch failed",
				zap.String("key", key),
				zap.String("url", sourceURL),
				zap.Error(res.Err))
			return nil, res.Err
		}
		body := res.Val.([]byte)
		if res.Shared {
			body = append([]byte(nil), body...)
		}
		return body, nil
	case <-ctx.Done():
		return nil, &domain.RequestError{Kind: domain.ErrCancelled, Err: ctx.Err()}
	}
}

func (c *Cache) fetchWork(payload any) any {
	job := payload.(fetchJob)
	resp, err := c.transport.Execute(job.ctx, &port.Request{Method: http.MethodGet, URL: job.url})
	if err != nil {
		return fetchResult{err: err}
	}
	return fetchResult{body: resp.Body}
}

// remember reports whether a failure says something about the source itself
// rather than about the current network or caller
func remember(err error) bool {
	switch domain.Kind(err) {
	case domain.KindConnectivity:
		return false
	}
	return !errors.Is(err, domain.ErrCancelled) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}
