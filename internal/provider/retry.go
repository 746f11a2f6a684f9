package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"groupchat/internal/domain"
)

const maxRetries = 3

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 4096

// backoffUnit scales the retry delay. Tests shrink it.
var backoffUnit = time.Second

// doWithRetry sends a request, retrying network failures, 5xx and 429 with
// exponential backoff. Any other non-2xx status comes back as a
// *domain.ProviderError without retrying.
func doWithRetry(ctx context.Context, client *http.Client, name string, buildReq func() (*http.Request, error), logger *slog.Logger) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			base := time.Duration(attempt*attempt) * backoffUnit
			backoff := base + time.Duration(rand.Int64N(int64(base/2+1)))
			logger.Warn("retrying request", "provider", name, "attempt", attempt+1, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			logger.Warn("request failed", "provider", name, "error", err)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		perr := &domain.ProviderError{Provider: name, StatusCode: resp.StatusCode, Body: string(body)}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			lastErr = perr
			logger.Warn("server error", "provider", name, "status", resp.StatusCode)
			continue
		}
		return nil, perr
	}

	if _, ok := lastErr.(*domain.ProviderError); ok {
		return nil, lastErr
	}
	return nil, &domain.ProviderError{Provider: name, Body: fmt.Sprintf("request failed after %d retries: %v", maxRetries, lastErr)}
}
