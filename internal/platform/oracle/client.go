// Package oracle is the REST client for the external reference market
// (a Gamma-compatible API). It lists candidate instruments for binding,
// reads live outcome prices and reports resolutions after expiry. The source
// is treated as unreliable: every call is rate limited, bounded by a request
// timeout and retried on 429/5xx.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/marketfactory/internal/domain"
	"golang.org/x/time/rate"
)

// ClientConfig configures the reference client.
type ClientConfig struct {
	BaseURL    string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
	MaxRetries int
	RetryWait  time.Duration
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.BaseURL == "" {
		c.BaseURL = "https://gamma-api.polymarket.com"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryWait <= 0 {
		c.RetryWait = 500 * time.Millisecond
	}
	return c
}

// Client implements domain.ReferenceSource over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	retryWait  time.Duration
	logger     *slog.Logger
}

// NewClient creates a reference client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		maxRetries: cfg.MaxRetries,
		retryWait:  cfg.RetryWait,
		logger:     logger.With(slog.String("component", "oracle_client")),
	}
}

// ListOpenInstruments returns one page of open instruments ordered by
// volume, highest first.
func (c *Client) ListOpenInstruments(ctx context.Context, offset, limit int) ([]domain.Instrument, error) {
	params := url.Values{}
	params.Set("closed", "false")
	params.Set("limit", strconv.Itoa(limit))
	params.Set("offset", strconv.Itoa(offset))
	params.Set("order", "volume")
	params.Set("ascending", "false")

	body, err := c.doGet(ctx, "/markets?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("oracle: list instruments: %w", err)
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, fmt.Errorf("oracle: decode instruments: %w", err)
	}

	out := make([]domain.Instrument, 0, len(raws))
	for _, raw := range raws {
		inst, err := decodeInstrument(raw)
		if err != nil {
			// One malformed entry must not hide the rest of the page.
			c.logger.DebugContext(ctx, "skipping malformed instrument", slog.String("error", err.Error()))
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

// GetInstrument returns a single instrument, including its resolution. A
// missing instrument yields an error wrapping domain.ErrNotFound.
func (c *Client) GetInstrument(ctx context.Context, id string) (domain.Instrument, error) {
	body, err := c.doGet(ctx, "/markets/"+url.PathEscape(id))
	if err != nil {
		return domain.Instrument{}, fmt.Errorf("oracle: get instrument %s: %w", id, err)
	}
	inst, err := decodeInstrument(body)
	if err != nil {
		return domain.Instrument{}, fmt.Errorf("oracle: decode instrument %s: %w", id, err)
	}
	return inst, nil
}

// doGet sends an unauthenticated GET with rate limiting and retries. 429 and
// 5xx responses and transport errors are retried with exponential backoff;
// other 4xx responses fail immediately.
func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, attempt); err != nil {
				return nil, err
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}

		body, status, err := c.once(ctx, path)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, err
			}
			continue
		}
		if err := checkHTTPStatus(status, body); err != nil {
			if !retryable(status) {
				return nil, err
			}
			c.logger.DebugContext(ctx, "retrying reference request",
				slog.String("path", path),
				slog.Int("status", status),
				slog.Int("attempt", attempt+1),
			)
			lastErr = err
			continue
		}
		return body, nil
	}
	return nil, fmt.Errorf("after %d attempts: %w", c.maxRetries+1, lastErr)
}

func (c *Client) once(ctx context.Context, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func (c *Client) sleep(ctx context.Context, attempt int) error {
	wait := c.retryWait << (attempt - 1)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	snippet := string(body)
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, snippet)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, snippet)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, snippet)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, snippet)
	}
}

// Compile-time interface check.
var _ domain.ReferenceSource = (*Client)(nil)
