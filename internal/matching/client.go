// Package matching is the port to the external assignment engine. The engine
// is a black box: it receives ride summaries and answers with per-ride
// decisions over a single synchronous POST.
package matching

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/example/carpool-assignment/internal/logging"
	"github.com/example/carpool-assignment/internal/models"
	"github.com/example/carpool-assignment/internal/observability"
)

const assignPath = "/rides/assign-users"

// Client is what the orchestrator depends on.
type Client interface {
	Assign(ctx context.Context, rides []RideSummary) ([]Decision, error)
}

type Options struct {
	BaseURL string
	// Timeout bounds each attempt, not the whole call.
	Timeout time.Duration
	// Retries is the number of extra attempts after a transport failure.
	// Values above one are clamped to one.
	Retries    int
	RetryDelay time.Duration
	HTTP       *http.Client
	Logger     *slog.Logger
}

type HTTPClient struct {
	url        string
	timeout    time.Duration
	retries    uint64
	retryDelay time.Duration
	http       *http.Client
	logger     *slog.Logger
}

func NewHTTPClient(opts Options) *HTTPClient {
	c := &HTTPClient{
		url:        strings.TrimRight(opts.BaseURL, "/") + assignPath,
		timeout:    opts.Timeout,
		retryDelay: opts.RetryDelay,
		http:       opts.HTTP,
		logger:     logging.Component(opts.Logger, "matching"),
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if opts.Retries > 0 {
		c.retries = 1
	}
	if c.retryDelay <= 0 {
		c.retryDelay = 200 * time.Millisecond
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	return c
}

// Assign posts the batch and returns the engine's decisions. Transport
// failures wrap models.ErrTransport and are retried at most once; any answer
// from the engine that is not a non-empty 2xx JSON array wraps
// models.ErrAssignmentEngine and is never retried.
func (c *HTTPClient) Assign(ctx context.Context, rides []RideSummary) ([]Decision, error) {
	body, err := json.Marshal(rides)
	if err != nil {
		return nil, fmt.Errorf("matching.HTTPClient.Assign: encode: %w", err)
	}

	start := time.Now()
	backoff := retry.WithMaxRetries(c.retries, retry.NewConstant(c.retryDelay))
	attempt := 0
	decisions, err := retry.DoValue(ctx, backoff, func(ctx context.Context) ([]Decision, error) {
		attempt++
		d, err := c.post(ctx, body)
		if err != nil && errors.Is(err, models.ErrTransport) {
			c.logger.Warn("matching engine unreachable", "attempt", attempt, "error", err)
			return nil, retry.RetryableError(err)
		}
		return d, err
	})
	observability.EngineLatency.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		observability.EngineCalls.WithLabelValues("ok").Inc()
		return decisions, nil
	case errors.Is(err, models.ErrTransport):
		observability.EngineCalls.WithLabelValues("transport_error").Inc()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		observability.EngineCalls.WithLabelValues("transport_error").Inc()
		err = fmt.Errorf("%w: %w", models.ErrTransport, err)
	default:
		observability.EngineCalls.WithLabelValues("engine_error").Inc()
	}
	return nil, fmt.Errorf("matching.HTTPClient.Assign: %w", err)
}

func (c *HTTPClient) post(ctx context.Context, body []byte) ([]Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", models.ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", models.ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d: %s", models.ErrAssignmentEngine, resp.StatusCode, snippet(raw))
	}

	var out []Decision
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", models.ErrAssignmentEngine, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty response", models.ErrAssignmentEngine)
	}
	return out, nil
}

func snippet(b []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
