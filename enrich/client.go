// Package enrich back-fills actual arrival times for actionable predictions
// from the National Rail Historical Service Performance (HSP) API.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var ErrNotFound = errors.New("enrich: service not found")

var hspRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "railflow_hsp_requests_total",
	Help: "HSP service detail requests by response class",
}, []string{"status"})

const maxResponseSize = 8 << 20

type ClientConfig struct {
	URL               string
	Username          string
	Password          string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	MaxRetries        uint
	InitialBackoff    time.Duration
}

type HSPClient struct {
	http    *http.Client
	limiter *rate.Limiter
	cfg     ClientConfig
	logger  *zap.Logger
}

func NewHSPClient(cfg ClientConfig, logger *zap.Logger) *HSPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 4
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &HSPClient{
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, cfg.Burst),
		cfg:     cfg,
		logger:  logger.Named("hsp"),
	}
}

// ServiceDetails fetches one service by rid. Rate limited responses and
// server errors are retried with backoff.
func (c *HSPClient) ServiceDetails(ctx context.Context, rid string) (ServiceDetails, error) {
	body, err := json.Marshal(map[string]string{"rid": rid})
	if err != nil {
		return ServiceDetails{}, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff

	data, err := backoff.Retry(ctx, func() ([]byte, error) {
		return c.post(ctx, body)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.cfg.MaxRetries),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("hsp request failed, retrying", zap.String("rid", rid), zap.Duration("backoff", next), zap.Error(err))
		}),
	)
	if err != nil {
		return ServiceDetails{}, fmt.Errorf("hsp service details %s: %w", rid, err)
	}
	return ParseServiceDetails(data)
}

func (c *HSPClient) post(ctx context.Context, body []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, backoff.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "railflow-enricher/1.0")
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		hspRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	hspRequests.WithLabelValues(strconv.Itoa(resp.StatusCode / 100 * 100)).Inc()
	switch {
	case resp.StatusCode == http.StatusOK:
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return nil, err
		}
		return data, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, backoff.Permanent(ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests:
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			return nil, backoff.RetryAfter(secs)
		}
		return nil, fmt.Errorf("hsp rate limited")
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("hsp server error: %s", resp.Status)
	}
	return nil, backoff.Permanent(fmt.Errorf("hsp request rejected: %s", resp.Status))
}
