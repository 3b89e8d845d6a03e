// Package services holds the Redis-backed collaborators of the predictor:
// recent route delay history for feature context, and prediction fan-out.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RouteHistory struct {
	client  *redis.Client
	prefix  string
	length  int
	channel string
	logger  *zap.Logger
}

type HistoryConfig struct {
	URL     string
	Prefix  string
	Length  int
	Channel string
}

// Connect dials Redis and retries the ping for a short while, since the
// predictor may come up before Redis does. An empty URL returns a
// RouteHistory with no client, on which every call is a no-op.
func Connect(ctx context.Context, cfg HistoryConfig, logger *zap.Logger) (*RouteHistory, error) {
	logger = logger.Named("history")
	if cfg.URL == "" {
		return NewRouteHistory(nil, cfg, logger), nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	var lastErr error
	for i := 0; i < 5; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		lastErr = client.Ping(pingCtx).Err()
		cancel()
		if lastErr == nil {
			return NewRouteHistory(client, cfg, logger), nil
		}
		logger.Warn("redis ping failed", zap.Int("attempt", i+1), zap.Error(lastErr))
		select {
		case <-ctx.Done():
			_ = client.Close()
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	_ = client.Close()
	return nil, fmt.Errorf("redis ping failed after 5 attempts: %w", lastErr)
}

func NewRouteHistory(client *redis.Client, cfg HistoryConfig, logger *zap.Logger) *RouteHistory {
	if cfg.Prefix == "" {
		cfg.Prefix = "railflow:history"
	}
	if cfg.Length <= 0 {
		cfg.Length = 50
	}
	return &RouteHistory{client: client, prefix: cfg.Prefix, length: cfg.Length, channel: cfg.Channel, logger: logger}
}

func (h *RouteHistory) Available() bool {
	return h.client != nil
}

func (h *RouteHistory) key(pair string) string {
	return h.prefix + ":" + pair
}

// RecentDelays returns up to n of the newest recorded departure delays for
// pair. Unparseable entries are skipped.
func (h *RouteHistory) RecentDelays(ctx context.Context, pair string, n int) ([]float64, error) {
	if h.client == nil {
		return nil, nil
	}
	vals, err := h.client.LRange(ctx, h.key(pair), 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	return parseDelays(vals), nil
}

// Record pushes an observed departure delay and trims the list to its
// configured length.
func (h *RouteHistory) Record(ctx context.Context, pair string, delay float64) error {
	if h.client == nil {
		return nil
	}
	key := h.key(pair)
	_, err := h.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, strconv.FormatFloat(delay, 'f', -1, 64))
		pipe.LTrim(ctx, key, 0, int64(h.length-1))
		return nil
	})
	return err
}

func (h *RouteHistory) Publish(ctx context.Context, message any) error {
	if h.client == nil || h.channel == "" {
		return nil
	}
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return h.client.Publish(ctx, h.channel, data).Err()
}

func (h *RouteHistory) Close() error {
	if h.client == nil {
		return nil
	}
	return h.client.Close()
}

func parseDelays(vals []string) []float64 {
	out := make([]float64, 0, len(vals))
	for _, v := range vals {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		out = append(out, f)
	}
	return out
}
