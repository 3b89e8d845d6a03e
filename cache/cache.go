// Package cache keeps recent predictions per segment and coalesces
// concurrent computations for the same segment.
package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"railflow/features"
	"railflow/models"
)

var (
	requests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "railflow_cache_requests_total",
		Help: "Prediction cache requests by outcome.",
	}, []string{"status"})
	evictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "railflow_cache_evictions_total",
		Help: "Entries evicted from the prediction cache at capacity.",
	})
)

// Entry is a cached prediction together with the inputs it was computed from.
// State is the segment state hash the prediction belongs to.
type Entry struct {
	Prediction models.Prediction
	Vector     features.Vector
	State      uint64
	LastAccess time.Time
}

type slot struct {
	entry      Entry
	lastAccess atomic.Int64
}

// ComputeFunc produces the entry for a cache miss. It runs detached from the
// requesting caller's cancellation so that waiters sharing it are not failed
// by one caller going away.
type ComputeFunc func(ctx context.Context) (Entry, error)

type Cache struct {
	entries *lru.Cache[models.SegmentKey, *slot]
	flights singleflight.Group
	now     func() time.Time
}

func New(capacity int) (*Cache, error) {
	entries, err := lru.NewWithEvict(capacity, func(models.SegmentKey, *slot) {
		evictions.Inc()
	})
	if err != nil {
		return nil, fmt.Errorf("create prediction cache: %w", err)
	}
	return &Cache{entries: entries, now: time.Now}, nil
}

// Lookup returns the entry for key and marks it most recently used.
func (c *Cache) Lookup(key models.SegmentKey) (Entry, bool) {
	s, ok := c.entries.Get(key)
	if !ok {
		return Entry{}, false
	}
	now := c.now()
	s.lastAccess.Store(now.UnixNano())
	e := s.entry
	e.LastAccess = now
	return e, true
}

// Insert stores e under key, replacing any previous entry and evicting the
// least recently used entry when the cache is full.
func (c *Cache) Insert(key models.SegmentKey, e Entry) {
	s := &slot{entry: e}
	s.lastAccess.Store(c.now().UnixNano())
	c.entries.Add(key, s)
}

// Touch marks key as most recently used without reading it.
func (c *Cache) Touch(key models.SegmentKey) {
	if s, ok := c.entries.Get(key); ok {
		s.lastAccess.Store(c.now().UnixNano())
	}
}

func (c *Cache) Len() int { return c.entries.Len() }

type flightResult struct {
	entry    Entry
	computed bool
}

// GetOrCompute returns the cached entry for key when it was computed for the
// same state, and otherwise runs compute. At most one compute per key runs at
// a time; callers arriving while one is in flight wait for it and reuse its
// result when their state matches, or compute again once it has finished.
//
// The returned status is hit when the entry was not computed by this call.
func (c *Cache) GetOrCompute(ctx context.Context, key models.SegmentKey, state uint64, compute ComputeFunc) (Entry, models.CacheStatus, error) {
	flightKey := key.String()
	for {
		if e, ok := c.Lookup(key); ok && e.State == state {
			requests.WithLabelValues(string(models.CacheHit)).Inc()
			return e, models.CacheHit, nil
		}

		var ran bool
		ch := c.flights.DoChan(flightKey, func() (any, error) {
			ran = true
			if s, ok := c.entries.Peek(key); ok && s.entry.State == state {
				return flightResult{entry: s.entry}, nil
			}
			e, err := compute(context.WithoutCancel(ctx))
			if err != nil {
				return nil, err
			}
			e.State = state
			c.Insert(key, e)
			return flightResult{entry: e, computed: true}, nil
		})

		select {
		case <-ctx.Done():
			return Entry{}, "", ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				requests.WithLabelValues("error").Inc()
				return Entry{}, "", res.Err
			}
			fr := res.Val.(flightResult)
			e := fr.entry
			if e.State != state {
				// joined a computation for an older state of this segment
				continue
			}
			if ran && fr.computed {
				requests.WithLabelValues(string(models.CacheMiss)).Inc()
				return e, models.CacheMiss, nil
			}
			requests.WithLabelValues("coalesced").Inc()
			return e, models.CacheHit, nil
		}
	}
}
