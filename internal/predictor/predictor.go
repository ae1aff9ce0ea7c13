// Package predictor tracks the last 24 hours of call arrivals bucketed by
// hour of day, and every 10 minutes adjusts the URL Prewarm Cache's target
// size to the volume expected in the next 2 hours.
package predictor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	arrivalsKey  = "voicebridge:predictor:arrivals"
	window       = 24 * time.Hour
	tickInterval = 10 * time.Minute
)

// CacheTarget is the subset of urlcache.Cache a Predictor needs.
type CacheTarget interface {
	SetTarget(n int)
}

// Predictor holds the rolling arrival histogram and drives cache sizing.
// With a Redis client attached, the histogram is shared across processes
// via a sorted set; without one, it falls back to an in-process slice.
type Predictor struct {
	cache CacheTarget
	log   *zap.Logger

	redis *redis.Client

	mu       sync.Mutex
	arrivals []time.Time

	statsMu       sync.RWMutex
	lastPredicted int
	lastTarget    int
	lastTick      time.Time
}

// Stats is a point-in-time snapshot of the predictor's last tick, exposed
// via the optimization status endpoint.
type Stats struct {
	PredictedNext2h int       `json:"predictedNext2h"`
	CacheTarget     int       `json:"cacheTarget"`
	LastTick        time.Time `json:"lastTick,omitempty"`
}

// Stats returns the predictor's most recent tick results.
func (p *Predictor) Stats() Stats {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()
	return Stats{
		PredictedNext2h: p.lastPredicted,
		CacheTarget:     p.lastTarget,
		LastTick:        p.lastTick,
	}
}

// New constructs a Predictor targeting cache.
func New(cache CacheTarget, log *zap.Logger) *Predictor {
	return &Predictor{cache: cache, log: log}
}

// WithRedis attaches a shared backing store for the arrival histogram.
func (p *Predictor) WithRedis(client *redis.Client) *Predictor {
	p.redis = client
	return p
}

// RecordArrival records a call arriving now. Called by the outbound-call
// handler; inbound calls are not recorded.
func (p *Predictor) RecordArrival(ctx context.Context, now time.Time) {
	if p.redis != nil {
		score := float64(now.UnixNano())
		member := fmt.Sprintf("%d", now.UnixNano())
		if err := p.redis.ZAdd(ctx, arrivalsKey, redis.Z{Score: score, Member: member}).Err(); err != nil {
			p.log.Warn("failed to record call arrival in redis", zap.Error(err))
		}
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.arrivals = append(p.arrivals, now)
}

// Run ticks every 10 minutes until ctx is cancelled, recomputing the
// predicted volume for the next 2 hours and resizing the URL cache.
func (p *Predictor) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx, time.Now())
		}
	}
}

func (p *Predictor) tick(ctx context.Context, now time.Time) {
	histogram, err := p.histogram(ctx, now)
	if err != nil {
		p.log.Warn("failed to build arrival histogram", zap.Error(err))
		return
	}

	nextHour := (now.Hour() + 1) % 24
	hourAfter := (now.Hour() + 2) % 24
	predicted := histogram[nextHour] + histogram[hourAfter]

	target := sizeForVolume(predicted)
	p.log.Info("call-rate prediction tick",
		zap.Int("predicted_next_2h", predicted),
		zap.Int("cache_target", target),
	)
	p.cache.SetTarget(target)

	p.statsMu.Lock()
	p.lastPredicted = predicted
	p.lastTarget = target
	p.lastTick = now
	p.statsMu.Unlock()
}

// histogram returns, for each hour of day 0-23, the number of arrivals
// recorded for that hour within the trailing 24h window.
func (p *Predictor) histogram(ctx context.Context, now time.Time) ([24]int, error) {
	var buckets [24]int
	cutoff := now.Add(-window)

	if p.redis != nil {
		if err := p.redis.ZRemRangeByScore(ctx, arrivalsKey, "-inf", fmt.Sprintf("%d", cutoff.UnixNano())).Err(); err != nil {
			p.log.Debug("failed to prune stale arrivals", zap.Error(err))
		}

		members, err := p.redis.ZRangeByScore(ctx, arrivalsKey, &redis.ZRangeBy{
			Min: fmt.Sprintf("%d", cutoff.UnixNano()),
			Max: fmt.Sprintf("%d", now.UnixNano()),
		}).Result()
		if err != nil {
			return buckets, err
		}
		for _, m := range members {
			var nanos int64
			if _, scanErr := fmt.Sscanf(m, "%d", &nanos); scanErr != nil {
				continue
			}
			buckets[time.Unix(0, nanos).Hour()]++
		}
		return buckets, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.arrivals[:0]
	for _, t := range p.arrivals {
		if t.Before(cutoff) {
			continue
		}
		kept = append(kept, t)
		buckets[t.Hour()]++
	}
	p.arrivals = kept
	return buckets, nil
}

// sizeForVolume maps a predicted 2h call volume to a URL-cache target size.
func sizeForVolume(volume int) int {
	switch {
	case volume <= 10:
		return 3
	case volume <= 20:
		return 5
	case volume <= 50:
		return 8
	default:
		return 10
	}
}
