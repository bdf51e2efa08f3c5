package ratelimiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type CleanupOpts struct {
	TTL      time.Duration
	Interval time.Duration
}

// KeyedLimiter hands out one token bucket per key, e.g. per conversation.
// Buckets not used for TTL are evicted by a background sweep.
type KeyedLimiter struct {
	limiters map[string]*rate.Limiter
	lastSeen map[string]time.Time
	mu       sync.Mutex
	cancel   context.CancelFunc
	rate     rate.Limit
	burst    int
	CleanupOpts
}

// NewKeyedLimiter allows requests events per window for each key.
func NewKeyedLimiter(requests int, window time.Duration, cleanupOpts CleanupOpts) *KeyedLimiter {
	if requests <= 0 {
		requests = 1
	}
	if cleanupOpts.Interval <= 0 {
		cleanupOpts.Interval = time.Minute
	}
	if cleanupOpts.TTL <= 0 {
		cleanupOpts.TTL = 10 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	kl := &KeyedLimiter{
		limiters:    make(map[string]*rate.Limiter),
		lastSeen:    make(map[string]time.Time),
		cancel:      cancel,
		rate:        rate.Every(window / time.Duration(requests)),
		burst:       requests,
		CleanupOpts: cleanupOpts,
	}

	go kl.cleanup(ctx)

	return kl
}

func (kl *KeyedLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(kl.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			kl.mu.Lock()

			for key, ls := range kl.lastSeen {
				if time.Since(ls) > kl.TTL {
					delete(kl.limiters, key)
					delete(kl.lastSeen, key)
				}
			}

			kl.mu.Unlock()
		}
	}
}

// Allow reports whether an event for key may happen now.
func (kl *KeyedLimiter) Allow(key string) bool {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	bucket, ok := kl.limiters[key]
	if !ok {
		bucket = rate.NewLimiter(kl.rate, kl.burst)
		kl.limiters[key] = bucket
	}

	kl.lastSeen[key] = time.Now()
	return bucket.Allow()
}

// Len returns the number of live buckets.
func (kl *KeyedLimiter) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.limiters)
}

// Stop ends the background sweep.
func (kl *KeyedLimiter) Stop() {
	kl.cancel()
}

// NewLimiter builds a single bucket allowing requests events per window,
// the same shape the keyed buckets use.
func NewLimiter(requests int, window time.Duration) *rate.Limiter {
	if requests <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(window/time.Duration(requests)), requests)
}
