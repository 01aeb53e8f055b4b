// Package ratelimit provides per-client request rate limiting for the
// control API.
package ratelimit

import (
	"sync"
	"time"
)

// Config holds rate limiter settings.
type Config struct {
	// RequestsPerSecond is the sustained rate per client.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// BurstSize is the maximum burst per client.
	BurstSize int `yaml:"burst_size"`
}

// Enabled reports whether the config describes an active limit.
func (c Config) Enabled() bool {
	return c.RequestsPerSecond > 0 && c.BurstSize > 0
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastUpdate time.Time
	lastAccess time.Time
}

func (b *bucket) allow(rate float64, capacity int, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastUpdate).Seconds()
	b.tokens += elapsed * rate
	if max := float64(capacity); b.tokens > max {
		b.tokens = max
	}
	b.lastUpdate = now
	b.lastAccess = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// KeyedLimiter enforces a token-bucket limit per key. Keys that stay idle
// are evicted by a background sweep.
type KeyedLimiter struct {
	cfg     Config
	mu      sync.RWMutex
	buckets map[string]*bucket
	sweep   *time.Ticker
	done    chan struct{}
}

// NewKeyedLimiter creates a keyed limiter and starts its sweep loop.
func NewKeyedLimiter(cfg Config) *KeyedLimiter {
	kl := &KeyedLimiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		sweep:   time.NewTicker(5 * time.Minute),
		done:    make(chan struct{}),
	}
	go kl.sweepLoop()
	return kl
}

// Allow reports whether one request for key fits within the limit.
func (kl *KeyedLimiter) Allow(key string) bool {
	now := time.Now()

	kl.mu.RLock()
	b, ok := kl.buckets[key]
	kl.mu.RUnlock()

	if !ok {
		kl.mu.Lock()
		if b, ok = kl.buckets[key]; !ok {
			b = &bucket{
				tokens:     float64(kl.cfg.BurstSize),
				lastUpdate: now,
				lastAccess: now,
			}
			kl.buckets[key] = b
		}
		kl.mu.Unlock()
	}
	return b.allow(kl.cfg.RequestsPerSecond, kl.cfg.BurstSize, now)
}

func (kl *KeyedLimiter) sweepLoop() {
	for {
		select {
		case <-kl.sweep.C:
			cutoff := time.Now().Add(-10 * time.Minute)
			kl.mu.Lock()
			for key, b := range kl.buckets {
				b.mu.Lock()
				idle := b.lastAccess.Before(cutoff)
				b.mu.Unlock()
				if idle {
					delete(kl.buckets, key)
				}
			}
			kl.mu.Unlock()
		case <-kl.done:
			return
		}
	}
}

// Close stops the sweep loop.
func (kl *KeyedLimiter) Close() {
	close(kl.done)
	kl.sweep.Stop()
}
