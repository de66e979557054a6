package api

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiterPool manages per-model rate limiters plus optional
// provider-wide limiters shared by every model on that provider.
type RateLimiterPool struct {
	limiters  map[string]*rate.Limiter
	rates     map[string]int // Track original rates for consistency check
	providers map[string]*rate.Limiter
	mu        sync.RWMutex
}

// NewRateLimiterPool creates a new rate limiter pool
func NewRateLimiterPool() *RateLimiterPool {
	return &RateLimiterPool{
		limiters:  make(map[string]*rate.Limiter),
		rates:     make(map[string]int),
		providers: make(map[string]*rate.Limiter),
	}
}

// GetOrCreate returns an existing rate limiter or creates a new one.
// If a limiter exists with a different rate, it logs a warning and keeps the existing one.
func (p *RateLimiterPool) GetOrCreate(modelID string, requestsPerMinute int) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if limiter, exists := p.limiters[modelID]; exists {
		if existingRate, ok := p.rates[modelID]; ok && existingRate != requestsPerMinute {
			slog.Warn("Rate limiter already exists with different rate, using existing rate",
				"model_id", modelID,
				"existing_rpm", existingRate,
				"requested_rpm", requestsPerMinute)
		}
		return limiter
	}

	// Convert requests per minute to requests per second
	rps := float64(requestsPerMinute) / 60.0
	burst := max(5, requestsPerMinute/5) // 20% burst capacity
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	p.limiters[modelID] = limiter
	p.rates[modelID] = requestsPerMinute

	slog.Debug("Created rate limiter",
		"model_id", modelID,
		"rpm", requestsPerMinute,
		"rps", rps,
		"burst", burst)

	return limiter
}

// SetProviderLimits installs provider-wide limiters. Models sharing a
// provider compete for the same budget regardless of their per-model rates.
func (p *RateLimiterPool) SetProviderLimits(limits map[string]int, burstPercent int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for provider, rpm := range limits {
		if rpm <= 0 {
			continue
		}
		rps := float64(rpm) / 60.0
		burst := max(1, rpm*burstPercent/100)
		p.providers[provider] = rate.NewLimiter(rate.Limit(rps), burst)

		slog.Debug("Created provider rate limiter",
			"provider", provider,
			"rpm", rpm,
			"burst", burst)
	}
}

// Wait blocks until the rate limiter allows the next request
func (p *RateLimiterPool) Wait(ctx context.Context, modelID string, requestsPerMinute int) error {
	limiter := p.GetOrCreate(modelID, requestsPerMinute)
	return limiter.Wait(ctx)
}

// WaitProvider blocks on the provider-wide limiter, if one is configured
func (p *RateLimiterPool) WaitProvider(ctx context.Context, provider string) error {
	p.mu.RLock()
	limiter, ok := p.providers[provider]
	p.mu.RUnlock()

	if !ok {
		return nil
	}
	return limiter.Wait(ctx)
}
