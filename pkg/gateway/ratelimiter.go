package gateway

import (
	"golang.org/x/time/rate"
)

// Default inbound limits per connection
const (
	DefaultMessagesPerSecond = 20
	DefaultMessageBurst      = 40
)

// ClientRateLimiter limits inbound messages of one connection with a token bucket
type ClientRateLimiter struct {
	limiter *rate.Limiter
}

// NewClientRateLimiter creates a rate limiter with default limits
func NewClientRateLimiter() *ClientRateLimiter {
	return NewClientRateLimiterWithLimits(DefaultMessagesPerSecond, DefaultMessageBurst)
}

// NewClientRateLimiterWithLimits creates a rate limiter with custom limits.
// A non-positive rate disables limiting.
func NewClientRateLimiterWithLimits(perSecond float64, burst int) *ClientRateLimiter {
	if perSecond <= 0 {
		return &ClientRateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst < 1 {
		burst = 1
	}
	return &ClientRateLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Allow reports whether one more message may be handled now
func (r *ClientRateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// UpdateLimits changes the rate and burst in place
func (r *ClientRateLimiter) UpdateLimits(perSecond float64, burst int) {
	if perSecond <= 0 {
		r.limiter.SetLimit(rate.Inf)
		return
	}
	r.limiter.SetLimit(rate.Limit(perSecond))
	r.limiter.SetBurst(burst)
}
