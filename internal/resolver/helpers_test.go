package resolver

import (
	"time"

	"golang.org/x/time/rate"
)

// rateLimiterBlocked allows one call per hour with no burst left.
func rateLimiterBlocked() *rate.Limiter {
	l := rate.NewLimiter(rate.Every(time.Hour), 1)
	l.Allow()
	return l
}
