// Rate limiting
//
// Two limiter shapes are provided. RateLimiter is a token bucket per
// identifier (golang.org/x/time/rate) used for the polling and approval
// endpoints, where short bursts are legitimate. ClientCreationLimiter is a
// sliding window per IP that bounds how many ad-hoc clients one address can
// mint per hour.
//
// Both bound memory with an LRU list, so a distributed attacker cannot grow
// the tracked set without limit, and both drop idle entries from a background
// goroutine that Stop ends.
//
//	tokens := security.NewRateLimiter("token", 10, 20, logger)
//	defer tokens.Stop()
//
//	if !tokens.Allow(ctx, ip) {
//	    // 429 rate_limit_exceeded
//	}
package security
