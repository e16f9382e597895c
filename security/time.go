package security

import "time"

// DefaultClockSkewGracePeriod is the grace applied to expiry checks of
// access and refresh tokens so minor clock drift between nodes does not
// reject a token that is still valid. Single-use secrets (codes, device
// codes, invites) are checked without grace.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsExpiredAt reports whether expiresAt plus grace lies before now.
// A zero expiresAt never expires.
func IsExpiredAt(expiresAt, now time.Time, grace time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(grace))
}

// RemainingTTL returns how long until expiresAt, or zero when it has passed.
// Used to size cache entries that must live exactly as long as a token.
func RemainingTTL(expiresAt, now time.Time) time.Duration {
	d := expiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
