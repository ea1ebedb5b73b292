package auth

import "time"

// refreshMarginPercent is the share of the token lifetime after which a
// token is refreshed ahead of its expiry.
const refreshMarginPercent = 90

// ShouldRefresh reports whether a token received at receivedAt (epoch ms)
// with a lifetime of ttlSeconds must be refreshed at now (epoch ms). The
// boundary itself does not trigger a refresh.
func ShouldRefresh(receivedAt, ttlSeconds, now int64) bool {
	// ttl * 1000 * 90 / 100, kept integral
	margin := ttlSeconds * 10 * refreshMarginPercent
	return receivedAt < now-margin
}

// millis is the store's timestamp unit
func millis(t time.Time) int64 {
	return t.UnixMilli()
}
