package gateway

import "github.com/basket/kiro-gateway/internal/pool"

// detectChannelID returns the channel id embedded in sessionKey, or ""
// if sessionKey carries no recognizable channel reference (§4.5). It
// delegates to pool.DetectChannelID, the route table's own lookup key,
// so the Bridge's pre-flight logging can never drift from the pattern
// that actually decides routing.
func detectChannelID(sessionKey string) string {
	return pool.DetectChannelID(sessionKey)
}
