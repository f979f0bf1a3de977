package tokens

import (
	"time"

	"github.com/and161185/mealsync/internal/model"
)

// BufferSeconds is the margin around expiry used by both refresh policies.
const BufferSeconds = 300

// NeedsProactiveRefresh is true once now >= obtained + lifetime - BufferSeconds.
func NeedsProactiveRefresh(tok model.AuthToken, now time.Time) bool {
	deadline := tok.LastRefreshTimestamp + int64(tok.ExpiresInMinutes)*60 - BufferSeconds
	return now.Unix() >= deadline
}

// WithinReactiveWindow is true when now lies within BufferSeconds of expiry,
// on either side.
func WithinReactiveWindow(tok model.AuthToken, now time.Time) bool {
	d := now.Unix() - tok.ExpiresAt().Unix()
	if d < 0 {
		d = -d
	}
	return d <= BufferSeconds
}
