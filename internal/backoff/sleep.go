package backoff

import "time"

// newTimer wraps time.NewTimer so tests can substitute a fake clock.
var newTimer = func(d time.Duration) *time.Timer {
	return time.NewTimer(d)
}
