package supervisor

import (
	"time"

	"github.com/devherd/devherd/internal/spec"
)

// backoffDelay computes the wait before restart attempt number `restarts`
// (zero-based): min(base << restarts, cap). The shift is clamped so large
// counters cannot overflow the duration.
func backoffDelay(restarts int, base, cap time.Duration) time.Duration {
	if base <= 0 {
		base = spec.DefaultBackoffBase
	}
	if cap < base {
		cap = base
	}
	d := base
	for i := 0; i < restarts; i++ {
		d *= 2
		if d >= cap || d <= 0 {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

// allowRestart reports whether another automatic restart may be attempted
// after `restarts` have already been consumed. max of -1 means unlimited.
func allowRestart(restarts, max int) bool {
	if max == spec.UnlimitedRestarts {
		return true
	}
	return restarts < max
}
