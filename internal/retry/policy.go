// Package retry decides whether and when a failed delivery is attempted again.
package retry

import "time"

// Policy implements stepped backoff: the n-th retry waits n times the base
// delay (5/10/15 minutes with the default base).
type Policy struct {
	BaseDelay time.Duration
}

const DefaultBaseDelay = 5 * time.Minute

func NewPolicy(base time.Duration) Policy {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	return Policy{BaseDelay: base}
}

// Next reports whether a task that just failed with the given retry count
// may be retried, and after what delay. A failure with retryCount already at
// maxRetries is terminal.
func (p Policy) Next(retryCount, maxRetries int) (time.Duration, bool) {
	if retryCount >= maxRetries {
		return 0, false
	}
	return time.Duration(retryCount+1) * p.BaseDelay, true
}
