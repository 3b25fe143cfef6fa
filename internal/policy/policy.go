// Package policy decides when a client should ask the server for a fresh
// subscription snapshot. Everything here is pure: callers pass the clock
// reading and the cached timestamps in, and get a decision back. The same
// functions serve every consumer so the check cadence cannot drift between
// call sites.
package policy

import (
	"strings"
	"sync"
	"time"
)

// Policy holds the check intervals.
type Policy struct {
	// Short applies on billing-sensitive routes.
	Short time.Duration
	// Medium applies while a recent mutation may still be settling.
	Medium time.Duration
	// Long is the idle default.
	Long time.Duration
	// RecentChangeWindow is how long after a mutation Medium stays in effect.
	RecentChangeWindow time.Duration
	// RetryDelay is the backoff after a failed check while in error state.
	RetryDelay time.Duration
}

// DefaultPolicy returns the production intervals.
func DefaultPolicy() Policy {
	return Policy{
		Short:              60 * time.Second,
		Medium:             5 * time.Minute,
		Long:               10 * time.Minute,
		RecentChangeWindow: 30 * time.Minute,
		RetryDelay:         5 * time.Second,
	}
}

// CheckContext is the input to ShouldCheck. Zero timestamps mean "never".
type CheckContext struct {
	Now          time.Time
	LastCheckAt  time.Time
	LastChangeAt time.Time
	Route        string
	// FirstVisit is true on the first visit this session to a billing
	// route. See SessionVisits.
	FirstVisit bool
}

// ShouldCheck reports whether a remote check is warranted.
func (p Policy) ShouldCheck(force bool, c CheckContext) bool {
	if force {
		return true
	}
	if c.FirstVisit && IsBillingRoute(c.Route) {
		return true
	}
	if c.LastCheckAt.IsZero() {
		return true
	}

	elapsed := c.Now.Sub(c.LastCheckAt)
	if elapsed < 0 {
		// Clock moved backwards; the recorded check cannot be trusted.
		return true
	}
	return elapsed >= p.IntervalFor(c)
}

// IntervalFor returns the cache lifetime for c: Short on billing routes,
// Medium within RecentChangeWindow of a mutation, Long otherwise.
func (p Policy) IntervalFor(c CheckContext) time.Duration {
	if IsBillingRoute(c.Route) {
		return p.Short
	}
	if p.recentChange(c) {
		return p.Medium
	}
	return p.Long
}

func (p Policy) recentChange(c CheckContext) bool {
	if c.LastChangeAt.IsZero() {
		return false
	}
	since := c.Now.Sub(c.LastChangeAt)
	return since >= 0 && since < p.RecentChangeWindow
}

// ShouldSkipDueToRecentError applies p.RetryDelay to
// ShouldSkipDueToRecentError.
func (p Policy) ShouldSkipDueToRecentError(now, lastAttemptAt time.Time, inErrorState bool) bool {
	return ShouldSkipDueToRecentError(now, lastAttemptAt, inErrorState, p.RetryDelay)
}

// ShouldSkipDueToRecentError reports whether a check must be skipped because
// the caller is in error state and retryDelay has not elapsed since the last
// attempt.
func ShouldSkipDueToRecentError(now, lastAttemptAt time.Time, inErrorState bool, retryDelay time.Duration) bool {
	if !inErrorState || lastAttemptAt.IsZero() {
		return false
	}
	return now.Sub(lastAttemptAt) < retryDelay
}

var billingSegments = map[string]struct{}{
	"billing":      {},
	"plan":         {},
	"plans":        {},
	"pricing":      {},
	"subscribe":    {},
	"subscription": {},
	"checkout":     {},
}

// IsBillingRoute reports whether route shows billing or plan information.
// Any path segment may match, so "/settings/billing" qualifies.
func IsBillingRoute(route string) bool {
	for _, seg := range strings.Split(normalizeRoute(route), "/") {
		if _, ok := billingSegments[seg]; ok {
			return true
		}
	}
	return false
}

func normalizeRoute(route string) string {
	if i := strings.IndexAny(route, "?#"); i >= 0 {
		route = route[:i]
	}
	route = strings.ToLower(strings.TrimSpace(route))
	if len(route) > 1 {
		route = strings.TrimRight(route, "/")
	}
	return route
}

// SessionVisits remembers which billing routes were visited in the current
// session. A new session starts with a new SessionVisits; there is no reset.
type SessionVisits struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewSessionVisits returns an empty visit set.
func NewSessionVisits() *SessionVisits {
	return &SessionVisits{seen: make(map[string]struct{})}
}

// MarkVisited records a visit and reports whether it was the first one to
// this billing route. Non-billing routes are not tracked and always report
// false.
func (v *SessionVisits) MarkVisited(route string) bool {
	if !IsBillingRoute(route) {
		return false
	}
	key := normalizeRoute(route)

	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.seen[key]; ok {
		return false
	}
	v.seen[key] = struct{}{}
	return true
}
