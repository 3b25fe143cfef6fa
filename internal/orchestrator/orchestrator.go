// Package orchestrator owns a client session's view of the subscription. It
// decides when to ask the server for a fresh snapshot, mirrors results into
// the durable cache, and runs plan-change actions through the gateway.
//
// The server's reconciliation response is always authoritative: actions never
// edit the snapshot directly, they invalidate the cache so the next check
// fetches the post-mutation state.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"billingsync/internal/billing"
	"billingsync/internal/cache"
	"billingsync/internal/config"
	"billingsync/internal/gateway"
	"billingsync/internal/policy"
	"billingsync/internal/types"
)

// Gateway is the remote billing boundary. Implemented by
// gateway.HTTPGateway.
type Gateway interface {
	FetchStatus(ctx context.Context) (*types.SubscriptionSnapshot, error)
	CreateCheckout(ctx context.Context, priceRef string) (*types.RedirectResult, error)
	UpdateSubscription(ctx context.Context, req types.UpdateRequest) (*types.UpdateResult, error)
	OpenManagementPortal(ctx context.Context, flow types.PortalFlow) (*types.RedirectResult, error)
	CancelPendingChange(ctx context.Context) (*types.UpdateResult, error)
	FetchPermissions(ctx context.Context) (types.Permissions, error)
}

var _ Gateway = (*gateway.HTTPGateway)(nil)

// PrincipalSource reports who is signed in. ok is false when nobody is.
type PrincipalSource interface {
	CurrentPrincipal() (p types.Principal, ok bool)
}

// PriceResolver maps plans to provider prices. Implemented by
// billing.Catalog.
type PriceResolver interface {
	PriceFor(id billing.PlanID, cycle types.BillingCycle) (string, bool)
	ResolvePrice(ref string) (billing.PriceInfo, bool)
	ClassifyChange(currentRef, targetRef string, scheduleAtPeriodEnd bool) (billing.ChangeKind, error)
}

var _ PriceResolver = (*billing.Catalog)(nil)

// SubscriptionState is the derived lifecycle state of the snapshot.
type SubscriptionState string

const (
	StateNone                SubscriptionState = "NONE"
	StateActive              SubscriptionState = "ACTIVE"
	StateActiveCanceling     SubscriptionState = "ACTIVE_CANCELING"
	StateActivePendingChange SubscriptionState = "ACTIVE_PENDING_CHANGE"
)

// DeriveState computes the state of snap. A pending change wins over
// cancel_at_period_end since a scheduled free-tier downgrade sets both.
func DeriveState(snap *types.SubscriptionSnapshot) SubscriptionState {
	switch {
	case snap == nil || !snap.Subscribed:
		return StateNone
	case snap.HasPendingChange():
		return StateActivePendingChange
	case snap.CancelAtPeriodEnd:
		return StateActiveCanceling
	default:
		return StateActive
	}
}

// Status is everything a UI needs to render billing state.
type Status struct {
	Snapshot *types.SubscriptionSnapshot
	State    SubscriptionState
	// Refreshing is true while a background check is in flight.
	Refreshing bool
	// ActionLoading is true while a user-initiated action is in flight;
	// controls should be disabled only then.
	ActionLoading bool
	InErrorState  bool
	ErrorCount    int
	LastError     error
	LastAttemptAt time.Time
	LastCheckAt   time.Time
	LastChangeAt  time.Time
}

// CheckOptions parameterizes Check.
type CheckOptions struct {
	Force bool
	// Route is the screen or path the user is on.
	Route string
}

const (
	defaultDebounce       = 300 * time.Millisecond
	defaultErrorThreshold = 3
)

// Orchestrator is safe for concurrent use. At most one FetchStatus call per
// principal is outstanding at a time. Store I/O never runs under the state
// lock.
type Orchestrator struct {
	gateway    Gateway
	store      cache.Store
	principals PrincipalSource
	prices     PriceResolver

	policy         policy.Policy
	now            func() time.Time
	sleep          func(ctx context.Context, d time.Duration) error
	logger         *slog.Logger
	debounce       time.Duration
	errorThreshold int
	permAttempts   int
	permBackoff    time.Duration

	mu             sync.Mutex
	visits         *policy.SessionVisits
	snapshot       *types.SubscriptionSnapshot
	principalID    string
	generation     uint64
	checking       bool
	checkingGen    uint64
	actionLoading  bool
	lastCheckAt    time.Time
	lastChangeAt   time.Time
	lastAttemptAt  time.Time
	retryNotBefore time.Time
	errorCount     int
	inErrorState   bool
	lastError      error

	refreshMu      sync.Mutex
	refreshTimer   *time.Timer
	refreshWaiters []chan CheckResult
	refreshCtx     context.Context
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSleep overrides how the permission lookup waits between attempts.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

// WithPolicy overrides the check intervals.
func WithPolicy(p policy.Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithDebounce sets the Refresh collapse window.
func WithDebounce(d time.Duration) Option {
	return func(o *Orchestrator) { o.debounce = d }
}

// WithErrorThreshold sets how many consecutive failures enter error state.
func WithErrorThreshold(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.errorThreshold = n
		}
	}
}

// WithPrices sets the catalog used to validate plan selections.
func WithPrices(p PriceResolver) Option {
	return func(o *Orchestrator) { o.prices = p }
}

// WithPermissionRetry sets the attempt count and initial backoff of
// ResolvePermissions.
func WithPermissionRetry(attempts int, backoff time.Duration) Option {
	return func(o *Orchestrator) {
		if attempts > 0 {
			o.permAttempts = attempts
		}
		if backoff > 0 {
			o.permBackoff = backoff
		}
	}
}

// New creates an Orchestrator. Without WithPrices, plan selection uses the
// catalog with default price IDs.
func New(gw Gateway, store cache.Store, principals PrincipalSource, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		gateway:        gw,
		store:          store,
		principals:     principals,
		policy:         policy.DefaultPolicy(),
		now:            time.Now,
		sleep:          sleepContext,
		logger:         slog.Default(),
		debounce:       defaultDebounce,
		errorThreshold: defaultErrorThreshold,
		permAttempts:   3,
		permBackoff:    250 * time.Millisecond,
		visits:         policy.NewSessionVisits(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.prices == nil {
		o.prices = billing.NewCatalog(config.DefaultPrices(), "usd")
	}
	if o.store == nil {
		o.store = cache.NewMemoryStore()
	}
	return o
}

// Load restores the durable cache at startup. A record written for a
// different principal is discarded, never shown.
func (o *Orchestrator) Load(ctx context.Context) (*types.SubscriptionSnapshot, error) {
	p, signedIn := o.principals.CurrentPrincipal()

	rec, err := o.store.Read(ctx)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	if !signedIn {
		o.resetLocked("")
		o.mu.Unlock()
		if rec != nil {
			return nil, o.store.Clear(ctx)
		}
		return nil, nil
	}

	o.principalID = p.ID
	if rec == nil {
		o.mu.Unlock()
		return nil, nil
	}
	if rec.LastCheckedPrincipal != p.ID {
		o.mu.Unlock()
		o.logger.InfoContext(ctx, "discarding subscription cache of another principal")
		return nil, o.store.Clear(ctx)
	}

	o.snapshot = rec.Snapshot.Clone()
	o.lastCheckAt = rec.LastCheckAt
	o.lastChangeAt = rec.LastChangeAt
	snap := o.snapshot.Clone()
	o.mu.Unlock()
	return snap, nil
}

// Check fetches a fresh snapshot when the policy says one is due, and
// otherwise returns the current one. A call made while another check is in
// flight for the same principal returns the current snapshot immediately.
//
// Read failures fall back to the current snapshot with a nil error until the
// consecutive-failure threshold is reached; from then on the error is
// returned and non-forced checks back off. Auth failures are always
// returned.
func (o *Orchestrator) Check(ctx context.Context, opts CheckOptions) (*types.SubscriptionSnapshot, error) {
	p, signedIn := o.principals.CurrentPrincipal()
	if !signedIn {
		return nil, types.NewAppError(types.ErrCodeAuthTokenMissing, "not signed in", nil)
	}

	o.mu.Lock()
	cleared := false
	if p.ID != o.principalID {
		if o.principalID != "" {
			o.logger.InfoContext(ctx, "principal changed, clearing subscription state")
			o.resetLocked(p.ID)
			cleared = true
		}
		o.principalID = p.ID
		opts.Force = true
	}

	if o.checkingLocked() {
		snap := o.snapshot.Clone()
		o.mu.Unlock()
		o.clearStore(ctx, cleared)
		return snap, nil
	}

	now := o.now()
	if !opts.Force && o.backingOffLocked(now) {
		snap := o.snapshot.Clone()
		o.mu.Unlock()
		return snap, nil
	}

	cc := policy.CheckContext{
		Now:          now,
		LastCheckAt:  o.lastCheckAt,
		LastChangeAt: o.lastChangeAt,
		Route:        opts.Route,
		FirstVisit:   o.visits.MarkVisited(opts.Route),
	}
	if !o.policy.ShouldCheck(opts.Force, cc) {
		snap := o.snapshot.Clone()
		o.mu.Unlock()
		return snap, nil
	}

	gen := o.generation
	o.checking = true
	o.checkingGen = gen
	o.lastAttemptAt = now
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		if o.checkingGen == gen {
			o.checking = false
		}
		o.mu.Unlock()
	}()

	o.clearStore(ctx, cleared)

	snap, err := o.gateway.FetchStatus(ctx)
	return o.applyCheck(ctx, p, gen, snap, err)
}

// checkingLocked reports whether a check for the current generation is in
// flight. A check started before a reset belongs to another principal and
// does not block a new one.
func (o *Orchestrator) checkingLocked() bool {
	return o.checking && o.checkingGen == o.generation
}

// clearStore drops the durable cache after a principal change. Called
// without o.mu held.
func (o *Orchestrator) clearStore(ctx context.Context, cleared bool) {
	if !cleared {
		return
	}
	if err := o.store.Clear(ctx); err != nil {
		o.logger.WarnContext(ctx, "failed to clear subscription cache", "error", err)
	}
}

// backingOffLocked reports whether a non-forced check must be skipped
// because of recent failures or a server-advised delay.
func (o *Orchestrator) backingOffLocked(now time.Time) bool {
	if now.Before(o.retryNotBefore) {
		return true
	}
	return o.policy.ShouldSkipDueToRecentError(now, o.lastAttemptAt, o.inErrorState)
}

func (o *Orchestrator) applyCheck(ctx context.Context, p types.Principal, gen uint64, snap *types.SubscriptionSnapshot, err error) (*types.SubscriptionSnapshot, error) {
	o.mu.Lock()
	if gen != o.generation {
		// Signed out or switched principal while the request was in flight;
		// nothing current belongs to p.
		o.mu.Unlock()
		return nil, nil
	}

	if err != nil {
		o.recordFailureLocked(err)
		if delay, ok := gateway.RetryAfter(err); ok && types.KindOf(err) == types.KindRateLimit {
			o.retryNotBefore = o.now().Add(delay)
		}
		errorCount := o.errorCount
		surface := o.inErrorState || types.KindOf(err) == types.KindAuth
		current := o.snapshot.Clone()
		o.mu.Unlock()

		o.logger.WarnContext(ctx, "subscription check failed",
			"user_id", p.ID,
			"kind", types.KindOf(err),
			"error_count", errorCount,
			"error", err,
		)
		if surface {
			return current, err
		}
		return current, nil
	}

	snap = snap.Normalize()
	o.snapshot = snap.Clone()
	o.lastCheckAt = o.now()
	o.retryNotBefore = time.Time{}
	o.recordSuccessLocked()
	o.mu.Unlock()

	if err := o.store.Write(ctx, snap, p.ID); err != nil {
		o.logger.WarnContext(ctx, "failed to persist subscription cache", "error", err)
	}
	return snap.Clone(), nil
}

func (o *Orchestrator) recordFailureLocked(err error) {
	o.errorCount++
	o.lastError = err
	if o.errorCount >= o.errorThreshold {
		o.inErrorState = true
	}
}

func (o *Orchestrator) recordSuccessLocked() {
	o.errorCount = 0
	o.lastError = nil
	o.inErrorState = false
}

// resetLocked drops all session state and starts a new generation so
// in-flight results for the previous principal are ignored.
func (o *Orchestrator) resetLocked(principalID string) {
	o.generation++
	o.principalID = principalID
	o.snapshot = nil
	o.lastCheckAt = time.Time{}
	o.lastChangeAt = time.Time{}
	o.lastAttemptAt = time.Time{}
	o.retryNotBefore = time.Time{}
	o.errorCount = 0
	o.inErrorState = false
	o.lastError = nil
	o.visits = policy.NewSessionVisits()
}

// Snapshot returns a copy of the current snapshot, nil before the first
// successful check or cache load.
func (o *Orchestrator) Snapshot() *types.SubscriptionSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshot.Clone()
}

// State returns the derived lifecycle state.
func (o *Orchestrator) State() SubscriptionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return DeriveState(o.snapshot)
}

// Status returns the UI view of the orchestrator.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Status{
		Snapshot:      o.snapshot.Clone(),
		State:         DeriveState(o.snapshot),
		Refreshing:    o.checkingLocked(),
		ActionLoading: o.actionLoading,
		InErrorState:  o.inErrorState,
		ErrorCount:    o.errorCount,
		LastError:     o.lastError,
		LastAttemptAt: o.lastAttemptAt,
		LastCheckAt:   o.lastCheckAt,
		LastChangeAt:  o.lastChangeAt,
	}
}

// ClearError dismisses the persistent error state, e.g. from a banner's
// retry control.
func (o *Orchestrator) ClearError() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recordSuccessLocked()
	o.retryNotBefore = time.Time{}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
