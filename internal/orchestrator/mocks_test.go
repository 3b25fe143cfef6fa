package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"billingsync/internal/billing"
	"billingsync/internal/cache"
	"billingsync/internal/config"
	"billingsync/internal/types"
)

// mockGateway is a function-field Gateway that counts calls.
type mockGateway struct {
	FetchStatusFn          func(ctx context.Context) (*types.SubscriptionSnapshot, error)
	CreateCheckoutFn       func(ctx context.Context, priceRef string) (*types.RedirectResult, error)
	UpdateSubscriptionFn   func(ctx context.Context, req types.UpdateRequest) (*types.UpdateResult, error)
	OpenManagementPortalFn func(ctx context.Context, flow types.PortalFlow) (*types.RedirectResult, error)
	CancelPendingChangeFn  func(ctx context.Context) (*types.UpdateResult, error)
	FetchPermissionsFn     func(ctx context.Context) (types.Permissions, error)

	mu      sync.Mutex
	calls   map[string]int
	updates []types.UpdateRequest
}

func (m *mockGateway) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[name]++
}

func (m *mockGateway) count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

func (m *mockGateway) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}

func (m *mockGateway) FetchStatus(ctx context.Context) (*types.SubscriptionSnapshot, error) {
	m.record("FetchStatus")
	if m.FetchStatusFn != nil {
		return m.FetchStatusFn(ctx)
	}
	return types.UnsubscribedSnapshot(), nil
}

func (m *mockGateway) CreateCheckout(ctx context.Context, priceRef string) (*types.RedirectResult, error) {
	m.record("CreateCheckout")
	if m.CreateCheckoutFn != nil {
		return m.CreateCheckoutFn(ctx, priceRef)
	}
	return &types.RedirectResult{URL: "https://checkout.stripe.com/c/" + priceRef}, nil
}

func (m *mockGateway) UpdateSubscription(ctx context.Context, req types.UpdateRequest) (*types.UpdateResult, error) {
	m.record("UpdateSubscription")
	m.mu.Lock()
	m.updates = append(m.updates, req)
	m.mu.Unlock()
	if m.UpdateSubscriptionFn != nil {
		return m.UpdateSubscriptionFn(ctx, req)
	}
	return &types.UpdateResult{Action: types.ActionUpdatedSubscription}, nil
}

func (m *mockGateway) OpenManagementPortal(ctx context.Context, flow types.PortalFlow) (*types.RedirectResult, error) {
	m.record("OpenManagementPortal")
	if m.OpenManagementPortalFn != nil {
		return m.OpenManagementPortalFn(ctx, flow)
	}
	return &types.RedirectResult{URL: "https://billing.stripe.com/p/session"}, nil
}

func (m *mockGateway) CancelPendingChange(ctx context.Context) (*types.UpdateResult, error) {
	m.record("CancelPendingChange")
	if m.CancelPendingChangeFn != nil {
		return m.CancelPendingChangeFn(ctx)
	}
	return &types.UpdateResult{Action: types.ActionPendingChangeCancelled}, nil
}

func (m *mockGateway) FetchPermissions(ctx context.Context) (types.Permissions, error) {
	m.record("FetchPermissions")
	if m.FetchPermissionsFn != nil {
		return m.FetchPermissionsFn(ctx)
	}
	return types.Permissions{Roles: []string{}}, nil
}

func (m *mockGateway) lastUpdate() types.UpdateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.updates) == 0 {
		return types.UpdateRequest{}
	}
	return m.updates[len(m.updates)-1]
}

// fakePrincipals is a mutable PrincipalSource.
type fakePrincipals struct {
	mu sync.Mutex
	p  types.Principal
	ok bool
}

func signedIn(id string) *fakePrincipals {
	return &fakePrincipals{p: types.Principal{ID: id, Email: id + "@example.com"}, ok: true}
}

func (f *fakePrincipals) CurrentPrincipal() (types.Principal, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.p, f.ok
}

func (f *fakePrincipals) set(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.p = types.Principal{ID: id, Email: id + "@example.com"}
	f.ok = true
}

func (f *fakePrincipals) signOut() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.p = types.Principal{}
	f.ok = false
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 4, 10, 15, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// --- Fixtures ---

var (
	errUpstream = types.NewAppError(types.ErrCodeUpstreamStripe, "stripe unavailable", nil).
			WithDetails(map[string]any{"status": 502})
	errNetwork = types.NewAppError(types.ErrCodeNetworkUnreachable, "unreachable", errors.New("dial tcp: refused"))
)

func testCatalog() *billing.Catalog {
	return billing.NewCatalog(config.DefaultPrices(), "usd")
}

func activeSnapshot(planRef, tier string) *types.SubscriptionSnapshot {
	end := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	return &types.SubscriptionSnapshot{
		Subscribed:  true,
		Tier:        types.StringPtr(tier),
		End:         &end,
		CurrentPlan: types.StringPtr(planRef),
	}
}

func standardMonthly() *types.SubscriptionSnapshot {
	return activeSnapshot("price_standard_monthly", "Standard")
}

func premiumMonthly() *types.SubscriptionSnapshot {
	return activeSnapshot("price_premium_monthly", "Premium")
}

type harness struct {
	o          *Orchestrator
	gw         *mockGateway
	store      *cache.MemoryStore
	principals *fakePrincipals
	clock      *fakeClock
}

func newHarness(t *testing.T, gw *mockGateway, opts ...Option) *harness {
	t.Helper()
	if gw == nil {
		gw = &mockGateway{}
	}
	clock := newFakeClock()
	store := cache.NewMemoryStore(cache.WithClock(clock.Now))
	principals := signedIn("user_a")

	base := []Option{
		WithClock(clock.Now),
		WithPrices(testCatalog()),
		WithDebounce(20 * time.Millisecond),
		WithSleep(func(ctx context.Context, d time.Duration) error { return ctx.Err() }),
	}
	o := New(gw, store, principals, append(base, opts...)...)
	return &harness{o: o, gw: gw, store: store, principals: principals, clock: clock}
}

// withSnapshot primes the orchestrator through a successful forced check.
func (h *harness) withSnapshot(t *testing.T, snap *types.SubscriptionSnapshot) {
	t.Helper()
	prev := h.gw.FetchStatusFn
	h.gw.FetchStatusFn = func(context.Context) (*types.SubscriptionSnapshot, error) { return snap.Clone(), nil }
	if _, err := h.o.Check(context.Background(), CheckOptions{Force: true}); err != nil {
		t.Fatalf("priming check failed: %v", err)
	}
	h.gw.FetchStatusFn = prev
	h.gw.mu.Lock()
	h.gw.calls = nil
	h.gw.mu.Unlock()
}

// gatedStore parks Clear and MarkChange until release is closed, reporting
// each call on entered.
type gatedStore struct {
	cache.Store
	entered chan string
	release chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		Store:   cache.NewMemoryStore(),
		entered: make(chan string, 4),
		release: make(chan struct{}),
	}
}

func (s *gatedStore) Clear(ctx context.Context) error {
	s.entered <- "Clear"
	<-s.release
	return s.Store.Clear(ctx)
}

func (s *gatedStore) MarkChange(ctx context.Context) error {
	s.entered <- "MarkChange"
	<-s.release
	return s.Store.MarkChange(ctx)
}

// statusWithin fails the test when Status does not return within a second.
func statusWithin(t *testing.T, o *Orchestrator) Status {
	t.Helper()
	ch := make(chan Status, 1)
	go func() { ch <- o.Status() }()
	select {
	case st := <-ch:
		return st
	case <-time.After(time.Second):
		t.Fatal("Status blocked behind cache I/O")
		return Status{}
	}
}
