package billing

import (
	"context"
	"sync"
	"time"

	"billingsync/internal/external"
	"billingsync/internal/types"
)

// fakeStripe is a hand-written StripeAPI whose behavior is set per test via
// function fields. Unset reads return empty results; unset writes succeed.
type fakeStripe struct {
	mu    sync.Mutex
	calls []string

	findCustomerFn   func(email string) (*external.Customer, error)
	createCustomerFn func(email, userID string) (*external.Customer, error)
	getCustomerFn    func(id string) (*external.Customer, error)
	paymentMethodFn  func(id string) (*types.PaymentMethod, error)
	activeSubFn      func(customerID string) (*external.Subscription, error)
	updateSubFn      func(id string, upd external.SubscriptionUpdate) (*external.Subscription, error)
	createSchedFn    func(subID string) (*external.Schedule, error)
	updatePhasesFn   func(id string, phases []external.SchedulePhase) (*external.Schedule, error)
	releaseSchedFn   func(id string) error
	checkoutFn       func(p external.CheckoutParams) (string, error)
	portalSessionFn  func(p external.PortalSessionParams) (string, error)
	listPortalFn     func() ([]external.PortalConfiguration, error)
	createPortalFn   func(f external.PortalFeatures) (string, error)
	updatePortalFn   func(id string, f external.PortalFeatures) error
	listInvoicesFn   func(customerID string, p types.ListInvoicesParams) ([]*types.Invoice, types.PageInfo, error)
	listPricesFn     func() ([]external.CatalogPrice, error)
}

func (f *fakeStripe) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
}

func (f *fakeStripe) called(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == op {
			n++
		}
	}
	return n
}

// mutations counts provider writes.
func (f *fakeStripe) mutations() int {
	return f.called("CreateCustomer") + f.called("UpdateSubscription") + f.called("CreateSchedule") +
		f.called("UpdateSchedulePhases") + f.called("ReleaseSchedule") + f.called("CreateCheckoutSession")
}

func (f *fakeStripe) FindCustomerByEmail(_ context.Context, email string) (*external.Customer, error) {
	f.record("FindCustomerByEmail")
	if f.findCustomerFn != nil {
		return f.findCustomerFn(email)
	}
	return nil, nil
}

func (f *fakeStripe) CreateCustomer(_ context.Context, email, userID string) (*external.Customer, error) {
	f.record("CreateCustomer")
	if f.createCustomerFn != nil {
		return f.createCustomerFn(email, userID)
	}
	return &external.Customer{ID: "cus_new", Email: email}, nil
}

func (f *fakeStripe) GetCustomer(_ context.Context, id string) (*external.Customer, error) {
	f.record("GetCustomer")
	if f.getCustomerFn != nil {
		return f.getCustomerFn(id)
	}
	return &external.Customer{ID: id}, nil
}

func (f *fakeStripe) DefaultPaymentMethod(_ context.Context, id string) (*types.PaymentMethod, error) {
	f.record("DefaultPaymentMethod")
	if f.paymentMethodFn != nil {
		return f.paymentMethodFn(id)
	}
	return nil, nil
}

func (f *fakeStripe) ActiveSubscription(_ context.Context, customerID string) (*external.Subscription, error) {
	f.record("ActiveSubscription")
	if f.activeSubFn != nil {
		return f.activeSubFn(customerID)
	}
	return nil, nil
}

func (f *fakeStripe) UpdateSubscription(_ context.Context, id string, upd external.SubscriptionUpdate) (*external.Subscription, error) {
	f.record("UpdateSubscription")
	if f.updateSubFn != nil {
		return f.updateSubFn(id, upd)
	}
	return &external.Subscription{ID: id}, nil
}

func (f *fakeStripe) CreateScheduleFromSubscription(_ context.Context, subID string) (*external.Schedule, error) {
	f.record("CreateSchedule")
	if f.createSchedFn != nil {
		return f.createSchedFn(subID)
	}
	return &external.Schedule{ID: "sub_sched_new"}, nil
}

func (f *fakeStripe) UpdateSchedulePhases(_ context.Context, id string, phases []external.SchedulePhase) (*external.Schedule, error) {
	f.record("UpdateSchedulePhases")
	if f.updatePhasesFn != nil {
		return f.updatePhasesFn(id, phases)
	}
	return &external.Schedule{ID: id, Phases: phases}, nil
}

func (f *fakeStripe) ReleaseSchedule(_ context.Context, id string) error {
	f.record("ReleaseSchedule")
	if f.releaseSchedFn != nil {
		return f.releaseSchedFn(id)
	}
	return nil
}

func (f *fakeStripe) CreateCheckoutSession(_ context.Context, p external.CheckoutParams) (string, error) {
	f.record("CreateCheckoutSession")
	if f.checkoutFn != nil {
		return f.checkoutFn(p)
	}
	return "https://checkout.stripe.com/c/pay/cs_test", nil
}

func (f *fakeStripe) CreatePortalSession(_ context.Context, p external.PortalSessionParams) (string, error) {
	f.record("CreatePortalSession")
	if f.portalSessionFn != nil {
		return f.portalSessionFn(p)
	}
	return "https://billing.stripe.com/p/session/test", nil
}

func (f *fakeStripe) ListPortalConfigurations(_ context.Context) ([]external.PortalConfiguration, error) {
	f.record("ListPortalConfigurations")
	if f.listPortalFn != nil {
		return f.listPortalFn()
	}
	return nil, nil
}

func (f *fakeStripe) CreatePortalConfiguration(_ context.Context, feat external.PortalFeatures) (string, error) {
	f.record("CreatePortalConfiguration")
	if f.createPortalFn != nil {
		return f.createPortalFn(feat)
	}
	return "bpc_new", nil
}

func (f *fakeStripe) UpdatePortalConfiguration(_ context.Context, id string, feat external.PortalFeatures) error {
	f.record("UpdatePortalConfiguration")
	if f.updatePortalFn != nil {
		return f.updatePortalFn(id, feat)
	}
	return nil
}

func (f *fakeStripe) ListInvoices(_ context.Context, customerID string, p types.ListInvoicesParams) ([]*types.Invoice, types.PageInfo, error) {
	f.record("ListInvoices")
	if f.listInvoicesFn != nil {
		return f.listInvoicesFn(customerID, p)
	}
	return nil, types.PageInfo{}, nil
}

func (f *fakeStripe) ListActivePrices(_ context.Context) ([]external.CatalogPrice, error) {
	f.record("ListActivePrices")
	if f.listPricesFn != nil {
		return f.listPricesFn()
	}
	return nil, nil
}

// --- fixtures ---

var (
	testNow       = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)
	testPeriodBeg = time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	testPeriodEnd = time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
)

func testPrincipal() types.Principal {
	return types.Principal{ID: "user-1", Email: "a@example.com"}
}

func existingCustomer(string) (*external.Customer, error) {
	return &external.Customer{ID: "cus_1", Email: "a@example.com"}, nil
}

func liveSub(priceRef string) *external.Subscription {
	return &external.Subscription{
		ID:         "sub_1",
		CustomerID: "cus_1",
		Status:     "active",
		Items: []external.SubscriptionItem{{
			ID:                 "si_1",
			PriceRef:           priceRef,
			CurrentPeriodStart: testPeriodBeg,
			CurrentPeriodEnd:   testPeriodEnd,
		}},
		Metadata: map[string]string{},
	}
}

func subReturning(sub *external.Subscription) func(string) (*external.Subscription, error) {
	return func(string) (*external.Subscription, error) { return sub, nil }
}

// fakeSummaryStore records upserts.
type fakeSummaryStore struct {
	mu       sync.Mutex
	upserted []*types.SubscriptionSummary
	err      error
}

func (s *fakeSummaryStore) Upsert(_ context.Context, sum *types.SubscriptionSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserted = append(s.upserted, sum)
	return s.err
}

// fakePublisher records published events.
type fakePublisher struct {
	events []types.SubscriptionEvent
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, ev types.SubscriptionEvent) error {
	p.events = append(p.events, ev)
	return p.err
}

// fakeRecorder records metric observations.
type fakeRecorder struct {
	mu        sync.Mutex
	reconcile []string
	mutation  []string
}

func (r *fakeRecorder) ObserveReconcile(outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconcile = append(r.reconcile, outcome)
}

func (r *fakeRecorder) ObserveMutation(action types.UpdateAction, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mutation = append(r.mutation, string(action)+":"+outcome)
}
