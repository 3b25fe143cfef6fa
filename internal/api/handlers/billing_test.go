package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"billingsync/internal/billing"
	"billingsync/internal/core"
	"billingsync/internal/types"
)

// =============================================================================
// Mock Implementations
// =============================================================================

type mockReconciler struct {
	reconcileFn func(ctx context.Context, p types.Principal) (*types.SubscriptionSnapshot, error)
}

func (m *mockReconciler) Reconcile(ctx context.Context, p types.Principal) (*types.SubscriptionSnapshot, error) {
	if m.reconcileFn != nil {
		return m.reconcileFn(ctx, p)
	}
	return types.UnsubscribedSnapshot(), nil
}

type mockMutator struct {
	updateFn         func(ctx context.Context, p types.Principal, req types.UpdateRequest) (*types.UpdateResult, error)
	createCheckoutFn func(ctx context.Context, p types.Principal, priceRef string) (*types.RedirectResult, error)
	portalFn         func(ctx context.Context, p types.Principal, flow types.PortalFlow) (*types.RedirectResult, error)
	invoicesFn       func(ctx context.Context, p types.Principal, params types.ListInvoicesParams) ([]*types.Invoice, types.PageInfo, error)
}

func (m *mockMutator) Update(ctx context.Context, p types.Principal, req types.UpdateRequest) (*types.UpdateResult, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, p, req)
	}
	return &types.UpdateResult{Action: types.ActionNoChange}, nil
}

func (m *mockMutator) CreateCheckout(ctx context.Context, p types.Principal, priceRef string) (*types.RedirectResult, error) {
	if m.createCheckoutFn != nil {
		return m.createCheckoutFn(ctx, p, priceRef)
	}
	return &types.RedirectResult{URL: "https://checkout.stripe.com/c/test"}, nil
}

func (m *mockMutator) Portal(ctx context.Context, p types.Principal, flow types.PortalFlow) (*types.RedirectResult, error) {
	if m.portalFn != nil {
		return m.portalFn(ctx, p, flow)
	}
	return &types.RedirectResult{URL: "https://billing.stripe.com/p/test"}, nil
}

func (m *mockMutator) Invoices(ctx context.Context, p types.Principal, params types.ListInvoicesParams) ([]*types.Invoice, types.PageInfo, error) {
	if m.invoicesFn != nil {
		return m.invoicesFn(ctx, p, params)
	}
	return nil, types.PageInfo{}, nil
}

type mockPlans struct{}

func (mockPlans) Plans() []billing.Plan {
	return []billing.Plan{
		{ID: billing.PlanFree, Name: "Free", Free: true},
		{ID: billing.PlanStandard, Name: "Standard", ShowUpgradeButton: true},
	}
}

// =============================================================================
// Helpers
// =============================================================================

var testPrincipal = types.Principal{ID: "user_test_123", Email: "user@example.com", Roles: []string{"member"}}

func newTestBillingHandler(rec SubscriptionReconciler, mut SubscriptionMutator) *BillingHandler {
	logger := slog.Default()
	return NewBillingHandler(rec, mut, mockPlans{}, core.NewValidator(logger), logger)
}

func contextWithPrincipal(p types.Principal) context.Context {
	ctx := types.WithRequestID(context.Background(), "req_test_123")
	return types.WithPrincipal(ctx, p)
}

// makeRequest creates an HTTP request with the given method, path, body, and context.
func makeRequest(method, path string, body interface{}, ctx context.Context) *http.Request {
	var reqBody *bytes.Buffer
	if body != nil {
		data, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if ctx != nil {
		req = req.WithContext(ctx)
	}
	return req
}

// parseJSONResponse decodes the response body into the given target.
func parseJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse response body: %v\nbody: %s", err, rr.Body.String())
	}
}

func assertErrorCode(t *testing.T, rr *httptest.ResponseRecorder, status int, code types.ErrorCode) {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, rr.Code, rr.Body.String())
	}
	var resp core.APIErrorResponse
	parseJSONResponse(t, rr, &resp)
	if resp.Code != string(code) {
		t.Errorf("expected error code %s, got %s", code, resp.Code)
	}
	if resp.Error == "" {
		t.Error("expected a human-readable error message")
	}
}

// =============================================================================
// CheckSubscription
// =============================================================================

func TestCheckSubscription_Success(t *testing.T) {
	end := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var gotPrincipal types.Principal
	rec := &mockReconciler{
		reconcileFn: func(_ context.Context, p types.Principal) (*types.SubscriptionSnapshot, error) {
			gotPrincipal = p
			return &types.SubscriptionSnapshot{
				Subscribed:  true,
				Tier:        types.StringPtr("Premium"),
				CurrentPlan: types.StringPtr("price_premium_monthly"),
				End:         &end,
			}, nil
		},
	}
	h := newTestBillingHandler(rec, &mockMutator{})

	rr := httptest.NewRecorder()
	h.CheckSubscription(rr, makeRequest(http.MethodPost, "/v1/billing/check-subscription", nil, contextWithPrincipal(testPrincipal)))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotPrincipal.ID != testPrincipal.ID {
		t.Errorf("principal not forwarded: %+v", gotPrincipal)
	}

	var resp struct {
		Data types.SubscriptionSnapshot `json:"data"`
	}
	parseJSONResponse(t, rr, &resp)
	if !resp.Data.Subscribed || resp.Data.TierName() != "Premium" {
		t.Errorf("unexpected snapshot: %+v", resp.Data)
	}
}

func TestCheckSubscription_ProviderError(t *testing.T) {
	rec := &mockReconciler{
		reconcileFn: func(context.Context, types.Principal) (*types.SubscriptionSnapshot, error) {
			return nil, types.NewAppError(types.ErrCodeUpstreamStripe, "stripe unavailable", nil)
		},
	}
	h := newTestBillingHandler(rec, &mockMutator{})

	rr := httptest.NewRecorder()
	h.CheckSubscription(rr, makeRequest(http.MethodPost, "/", nil, contextWithPrincipal(testPrincipal)))

	assertErrorCode(t, rr, http.StatusBadGateway, types.ErrCodeUpstreamStripe)
}

func TestCheckSubscription_Unauthenticated(t *testing.T) {
	h := newTestBillingHandler(&mockReconciler{}, &mockMutator{})

	rr := httptest.NewRecorder()
	h.CheckSubscription(rr, makeRequest(http.MethodPost, "/", nil, context.Background()))

	assertErrorCode(t, rr, http.StatusUnauthorized, types.ErrCodeAuthTokenMissing)
}

func TestBillingEndpoints_NotConfigured(t *testing.T) {
	h := NewBillingHandler(nil, nil, mockPlans{}, nil, nil)
	ctx := contextWithPrincipal(testPrincipal)

	handlers := map[string]http.HandlerFunc{
		"check-subscription":    h.CheckSubscription,
		"create-checkout":       h.CreateCheckout,
		"update-subscription":   h.UpdateSubscription,
		"customer-portal":       h.CustomerPortal,
		"cancel-pending-change": h.CancelPendingChange,
		"invoices":              h.ListInvoices,
	}
	for name, fn := range handlers {
		t.Run(name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			fn(rr, makeRequest(http.MethodPost, "/v1/billing/"+name, map[string]string{"price_id": "p"}, ctx))
			assertErrorCode(t, rr, http.StatusInternalServerError, types.ErrCodeInternalNotConfigured)
		})
	}

	// The catalog needs no provider.
	rr := httptest.NewRecorder()
	h.ListPlans(rr, makeRequest(http.MethodPost, "/v1/billing/plans", nil, ctx))
	if rr.Code != http.StatusOK {
		t.Errorf("plans: expected 200, got %d", rr.Code)
	}
}

// =============================================================================
// CreateCheckout
// =============================================================================

func TestCreateCheckout_Success(t *testing.T) {
	var gotPrice string
	mut := &mockMutator{
		createCheckoutFn: func(_ context.Context, _ types.Principal, priceRef string) (*types.RedirectResult, error) {
			gotPrice = priceRef
			return &types.RedirectResult{URL: "https://checkout.stripe.com/c/session"}, nil
		},
	}
	h := newTestBillingHandler(&mockReconciler{}, mut)

	rr := httptest.NewRecorder()
	body := CreateCheckoutRequest{PriceID: "price_standard_monthly"}
	h.CreateCheckout(rr, makeRequest(http.MethodPost, "/v1/billing/create-checkout", body, contextWithPrincipal(testPrincipal)))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotPrice != "price_standard_monthly" {
		t.Errorf("expected price to be forwarded, got %q", gotPrice)
	}
	var resp struct {
		Data types.RedirectResult `json:"data"`
	}
	parseJSONResponse(t, rr, &resp)
	if resp.Data.URL != "https://checkout.stripe.com/c/session" {
		t.Errorf("unexpected url %q", resp.Data.URL)
	}
}

func TestCreateCheckout_Validation(t *testing.T) {
	called := false
	mut := &mockMutator{
		createCheckoutFn: func(context.Context, types.Principal, string) (*types.RedirectResult, error) {
			called = true
			return nil, nil
		},
	}
	h := newTestBillingHandler(&mockReconciler{}, mut)
	ctx := contextWithPrincipal(testPrincipal)

	rr := httptest.NewRecorder()
	h.CreateCheckout(rr, makeRequest(http.MethodPost, "/", CreateCheckoutRequest{}, ctx))
	assertErrorCode(t, rr, http.StatusBadRequest, types.ErrCodeValidationMissingField)

	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"price_id":"p","success_url":"https://evil.example"}`)).WithContext(ctx)
	h.CreateCheckout(rr, req)
	assertErrorCode(t, rr, http.StatusBadRequest, types.ErrCodeValidationInvalidJSON)

	if called {
		t.Error("mutator must not be called for invalid requests")
	}
}

// =============================================================================
// UpdateSubscription / CancelPendingChange
// =============================================================================

func TestUpdateSubscription_Success(t *testing.T) {
	effective := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var gotReq types.UpdateRequest
	mut := &mockMutator{
		updateFn: func(_ context.Context, _ types.Principal, req types.UpdateRequest) (*types.UpdateResult, error) {
			gotReq = req
			return &types.UpdateResult{
				Action: types.ActionScheduledChange,
				PendingChange: &types.PendingChange{
					Type:          types.PendingChangePlanChange,
					EffectiveDate: effective,
				},
			}, nil
		},
	}
	h := newTestBillingHandler(&mockReconciler{}, mut)

	body := types.UpdateRequest{PriceRef: "price_standard_monthly", ScheduleAtPeriodEnd: true}
	rr := httptest.NewRecorder()
	h.UpdateSubscription(rr, makeRequest(http.MethodPost, "/v1/billing/update-subscription", body, contextWithPrincipal(testPrincipal)))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotReq.PriceRef != "price_standard_monthly" || !gotReq.ScheduleAtPeriodEnd {
		t.Errorf("request not forwarded intact: %+v", gotReq)
	}

	var resp struct {
		Data types.UpdateResult `json:"data"`
	}
	parseJSONResponse(t, rr, &resp)
	if resp.Data.Action != types.ActionScheduledChange || resp.Data.PendingChange == nil {
		t.Errorf("unexpected result: %+v", resp.Data)
	}
}

func TestUpdateSubscription_PendingChangeRejected(t *testing.T) {
	mut := &mockMutator{
		updateFn: func(context.Context, types.Principal, types.UpdateRequest) (*types.UpdateResult, error) {
			return nil, types.NewAppError(types.ErrCodeValidationPendingChange, "a scheduled change is already pending", nil)
		},
	}
	h := newTestBillingHandler(&mockReconciler{}, mut)

	rr := httptest.NewRecorder()
	h.UpdateSubscription(rr, makeRequest(http.MethodPost, "/", types.UpdateRequest{PriceRef: "price_x"}, contextWithPrincipal(testPrincipal)))

	assertErrorCode(t, rr, http.StatusBadRequest, types.ErrCodeValidationPendingChange)
}

func TestUpdateSubscription_EmptyBodyRejected(t *testing.T) {
	h := newTestBillingHandler(&mockReconciler{}, &mockMutator{})

	rr := httptest.NewRecorder()
	h.UpdateSubscription(rr, makeRequest(http.MethodPost, "/", nil, contextWithPrincipal(testPrincipal)))

	assertErrorCode(t, rr, http.StatusBadRequest, types.ErrCodeValidationInvalidJSON)
}

func TestCancelPendingChange_SendsCancelPending(t *testing.T) {
	var gotReq types.UpdateRequest
	mut := &mockMutator{
		updateFn: func(_ context.Context, _ types.Principal, req types.UpdateRequest) (*types.UpdateResult, error) {
			gotReq = req
			return &types.UpdateResult{Action: types.ActionPendingChangeCancelled}, nil
		},
	}
	h := newTestBillingHandler(&mockReconciler{}, mut)

	rr := httptest.NewRecorder()
	h.CancelPendingChange(rr, makeRequest(http.MethodPost, "/", nil, contextWithPrincipal(testPrincipal)))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !gotReq.CancelPending || gotReq.PriceRef != "" || gotReq.Cancel || gotReq.Renew {
		t.Errorf("expected only cancel_pending, got %+v", gotReq)
	}
}

// =============================================================================
// CustomerPortal
// =============================================================================

func TestCustomerPortal_Flows(t *testing.T) {
	var gotFlow types.PortalFlow
	mut := &mockMutator{
		portalFn: func(_ context.Context, _ types.Principal, flow types.PortalFlow) (*types.RedirectResult, error) {
			gotFlow = flow
			return &types.RedirectResult{URL: "https://billing.stripe.com/p/session"}, nil
		},
	}
	h := newTestBillingHandler(&mockReconciler{}, mut)
	ctx := contextWithPrincipal(testPrincipal)

	rr := httptest.NewRecorder()
	h.CustomerPortal(rr, makeRequest(http.MethodPost, "/", nil, ctx))
	if rr.Code != http.StatusOK || gotFlow != types.PortalFlowNone {
		t.Errorf("empty body: expected 200 with no flow, got %d flow=%q", rr.Code, gotFlow)
	}

	rr = httptest.NewRecorder()
	h.CustomerPortal(rr, makeRequest(http.MethodPost, "/", PortalRequest{Flow: types.PortalFlowPaymentMethodUpdate}, ctx))
	if rr.Code != http.StatusOK || gotFlow != types.PortalFlowPaymentMethodUpdate {
		t.Errorf("payment flow: expected 200, got %d flow=%q", rr.Code, gotFlow)
	}

	rr = httptest.NewRecorder()
	h.CustomerPortal(rr, makeRequest(http.MethodPost, "/", map[string]string{"flow": "delete_everything"}, ctx))
	assertErrorCode(t, rr, http.StatusBadRequest, types.ErrCodeValidationInvalidField)
}

// =============================================================================
// ListInvoices
// =============================================================================

func TestListInvoices_DefaultsAndPagination(t *testing.T) {
	var gotParams types.ListInvoicesParams
	mut := &mockMutator{
		invoicesFn: func(_ context.Context, _ types.Principal, params types.ListInvoicesParams) ([]*types.Invoice, types.PageInfo, error) {
			gotParams = params
			return []*types.Invoice{{ID: "in_1", Status: "paid", AmountPaid: 999, Currency: "usd"}},
				types.PageInfo{HasMore: true, NextCursor: "in_1"}, nil
		},
	}
	h := newTestBillingHandler(&mockReconciler{}, mut)

	rr := httptest.NewRecorder()
	h.ListInvoices(rr, makeRequest(http.MethodPost, "/", nil, contextWithPrincipal(testPrincipal)))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotParams.Limit != 10 {
		t.Errorf("expected default limit 10, got %d", gotParams.Limit)
	}

	var resp struct {
		Data []types.Invoice    `json:"data"`
		Meta types.ResponseMeta `json:"meta"`
	}
	parseJSONResponse(t, rr, &resp)
	if len(resp.Data) != 1 || resp.Data[0].ID != "in_1" {
		t.Errorf("unexpected invoices: %+v", resp.Data)
	}
	if resp.Meta.Pagination == nil || !resp.Meta.Pagination.HasMore || resp.Meta.Pagination.NextCursor != "in_1" {
		t.Errorf("unexpected pagination: %+v", resp.Meta.Pagination)
	}
}

func TestListInvoices_EmptyIsArray(t *testing.T) {
	h := newTestBillingHandler(&mockReconciler{}, &mockMutator{})

	rr := httptest.NewRecorder()
	h.ListInvoices(rr, makeRequest(http.MethodPost, "/", nil, contextWithPrincipal(testPrincipal)))

	if !strings.Contains(rr.Body.String(), `"data":[]`) {
		t.Errorf("expected empty array, got %s", rr.Body.String())
	}
}

func TestListInvoices_LimitOutOfRange(t *testing.T) {
	h := newTestBillingHandler(&mockReconciler{}, &mockMutator{})

	rr := httptest.NewRecorder()
	h.ListInvoices(rr, makeRequest(http.MethodPost, "/", types.ListInvoicesParams{Limit: 500}, contextWithPrincipal(testPrincipal)))

	assertErrorCode(t, rr, http.StatusBadRequest, types.ErrCodeValidationInvalidField)
}

func TestListInvoices_UpstreamError(t *testing.T) {
	mut := &mockMutator{
		invoicesFn: func(context.Context, types.Principal, types.ListInvoicesParams) ([]*types.Invoice, types.PageInfo, error) {
			return nil, types.PageInfo{}, errors.New("connection reset")
		},
	}
	h := newTestBillingHandler(&mockReconciler{}, mut)

	rr := httptest.NewRecorder()
	h.ListInvoices(rr, makeRequest(http.MethodPost, "/", nil, contextWithPrincipal(testPrincipal)))

	assertErrorCode(t, rr, http.StatusInternalServerError, types.ErrCodeInternalUnexpected)
}

// =============================================================================
// Plans / Permissions
// =============================================================================

func TestListPlans(t *testing.T) {
	h := newTestBillingHandler(&mockReconciler{}, &mockMutator{})

	rr := httptest.NewRecorder()
	h.ListPlans(rr, makeRequest(http.MethodPost, "/", nil, contextWithPrincipal(testPrincipal)))

	var resp struct {
		Data PlansResponse `json:"data"`
	}
	parseJSONResponse(t, rr, &resp)
	if len(resp.Data.Plans) != 2 || resp.Data.Plans[0].ID != billing.PlanFree {
		t.Errorf("unexpected plans: %+v", resp.Data.Plans)
	}
}

func TestGetPermissions(t *testing.T) {
	h := newTestBillingHandler(&mockReconciler{}, &mockMutator{})

	rr := httptest.NewRecorder()
	h.GetPermissions(rr, makeRequest(http.MethodPost, "/", nil, contextWithPrincipal(testPrincipal)))

	var resp struct {
		Data types.Permissions `json:"data"`
	}
	parseJSONResponse(t, rr, &resp)
	if !resp.Data.Has("member") {
		t.Errorf("expected member role, got %+v", resp.Data)
	}

	rr = httptest.NewRecorder()
	h.GetPermissions(rr, makeRequest(http.MethodPost, "/", nil, contextWithPrincipal(types.Principal{ID: "u2"})))
	if !strings.Contains(rr.Body.String(), `"roles":[]`) {
		t.Errorf("expected empty roles array, got %s", rr.Body.String())
	}
}

// =============================================================================
// Routing
// =============================================================================

func TestRegisterRoutes_MountsAllEndpoints(t *testing.T) {
	h := newTestBillingHandler(&mockReconciler{}, &mockMutator{})
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(contextWithPrincipal(testPrincipal)))
		})
	})
	h.RegisterRoutes(r)

	paths := []string{
		"/billing/check-subscription",
		"/billing/create-checkout",
		"/billing/update-subscription",
		"/billing/customer-portal",
		"/billing/cancel-pending-change",
		"/billing/invoices",
		"/billing/plans",
		"/billing/permissions",
	}
	for _, path := range paths {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, strings.NewReader(`{"price_id":"price_x"}`)))
		if rr.Code == http.StatusNotFound || rr.Code == http.StatusMethodNotAllowed {
			t.Errorf("%s: route not mounted (status %d)", path, rr.Code)
		}
	}

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/billing/plans", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET should not be allowed, got %d", rr.Code)
	}
}
