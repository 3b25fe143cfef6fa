// Package handlers contains the HTTP handler implementations for the
// billingsync API.
//
// This file implements the subscription endpoints:
//   - Reconciliation (check-subscription)
//   - Mutations (create-checkout, update-subscription, cancel-pending-change)
//   - Hosted pages (customer-portal) and billing history (invoices)
//   - Catalog and permission lookups for clients
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"billingsync/internal/billing"
	"billingsync/internal/core"
	"billingsync/internal/types"
)

// --- Service Interfaces ---
//
// Defined next to the handler and injected through the constructor so tests
// can substitute function-field mocks.

// SubscriptionReconciler rebuilds the principal's snapshot from the provider.
// Implemented by billing.Reconciler.
type SubscriptionReconciler interface {
	Reconcile(ctx context.Context, p types.Principal) (*types.SubscriptionSnapshot, error)
}

// SubscriptionMutator is the mutation pathway. Implemented by billing.Updater.
type SubscriptionMutator interface {
	Update(ctx context.Context, p types.Principal, req types.UpdateRequest) (*types.UpdateResult, error)
	CreateCheckout(ctx context.Context, p types.Principal, priceRef string) (*types.RedirectResult, error)
	Portal(ctx context.Context, p types.Principal, flow types.PortalFlow) (*types.RedirectResult, error)
	Invoices(ctx context.Context, p types.Principal, params types.ListInvoicesParams) ([]*types.Invoice, types.PageInfo, error)
}

// PlanLister exposes the static plan catalog. Implemented by billing.Catalog.
type PlanLister interface {
	Plans() []billing.Plan
}

// --- Request/Response Models ---

// CreateCheckoutRequest is the body of POST /v1/billing/create-checkout.
// Redirect URLs are built server-side from APP_URL and never accepted from
// the client.
type CreateCheckoutRequest struct {
	PriceID string `json:"price_id" validate:"required"`
}

// PortalRequest is the optional body of POST /v1/billing/customer-portal.
type PortalRequest struct {
	Flow types.PortalFlow `json:"flow,omitempty" validate:"portal_flow"`
}

// PlansResponse wraps the catalog for POST /v1/billing/plans.
type PlansResponse struct {
	Plans []billing.Plan `json:"plans"`
}

// --- Billing Handler ---

// BillingHandler serves the authenticated subscription endpoints. reconciler
// and mutator are nil when Stripe is not configured; those endpoints then
// answer internal_not_configured while plans and permissions keep working.
type BillingHandler struct {
	reconciler SubscriptionReconciler
	mutator    SubscriptionMutator
	plans      PlanLister
	validator  *core.Validator
	logger     *slog.Logger
}

// NewBillingHandler creates a BillingHandler with the provided dependencies.
func NewBillingHandler(
	reconciler SubscriptionReconciler,
	mutator SubscriptionMutator,
	plans PlanLister,
	v *core.Validator,
	l *slog.Logger,
) *BillingHandler {
	if l == nil {
		l = slog.Default()
	}
	if v == nil {
		v = core.NewValidator(l)
	}
	return &BillingHandler{
		reconciler: reconciler,
		mutator:    mutator,
		plans:      plans,
		validator:  v,
		logger:     l,
	}
}

// RegisterRoutes mounts the billing endpoints. Every route is a POST with a
// JSON body; authentication is applied by the core middleware chain.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Route("/billing", func(r chi.Router) {
		r.Post("/check-subscription", h.CheckSubscription)
		r.Post("/create-checkout", h.CreateCheckout)
		r.Post("/update-subscription", h.UpdateSubscription)
		r.Post("/customer-portal", h.CustomerPortal)
		r.Post("/cancel-pending-change", h.CancelPendingChange)
		r.Post("/invoices", h.ListInvoices)
		r.Post("/plans", h.ListPlans)
		r.Post("/permissions", h.GetPermissions)
	})
}

// principal extracts the authenticated principal, writing a 401 when absent.
func principal(w http.ResponseWriter, r *http.Request) (types.Principal, bool) {
	p, ok := types.GetPrincipal(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "Authentication required", nil))
		return types.Principal{}, false
	}
	return p, true
}

func (h *BillingHandler) billingReady(w http.ResponseWriter, r *http.Request) bool {
	if h.reconciler == nil || h.mutator == nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeInternalNotConfigured, "billing is not configured", nil))
		return false
	}
	return true
}

// --- Billing Handler Methods ---

// CheckSubscription handles POST /v1/billing/check-subscription.
//
// Reconciles the caller's subscription against Stripe, persists the summary
// and returns the fresh snapshot. The body is ignored.
func (h *BillingHandler) CheckSubscription(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok || !h.billingReady(w, r) {
		return
	}

	snap, err := h.reconciler.Reconcile(r.Context(), p)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "subscription check failed",
			"user_id", p.ID,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: snap})
}

// CreateCheckout handles POST /v1/billing/create-checkout.
func (h *BillingHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok || !h.billingReady(w, r) {
		return
	}

	var req CreateCheckoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	res, err := h.mutator.CreateCheckout(r.Context(), p, req.PriceID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to create checkout session",
			"user_id", p.ID,
			"price_id", req.PriceID,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: res})
}

// UpdateSubscription handles POST /v1/billing/update-subscription.
//
// The body carries exactly one intent: a target price or cycle, cancel,
// renew or cancel_pending. The outcome is reported in the action field.
func (h *BillingHandler) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok || !h.billingReady(w, r) {
		return
	}

	var req types.UpdateRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}

	h.runUpdate(w, r, p, req)
}

// CancelPendingChange handles POST /v1/billing/cancel-pending-change. It is
// shorthand for update-subscription with cancel_pending set.
func (h *BillingHandler) CancelPendingChange(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok || !h.billingReady(w, r) {
		return
	}

	h.runUpdate(w, r, p, types.UpdateRequest{CancelPending: true})
}

func (h *BillingHandler) runUpdate(w http.ResponseWriter, r *http.Request, p types.Principal, req types.UpdateRequest) {
	res, err := h.mutator.Update(r.Context(), p, req)
	if err != nil {
		level := slog.LevelError
		if types.KindOf(err) == types.KindValidation {
			level = slog.LevelWarn
		}
		h.logger.Log(r.Context(), level, "subscription update rejected",
			"user_id", p.ID,
			"price_id", req.PriceRef,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "subscription updated",
		"user_id", p.ID,
		"action", res.Action,
	)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: res})
}

// CustomerPortal handles POST /v1/billing/customer-portal.
func (h *BillingHandler) CustomerPortal(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok || !h.billingReady(w, r) {
		return
	}

	var req PortalRequest
	if err := core.DecodeOptionalJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	res, err := h.mutator.Portal(r.Context(), p, req.Flow)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to create portal session",
			"user_id", p.ID,
			"flow", req.Flow,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: res})
}

// ListInvoices handles POST /v1/billing/invoices.
//
// The optional body carries limit (1-100, default 10) and cursor. The next
// cursor is returned in meta.pagination.
func (h *BillingHandler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok || !h.billingReady(w, r) {
		return
	}

	params := types.ListInvoicesParams{}
	if err := core.DecodeOptionalJSON(w, r, &params); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(params); err != nil {
		core.Error(w, r, err)
		return
	}
	if params.Limit == 0 {
		params.Limit = 10
	}

	invoices, pageInfo, err := h.mutator.Invoices(r.Context(), p, params)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to list invoices",
			"user_id", p.ID,
			"error", err,
		)
		core.Error(w, r, err)
		return
	}
	if invoices == nil {
		invoices = []*types.Invoice{}
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: invoices,
		Meta: &types.ResponseMeta{Pagination: &pageInfo},
	})
}

// ListPlans handles POST /v1/billing/plans. The catalog is static and is
// served even when Stripe is not configured.
func (h *BillingHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	if h.plans == nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeInternalNotConfigured, "plan catalog is not configured", nil))
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: PlansResponse{Plans: h.plans.Plans()}})
}

// GetPermissions handles POST /v1/billing/permissions and returns the roles
// granted to the caller by the identity provider.
func (h *BillingHandler) GetPermissions(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	roles := p.Roles
	if roles == nil {
		roles = []string{}
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: types.Permissions{Roles: roles}})
}
