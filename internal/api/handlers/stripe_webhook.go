package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"billingsync/internal/core"
	"billingsync/internal/types"
)

// maxWebhookBodySize bounds a Stripe event payload (64 KB).
const maxWebhookBodySize = 64 * 1024

// SummaryLookup maps a Stripe customer back to the user it was reconciled
// for. Implemented by db.SubscriptionSummaryRepo.
type SummaryLookup interface {
	GetByCustomerID(ctx context.Context, customerID string) (*types.SubscriptionSummary, error)
}

// CustomerReconciler refreshes the stored summary for a known customer.
// Implemented by billing.Reconciler.
type CustomerReconciler interface {
	ReconcileCustomer(ctx context.Context, p types.Principal, customerID string) (*types.SubscriptionSnapshot, error)
}

// StripeWebhookHandler refreshes stored summaries when Stripe reports a
// subscription change, so the durable summary does not wait for the user's
// next check. It sits outside bearer auth and verifies the Stripe-Signature
// header instead.
type StripeWebhookHandler struct {
	summaries  SummaryLookup
	reconciler CustomerReconciler
	secret     string
	logger     *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler.
func NewStripeWebhookHandler(
	summaries SummaryLookup,
	reconciler CustomerReconciler,
	secret string,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		summaries:  summaries,
		reconciler: reconciler,
		secret:     secret,
		logger:     logger,
	}
}

// RegisterRoutes mounts POST /webhooks/stripe. Register it through the
// server's public registrars so bearer auth does not apply.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle verifies and processes one Stripe event.
//
//  1. Reads the body (64 KB limit) and verifies Stripe-Signature.
//  2. Ignores event types that cannot change a subscription.
//  3. Resolves the customer to a stored summary and reconciles it.
//  4. Acknowledges with 200 even when processing fails, so Stripe does not
//     retry an event that will be picked up by the user's next check anyway.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidJSON, "failed to read request body", err))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.logger.WarnContext(r.Context(), "missing Stripe-Signature header")
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "missing Stripe-Signature header", nil))
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed", "error", err)
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "webhook signature verification failed", err))
		return
	}

	if !affectsSubscription(event.Type) {
		h.logger.DebugContext(r.Context(), "ignoring stripe event",
			"event_id", event.ID,
			"event_type", event.Type,
		)
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.process(r.Context(), event); err != nil {
		h.logger.ErrorContext(r.Context(), "webhook event processing failed",
			"event_id", event.ID,
			"event_type", event.Type,
			"error", err,
		)
	}

	w.WriteHeader(http.StatusOK)
}

func (h *StripeWebhookHandler) process(ctx context.Context, event stripe.Event) error {
	customerID, err := eventCustomerID(event)
	if err != nil {
		return err
	}
	if customerID == "" {
		h.logger.WarnContext(ctx, "stripe event without customer", "event_id", event.ID)
		return nil
	}

	summary, err := h.summaries.GetByCustomerID(ctx, customerID)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundCustomer {
			// Not reconciled yet; the first check will create the summary.
			h.logger.InfoContext(ctx, "no summary for stripe customer",
				"event_id", event.ID,
				"customer_id", customerID,
			)
			return nil
		}
		return err
	}

	p := types.Principal{ID: summary.UserID, Email: summary.Email}
	snap, err := h.reconciler.ReconcileCustomer(ctx, p, customerID)
	if err != nil {
		return err
	}

	h.logger.InfoContext(ctx, "summary refreshed from stripe event",
		"event_id", event.ID,
		"event_type", event.Type,
		"user_id", p.ID,
		"subscribed", snap.Subscribed,
	)
	return nil
}

// affectsSubscription reports whether an event can change what the stored
// summary shows.
func affectsSubscription(t stripe.EventType) bool {
	s := string(t)
	switch {
	case strings.HasPrefix(s, "customer.subscription."),
		strings.HasPrefix(s, "subscription_schedule."):
		return true
	case t == stripe.EventTypeCheckoutSessionCompleted,
		t == stripe.EventTypeCustomerUpdated,
		t == stripe.EventTypePaymentMethodAttached:
		return true
	}
	return false
}

// eventCustomerID extracts the customer from the event object. Customer
// objects carry it as id; the others carry a customer field that is either
// an ID or, when expanded, an object.
func eventCustomerID(event stripe.Event) (string, error) {
	if event.Data == nil {
		return "", nil
	}

	var obj struct {
		Object   string          `json:"object"`
		ID       string          `json:"id"`
		Customer json.RawMessage `json:"customer"`
	}
	if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
		return "", err
	}
	if obj.Object == "customer" {
		return obj.ID, nil
	}
	if len(obj.Customer) == 0 || string(obj.Customer) == "null" {
		return "", nil
	}

	var id string
	if err := json.Unmarshal(obj.Customer, &id); err == nil {
		return id, nil
	}
	var expanded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(obj.Customer, &expanded); err != nil {
		return "", err
	}
	return expanded.ID, nil
}
