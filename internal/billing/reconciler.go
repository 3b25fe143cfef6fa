package billing

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"billingsync/internal/external"
	"billingsync/internal/types"
)

// pendingChangeMetadataKey flags a free-tier downgrade on the subscription.
// Stripe expresses it as cancel_at_period_end, which alone is
// indistinguishable from a plain cancellation.
const pendingChangeMetadataKey = "pending_change"

// Reconciler builds the authoritative SubscriptionSnapshot for a principal
// from Stripe and records it in durable storage.
type Reconciler struct {
	stripe  StripeAPI
	catalog *Catalog
	store   SummaryStore
	metrics Recorder
	logger  *slog.Logger
	now     func() time.Time
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithRecorder attaches a metrics recorder.
func WithRecorder(rec Recorder) ReconcilerOption {
	return func(r *Reconciler) {
		if rec != nil {
			r.metrics = rec
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		r.now = now
	}
}

// NewReconciler creates a Reconciler. store may be nil when durable storage
// is not configured; snapshots are then returned without being recorded.
func NewReconciler(stripe StripeAPI, catalog *Catalog, store SummaryStore, logger *slog.Logger, opts ...ReconcilerOption) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		stripe:  stripe,
		catalog: catalog,
		store:   store,
		metrics: nopRecorder{},
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile resolves the principal's Stripe customer by email and returns the
// merged snapshot. It never creates a customer: a principal without one is
// simply unsubscribed.
func (r *Reconciler) Reconcile(ctx context.Context, p types.Principal) (*types.SubscriptionSnapshot, error) {
	start := r.now()
	snap, err := r.reconcile(ctx, p, "")
	r.metrics.ObserveReconcile(outcomeOf(err), r.now().Sub(start))
	return snap, err
}

// ReconcileCustomer is Reconcile for callers that already know the customer,
// such as provider event delivery.
func (r *Reconciler) ReconcileCustomer(ctx context.Context, p types.Principal, customerID string) (*types.SubscriptionSnapshot, error) {
	start := r.now()
	snap, err := r.reconcile(ctx, p, customerID)
	r.metrics.ObserveReconcile(outcomeOf(err), r.now().Sub(start))
	return snap, err
}

func (r *Reconciler) reconcile(ctx context.Context, p types.Principal, customerID string) (*types.SubscriptionSnapshot, error) {
	if p.Email == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField,
			"principal has no email; cannot resolve billing customer", nil)
	}

	if customerID == "" {
		cust, err := r.stripe.FindCustomerByEmail(ctx, p.Email)
		if err != nil {
			return nil, err
		}
		if cust == nil {
			snap := types.UnsubscribedSnapshot()
			r.record(ctx, p, "", snap)
			return snap, nil
		}
		customerID = cust.ID
	}

	var (
		sub     *external.Subscription
		payment *types.PaymentMethod
		cust    *external.Customer
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sub, err = r.stripe.ActiveSubscription(gCtx, customerID)
		return err
	})
	g.Go(func() error {
		var err error
		payment, err = r.stripe.DefaultPaymentMethod(gCtx, customerID)
		return err
	})
	g.Go(func() error {
		var err error
		cust, err = r.stripe.GetCustomer(gCtx, customerID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap := r.buildSnapshot(ctx, sub, payment, cust)
	r.record(ctx, p, customerID, snap)
	return snap, nil
}

func (r *Reconciler) buildSnapshot(
	ctx context.Context,
	sub *external.Subscription,
	payment *types.PaymentMethod,
	cust *external.Customer,
) *types.SubscriptionSnapshot {
	snap := types.UnsubscribedSnapshot()
	snap.PaymentMethod = payment
	if cust != nil {
		snap.BillingAddress = cust.Address
	}

	item, ok := sub.PrimaryItem()
	if sub == nil || !ok {
		return snap.Normalize()
	}

	snap.Subscribed = true
	snap.CurrentPlan = types.StringPtr(item.PriceRef)
	snap.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	if !item.CurrentPeriodEnd.IsZero() {
		end := item.CurrentPeriodEnd
		snap.End = &end
	}
	if tier := r.catalog.TierName(item.PriceRef); tier != "" {
		snap.Tier = types.StringPtr(tier)
	} else {
		r.logger.WarnContext(ctx, "active price is not in the plan catalog",
			"subscription_id", sub.ID,
			"price_id", item.PriceRef,
		)
	}
	snap.PendingChange = r.PendingChange(ctx, sub)
	return snap
}

// PendingChange derives the scheduled change of a live subscription, or nil.
// A free-tier downgrade is read from the cancel flag plus metadata; any other
// change from the next schedule phase whose price differs from the current
// one.
func (r *Reconciler) PendingChange(ctx context.Context, sub *external.Subscription) *types.PendingChange {
	item, ok := sub.PrimaryItem()
	if !ok {
		return nil
	}

	if sub.CancelAtPeriodEnd && sub.Metadata[pendingChangeMetadataKey] == string(types.PendingChangeDowngrade) {
		free := r.catalog.FreePlan()
		return &types.PendingChange{
			Type:          types.PendingChangeDowngrade,
			NewPlanName:   types.StringPtr(free.Name),
			NewPriceRef:   FreePriceRef,
			EffectiveDate: item.CurrentPeriodEnd,
		}
	}

	if sub.Schedule == nil {
		return nil
	}
	now := r.now()
	for _, phase := range sub.Schedule.Phases {
		if phase.PriceRef == "" || phase.PriceRef == item.PriceRef || !phase.StartDate.After(now) {
			continue
		}
		kind, err := r.catalog.ClassifyChange(item.PriceRef, phase.PriceRef, true)
		if err != nil {
			r.logger.WarnContext(ctx, "scheduled phase references an unknown price",
				"subscription_id", sub.ID,
				"schedule_id", sub.Schedule.ID,
				"price_id", phase.PriceRef,
			)
			return nil
		}
		if !kind.Scheduled() {
			return nil
		}
		return &types.PendingChange{
			Type:          kind.PendingType(),
			NewPlanName:   types.StringPtr(r.catalog.TierName(phase.PriceRef)),
			NewPriceRef:   phase.PriceRef,
			EffectiveDate: phase.StartDate,
		}
	}
	return nil
}

// record upserts the summary. Storage failures are logged and swallowed: the
// provider-sourced snapshot is still valid for the caller.
func (r *Reconciler) record(ctx context.Context, p types.Principal, customerID string, snap *types.SubscriptionSnapshot) {
	if r.store == nil {
		return
	}
	err := r.store.Upsert(ctx, &types.SubscriptionSummary{
		UserID:           p.ID,
		Email:            p.Email,
		StripeCustomerID: customerID,
		Snapshot:         *snap,
		UpdatedAt:        r.now(),
	})
	if err != nil {
		r.logger.WarnContext(ctx, "failed to record subscription summary",
			"user_id", p.ID,
			"error", err,
		)
	}
}

func outcomeOf(err error) string {
	if err == nil {
		return "success"
	}
	return string(types.KindOf(err))
}
