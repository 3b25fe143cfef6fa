package billing

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"billingsync/internal/external"
	"billingsync/internal/types"
)

// Redirects holds the server-controlled URLs handed to Stripe-hosted pages.
// They are never taken from client input.
type Redirects struct {
	CheckoutSuccessURL string
	CheckoutCancelURL  string
	PortalReturnURL    string
}

// NewRedirects joins the application URL with the configured paths.
func NewRedirects(appURL, successPath, cancelPath, portalPath string) Redirects {
	base := strings.TrimSuffix(appURL, "/")
	return Redirects{
		CheckoutSuccessURL: base + successPath,
		CheckoutCancelURL:  base + cancelPath,
		PortalReturnURL:    base + portalPath,
	}
}

// Updater is the mutation pathway: checkout, plan changes, cancellation,
// renewal and portal hand-off. It owns the plan-change state machine.
type Updater struct {
	stripe     StripeAPI
	catalog    *Catalog
	reconciler *Reconciler
	portal     *PortalManager
	events     EventPublisher
	redirects  Redirects
	metrics    Recorder
	logger     *slog.Logger
	now        func() time.Time
}

// UpdaterDeps groups the collaborators of an Updater. Portal, Events and
// Metrics are optional.
type UpdaterDeps struct {
	Stripe     StripeAPI
	Catalog    *Catalog
	Reconciler *Reconciler
	Portal     *PortalManager
	Events     EventPublisher
	Metrics    Recorder
	Redirects  Redirects
	Logger     *slog.Logger
}

// NewUpdater creates an Updater.
func NewUpdater(deps UpdaterDeps) *Updater {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var metrics Recorder = nopRecorder{}
	if deps.Metrics != nil {
		metrics = deps.Metrics
	}
	return &Updater{
		stripe:     deps.Stripe,
		catalog:    deps.Catalog,
		reconciler: deps.Reconciler,
		portal:     deps.Portal,
		events:     deps.Events,
		redirects:  deps.Redirects,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
	}
}

// EnsureCustomer finds the principal's Stripe customer, creating it when
// absent. Only mutating flows may call this.
func (u *Updater) EnsureCustomer(ctx context.Context, p types.Principal) (*external.Customer, error) {
	if p.Email == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField,
			"principal has no email; cannot resolve billing customer", nil)
	}
	cust, err := u.stripe.FindCustomerByEmail(ctx, p.Email)
	if err != nil {
		return nil, err
	}
	if cust != nil {
		return cust, nil
	}

	cust, err = u.stripe.CreateCustomer(ctx, p.Email, p.ID)
	if err != nil {
		return nil, err
	}
	u.logger.InfoContext(ctx, "created billing customer",
		"user_id", p.ID,
		"customer_id", cust.ID,
	)
	return cust, nil
}

// Update applies an UpdateRequest. Exactly one intent may be expressed per
// request: cancel, renew, cancel_pending, or a target price/cycle.
func (u *Updater) Update(ctx context.Context, p types.Principal, req types.UpdateRequest) (*types.UpdateResult, error) {
	res, err := u.update(ctx, p, req)
	action := types.UpdateAction("")
	if res != nil {
		action = res.Action
	}
	u.metrics.ObserveMutation(action, outcomeOf(err))
	if err != nil {
		return nil, err
	}

	if res.Action != types.ActionNoChange {
		u.publish(ctx, p, res.Action, req.PriceRef)
	}
	return res, nil
}

func (u *Updater) update(ctx context.Context, p types.Principal, req types.UpdateRequest) (*types.UpdateResult, error) {
	if err := validateIntent(req); err != nil {
		return nil, err
	}

	cust, err := u.EnsureCustomer(ctx, p)
	if err != nil {
		return nil, err
	}
	sub, err := u.stripe.ActiveSubscription(ctx, cust.ID)
	if err != nil {
		return nil, err
	}

	if sub == nil {
		return u.fromNone(ctx, p, cust, req)
	}

	item, ok := sub.PrimaryItem()
	if !ok {
		return nil, types.NewAppError(types.ErrCodeUpstreamStripe, "subscription has no items", nil)
	}
	pending := u.reconciler.PendingChange(ctx, sub)

	switch {
	case req.Cancel:
		return u.cancel(ctx, sub)
	case req.Renew:
		return u.renew(ctx, sub)
	case req.CancelPending:
		return u.cancelPending(ctx, sub, pending)
	}

	if pending != nil {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationPendingChange,
			"a scheduled change is already pending; cancel it before selecting another plan", nil,
			map[string]any{"pending_change": pending.Type})
	}

	target, err := u.targetPrice(item.PriceRef, req)
	if err != nil {
		return nil, err
	}
	kind, err := u.catalog.ClassifyChange(item.PriceRef, target, req.ScheduleAtPeriodEnd)
	if err != nil {
		return nil, err
	}

	switch kind {
	case ChangeNone:
		return &types.UpdateResult{
			Action:         types.ActionNoChange,
			SubscriptionID: sub.ID,
			Message:        "already on the selected plan",
		}, nil
	case ChangeImmediateUpgrade:
		return u.upgrade(ctx, sub, item, target)
	case ChangeScheduledDowngrade:
		return u.scheduleFreeDowngrade(ctx, sub, item)
	default:
		return u.schedulePriceChange(ctx, sub, item, target, kind)
	}
}

// fromNone handles requests for a principal without a live subscription.
func (u *Updater) fromNone(ctx context.Context, p types.Principal, cust *external.Customer, req types.UpdateRequest) (*types.UpdateResult, error) {
	if req.Cancel || req.Renew || req.CancelPending || req.PriceRef == "" {
		return nil, types.NewAppError(types.ErrCodeValidationNoSubscription, "no active subscription", nil)
	}
	info, ok := u.catalog.ResolvePrice(req.PriceRef)
	if !ok {
		return nil, unknownPrice(req.PriceRef)
	}
	if info.Plan.Free {
		return &types.UpdateResult{Action: types.ActionNoChange, Message: "already on the free plan"}, nil
	}

	url, err := u.checkout(ctx, p, cust.ID, req.PriceRef)
	if err != nil {
		return nil, err
	}
	return &types.UpdateResult{Action: types.ActionCheckout, RedirectURL: url}, nil
}

func (u *Updater) cancel(ctx context.Context, sub *external.Subscription) (*types.UpdateResult, error) {
	// A schedule owns the subscription's end behavior; Stripe rejects a direct
	// cancel_at_period_end while one is attached.
	var undo []undoStep
	if sub.Schedule != nil {
		if err := u.stripe.ReleaseSchedule(ctx, sub.Schedule.ID); err != nil {
			return nil, err
		}
		undo = append(undo, u.reattachSchedule(sub))
	}
	cancel := true
	if _, err := u.stripe.UpdateSubscription(ctx, sub.ID, external.SubscriptionUpdate{
		CancelAtPeriodEnd: &cancel,
		Metadata:          map[string]string{pendingChangeMetadataKey: ""},
	}); err != nil {
		return nil, u.rollback(ctx, sub, err, undo)
	}
	return &types.UpdateResult{Action: types.ActionCancelScheduled, SubscriptionID: sub.ID}, nil
}

func (u *Updater) renew(ctx context.Context, sub *external.Subscription) (*types.UpdateResult, error) {
	if !sub.CancelAtPeriodEnd {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidAction,
			"subscription is not scheduled to cancel", nil)
	}
	if err := u.clearCancel(ctx, sub); err != nil {
		return nil, err
	}
	return &types.UpdateResult{Action: types.ActionRenewed, SubscriptionID: sub.ID}, nil
}

func (u *Updater) cancelPending(ctx context.Context, sub *external.Subscription, pending *types.PendingChange) (*types.UpdateResult, error) {
	if pending == nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidAction, "no pending change to cancel", nil)
	}

	if pending.Type == types.PendingChangeDowngrade && pending.NewPriceRef == FreePriceRef {
		if err := u.clearCancel(ctx, sub); err != nil {
			return nil, err
		}
	} else if sub.Schedule != nil {
		if err := u.stripe.ReleaseSchedule(ctx, sub.Schedule.ID); err != nil {
			return nil, err
		}
	}
	return &types.UpdateResult{Action: types.ActionPendingChangeCancelled, SubscriptionID: sub.ID}, nil
}

func (u *Updater) clearCancel(ctx context.Context, sub *external.Subscription) error {
	cancel := false
	_, err := u.stripe.UpdateSubscription(ctx, sub.ID, external.SubscriptionUpdate{
		CancelAtPeriodEnd: &cancel,
		Metadata:          map[string]string{pendingChangeMetadataKey: ""},
	})
	return err
}

func (u *Updater) upgrade(ctx context.Context, sub *external.Subscription, item external.SubscriptionItem, target string) (*types.UpdateResult, error) {
	if _, err := u.stripe.UpdateSubscription(ctx, sub.ID, external.SubscriptionUpdate{
		ItemID:            item.ID,
		PriceRef:          target,
		ProrationBehavior: "always_invoice",
	}); err != nil {
		return nil, err
	}
	return &types.UpdateResult{
		Action:         types.ActionUpdatedSubscription,
		SubscriptionID: sub.ID,
		Message:        "upgraded to " + u.catalog.TierName(target),
	}, nil
}

func (u *Updater) scheduleFreeDowngrade(ctx context.Context, sub *external.Subscription, item external.SubscriptionItem) (*types.UpdateResult, error) {
	var undo []undoStep
	if sub.Schedule != nil {
		if err := u.stripe.ReleaseSchedule(ctx, sub.Schedule.ID); err != nil {
			return nil, err
		}
		undo = append(undo, u.reattachSchedule(sub))
	}
	cancel := true
	if _, err := u.stripe.UpdateSubscription(ctx, sub.ID, external.SubscriptionUpdate{
		CancelAtPeriodEnd: &cancel,
		Metadata:          map[string]string{pendingChangeMetadataKey: string(types.PendingChangeDowngrade)},
	}); err != nil {
		return nil, u.rollback(ctx, sub, err, undo)
	}

	free := u.catalog.FreePlan()
	return &types.UpdateResult{
		Action:         types.ActionScheduledChange,
		SubscriptionID: sub.ID,
		PendingChange: &types.PendingChange{
			Type:          types.PendingChangeDowngrade,
			NewPlanName:   types.StringPtr(free.Name),
			NewPriceRef:   FreePriceRef,
			EffectiveDate: item.CurrentPeriodEnd,
		},
	}, nil
}

// schedulePriceChange keeps the current price until period end and moves to
// target afterwards, through a two-phase subscription schedule.
func (u *Updater) schedulePriceChange(
	ctx context.Context,
	sub *external.Subscription,
	item external.SubscriptionItem,
	target string,
	kind ChangeKind,
) (*types.UpdateResult, error) {
	// A canceling subscription continues past period end once a change is
	// scheduled, so the cancellation is lifted first. Later failures put it
	// back.
	var undo []undoStep
	if sub.CancelAtPeriodEnd {
		if err := u.clearCancel(ctx, sub); err != nil {
			return nil, err
		}
		undo = append(undo, u.restoreCancel(sub))
	}

	scheduleID := ""
	if sub.Schedule != nil {
		scheduleID = sub.Schedule.ID
	} else {
		sched, err := u.stripe.CreateScheduleFromSubscription(ctx, sub.ID)
		if err != nil {
			return nil, u.rollback(ctx, sub, err, undo)
		}
		scheduleID = sched.ID
		// The new schedule must go before cancel_at_period_end can be set.
		undo = append([]undoStep{u.releaseSchedule(sched.ID)}, undo...)
	}

	if _, err := u.stripe.UpdateSchedulePhases(ctx, scheduleID, []external.SchedulePhase{
		{PriceRef: item.PriceRef, StartDate: item.CurrentPeriodStart, EndDate: item.CurrentPeriodEnd},
		{PriceRef: target},
	}); err != nil {
		return nil, u.rollback(ctx, sub, err, undo)
	}

	return &types.UpdateResult{
		Action:         types.ActionScheduledChange,
		SubscriptionID: sub.ID,
		PendingChange: &types.PendingChange{
			Type:          kind.PendingType(),
			NewPlanName:   types.StringPtr(u.catalog.TierName(target)),
			NewPriceRef:   target,
			EffectiveDate: item.CurrentPeriodEnd,
		},
	}, nil
}

// undoStep reverts one already-applied provider call.
type undoStep func(ctx context.Context) error

// rollback reverts the applied steps of a mutation whose later call failed
// with cause, in order. cause is returned when every step succeeds.
// Otherwise the returned error is marked partial so callers know the
// subscription is left in neither the old nor the requested state.
func (u *Updater) rollback(ctx context.Context, sub *external.Subscription, cause error, steps []undoStep) error {
	if len(steps) == 0 {
		return cause
	}
	ctx = context.WithoutCancel(ctx)
	for _, step := range steps {
		if err := step(ctx); err != nil {
			u.logger.ErrorContext(ctx, "failed to roll back subscription change",
				"subscription_id", sub.ID,
				"error", err,
				"cause", cause,
			)
			return types.NewAppErrorWithDetails(types.ErrCodeUpstreamStripe,
				"subscription change failed and could not be fully rolled back", cause,
				map[string]any{"partial": true})
		}
	}
	u.logger.WarnContext(ctx, "rolled back subscription change",
		"subscription_id", sub.ID,
		"cause", cause,
	)
	return cause
}

func (u *Updater) restoreCancel(sub *external.Subscription) undoStep {
	return func(ctx context.Context) error {
		cancel := true
		_, err := u.stripe.UpdateSubscription(ctx, sub.ID, external.SubscriptionUpdate{
			CancelAtPeriodEnd: &cancel,
			Metadata:          map[string]string{pendingChangeMetadataKey: sub.Metadata[pendingChangeMetadataKey]},
		})
		return err
	}
}

func (u *Updater) releaseSchedule(scheduleID string) undoStep {
	return func(ctx context.Context) error {
		return u.stripe.ReleaseSchedule(ctx, scheduleID)
	}
}

// reattachSchedule recreates a released schedule with its previous phases.
func (u *Updater) reattachSchedule(sub *external.Subscription) undoStep {
	phases := sub.Schedule.Phases
	return func(ctx context.Context) error {
		sched, err := u.stripe.CreateScheduleFromSubscription(ctx, sub.ID)
		if err != nil {
			return err
		}
		if len(phases) == 0 {
			return nil
		}
		_, err = u.stripe.UpdateSchedulePhases(ctx, sched.ID, phases)
		return err
	}
}

// targetPrice resolves the requested price. A cycle without a price means
// "the current plan on that cycle".
func (u *Updater) targetPrice(currentRef string, req types.UpdateRequest) (string, error) {
	if req.PriceRef != "" {
		info, ok := u.catalog.ResolvePrice(req.PriceRef)
		if !ok {
			return "", unknownPrice(req.PriceRef)
		}
		if req.Cycle != "" && !info.Plan.Free && info.Price.Cycle != req.Cycle {
			return "", types.NewAppError(types.ErrCodeValidationInvalidAction,
				"price_id and cycle disagree", nil)
		}
		return req.PriceRef, nil
	}

	current, ok := u.catalog.ResolvePrice(currentRef)
	if !ok {
		return "", unknownPrice(currentRef)
	}
	ref, ok := u.catalog.PriceFor(current.Plan.ID, req.Cycle)
	if !ok {
		return "", types.NewAppError(types.ErrCodeValidationUnknownPlan,
			"current plan is not offered on the requested cycle", nil)
	}
	return ref, nil
}

// CreateCheckout starts a hosted checkout for a principal without a
// subscription.
func (u *Updater) CreateCheckout(ctx context.Context, p types.Principal, priceRef string) (*types.RedirectResult, error) {
	info, ok := u.catalog.ResolvePrice(priceRef)
	if !ok {
		return nil, unknownPrice(priceRef)
	}
	if info.Plan.Free {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidAction,
			"the free plan does not require checkout", nil)
	}

	cust, err := u.EnsureCustomer(ctx, p)
	if err != nil {
		return nil, err
	}
	sub, err := u.stripe.ActiveSubscription(ctx, cust.ID)
	if err != nil {
		return nil, err
	}
	if sub != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidAction,
			"already subscribed; change plans through update-subscription", nil)
	}

	url, err := u.checkout(ctx, p, cust.ID, priceRef)
	if err != nil {
		return nil, err
	}
	u.publish(ctx, p, types.ActionCheckout, priceRef)
	return &types.RedirectResult{URL: url}, nil
}

func (u *Updater) checkout(ctx context.Context, p types.Principal, customerID, priceRef string) (string, error) {
	return u.stripe.CreateCheckoutSession(ctx, external.CheckoutParams{
		CustomerID: customerID,
		PriceRef:   priceRef,
		UserID:     p.ID,
		SuccessURL: u.redirects.CheckoutSuccessURL,
		CancelURL:  u.redirects.CheckoutCancelURL,
	})
}

// Portal opens a hosted portal session, optionally scoped to a flow.
func (u *Updater) Portal(ctx context.Context, p types.Principal, flow types.PortalFlow) (*types.RedirectResult, error) {
	if !flow.Valid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidAction, "unsupported portal flow", nil)
	}

	cust, err := u.EnsureCustomer(ctx, p)
	if err != nil {
		return nil, err
	}

	params := external.PortalSessionParams{
		CustomerID: cust.ID,
		ReturnURL:  u.redirects.PortalReturnURL,
		Flow:       flow,
	}
	if flow == types.PortalFlowSubscriptionCancel {
		sub, err := u.stripe.ActiveSubscription(ctx, cust.ID)
		if err != nil {
			return nil, err
		}
		if sub == nil {
			return nil, types.NewAppError(types.ErrCodeValidationNoSubscription, "no active subscription", nil)
		}
		params.SubscriptionID = sub.ID
	}
	if u.portal != nil {
		id, err := u.portal.EnsurePortalConfiguration(ctx)
		if err != nil {
			// The account default configuration still works.
			u.logger.WarnContext(ctx, "portal configuration unavailable, using default", "error", err)
		}
		params.ConfigurationID = id
	}

	url, err := u.stripe.CreatePortalSession(ctx, params)
	if err != nil {
		return nil, err
	}
	return &types.RedirectResult{URL: url}, nil
}

// Invoices lists the principal's invoices. A principal without a customer
// has none.
func (u *Updater) Invoices(ctx context.Context, p types.Principal, params types.ListInvoicesParams) ([]*types.Invoice, types.PageInfo, error) {
	cust, err := u.stripe.FindCustomerByEmail(ctx, p.Email)
	if err != nil {
		return nil, types.PageInfo{}, err
	}
	if cust == nil {
		return []*types.Invoice{}, types.PageInfo{}, nil
	}
	return u.stripe.ListInvoices(ctx, cust.ID, params)
}

func (u *Updater) publish(ctx context.Context, p types.Principal, action types.UpdateAction, priceRef string) {
	if u.events == nil {
		return
	}
	ev := types.SubscriptionEvent{
		Type:       types.EventSubscriptionChanged,
		UserID:     p.ID,
		Action:     action,
		PriceRef:   priceRef,
		OccurredAt: u.now().UTC(),
	}
	if err := u.events.Publish(ctx, ev); err != nil {
		u.logger.WarnContext(ctx, "failed to publish subscription event",
			"user_id", p.ID,
			"action", action,
			"error", err,
		)
	}
}

// validateIntent enforces one intent per request.
func validateIntent(req types.UpdateRequest) error {
	intents := 0
	for _, set := range []bool{req.Cancel, req.Renew, req.CancelPending, req.PriceRef != "" || req.Cycle != ""} {
		if set {
			intents++
		}
	}
	switch {
	case intents == 0:
		return types.NewAppError(types.ErrCodeValidationMissingField,
			"one of price_id, cycle, cancel, renew or cancel_pending is required", nil)
	case intents > 1:
		return types.NewAppError(types.ErrCodeValidationInvalidAction,
			"cancel, renew, cancel_pending and plan selection are mutually exclusive", nil)
	}
	if req.Cycle != "" && !req.Cycle.Valid() {
		return types.NewAppError(types.ErrCodeValidationInvalidAction, "cycle must be monthly or yearly", nil)
	}
	return nil
}

func unknownPrice(ref string) error {
	return types.NewAppErrorWithDetails(types.ErrCodeValidationUnknownPlan,
		"unknown price", nil, map[string]any{"price_id": ref})
}
