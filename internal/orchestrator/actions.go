package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"billingsync/internal/billing"
	"billingsync/internal/types"
)

// ActionOpenPortal is the ActionResult.Action of OpenPortal.
const ActionOpenPortal types.UpdateAction = "open_portal"

// ActionResult is the outcome of a user-initiated action. When RedirectURL
// is set the caller must send the user there; the snapshot changes only
// after they return and a check confirms it.
type ActionResult struct {
	Action        types.UpdateAction
	RedirectURL   string
	PendingChange *types.PendingChange
	Message       string
}

func fromUpdate(res *types.UpdateResult) *ActionResult {
	return &ActionResult{
		Action:        res.Action,
		RedirectURL:   res.RedirectURL,
		PendingChange: res.PendingChange,
		Message:       res.Message,
	}
}

// SelectPlan moves the subscription to planID on cycle.
//
// Without a subscription this starts a hosted checkout. With one, the
// change is classified against the catalog: selecting the current price is a
// local no-op, anything else goes to the server, which applies upgrades
// immediately and schedules downgrades and cycle changes for period end.
// scheduleAtPeriodEnd forces scheduling even for an upgrade.
func (o *Orchestrator) SelectPlan(ctx context.Context, planID billing.PlanID, cycle types.BillingCycle, scheduleAtPeriodEnd bool) (*ActionResult, error) {
	priceRef, ok := o.prices.PriceFor(planID, cycle)
	if !ok {
		return nil, types.NewAppErrorWithDetails(types.ErrCodeValidationUnknownPlan,
			fmt.Sprintf("plan %q has no %s price", planID, cycle), nil,
			map[string]any{"plan_id": string(planID), "cycle": string(cycle)})
	}
	target, _ := o.prices.ResolvePrice(priceRef)

	return o.runAction(ctx, "select_plan", func(ctx context.Context, snap *types.SubscriptionSnapshot) (*ActionResult, bool, error) {
		if DeriveState(snap) == StateNone {
			if target.Plan.Free {
				return &ActionResult{Action: types.ActionNoChange, Message: "already on the free plan"}, false, nil
			}
			res, err := o.gateway.CreateCheckout(ctx, priceRef)
			if err != nil {
				return nil, false, err
			}
			return &ActionResult{Action: types.ActionCheckout, RedirectURL: res.URL}, true, nil
		}

		if err := rejectPendingChange(snap); err != nil {
			return nil, false, err
		}
		kind, err := o.prices.ClassifyChange(snap.CurrentPlanRef(), priceRef, scheduleAtPeriodEnd)
		if err != nil {
			return nil, false, err
		}
		if kind == billing.ChangeNone {
			return &ActionResult{Action: types.ActionNoChange, Message: "already on this plan"}, false, nil
		}

		res, err := o.gateway.UpdateSubscription(ctx, types.UpdateRequest{
			PriceRef:            priceRef,
			Cycle:               cycle,
			ScheduleAtPeriodEnd: scheduleAtPeriodEnd,
		})
		if err != nil {
			return nil, false, err
		}
		return fromUpdate(res), res.Action != types.ActionNoChange, nil
	})
}

// Downgrade schedules a move to planID for the end of the current period.
func (o *Orchestrator) Downgrade(ctx context.Context, planID billing.PlanID, cycle types.BillingCycle) (*ActionResult, error) {
	return o.SelectPlan(ctx, planID, cycle, true)
}

// Cancel stops renewal at period end. The plan stays usable until then.
func (o *Orchestrator) Cancel(ctx context.Context) (*ActionResult, error) {
	return o.runAction(ctx, "cancel", func(ctx context.Context, snap *types.SubscriptionSnapshot) (*ActionResult, bool, error) {
		switch DeriveState(snap) {
		case StateNone:
			return nil, false, types.NewAppError(types.ErrCodeValidationNoSubscription, "there is no active subscription to cancel", nil)
		case StateActiveCanceling:
			return &ActionResult{Action: types.ActionNoChange, Message: "subscription is already set to cancel"}, false, nil
		}
		res, err := o.gateway.UpdateSubscription(ctx, types.UpdateRequest{Cancel: true})
		if err != nil {
			return nil, false, err
		}
		return fromUpdate(res), true, nil
	})
}

// Renew undoes a scheduled cancellation.
func (o *Orchestrator) Renew(ctx context.Context) (*ActionResult, error) {
	return o.runAction(ctx, "renew", func(ctx context.Context, snap *types.SubscriptionSnapshot) (*ActionResult, bool, error) {
		if DeriveState(snap) != StateActiveCanceling {
			return nil, false, types.NewAppError(types.ErrCodeValidationInvalidAction, "subscription is not set to cancel", nil)
		}
		res, err := o.gateway.UpdateSubscription(ctx, types.UpdateRequest{Renew: true})
		if err != nil {
			return nil, false, err
		}
		return fromUpdate(res), true, nil
	})
}

// CancelPendingChange keeps the subscription on its current plan.
func (o *Orchestrator) CancelPendingChange(ctx context.Context) (*ActionResult, error) {
	return o.runAction(ctx, "cancel_pending_change", func(ctx context.Context, snap *types.SubscriptionSnapshot) (*ActionResult, bool, error) {
		if !snap.HasPendingChange() {
			return nil, false, types.NewAppError(types.ErrCodeValidationInvalidAction, "there is no scheduled change to cancel", nil)
		}
		res, err := o.gateway.CancelPendingChange(ctx)
		if err != nil {
			return nil, false, err
		}
		return fromUpdate(res), true, nil
	})
}

// OpenPortal returns a hosted portal URL. Edits made there happen outside
// this process, so the cache is invalidated as for any other action.
func (o *Orchestrator) OpenPortal(ctx context.Context, flow types.PortalFlow) (*ActionResult, error) {
	if !flow.Valid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidField, fmt.Sprintf("unknown portal flow %q", flow), nil)
	}
	return o.runAction(ctx, "open_portal", func(ctx context.Context, _ *types.SubscriptionSnapshot) (*ActionResult, bool, error) {
		res, err := o.gateway.OpenManagementPortal(ctx, flow)
		if err != nil {
			return nil, false, err
		}
		return &ActionResult{Action: ActionOpenPortal, RedirectURL: res.URL}, true, nil
	})
}

// rejectPendingChange enforces one scheduled change at a time.
func rejectPendingChange(snap *types.SubscriptionSnapshot) error {
	if !snap.HasPendingChange() {
		return nil
	}
	return types.NewAppErrorWithDetails(types.ErrCodeValidationPendingChange,
		"a plan change is already scheduled; cancel it before selecting another plan", nil,
		map[string]any{"pending_change_type": string(snap.PendingChange.Type)})
}

// actionFunc runs one action against the current snapshot. invalidate
// reports whether the cache must be invalidated afterwards.
type actionFunc func(ctx context.Context, snap *types.SubscriptionSnapshot) (res *ActionResult, invalidate bool, err error)

// runAction serializes user actions, tracks ActionLoading and the failure
// counter, and invalidates the cache after a successful mutation. The
// invalidation happens after the response so a check started earlier
// cannot overwrite it with pre-mutation data.
func (o *Orchestrator) runAction(ctx context.Context, name string, fn actionFunc) (*ActionResult, error) {
	p, signedIn := o.principals.CurrentPrincipal()
	if !signedIn {
		return nil, types.NewAppError(types.ErrCodeAuthTokenMissing, "not signed in", nil)
	}

	if err := o.ensureSnapshot(ctx, p); err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.actionLoading {
		o.mu.Unlock()
		return nil, types.NewAppError(types.ErrCodeValidationInvalidAction, "another billing action is in progress", nil)
	}
	o.actionLoading = true
	snap := o.snapshot.Clone()
	gen := o.generation
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.actionLoading = false
		o.mu.Unlock()
	}()

	res, invalidate, err := fn(ctx, snap)

	o.mu.Lock()
	if err != nil {
		// Local validation never reached the server and does not count.
		if types.KindOf(err) != types.KindValidation || reachedServer(err) {
			o.recordFailureLocked(err)
		}
		o.mu.Unlock()
		o.logger.WarnContext(ctx, "billing action failed",
			"action", name,
			"user_id", p.ID,
			"kind", types.KindOf(err),
			"error", err,
		)
		return nil, err
	}

	o.recordSuccessLocked()
	markChange := invalidate && gen == o.generation
	if markChange {
		o.lastChangeAt = o.now()
		o.lastCheckAt = time.Time{}
	}
	o.mu.Unlock()

	if markChange {
		if err := o.store.MarkChange(ctx); err != nil {
			o.logger.WarnContext(ctx, "failed to invalidate subscription cache", "error", err)
		}
	}

	o.logger.InfoContext(ctx, "billing action completed",
		"action", name,
		"user_id", p.ID,
		"result", res.Action,
	)
	return res, nil
}

// ensureSnapshot runs a forced check when the session has no snapshot for p
// yet, since every action branches on the current state.
func (o *Orchestrator) ensureSnapshot(ctx context.Context, p types.Principal) error {
	o.mu.Lock()
	known := o.snapshot != nil && o.principalID == p.ID
	o.mu.Unlock()
	if known {
		return nil
	}

	if _, err := o.Check(ctx, CheckOptions{Force: true}); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.snapshot == nil || o.principalID != p.ID {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "subscription state is unavailable, try again", o.lastError)
	}
	return nil
}

// reachedServer reports whether err came back from the API rather than from
// local validation. Gateway errors carry the HTTP status in their details.
func reachedServer(err error) bool {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		return false
	}
	_, ok := appErr.Details["status"]
	return ok
}
