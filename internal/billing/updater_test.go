package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billingsync/internal/external"
	"billingsync/internal/types"
)

type updaterFixture struct {
	api     *fakeStripe
	events  *fakePublisher
	metrics *fakeRecorder
	updater *Updater
}

func newUpdaterFixture(api *fakeStripe) *updaterFixture {
	f := &updaterFixture{api: api, events: &fakePublisher{}, metrics: &fakeRecorder{}}
	rec := NewReconciler(api, testCatalog(), nil, nil, WithClock(func() time.Time { return testNow }))
	f.updater = NewUpdater(UpdaterDeps{
		Stripe:     api,
		Catalog:    testCatalog(),
		Reconciler: rec,
		Events:     f.events,
		Metrics:    f.metrics,
		Redirects:  NewRedirects("https://app.example.com/", "/billing?checkout=success", "/billing?checkout=cancelled", "/billing"),
	})
	return f
}

func requireCode(t *testing.T, err error, code types.ErrorCode) {
	t.Helper()
	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr), "expected AppError, got %v", err)
	assert.Equal(t, code, appErr.Code)
}

func TestNewRedirects_TrimsTrailingSlash(t *testing.T) {
	r := NewRedirects("https://app.example.com/", "/ok", "/no", "/portal")
	assert.Equal(t, "https://app.example.com/ok", r.CheckoutSuccessURL)
	assert.Equal(t, "https://app.example.com/no", r.CheckoutCancelURL)
	assert.Equal(t, "https://app.example.com/portal", r.PortalReturnURL)
}

func TestUpdate_UpgradeAppliesImmediatelyWithProration(t *testing.T) {
	var got external.SubscriptionUpdate
	api := &fakeStripe{
		findCustomerFn: existingCustomer,
		activeSubFn:    subReturning(liveSub("price_std_m")),
		updateSubFn: func(id string, upd external.SubscriptionUpdate) (*external.Subscription, error) {
			got = upd
			return &external.Subscription{ID: id}, nil
		},
	}
	f := newUpdaterFixture(api)

	res, err := f.updater.Update(context.Background(), testPrincipal(), types.UpdateRequest{PriceRef: "price_prem_m"})
	require.NoError(t, err)

	assert.Equal(t, types.ActionUpdatedSubscription, res.Action)
	assert.Nil(t, res.PendingChange)
	assert.Equal(t, "si_1", got.ItemID)
	assert.Equal(t, "price_prem_m", got.PriceRef)
	assert.Equal(t, "always_invoice", got.ProrationBehavior)
	assert.Equal(t, 0, api.called("CreateSchedule"))

	require.Len(t, f.events.events, 1)
	assert.Equal(t, types.ActionUpdatedSubscription, f.events.events[0].Action)
	assert.Equal(t, "price_prem_m", f.events.events[0].PriceRef)
	assert.Equal(t, []string{"updated_subscription:success"}, f.metrics.mutation)
}

func TestUpdate_UpgradeForcedToPeriodEndIsScheduled(t *testing.T) {
	api := &fakeStripe{findCustomerFn: existingCustomer, activeSubFn: subReturning(liveSub("price_std_m"))}
	f := newUpdaterFixture(api)

	res, err := f.updater.Update(context.Background(), testPrincipal(),
		types.UpdateRequest{PriceRef: "price_prem_m", ScheduleAtPeriodEnd: true})
	require.NoError(t, err)

	assert.Equal(t, types.ActionScheduledChange, res.Action)
	assert.Equal(t, 0, api.called("UpdateSubscription"))
}

func TestUpdate_DowngradeIsScheduledAtPeriodEnd(t *testing.T) {
	var phases []external.SchedulePhase
	var schedID string
	api := &fakeStripe{
		findCustomerFn: existingCustomer,
		activeSubFn:    subReturning(liveSub("price_prem_m")),
		updatePhasesFn: func(id string, p []external.SchedulePhase) (*external.Schedule, error) {
			schedID, phases = id, p
			return &external.Schedule{ID: id, Phases: p}, nil
		},
	}
	f := newUpdaterFixture(api)

	res, err := f.updater.Update(context.Background(), testPrincipal(), types.UpdateRequest{PriceRef: "price_std_m"})
	require.NoError(t, err)

	assert.Equal(t, types.ActionScheduledChange, res.Action)
	require.NotNil(t, res.PendingChange)
	assert.Equal(t, types.PendingChangePlanChange, res.PendingChange.Type)
	assert.Equal(t, "Standard", *res.PendingChange.NewPlanName)
	assert.Equal(t, testPeriodEnd, res.PendingChange.EffectiveDate)

	assert.Equal(t, 0, api.called("UpdateSubscription"), "price must not change before period end")
	assert.Equal(t, 1, api.called("CreateSchedule"))
	assert.Equal(t, "sub_sched_new", schedID)
	require.Len(t, phases, 2)
	assert.Equal(t, external.SchedulePhase{PriceRef: "price_prem_m", StartDate: testPeriodBeg, EndDate: testPeriodEnd}, phases[0])
	assert.Equal(t, "price_std_m", phases[1].PriceRef)
}

func TestUpdate_CycleOnlyChangeKeepsPlan(t *testing.T) {
	var phases []external.SchedulePhase
	api := &fakeStripe{
		findCustomerFn: existingCustomer,
		activeSubFn:    subReturning(liveSub("price_std_m")),
		updatePhasesFn: func(id string, p []external.SchedulePhase) (*external.Schedule, error) {
			phases = p
			return &external.Schedule{ID: id}, nil
		},
	}
	f := newUpdaterFixture(api)

	res, err := f.updater.Update(context.Background(), testPrincipal(), types.UpdateRequest{Cycle: types.CycleYearly})
	require.NoError(t, err)

	assert.Equal(t, types.ActionScheduledChange, res.Action)
	assert.Equal(t, types.PendingChangeCycleChange, res.PendingChange.Type)
	assert.Equal(t, "price_std_y", res.PendingChange.NewPriceRef)
	require.Len(t, phases, 2)
	assert.Equal(t, "price_std_y", phases[1].PriceRef)
}

func TestUpdate_ReusesExistingSchedule(t *testing.T) {
	sub := liveSub("price_prem_y")
	sub.Schedule = &external.Schedule{ID: "sub_sched_1"}
	var schedID string
	api := &fakeStripe{
		findCustomerFn: existingCustomer,
		activeSubFn:    subReturning(sub),
		updatePhasesFn: func(id string, p []external.SchedulePhase) (*external.Schedule, error) {
			schedID = id
			return &external.Schedule{ID: id}, nil
		},
	}
	f := newUpdaterFixture(api)

	_, err := f.updater.Update(context.Background(), testPrincipal(), types.UpdateRequest{PriceRef: "price_std_y"})
	require.NoError(t, err)
	assert.Equal(t, 0, api.called("CreateSchedule"))
	assert.Equal(t, "sub_sched_1", schedID)
}

func TestUpdate_ScheduledChangeLiftsCancellation(t *testing.T) {
	sub := liveSub("price_prem_m")
	sub.CancelAtPeriodEnd = true
	var updates []external.SubscriptionUpdate
	api := &fakeStripe{
		findCustomerFn: existingCustomer,
		activeSubFn:    subReturning(sub),
		updateSubFn: func(id string, upd external.SubscriptionUpdate) (*external.Subscription, error) {
			updates = append(updates, upd)
			return &external.Subscription{ID: id}, nil
		},
	}
	f := newUpdaterFixture(api)

	_, err := f.updater.Update(context.Background(), testPrincipal(), types.UpdateRequest{PriceRef: "price_std_m"})
	require.NoError(t, err)

	require.Len(t, updates, 1)
	require.NotNil(t, updates[0].CancelAtPeriodEnd)
	assert.False(t, *updates[0].CancelAtPeriodEnd)
	assert.Equal(t, 1, api.called("UpdateSchedulePhases"))
}

func canceling(sub *external.Subscription) *external.Subscription {
	sub.CancelAtPeriodEnd = true
	return sub
}

func cancelFlags(updates []external.SubscriptionUpdate) []bool {
	out := make([]bool, 0, len(updates))
	for _, u := range updates {
		if u.CancelAtPeriodEnd != nil {
			out = append(out, *u.CancelAtPeriodEnd)
		}
	}
	return out
}

func TestUpdate_ScheduledChangeRestoresCancellationOnFailure(t *testing.T) {
	errStripe := types.NewAppError(types.ErrCodeUpstreamStripe, "stripe 500", nil)

	t.Run("schedule creation fails", func(t *testing.T) {
		var updates []external.SubscriptionUpdate
		api := &fakeStripe{
			findCustomerFn: existingCustomer,
			activeSubFn:    subReturning(canceling(liveSub("price_prem_m"))),
			updateSubFn: func(id string, upd external.SubscriptionUpdate) (*external.Subscription, error) {
				updates = append(updates, upd)
				return &external.Subscription{ID: id}, nil
			},
			createSchedFn: func(string) (*external.Schedule, error) { return nil, errStripe },
		}
		f := newUpdaterFixture(api)

		_, err := f.updater.Update(context.Background(), testPrincipal(), types.UpdateRequest{PriceRef: "price_std_m"})
		require.ErrorIs(t, err, errStripe)
		assert.Equal(t, []bool{false, true}, cancelFlags(updates), "cancellation is lifted then restored")
		assert.Equal(t, 0, api.called("ReleaseSchedule"))
		assert.Empty(t, f.events.events)
	})

	t.Run("phase update fails", func(t *testing.T) {
		var updates []external.SubscriptionUpdate
		var released string
		api := &fakeStripe{
			findCustomerFn: existingCustomer,
			activeSubFn:    subReturning(canceling(liveSub("price_prem_m"))),
			updateSubFn: func(id string, upd external.SubscriptionUpdate) (*external.Subscription, error) {
				updates = append(updates, upd)
				return &external.Subscription{ID: id}, nil
			},
			updatePhasesFn: func(string, []external.SchedulePhase) (*external.Schedule, error) { return nil, errStripe },
			releaseSchedFn: func(id string) error {
				released = id
				return nil
			},
		}
		f := newUpdaterFixture(api)

		_, err := f.updater.Update(context.Background(), testPrincipal(), types.UpdateRequest{PriceRef: "price_std_m"})
		require.ErrorIs(t, err, errStripe)
		assert.Equal(t, "sub_sched_new", released)
		assert.Equal(t, []bool{false, true}, cancelFlags(updates))
		assert.Equal(t,
			[]string{"UpdateSubscription", "CreateSchedule", "UpdateSchedulePhases", "ReleaseSchedule", "UpdateSubscription"},
			api.calls[2:], "the new schedule is released before cancellation is restored")
	})

	t.Run("restore fails", func(t *testing.T) {
		n := 0
		api := &fakeStripe{
			findCustomerFn: existingCustomer,
			activeSubFn:    subReturning(canceling(liveSub("price_prem_m"))),
			updateSubFn: func(id string, upd external.SubscriptionUpdate) (*external.Subscription, error) {
				n++
				if n > 1 {
					return nil, errors.New("stripe unreachable")
				}
				return &external.Subscription{ID: id}, nil
			},
			createSchedFn: func(string) (*external.Schedule, error) { return nil, errStripe },
		}
		f := newUpdaterFixture(api)

		_, err := f.updater.Update(context.Background(), testPrincipal(), types.UpdateRequest{PriceRef: "price_std_m"})
		requireCode(t, err, types.ErrCodeUpstreamStripe)
		var appErr *types.AppError
		require.True(t, errors.As(err, &appErr))
		assert.Equal(t, true, appErr.Details["partial"])
		assert.ErrorIs(t, err, errStripe)
	})
}

func TestUpdate_DowngradeToFreeCancelsAtPeriodEnd(t *testing.T) {
	sub := liveSub("price_std_m")
	sub.Schedule = &external.Schedule{ID: "sub_sched_1"}
	var got external.SubscriptionUpdate
	api := &fakeStripe{
		findCustomerFn: existingCustomer,
		activeSubFn:    subReturning(sub),
		updateSubFn: func(id string, upd external.SubscriptionUpdate) (*external.Subscription, error) {
			got = upd
			return &external.Subscription{ID: id}, nil
		},
	}
	f := newUpdaterFixture(api)

	res, err := f.updater.Update(context.Background(), testPrincipal(), types.UpdateRequest{PriceRef: FreePriceRef})
	require.NoError(t, err)

	assert.Equal(t, types.ActionScheduledChange, res.Action)
	assert.Equal(t, types.PendingChangeDowngrade, res.PendingChange.Type)
	assert.Equal(t, "Free", *res.PendingChange.NewPlanName)
	assert.Equal(t, testPeriodEnd, res.PendingChange.EffectiveDate)

	assert.Equal(t, 1, api.called("ReleaseSchedule"))
	require.NotNil(t, got.CancelAtPeriodEnd)
	assert.True(t, *got.CancelAtPeriodEnd)
	assert.Equal(t, "downgrade", got.Metadata["pending_change"])
}

func TestUpdate_NoSubscriptionStartsCheckout(t *testing.T) {
	var params external.CheckoutParams
	api := &fakeStripe{
		checkoutFn: func(p external.CheckoutParams) (string, error) {
			params = p
			return "https://checkout.stripe.com/c/pay/cs_1", nil
		},
	}
	f := newUpdaterFixture(api)

	res, err := f.updater.Update(context.Background(), testPrincipal(), types.UpdateRequest{PriceRef: "price_prem_y"})
	require.NoError(t, err)

	assert.Equal(t, types.ActionCheckout, res.Action)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_1", res.RedirectURL)
	assert.Equal(t, 1, api.called("CreateCustomer"))
	assert.Equal(t, "cus_new", params.CustomerID)
	assert.Equal(t, "user-1", params.UserID)
	assert.Equal(t, "https://app.example.com/billing?checkout=success", params.SuccessURL)
	assert.Equal(t, "https://app.example.com/billing?checkout=cancelled", params.CancelURL)
}

func TestUpdate_NoSubscriptionRejectsLifecycleIntents(t *testing.T) {
	for name, req := range map[string]types.UpdateRequest{
		"cancel":         {Cancel: true},
		"renew":          {Renew: true},
		"cancel_pending": {CancelPending: true},
		"cycle_only":     {Cycle: types.CycleMonthly},
	} {
		t.Run(name, func(t *testing.T) {
			api := &fakeStripe{findCustomerFn: existingCustomer}
			f := newUpdaterFixture(api)

			_, err := f.updater.Update(context.Background(), testPrincipal(), req)
			requireCode(t, err, types.ErrCodeValidationNoSubscription)
			assert.Equal(t, 0, api.called("CreateCheckoutSession"))
		})
	}
}

func TestUpdate_NoSubscriptionFreeIsNoChange(t *testing.T) {
	api := &fakeStripe{findCustomerFn: existingCustomer}
	f := newUpdaterFixture(api)

	res, err := f.updater.Update(context.Background(), testPrincipal(), types.UpdateRequest{PriceRef: FreePriceRef})
	require.NoError(t, err)
	assert.Equal(t, types.ActionNoChange, res.Action)
	assert.Zero(t, api.mutations())
	assert.Empty(t, f.events.events)
}

func TestUpdate_CancelSchedulesAtPeriodEnd(t *testing.T) {
	sub := liveSub("price_std_m")
	sub.Schedule = &external.Schedule{ID: "sub_sched_1"}
	var got external.SubscriptionUpdate
	api := &fakeStripe{
		findCustomerFn: existingCustomer,
		activeSubFn:    subReturning(sub),
		updateSubFn: func(id string, upd external.SubscriptionUpdate) (*external.Subscription, error) {
			got = upd
			return &external.Subscription{ID: id}, nil
		},
	}
	f := newUpdaterFixture(api)

	res, err := f.updater.Update(context.Background(), testPrincipal(), types.UpdateRequest{Cancel: true})
	require.NoError(t, err)

	assert.Equal(t, types.ActionCancelScheduled, res.Action)
	assert.Equal(t, "sub_1", res.SubscriptionID)
	assert.Equal(t, 1, api.called("ReleaseSchedule"))
	require.NotNil(t, got.CancelAtPeriodEnd)
	assert.True(t, *got.CancelAtPeriodEnd)
	assert.Equal(t, "", got.Metadata["pending_change"])
}

func TestUpdate_CancelReattachesScheduleOnFailure(t *testing.T) {
	phases := []external.SchedulePhase{
		{PriceRef: "price_prem_m", StartDate: testPeriodBeg, EndDate: testPeriodEnd},
		{PriceRef: "price_std_m"},
	}
	sub := liveSub("price_prem_m")
	sub.Schedule = &external.Schedule{ID: "sub_sched_1", Phases: phases}
	errStripe := types.NewAppError(types.ErrCodeUpstreamStripe, "stripe 500", nil)
	var restored []external.SchedulePhase
	var restoredID string
	api := &fakeStripe{
		findCustomerFn: existingCustomer,
		activeSubFn:    subReturning(sub),
		updateSubFn: func(string, external.SubscriptionUpdate) (*external.Subscription, error) {
			return nil, errStripe
		},
		updatePhasesFn: func(id string, p []external.SchedulePhase) (*external.Schedule, error) {
			restoredID, restored = id, p
			return &external.Schedule{ID: id, Phases: p}, nil
		},
	}
	f := newUpdaterFixture(api)

	_, err := f.updater.Update(context.Background(), testPrincipal(), types.UpdateRequest{Cancel: true})
	require.ErrorIs(t, err, errStripe)
	assert.Equal(t, 1, api.called("ReleaseSchedule"))
	assert.Equal(t, 1, api.called("CreateSchedule"))
	assert.Equal(t, "sub_sched_new", restoredID)
	assert.Equal(t, phases, restored, "the pending change survives a failed cancel")
	assert.Empty(t, f.events.events)
}

func TestUpdate_RenewRequiresCancellation(t *testing.T) {
	api := &fakeStripe{findCustomerFn: existingCustomer, activeSubFn: subReturning(liveSub("price_std_m"))}
	f := newUpdaterFixture(api)

	_, err := f.updater.Update(context.Background(), testPrincipal(), types.UpdateRequest{Renew: true})
	requireCode(t, err, types.ErrCodeValidationInvalidAction)
	assert.Zero(t, api.mutations())
}

func TestUpdate_RenewClearsCancellation(t *testing.T) {
	sub := liveSub("price_std_m")
	sub.CancelAtPeriodEnd = true
	var got external.SubscriptionUpdate
	api := &fakeStripe{
		findCustomerFn: existingCustomer,
		activeSubFn:    subReturning(sub),
		updateSubFn: func(id string, upd external.SubscriptionUpdate) (*external.Subscription, error) {
			got = upd
			return &external.Subscription{ID: id}, nil
		},
	}
	f := newUpdaterFixture(api)

	res, err := f.updater.Update(context.Background(), testPrincipal(), types.UpdateRequest{Renew: true})
	require.NoError(t, err)
	assert.Equal(t, types.ActionRenewed, res.Action)
	require.NotNil(t, got.CancelAtPeriodEnd)
	assert.False(t, *got.CancelAtPeriodEnd)
}

func TestUpdate_PendingChangeBlocksNewSelection(t *testing.T) {
	sub := liveSub("price_prem_m")
	sub.Schedule = &external.Schedule{
		ID:     "sub_sched_1",
		Phases: []external.SchedulePhase{{PriceRef: "price_std_m", StartDate: testPeriodEnd}},
	}
	api := &fakeStripe{findCustomerFn: existingCustomer, activeSubFn: subReturning(sub)}
	f := newUpdaterFixture(api)

	_, err := f.updater.Update(context.Background(), testPrincipal(), types.UpdateRequest{PriceRef: "price_ent_m"})
	requireCode(t, err, types.ErrCodeValidationPendingChange)
	assert.Zero(t, api.mutations())
	assert.Empty(t, f.events.events)
	assert.Equal(t, []string{":validation"}, f.metrics.mutation)
}

func TestUpdate_CancelPendingReleasesSchedule(t *testing.T) {
	sub := liveSub("price_prem_m")
	sub.Schedule = &external.Schedule{
		ID:     "sub_sched_1",
		Phases: []external.SchedulePhase{{PriceRef: "price_std_m", StartDate: testPeriodEnd}},
	}
	var released string
	api := &fakeStripe{
		findCustomerFn: existingCustomer,
		activeSubFn:    subReturning(sub),
		releaseSchedFn: func(id string) error {
			released = id
			return nil
		},
	}
	f := newUpdaterFixture(api)

	res, err := f.updater.Update(context.Background(), testPrincipal(), types.UpdateRequest{CancelPending: true})
	require.NoError(t, err)
	assert.Equal(t, types.ActionPendingChangeCancelled, res.Action)
	assert.Equal(t, "sub_sched_1", released)
	assert.Equal(t, 0, api.called("UpdateSubscription"))
}

func TestUpdate_CancelPendingFreeDowngradeClearsCancellation(t *testing.T) {
	sub := liveSub("price_std_m")
	sub.CancelAtPeriodEnd = true
	sub.Metadata["pending_change"] = "downgrade"
	var got external.SubscriptionUpdate
	api := &fakeStripe{
		findCustomerFn: existingCustomer,
		activeSubFn:    subReturning(sub),
		updateSubFn: func(id string, upd external.SubscriptionUpdate) (*external.Subscription, error) {
			got = upd
			return &external.Subscription{ID: id}, nil
		},
	}
	f := newUpdaterFixture(api)

	res, err := f.updater.Update(context.Background(), testPrincipal(), types.UpdateRequest{CancelPending: true})
	require.NoError(t, err)
	assert.Equal(t, types.ActionPendingChangeCancelled, res.Action)
	require.NotNil(t, got.CancelAtPeriodEnd)
	assert.False(t, *got.CancelAtPeriodEnd)
	assert.Equal(t, "", got.Metadata["pending_change"])
}

func TestUpdate_CancelPendingWithoutPendingIsInvalid(t *testing.T) {
	api := &fakeStripe{findCustomerFn: existingCustomer, activeSubFn: subReturning(liveSub("price_std_m"))}
	f := newUpdaterFixture(api)

	_, err := f.updater.Update(context.Background(), testPrincipal(), types.UpdateRequest{CancelPending: true})
	requireCode(t, err, types.ErrCodeValidationInvalidAction)
}

func TestUpdate_SamePlanTwiceIsIdempotent(t *testing.T) {
	api := &fakeStripe{findCustomerFn: existingCustomer, activeSubFn: subReturning(liveSub("price_prem_m"))}
	f := newUpdaterFixture(api)

	for i := 0; i < 2; i++ {
		res, err := f.updater.Update(context.Background(), testPrincipal(), types.UpdateRequest{PriceRef: "price_prem_m"})
		require.NoError(t, err)
		assert.Equal(t, types.ActionNoChange, res.Action)
	}
	assert.Zero(t, api.mutations())
	assert.Empty(t, f.events.events)
}

func TestUpdate_IntentValidation(t *testing.T) {
	tests := []struct {
		name string
		req  types.UpdateRequest
		code types.ErrorCode
	}{
		{"empty", types.UpdateRequest{}, types.ErrCodeValidationMissingField},
		{"cancel and renew", types.UpdateRequest{Cancel: true, Renew: true}, types.ErrCodeValidationInvalidAction},
		{"cancel and price", types.UpdateRequest{Cancel: true, PriceRef: "price_std_m"}, types.ErrCodeValidationInvalidAction},
		{"bad cycle", types.UpdateRequest{Cycle: "weekly"}, types.ErrCodeValidationInvalidAction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeStripe{}
			f := newUpdaterFixture(api)

			_, err := f.updater.Update(context.Background(), testPrincipal(), tt.req)
			requireCode(t, err, tt.code)
			assert.Empty(t, api.calls, "validation must precede any provider call")
		})
	}
}

func TestUpdate_UnknownAndMismatchedPrices(t *testing.T) {
	api := &fakeStripe{findCustomerFn: existingCustomer, activeSubFn: subReturning(liveSub("price_std_m"))}
	f := newUpdaterFixture(api)

	_, err := f.updater.Update(context.Background(), testPrincipal(), types.UpdateRequest{PriceRef: "price_nope"})
	requireCode(t, err, types.ErrCodeValidationUnknownPlan)

	_, err = f.updater.Update(context.Background(), testPrincipal(),
		types.UpdateRequest{PriceRef: "price_prem_m", Cycle: types.CycleYearly})
	requireCode(t, err, types.ErrCodeValidationInvalidAction)
	assert.Zero(t, api.mutations())
}

func TestUpdate_ProviderErrorIsReturnedAndObserved(t *testing.T) {
	api := &fakeStripe{
		findCustomerFn: existingCustomer,
		activeSubFn:    subReturning(liveSub("price_std_m")),
		updateSubFn: func(string, external.SubscriptionUpdate) (*external.Subscription, error) {
			return nil, types.NewAppError(types.ErrCodePaymentDeclined, "card declined", nil)
		},
	}
	f := newUpdaterFixture(api)

	_, err := f.updater.Update(context.Background(), testPrincipal(), types.UpdateRequest{PriceRef: "price_ent_m"})
	requireCode(t, err, types.ErrCodePaymentDeclined)
	assert.Empty(t, f.events.events)
	assert.Equal(t, []string{":validation"}, f.metrics.mutation)
}

func TestUpdate_PublishFailureDoesNotFailMutation(t *testing.T) {
	api := &fakeStripe{findCustomerFn: existingCustomer, activeSubFn: subReturning(liveSub("price_std_m"))}
	f := newUpdaterFixture(api)
	f.events.err = errors.New("queue down")

	res, err := f.updater.Update(context.Background(), testPrincipal(), types.UpdateRequest{Cancel: true})
	require.NoError(t, err)
	assert.Equal(t, types.ActionCancelScheduled, res.Action)
	assert.Len(t, f.events.events, 1)
}

func TestCreateCheckout(t *testing.T) {
	t.Run("creates session for new subscriber", func(t *testing.T) {
		api := &fakeStripe{findCustomerFn: existingCustomer}
		f := newUpdaterFixture(api)

		res, err := f.updater.CreateCheckout(context.Background(), testPrincipal(), "price_std_y")
		require.NoError(t, err)
		assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test", res.URL)
		assert.Equal(t, 0, api.called("CreateCustomer"))
		require.Len(t, f.events.events, 1)
		assert.Equal(t, types.ActionCheckout, f.events.events[0].Action)
	})

	t.Run("rejects existing subscriber", func(t *testing.T) {
		api := &fakeStripe{findCustomerFn: existingCustomer, activeSubFn: subReturning(liveSub("price_std_m"))}
		f := newUpdaterFixture(api)

		_, err := f.updater.CreateCheckout(context.Background(), testPrincipal(), "price_prem_m")
		requireCode(t, err, types.ErrCodeValidationInvalidAction)
		assert.Equal(t, 0, api.called("CreateCheckoutSession"))
	})

	t.Run("rejects free and unknown prices before any call", func(t *testing.T) {
		api := &fakeStripe{}
		f := newUpdaterFixture(api)

		_, err := f.updater.CreateCheckout(context.Background(), testPrincipal(), FreePriceRef)
		requireCode(t, err, types.ErrCodeValidationInvalidAction)
		_, err = f.updater.CreateCheckout(context.Background(), testPrincipal(), "price_nope")
		requireCode(t, err, types.ErrCodeValidationUnknownPlan)
		assert.Empty(t, api.calls)
	})
}

func TestPortal(t *testing.T) {
	t.Run("plain session uses return URL", func(t *testing.T) {
		var params external.PortalSessionParams
		api := &fakeStripe{
			findCustomerFn: existingCustomer,
			portalSessionFn: func(p external.PortalSessionParams) (string, error) {
				params = p
				return "https://billing.stripe.com/p/session/x", nil
			},
		}
		f := newUpdaterFixture(api)

		res, err := f.updater.Portal(context.Background(), testPrincipal(), types.PortalFlowNone)
		require.NoError(t, err)
		assert.Equal(t, "https://billing.stripe.com/p/session/x", res.URL)
		assert.Equal(t, "cus_1", params.CustomerID)
		assert.Equal(t, "https://app.example.com/billing", params.ReturnURL)
		assert.Empty(t, params.SubscriptionID)
	})

	t.Run("cancel flow targets the live subscription", func(t *testing.T) {
		var params external.PortalSessionParams
		api := &fakeStripe{
			findCustomerFn: existingCustomer,
			activeSubFn:    subReturning(liveSub("price_std_m")),
			portalSessionFn: func(p external.PortalSessionParams) (string, error) {
				params = p
				return "u", nil
			},
		}
		f := newUpdaterFixture(api)

		_, err := f.updater.Portal(context.Background(), testPrincipal(), types.PortalFlowSubscriptionCancel)
		require.NoError(t, err)
		assert.Equal(t, "sub_1", params.SubscriptionID)
		assert.Equal(t, types.PortalFlowSubscriptionCancel, params.Flow)
	})

	t.Run("cancel flow without subscription", func(t *testing.T) {
		api := &fakeStripe{findCustomerFn: existingCustomer}
		f := newUpdaterFixture(api)

		_, err := f.updater.Portal(context.Background(), testPrincipal(), types.PortalFlowSubscriptionCancel)
		requireCode(t, err, types.ErrCodeValidationNoSubscription)
	})

	t.Run("unsupported flow", func(t *testing.T) {
		api := &fakeStripe{}
		f := newUpdaterFixture(api)

		_, err := f.updater.Portal(context.Background(), testPrincipal(), "bogus")
		requireCode(t, err, types.ErrCodeValidationInvalidAction)
		assert.Empty(t, api.calls)
	})

	t.Run("uses managed configuration", func(t *testing.T) {
		var params external.PortalSessionParams
		api := &fakeStripe{
			findCustomerFn: existingCustomer,
			portalSessionFn: func(p external.PortalSessionParams) (string, error) {
				params = p
				return "u", nil
			},
		}
		f := newUpdaterFixture(api)
		f.updater.portal = NewPortalManager(api, nil, DefaultPortalFeatures("https://app.example.com/billing"), nil)

		_, err := f.updater.Portal(context.Background(), testPrincipal(), types.PortalFlowPaymentMethodUpdate)
		require.NoError(t, err)
		assert.Equal(t, "bpc_new", params.ConfigurationID)
	})
}

func TestInvoices_NoCustomerIsEmpty(t *testing.T) {
	api := &fakeStripe{}
	f := newUpdaterFixture(api)

	invoices, page, err := f.updater.Invoices(context.Background(), testPrincipal(), types.ListInvoicesParams{})
	require.NoError(t, err)
	assert.NotNil(t, invoices)
	assert.Empty(t, invoices)
	assert.False(t, page.HasMore)
	assert.Equal(t, 0, api.called("ListInvoices"))
}

func TestInvoices_ListsForCustomer(t *testing.T) {
	var gotCustomer string
	api := &fakeStripe{
		findCustomerFn: existingCustomer,
		listInvoicesFn: func(customerID string, p types.ListInvoicesParams) ([]*types.Invoice, types.PageInfo, error) {
			gotCustomer = customerID
			return []*types.Invoice{{ID: "in_1"}}, types.PageInfo{HasMore: true, NextCursor: "in_1"}, nil
		},
	}
	f := newUpdaterFixture(api)

	invoices, page, err := f.updater.Invoices(context.Background(), testPrincipal(), types.ListInvoicesParams{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, "cus_1", gotCustomer)
	require.Len(t, invoices, 1)
	assert.True(t, page.HasMore)
}
