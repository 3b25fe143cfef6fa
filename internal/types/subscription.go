package types

import (
	"slices"
	"time"
)

// BillingCycle is the recurring interval of a price.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

// Valid reports whether c is a known cycle.
func (c BillingCycle) Valid() bool {
	return c == CycleMonthly || c == CycleYearly
}

// PendingChangeType identifies the kind of scheduled mutation.
type PendingChangeType string

const (
	PendingChangeDowngrade   PendingChangeType = "downgrade"
	PendingChangePlanChange  PendingChangeType = "plan_change"
	PendingChangeCycleChange PendingChangeType = "cycle_change"
)

// PendingChange is a change scheduled to take effect at a future date.
type PendingChange struct {
	Type          PendingChangeType `json:"type,omitempty"`
	NewPlanName   *string           `json:"new_plan_name"`
	NewPriceRef   string            `json:"new_price_id,omitempty"`
	EffectiveDate time.Time         `json:"effective_date"`
}

// PaymentMethod is the card on file, reduced to display fields.
type PaymentMethod struct {
	Brand    string `json:"brand"`
	Last4    string `json:"last4"`
	ExpMonth int    `json:"exp_month"`
	ExpYear  int    `json:"exp_year"`
}

// BillingAddress holds the customer's invoice address and tax identifier.
type BillingAddress struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Name       string `json:"name,omitempty"`
	TaxID      string `json:"tax_id,omitempty"`
}

// SubscriptionSnapshot is the canonical client-visible subscription state.
// The reconciliation response is always authoritative for it.
type SubscriptionSnapshot struct {
	Subscribed        bool            `json:"subscribed"`
	Tier              *string         `json:"subscription_tier"`
	End               *time.Time      `json:"subscription_end"`
	CurrentPlan       *string         `json:"current_plan"`
	CancelAtPeriodEnd bool            `json:"cancel_at_period_end"`
	PendingChange     *PendingChange  `json:"pending_change"`
	PaymentMethod     *PaymentMethod  `json:"payment_method"`
	BillingAddress    *BillingAddress `json:"billing_address"`
}

// UnsubscribedSnapshot returns the snapshot of a principal with no active
// subscription.
func UnsubscribedSnapshot() *SubscriptionSnapshot {
	return &SubscriptionSnapshot{}
}

// Normalize enforces the unsubscribed invariant: when Subscribed is false the
// plan fields are null and CancelAtPeriodEnd is false. Payment method and
// address survive since they belong to the customer, not the subscription.
func (s *SubscriptionSnapshot) Normalize() *SubscriptionSnapshot {
	if s == nil || s.Subscribed {
		return s
	}
	s.Tier = nil
	s.End = nil
	s.CurrentPlan = nil
	s.PendingChange = nil
	s.CancelAtPeriodEnd = false
	return s
}

// TierName returns the display tier, or "" when unsubscribed.
func (s *SubscriptionSnapshot) TierName() string {
	if s == nil || s.Tier == nil {
		return ""
	}
	return *s.Tier
}

// CurrentPlanRef returns the active price reference, or "".
func (s *SubscriptionSnapshot) CurrentPlanRef() string {
	if s == nil || s.CurrentPlan == nil {
		return ""
	}
	return *s.CurrentPlan
}

// HasPendingChange reports whether a scheduled change exists.
func (s *SubscriptionSnapshot) HasPendingChange() bool {
	return s != nil && s.PendingChange != nil
}

// Clone returns a deep copy so callers cannot mutate orchestrator-owned state.
func (s *SubscriptionSnapshot) Clone() *SubscriptionSnapshot {
	if s == nil {
		return nil
	}
	c := *s
	if s.Tier != nil {
		c.Tier = StringPtr(*s.Tier)
	}
	if s.CurrentPlan != nil {
		c.CurrentPlan = StringPtr(*s.CurrentPlan)
	}
	if s.End != nil {
		end := *s.End
		c.End = &end
	}
	if s.PendingChange != nil {
		pc := *s.PendingChange
		if pc.NewPlanName != nil {
			pc.NewPlanName = StringPtr(*pc.NewPlanName)
		}
		c.PendingChange = &pc
	}
	if s.PaymentMethod != nil {
		pm := *s.PaymentMethod
		c.PaymentMethod = &pm
	}
	if s.BillingAddress != nil {
		ba := *s.BillingAddress
		c.BillingAddress = &ba
	}
	return &c
}

// CacheRecord is the durable client-side mirror of the last known snapshot.
// A zero LastCheckAt means no check has been recorded (or one was invalidated
// by a mutation).
type CacheRecord struct {
	Snapshot             *SubscriptionSnapshot `json:"snapshot"`
	LastCheckAt          time.Time             `json:"last_check_at"`
	LastChangeAt         time.Time             `json:"last_change_at"`
	LastCheckedPrincipal string                `json:"last_checked_principal,omitempty"`
}

// UpdateRequest is the body of the multi-purpose mutation endpoint.
type UpdateRequest struct {
	PriceRef            string       `json:"price_id,omitempty"`
	Cycle               BillingCycle `json:"cycle,omitempty"`
	Cancel              bool         `json:"cancel,omitempty"`
	Renew               bool         `json:"renew,omitempty"`
	CancelPending       bool         `json:"cancel_pending,omitempty"`
	ScheduleAtPeriodEnd bool         `json:"schedule_at_period_end,omitempty"`
}

// UpdateAction names the outcome of an UpdateRequest.
type UpdateAction string

const (
	ActionCheckout               UpdateAction = "checkout"
	ActionCancelScheduled        UpdateAction = "cancel_scheduled"
	ActionRenewed                UpdateAction = "renewed"
	ActionPendingChangeCancelled UpdateAction = "pending_change_cancelled"
	ActionNoChange               UpdateAction = "no_change"
	ActionUpdatedSubscription    UpdateAction = "updated_subscription"
	ActionScheduledChange        UpdateAction = "scheduled_change"
)

// UpdateResult is returned by every mutation.
type UpdateResult struct {
	Action         UpdateAction   `json:"action"`
	RedirectURL    string         `json:"redirect_url,omitempty"`
	PendingChange  *PendingChange `json:"pending_change,omitempty"`
	SubscriptionID string         `json:"subscription_id,omitempty"`
	Message        string         `json:"message,omitempty"`
}

// RedirectResult carries a provider-hosted URL the caller must open.
type RedirectResult struct {
	URL string `json:"url"`
}

// PortalFlow optionally scopes a hosted portal session.
type PortalFlow string

const (
	PortalFlowNone                PortalFlow = ""
	PortalFlowPaymentMethodUpdate PortalFlow = "payment_method_update"
	PortalFlowSubscriptionCancel  PortalFlow = "subscription_cancel"
)

// Valid reports whether f is a supported flow.
func (f PortalFlow) Valid() bool {
	switch f {
	case PortalFlowNone, PortalFlowPaymentMethodUpdate, PortalFlowSubscriptionCancel:
		return true
	}
	return false
}

// Invoice represents a billing invoice.
type Invoice struct {
	ID          string    `json:"id"`
	Number      string    `json:"number,omitempty"`
	Status      string    `json:"status"`
	AmountDue   int64     `json:"amount_due"`
	AmountPaid  int64     `json:"amount_paid"`
	Currency    string    `json:"currency"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	HostedURL   string    `json:"hosted_invoice_url,omitempty"`
	PDFURL      string    `json:"invoice_pdf,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ListInvoicesParams contains cursor pagination for invoice listing.
type ListInvoicesParams struct {
	Limit  int    `json:"limit,omitempty" validate:"omitempty,min=1,max=100"`
	Cursor string `json:"cursor,omitempty"`
}

// ConfigStatus reports which backing services are configured without
// exposing any credential.
type ConfigStatus struct {
	BillingConfigured bool `json:"billing_configured"`
	StorageConfigured bool `json:"storage_configured"`
}

// Permissions is the principal's resolved role set.
type Permissions struct {
	Roles []string `json:"roles"`
	// Unknown is set when the lookup could not be completed; callers must
	// render the least-privilege view.
	Unknown bool `json:"-"`
}

// PermissionsUnknown is the terminal fallback of a failed role lookup.
var PermissionsUnknown = Permissions{Unknown: true}

// Has reports whether role was granted. Always false when Unknown.
func (p Permissions) Has(role string) bool {
	if p.Unknown {
		return false
	}
	return slices.Contains(p.Roles, role)
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

// SubscriptionSummary is the durable, denormalized record written by each
// reconciliation. It is keyed by principal ID.
type SubscriptionSummary struct {
	UserID           string
	Email            string
	StripeCustomerID string
	Snapshot         SubscriptionSnapshot
	UpdatedAt        time.Time
}

// PortalConfigRecord tracks the billing-portal configuration in use. At most
// one record is active.
type PortalConfigRecord struct {
	ID                    int64
	StripeConfigurationID string
	FeaturesHash          string
	Active                bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// SubscriptionEvent is published after a successful mutation so downstream
// consumers can react without polling the provider.
type SubscriptionEvent struct {
	Type       string       `json:"type"`
	UserID     string       `json:"user_id"`
	Action     UpdateAction `json:"action"`
	PriceRef   string       `json:"price_ref,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// EventSubscriptionChanged is the SubscriptionEvent.Type of every mutation.
const EventSubscriptionChanged = "subscription.changed"

// PageInfo is the cursor state of a paginated list. NextCursor is the ID of
// the last item returned and is empty when HasMore is false.
type PageInfo struct {
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// ResponseMeta rides alongside a response's data.
type ResponseMeta struct {
	Warnings   []string  `json:"warnings,omitempty"`
	Pagination *PageInfo `json:"pagination,omitempty"`
}
