package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"billingsync/internal/types"

	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v82"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	BaseURL   string // Override for testing; defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeClient makes direct HTTP calls to the Stripe REST API through
// BaseClient, pinned to the API version of the stripe-go release in go.mod.
// Mutating calls carry an Idempotency-Key so BaseClient may replay them.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	logger    *slog.Logger
	newKey    func() string
}

// NewStripeClient creates a new StripeClient with the provider retry budget.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig, opts ...BaseClientOption) *StripeClient {
	base := NewBaseClient(httpClient, "stripe", DefaultRetryPolicy(), "billingsync/1.0", opts...)
	return NewStripeClientWithBase(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured BaseClient.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
		newKey:    uuid.NewString,
	}
}

// ---------------------------------------------------------------------------
// Provider model
// ---------------------------------------------------------------------------

// Customer is the subset of a Stripe customer the billing domain reads.
type Customer struct {
	ID       string
	Email    string
	Name     string
	Address  *types.BillingAddress
	Metadata map[string]string
}

// SubscriptionItem is one line of a subscription.
type SubscriptionItem struct {
	ID                 string
	PriceRef           string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
}

// SchedulePhase is one phase of a subscription schedule.
type SchedulePhase struct {
	PriceRef  string
	StartDate time.Time
	EndDate   time.Time
}

// Schedule is a Stripe subscription schedule.
type Schedule struct {
	ID     string
	Status string
	Phases []SchedulePhase
}

// Subscription is the subset of a Stripe subscription the billing domain reads.
type Subscription struct {
	ID                string
	CustomerID        string
	Status            stripe.SubscriptionStatus
	CancelAtPeriodEnd bool
	Items             []SubscriptionItem
	Schedule          *Schedule
	Metadata          map[string]string
}

// PrimaryItem returns the first subscription item.
func (s *Subscription) PrimaryItem() (SubscriptionItem, bool) {
	if s == nil || len(s.Items) == 0 {
		return SubscriptionItem{}, false
	}
	return s.Items[0], true
}

// IsLive reports whether the subscription grants access.
func (s *Subscription) IsLive() bool {
	switch s.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing, stripe.SubscriptionStatusPastDue:
		return true
	}
	return false
}

// SubscriptionUpdate describes a POST /v1/subscriptions/{id} call. Nil
// pointers leave fields untouched.
type SubscriptionUpdate struct {
	ItemID            string
	PriceRef          string
	ProrationBehavior string
	CancelAtPeriodEnd *bool
	Metadata          map[string]string
}

// CheckoutParams configures a hosted checkout session.
type CheckoutParams struct {
	CustomerID string
	PriceRef   string
	UserID     string
	SuccessURL string
	CancelURL  string
}

// PortalSessionParams configures a hosted portal session.
type PortalSessionParams struct {
	CustomerID      string
	ReturnURL       string
	ConfigurationID string
	Flow            types.PortalFlow
	SubscriptionID  string
}

// PortalFeatures is the feature set of a billing-portal configuration.
type PortalFeatures struct {
	Headline              string
	PaymentMethodUpdate   bool
	CustomerUpdate        bool
	TaxIDUpdate           bool
	InvoiceHistory        bool
	SubscriptionCancel    bool
	CancelAtPeriodEndOnly bool
	DefaultReturnURL      string
}

// PortalConfiguration is a Stripe billing-portal configuration.
type PortalConfiguration struct {
	ID        string
	IsDefault bool
	Active    bool
}

// CatalogPrice is a Stripe price reduced to what catalog verification needs.
type CatalogPrice struct {
	ID          string
	Active      bool
	UnitAmount  int64
	Currency    string
	Interval    stripe.PriceRecurringInterval
	ProductName string
}

// ---------------------------------------------------------------------------
// Customers
// ---------------------------------------------------------------------------

// FindCustomerByEmail lists customers by email and returns the first match,
// or nil when there is none. Read-only.
func (s *StripeClient) FindCustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	params := url.Values{}
	params.Set("email", email)
	params.Set("limit", "1")

	var list struct {
		Data []stripeCustomer `json:"data"`
	}
	if err := s.get(ctx, "FindCustomerByEmail", "/v1/customers", params, &list); err != nil {
		return nil, err
	}
	if len(list.Data) == 0 {
		return nil, nil
	}
	return list.Data[0].toDomain(), nil
}

// CreateCustomer creates a Stripe customer tagged with the principal ID.
func (s *StripeClient) CreateCustomer(ctx context.Context, email, userID string) (*Customer, error) {
	params := url.Values{}
	params.Set("email", email)
	params.Set("metadata[user_id]", userID)

	var c stripeCustomer
	if err := s.post(ctx, "CreateCustomer", "/v1/customers", params, &c); err != nil {
		return nil, err
	}
	return c.toDomain(), nil
}

// GetCustomer retrieves a customer with tax IDs expanded.
func (s *StripeClient) GetCustomer(ctx context.Context, customerID string) (*Customer, error) {
	params := url.Values{}
	params.Add("expand[]", "tax_ids")

	var c stripeCustomer
	if err := s.get(ctx, "GetCustomer", "/v1/customers/"+url.PathEscape(customerID), params, &c); err != nil {
		return nil, err
	}
	return c.toDomain(), nil
}

// DefaultPaymentMethod returns the customer's most recent card, or nil.
func (s *StripeClient) DefaultPaymentMethod(ctx context.Context, customerID string) (*types.PaymentMethod, error) {
	params := url.Values{}
	params.Set("type", "card")
	params.Set("limit", "1")

	var list struct {
		Data []stripePaymentMethod `json:"data"`
	}
	path := "/v1/customers/" + url.PathEscape(customerID) + "/payment_methods"
	if err := s.get(ctx, "DefaultPaymentMethod", path, params, &list); err != nil {
		return nil, err
	}
	if len(list.Data) == 0 || list.Data[0].Card == nil {
		return nil, nil
	}
	card := list.Data[0].Card
	return &types.PaymentMethod{
		Brand:    card.Brand,
		Last4:    card.Last4,
		ExpMonth: card.ExpMonth,
		ExpYear:  card.ExpYear,
	}, nil
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// ActiveSubscription returns the customer's live subscription with its
// schedule expanded, or nil when there is none.
func (s *StripeClient) ActiveSubscription(ctx context.Context, customerID string) (*Subscription, error) {
	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("status", "all")
	params.Set("limit", "10")
	params.Add("expand[]", "data.schedule")

	var list struct {
		Data []stripeSubscription `json:"data"`
	}
	if err := s.get(ctx, "ActiveSubscription", "/v1/subscriptions", params, &list); err != nil {
		return nil, err
	}
	for i := range list.Data {
		sub := list.Data[i].toDomain()
		if sub.IsLive() {
			return sub, nil
		}
	}
	return nil, nil
}

// UpdateSubscription applies a partial update.
func (s *StripeClient) UpdateSubscription(ctx context.Context, subscriptionID string, upd SubscriptionUpdate) (*Subscription, error) {
	params := url.Values{}
	if upd.PriceRef != "" {
		params.Set("items[0][id]", upd.ItemID)
		params.Set("items[0][price]", upd.PriceRef)
	}
	if upd.ProrationBehavior != "" {
		params.Set("proration_behavior", upd.ProrationBehavior)
	}
	if upd.CancelAtPeriodEnd != nil {
		params.Set("cancel_at_period_end", strconv.FormatBool(*upd.CancelAtPeriodEnd))
	}
	for k, v := range upd.Metadata {
		// An empty value unsets the key on Stripe's side.
		params.Set("metadata["+k+"]", v)
	}

	var sub stripeSubscription
	if err := s.post(ctx, "UpdateSubscription", "/v1/subscriptions/"+url.PathEscape(subscriptionID), params, &sub); err != nil {
		return nil, err
	}
	return sub.toDomain(), nil
}

// CreateScheduleFromSubscription wraps an existing subscription in a
// schedule whose first phase mirrors the current period.
func (s *StripeClient) CreateScheduleFromSubscription(ctx context.Context, subscriptionID string) (*Schedule, error) {
	params := url.Values{}
	params.Set("from_subscription", subscriptionID)

	var sched stripeSchedule
	if err := s.post(ctx, "CreateSchedule", "/v1/subscription_schedules", params, &sched); err != nil {
		return nil, err
	}
	return sched.toDomain(), nil
}

// UpdateSchedulePhases replaces the phases of a schedule. The schedule is
// released back into a plain subscription after its last phase.
func (s *StripeClient) UpdateSchedulePhases(ctx context.Context, scheduleID string, phases []SchedulePhase) (*Schedule, error) {
	params := url.Values{}
	params.Set("end_behavior", "release")
	params.Set("proration_behavior", "none")
	for i, ph := range phases {
		prefix := fmt.Sprintf("phases[%d]", i)
		params.Set(prefix+"[items][0][price]", ph.PriceRef)
		params.Set(prefix+"[items][0][quantity]", "1")
		if !ph.StartDate.IsZero() {
			params.Set(prefix+"[start_date]", strconv.FormatInt(ph.StartDate.Unix(), 10))
		}
		if !ph.EndDate.IsZero() {
			params.Set(prefix+"[end_date]", strconv.FormatInt(ph.EndDate.Unix(), 10))
		} else if i == len(phases)-1 {
			params.Set(prefix+"[iterations]", "1")
		}
	}

	var sched stripeSchedule
	if err := s.post(ctx, "UpdateSchedule", "/v1/subscription_schedules/"+url.PathEscape(scheduleID), params, &sched); err != nil {
		return nil, err
	}
	return sched.toDomain(), nil
}

// ReleaseSchedule detaches the schedule, leaving the subscription on its
// current phase.
func (s *StripeClient) ReleaseSchedule(ctx context.Context, scheduleID string) error {
	path := "/v1/subscription_schedules/" + url.PathEscape(scheduleID) + "/release"
	return s.post(ctx, "ReleaseSchedule", path, url.Values{}, nil)
}

// ---------------------------------------------------------------------------
// Hosted pages
// ---------------------------------------------------------------------------

// CreateCheckoutSession returns the hosted checkout URL.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (string, error) {
	params := url.Values{}
	params.Set("customer", p.CustomerID)
	params.Set("mode", "subscription")
	params.Set("client_reference_id", p.UserID)
	params.Set("success_url", p.SuccessURL)
	params.Set("cancel_url", p.CancelURL)
	params.Set("line_items[0][price]", p.PriceRef)
	params.Set("line_items[0][quantity]", "1")
	params.Set("subscription_data[metadata][user_id]", p.UserID)
	params.Set("allow_promotion_codes", "true")

	var session stripeSession
	if err := s.post(ctx, "CreateCheckoutSession", "/v1/checkout/sessions", params, &session); err != nil {
		return "", err
	}
	return session.URL, nil
}

// CreatePortalSession returns the hosted portal URL, optionally scoped to a
// flow.
func (s *StripeClient) CreatePortalSession(ctx context.Context, p PortalSessionParams) (string, error) {
	params := url.Values{}
	params.Set("customer", p.CustomerID)
	params.Set("return_url", p.ReturnURL)
	if p.ConfigurationID != "" {
		params.Set("configuration", p.ConfigurationID)
	}
	switch p.Flow {
	case types.PortalFlowPaymentMethodUpdate:
		params.Set("flow_data[type]", "payment_method_update")
	case types.PortalFlowSubscriptionCancel:
		params.Set("flow_data[type]", "subscription_cancel")
		params.Set("flow_data[subscription_cancel][subscription]", p.SubscriptionID)
	}

	var session stripeSession
	if err := s.post(ctx, "CreatePortalSession", "/v1/billing_portal/sessions", params, &session); err != nil {
		return "", err
	}
	return session.URL, nil
}

// ListPortalConfigurations returns the active portal configurations.
func (s *StripeClient) ListPortalConfigurations(ctx context.Context) ([]PortalConfiguration, error) {
	params := url.Values{}
	params.Set("active", "true")
	params.Set("limit", "10")

	var list struct {
		Data []struct {
			ID        string `json:"id"`
			IsDefault bool   `json:"is_default"`
			Active    bool   `json:"active"`
		} `json:"data"`
	}
	if err := s.get(ctx, "ListPortalConfigurations", "/v1/billing_portal/configurations", params, &list); err != nil {
		return nil, err
	}
	out := make([]PortalConfiguration, 0, len(list.Data))
	for _, c := range list.Data {
		out = append(out, PortalConfiguration{ID: c.ID, IsDefault: c.IsDefault, Active: c.Active})
	}
	return out, nil
}

// CreatePortalConfiguration creates a configuration with the given features.
func (s *StripeClient) CreatePortalConfiguration(ctx context.Context, f PortalFeatures) (string, error) {
	var cfg struct {
		ID string `json:"id"`
	}
	if err := s.post(ctx, "CreatePortalConfiguration", "/v1/billing_portal/configurations", portalFeatureParams(f), &cfg); err != nil {
		return "", err
	}
	return cfg.ID, nil
}

// UpdatePortalConfiguration overwrites the features of a configuration.
func (s *StripeClient) UpdatePortalConfiguration(ctx context.Context, id string, f PortalFeatures) error {
	path := "/v1/billing_portal/configurations/" + url.PathEscape(id)
	return s.post(ctx, "UpdatePortalConfiguration", path, portalFeatureParams(f), nil)
}

func portalFeatureParams(f PortalFeatures) url.Values {
	params := url.Values{}
	if f.Headline != "" {
		params.Set("business_profile[headline]", f.Headline)
	}
	if f.DefaultReturnURL != "" {
		params.Set("default_return_url", f.DefaultReturnURL)
	}
	params.Set("features[payment_method_update][enabled]", strconv.FormatBool(f.PaymentMethodUpdate))
	params.Set("features[invoice_history][enabled]", strconv.FormatBool(f.InvoiceHistory))
	params.Set("features[customer_update][enabled]", strconv.FormatBool(f.CustomerUpdate))
	if f.CustomerUpdate {
		params.Add("features[customer_update][allowed_updates][]", "address")
		params.Add("features[customer_update][allowed_updates][]", "name")
		if f.TaxIDUpdate {
			params.Add("features[customer_update][allowed_updates][]", "tax_id")
		}
	}
	params.Set("features[subscription_cancel][enabled]", strconv.FormatBool(f.SubscriptionCancel))
	if f.SubscriptionCancel {
		mode := "immediately"
		if f.CancelAtPeriodEndOnly {
			mode = "at_period_end"
		}
		params.Set("features[subscription_cancel][mode]", mode)
	}
	return params
}

// ---------------------------------------------------------------------------
// Invoices and prices
// ---------------------------------------------------------------------------

// ListInvoices retrieves invoices with cursor-based pagination.
// ListInvoicesParams.Cursor maps to Stripe's starting_after parameter.
func (s *StripeClient) ListInvoices(ctx context.Context, customerID string, p types.ListInvoicesParams) ([]*types.Invoice, types.PageInfo, error) {
	params := url.Values{}
	params.Set("customer", customerID)
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}
	params.Set("limit", strconv.Itoa(limit))
	if p.Cursor != "" {
		params.Set("starting_after", p.Cursor)
	}

	var list struct {
		Data    []stripeInvoice `json:"data"`
		HasMore bool            `json:"has_more"`
	}
	if err := s.get(ctx, "ListInvoices", "/v1/invoices", params, &list); err != nil {
		return nil, types.PageInfo{}, err
	}

	invoices := make([]*types.Invoice, 0, len(list.Data))
	for i := range list.Data {
		invoices = append(invoices, list.Data[i].toDomain())
	}

	pageInfo := types.PageInfo{HasMore: list.HasMore}
	if list.HasMore && len(list.Data) > 0 {
		pageInfo.NextCursor = list.Data[len(list.Data)-1].ID
	}
	return invoices, pageInfo, nil
}

// ListActivePrices returns active recurring prices with their products.
func (s *StripeClient) ListActivePrices(ctx context.Context) ([]CatalogPrice, error) {
	params := url.Values{}
	params.Set("active", "true")
	params.Set("limit", "100")
	params.Add("expand[]", "data.product")

	var list struct {
		Data []struct {
			ID         string `json:"id"`
			Active     bool   `json:"active"`
			UnitAmount int64  `json:"unit_amount"`
			Currency   string `json:"currency"`
			Recurring  *struct {
				Interval stripe.PriceRecurringInterval `json:"interval"`
			} `json:"recurring"`
			Product struct {
				Name string `json:"name"`
			} `json:"product"`
		} `json:"data"`
	}
	if err := s.get(ctx, "ListActivePrices", "/v1/prices", params, &list); err != nil {
		return nil, err
	}

	out := make([]CatalogPrice, 0, len(list.Data))
	for _, p := range list.Data {
		cp := CatalogPrice{ID: p.ID, Active: p.Active, UnitAmount: p.UnitAmount, Currency: p.Currency, ProductName: p.Product.Name}
		if p.Recurring != nil {
			cp.Interval = p.Recurring.Interval
		}
		out = append(out, cp)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

// get performs an authenticated GET and decodes a 200 body into out.
func (s *StripeClient) get(ctx context.Context, op, path string, params url.Values, out any) error {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, op+": failed to build request", err)
	}
	s.setAuthHeaders(req)

	return s.send(req, op, out)
}

// post performs an authenticated, idempotent, form-encoded POST.
func (s *StripeClient) post(ctx context.Context, op, path string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, op+": failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Idempotency-Key", s.newKey())
	s.setAuthHeaders(req)

	return s.send(req, op, out)
}

func (s *StripeClient) send(req *http.Request, op string, out any) error {
	resp, err := s.base.Do(req)
	if err != nil {
		return s.wrapStripeError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, op)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: failed to decode Stripe response", op), err)
	}
	return nil
}

// setAuthHeaders sets the Stripe API authentication and version headers.
func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

// stripeErrorResponse represents the JSON error body returned by the Stripe API.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
	Param       string `json:"param"`
}

// handleErrorResponse reads a Stripe error response and maps it to a types.AppError.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr)
	}

	return s.mapStripeError(operation, resp.StatusCode, &stripeErr.Error)
}

// mapStripeError translates a Stripe error into a types.AppError.
func (s *StripeClient) mapStripeError(operation string, statusCode int, stripeErr *stripeErrorBody) error {
	if stripeErr.Code == "card_declined" || stripeErr.DeclineCode != "" {
		return types.NewAppErrorWithDetails(types.ErrCodePaymentDeclined,
			fmt.Sprintf("payment declined: %s", stripeErr.Message), nil,
			map[string]any{"decline_code": stripeErr.DeclineCode, "stripe_code": stripeErr.Code})
	}

	s.logger.Warn("stripe request rejected",
		"operation", operation,
		"status", statusCode,
		"stripe_type", stripeErr.Type,
		"stripe_code", stripeErr.Code,
		"param", stripeErr.Param,
	)

	switch {
	case statusCode == http.StatusTooManyRequests:
		return types.NewAppError(types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Stripe rate limit exceeded", operation), nil)
	case statusCode >= 500:
		return types.NewAppError(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("%s: Stripe server error: %s", operation, stripeErr.Message), nil)
	case statusCode == http.StatusNotFound:
		return types.NewAppError(types.ErrCodeNotFoundCustomer,
			fmt.Sprintf("%s: Stripe resource not found: %s", operation, stripeErr.Message), nil)
	default:
		return types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, statusCode, stripeErr.Message), nil)
	}
}

// wrapStripeError wraps a BaseClient transport error with context.
func (s *StripeClient) wrapStripeError(operation string, err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return types.NewAppError(types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe request failed", operation), err)
}

// ---------------------------------------------------------------------------
// Stripe Response Types (for JSON deserialization)
// ---------------------------------------------------------------------------

type stripeAddress struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type stripeCustomer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Name     string            `json:"name"`
	Address  *stripeAddress    `json:"address"`
	Metadata map[string]string `json:"metadata"`
	TaxIDs   *struct {
		Data []struct {
			Value string `json:"value"`
		} `json:"data"`
	} `json:"tax_ids"`
}

func (c *stripeCustomer) toDomain() *Customer {
	out := &Customer{ID: c.ID, Email: c.Email, Name: c.Name, Metadata: c.Metadata}
	if c.Address != nil {
		out.Address = &types.BillingAddress{
			Line1:      c.Address.Line1,
			Line2:      c.Address.Line2,
			City:       c.Address.City,
			State:      c.Address.State,
			PostalCode: c.Address.PostalCode,
			Country:    c.Address.Country,
			Name:       c.Name,
		}
		if c.TaxIDs != nil && len(c.TaxIDs.Data) > 0 {
			out.Address.TaxID = c.TaxIDs.Data[0].Value
		}
	}
	return out
}

type stripePaymentMethod struct {
	ID   string `json:"id"`
	Card *struct {
		Brand    string `json:"brand"`
		Last4    string `json:"last4"`
		ExpMonth int    `json:"exp_month"`
		ExpYear  int    `json:"exp_year"`
	} `json:"card"`
}

type stripeSchedule struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Phases []struct {
		StartDate int64 `json:"start_date"`
		EndDate   int64 `json:"end_date"`
		Items     []struct {
			Price json.RawMessage `json:"price"`
		} `json:"items"`
	} `json:"phases"`
}

func (s *stripeSchedule) toDomain() *Schedule {
	out := &Schedule{ID: s.ID, Status: s.Status}
	for _, ph := range s.Phases {
		phase := SchedulePhase{StartDate: unixOrZero(ph.StartDate), EndDate: unixOrZero(ph.EndDate)}
		if len(ph.Items) > 0 {
			phase.PriceRef = expandableID(ph.Items[0].Price)
		}
		out.Phases = append(out.Phases, phase)
	}
	return out
}

type stripeSubscription struct {
	ID                string                    `json:"id"`
	Customer          json.RawMessage           `json:"customer"`
	Status            stripe.SubscriptionStatus `json:"status"`
	CancelAtPeriodEnd bool                      `json:"cancel_at_period_end"`
	Metadata          map[string]string         `json:"metadata"`
	Schedule          json.RawMessage           `json:"schedule"`
	Items             struct {
		Data []struct {
			ID                 string `json:"id"`
			CurrentPeriodStart int64  `json:"current_period_start"`
			CurrentPeriodEnd   int64  `json:"current_period_end"`
			Price              struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func (s *stripeSubscription) toDomain() *Subscription {
	out := &Subscription{
		ID:                s.ID,
		CustomerID:        expandableID(s.Customer),
		Status:            s.Status,
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		Metadata:          s.Metadata,
	}
	for _, it := range s.Items.Data {
		out.Items = append(out.Items, SubscriptionItem{
			ID:                 it.ID,
			PriceRef:           it.Price.ID,
			CurrentPeriodStart: unixOrZero(it.CurrentPeriodStart),
			CurrentPeriodEnd:   unixOrZero(it.CurrentPeriodEnd),
		})
	}
	// schedule is either null, an ID string, or the expanded object.
	if len(s.Schedule) > 0 && s.Schedule[0] == '{' {
		var sched stripeSchedule
		if err := json.Unmarshal(s.Schedule, &sched); err == nil {
			out.Schedule = sched.toDomain()
		}
	} else if id := expandableID(s.Schedule); id != "" {
		out.Schedule = &Schedule{ID: id}
	}
	return out
}

type stripeSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type stripeInvoice struct {
	ID               string `json:"id"`
	Number           string `json:"number"`
	Status           string `json:"status"`
	AmountDue        int64  `json:"amount_due"`
	AmountPaid       int64  `json:"amount_paid"`
	Currency         string `json:"currency"`
	PeriodStart      int64  `json:"period_start"`
	PeriodEnd        int64  `json:"period_end"`
	HostedInvoiceURL string `json:"hosted_invoice_url"`
	InvoicePDF       string `json:"invoice_pdf"`
	Created          int64  `json:"created"`
}

func (si *stripeInvoice) toDomain() *types.Invoice {
	return &types.Invoice{
		ID:          si.ID,
		Number:      si.Number,
		Status:      si.Status,
		AmountDue:   si.AmountDue,
		AmountPaid:  si.AmountPaid,
		Currency:    si.Currency,
		PeriodStart: unixOrZero(si.PeriodStart),
		PeriodEnd:   unixOrZero(si.PeriodEnd),
		HostedURL:   si.HostedInvoiceURL,
		PDFURL:      si.InvoicePDF,
		CreatedAt:   unixOrZero(si.Created),
	}
}

// expandableID extracts the ID of a Stripe expandable field, which is either
// a bare string or an object with an "id" key.
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

func unixOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
