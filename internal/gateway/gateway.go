// Package gateway is the typed HTTP client for the billingsync API. Every
// operation is one POST round-trip authenticated with the caller's bearer
// token. Failures are *types.AppError values; classify them with
// types.KindOf.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"billingsync/internal/billing"
	"billingsync/internal/types"
)

// maxResponseSize bounds a decoded response body.
const maxResponseSize = 1 << 20

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

// Token implements TokenSource.
func (f TokenFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// Config configures an HTTPGateway.
type Config struct {
	// BaseURL is the API origin, e.g. https://api.example.com.
	BaseURL string
	// Timeout bounds a single attempt. Defaults to 30s.
	Timeout time.Duration
	// RetryMax is the number of retries for reads. Defaults to 3; mutations
	// are never retried.
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// HTTPClient replaces the underlying client, e.g. for tests.
	HTTPClient *http.Client
	Logger     *slog.Logger
	// UserAgent is sent with every request.
	UserAgent string
}

// HTTPGateway talks to the billing endpoints of the API.
type HTTPGateway struct {
	baseURL   string
	client    *retryablehttp.Client
	tokens    TokenSource
	userAgent string
	logger    *slog.Logger
}

// New creates an HTTPGateway.
func New(cfg Config, tokens TokenSource) (*HTTPGateway, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gateway: base URL cannot be empty")
	}
	if tokens == nil {
		return nil, fmt.Errorf("gateway: token source cannot be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 3
	}
	if cfg.RetryWaitMin == 0 {
		cfg.RetryWaitMin = 500 * time.Millisecond
	}
	if cfg.RetryWaitMax == 0 {
		cfg.RetryWaitMax = 5 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "billingsync-gateway"
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.RetryMax
	retryClient.RetryWaitMin = cfg.RetryWaitMin
	retryClient.RetryWaitMax = cfg.RetryWaitMax
	retryClient.Logger = cfg.Logger
	retryClient.CheckRetry = checkRetry
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if cfg.HTTPClient != nil {
		retryClient.HTTPClient = cfg.HTTPClient
	}
	retryClient.HTTPClient.Timeout = cfg.Timeout

	return &HTTPGateway{
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		client:    retryClient,
		tokens:    tokens,
		userAgent: cfg.UserAgent,
		logger:    cfg.Logger,
	}, nil
}

type idempotentKey struct{}

// checkRetry retries transport failures and 5xx responses, but only for
// requests marked idempotent. 429 is never retried here; the caller backs
// off according to its own policy.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if idempotent, _ := ctx.Value(idempotentKey{}).(bool); !idempotent {
		return false, nil
	}
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// envelope is the success body shape.
type envelope struct {
	Data json.RawMessage     `json:"data"`
	Meta *types.ResponseMeta `json:"meta,omitempty"`
}

// errorBody is the error body shape.
type errorBody struct {
	Error     string         `json:"error"`
	Code      string         `json:"code"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// call POSTs body to path and decodes the data field into out. It returns
// the meta block when present.
func (g *HTTPGateway) call(ctx context.Context, path string, body any, idempotent bool, out any) (*types.ResponseMeta, error) {
	token, err := g.tokens.Token(ctx)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeAuthTokenMissing, "failed to obtain access token", err)
	}
	if token == "" {
		return nil, types.NewAppError(types.ErrCodeAuthTokenMissing, "not signed in", nil)
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("gateway: failed to encode request: %w", err)
		}
	} else {
		payload = []byte("{}")
	}

	if idempotent {
		ctx = context.WithValue(ctx, idempotentKey{}, true)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("gateway: failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", g.userAgent)

	return g.do(req, path, out)
}

func (g *HTTPGateway) do(req *retryablehttp.Request, path string, out any) (*types.ResponseMeta, error) {
	ctx := req.Context()
	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		g.logger.WarnContext(ctx, "billing api unreachable", "path", path, "error", err)
		return nil, types.NewAppError(types.ErrCodeNetworkUnreachable, "billing API is unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeNetworkUnreachable, "failed to read billing API response", err)
	}

	g.logger.DebugContext(ctx, "billing api call",
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeError(resp, raw)
	}

	if out == nil {
		return nil, nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamUnavailable, "malformed billing API response", err)
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return nil, types.NewAppError(types.ErrCodeUpstreamUnavailable, "malformed billing API response", err)
		}
	}
	return env.Meta, nil
}

// decodeError turns a non-2xx response into an AppError. The server's code
// is kept when present; otherwise it is inferred from the status.
func decodeError(resp *http.Response, raw []byte) error {
	var body errorBody
	_ = json.Unmarshal(raw, &body)

	code := types.ErrorCode(body.Code)
	if code == "" {
		code = codeForStatus(resp.StatusCode)
	}
	msg := body.Error
	if msg == "" {
		msg = fmt.Sprintf("billing API returned %d", resp.StatusCode)
	}

	appErr := types.NewAppError(code, msg, nil)
	details := map[string]any{"status": resp.StatusCode}
	if body.RequestID != "" {
		details["request_id"] = body.RequestID
	}
	for k, v := range body.Details {
		details[k] = v
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		details["retry_after_seconds"] = int(parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()).Seconds())
	}
	return appErr.WithDetails(details)
}

func codeForStatus(status int) types.ErrorCode {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return types.ErrCodeAuthTokenInvalid
	case status == http.StatusTooManyRequests:
		return types.ErrCodeRateLimit
	case status >= 400 && status < 500:
		return types.ErrCodeValidationInvalidField
	default:
		return types.ErrCodeUpstreamUnavailable
	}
}

// parseRetryAfter reads a Retry-After header given in seconds or as an
// HTTP-date. Missing or unparseable values default to 60 seconds.
func parseRetryAfter(header string, now time.Time) time.Duration {
	if header == "" {
		return 60 * time.Second
	}
	if seconds, err := strconv.ParseInt(header, 10, 64); err == nil {
		if seconds <= 0 {
			return time.Second
		}
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if delay := t.Sub(now); delay > 0 {
			return delay
		}
		return time.Second
	}
	return 60 * time.Second
}

// RetryAfter returns the server-advised delay carried by a rate-limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Details == nil {
		return 0, false
	}
	secs, ok := appErr.Details["retry_after_seconds"].(int)
	if !ok {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// --- Operations ---

// FetchStatus reconciles and returns the caller's subscription snapshot.
// Read-only and retried.
func (g *HTTPGateway) FetchStatus(ctx context.Context) (*types.SubscriptionSnapshot, error) {
	var snap types.SubscriptionSnapshot
	if _, err := g.call(ctx, "/v1/billing/check-subscription", nil, true, &snap); err != nil {
		return nil, err
	}
	return snap.Normalize(), nil
}

// CreateCheckout starts a hosted checkout for priceRef.
func (g *HTTPGateway) CreateCheckout(ctx context.Context, priceRef string) (*types.RedirectResult, error) {
	var res types.RedirectResult
	body := map[string]string{"price_id": priceRef}
	if _, err := g.call(ctx, "/v1/billing/create-checkout", body, false, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// UpdateSubscription sends one mutation intent.
func (g *HTTPGateway) UpdateSubscription(ctx context.Context, req types.UpdateRequest) (*types.UpdateResult, error) {
	var res types.UpdateResult
	if _, err := g.call(ctx, "/v1/billing/update-subscription", req, false, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// OpenManagementPortal returns a hosted portal URL, optionally scoped to
// flow.
func (g *HTTPGateway) OpenManagementPortal(ctx context.Context, flow types.PortalFlow) (*types.RedirectResult, error) {
	var res types.RedirectResult
	body := map[string]string{}
	if flow != types.PortalFlowNone {
		body["flow"] = string(flow)
	}
	if _, err := g.call(ctx, "/v1/billing/customer-portal", body, false, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CancelPendingChange drops the scheduled change, if any.
func (g *HTTPGateway) CancelPendingChange(ctx context.Context) (*types.UpdateResult, error) {
	var res types.UpdateResult
	if _, err := g.call(ctx, "/v1/billing/cancel-pending-change", nil, false, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ListInvoices returns one page of invoices.
func (g *HTTPGateway) ListInvoices(ctx context.Context, params types.ListInvoicesParams) ([]*types.Invoice, types.PageInfo, error) {
	var invoices []*types.Invoice
	meta, err := g.call(ctx, "/v1/billing/invoices", params, true, &invoices)
	if err != nil {
		return nil, types.PageInfo{}, err
	}
	page := types.PageInfo{}
	if meta != nil && meta.Pagination != nil {
		page = *meta.Pagination
	}
	if invoices == nil {
		invoices = []*types.Invoice{}
	}
	return invoices, page, nil
}

// ListPlans returns the server's plan catalog.
func (g *HTTPGateway) ListPlans(ctx context.Context) ([]billing.Plan, error) {
	var res struct {
		Plans []billing.Plan `json:"plans"`
	}
	if _, err := g.call(ctx, "/v1/billing/plans", nil, true, &res); err != nil {
		return nil, err
	}
	return res.Plans, nil
}

// FetchPermissions returns the roles granted to the caller.
func (g *HTTPGateway) FetchPermissions(ctx context.Context) (types.Permissions, error) {
	var perms types.Permissions
	if _, err := g.call(ctx, "/v1/billing/permissions", nil, true, &perms); err != nil {
		return types.Permissions{}, err
	}
	if perms.Roles == nil {
		perms.Roles = []string{}
	}
	return perms, nil
}

// ConfigStatus reports which backing services the server has configured.
// The endpoint is public; no token is sent.
func (g *HTTPGateway) ConfigStatus(ctx context.Context) (types.ConfigStatus, error) {
	ctx = context.WithValue(ctx, idempotentKey{}, true)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/v1/config/status", nil)
	if err != nil {
		return types.ConfigStatus{}, fmt.Errorf("gateway: failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", g.userAgent)

	var status types.ConfigStatus
	if _, err := g.do(req, "/v1/config/status", &status); err != nil {
		return types.ConfigStatus{}, err
	}
	return status, nil
}
