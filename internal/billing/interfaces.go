package billing

import (
	"context"
	"time"

	"billingsync/internal/external"
	"billingsync/internal/types"
)

// StripeAPI is the provider surface the billing domain depends on.
// Implemented by external.StripeClient.
type StripeAPI interface {
	FindCustomerByEmail(ctx context.Context, email string) (*external.Customer, error)
	CreateCustomer(ctx context.Context, email, userID string) (*external.Customer, error)
	GetCustomer(ctx context.Context, customerID string) (*external.Customer, error)
	DefaultPaymentMethod(ctx context.Context, customerID string) (*types.PaymentMethod, error)

	ActiveSubscription(ctx context.Context, customerID string) (*external.Subscription, error)
	UpdateSubscription(ctx context.Context, subscriptionID string, upd external.SubscriptionUpdate) (*external.Subscription, error)
	CreateScheduleFromSubscription(ctx context.Context, subscriptionID string) (*external.Schedule, error)
	UpdateSchedulePhases(ctx context.Context, scheduleID string, phases []external.SchedulePhase) (*external.Schedule, error)
	ReleaseSchedule(ctx context.Context, scheduleID string) error

	CreateCheckoutSession(ctx context.Context, p external.CheckoutParams) (string, error)
	CreatePortalSession(ctx context.Context, p external.PortalSessionParams) (string, error)
	ListPortalConfigurations(ctx context.Context) ([]external.PortalConfiguration, error)
	CreatePortalConfiguration(ctx context.Context, f external.PortalFeatures) (string, error)
	UpdatePortalConfiguration(ctx context.Context, id string, f external.PortalFeatures) error

	ListInvoices(ctx context.Context, customerID string, p types.ListInvoicesParams) ([]*types.Invoice, types.PageInfo, error)
	ListActivePrices(ctx context.Context) ([]external.CatalogPrice, error)
}

var _ StripeAPI = (*external.StripeClient)(nil)

// SummaryStore is the single write path to durable subscription storage.
// Implemented by db.SubscriptionSummaryRepo.
type SummaryStore interface {
	Upsert(ctx context.Context, s *types.SubscriptionSummary) error
}

// PortalConfigStore persists the active billing-portal configuration.
// Implemented by db.PortalConfigRepo.
type PortalConfigStore interface {
	GetActive(ctx context.Context) (*types.PortalConfigRecord, error)
	SaveActive(ctx context.Context, stripeConfigID, featuresHash string) error
}

// EventPublisher delivers subscription-change events.
type EventPublisher interface {
	Publish(ctx context.Context, ev types.SubscriptionEvent) error
}

// Recorder receives domain metrics. Implemented by core.PromMetrics.
type Recorder interface {
	ObserveReconcile(outcome string, elapsed time.Duration)
	ObserveMutation(action types.UpdateAction, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveReconcile(string, time.Duration) {}
func (nopRecorder) ObserveMutation(types.UpdateAction, string) {}
