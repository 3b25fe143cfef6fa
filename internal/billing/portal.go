package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"

	"billingsync/internal/external"
)

// DefaultPortalFeatures is the self-service feature set offered in the
// hosted portal: card updates, address and tax ID edits, invoice history,
// and cancellation at period end.
func DefaultPortalFeatures(returnURL string) external.PortalFeatures {
	return external.PortalFeatures{
		Headline:              "Manage your subscription",
		PaymentMethodUpdate:   true,
		CustomerUpdate:        true,
		TaxIDUpdate:           true,
		InvoiceHistory:        true,
		SubscriptionCancel:    true,
		CancelAtPeriodEndOnly: true,
		DefaultReturnURL:      returnURL,
	}
}

// FeaturesHash fingerprints a feature set so drift between the stored and
// desired configuration can be detected without reading it back from Stripe.
func FeaturesHash(f external.PortalFeatures) string {
	b, _ := json.Marshal(f)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// PortalManager keeps exactly one billing-portal configuration active and in
// line with the desired features.
type PortalManager struct {
	stripe   StripeAPI
	store    PortalConfigStore
	features external.PortalFeatures
	logger   *slog.Logger

	mu       sync.Mutex
	resolved string
}

// NewPortalManager creates a PortalManager. store may be nil, in which case
// the configuration is resolved against Stripe once per process.
func NewPortalManager(stripe StripeAPI, store PortalConfigStore, features external.PortalFeatures, logger *slog.Logger) *PortalManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &PortalManager{stripe: stripe, store: store, features: features, logger: logger}
}

// EnsurePortalConfiguration returns the ID of the active configuration,
// creating or updating it in Stripe as needed.
func (m *PortalManager) EnsurePortalConfiguration(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.resolved != "" {
		return m.resolved, nil
	}

	hash := FeaturesHash(m.features)

	if m.store != nil {
		rec, err := m.store.GetActive(ctx)
		if err != nil {
			m.logger.WarnContext(ctx, "failed to read stored portal configuration", "error", err)
		} else if rec != nil {
			if rec.FeaturesHash != hash {
				if err := m.stripe.UpdatePortalConfiguration(ctx, rec.StripeConfigurationID, m.features); err != nil {
					return "", err
				}
				m.logger.InfoContext(ctx, "portal configuration features updated",
					"configuration_id", rec.StripeConfigurationID)
				m.save(ctx, rec.StripeConfigurationID, hash)
			}
			m.resolved = rec.StripeConfigurationID
			return m.resolved, nil
		}
	}

	id, err := m.adoptOrCreate(ctx)
	if err != nil {
		return "", err
	}
	m.save(ctx, id, hash)
	m.resolved = id
	return id, nil
}

// adoptOrCreate reuses the account's default configuration, bringing its
// features in line, or creates a new one.
func (m *PortalManager) adoptOrCreate(ctx context.Context) (string, error) {
	configs, err := m.stripe.ListPortalConfigurations(ctx)
	if err != nil {
		return "", err
	}
	for _, c := range configs {
		if c.IsDefault && c.Active {
			if err := m.stripe.UpdatePortalConfiguration(ctx, c.ID, m.features); err != nil {
				return "", err
			}
			m.logger.InfoContext(ctx, "adopted default portal configuration", "configuration_id", c.ID)
			return c.ID, nil
		}
	}

	id, err := m.stripe.CreatePortalConfiguration(ctx, m.features)
	if err != nil {
		return "", err
	}
	m.logger.InfoContext(ctx, "created portal configuration", "configuration_id", id)
	return id, nil
}

func (m *PortalManager) save(ctx context.Context, id, hash string) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveActive(ctx, id, hash); err != nil {
		m.logger.WarnContext(ctx, "failed to store portal configuration",
			"configuration_id", id,
			"error", err,
		)
	}
}
