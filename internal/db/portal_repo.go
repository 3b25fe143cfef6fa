package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"billingsync/internal/types"
)

// PortalConfigRepo tracks the single active billing-portal configuration.
type PortalConfigRepo struct {
	db DBTX
}

// NewPortalConfigRepo creates a PortalConfigRepo.
func NewPortalConfigRepo(db DBTX) *PortalConfigRepo {
	return &PortalConfigRepo{db: db}
}

// GetActive returns the active configuration, or nil when none is stored.
func (r *PortalConfigRepo) GetActive(ctx context.Context) (*types.PortalConfigRecord, error) {
	var rec types.PortalConfigRecord
	err := r.db.QueryRow(ctx,
		`SELECT id, stripe_configuration_id, features_hash, active, created_at, updated_at
		 FROM portal_configurations
		 WHERE active
		 LIMIT 1`,
	).Scan(&rec.ID, &rec.StripeConfigurationID, &rec.FeaturesHash, &rec.Active, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read portal configuration", err)
	}
	return &rec, nil
}

// SaveActive marks the given Stripe configuration as the active one,
// deactivating any other record first so the single-active index holds.
func (r *PortalConfigRepo) SaveActive(ctx context.Context, stripeConfigID, featuresHash string) error {
	if _, err := r.db.Exec(ctx,
		`UPDATE portal_configurations
		 SET active = FALSE, updated_at = NOW()
		 WHERE active AND stripe_configuration_id <> $1`,
		stripeConfigID,
	); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to deactivate portal configurations", err)
	}

	if _, err := r.db.Exec(ctx,
		`INSERT INTO portal_configurations (stripe_configuration_id, features_hash, active)
		 VALUES ($1, $2, TRUE)
		 ON CONFLICT (stripe_configuration_id) DO UPDATE SET
		     features_hash = EXCLUDED.features_hash,
		     active = TRUE,
		     updated_at = NOW()`,
		stripeConfigID,
		featuresHash,
	); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save portal configuration", err)
	}
	return nil
}
