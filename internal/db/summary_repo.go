package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"billingsync/internal/types"
)

// SubscriptionSummaryRepo persists the denormalized subscription summary.
// Reconciliation is its only writer.
type SubscriptionSummaryRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionSummaryRepo creates a repo backed by the given pool or
// transaction.
func NewSubscriptionSummaryRepo(db DBTX, logger *slog.Logger) *SubscriptionSummaryRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionSummaryRepo{db: db, logger: logger}
}

const summaryColumns = `user_id, email, stripe_customer_id, subscribed, subscription_tier,
	subscription_end, current_plan, cancel_at_period_end, pending_change,
	payment_method, billing_address, updated_at`

// Upsert writes the full summary keyed by user_id. Every column is
// overwritten; the provider-sourced snapshot is authoritative.
func (r *SubscriptionSummaryRepo) Upsert(ctx context.Context, s *types.SubscriptionSummary) error {
	pending, err := jsonOrNil(s.Snapshot.PendingChange)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode pending change", err)
	}
	payment, err := jsonOrNil(s.Snapshot.PaymentMethod)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode payment method", err)
	}
	address, err := jsonOrNil(s.Snapshot.BillingAddress)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode billing address", err)
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO subscription_summaries (`+summaryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		 ON CONFLICT (user_id) DO UPDATE SET
		     email = EXCLUDED.email,
		     stripe_customer_id = EXCLUDED.stripe_customer_id,
		     subscribed = EXCLUDED.subscribed,
		     subscription_tier = EXCLUDED.subscription_tier,
		     subscription_end = EXCLUDED.subscription_end,
		     current_plan = EXCLUDED.current_plan,
		     cancel_at_period_end = EXCLUDED.cancel_at_period_end,
		     pending_change = EXCLUDED.pending_change,
		     payment_method = EXCLUDED.payment_method,
		     billing_address = EXCLUDED.billing_address,
		     updated_at = NOW()`,
		s.UserID,
		s.Email,
		nullIfEmpty(s.StripeCustomerID),
		s.Snapshot.Subscribed,
		s.Snapshot.Tier,
		s.Snapshot.End,
		s.Snapshot.CurrentPlan,
		s.Snapshot.CancelAtPeriodEnd,
		pending,
		payment,
		address,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert subscription summary", err)
	}
	return nil
}

// GetByUserID returns the stored summary for a principal.
func (r *SubscriptionSummaryRepo) GetByUserID(ctx context.Context, userID string) (*types.SubscriptionSummary, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+summaryColumns+` FROM subscription_summaries WHERE user_id = $1`,
		userID,
	)
	return r.scan(row, types.ErrCodeNotFoundSubscription, "subscription summary not found")
}

// GetByCustomerID returns the summary linked to a Stripe customer. Used to
// route provider events back to a principal.
func (r *SubscriptionSummaryRepo) GetByCustomerID(ctx context.Context, customerID string) (*types.SubscriptionSummary, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+summaryColumns+` FROM subscription_summaries WHERE stripe_customer_id = $1
		 ORDER BY updated_at DESC LIMIT 1`,
		customerID,
	)
	return r.scan(row, types.ErrCodeNotFoundCustomer, "no summary for customer")
}

// ListStale returns linked summaries last refreshed before cutoff, oldest
// first. Summaries without a Stripe customer are skipped; there is nothing to
// reconcile them against.
func (r *SubscriptionSummaryRepo) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*types.SubscriptionSummary, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+summaryColumns+` FROM subscription_summaries
		 WHERE stripe_customer_id IS NOT NULL AND updated_at < $1
		 ORDER BY updated_at ASC
		 LIMIT $2`,
		cutoff,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list stale summaries", err)
	}
	defer rows.Close()

	var out []*types.SubscriptionSummary
	for rows.Next() {
		s, err := r.scan(rows, types.ErrCodeInternalDB, "unexpected empty row")
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating stale summaries", err)
	}
	return out, nil
}

func (r *SubscriptionSummaryRepo) scan(row pgx.Row, notFound types.ErrorCode, msg string) (*types.SubscriptionSummary, error) {
	var (
		s                         types.SubscriptionSummary
		customerID                *string
		pending, payment, address []byte
		updatedAt                 time.Time
	)
	err := row.Scan(
		&s.UserID,
		&s.Email,
		&customerID,
		&s.Snapshot.Subscribed,
		&s.Snapshot.Tier,
		&s.Snapshot.End,
		&s.Snapshot.CurrentPlan,
		&s.Snapshot.CancelAtPeriodEnd,
		&pending,
		&payment,
		&address,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(notFound, msg, nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read subscription summary", err)
	}
	if customerID != nil {
		s.StripeCustomerID = *customerID
	}
	s.UpdatedAt = updatedAt

	if err := decodeJSONB(pending, &s.Snapshot.PendingChange); err != nil {
		return nil, err
	}
	if err := decodeJSONB(payment, &s.Snapshot.PaymentMethod); err != nil {
		return nil, err
	}
	if err := decodeJSONB(address, &s.Snapshot.BillingAddress); err != nil {
		return nil, err
	}
	return &s, nil
}

// jsonOrNil encodes v for a JSONB column, mapping nil pointers to SQL NULL.
func jsonOrNil[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func decodeJSONB[T any](raw []byte, dst **T) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, fmt.Sprintf("corrupt JSONB column: %v", err), err)
	}
	*dst = &v
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
