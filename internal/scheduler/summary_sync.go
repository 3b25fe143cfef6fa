package scheduler

import (
	"context"
	"log/slog"
	"time"

	"billingsync/internal/types"
)

const (
	// DefaultSummaryStaleness is how old a stored summary may get before the
	// sweep refreshes it from the provider.
	DefaultSummaryStaleness = 24 * time.Hour

	// DefaultSummaryBatchLimit caps the summaries refreshed per run.
	DefaultSummaryBatchLimit = 50

	// DefaultHistoryRetention is how long job_history rows are kept.
	DefaultHistoryRetention = 30 * 24 * time.Hour
)

// SummaryDB lists the summaries the sweep should refresh.
type SummaryDB interface {
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*types.SubscriptionSummary, error)
}

// Reconciler rebuilds a principal's snapshot from the provider and stores it.
type Reconciler interface {
	ReconcileCustomer(ctx context.Context, p types.Principal, customerID string) (*types.SubscriptionSnapshot, error)
}

// DriftRecorder counts fields that changed between the stored summary and the
// provider.
type DriftRecorder interface {
	ObserveDrift(field string)
}

// SummarySyncer refreshes stored summaries that have not been touched by a
// check or webhook within the staleness window. Webhook delivery is
// best-effort; this sweep catches what it missed.
type SummarySyncer struct {
	db         SummaryDB
	reconciler Reconciler
	drift      DriftRecorder
	logger     *slog.Logger
}

// NewSummarySyncer creates a SummarySyncer. drift may be nil.
func NewSummarySyncer(db SummaryDB, reconciler Reconciler, drift DriftRecorder, logger *slog.Logger) *SummarySyncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SummarySyncer{
		db:         db,
		reconciler: reconciler,
		drift:      drift,
		logger:     logger,
	}
}

// SyncStale reconciles up to limit summaries older than now-staleness and
// returns how many were refreshed. A failure on one summary is logged and the
// sweep moves on; only a failure to list candidates aborts the run.
func (s *SummarySyncer) SyncStale(ctx context.Context, now time.Time, staleness time.Duration, limit int) (int, error) {
	candidates, err := s.db.ListStale(ctx, now.Add(-staleness), limit)
	if err != nil {
		return 0, err
	}
	if len(candidates) == 0 {
		s.logger.InfoContext(ctx, "no stale summaries")
		return 0, nil
	}

	synced := 0
	for _, summary := range candidates {
		if err := ctx.Err(); err != nil {
			return synced, err
		}

		p := types.Principal{ID: summary.UserID, Email: summary.Email}
		fresh, err := s.reconciler.ReconcileCustomer(ctx, p, summary.StripeCustomerID)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to refresh summary",
				"user_id", summary.UserID,
				"customer_id", summary.StripeCustomerID,
				"error", err,
			)
			continue
		}

		if fields := driftFields(&summary.Snapshot, fresh); len(fields) > 0 {
			s.logger.WarnContext(ctx, "summary drift detected",
				"user_id", summary.UserID,
				"customer_id", summary.StripeCustomerID,
				"fields", fields,
			)
			if s.drift != nil {
				for _, f := range fields {
					s.drift.ObserveDrift(f)
				}
			}
		}
		synced++
	}

	s.logger.InfoContext(ctx, "summary sync complete",
		"candidates", len(candidates),
		"synced", synced,
	)
	return synced, nil
}

// driftFields names the snapshot fields that differ between the stored and
// fresh snapshots. Payment method and billing address are not compared.
func driftFields(stored, fresh *types.SubscriptionSnapshot) []string {
	var fields []string
	if stored.Subscribed != fresh.Subscribed {
		fields = append(fields, "subscribed")
	}
	if !equalString(stored.Tier, fresh.Tier) {
		fields = append(fields, "tier")
	}
	if !equalString(stored.CurrentPlan, fresh.CurrentPlan) {
		fields = append(fields, "current_plan")
	}
	if !equalTime(stored.End, fresh.End) {
		fields = append(fields, "subscription_end")
	}
	if stored.CancelAtPeriodEnd != fresh.CancelAtPeriodEnd {
		fields = append(fields, "cancel_at_period_end")
	}
	if (stored.PendingChange == nil) != (fresh.PendingChange == nil) {
		fields = append(fields, "pending_change")
	}
	return fields
}

func equalString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// HistoryDB removes old job_history rows.
type HistoryDB interface {
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// PruneHistory deletes job history older than retention and returns the
// number of rows removed.
func PruneHistory(ctx context.Context, db HistoryDB, now time.Time, retention time.Duration, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	n, err := db.Prune(ctx, now.Add(-retention))
	if err != nil {
		return 0, err
	}
	logger.InfoContext(ctx, "pruned job history", "deleted", n)
	return n, nil
}
