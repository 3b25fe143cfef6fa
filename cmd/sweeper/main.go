// Package main is the entrypoint for the sweeper Lambda function.
//
// EventBridge rules invoke it with a MaintenancePayload naming the task. The
// handler takes a job lock for the task and hour so overlapping schedules run
// a task once, records the run in job_history, and dispatches to the
// scheduler service for the task.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/google/uuid"

	"billingsync/internal/billing"
	"billingsync/internal/config"
	"billingsync/internal/db"
	"billingsync/internal/external"
	"billingsync/internal/scheduler"
)

// SummarySyncService refreshes stale subscription summaries.
type SummarySyncService interface {
	SyncStale(ctx context.Context, now time.Time, staleness time.Duration, limit int) (int, error)
}

// JobLocker abstracts the distributed lock acquisition.
type JobLocker interface {
	Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error)
}

// JobHistorian abstracts the job history recording.
type JobHistorian interface {
	Start(ctx context.Context, jobType string) (int64, error)
	Finish(ctx context.Context, id int64, status string, items int, err error) error
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// RunRecorder counts finished runs. Optional.
type RunRecorder interface {
	ObserveJobRun(task, status string)
}

// Handler holds the dependencies for the sweeper Lambda handler function.
type Handler struct {
	Summaries  SummarySyncService
	JobLock    JobLocker
	JobHistory JobHistorian
	Runs       RunRecorder
	Config     config.SweepConfig
	WorkerID   string
	Logger     *slog.Logger
}

// Handle runs one maintenance task.
func (h *Handler) Handle(ctx context.Context, payload scheduler.MaintenancePayload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := time.Now().UTC()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}

	taskStr := string(payload.Task)
	logger.InfoContext(ctx, "sweeper invoked",
		"task", taskStr,
		"reference_time", now.Format(time.RFC3339),
		"worker_id", h.WorkerID,
	)

	if payload.Task == "" {
		return "", fmt.Errorf("empty task type in maintenance payload")
	}

	lockID := fmt.Sprintf("%s:%s", payload.Task, now.Truncate(time.Hour).Format("2006-01-02T15"))
	acquired, err := h.JobLock.Acquire(ctx, lockID, h.WorkerID, h.Config.LockTTL)
	if err != nil {
		logger.ErrorContext(ctx, "failed to acquire job lock",
			"lock_id", lockID,
			"error", err,
		)
		return "", fmt.Errorf("acquiring job lock %s: %w", lockID, err)
	}
	if !acquired {
		logger.InfoContext(ctx, "job lock held by another worker", "lock_id", lockID)
		return fmt.Sprintf("skipped: lock %s held by another worker", lockID), nil
	}

	// History is best-effort; jobID 0 skips Finish.
	jobID, err := h.JobHistory.Start(ctx, taskStr)
	if err != nil {
		logger.ErrorContext(ctx, "failed to start job history",
			"task", taskStr,
			"error", err,
		)
		jobID = 0
	}

	items, execErr := h.dispatch(ctx, payload.Task, now)

	status := "success"
	if execErr != nil {
		status = "failed"
	}
	if jobID != 0 {
		if finishErr := h.JobHistory.Finish(ctx, jobID, status, items, execErr); finishErr != nil {
			logger.ErrorContext(ctx, "failed to finish job history",
				"job_id", jobID,
				"task", taskStr,
				"error", finishErr,
			)
		}
	}
	if h.Runs != nil {
		h.Runs.ObserveJobRun(taskStr, status)
	}

	if execErr != nil {
		logger.ErrorContext(ctx, "task execution failed",
			"task", taskStr,
			"error", execErr,
			"items_before_error", items,
		)
		return "", fmt.Errorf("task %s failed: %w", taskStr, execErr)
	}

	result := fmt.Sprintf("task %s complete: %d items processed", taskStr, items)
	logger.InfoContext(ctx, result, "task", taskStr, "items", items)
	return result, nil
}

func (h *Handler) dispatch(ctx context.Context, task scheduler.TaskType, now time.Time) (int, error) {
	switch task {
	case scheduler.TaskSyncSummaries:
		return h.Summaries.SyncStale(ctx, now, h.Config.Staleness, h.Config.BatchLimit)

	case scheduler.TaskPruneJobHistory:
		return scheduler.PruneHistory(ctx, h.JobHistory, now, h.Config.HistoryRetention, h.Logger)

	default:
		return 0, fmt.Errorf("unknown task type: %q", task)
	}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	logger.Info("sweeper initializing (cold start)")

	handler, err := newHandler(context.Background(), logger)
	if err != nil {
		logger.Error("failed to initialize sweeper", "error", err)
		os.Exit(1)
	}

	logger.Info("sweeper initialized", "worker_id", handler.WorkerID)
	lambda.Start(handler.Handle)
}

// newHandler wires the sweeper from the environment. Both the database and
// the billing provider are required: there is nothing to sweep without them.
func newHandler(ctx context.Context, logger *slog.Logger) (*Handler, error) {
	cfg, err := config.LoadConfig(nil)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if !cfg.StorageConfigured() || !cfg.BillingConfigured() {
		return nil, fmt.Errorf("sweeper requires DATABASE_URL and STRIPE_SECRET_KEY")
	}

	pool, err := db.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	stripe := external.NewStripeClient(
		&http.Client{Timeout: 20 * time.Second},
		external.StripeClientConfig{
			SecretKey: cfg.Billing.StripeSecretKey.Unmask(),
			BaseURL:   cfg.Billing.StripeBaseURL,
			Logger:    logger,
		},
	)
	catalog := billing.NewCatalog(cfg.Billing.Prices, cfg.Billing.Currency)
	summaries := db.NewSubscriptionSummaryRepo(pool, logger)
	reconciler := billing.NewReconciler(stripe, catalog, summaries, logger)

	h := &Handler{
		JobLock:    db.NewJobLockRepository(pool),
		JobHistory: db.NewJobHistoryRepository(pool),
		Config:     cfg.Sweep,
		WorkerID:   uuid.New().String(),
		Logger:     logger,
	}

	var drift scheduler.DriftRecorder
	if cfg.Sweep.MetricsNamespace != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Events.Region))
		if err != nil {
			return nil, fmt.Errorf("loading AWS config: %w", err)
		}
		cw := scheduler.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg), cfg.Sweep.MetricsNamespace, logger)
		drift = cw
		h.Runs = cw
	}
	h.Summaries = scheduler.NewSummarySyncer(summaries, reconciler, drift, logger)
	return h, nil
}
