package scheduler

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// CloudWatch metric and dimension names emitted by the sweeper.
const (
	MetricSummaryDrift   = "SummaryDrift"
	MetricMaintenanceRun = "MaintenanceRun"

	DimField  = "Field"
	DimTask   = "Task"
	DimStatus = "Status"
)

// CloudWatchClient is the PutMetricData subset of the CloudWatch API.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchMetrics publishes sweep metrics to CloudWatch. The sweeper runs
// as a short-lived function with nothing to scrape, so counters are pushed.
// Publish failures are logged, never returned.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

var _ DriftRecorder = (*CloudWatchMetrics)(nil)

// NewCloudWatchMetrics creates a publisher for the given namespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetrics{client: client, namespace: namespace, logger: logger}
}

// ObserveDrift emits SummaryDrift{Field} = 1.
func (m *CloudWatchMetrics) ObserveDrift(field string) {
	m.put(context.Background(), MetricSummaryDrift, cwtypes.Dimension{
		Name:  aws.String(DimField),
		Value: aws.String(field),
	})
}

// ObserveJobRun emits MaintenanceRun{Task, Status} = 1.
func (m *CloudWatchMetrics) ObserveJobRun(task, status string) {
	m.put(context.Background(), MetricMaintenanceRun,
		cwtypes.Dimension{Name: aws.String(DimTask), Value: aws.String(task)},
		cwtypes.Dimension{Name: aws.String(DimStatus), Value: aws.String(status)},
	)
}

func (m *CloudWatchMetrics) put(ctx context.Context, name string, dims ...cwtypes.Dimension) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(name),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dims,
			},
		},
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.ErrorContext(ctx, "failed to publish metric",
			"metric", name,
			"error", err,
		)
	}
}
