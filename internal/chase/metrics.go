package chase

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"duepoint/internal/types"
)

// defaultMetricNamespace is used when no namespace is configured.
const defaultMetricNamespace = "DuePoint/Chase"

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for
// testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchMetrics emits chase pipeline metrics to AWS CloudWatch.
//
// Metrics emitted:
//   - ChaseAttempt: Dims {Stage, Result} on every real send attempt
//   - ChaseSkip: Dims {Reason} on every skipped invoice
//   - ChaseRunDuration / ChaseRunSent / ChaseRunErrors: per batch run
//
// Publication failures are logged and swallowed; metrics never fail a run.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

var _ Metrics = (*CloudWatchMetrics)(nil)

// NewCloudWatchMetrics creates a CloudWatchMetrics publisher. An empty
// namespace falls back to the default.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = defaultMetricNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetrics{client: client, namespace: namespace, logger: logger}
}

// RecordOutcome emits a ChaseAttempt metric with Stage and Result
// dimensions. Result is "success" or "failure"; dry runs are counted in the
// run stats only and never produce an attempt metric.
func (m *CloudWatchMetrics) RecordOutcome(ctx context.Context, stage types.ChaseStage, result string) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String("ChaseAttempt"),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String("Stage"), Value: aws.String(string(stage))},
			{Name: aws.String("Result"), Value: aws.String(result)},
		},
	})
}

// RecordSkip emits a ChaseSkip metric with the Reason dimension.
func (m *CloudWatchMetrics) RecordSkip(ctx context.Context, reason types.SkipReason) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String("ChaseSkip"),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String("Reason"), Value: aws.String(string(reason))},
		},
	})
}

// RecordRun emits the per-run aggregates in a single PutMetricData call.
func (m *CloudWatchMetrics) RecordRun(ctx context.Context, stats types.ChaseRunStats, elapsed time.Duration) {
	m.put(ctx,
		cwtypes.MetricDatum{
			MetricName: aws.String("ChaseRunDuration"),
			Value:      aws.Float64(float64(elapsed.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
		},
		cwtypes.MetricDatum{
			MetricName: aws.String("ChaseRunCandidates"),
			Value:      aws.Float64(float64(stats.Candidates)),
			Unit:       cwtypes.StandardUnitCount,
		},
		cwtypes.MetricDatum{
			MetricName: aws.String("ChaseRunSent"),
			Value:      aws.Float64(float64(stats.Sent)),
			Unit:       cwtypes.StandardUnitCount,
		},
		cwtypes.MetricDatum{
			MetricName: aws.String("ChaseRunErrors"),
			Value:      aws.Float64(float64(stats.Errors)),
			Unit:       cwtypes.StandardUnitCount,
		},
	)
}

func (m *CloudWatchMetrics) put(ctx context.Context, data ...cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.WarnContext(ctx, "failed to publish chase metrics", "error", err)
	}
}
