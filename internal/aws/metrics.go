package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Metrics publishes fulfillment outcome counters to CloudWatch.
type Metrics struct {
	client    CloudWatchAPI
	namespace string
	service   string
	nowFunc   func() time.Time
}

// NewMetrics returns a Metrics publisher. service is attached as the "Service" dimension.
func NewMetrics(client CloudWatchAPI, namespace, service string) *Metrics {
	return &Metrics{
		client:    client,
		namespace: namespace,
		service:   service,
		nowFunc:   time.Now,
	}
}

// Count records a single occurrence of metric.
func (m *Metrics) Count(ctx context.Context, metric string) error {
	value := 1.0
	input := &cloudwatch.PutMetricDataInput{
		Namespace: &m.namespace,
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: awsString(metric),
				Value:      &value,
				Unit:       cwtypes.StandardUnitCount,
				Timestamp:  timePtr(m.nowFunc().UTC()),
				Dimensions: []cwtypes.Dimension{
					{Name: awsString("Service"), Value: awsString(m.service)},
				},
			},
		},
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		return fmt.Errorf("put metric data %s: %w", metric, err)
	}
	return nil
}

func timePtr(t time.Time) *time.Time { return &t }
