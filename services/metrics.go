package services

import (
	"context"
	"time"
)

// Metrics is the subset of the CloudWatch metrics client the services use.
type Metrics interface {
	RecordCount(ctx context.Context, metricName string, dimensions map[string]string) error
	RecordLatency(ctx context.Context, metricName string, duration time.Duration, dimensions map[string]string) error
}

type NopMetrics struct{}

func (NopMetrics) RecordCount(context.Context, string, map[string]string) error { return nil }

func (NopMetrics) RecordLatency(context.Context, string, time.Duration, map[string]string) error {
	return nil
}
