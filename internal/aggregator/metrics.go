// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package aggregator

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Record outcomes.
const (
	outcomeAccepted = "accepted"
	outcomeUnknown  = "unknown_entity"
	outcomeIgnored  = "untracked_attribute"
	outcomeRejected = "rejected"
)

// metricsCollector records aggregator activity through an OpenTelemetry meter.
type metricsCollector struct {
	recordsTotal metric.Int64Counter
	resultsTotal metric.Int64Counter
	windowSize   metric.Int64Histogram

	activeEntities atomic.Int64
}

func newMetricsCollector(provider metric.MeterProvider) (*metricsCollector, error) {
	meter := provider.Meter("monitord/aggregator")
	mc := &metricsCollector{}

	var err error
	mc.recordsTotal, err = meter.Int64Counter(
		"monitord_aggregator_records_total",
		metric.WithDescription("Records observed by the aggregator by outcome"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	mc.resultsTotal, err = meter.Int64Counter(
		"monitord_aggregator_results_total",
		metric.WithDescription("Aggregation results emitted by function"),
		metric.WithUnit("{result}"),
	)
	if err != nil {
		return nil, err
	}

	mc.windowSize, err = meter.Int64Histogram(
		"monitord_aggregator_window_records",
		metric.WithDescription("Number of records reduced into each emitted result"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"monitord_aggregator_active_entities",
		metric.WithDescription("Entities with open aggregation state"),
		metric.WithUnit("{entity}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(mc.activeEntities.Load())
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}
	return mc, nil
}

func (mc *metricsCollector) record(ctx context.Context, outcome string) {
	mc.recordsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (mc *metricsCollector) result(ctx context.Context, fn string, count int) {
	attrs := metric.WithAttributes(attribute.String("function", fn))
	mc.resultsTotal.Add(ctx, 1, attrs)
	mc.windowSize.Record(ctx, int64(count), attrs)
}
