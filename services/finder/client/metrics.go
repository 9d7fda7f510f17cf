// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package client

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("pyfinder.client")
	meter  = otel.Meter("pyfinder.client")
)

var (
	requestLatency  metric.Float64Histogram
	requestTotal    metric.Int64Counter
	envsReported    metric.Int64Counter
	reResolvesTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		requestLatency, err = meter.Float64Histogram(
			"finder_request_duration_seconds",
			metric.WithDescription("Duration of finder requests"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		requestTotal, err = meter.Int64Counter(
			"finder_request_total",
			metric.WithDescription("Total number of finder requests"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		envsReported, err = meter.Int64Counter(
			"finder_environments_reported_total",
			metric.WithDescription("Environments forwarded from refresh notifications"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		reResolvesTotal, err = meter.Int64Counter(
			"finder_incomplete_resolves_total",
			metric.WithDescription("Resolves issued for incomplete refresh notifications"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func startRequestSpan(ctx context.Context, method string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("finder.method", method))
	return tracer.Start(ctx, "Client."+method, trace.WithAttributes(attrs...))
}

func endRequestSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func recordRequestMetrics(ctx context.Context, method string, duration time.Duration, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.Bool("success", success),
	)
	requestLatency.Record(ctx, duration.Seconds(), attrs)
	requestTotal.Add(ctx, 1, attrs)
}

func recordEnvironmentReported(ctx context.Context, resolved bool) {
	if err := initMetrics(); err != nil {
		return
	}
	envsReported.Add(ctx, 1, metric.WithAttributes(attribute.Bool("resolved", resolved)))
}

func recordReResolve(ctx context.Context, success bool) {
	if err := initMetrics(); err != nil {
		return
	}
	reResolvesTotal.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", success)))
}
