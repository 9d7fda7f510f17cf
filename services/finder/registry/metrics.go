// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for the Discovery Registry
// =============================================================================

var (
	// environmentsKnown is the size of the most recently changed collection.
	environmentsKnown = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pyfinder",
		Subsystem: "registry",
		Name:      "environments",
		Help:      "Environments currently in the registry",
	})

	// refreshInProgress is 1 while a discovery pass runs.
	refreshInProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pyfinder",
		Subsystem: "registry",
		Name:      "refresh_in_progress",
		Help:      "Whether a discovery pass is running",
	})

	// refreshTotal counts discovery passes.
	// Labels: outcome (success, error, closed)
	refreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pyfinder",
		Subsystem: "registry",
		Name:      "refresh_total",
		Help:      "Discovery passes by outcome",
	}, []string{"outcome"})

	// refreshDuration measures discovery passes end to end.
	refreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pyfinder",
		Subsystem: "registry",
		Name:      "refresh_duration_seconds",
		Help:      "Discovery pass duration in seconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	})

	// recordsRejected counts reports dropped by the normalizer.
	recordsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pyfinder",
		Subsystem: "registry",
		Name:      "records_rejected_total",
		Help:      "Environment reports rejected as invalid",
	})

	// resolveTotal counts ResolveEnv calls.
	// Labels: outcome (found, not_found, error)
	resolveTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pyfinder",
		Subsystem: "registry",
		Name:      "resolve_total",
		Help:      "Resolve requests by outcome",
	}, []string{"outcome"})
)
