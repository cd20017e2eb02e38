// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PaymentsSubmitted counts submissions by final status.
	PaymentsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "payments_submitted_total",
		Help:      "Payment submissions by terminal status",
	}, []string{"status"})

	// RoutingFallbacks counts how often execution advanced past the
	// primary route candidate.
	RoutingFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "routing_fallbacks_total",
		Help:      "Provider attempts beyond the primary route candidate",
	})

	// ProviderLatency observes provider charge latency per provider.
	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "orchestrator",
		Name:      "provider_charge_seconds",
		Help:      "Latency of provider charge calls",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider", "outcome"})

	// ComplianceBlocks counts pre-flight compliance rejections by check.
	ComplianceBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "compliance_blocks_total",
		Help:      "Submissions blocked by the compliance gate",
	}, []string{"check"})

	// EscrowReleases counts escrow releases by type.
	EscrowReleases = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestrator",
		Name:      "escrow_releases_total",
		Help:      "Escrow releases by release type",
	}, []string{"type"})
)
