package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "keypool"

var (
	// attemptsTotal 每次适配器调用计一次
	attemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Total number of provider invocations by outcome",
		},
		[]string{"call_site", "provider", "outcome"},
	)

	providerSwitches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_switches_total",
			Help:      "Total number of provider switches by reason",
		},
		[]string{"call_site", "reason"},
	)

	blacklistEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blacklist_events_total",
			Help:      "Total number of keys added to a blacklist (coalesced refreshes excluded)",
		},
		[]string{"pool", "kind"},
	)

	availableKeys = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "available_keys",
			Help:      "Number of non-blacklisted keys seen at the last rotation",
		},
		[]string{"pool"},
	)

	keyRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_refresh_total",
			Help:      "Total number of key list refreshes by result",
		},
		[]string{"pool", "result"},
	)

	invocationAttempts = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_attempts",
			Help:      "Number of attempts needed for a successful analysis",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 50, 100},
		},
		[]string{"call_site"},
	)

	callLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_latency_seconds",
			Help:      "Latency of single provider invocations in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"call_site", "provider"},
	)
)
