package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	KeysClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keys_claimed_total",
			Help: "Keys claimed from inventory",
		},
		[]string{"product_id"},
	)

	ClaimConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "key_claim_conflicts_total",
			Help: "Claims lost to a concurrent allocation",
		},
	)

	InventoryShortfallTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inventory_shortfall_units_total",
			Help: "Units that inventory could not satisfy",
		},
		[]string{"product_id"},
	)

	ProviderFetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_fetch_total",
			Help: "Provider fetch attempts by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	ProviderFetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_fetch_duration_seconds",
			Help:    "Duration of provider key fetches",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	FulfillmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fulfillments_total",
			Help: "Order fulfillments by outcome",
		},
		[]string{"outcome"},
	)

	CompensationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_compensations_total",
			Help: "Compensated saga steps by step and outcome",
		},
		[]string{"step", "outcome"},
	)

	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_processed_total",
			Help: "Job attempts by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Duration of a single job attempt",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"type"},
	)
)

var registerOnce sync.Once

// Register adds the collectors to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			KeysClaimedTotal,
			ClaimConflictsTotal,
			InventoryShortfallTotal,
			ProviderFetchTotal,
			ProviderFetchDuration,
			FulfillmentsTotal,
			CompensationsTotal,
			JobsTotal,
			JobDuration,
		)
	})
}
