package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "booking"

var (
	RateLimitAllowed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "rate_limit_allowed_total", Help: "Number of allowed requests by limiter type."},
		[]string{"limiter"},
	)
	RateLimitRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "rate_limit_rejected_total", Help: "Number of rejected requests by limiter type."},
		[]string{"limiter"},
	)
	// CacheLookups counts read-through lookups by result: hit, miss, error.
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "cache_lookups_total", Help: "Read-through cache lookups by result."},
		[]string{"result"},
	)
	CacheInvalidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "cache_invalidations_total", Help: "Cache invalidations by kind (key, prefix) and outcome."},
		[]string{"kind", "outcome"},
	)
	// BookingOperations counts lifecycle operations by op and outcome (ok, conflict, illegal_state, not_found, invalid, error).
	BookingOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "operations_total", Help: "Appointment lifecycle operations by outcome."},
		[]string{"op", "outcome"},
	)
	StoreReadRetries = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: namespace, Name: "store_read_retries_total", Help: "Record store reads retried after a transient failure."},
	)
)

func RegisterCollectors(reg prometheus.Registerer) {
	reg.MustRegister(RateLimitAllowed)
	reg.MustRegister(RateLimitRejected)
	reg.MustRegister(CacheLookups)
	reg.MustRegister(CacheInvalidations)
	reg.MustRegister(BookingOperations)
	reg.MustRegister(StoreReadRetries)
}
