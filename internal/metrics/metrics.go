package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Queries        *prometheus.CounterVec
	QueryFailures  prometheus.Counter
	RateLimited    prometheus.Counter
	LogEnqueued    prometheus.Counter
	LogPersisted   prometheus.Counter
	LogFailed      prometheus.Counter
	StreamSessions prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			Queries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "aerobrain",
				Name:      "queries_total",
				Help:      "Total queries routed, by response type",
			}, []string{"type"}),
			QueryFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "aerobrain",
				Name:      "query_failures_total",
				Help:      "Total queries that ended in an internal error",
			}),
			RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "aerobrain",
				Name:      "rate_limited_total",
				Help:      "Total requests rejected by the per-user rate limiter",
			}),
			LogEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "aerobrain",
				Name:      "query_log_enqueued_total",
				Help:      "Total query events published to redis stream",
			}),
			LogPersisted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "aerobrain",
				Name:      "query_log_persisted_total",
				Help:      "Total query events written to storage",
			}),
			LogFailed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "aerobrain",
				Name:      "query_log_failed_total",
				Help:      "Total query events that failed to persist",
			}),
			StreamSessions: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "aerobrain",
				Name:      "stream_sessions_total",
				Help:      "Total server-sent event chat streams opened",
			}),
		}
		prometheus.MustRegister(
			global.Queries,
			global.QueryFailures,
			global.RateLimited,
			global.LogEnqueued,
			global.LogPersisted,
			global.LogFailed,
			global.StreamSessions,
		)
	})
	return global
}
