package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the import pipeline
type Metrics struct {
	PagesFetched     prometheus.Counter
	ItemsImported    prometheus.Counter
	EntitiesMatched  prometheus.Counter
	BudgetReenqueues prometheus.Counter
	TaskRetries      prometheus.Counter
	AuthFailures     prometheus.Counter
	ItemErrors       prometheus.Counter
	RunDuration      prometheus.Histogram
	ActiveWorkers    prometheus.Gauge
}

// New creates pipeline metrics registered against reg. Production code passes
// prometheus.DefaultRegisterer; tests pass a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PagesFetched: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailsync_pages_fetched_total",
			Help: "Total number of source pages fetched",
		}),
		ItemsImported: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailsync_items_imported_total",
			Help: "Total number of mailbox items processed",
		}),
		EntitiesMatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailsync_entities_matched_total",
			Help: "Total number of items that resolved to a known contact",
		}),
		BudgetReenqueues: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailsync_budget_reenqueues_total",
			Help: "Total number of continuations re-enqueued after the time budget",
		}),
		TaskRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailsync_task_retries_total",
			Help: "Total number of task redeliveries scheduled after transient errors",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailsync_auth_failures_total",
			Help: "Total number of mailboxes halted by invalid credentials",
		}),
		ItemErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailsync_item_errors_total",
			Help: "Total number of per-item processing errors",
		}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "mailsync_run_duration_seconds",
			Help:    "Duration of one worker invocation",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mailsync_active_workers",
			Help: "Number of currently running import workers",
		}),
	}
}
