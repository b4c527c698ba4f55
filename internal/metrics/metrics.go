package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	delivered  prometheus.Counter
	skipped    prometheus.Counter
	reports    prometheus.Counter
	rpcRetries prometheus.Counter
	errors     prometheus.Counter
	live       prometheus.Counter
}

var (
	once    sync.Once
	metrics *Metrics
)

// Init initializes global metrics (idempotent).
func Init() *Metrics {
	once.Do(func() {
		metrics = New(prometheus.DefaultRegisterer)
	})
	return metrics
}

// New builds counters registered with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "event_reader_transactions_delivered_total",
			Help: "Total number of assembled transactions delivered to sinks",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "event_reader_transactions_skipped_total",
			Help: "Total number of failed on-chain transactions skipped",
		}),
		reports: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "event_reader_reports_total",
			Help: "Total number of operator reports emitted",
		}),
		rpcRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "event_reader_rpc_retries_total",
			Help: "Total number of polling cycles retried after a transient failure",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "event_reader_errors_total",
			Help: "Total number of failed polling cycles",
		}),
		live: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "event_reader_live_notifications_total",
			Help: "Total number of websocket log notifications received",
		}),
	}
	reg.MustRegister(m.delivered, m.skipped, m.reports, m.rpcRetries, m.errors, m.live)
	return m
}

// TransactionsDelivered increments the delivered counter.
func (m *Metrics) TransactionsDelivered() {
	if m != nil {
		m.delivered.Inc()
	}
}

// TransactionsSkipped increments the skipped counter.
func (m *Metrics) TransactionsSkipped() {
	if m != nil {
		m.skipped.Inc()
	}
}

// Reports increments the reports counter.
func (m *Metrics) Reports() {
	if m != nil {
		m.reports.Inc()
	}
}

// RPCRetries increments the retries counter.
func (m *Metrics) RPCRetries() {
	if m != nil {
		m.rpcRetries.Inc()
	}
}

// Errors increments the errors counter.
func (m *Metrics) Errors() {
	if m != nil {
		m.errors.Inc()
	}
}

// LiveNotifications increments the live notifications counter.
func (m *Metrics) LiveNotifications() {
	if m != nil {
		m.live.Inc()
	}
}

// Handler returns an HTTP handler for /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
