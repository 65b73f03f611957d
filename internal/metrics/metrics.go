// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LedgerOps counts store operations by name and outcome kind.
	LedgerOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_ledger_ops_total",
		Help: "Ledger operations by operation and result",
	}, []string{"op", "result"})

	// TxLatency tracks how long a pooled transaction held its connection.
	TxLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settlement_tx_latency_seconds",
		Help:    "Time a transaction held its pooled connection",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	})

	// TxRetries counts attempts discarded because of a deadlock or
	// serialization failure.
	TxRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_tx_retries_total",
		Help: "Transaction attempts retried after a deadlock or serialization failure",
	}, []string{"sqlstate"})

	// PoolEvictions counts connections destroyed after a failed rollback.
	PoolEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_pool_evictions_total",
		Help: "Connections evicted from the pool after a failed rollback",
	})

	// BetsSettled counts settled bets.
	BetsSettled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_bets_total",
		Help: "Total number of bets settled",
	})

	// BetsRejected counts bets that were not settled, by error kind.
	BetsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_bets_rejected_total",
		Help: "Bets refused by validation, risk sizing or the ledger",
	}, []string{"kind"})

	// Bankroll tracks the last observed bankroll balance.
	Bankroll = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_bankroll_balance",
		Help: "Last observed bankroll balance in base units",
	})

	// Withdrawals counts withdrawal state transitions by target status.
	Withdrawals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_withdrawals_total",
		Help: "Withdrawal state transitions by resulting status",
	}, []string{"status"})

	// OutboxDelivered counts balance-change notifications handed to publishers.
	OutboxDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_outbox_delivered_total",
		Help: "Balance-change notifications delivered",
	})

	// OutboxFailures counts relay passes that could not publish or mark.
	OutboxFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_outbox_failures_total",
		Help: "Outbox relay failures by stage",
	}, []string{"stage"})

	// WebSocketClients is the number of live balance-feed subscribers.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settlement_websocket_clients",
		Help: "Balance-change feed subscribers currently connected",
	})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_http_requests_total",
		Help: "API requests by method, route and response status",
	}, []string{"method", "route", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlement_http_request_duration_seconds",
		Help:    "API request latency by method and route",
		Buckets: prometheus.ExponentialBuckets(0.001, 2.5, 10),
	}, []string{"method", "route"})
)

// Handler serves the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records a request counter and latency per chi route.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		began := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routePattern(r)
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpLatency.WithLabelValues(r.Method, route).Observe(time.Since(began).Seconds())
	})
}

// routePattern prefers the chi route pattern so ids in the path do not
// explode label cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
