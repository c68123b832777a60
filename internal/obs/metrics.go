package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	transfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_transfers_total",
		Help: "Transfer commits by final status.",
	}, []string{"status"})

	reconciledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_reconciled_transactions_total",
		Help: "Stale pending transactions finalized as failed by the reconciler.",
	})

	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_notifications_total",
		Help: "Notification dispatch attempts by result.",
	}, []string{"result"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "HTTP request latency by route and status code.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "code"})
)

func ObserveTransfer(status string) {
	transfersTotal.WithLabelValues(status).Inc()
}

func ObserveReconciled() {
	reconciledTotal.Inc()
}

func ObserveNotification(result string) {
	notificationsTotal.WithLabelValues(result).Inc()
}

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Instrument records request latency per route. The route label is the
// registered pattern, not the raw path, to keep cardinality bounded.
func Instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, req)
		httpDuration.WithLabelValues(req.Method, route, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}
