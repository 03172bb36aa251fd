// Package metrics holds the Prometheus collectors for anchord.
package metrics

import (
	"math/big"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	anchorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carbonanchor_anchors_total",
		Help: "Anchoring outcomes by terminal state.",
	}, []string{"state"})

	anchorAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carbonanchor_anchor_attempts_total",
		Help: "Anchoring submission attempts by error kind (empty on success).",
	}, []string{"error_kind"})

	batchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "carbonanchor_batch_size",
		Help:    "Records per submitted anchoring transaction.",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
	})

	registrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carbonanchor_producer_registrations_total",
		Help: "Producer registration checks by outcome.",
	}, []string{"outcome"})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carbonanchor_verifications_total",
		Help: "Verification requests by outcome.",
	}, []string{"outcome"})

	gasPriceGwei = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "carbonanchor_gas_price_gwei",
		Help: "Most recently recommended gas price in gwei.",
	})

	congestionLevel = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "carbonanchor_congestion",
		Help: "1 for the current congestion level, 0 otherwise.",
	}, []string{"level"})

	gasSpentGwei = promauto.NewCounter(prometheus.CounterOpts{
		Name: "carbonanchor_gas_spent_gwei_total",
		Help: "Total gas cost of confirmed transactions in gwei.",
	})

	pendingSubmissions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "carbonanchor_pending_submissions",
		Help: "Pending submissions by status.",
	}, []string{"status"})

	halted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "carbonanchor_halted",
		Help: "1 while anchoring is halted for insufficient funds.",
	})

	ledgerConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "carbonanchor_ledger_connected",
		Help: "1 if the last ledger probe succeeded.",
	})

	healthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carbonanchor_health_checks_total",
		Help: "Ledger health probes by result.",
	}, []string{"result"})

	auditEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carbonanchor_audit_entries_total",
		Help: "Audit entries appended by operation.",
	}, []string{"operation"})

	webhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carbonanchor_webhook_deliveries_total",
		Help: "Operator webhook deliveries by success status.",
	}, []string{"status"})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carbonanchor_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "carbonanchor_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

var weiPerGwei = big.NewFloat(1e9)

func toGwei(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), weiPerGwei).Float64()
	return f
}

func successLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// Handler returns a Gin handler that serves Prometheus metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordAnchor records a terminal anchoring state.
func RecordAnchor(state string) {
	anchorsTotal.WithLabelValues(state).Inc()
}

// RecordAttempt records one submission attempt.
func RecordAttempt(errorKind string) {
	anchorAttemptsTotal.WithLabelValues(errorKind).Inc()
}

// RecordBatch records the size of a submitted anchoring transaction.
func RecordBatch(n int) {
	batchSize.Observe(float64(n))
}

// RecordRegistration records a registration check outcome.
func RecordRegistration(outcome string) {
	registrationsTotal.WithLabelValues(outcome).Inc()
}

// RecordVerification records a verification outcome.
func RecordVerification(outcome string) {
	verificationsTotal.WithLabelValues(outcome).Inc()
}

// RecordGasRecommendation publishes the latest gas advice.
func RecordGasRecommendation(priceWei *big.Int, congestion string) {
	gasPriceGwei.Set(toGwei(priceWei))
	for _, level := range []string{"low", "medium", "high"} {
		v := 0.0
		if level == congestion {
			v = 1
		}
		congestionLevel.WithLabelValues(level).Set(v)
	}
}

// AddGasSpent adds the cost of a confirmed transaction.
func AddGasSpent(costWei *big.Int) {
	gasSpentGwei.Add(toGwei(costWei))
}

// SetPending sets the pending submission gauge for a status.
func SetPending(status string, n int) {
	pendingSubmissions.WithLabelValues(status).Set(float64(n))
}

// SetHalted reports whether anchoring is halted.
func SetHalted(on bool) {
	if on {
		halted.Set(1)
		return
	}
	halted.Set(0)
}

// RecordHealthCheck records a ledger probe result.
func RecordHealthCheck(success bool) {
	healthChecksTotal.WithLabelValues(successLabel(success)).Inc()
	if success {
		ledgerConnected.Set(1)
	} else {
		ledgerConnected.Set(0)
	}
}

// RecordAuditAppend records an audit entry append.
func RecordAuditAppend(operation string) {
	auditEntriesTotal.WithLabelValues(operation).Inc()
}

// RecordWebhookDelivery records a webhook delivery attempt.
func RecordWebhookDelivery(success bool) {
	webhookDeliveriesTotal.WithLabelValues(successLabel(success)).Inc()
}
