package health

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventLedgerUnreachable is dispatched when the probe crosses the failure
// threshold.
const EventLedgerUnreachable = "ledger.unreachable"

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// Prober reports whether the ledger endpoint answers.
type Prober interface {
	IsConnected(ctx context.Context) bool
}

// WebhookDispatchFunc is an optional callback for dispatching health-degraded events.
type WebhookDispatchFunc func(ctx context.Context, eventType string, payload map[string]string)

// MetricsRecordFunc is an optional callback for recording health check results.
type MetricsRecordFunc func(success bool)

// Status is the latest probe state.
type Status struct {
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastCheckedAt       time.Time `json:"last_checked_at,omitzero"`
}

// Checker runs periodic ledger connectivity probes.
type Checker struct {
	prober      Prober
	cfg         Config
	mu          sync.Mutex
	failCount   int
	lastChecked time.Time
	onWebhook   WebhookDispatchFunc
	onMetrics   MetricsRecordFunc
	logger      *zap.Logger
}

// New creates a new Checker.
func New(prober Prober, cfg Config, logger *zap.Logger) *Checker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}
	return &Checker{prober: prober, cfg: cfg, logger: logger}
}

// SetWebhookDispatch configures the webhook dispatch callback.
func (h *Checker) SetWebhookDispatch(fn WebhookDispatchFunc) {
	h.onWebhook = fn
}

// SetMetricsRecord configures the metrics recording callback.
func (h *Checker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start probes once immediately and then every CheckInterval until ctx is
// done.
func (h *Checker) Start(ctx context.Context) {
	h.Check(ctx)

	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.Check(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Check probes the ledger once and returns the probe result.
func (h *Checker) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
	success := h.prober.IsConnected(probeCtx)
	cancel()

	if h.onMetrics != nil {
		h.onMetrics(success)
	}

	h.mu.Lock()
	prevCount := h.failCount
	if success {
		h.failCount = 0
	} else {
		h.failCount++
	}
	count := h.failCount
	h.lastChecked = time.Now().UTC()
	h.mu.Unlock()

	switch {
	case success && prevCount >= h.cfg.FailThreshold:
		h.logger.Info("health: ledger recovered", zap.Int("failed_probes", prevCount))
	case !success && count == h.cfg.FailThreshold:
		// Fires once, exactly at the threshold.
		h.logger.Warn("health: ledger unreachable", zap.Int("fail_count", count))
		if h.onWebhook != nil {
			h.onWebhook(ctx, EventLedgerUnreachable, map[string]string{
				"fail_count": strconv.Itoa(count),
			})
		}
	case !success:
		h.logger.Debug("health: ledger probe failed", zap.Int("fail_count", count))
	}
	return success
}

// Status returns the latest probe state. Before the first probe the ledger
// is reported healthy.
func (h *Checker) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Status{
		Healthy:             h.failCount < h.cfg.FailThreshold,
		ConsecutiveFailures: h.failCount,
		LastCheckedAt:       h.lastChecked,
	}
}
