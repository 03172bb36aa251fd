// Package notify delivers operator events to configured webhook endpoints.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/carbonanchor/internal/secrets"
	"go.uber.org/zap"
)

// Header names set on every delivery.
const (
	HeaderSignature = "X-Carbon-Signature"
	HeaderEvent     = "X-Carbon-Event"
	HeaderDelivery  = "X-Carbon-Delivery"
)

const maxAttempts = 3

// MetricsRecorder is an optional callback for recording delivery outcomes.
type MetricsRecorder func(success bool)

// Config lists the endpoints events are posted to.
type Config struct {
	URLs []string
	// SecretRef resolves to the HMAC key. Deliveries are unsigned when empty.
	SecretRef string
	Timeout   time.Duration
}

// Event is the JSON body of a delivery.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

// Service posts events to every configured URL.
type Service struct {
	urls       []string
	secretRef  string
	resolver   secrets.Resolver
	httpClient *http.Client
	delays     []time.Duration
	onMetrics  MetricsRecorder
	inflight   sync.WaitGroup
	logger     *zap.Logger
}

// NewService creates a notification Service.
func NewService(cfg Config, resolver secrets.Resolver, logger *zap.Logger) *Service {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Service{
		urls:       cfg.URLs,
		secretRef:  cfg.SecretRef,
		resolver:   resolver,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		// Delay before attempt n is delays[n-1].
		delays: []time.Duration{0, 1 * time.Second, 5 * time.Second},
		logger: logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (s *Service) SetMetricsRecorder(fn MetricsRecorder) {
	s.onMetrics = fn
}

// Enabled reports whether any endpoint is configured.
func (s *Service) Enabled() bool {
	return len(s.urls) > 0
}

// Dispatch fans an event out to every endpoint in the background. Delivery
// outlives the caller's context cancellation.
func (s *Service) Dispatch(ctx context.Context, eventType string, payload map[string]string) {
	if !s.Enabled() {
		return
	}
	event := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	body, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("notify: marshal event", zap.String("event", eventType), zap.Error(err))
		return
	}

	ctx = context.WithoutCancel(ctx)
	for _, url := range s.urls {
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.deliver(ctx, url, event, body)
		}()
	}
}

// Wait blocks until every dispatched delivery has finished.
func (s *Service) Wait() {
	s.inflight.Wait()
}

// deliver sends the event to a single endpoint with retries.
func (s *Service) deliver(ctx context.Context, url string, event Event, body []byte) {
	signature, err := s.sign(ctx, body)
	if err != nil {
		s.logger.Error("notify: resolve signing secret", zap.String("event", event.Type), zap.Error(err))
		if s.onMetrics != nil {
			s.onMetrics(false)
		}
		return
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if d := s.delays[min(attempt, len(s.delays))-1]; d > 0 {
			time.Sleep(d)
		}

		success, errMsg := s.doDelivery(ctx, url, event, body, signature)
		if s.onMetrics != nil {
			s.onMetrics(success)
		}
		if success {
			return
		}

		s.logger.Warn("notify: delivery failed",
			zap.String("url", url),
			zap.String("event", event.Type),
			zap.Int("attempt", attempt),
			zap.String("error", errMsg),
		)
	}
}

// doDelivery performs a single HTTP POST delivery.
func (s *Service) doDelivery(ctx context.Context, url string, event Event, body []byte, signature string) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, event.Type)
	req.Header.Set(HeaderDelivery, event.ID)
	if signature != "" {
		req.Header.Set(HeaderSignature, signature)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return true, ""
}

// sign resolves the secret for this delivery only and signs body with it.
func (s *Service) sign(ctx context.Context, body []byte) (string, error) {
	if s.secretRef == "" || s.resolver == nil {
		return "", nil
	}
	secret, err := s.resolver.Resolve(ctx, s.secretRef)
	if err != nil {
		return "", err
	}
	return Sign(body, secret), nil
}

// Sign computes the HMAC-SHA256 signature receivers check against
// HeaderSignature.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
