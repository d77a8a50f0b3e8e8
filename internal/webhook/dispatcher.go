// Package webhook fans events out to registered HTTP endpoints.
//
// Deliveries are advisory: a dispatch never returns an error to the code that
// raised the event. Failed deliveries are retried with linear backoff and
// then dropped with a log line.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"metersim/config"
	"metersim/internal/storage"
)

// Event names dispatched by the system.
const (
	EventRealtimeUpdate    = "realtime_update"
	EventBalanceUpdate     = "balance_update"
	EventBalanceLow        = "balance_low"
	EventBalanceCritical   = "balance_critical"
	EventAlertCreated      = "alert_created"
	EventMeterConnected    = "meter_connected"
	EventMeterDisconnected = "meter_disconnected"
	EventRechargeCompleted = "recharge_completed"
	EventTest              = "test"
)

type payload struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
	MeterID   string `json:"meter_id"`
	Data      any    `json:"data"`
}

type Dispatcher struct {
	store  *storage.Store
	client *http.Client
	logger *zap.Logger

	timeout       time.Duration
	retryAttempts int
	retryDelay    time.Duration

	wg sync.WaitGroup
}

func NewDispatcher(store *storage.Store, cfg config.WebhookConfig, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:         store,
		client:        &http.Client{},
		logger:        logger,
		timeout:       cfg.Timeout,
		retryAttempts: cfg.RetryAttempts,
		retryDelay:    cfg.RetryDelay,
	}
}

// Dispatch delivers the event to every active webhook subscribed to it (or to
// the wildcard), each in its own goroutine. One endpoint failing or stalling
// never blocks the others, and nothing propagates back to the caller.
func (d *Dispatcher) Dispatch(event, meterID string, data any) {
	hooks, err := d.store.ActiveWebhooks()
	if err != nil {
		d.logger.Error("failed to load webhooks", zap.String("event", event), zap.Error(err))
		return
	}

	for _, hook := range hooks {
		if !hook.SubscribesTo(event) {
			continue
		}
		hook := hook
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.deliver(&hook, event, meterID, data); err != nil {
				d.logger.Warn("webhook delivery gave up",
					zap.String("webhook", hook.Name),
					zap.String("event", event),
					zap.Error(err))
			}
		}()
	}
}

// Send delivers the event to a single webhook synchronously, with the same
// retry policy. Used by the test-delivery endpoint.
func (d *Dispatcher) Send(hook *storage.Webhook, event, meterID string, data any) error {
	return d.deliver(hook, event, meterID, data)
}

// Wait blocks until all in-flight deliveries have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(hook *storage.Webhook, event, meterID string, data any) error {
	body, err := json.Marshal(payload{
		Event:     event,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		MeterID:   meterID,
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= d.retryAttempts+1; attempt++ {
		if attempt > 1 {
			time.Sleep(d.retryDelay * time.Duration(attempt-1))
		}
		if err := d.post(hook, body); err != nil {
			lastErr = err
			d.logger.Debug("webhook attempt failed",
				zap.String("webhook", hook.Name),
				zap.String("event", event),
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}
		d.logger.Info("webhook delivered",
			zap.String("webhook", hook.Name),
			zap.String("event", event),
			zap.Int("attempt", attempt))
		return nil
	}
	return lastErr
}

func (d *Dispatcher) post(hook *storage.Webhook, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "metersim-webhook/1.0")
	if hook.SecretKey != "" {
		req.Header.Set("X-Webhook-Signature", Sign(hook.SecretKey, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the signature header value for a serialized body: an
// HMAC-SHA256 over the exact bytes sent, hex encoded.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
