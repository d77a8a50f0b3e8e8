// Package maintenance prunes aged rows and watches for a stalled simulation.
package maintenance

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"metersim/config"
	"metersim/internal/alerts"
	"metersim/internal/storage"
)

// staleWindow is how far back the health check looks for fresh samples.
const staleWindow = 10 * time.Minute

type Service struct {
	store     *storage.Store
	emitter   *alerts.Emitter
	retention config.RetentionConfig
	meterID   string
	// simulationRunning reports whether samples are expected to be flowing.
	simulationRunning func() bool
	logger            *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewService(store *storage.Store, emitter *alerts.Emitter, retention config.RetentionConfig, meterID string, simulationRunning func() bool, logger *zap.Logger) *Service {
	return &Service{
		store:             store,
		emitter:           emitter,
		retention:         retention,
		meterID:           meterID,
		simulationRunning: simulationRunning,
		logger:            logger,
	}
}

func (m *Service) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		m.logger.Info("maintenance service is already running")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true

	interval := m.retention.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.runCleanup()
				m.runHealthCheck()
			}
		}
	}()

	m.logger.Info("maintenance service started", zap.Duration("interval", interval))
}

func (m *Service) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.cancel()
	m.running = false
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("maintenance service stopped")
}

func (m *Service) runCleanup() {
	now := time.Now()
	prune := func(table string, deleted int64, err error) {
		if err != nil {
			m.logger.Error("retention pruning failed", zap.String("table", table), zap.Error(err))
			return
		}
		if deleted > 0 {
			m.logger.Info("pruned aged rows", zap.String("table", table), zap.Int64("deleted", deleted))
		}
	}

	deleted, err := m.store.DeleteSamplesBefore(now.AddDate(0, 0, -m.retention.RealtimeDays))
	prune("realtime_samples", deleted, err)

	deleted, err = m.store.DeleteAlertsBefore(now.AddDate(0, 0, -m.retention.AlertDays))
	prune("alerts", deleted, err)

	deleted, err = m.store.DeleteBucketsBefore(now.AddDate(0, 0, -m.retention.HistoricalDays))
	prune("historical_buckets", deleted, err)

	deleted, err = m.store.DeleteTransactionsBefore(now.AddDate(0, 0, -m.retention.TransactionDays))
	prune("transactions", deleted, err)
}

// runHealthCheck raises a warning when the simulation claims to be running
// but no samples have landed recently.
func (m *Service) runHealthCheck() {
	if m.simulationRunning == nil || !m.simulationRunning() {
		return
	}

	now := time.Now()
	samples, err := m.store.SamplesInRange(m.meterID, now.Add(-staleWindow), now)
	if err != nil {
		m.logger.Error("health check query failed", zap.Error(err))
		return
	}
	if len(samples) == 0 {
		m.emitter.Raise(m.meterID, alerts.TypeSystem,
			"No real-time data generation detected", storage.SeverityWarning)
	}
}
