// Package simulation drives the synthetic meter: a tick job that generates
// readings, an aggregation job that rolls them into historical buckets, and a
// settlement job that converts consumption into balance debits.
package simulation

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"metersim/internal/alerts"
	"metersim/internal/ledger"
	"metersim/internal/meter"
	"metersim/internal/rates"
	"metersim/internal/storage"
)

// Snapshot is what the push collaborators receive after each tick.
type Snapshot struct {
	Sample  storage.RealtimeSample `json:"sample"`
	Balance float64                `json:"balance"`
}

// Broadcaster receives tick snapshots. Implementations must not block.
type Broadcaster interface {
	BroadcastSnapshot(Snapshot)
}

type SchedulerConfig struct {
	MeterID            string
	RealtimeInterval   time.Duration
	HistoricalInterval time.Duration
	BalanceInterval    time.Duration
}

// Scheduler owns the three periodic jobs and the per-process accumulator
// state. Construct one per process and inject it; there are no globals.
type Scheduler struct {
	cfg         SchedulerConfig
	store       *storage.Store
	generator   *meter.Generator
	accumulator *meter.Accumulator
	ledger      *ledger.Ledger
	emitter     *alerts.Emitter
	schedule    *rates.Schedule
	logger      *zap.Logger

	broadcasters []Broadcaster

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewScheduler(
	cfg SchedulerConfig,
	store *storage.Store,
	generator *meter.Generator,
	accumulator *meter.Accumulator,
	ldg *ledger.Ledger,
	emitter *alerts.Emitter,
	schedule *rates.Schedule,
	logger *zap.Logger,
	broadcasters ...Broadcaster,
) *Scheduler {
	return &Scheduler{
		cfg:          cfg,
		store:        store,
		generator:    generator,
		accumulator:  accumulator,
		ledger:       ldg,
		emitter:      emitter,
		schedule:     schedule,
		logger:       logger,
		broadcasters: broadcasters,
	}
}

// Start arms the three timers. Calling Start while running is a logged no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.logger.Info("simulation is already running")
		return
	}

	s.logger.Info("starting energy meter simulation",
		zap.Duration("realtime_interval", s.cfg.RealtimeInterval),
		zap.Duration("historical_interval", s.cfg.HistoricalInterval),
		zap.Duration("balance_interval", s.cfg.BalanceInterval))

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true
	s.startedAt = time.Now()

	s.runJob(ctx, "tick", s.cfg.RealtimeInterval, s.tick)
	s.runJob(ctx, "aggregate", s.cfg.HistoricalInterval, s.aggregate)
	s.runJob(ctx, "settle", s.cfg.BalanceInterval, s.settle)
}

// Stop disarms the timers. In-flight job work from the last firing completes;
// its failure is merely logged. Calling Stop while stopped is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.logger.Info("stopping energy meter simulation")
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("simulation stopped")
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

type Status struct {
	Running      bool          `json:"running"`
	ActiveMeters int           `json:"active_meters"`
	Uptime       time.Duration `json:"uptime"`
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Running:      s.running,
		ActiveMeters: s.accumulator.ActiveMeters(),
	}
	if s.running {
		st.Uptime = time.Since(s.startedAt)
	}
	return st
}

// runJob fires fn every interval until ctx is cancelled. Each run has its own
// error boundary: a failed run is logged and the next firing still happens.
func (s *Scheduler) runJob(ctx context.Context, name string, interval time.Duration, fn func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := fn(); err != nil {
					s.logger.Error("scheduled job failed", zap.String("job", name), zap.Error(err))
				}
			}
		}
	}()
}

// tick generates one reading, integrates it into an energy delta, persists
// the sample, runs threshold checks, and hands a snapshot to the push
// collaborators.
func (s *Scheduler) tick() error {
	now := time.Now()
	loadMultiplier := s.generator.LoadMultiplier(now.Hour())
	reading := s.generator.Generate(now, loadMultiplier)

	energyDelta := s.accumulator.Integrate(s.cfg.MeterID, reading.ActivePower, now)

	sample := storage.RealtimeSample{
		MeterID:        s.cfg.MeterID,
		Timestamp:      now,
		Voltage:        reading.Voltage,
		Current:        reading.Current,
		PowerFactor:    reading.PowerFactor,
		ActivePower:    reading.ActivePower,
		ReactivePower:  reading.ReactivePower,
		ApparentPower:  reading.ApparentPower,
		Frequency:      reading.Frequency,
		EnergyConsumed: round4(energyDelta),
	}

	if err := s.store.SaveSample(&sample); err != nil {
		return fmt.Errorf("persist sample: %w", err)
	}

	s.emitter.Evaluate(&sample)

	s.broadcast(sample)
	return nil
}

func (s *Scheduler) broadcast(sample storage.RealtimeSample) {
	var balance float64
	if bal, err := s.store.GetBalance(s.cfg.MeterID); err == nil {
		balance = bal.CurrentBalance
	}
	snap := Snapshot{Sample: sample, Balance: balance}
	for _, b := range s.broadcasters {
		b.BroadcastSnapshot(snap)
	}
}

// aggregate rolls the samples of the trailing window into one historical
// bucket. The whole bucket is priced with the rate in force at aggregation
// time, not per-sample time; consumption straddling a rate boundary is
// therefore approximated.
func (s *Scheduler) aggregate() error {
	endTime := time.Now()
	startTime := endTime.Add(-s.cfg.HistoricalInterval)

	samples, err := s.store.SamplesInRange(s.cfg.MeterID, startTime, endTime)
	if err != nil {
		return fmt.Errorf("fetch samples: %w", err)
	}
	if len(samples) == 0 {
		return nil
	}

	var sumVoltage, sumCurrent, sumPowerFactor, totalEnergy float64
	for _, sample := range samples {
		sumVoltage += sample.Voltage
		sumCurrent += sample.Current
		sumPowerFactor += sample.PowerFactor
		totalEnergy += sample.EnergyConsumed
	}
	n := float64(len(samples))

	rule := s.schedule.RuleAt(endTime)
	cost := totalEnergy * rule.Price

	bucket := storage.HistoricalBucket{
		MeterID:        s.cfg.MeterID,
		VoltageAvg:     round2(sumVoltage / n),
		CurrentAvg:     round2(sumCurrent / n),
		PowerFactorAvg: round3(sumPowerFactor / n),
		EnergyConsumed: round4(totalEnergy),
		Cost:           round2(cost),
		StartTime:      startTime,
		EndTime:        endTime,
	}
	if err := s.store.SaveBucket(&bucket); err != nil {
		return fmt.Errorf("persist bucket: %w", err)
	}

	s.logger.Info("historical data aggregated",
		zap.String("meter_id", s.cfg.MeterID),
		zap.Float64("energy_kwh", bucket.EnergyConsumed),
		zap.Float64("cost", bucket.Cost),
		zap.String("rate", rule.Name))
	return nil
}

// settle prices the energy consumed over the trailing settlement window and
// debits the balance. The rate is looked up once at settlement time.
func (s *Scheduler) settle() error {
	now := time.Now()
	samples, err := s.store.SamplesInRange(s.cfg.MeterID, now.Add(-s.cfg.BalanceInterval), now)
	if err != nil {
		return fmt.Errorf("fetch samples: %w", err)
	}

	var totalEnergy float64
	for _, sample := range samples {
		totalEnergy += sample.EnergyConsumed
	}
	if totalEnergy <= 0 {
		return nil
	}

	cost := totalEnergy * s.schedule.PriceAt(now)
	entry, err := s.ledger.DeductConsumption(s.cfg.MeterID, round4(cost))
	if err != nil {
		return fmt.Errorf("debit consumption: %w", err)
	}

	if entry.BalanceAfter <= s.emitter.CriticalBalance() {
		s.emitter.RaiseLowBalance(s.cfg.MeterID, entry.BalanceAfter)
	}
	return nil
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
