package storage

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a meter, balance row, or webhook does not exist.
var ErrNotFound = errors.New("not found")

type Store struct {
	db *gorm.DB
}

func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(
		&Meter{},
		&RealtimeSample{},
		&HistoricalBucket{},
		&Balance{},
		&Transaction{},
		&Alert{},
		&Webhook{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// --- meters ---

// CreateMeter provisions a meter together with its balance row.
func (s *Store) CreateMeter(m *Meter, initialBalance float64) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if m.ConnectionStatus == "" {
			m.ConnectionStatus = StatusConnected
		}
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		bal := Balance{
			MeterID:        m.MeterID,
			CurrentBalance: initialBalance,
			LastUpdated:    time.Now(),
		}
		return tx.Create(&bal).Error
	})
}

// EnsureMeter provisions the meter if it does not exist yet.
func (s *Store) EnsureMeter(m *Meter, initialBalance float64) error {
	_, err := s.GetMeter(m.MeterID)
	if errors.Is(err, ErrNotFound) {
		return s.CreateMeter(m, initialBalance)
	}
	return err
}

func (s *Store) GetMeter(meterID string) (*Meter, error) {
	var m Meter
	err := s.db.Where("meter_id = ?", meterID).First(&m).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &m, nil
}

func (s *Store) UpdateConnectionStatus(meterID, status string) error {
	result := s.db.Model(&Meter{}).
		Where("meter_id = ?", meterID).
		Update("connection_status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- realtime samples ---

func (s *Store) SaveSample(sample *RealtimeSample) error {
	return s.db.Create(sample).Error
}

func (s *Store) LatestSample(meterID string) (*RealtimeSample, error) {
	var sample RealtimeSample
	err := s.db.Where("meter_id = ?", meterID).
		Order("timestamp desc").
		First(&sample).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &sample, nil
}

func (s *Store) SamplesInRange(meterID string, from, to time.Time) ([]RealtimeSample, error) {
	var samples []RealtimeSample
	err := s.db.Where("meter_id = ? AND timestamp >= ? AND timestamp <= ?", meterID, from, to).
		Order("timestamp asc").
		Find(&samples).Error
	return samples, err
}

func (s *Store) CountSamples(meterID string) (int64, error) {
	var count int64
	err := s.db.Model(&RealtimeSample{}).Where("meter_id = ?", meterID).Count(&count).Error
	return count, err
}

// --- historical buckets ---

func (s *Store) SaveBucket(b *HistoricalBucket) error {
	return s.db.Create(b).Error
}

func (s *Store) BucketsInRange(meterID string, from, to time.Time) ([]HistoricalBucket, error) {
	var buckets []HistoricalBucket
	err := s.db.Where("meter_id = ? AND start_time >= ? AND end_time <= ?", meterID, from, to).
		Order("start_time asc").
		Find(&buckets).Error
	return buckets, err
}

type DailySummary struct {
	Date           string  `json:"date"`
	TotalEnergy    float64 `json:"total_energy_kwh"`
	TotalCost      float64 `json:"total_cost"`
	AvgVoltage     float64 `json:"avg_voltage_v"`
	AvgCurrent     float64 `json:"avg_current_a"`
	AvgPowerFactor float64 `json:"avg_power_factor"`
}

func (s *Store) GetDailySummary(meterID string, day time.Time) (*DailySummary, error) {
	var summary DailySummary
	err := s.db.Model(&HistoricalBucket{}).
		Select(`DATE(start_time) as date,
			SUM(energy_consumed) as total_energy,
			SUM(cost) as total_cost,
			AVG(voltage_avg) as avg_voltage,
			AVG(current_avg) as avg_current,
			AVG(power_factor_avg) as avg_power_factor`).
		Where("meter_id = ? AND DATE(start_time) = DATE(?)", meterID, day).
		Group("DATE(start_time)").
		Scan(&summary).Error
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

// --- balance & transactions ---

func (s *Store) GetBalance(meterID string) (*Balance, error) {
	var bal Balance
	err := s.db.Where("meter_id = ?", meterID).First(&bal).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &bal, nil
}

// ApplyBalanceChange updates the balance and appends the transaction row as a
// single database transaction. Either both are visible afterwards or neither.
func (s *Store) ApplyBalanceChange(meterID, txnID, txnType, description string, amount float64) (before, after float64, err error) {
	err = s.db.Transaction(func(tx *gorm.DB) error {
		var bal Balance
		if err := tx.Where("meter_id = ?", meterID).First(&bal).Error; err != nil {
			return wrapNotFound(err)
		}
		before = bal.CurrentBalance
		after = before + amount
		now := time.Now()

		if err := tx.Model(&Balance{}).Where("meter_id = ?", meterID).
			Updates(map[string]any{"current_balance": after, "last_updated": now}).Error; err != nil {
			return err
		}

		txn := Transaction{
			MeterID:       meterID,
			TransactionID: txnID,
			Type:          txnType,
			Amount:        amount,
			BalanceBefore: before,
			BalanceAfter:  after,
			Description:   description,
			Timestamp:     now,
		}
		return tx.Create(&txn).Error
	})
	return before, after, err
}

func (s *Store) Transactions(meterID string, limit int) ([]Transaction, error) {
	var txns []Transaction
	err := s.db.Where("meter_id = ?", meterID).
		Order("timestamp desc").
		Limit(limit).
		Find(&txns).Error
	return txns, err
}

func (s *Store) TransactionsByType(meterID, txnType string, limit int) ([]Transaction, error) {
	var txns []Transaction
	err := s.db.Where("meter_id = ? AND type = ?", meterID, txnType).
		Order("timestamp desc").
		Limit(limit).
		Find(&txns).Error
	return txns, err
}

// --- alerts ---

func (s *Store) SaveAlert(a *Alert) error {
	return s.db.Create(a).Error
}

func (s *Store) Alerts(meterID string, limit int, unreadOnly bool) ([]Alert, error) {
	q := s.db.Where("meter_id = ?", meterID)
	if unreadOnly {
		q = q.Where("is_read = ?", false)
	}
	var alerts []Alert
	err := q.Order("created_at desc").Limit(limit).Find(&alerts).Error
	return alerts, err
}

func (s *Store) MarkAlertRead(id uint) error {
	result := s.db.Model(&Alert{}).Where("id = ?", id).Update("is_read", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) MarkAllAlertsRead(meterID string) error {
	return s.db.Model(&Alert{}).Where("meter_id = ?", meterID).Update("is_read", true).Error
}

func (s *Store) GetAlertsSummary(meterID string) (*AlertsSummary, error) {
	var summary AlertsSummary
	err := s.db.Model(&Alert{}).
		Select(`COUNT(*) as total_alerts,
			SUM(CASE WHEN is_read = 0 THEN 1 ELSE 0 END) as unread_alerts,
			SUM(CASE WHEN severity = 'critical' THEN 1 ELSE 0 END) as critical_alerts,
			SUM(CASE WHEN severity = 'warning' THEN 1 ELSE 0 END) as warning_alerts,
			SUM(CASE WHEN severity = 'info' THEN 1 ELSE 0 END) as info_alerts`).
		Where("meter_id = ?", meterID).
		Scan(&summary).Error
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

// --- webhooks ---

func (s *Store) CreateWebhook(w *Webhook) error {
	return s.db.Create(w).Error
}

func (s *Store) GetWebhook(id uint) (*Webhook, error) {
	var w Webhook
	err := s.db.First(&w, id).Error
	if err != nil {
		return nil, wrapNotFound(err)
	}
	return &w, nil
}

func (s *Store) ListWebhooks() ([]Webhook, error) {
	var hooks []Webhook
	err := s.db.Find(&hooks).Error
	return hooks, err
}

func (s *Store) ActiveWebhooks() ([]Webhook, error) {
	var hooks []Webhook
	err := s.db.Where("is_active = ?", true).Find(&hooks).Error
	return hooks, err
}

func (s *Store) UpdateWebhook(w *Webhook) error {
	result := s.db.Model(&Webhook{}).Where("id = ?", w.ID).
		Updates(map[string]any{
			"name":       w.Name,
			"url":        w.URL,
			"events":     w.Events,
			"is_active":  w.IsActive,
			"secret_key": w.SecretKey,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteWebhook(id uint) error {
	result := s.db.Unscoped().Delete(&Webhook{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- retention ---

func (s *Store) DeleteSamplesBefore(cutoff time.Time) (int64, error) {
	result := s.db.Unscoped().Where("timestamp < ?", cutoff).Delete(&RealtimeSample{})
	return result.RowsAffected, result.Error
}

func (s *Store) DeleteBucketsBefore(cutoff time.Time) (int64, error) {
	result := s.db.Unscoped().Where("start_time < ?", cutoff).Delete(&HistoricalBucket{})
	return result.RowsAffected, result.Error
}

func (s *Store) DeleteTransactionsBefore(cutoff time.Time) (int64, error) {
	result := s.db.Unscoped().Where("timestamp < ?", cutoff).Delete(&Transaction{})
	return result.RowsAffected, result.Error
}

func (s *Store) DeleteAlertsBefore(cutoff time.Time) (int64, error) {
	result := s.db.Unscoped().Where("created_at < ?", cutoff).Delete(&Alert{})
	return result.RowsAffected, result.Error
}

func wrapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
