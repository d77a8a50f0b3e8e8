package storage

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// Meter connection states.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusMaintenance  = "maintenance"
)

type Meter struct {
	gorm.Model
	MeterID          string `gorm:"uniqueIndex" json:"meter_id"`
	Location         string `json:"location"`
	CustomerName     string `json:"customer_name"`
	CustomerID       string `json:"customer_id"`
	ConnectionStatus string `json:"connection_status"`
}

// RealtimeSample is one point reading. Append-only; pruned by retention,
// never updated.
type RealtimeSample struct {
	gorm.Model
	MeterID   string    `gorm:"index" json:"meter_id"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`

	Voltage     float64 `json:"voltage_v"`
	Current     float64 `json:"current_a"`
	PowerFactor float64 `json:"power_factor"`

	ActivePower   float64 `json:"active_power_kw"`
	ReactivePower float64 `json:"reactive_power_kvar"`
	ApparentPower float64 `json:"apparent_power_kva"`
	Frequency     float64 `json:"frequency_hz"`

	// Energy consumed since the previous sample for this meter.
	EnergyConsumed float64 `json:"energy_consumed_kwh"`
}

// HistoricalBucket aggregates samples over a fixed wall-clock window.
// Immutable once written.
type HistoricalBucket struct {
	gorm.Model
	MeterID        string    `gorm:"index" json:"meter_id"`
	VoltageAvg     float64   `json:"voltage_avg_v"`
	CurrentAvg     float64   `json:"current_avg_a"`
	PowerFactorAvg float64   `json:"power_factor_avg"`
	EnergyConsumed float64   `json:"energy_consumed_kwh"`
	Cost           float64   `json:"cost"`
	StartTime      time.Time `gorm:"index" json:"start_time"`
	EndTime        time.Time `json:"end_time"`
}

// Balance is the single mutable balance row per meter. Mutated only through
// Store.ApplyBalanceChange.
type Balance struct {
	gorm.Model
	MeterID        string    `gorm:"uniqueIndex" json:"meter_id"`
	CurrentBalance float64   `json:"current_balance"`
	LastUpdated    time.Time `json:"last_updated"`
}

// Transaction types.
const (
	TxnRecharge    = "recharge"
	TxnConsumption = "consumption"
)

// Transaction is an immutable ledger entry. Amount is signed: recharges
// positive, consumption negative.
type Transaction struct {
	gorm.Model
	MeterID       string    `gorm:"index" json:"meter_id"`
	TransactionID string    `gorm:"uniqueIndex" json:"transaction_id"`
	Type          string    `json:"type"`
	Amount        float64   `json:"amount"`
	BalanceBefore float64   `json:"balance_before"`
	BalanceAfter  float64   `json:"balance_after"`
	Description   string    `json:"description"`
	Timestamp     time.Time `gorm:"index" json:"timestamp"`
}

// Alert severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

type Alert struct {
	gorm.Model
	MeterID   string `gorm:"index" json:"meter_id"`
	AlertType string `json:"alert_type"`
	Message   string `json:"message"`
	Severity  string `json:"severity"`
	IsRead    bool   `json:"is_read"`
}

type AlertsSummary struct {
	TotalAlerts    int64 `json:"total_alerts"`
	UnreadAlerts   int64 `json:"unread_alerts"`
	CriticalAlerts int64 `json:"critical_alerts"`
	WarningAlerts  int64 `json:"warning_alerts"`
	InfoAlerts     int64 `json:"info_alerts"`
}

// Webhook is a registered event subscriber. Events is a JSON-encoded string
// array; "*" subscribes to everything.
type Webhook struct {
	gorm.Model
	Name      string `json:"name"`
	URL       string `json:"url"`
	Events    string `json:"events"`
	IsActive  bool   `json:"is_active"`
	SecretKey string `json:"secret_key,omitempty"`
}

// EventList decodes the subscribed event set.
func (w *Webhook) EventList() []string {
	var events []string
	if err := json.Unmarshal([]byte(w.Events), &events); err != nil {
		return nil
	}
	return events
}

// SubscribesTo reports whether the webhook wants the named event.
func (w *Webhook) SubscribesTo(event string) bool {
	for _, e := range w.EventList() {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}

// SetEvents encodes the subscribed event set.
func (w *Webhook) SetEvents(events []string) error {
	raw, err := json.Marshal(events)
	if err != nil {
		return err
	}
	w.Events = string(raw)
	return nil
}
