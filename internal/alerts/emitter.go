// Package alerts turns threshold violations into persisted notifications.
package alerts

import (
	"fmt"

	"go.uber.org/zap"

	"metersim/config"
	"metersim/internal/storage"
	"metersim/internal/webhook"
)

// Alert type tags.
const (
	TypeHighVoltage       = "high_voltage"
	TypeLowVoltage        = "low_voltage"
	TypeHighConsumption   = "high_consumption"
	TypeLowBalance        = "low_balance"
	TypeMeterConnected    = "meter_connected"
	TypeMeterDisconnected = "meter_disconnected"
	TypeSystem            = "system"
)

type Emitter struct {
	store      *storage.Store
	dispatcher *webhook.Dispatcher
	thresholds config.AlertConfig
	logger     *zap.Logger
}

func NewEmitter(store *storage.Store, dispatcher *webhook.Dispatcher, thresholds config.AlertConfig, logger *zap.Logger) *Emitter {
	return &Emitter{
		store:      store,
		dispatcher: dispatcher,
		thresholds: thresholds,
		logger:     logger,
	}
}

// Evaluate runs the per-sample threshold checks and raises one alert per
// violated condition. A condition that persists across ticks raises again on
// every tick; there is no suppression window.
func (e *Emitter) Evaluate(sample *storage.RealtimeSample) []*storage.Alert {
	var raised []*storage.Alert

	if sample.Voltage > e.thresholds.VoltageHigh {
		if a, err := e.Raise(sample.MeterID, TypeHighVoltage,
			fmt.Sprintf("High voltage detected: %.2fV", sample.Voltage), storage.SeverityWarning); err == nil {
			raised = append(raised, a)
		}
	} else if sample.Voltage < e.thresholds.VoltageLow {
		if a, err := e.Raise(sample.MeterID, TypeLowVoltage,
			fmt.Sprintf("Low voltage detected: %.2fV", sample.Voltage), storage.SeverityWarning); err == nil {
			raised = append(raised, a)
		}
	}

	if sample.ActivePower > e.thresholds.HighConsumption {
		if a, err := e.Raise(sample.MeterID, TypeHighConsumption,
			fmt.Sprintf("High power consumption: %.3fkW", sample.ActivePower), storage.SeverityInfo); err == nil {
			raised = append(raised, a)
		}
	}

	return raised
}

// RaiseLowBalance raises the critical balance alert referencing the balance
// that tripped the threshold.
func (e *Emitter) RaiseLowBalance(meterID string, balance float64) (*storage.Alert, error) {
	a, err := e.Raise(meterID, TypeLowBalance,
		fmt.Sprintf("Critical balance warning: %.2f remaining", balance), storage.SeverityCritical)
	if err != nil {
		return nil, err
	}
	e.dispatcher.Dispatch(webhook.EventBalanceCritical, meterID, map[string]any{"balance": balance})
	return a, nil
}

// CriticalBalance returns the configured critical balance threshold.
func (e *Emitter) CriticalBalance() float64 {
	return e.thresholds.CriticalBalance
}

// LowBalance returns the configured low balance threshold.
func (e *Emitter) LowBalance() float64 {
	return e.thresholds.LowBalance
}

// Raise persists an alert and hands it to the webhook dispatcher. Dispatch is
// fire-and-forget: a failing endpoint never rolls back or fails the alert.
func (e *Emitter) Raise(meterID, alertType, message, severity string) (*storage.Alert, error) {
	alert := &storage.Alert{
		MeterID:   meterID,
		AlertType: alertType,
		Message:   message,
		Severity:  severity,
	}
	if err := e.store.SaveAlert(alert); err != nil {
		e.logger.Error("failed to persist alert",
			zap.String("meter_id", meterID),
			zap.String("alert_type", alertType),
			zap.Error(err))
		return nil, err
	}

	e.dispatcher.Dispatch(webhook.EventAlertCreated, meterID, alert)

	e.logger.Info("alert created",
		zap.String("meter_id", meterID),
		zap.String("alert_type", alertType),
		zap.String("severity", severity),
		zap.String("message", message))
	return alert, nil
}
