package ws

import (
	"encoding/json"
	"time"

	"metersim/internal/simulation"
)

// Envelope wraps all WebSocket messages with a type discriminator.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message type constants
const (
	TypeConnected     = "connection:established"
	TypeMeterSnapshot = "meter:snapshot"
)

type ConnectedPayload struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type SnapshotPayload struct {
	MeterID        string  `json:"meter_id"`
	Timestamp      string  `json:"timestamp"`
	Voltage        float64 `json:"voltage_v"`
	Current        float64 `json:"current_a"`
	PowerFactor    float64 `json:"power_factor"`
	ActivePower    float64 `json:"active_power_kw"`
	ReactivePower  float64 `json:"reactive_power_kvar"`
	ApparentPower  float64 `json:"apparent_power_kva"`
	Frequency      float64 `json:"frequency_hz"`
	EnergyConsumed float64 `json:"energy_consumed_kwh"`
	Balance        float64 `json:"balance"`
}

func NewEnvelope(msgType string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		var err error
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}

func SnapshotFromSimulation(snap simulation.Snapshot) SnapshotPayload {
	return SnapshotPayload{
		MeterID:        snap.Sample.MeterID,
		Timestamp:      snap.Sample.Timestamp.UTC().Format(time.RFC3339),
		Voltage:        snap.Sample.Voltage,
		Current:        snap.Sample.Current,
		PowerFactor:    snap.Sample.PowerFactor,
		ActivePower:    snap.Sample.ActivePower,
		ReactivePower:  snap.Sample.ReactivePower,
		ApparentPower:  snap.Sample.ApparentPower,
		Frequency:      snap.Sample.Frequency,
		EnergyConsumed: snap.Sample.EnergyConsumed,
		Balance:        snap.Balance,
	}
}
