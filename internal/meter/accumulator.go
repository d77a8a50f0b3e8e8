package meter

import (
	"sync"
	"time"
)

type accumulatorState struct {
	lastTimestamp    time.Time
	cumulativeEnergy float64
}

// Accumulator integrates instantaneous power into energy per meter.
//
// State is in-memory only and is rebuilt on process restart: the first tick
// after a restart reports a zero delta instead of the energy consumed while
// the process was down. That discontinuity is accepted for a simulation.
type Accumulator struct {
	mu     sync.Mutex
	meters map[string]*accumulatorState
}

func NewAccumulator() *Accumulator {
	return &Accumulator{
		meters: make(map[string]*accumulatorState),
	}
}

// Integrate advances the running integral for the meter and returns the
// energy in kWh consumed since the previous call. The first call for a meter
// establishes the reference timestamp and returns zero.
func (a *Accumulator) Integrate(meterID string, activePowerKW float64, now time.Time) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, ok := a.meters[meterID]
	if !ok {
		a.meters[meterID] = &accumulatorState{lastTimestamp: now}
		return 0
	}

	deltaHours := now.Sub(state.lastTimestamp).Hours()
	deltaEnergy := activePowerKW * deltaHours

	state.lastTimestamp = now
	state.cumulativeEnergy += deltaEnergy

	return deltaEnergy
}

// CumulativeEnergy returns the total kWh integrated for the meter since it
// was first seen by this process.
func (a *Accumulator) CumulativeEnergy(meterID string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if state, ok := a.meters[meterID]; ok {
		return state.cumulativeEnergy
	}
	return 0
}

// ActiveMeters returns how many meters have accumulator state.
func (a *Accumulator) ActiveMeters() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.meters)
}
