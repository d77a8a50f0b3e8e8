package meter

import (
	"math"
	"math/rand"
	"time"

	"metersim/config"
)

// Reading is one synthesized point measurement.
type Reading struct {
	Timestamp     time.Time
	Voltage       float64 // V
	Current       float64 // A
	PowerFactor   float64
	ActivePower   float64 // kW
	ReactivePower float64 // kVAR
	ApparentPower float64 // kVA
	Frequency     float64 // Hz
}

// Generator synthesizes plausible electrical readings. Voltage and frequency
// wander around their nominals inside a clamped band; current follows the
// hour-of-day load pattern with ±20% noise.
type Generator struct {
	cfg config.SimulationConfig
	rng *rand.Rand
}

func NewGenerator(cfg config.SimulationConfig) *Generator {
	return &Generator{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// LoadMultiplier returns the configured multiplier for the given hour of day,
// or 0.5 when the pattern has no entry for it.
func (g *Generator) LoadMultiplier(hour int) float64 {
	if hour < 0 || hour >= len(g.cfg.LoadPattern) {
		return 0.5
	}
	return g.cfg.LoadPattern[hour]
}

// Generate produces one reading for the given instant.
func (g *Generator) Generate(now time.Time, loadMultiplier float64) Reading {
	voltage := g.generateVoltage()
	current := g.generateCurrent(loadMultiplier)
	powerFactor := g.generatePowerFactor()
	frequency := g.generateFrequency()

	activePower := voltage * current * powerFactor / 1000
	reactivePower := activePower * math.Tan(math.Acos(powerFactor))
	apparentPower := voltage * current / 1000

	return Reading{
		Timestamp:     now,
		Voltage:       round2(voltage),
		Current:       round2(current),
		PowerFactor:   round3(powerFactor),
		ActivePower:   round3(activePower),
		ReactivePower: round3(reactivePower),
		ApparentPower: round3(apparentPower),
		Frequency:     round2(frequency),
	}
}

func (g *Generator) generateVoltage() float64 {
	v := g.cfg.Voltage
	base := v.Nominal + (g.rng.Float64()-0.5)*v.Fluctuation
	return clamp(base, v.Min, v.Max)
}

func (g *Generator) generateCurrent(loadMultiplier float64) float64 {
	c := g.cfg.Current
	base := c.Idle + (c.Max-c.Idle)*loadMultiplier
	randomFactor := 0.8 + g.rng.Float64()*0.4
	return math.Max(c.Min, base*randomFactor)
}

func (g *Generator) generatePowerFactor() float64 {
	pf := g.cfg.PowerFactor
	return pf.Min + g.rng.Float64()*(pf.Max-pf.Min)
}

func (g *Generator) generateFrequency() float64 {
	f := g.cfg.Frequency
	variation := (g.rng.Float64() - 0.5) * 0.2
	return clamp(f.Nominal+variation, f.Min, f.Max)
}

func clamp(v, min, max float64) float64 {
	return math.Max(min, math.Min(max, v))
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
