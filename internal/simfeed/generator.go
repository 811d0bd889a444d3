// Package simfeed produces synthetic emission readings used whenever the live
// feed is unavailable.
package simfeed

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"emissionguard/internal/config"
	"emissionguard/internal/model"
)

// Series describes one jittered pollutant: values are drawn uniformly from
// base ± variance/2 and clamped to floor.
type Series struct {
	Base     float64
	Variance float64
	Floor    float64
}

func seriesFromConfig(c config.SeriesConfig) Series {
	return Series{Base: c.Base, Variance: c.Variance, Floor: math.Max(0, c.Floor)}
}

type Generator struct {
	co       Series
	co2      Series
	decimals int
	interval time.Duration
	now      func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

type Option func(*Generator)

func WithRand(r *rand.Rand) Option {
	return func(g *Generator) {
		if r != nil {
			g.rng = r
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(g *Generator) {
		if fn != nil {
			g.now = fn
		}
	}
}

func NewGenerator(sim config.SimulationConfig, interval time.Duration, opts ...Option) *Generator {
	seed := sim.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	g := &Generator{
		co:       seriesFromConfig(sim.CO),
		co2:      seriesFromConfig(sim.CO2),
		decimals: sim.Decimals,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
		rng:      rand.New(rand.NewSource(seed)),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate returns count readings, oldest first, spaced by the generator
// interval and ending at now. baseCO and baseCO2 override the configured
// baselines; the configured variance and floor still apply.
func (g *Generator) Generate(count int, baseCO, baseCO2 float64) []model.Reading {
	if count <= 0 {
		return nil
	}
	co, co2 := g.co, g.co2
	co.Base, co2.Base = baseCO, baseCO2
	now := g.now()
	out := make([]model.Reading, 0, count)
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := count - 1; i >= 0; i-- {
		out = append(out, model.Reading{
			Timestamp: now.Add(-time.Duration(i) * g.interval),
			CO:        round(g.sample(co), g.decimals),
			CO2:       round(g.sample(co2), g.decimals),
			Source:    model.SourceSimulated,
		})
	}
	return out
}

// Window generates a full window around the configured baselines.
func (g *Generator) Window(count int) []model.Reading {
	return g.Generate(count, g.co.Base, g.co2.Base)
}

// Next produces a single reading stamped now.
func (g *Generator) Next() model.Reading {
	return g.Generate(1, g.co.Base, g.co2.Base)[0]
}

// Values draws count values from base ± variance/2 with a floor of 0.
func (g *Generator) Values(count int, base, variance float64) []float64 {
	if count <= 0 {
		return nil
	}
	s := Series{Base: base, Variance: variance}
	out := make([]float64, count)
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range out {
		out[i] = g.sample(s)
	}
	return out
}

func (g *Generator) sample(s Series) float64 {
	v := s.Base + (g.rng.Float64()-0.5)*s.Variance
	return math.Max(math.Max(s.Floor, 0), v)
}

func round(v float64, decimals int) float64 {
	if decimals < 0 {
		return v
	}
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}
