package alerts

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"emissionguard/internal/config"
	"emissionguard/internal/model"
)

type Thresholds struct {
	COWarn    float64
	CODanger  float64
	CO2Warn   float64
	CO2Danger float64
}

func ThresholdsFromConfig(cfg config.AlertsConfig) Thresholds {
	return Thresholds{
		COWarn:    cfg.COWarn,
		CODanger:  cfg.CODanger,
		CO2Warn:   cfg.CO2Warn,
		CO2Danger: cfg.CO2Danger,
	}
}

// DeviceThresholds are the thresholds of the live-backed pipeline.
func DeviceThresholds() Thresholds {
	return ThresholdsFromConfig(config.DefaultConfigFor(config.ProfileDevice).Alerts)
}

func SimpleThresholds() Thresholds {
	return ThresholdsFromConfig(config.DefaultConfigFor(config.ProfileSimple).Alerts)
}

// Evaluator classifies a single reading into at most one alert. It keeps no
// state between calls.
type Evaluator struct {
	thresholds Thresholds
	newID      func() string
	now        func() time.Time
}

type Option func(*Evaluator)

func WithIDFunc(fn func() string) Option {
	return func(e *Evaluator) {
		if fn != nil {
			e.newID = fn
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(e *Evaluator) {
		if fn != nil {
			e.now = fn
		}
	}
}

func NewEvaluator(t Thresholds, opts ...Option) *Evaluator {
	e := &Evaluator{
		thresholds: t,
		newID:      func() string { return uuid.NewString() },
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate checks CO before CO2; when both exceed their warn level only the CO
// alert is produced.
func (e *Evaluator) Evaluate(vehicleID string, r model.Reading) (model.Alert, bool) {
	t := e.thresholds
	var (
		pollutant model.Pollutant
		value     float64
		severity  model.Severity
	)
	switch {
	case r.CO > t.COWarn:
		pollutant, value = model.PollutantCO, r.CO
		severity = model.SeverityWarning
		if r.CO > t.CODanger {
			severity = model.SeverityDanger
		}
	case r.CO2 > t.CO2Warn:
		pollutant, value = model.PollutantCO2, r.CO2
		severity = model.SeverityWarning
		if r.CO2 > t.CO2Danger {
			severity = model.SeverityDanger
		}
	default:
		return model.Alert{}, false
	}
	return model.Alert{
		ID:        e.newID(),
		Severity:  severity,
		Message:   Message(pollutant, value),
		Timestamp: e.now(),
		VehicleID: vehicleID,
		Pollutant: pollutant,
		Value:     value,
	}, true
}

func Message(p model.Pollutant, value float64) string {
	return fmt.Sprintf("High %s levels detected: %.2f ppm", p.Label(), value)
}
