package model

import "time"

type Pollutant string

const (
	PollutantCO  Pollutant = "co"
	PollutantCO2 Pollutant = "co2"
)

// Label is the human-readable pollutant name used in alert messages.
func (p Pollutant) Label() string {
	switch p {
	case PollutantCO:
		return "CO"
	case PollutantCO2:
		return "CO₂"
	}
	return string(p)
}

type Source string

const (
	SourceLive      Source = "live"
	SourceSimulated Source = "simulated"
)

// Reading is one timestamped CO/CO2 measurement. Values are never negative.
type Reading struct {
	Timestamp time.Time `json:"timestamp"`
	CO        float64   `json:"co"`
	CO2       float64   `json:"co2"`
	Source    Source    `json:"source"`
}

type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityDanger  Severity = "danger"
)

type Alert struct {
	ID        string    `json:"id"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	VehicleID string    `json:"vehicle_id"`
	Pollutant Pollutant `json:"pollutant"`
	Value     float64   `json:"value"`
}

type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnected    ConnectionState = "connected"
)

type Notice struct {
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Snapshot is the consumer-facing view of one monitored vehicle. Every slice
// is a private copy.
type Snapshot struct {
	VehicleID       string    `json:"vehicle_id,omitempty"`
	Monitoring      bool      `json:"monitoring"`
	Connected       bool      `json:"connected"`
	Error           *string   `json:"error,omitempty"`
	Latest          *Reading  `json:"latest,omitempty"`
	History         []Reading `json:"history"`
	SimulatedWindow []Reading `json:"simulated_window"`
	Alerts          []Alert   `json:"alerts"`
	Notice          *Notice   `json:"notice,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type EventKind string

const (
	EventReading      EventKind = "reading"
	EventAlert        EventKind = "alert"
	EventConnectivity EventKind = "connectivity"
	EventNotice       EventKind = "notice"
	EventWindow       EventKind = "window"
)

// Event is emitted by a supervisor after its state changed. At most one of the
// pointer fields is set, matching Kind; window events carry none.
type Event struct {
	Kind      EventKind `json:"kind"`
	VehicleID string    `json:"vehicle_id"`
	Reading   *Reading  `json:"reading,omitempty"`
	Alert     *Alert    `json:"alert,omitempty"`
	Connected bool      `json:"connected"`
	Error     string    `json:"error,omitempty"`
	Notice    *Notice   `json:"notice,omitempty"`
	At        time.Time `json:"at"`
}
