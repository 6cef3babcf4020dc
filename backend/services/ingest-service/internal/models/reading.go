package models

import "time"

// Reading is one meter sample as posted by an agent.
type Reading struct {
	Phase       int       `json:"phase"`
	Voltage     float64   `json:"voltage_v"`
	Current     float64   `json:"current_a"`
	Power       float64   `json:"power_w"`
	Energy      float64   `json:"energy_wh"`
	Frequency   float64   `json:"frequency_hz"`
	PowerFactor float64   `json:"pf"`
	Timestamp   time.Time `json:"timestamp"`
}

// Batch is the payload of POST /internal/meter/readings.
type Batch struct {
	DeviceID string    `json:"device_id"`
	Readings []Reading `json:"readings"`
}

// EnergyPoint is one stored energy counter value.
type EnergyPoint struct {
	Phase      int
	EnergyWh   float64
	RecordedAt time.Time
}

// PhaseEnergy summarises consumption of one phase over a window.
type PhaseEnergy struct {
	Phase      int       `json:"phase"`
	ConsumedWh float64   `json:"consumed_wh"`
	LastWh     float64   `json:"last_counter_wh"`
	Samples    int       `json:"samples"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
}
