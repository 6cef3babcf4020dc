package sensor

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"energymeter/backend/services/meter-agent/internal/models"
)

var errSimulatedTimeout = errors.New("simulated read timeout")

// SimulatedOptions tunes the generated signal.
type SimulatedOptions struct {
	NominalVoltage   float64
	NominalFrequency float64
	MaxCurrent       float64
	// FaultRate is the probability in [0,1] that a read fails.
	FaultRate float64
	// ResetAfter restarts the energy counter after this many reads of a phase; 0 disables.
	ResetAfter int
	// Interval is the assumed time between reads, used to integrate energy.
	Interval time.Duration
	Seed     int64
}

// Simulated produces plausible readings without hardware, one independent counter per phase.
type Simulated struct {
	mu     sync.Mutex
	opts   SimulatedOptions
	rnd    *rand.Rand
	energy map[int]float64
	reads  map[int]int
}

// NewSimulated returns a simulated meter.
func NewSimulated(opts SimulatedOptions) *Simulated {
	if opts.NominalVoltage <= 0 {
		opts.NominalVoltage = 230
	}
	if opts.NominalFrequency <= 0 {
		opts.NominalFrequency = 50
	}
	if opts.MaxCurrent <= 0 {
		opts.MaxCurrent = 16
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulated{
		opts:   opts,
		rnd:    rand.New(rand.NewSource(seed)),
		energy: make(map[int]float64),
		reads:  make(map[int]int),
	}
}

// Read implements Source.
func (s *Simulated) Read(ctx context.Context, phase int) (models.Measurement, error) {
	if err := ctx.Err(); err != nil {
		return models.Measurement{}, Fault(phase, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opts.FaultRate > 0 && s.rnd.Float64() < s.opts.FaultRate {
		return models.Measurement{}, Fault(phase, errSimulatedTimeout)
	}

	s.reads[phase]++
	if s.opts.ResetAfter > 0 && s.reads[phase] > s.opts.ResetAfter {
		s.reads[phase] = 1
		s.energy[phase] = 0
	}

	voltage := s.opts.NominalVoltage * (1 + (s.rnd.Float64()-0.5)*0.04)
	current := s.opts.MaxCurrent * s.rnd.Float64()
	pf := 0.8 + s.rnd.Float64()*0.2
	power := voltage * current * pf
	s.energy[phase] += power * s.opts.Interval.Hours()

	return models.Measurement{
		Voltage:     round(voltage, 1),
		Current:     round(current, 3),
		Power:       round(power, 1),
		Energy:      math.Floor(s.energy[phase]),
		Frequency:   round(s.opts.NominalFrequency+(s.rnd.Float64()-0.5)*0.2, 1),
		PowerFactor: round(pf, 2),
	}, nil
}

func round(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}
