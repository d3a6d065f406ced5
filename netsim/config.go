// Package netsim models the two-party QKD topology: a lossy, dephasing
// quantum fibre, a delayed but reliable classical link, and a bounded
// quantum memory per node. Configuration is immutable once a network has
// been built; malformed configs fail fast at build time.
package netsim

import (
	"errors"
	"fmt"
)

// A ChannelConfig describes the point-to-point quantum transport and the
// classical side channel between the two nodes.
type ChannelConfig struct {
	// Length is the fibre length in km.
	Length float64

	// DephaseRate is the fibre dephasing rate in Hz. The probability that a
	// transmitted qubit picks up a phase flip grows with Length.
	DephaseRate float64

	// LossInit is the probability that a qubit is lost on entering the
	// fibre, independent of length.
	LossInit float64

	// LossPerLength is the attenuation in dB/km. Combined with LossInit it
	// yields the total loss probability
	// 1 - (1-LossInit) * 10^(-LossPerLength*Length/10).
	LossPerLength float64

	// ClassicalDelay is the one-way delay of the classical link in
	// simulated nanoseconds. Must be positive: the classical link is never
	// instantaneous.
	ClassicalDelay int64
}

func (c ChannelConfig) validate() error {
	if c.Length < 0 {
		return fmt.Errorf("channel length must be non-negative, got %v", c.Length)
	}
	if c.DephaseRate < 0 {
		return fmt.Errorf("dephase rate must be non-negative, got %v", c.DephaseRate)
	}
	if c.LossInit < 0 || c.LossInit > 1 {
		return fmt.Errorf("initial loss probability must lie in [0,1], got %v", c.LossInit)
	}
	if c.LossPerLength < 0 {
		return fmt.Errorf("loss per length must be non-negative, got %v", c.LossPerLength)
	}
	if c.ClassicalDelay <= 0 {
		return errors.New("classical delay must be positive")
	}
	return nil
}

// An OpDurations assigns a simulated duration, in nanoseconds, to each
// operation a node memory supports.
type OpDurations struct {
	Init     int64
	X        int64
	Z        int64
	H        int64
	Entangle int64
	MeasureZ int64
	MeasureX int64
}

// DefaultOpDurations mirrors the physical instruction timings of the
// reference processor.
func DefaultOpDurations() OpDurations {
	return OpDurations{
		Init:     3,
		X:        1,
		Z:        1,
		H:        1,
		Entangle: 5,
		MeasureZ: 7,
		MeasureX: 10,
	}
}

// A MemoryConfig describes one node's bounded quantum memory, its noise
// behavior, and its optional qubit source and passive detectors.
type MemoryConfig struct {
	// Capacity is the number of qubit slots. Protocols holding an entangled
	// half while its partner is in flight need at least two.
	Capacity int

	// T1 and T2 are the relaxation and dephasing time constants of stored
	// qubits, in simulated nanoseconds. Zero disables the corresponding
	// decoherence effect.
	T1, T2 float64

	// GateDephaseRate is the dephasing rate applied to a qubit for the
	// duration of each gate acting on it. Zero means noiseless gates.
	GateDephaseRate float64

	// SourceBias, for nodes with a qubit source, is the probability that an
	// emitted qubit starts in |0> rather than |1>. The memory honors the
	// value as given: a perfect source needs an explicit 1, and 0 means
	// every emission starts in |1>.
	SourceBias float64

	// WithSource attaches an on-demand qubit source, required for
	// free-running transmission.
	WithSource bool

	// WithDetectors attaches passive measurement detectors, required for
	// free-running reception.
	WithDetectors bool

	// DetectorDeadTime is the recovery time of the passive detectors in
	// simulated nanoseconds. Arrivals during dead time are discarded.
	DetectorDeadTime int64

	// Durations overrides the per-operation timings. Nil selects
	// DefaultOpDurations.
	Durations *OpDurations
}

func (c MemoryConfig) validate() error {
	if c.Capacity < 1 {
		return fmt.Errorf("memory capacity must be at least 1, got %d", c.Capacity)
	}
	if c.T1 < 0 || c.T2 < 0 {
		return fmt.Errorf("decoherence time constants must be non-negative, got T1=%v T2=%v", c.T1, c.T2)
	}
	if c.T1 > 0 && c.T2 > 0 && c.T2 > c.T1 {
		return fmt.Errorf("T2 must not exceed T1, got T1=%v T2=%v", c.T1, c.T2)
	}
	if c.GateDephaseRate < 0 {
		return fmt.Errorf("gate dephase rate must be non-negative, got %v", c.GateDephaseRate)
	}
	if c.SourceBias < 0 || c.SourceBias > 1 {
		return fmt.Errorf("source bias must lie in [0,1], got %v", c.SourceBias)
	}
	if c.DetectorDeadTime < 0 {
		return fmt.Errorf("detector dead time must be non-negative, got %d", c.DetectorDeadTime)
	}
	return nil
}
