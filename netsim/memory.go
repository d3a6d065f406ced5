package netsim

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/qkdlab/qkdsim/quantum"
)

// An Op is one memory instruction. Encoding programs are small sequences of
// tagged ops executed against a slot, rather than ad hoc conditional gate
// code per protocol.
type Op int

const (
	// OpInit resets the slot to a fresh |0> qubit.
	OpInit Op = iota
	// OpX applies a bit flip.
	OpX
	// OpZ applies a phase flip.
	OpZ
	// OpH applies a Hadamard basis rotation.
	OpH
)

func (o Op) String() string {
	switch o {
	case OpInit:
		return "init"
	case OpX:
		return "x"
	case OpZ:
		return "z"
	case OpH:
		return "h"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// A Program is an instruction sequence run against a single memory slot.
type Program []Op

// EncodeProgram returns the program preparing a fresh qubit carrying bit in
// the given conjugate basis (0 selects Z, 1 selects X).
func EncodeProgram(bit, basis int) Program {
	p := Program{OpInit}
	if bit == 1 {
		p = append(p, OpX)
	}
	if basis == 1 {
		p = append(p, OpH)
	}
	return p
}

// A Memory is a bounded quantum memory exclusively owned by one node's
// protocol engine. Stored qubits age on the node's virtual clock and suffer
// T1/T2 decoherence proportional to how long they have been held.
type Memory struct {
	cfg  MemoryConfig
	durs OpDurations
	rand *rand.Rand

	slots    []*quantum.Qubit
	storedAt []int64
	now      int64

	lastDetect int64
}

func newMemory(cfg MemoryConfig, r *rand.Rand) *Memory {
	durs := DefaultOpDurations()
	if cfg.Durations != nil {
		durs = *cfg.Durations
	}
	return &Memory{
		cfg:        cfg,
		durs:       durs,
		rand:       r,
		slots:      make([]*quantum.Qubit, cfg.Capacity),
		storedAt:   make([]int64, cfg.Capacity),
		lastDetect: math.MinInt64 / 2,
	}
}

// Capacity returns the number of qubit slots.
func (m *Memory) Capacity() int { return m.cfg.Capacity }

// HasSource reports whether an on-demand qubit source is attached.
func (m *Memory) HasSource() bool { return m.cfg.WithSource }

// HasDetectors reports whether passive detectors are attached.
func (m *Memory) HasDetectors() bool { return m.cfg.WithDetectors }

// Now returns the node's virtual clock, in simulated nanoseconds.
func (m *Memory) Now() int64 { return m.now }

// Run executes a program against a slot, advancing the virtual clock by each
// op's duration and applying per-gate dephasing noise when configured.
func (m *Memory) Run(p Program, slot int) error {
	if err := m.checkSlot(slot); err != nil {
		return err
	}
	for _, op := range p {
		switch op {
		case OpInit:
			m.slots[slot] = quantum.NewQubit()
			m.storedAt[slot] = m.now
			m.advance(m.durs.Init, slot)
		case OpX:
			if m.slots[slot] == nil {
				return fmt.Errorf("op %v on empty slot %d", op, slot)
			}
			m.slots[slot].ApplyX()
			m.advance(m.durs.X, slot)
		case OpZ:
			if m.slots[slot] == nil {
				return fmt.Errorf("op %v on empty slot %d", op, slot)
			}
			m.slots[slot].ApplyZ()
			m.advance(m.durs.Z, slot)
		case OpH:
			if m.slots[slot] == nil {
				return fmt.Errorf("op %v on empty slot %d", op, slot)
			}
			m.slots[slot].ApplyH()
			m.advance(m.durs.H, slot)
		default:
			return fmt.Errorf("unknown op %v", op)
		}
	}
	return nil
}

// Entangle initializes slots a and b and leaves them holding the Bell pair
// (|00>+|11>)/sqrt(2).
func (m *Memory) Entangle(a, b int) error {
	if err := m.checkSlot(a); err != nil {
		return err
	}
	if err := m.checkSlot(b); err != nil {
		return err
	}
	if a == b {
		return fmt.Errorf("entangling slot %d with itself", a)
	}
	qa, qb := quantum.NewQubit(), quantum.NewQubit()
	qa.ApplyH()
	quantum.Entangle(qa, qb)
	m.slots[a], m.slots[b] = qa, qb
	m.storedAt[a], m.storedAt[b] = m.now, m.now
	m.advance(m.durs.Entangle, a, b)
	return nil
}

// Measure reads out the qubit in slot in the given basis and frees the slot.
// The qubit's accumulated storage age is converted into T1/T2 decoherence
// before readout.
func (m *Memory) Measure(slot int, basis quantum.Basis) (int, error) {
	if err := m.checkSlot(slot); err != nil {
		return 0, err
	}
	q := m.slots[slot]
	if q == nil {
		return 0, fmt.Errorf("measuring empty slot %d", slot)
	}
	dur := m.durs.MeasureZ
	if basis == quantum.X {
		dur = m.durs.MeasureX
	}
	m.advance(dur, slot)
	age := float64(m.now - m.storedAt[slot])
	q.Relax(age, m.cfg.T1, m.cfg.T2, m.rand)
	bit := q.Measure(basis, m.rand)
	m.slots[slot] = nil
	return bit, nil
}

// Put stores an arriving qubit into slot.
func (m *Memory) Put(slot int, q *quantum.Qubit) error {
	if err := m.checkSlot(slot); err != nil {
		return err
	}
	if m.slots[slot] != nil {
		return fmt.Errorf("slot %d is occupied", slot)
	}
	m.slots[slot] = q
	m.storedAt[slot] = m.now
	return nil
}

// Pop removes and returns the qubit in slot, typically to hand it to the
// quantum channel for transmission.
func (m *Memory) Pop(slot int) (*quantum.Qubit, error) {
	if err := m.checkSlot(slot); err != nil {
		return nil, err
	}
	q := m.slots[slot]
	if q == nil {
		return nil, fmt.Errorf("popping empty slot %d", slot)
	}
	m.slots[slot] = nil
	return q, nil
}

// SourceQubit emits a fresh qubit from the attached source: |0> with
// probability SourceBias, |1> otherwise.
func (m *Memory) SourceQubit() (*quantum.Qubit, error) {
	if !m.cfg.WithSource {
		return nil, fmt.Errorf("memory has no qubit source")
	}
	if m.rand.Float64() < m.cfg.SourceBias {
		return quantum.NewQubit(), nil
	}
	return quantum.NewQubitOne(), nil
}

// SourcePair emits a fresh Bell pair (|00>+|11>)/sqrt(2) from the attached
// source, for entanglement-based streaming.
func (m *Memory) SourcePair() (*quantum.Qubit, *quantum.Qubit, error) {
	if !m.cfg.WithSource {
		return nil, nil, fmt.Errorf("memory has no qubit source")
	}
	a, b := quantum.NewQubit(), quantum.NewQubit()
	a.ApplyH()
	quantum.Entangle(a, b)
	return a, b, nil
}

// Detect measures an arriving qubit directly on the passive detectors,
// bypassing memory slots. Arrivals within the detector dead time are
// discarded and reported as not detected.
func (m *Memory) Detect(q *quantum.Qubit, basis quantum.Basis) (bit int, detected bool, err error) {
	if !m.cfg.WithDetectors {
		return 0, false, fmt.Errorf("memory has no detectors")
	}
	dur := m.durs.MeasureZ
	if basis == quantum.X {
		dur = m.durs.MeasureX
	}
	if m.now-m.lastDetect < m.cfg.DetectorDeadTime {
		m.advance(dur)
		return 0, false, nil
	}
	m.lastDetect = m.now
	m.advance(dur)
	return q.Measure(basis, m.rand), true, nil
}

// advance moves the virtual clock forward and charges gate dephasing to the
// listed slots.
func (m *Memory) advance(d int64, slots ...int) {
	m.now += d
	if m.cfg.GateDephaseRate <= 0 {
		return
	}
	p := 1 - math.Exp(-m.cfg.GateDephaseRate*float64(d)*1e-9)
	for _, s := range slots {
		if q := m.slots[s]; q != nil {
			q.Dephase(p, m.rand)
		}
	}
}

func (m *Memory) checkSlot(slot int) error {
	if slot < 0 || slot >= m.cfg.Capacity {
		return fmt.Errorf("slot %d out of range [0,%d)", slot, m.cfg.Capacity)
	}
	return nil
}
