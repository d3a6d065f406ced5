// Package quantum implements the small state-vector engine backing the
// simulator's abstract qubit operations: initialize, single-qubit gates,
// pairwise entanglement, and projective measurement in the Z or X basis.
//
// States are kets over one or two qubits, held as 2- or 4-dimensional
// complex column vectors. Entangled halves share a single state, so
// measuring one half collapses its partner.
package quantum

import (
	"math"
	"math/cmplx"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// A Basis names a measurement basis.
type Basis int

const (
	// Z is the computational basis {|0>, |1>}.
	Z Basis = iota
	// X is the conjugate (Hadamard) basis {|+>, |->}.
	X
)

func (b Basis) String() string {
	if b == X {
		return "X"
	}
	return "Z"
}

var (
	invSqrt2 = complex(1/math.Sqrt2, 0)

	gateX = mat.NewCDense(2, 2, []complex128{0, 1, 1, 0})
	gateZ = mat.NewCDense(2, 2, []complex128{1, 0, 0, -1})
	gateH = mat.NewCDense(2, 2, []complex128{invSqrt2, invSqrt2, invSqrt2, -invSqrt2})
)

// state is a ket over n qubits, possibly shared by several Qubit handles.
type state struct {
	amps *mat.CDense // 2^n x 1
	n    int
}

// A Qubit is a handle to one qubit, which may be half of an entangled pair.
type Qubit struct {
	st  *state
	idx int // position of this qubit within st
}

// NewQubit returns a fresh qubit in the |0> state.
func NewQubit() *Qubit {
	st := &state{amps: mat.NewCDense(2, 1, []complex128{1, 0}), n: 1}
	return &Qubit{st: st, idx: 0}
}

// NewQubitOne returns a fresh qubit in the |1> state.
func NewQubitOne() *Qubit {
	st := &state{amps: mat.NewCDense(2, 1, []complex128{0, 1}), n: 1}
	return &Qubit{st: st, idx: 0}
}

// Reset returns q to |0>, discarding any shared state.
func (q *Qubit) Reset() {
	q.st = &state{amps: mat.NewCDense(2, 1, []complex128{1, 0}), n: 1}
	q.idx = 0
}

// ApplyX applies a bit flip to q.
func (q *Qubit) ApplyX() { q.applySingle(gateX) }

// ApplyZ applies a phase flip to q.
func (q *Qubit) ApplyZ() { q.applySingle(gateZ) }

// ApplyH applies a Hadamard rotation to q, exchanging the Z and X bases.
func (q *Qubit) ApplyH() { q.applySingle(gateH) }

// applySingle applies a 2x2 gate to q's position within its shared state.
func (q *Qubit) applySingle(g *mat.CDense) {
	q.st.amps = mulVec(expand(g, q.idx, q.st.n), q.st.amps)
}

// mulVec returns g * v for a square complex matrix and a column vector.
// mat.CDense carries no arithmetic of its own, so the product is spelled out.
func mulVec(g, v *mat.CDense) *mat.CDense {
	r, c := g.Dims()
	out := mat.NewCDense(r, 1, nil)
	for i := 0; i < r; i++ {
		var sum complex128
		for j := 0; j < c; j++ {
			sum += g.At(i, j) * v.At(j, 0)
		}
		out.Set(i, 0, sum)
	}
	return out
}

// Entangle merges a and b into one shared two-qubit state and applies a
// CNOT with a as control. Both qubits must currently hold independent
// single-qubit states. Applied to |+>|0> this yields the Bell pair
// (|00>+|11>)/sqrt(2).
func Entangle(a, b *Qubit) {
	joint := mat.NewCDense(4, 1, nil)
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			joint.Set(i<<1|j, 0, a.st.amps.At(i, 0)*b.st.amps.At(j, 0))
		}
	}
	st := &state{amps: joint, n: 2}
	a.st, a.idx = st, 0
	b.st, b.idx = st, 1
	cnot := mat.NewCDense(4, 4, []complex128{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 0, 1,
		0, 0, 1, 0,
	})
	st.amps = mulVec(cnot, st.amps)
}

// Measure performs a projective measurement of q in the given basis, using r
// to sample the outcome. The shared state collapses accordingly, so a later
// measurement of an entangled partner sees the post-measurement state.
func (q *Qubit) Measure(basis Basis, r *rand.Rand) int {
	if basis == X {
		q.ApplyH()
	}
	dim := 1 << q.st.n
	// Probability of reading 0 at this qubit's position.
	var p0 float64
	for i := 0; i < dim; i++ {
		if bitOf(i, q.idx, q.st.n) == 0 {
			a := q.st.amps.At(i, 0)
			p0 += real(a)*real(a) + imag(a)*imag(a)
		}
	}
	outcome := 1
	if r.Float64() < p0 {
		outcome = 0
	}
	q.collapse(outcome)
	if basis == X {
		q.ApplyH()
	}
	return outcome
}

// collapse projects the shared state onto the given outcome at q's position
// and renormalizes.
func (q *Qubit) collapse(outcome int) {
	dim := 1 << q.st.n
	var norm float64
	for i := 0; i < dim; i++ {
		if bitOf(i, q.idx, q.st.n) != outcome {
			q.st.amps.Set(i, 0, 0)
			continue
		}
		a := q.st.amps.At(i, 0)
		norm += real(a)*real(a) + imag(a)*imag(a)
	}
	if norm == 0 {
		return
	}
	scale := complex(1/math.Sqrt(norm), 0)
	for i := 0; i < dim; i++ {
		q.st.amps.Set(i, 0, q.st.amps.At(i, 0)*scale)
	}
}

// Dephase applies a phase flip to q with probability p.
func (q *Qubit) Dephase(p float64, r *rand.Rand) {
	if p > 0 && r.Float64() < p {
		q.ApplyZ()
	}
}

// BitFlip applies a bit flip to q with probability p.
func (q *Qubit) BitFlip(p float64, r *rand.Rand) {
	if p > 0 && r.Float64() < p {
		q.ApplyX()
	}
}

// Relax applies T1/T2 relaxation to a qubit that has idled for elapsed time
// units. With probability 1-exp(-t/T1) the qubit decays to |0>; with
// probability 1-exp(-t/T2) it suffers a phase flip. Zero time constants
// disable the corresponding effect.
func (q *Qubit) Relax(elapsed, t1, t2 float64, r *rand.Rand) {
	if elapsed <= 0 {
		return
	}
	if t1 > 0 && r.Float64() < 1-math.Exp(-elapsed/t1) {
		// Amplitude damping, approximated as a Z-collapse followed by a
		// deterministic decay to ground.
		if q.Measure(Z, r) == 1 {
			q.ApplyX()
		}
		return
	}
	if t2 > 0 && r.Float64() < 1-math.Exp(-elapsed/t2) {
		q.ApplyZ()
	}
}

// Prob0 returns the probability that measuring q in basis yields 0, without
// disturbing the state. Intended for tests and diagnostics.
func (q *Qubit) Prob0(basis Basis) float64 {
	work := q.cloneShared()
	if basis == X {
		work.ApplyH()
	}
	dim := 1 << work.st.n
	var p0 float64
	for i := 0; i < dim; i++ {
		if bitOf(i, work.idx, work.st.n) == 0 {
			a := work.st.amps.At(i, 0)
			p0 += real(a)*real(a) + imag(a)*imag(a)
		}
	}
	return p0
}

func (q *Qubit) cloneShared() *Qubit {
	dim := 1 << q.st.n
	amps := mat.NewCDense(dim, 1, nil)
	amps.Copy(q.st.amps)
	return &Qubit{st: &state{amps: amps, n: q.st.n}, idx: q.idx}
}

// expand lifts a 2x2 gate acting on qubit idx into the full 2^n-dim space.
func expand(g *mat.CDense, idx, n int) *mat.CDense {
	if n == 1 {
		return g
	}
	dim := 1 << n
	full := mat.NewCDense(dim, dim, nil)
	for i := 0; i < dim; i++ {
		for j := 0; j < dim; j++ {
			if clearBit(i, idx, n) != clearBit(j, idx, n) {
				continue
			}
			full.Set(i, j, g.At(bitOf(i, idx, n), bitOf(j, idx, n)))
		}
	}
	return full
}

// bitOf extracts the value of qubit idx from basis-state index i, with qubit
// 0 as the most significant position.
func bitOf(i, idx, n int) int {
	return (i >> (n - 1 - idx)) & 1
}

// clearBit zeroes qubit idx within basis-state index i.
func clearBit(i, idx, n int) int {
	return i &^ (1 << (n - 1 - idx))
}

// approxEqual reports whether two amplitudes agree to within a small
// tolerance. Used by tests.
func approxEqual(a, b complex128) bool {
	return cmplx.Abs(a-b) < 1e-9
}
