package qkd

import "github.com/qkdlab/qkdsim/bitarray"

// A Mode selects the transmission discipline of an engine.
type Mode int

const (
	// ModeStrict transmits one qubit at a time, each gated on the
	// receiver's acknowledgment. Ordering is unambiguous, at the cost of a
	// classical round trip per bit and sensitivity to qubit loss.
	ModeStrict Mode = iota

	// ModeFreeRunning streams qubits back-to-back from an on-demand source
	// and terminates with an explicit end-of-stream marker. Loss-tolerant,
	// but the receiver must size its basis reply by how many qubits it
	// actually detected.
	ModeFreeRunning
)

func (m Mode) String() string {
	if m == ModeFreeRunning {
		return "free-running"
	}
	return "strict"
}

// BasisBytes flattens a packed basis sequence into one byte per index, the
// form basis announcements travel in.
func BasisBytes(d bitarray.Dense) []byte {
	out := make([]byte, d.Size())
	for i := range out {
		if d.Get(i) {
			out[i] = 1
		}
	}
	return out
}
