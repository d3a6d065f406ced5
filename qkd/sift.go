package qkd

import (
	"fmt"

	"github.com/qkdlab/qkdsim/bitarray"
)

// MatchedIndices returns the indices at which both parties chose the same
// basis. Comparison runs over the shorter announcement: under free-running
// transmission the receiver's list is sized by how many qubits it actually
// detected. An empty result is valid, not an error.
func MatchedIndices(mine, theirs []byte) []int {
	n := len(mine)
	if len(theirs) < n {
		n = len(theirs)
	}
	var matched []int
	for i := 0; i < n; i++ {
		if mine[i] == theirs[i] {
			matched = append(matched, i)
		}
	}
	return matched
}

// SelectIndices builds a sifted key by picking the recorded bit at each
// surviving index. An out-of-range index means the two parties disagree
// about which rounds survived sifting, which is a protocol logic bug and
// fails loudly.
func SelectIndices(bits bitarray.Dense, indices []int) (bitarray.Dense, error) {
	var key bitarray.Dense
	for _, idx := range indices {
		if idx < 0 || idx >= bits.Size() {
			return bitarray.Empty(), fmt.Errorf("sift index %d out of range [0,%d)", idx, bits.Size())
		}
		key.AppendBit(bits.Get(idx))
	}
	return key, nil
}

// SelectIndicesLoose is the loss-tolerant variant used by free-running
// receivers: indices beyond the detected count are skipped rather than
// rejected, since the sender indexes sent qubits while the receiver indexes
// detected ones.
func SelectIndicesLoose(bits bitarray.Dense, indices []int) bitarray.Dense {
	var key bitarray.Dense
	for _, idx := range indices {
		if idx < 0 || idx >= bits.Size() {
			continue
		}
		key.AppendBit(bits.Get(idx))
	}
	return key
}

// QBER returns the quantum bit error rate between two sifted keys: the
// fraction of positions at which they disagree. Keys of unequal length
// compare over the shorter prefix; two empty keys have zero error.
func QBER(a, b bitarray.Dense) float64 {
	n := a.Size()
	if b.Size() < n {
		n = b.Size()
	}
	if n == 0 {
		return 0
	}
	errs := 0
	for i := 0; i < n; i++ {
		if a.Get(i) != b.Get(i) {
			errs++
		}
	}
	return float64(errs) / float64(n)
}
