// Package reconcile is the downstream error-correction stage. The protocol
// engines hand it a raw sifted key pair; it returns the receiver's key
// corrected towards the sender's. The correction is a block-wise Hamming
// syndrome pass: within each block a single flipped bit is located and
// repaired, which is effective at the bit-error rates the simulated channels
// produce.
package reconcile

import (
	"fmt"

	"github.com/qkdlab/qkdsim/bitarray"
)

// DefaultHammingBits selects 8-bit code blocks.
const DefaultHammingBits = 3

// A Reconciler corrects a receiver key against the matching sender key.
type Reconciler interface {
	Reconcile(senderKey, receiverKey bitarray.Dense) (bitarray.Dense, error)
}

// A Syndrome reconciler compares per-block Hamming syndromes and flips the
// receiver bit the syndrome difference points at. Blocks holding an even
// number of errors pass through uncorrected.
type Syndrome struct {
	// HammingBits sets the block size to 2^HammingBits. Zero selects
	// DefaultHammingBits.
	HammingBits int
}

// Reconcile implements the Reconciler interface. Keys of unequal length
// indicate a sifting bug upstream and are rejected.
func (s Syndrome) Reconcile(senderKey, receiverKey bitarray.Dense) (bitarray.Dense, error) {
	if senderKey.Size() != receiverKey.Size() {
		return bitarray.Empty(), fmt.Errorf(
			"reconciling keys of different lengths: %d != %d", senderKey.Size(), receiverKey.Size())
	}
	hBits := s.HammingBits
	if hBits == 0 {
		hBits = DefaultHammingBits
	}
	if hBits < 1 {
		return bitarray.Empty(), fmt.Errorf("hamming bits must be positive, got %d", hBits)
	}

	n := 1 << hBits
	corrected := bitarray.NewDense(receiverKey.Data(), receiverKey.Size())
	for start := 0; start < senderKey.Size(); start += n {
		end := min(start+n, senderKey.Size())
		sBlock := pad(senderKey, start, end, n)
		rBlock := pad(corrected, start, end, n)
		diff := secded(sBlock, hBits).XOr(secded(rBlock, hBits))
		if !diff.Get(hBits) {
			// Total parities agree: zero or an even number of errors.
			continue
		}
		pos := 0
		for j := 0; j < hBits; j++ {
			if diff.Get(j) {
				pos |= 1 << j
			}
		}
		pos-- // cardinal/ordinal correction
		if pos < 0 {
			pos = n - 1
		}
		if start+pos < corrected.Size() {
			corrected.Flip(start + pos)
		}
	}
	return corrected, nil
}

// pad extracts bits [start, end) of d, zero-extended to the block size.
func pad(d bitarray.Dense, start, end, n int) bitarray.Dense {
	var block bitarray.Dense
	for i := start; i < end; i++ {
		block.AppendBit(d.Get(i))
	}
	for i := end - start; i < n; i++ {
		block.AppendBit(false)
	}
	return block
}

// secded computes the Hamming SECDED syndrome of a 2^hBits block: hBits
// stride parities followed by a total parity bit. The p-th parity bit checks
// positions in strides of 2^p, e.g. the 0th checks {0, 2, 4, ...} and the
// 1st checks {1,2, 5,6, ...}.
func secded(block bitarray.Dense, hBits int) bitarray.Dense {
	var r bitarray.Dense
	for p := 0; p < hBits; p++ {
		stride := 1 << p
		parity := false
		for i := stride - 1; i < block.Size(); i += 2 * stride {
			for j := i; j < i+stride && j < block.Size(); j++ {
				parity = (block.Get(j) != parity)
			}
		}
		r.AppendBit(parity)
	}
	r.AppendBit(block.Parity())
	return r
}
