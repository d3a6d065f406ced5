// Package bitarray provides utilities for operating on densely-packed arrays
// of booleans. Secret bits, basis choices, and sifted keys are all bitarrays.
package bitarray

import (
	"fmt"
	"math/bits"
	"math/rand"
	"strings"
)

// A Dense is a bit array where every bit is explicitly represented.
type Dense struct {
	bits []byte
	len  int
}

const blockSize = 8

// NewDense returns a new Dense whose data is a copy of data, and whose length
// is bitLen. If bitLen is longer than data, then trailing zeros are added. If
// bitLen is negative, then it is inferred from data.
func NewDense(data []byte, bitLen int) Dense {
	if bitLen < 0 {
		bitLen = len(data) * blockSize
	}
	b := make([]byte, BytesFor(bitLen))
	copy(b, data)
	d := Dense{bits: b, len: bitLen}
	d.clearTail()
	return d
}

// Empty returns an empty, dense bit array.
func Empty() Dense {
	return Dense{}
}

// Random returns a Dense of bitLen uniformly random bits drawn from r.
func Random(r *rand.Rand, bitLen int) Dense {
	buf := make([]byte, BytesFor(bitLen))
	r.Read(buf)
	return NewDense(buf, bitLen)
}

// Size returns the number of bits in d.
func (d Dense) Size() int {
	return d.len
}

// ByteSize returns the number of bytes necessary to represent d.
func (d Dense) ByteSize() int {
	return BytesFor(d.len)
}

// Data returns a copy of the bytes underlying d.
func (d Dense) Data() []byte {
	data := make([]byte, len(d.bits))
	copy(data, d.bits)
	return data
}

// Get returns the bit at idx. Out-of-range reads return false.
func (d Dense) Get(idx int) bool {
	if idx < 0 || idx >= d.len {
		return false
	}
	return 0 < d.bits[idx/blockSize]&(1<<(idx%blockSize))
}

// Set assigns the bit at idx.
func (d *Dense) Set(idx int, bit bool) {
	if idx < 0 || idx >= d.len {
		return
	}
	if bit {
		d.bits[idx/blockSize] |= 1 << (idx % blockSize)
	} else {
		d.bits[idx/blockSize] &^= 1 << (idx % blockSize)
	}
}

// Flip inverts the bit at idx.
func (d *Dense) Flip(idx int) {
	d.Set(idx, !d.Get(idx))
}

// AppendBit adds a single bit to the end of d.
func (d *Dense) AppendBit(bit bool) {
	pos := d.len % blockSize
	d.len++
	if pos == 0 {
		d.bits = append(d.bits, 0)
	}
	if bit {
		d.bits[len(d.bits)-1] |= 1 << pos
	}
}

// XOr computes a bitwise XOR between d and other. If one of the two is
// shorter than the other, trailing 0s are implicitly added to make the sizes
// match.
func (d Dense) XOr(other Dense) Dense {
	short, long := other, d
	if d.len < other.len {
		short, long = d, other
	}
	r := Dense{bits: make([]byte, len(long.bits)), len: long.len}
	copy(r.bits, long.bits)
	for i := range short.bits {
		r.bits[i] ^= short.bits[i]
	}
	return r
}

// XNor computes a bitwise equality between d and other, padding the shorter
// operand with 0s.
func (d Dense) XNor(other Dense) Dense {
	r := d.XOr(other)
	for i := range r.bits {
		r.bits[i] = ^r.bits[i]
	}
	r.clearTail()
	return r
}

// And computes a bitwise AND between d and other. The result has the length
// of the shorter operand.
func (d Dense) And(other Dense) Dense {
	short := other
	if d.len < other.len {
		short = d
	}
	r := Dense{bits: make([]byte, len(short.bits)), len: short.len}
	for i := range short.bits {
		r.bits[i] = d.bits[i] & other.bits[i]
	}
	return r
}

// CountOnes returns the total number of bits set in d.
func (d Dense) CountOnes() int {
	var sum int
	for _, b := range d.bits {
		sum += bits.OnesCount8(b)
	}
	return sum
}

// Parity returns the overall parity of d, with true corresponding to 1.
func (d Dense) Parity() bool {
	var sum byte
	for _, b := range d.bits {
		sum ^= b
	}
	return bits.OnesCount8(sum)%2 == 1
}

// Select selects the subset of bits from d at positions where mask is set.
func (d Dense) Select(mask Dense) Dense {
	var r Dense
	for i := 0; i < d.len; i++ {
		if mask.Get(i) {
			r.AppendBit(d.Get(i))
		}
	}
	return r
}

// Slice returns a copy of bits [start, end).
func (d Dense) Slice(start, end int) (Dense, error) {
	if start < 0 {
		return Dense{}, fmt.Errorf("slicing bitarray with negative start: %d", start)
	}
	if end < start {
		return Dense{}, fmt.Errorf("slicing bitarray to negative length: %d", end-start)
	}
	if end > d.len {
		return Dense{}, fmt.Errorf("slicing bitarray of len %d up to %d", d.len, end)
	}
	var r Dense
	for i := start; i < end; i++ {
		r.AppendBit(d.Get(i))
	}
	return r, nil
}

// Shuffle permutes the bits of d in place, using r as its randomness source.
func (d *Dense) Shuffle(r *rand.Rand) {
	for i := d.len - 1; i > 0; i-- {
		j := r.Intn(i + 1)
		bi, bj := d.Get(i), d.Get(j)
		d.Set(i, bj)
		d.Set(j, bi)
	}
}

// Equal reports whether d and other have the same length and bits.
func (d Dense) Equal(other Dense) bool {
	if d.len != other.len {
		return false
	}
	for i := range d.bits {
		if d.bits[i] != other.bits[i] {
			return false
		}
	}
	return true
}

// String renders d as a sequence of 0s and 1s, least index first.
func (d Dense) String() string {
	var sb strings.Builder
	for i := 0; i < d.len; i++ {
		if d.Get(i) {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

// BytesFor returns the number of bytes needed to hold the given number of
// bits.
func BytesFor(bits int) int {
	return (bits + blockSize - 1) / blockSize
}

// clearTail zeroes the unused bits of the final block, so that byte-wise
// operations cannot observe stale padding.
func (d *Dense) clearTail() {
	if d.len%blockSize == 0 || len(d.bits) == 0 {
		return
	}
	keep := d.len % blockSize
	d.bits[len(d.bits)-1] &= (1 << keep) - 1
}
