package qkd

// Classical handshake payloads. These travel the simulated classical link as
// typed values; there is no wire format.

// An Ack paces the strict transmission variants: one qubit in flight at a
// time, gated on the receiver's acknowledgment.
type Ack struct{}

// An EndOfStream marks the end of a free-running qubit stream.
type EndOfStream struct{}

// A BasisAnnouncement carries the receiver's measurement basis per detected
// qubit, one small integer per index. For two-basis protocols the values are
// 0 and 1; E91 announces indices into its three-basis table.
type BasisAnnouncement struct {
	Bases []byte
}

// An IndexAnnouncement carries the surviving indices after basis comparison
// (BB84, E91) or the conclusive-result indices (B92). Both parties build
// their sifted key by selecting their own recorded bit at each index.
type IndexAnnouncement struct {
	Indices []int
}
