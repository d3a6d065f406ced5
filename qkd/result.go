package qkd

import "github.com/qkdlab/qkdsim/bitarray"

// A Result is the completion signal of one state machine: the sifted key
// plus transcript counters. The key is immutable once the engine returns;
// callers re-running an experiment must copy it out before building a fresh
// network.
type Result struct {
	// Key is the sifted key. Length is at most the session's key size and
	// may be zero when no bases matched.
	Key bitarray.Dense

	// Rounds is the number of encode/transmit (or receive) rounds driven.
	Rounds int

	// Detected counts qubits that actually arrived and were measured.
	// Equals Rounds for the sender.
	Detected int

	// Sifted counts the indices surviving basis comparison or, for B92,
	// conclusive measurement.
	Sifted int

	// MessagesSent and MessagesReceived count classical messages.
	MessagesSent     int
	MessagesReceived int
}
