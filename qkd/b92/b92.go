// Package b92 implements the sender and receiver state machines for the B92
// protocol. The secret bit is the basis choice: bit 0 is encoded as |0> and
// bit 1 as |+>. The receiver keeps only conclusive results, so no basis
// reveal round trip is needed; a single classical message carries the
// kept-index list. Both the strict per-qubit-acknowledgment variant and the
// free-running streaming variant are supported.
package b92

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/qkdlab/qkdsim/bitarray"
	"github.com/qkdlab/qkdsim/netsim"
	"github.com/qkdlab/qkdsim/qkd"
	"github.com/qkdlab/qkdsim/quantum"
)

const encodeSlot = 0

// A Sender drives the key-originating side of a B92 exchange.
type Sender struct {
	sess *qkd.Session
	mode qkd.Mode
}

// NewSender validates the session against the requested mode.
func NewSender(sess *qkd.Session, mode qkd.Mode) (*Sender, error) {
	if sess == nil {
		return nil, fmt.Errorf("b92: must provide session")
	}
	if sess.Role != qkd.RoleSender {
		return nil, fmt.Errorf("b92: sender requires a sender session, got %v", sess.Role)
	}
	if mode == qkd.ModeFreeRunning && !sess.Node.Memory.HasSource() {
		return nil, fmt.Errorf("b92: free-running sender requires a qubit source")
	}
	return &Sender{sess: sess, mode: mode}, nil
}

// A Receiver drives the measuring side of a B92 exchange.
type Receiver struct {
	sess *qkd.Session
	mode qkd.Mode
}

// NewReceiver validates the session against the requested mode.
func NewReceiver(sess *qkd.Session, mode qkd.Mode) (*Receiver, error) {
	if sess == nil {
		return nil, fmt.Errorf("b92: must provide session")
	}
	if sess.Role != qkd.RoleReceiver {
		return nil, fmt.Errorf("b92: receiver requires a receiver session, got %v", sess.Role)
	}
	if mode == qkd.ModeFreeRunning && !sess.Node.Memory.HasDetectors() {
		return nil, fmt.Errorf("b92: free-running receiver requires detectors")
	}
	return &Receiver{sess: sess, mode: mode}, nil
}

// Run transmits one non-orthogonally encoded qubit per secret bit, then
// filters the bit sequence down to the receiver's conclusive indices.
func (s *Sender) Run(ctx context.Context) (qkd.Result, error) {
	sess := s.sess
	mem := sess.Node.Memory
	bits := bitarray.Random(sess.Rand, sess.KeySize)
	var res qkd.Result

	for i := 0; i < sess.KeySize; i++ {
		// No separate basis draw: the bit selects the encoding state.
		if s.mode == qkd.ModeFreeRunning {
			q, err := mem.SourceQubit()
			if err != nil {
				return qkd.Result{}, err
			}
			if err := mem.Put(encodeSlot, q); err != nil {
				return qkd.Result{}, err
			}
			var prog netsim.Program
			if bits.Get(i) {
				prog = append(prog, netsim.OpH)
			}
			if err := mem.Run(prog, encodeSlot); err != nil {
				return qkd.Result{}, err
			}
		} else {
			prog := netsim.Program{netsim.OpInit}
			if bits.Get(i) {
				prog = append(prog, netsim.OpH)
			}
			if err := mem.Run(prog, encodeSlot); err != nil {
				return qkd.Result{}, err
			}
		}
		q, err := mem.Pop(encodeSlot)
		if err != nil {
			return qkd.Result{}, err
		}
		sess.Node.Quantum.Transmit(q)
		res.Rounds++
		if s.mode == qkd.ModeStrict && i < sess.KeySize-1 {
			if err := sess.AwaitAck(ctx); err != nil {
				return qkd.Result{}, fmt.Errorf("round %d: %w", i, err)
			}
			res.MessagesReceived++
		}
	}
	if s.mode == qkd.ModeFreeRunning {
		sess.Node.Classical.Send(qkd.EndOfStream{})
		res.MessagesSent++
	}
	res.Detected = res.Rounds

	m, err := sess.AwaitMessage(ctx)
	if err != nil {
		return qkd.Result{}, fmt.Errorf("awaiting kept indices: %w", err)
	}
	res.MessagesReceived++
	ia, ok := m.(qkd.IndexAnnouncement)
	if !ok {
		return qkd.Result{}, fmt.Errorf("expected index announcement, got %T", m)
	}
	res.Sifted = len(ia.Indices)

	// Under free-running loss the receiver indexes detected qubits rather
	// than sent ones, so its announcement is taken loosely.
	var key bitarray.Dense
	if s.mode == qkd.ModeFreeRunning {
		key = qkd.SelectIndicesLoose(bits, ia.Indices)
	} else {
		key, err = qkd.SelectIndices(bits, ia.Indices)
		if err != nil {
			return qkd.Result{}, fmt.Errorf("building sender key: %w", err)
		}
	}
	res.Key = key
	sess.Log.WithFields(logrus.Fields{
		"rounds": res.Rounds,
		"kept":   res.Sifted,
	}).Debug("b92 sender complete")
	return res, nil
}

// Run measures each arrival in a random basis and keeps only conclusive
// outcomes: a click on the "unexpected" result for the basis used. A Z-basis
// click of 1 rules out |0>, so the bit was 1; an X-basis click of 1 (a |->
// detection) rules out |+>, so the bit was 0. The expected keep rate is at
// most one half.
func (r *Receiver) Run(ctx context.Context) (qkd.Result, error) {
	if r.mode == qkd.ModeFreeRunning {
		return r.runFreeRunning(ctx)
	}
	return r.runStrict(ctx)
}

func (r *Receiver) runStrict(ctx context.Context) (qkd.Result, error) {
	sess := r.sess
	mem := sess.Node.Memory
	bases := bitarray.Random(sess.Rand, sess.KeySize)
	var key bitarray.Dense
	var kept []int
	var res qkd.Result

	for i := 0; i < sess.KeySize; i++ {
		q, err := sess.AwaitQubit(ctx)
		if err != nil {
			return qkd.Result{}, fmt.Errorf("round %d: %w", i, err)
		}
		if err := mem.Put(encodeSlot, q); err != nil {
			return qkd.Result{}, err
		}
		basis := quantum.Z
		if bases.Get(i) {
			basis = quantum.X
		}
		bit, err := mem.Measure(encodeSlot, basis)
		if err != nil {
			return qkd.Result{}, err
		}
		res.Rounds++
		res.Detected++
		if bit == 1 {
			kept = append(kept, i)
			key.AppendBit(basis == quantum.Z)
		}
		if i < sess.KeySize-1 {
			sess.Node.Classical.Send(qkd.Ack{})
			res.MessagesSent++
		}
	}

	return r.finish(key, kept, res)
}

func (r *Receiver) runFreeRunning(ctx context.Context) (qkd.Result, error) {
	sess := r.sess
	mem := sess.Node.Memory
	// Bases are pre-drawn and consumed in arrival order; with loss only a
	// prefix is used.
	bases := bitarray.Random(sess.Rand, sess.KeySize)
	var key bitarray.Dense
	var kept []int
	var res qkd.Result

	detected := 0
	measure := func(q *quantum.Qubit) error {
		if detected >= sess.KeySize {
			return nil
		}
		basis := quantum.Z
		if bases.Get(detected) {
			basis = quantum.X
		}
		bit, ok, err := mem.Detect(q, basis)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if bit == 1 {
			kept = append(kept, detected)
			key.AppendBit(basis == quantum.Z)
		}
		detected++
		return nil
	}

	rounds, err := sess.CollectStream(ctx, measure)
	if err != nil {
		return qkd.Result{}, err
	}
	res.Rounds = rounds
	res.MessagesReceived++
	res.Detected = detected

	return r.finish(key, kept, res)
}

// finish announces the conclusive indices and emits the receiver key.
func (r *Receiver) finish(key bitarray.Dense, kept []int, res qkd.Result) (qkd.Result, error) {
	sess := r.sess
	sess.Node.Classical.Send(qkd.IndexAnnouncement{Indices: kept})
	res.MessagesSent++
	res.Sifted = len(kept)
	res.Key = key
	sess.Log.WithFields(logrus.Fields{
		"detected": res.Detected,
		"kept":     res.Sifted,
	}).Debug("b92 receiver complete")
	return res, nil
}
