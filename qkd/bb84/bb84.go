// Package bb84 implements the sender and receiver state machines for the
// BB84 protocol: random bit and basis per round, conjugate-basis encoding,
// basis reconciliation over the classical link, and index-set sifting.
package bb84

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

// A Sender drives the key-originating side of a BB84 exchange.
type Sender struct {
	sess *qkd.Session
	mode qkd.Mode
}

// NewSender validates the session against the requested mode.
func NewSender(sess *qkd.Session, mode qkd.Mode) (*Sender, error) {
	if sess == nil {
		return nil, fmt.Errorf("bb84: must provide session")
	}
	if sess.Role != qkd.RoleSender {
		return nil, fmt.Errorf("bb84: sender requires a sender session, got %v", sess.Role)
	}
	if mode == qkd.ModeFreeRunning && !sess.Node.Memory.HasSource() {
		return nil, fmt.Errorf("bb84: free-running sender requires a qubit source")
	}
	return &Sender{sess: sess, mode: mode}, nil
}

// A Receiver drives the measuring side of a BB84 exchange.
type Receiver struct {
	sess *qkd.Session
	mode qkd.Mode
}

// NewReceiver validates the session against the requested mode.
func NewReceiver(sess *qkd.Session, mode qkd.Mode) (*Receiver, error) {
	if sess == nil {
		return nil, fmt.Errorf("bb84: must provide session")
	}
	if sess.Role != qkd.RoleReceiver {
		return nil, fmt.Errorf("bb84: receiver requires a receiver session, got %v", sess.Role)
	}
	if mode == qkd.ModeFreeRunning && !sess.Node.Memory.HasDetectors() {
		return nil, fmt.Errorf("bb84: free-running receiver requires detectors")
	}
	return &Receiver{sess: sess, mode: mode}, nil
}

// Run executes the sender state machine to completion and emits the sifted
// key. The returned result is final: rerunning requires a fresh session and
// network.
func (s *Sender) Run(ctx context.Context) (qkd.Result, error) {
	sess := s.sess
	bits := bitarray.Random(sess.Rand, sess.KeySize)
	bases := bitarray.Random(sess.Rand, sess.KeySize)
	var res qkd.Result

	if err := s.transmit(ctx, bits, bases, &res); err != nil {
		return qkd.Result{}, err
	}

	m, err := sess.AwaitMessage(ctx)
	if err != nil {
		return qkd.Result{}, fmt.Errorf("awaiting basis announcement: %w", err)
	}
	res.MessagesReceived++
	ba, ok := m.(qkd.BasisAnnouncement)
	if !ok {
		return qkd.Result{}, fmt.Errorf("expected basis announcement, got %T", m)
	}

	matched := qkd.MatchedIndices(qkd.BasisBytes(bases), ba.Bases)
	if s.mode == qkd.ModeFreeRunning && len(matched) > 0 {
		// The final matched bit is reserved as a consistency check and
		// discarded from the key.
		matched = matched[:len(matched)-1]
	}
	sess.Node.Classical.Send(qkd.IndexAnnouncement{Indices: matched})
	res.MessagesSent++
	res.Sifted = len(matched)

	key, err := qkd.SelectIndices(bits, matched)
	if err != nil {
		return qkd.Result{}, fmt.Errorf("building sender key: %w", err)
	}
	res.Key = key
	sess.Log.WithFields(logrus.Fields{
		"rounds": res.Rounds,
		"sifted": res.Sifted,
	}).Debug("bb84 sender complete")
	return res, nil
}

func (s *Sender) transmit(ctx context.Context, bits, bases bitarray.Dense, res *qkd.Result) error {
	sess := s.sess
	mem := sess.Node.Memory
	for i := 0; i < sess.KeySize; i++ {
		bit, basis := b2i(bits.Get(i)), b2i(bases.Get(i))
		if s.mode == qkd.ModeFreeRunning {
			q, err := mem.SourceQubit()
			if err != nil {
				return err
			}
			if err := mem.Put(encodeSlot, q); err != nil {
				return err
			}
			// Source qubits arrive pre-initialized; encode without OpInit.
			var prog netsim.Program
			if bit == 1 {
				prog = append(prog, netsim.OpX)
			}
			if basis == 1 {
				prog = append(prog, netsim.OpH)
			}
			if err := mem.Run(prog, encodeSlot); err != nil {
				return err
			}
		} else {
			if err := mem.Run(netsim.EncodeProgram(bit, basis), encodeSlot); err != nil {
				return err
			}
		}
		q, err := mem.Pop(encodeSlot)
		if err != nil {
			return err
		}
		sess.Node.Quantum.Transmit(q)
		res.Rounds++
		if s.mode == qkd.ModeStrict && i < sess.KeySize-1 {
			if err := sess.AwaitAck(ctx); err != nil {
				return fmt.Errorf("round %d: %w", i, err)
			}
			res.MessagesReceived++
		}
	}
	if s.mode == qkd.ModeFreeRunning {
		sess.Node.Classical.Send(qkd.EndOfStream{})
		res.MessagesSent++
	}
	res.Detected = res.Rounds
	return nil
}

// Run executes the receiver state machine to completion and emits the sifted
// key.
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
	var results bitarray.Dense
	var res qkd.Result

	for i := 0; i < sess.KeySize; i++ {
		q, err := sess.AwaitQubit(ctx)
		if err != nil {
			return qkd.Result{}, fmt.Errorf("round %d: %w", i, err)
		}
		if err := mem.Put(encodeSlot, q); err != nil {
			return qkd.Result{}, err
		}
		bit, err := mem.Measure(encodeSlot, measureBasis(bases.Get(i)))
		if err != nil {
			return qkd.Result{}, err
		}
		results.AppendBit(bit == 1)
		res.Rounds++
		res.Detected++
		if i < sess.KeySize-1 {
			sess.Node.Classical.Send(qkd.Ack{})
			res.MessagesSent++
		}
	}

	return r.finish(ctx, qkd.BasisBytes(bases), results, res, false)
}

func (r *Receiver) runFreeRunning(ctx context.Context) (qkd.Result, error) {
	sess := r.sess
	mem := sess.Node.Memory
	// Bases are pre-drawn and consumed in arrival order; with loss only a
	// prefix is used.
	bases := bitarray.Random(sess.Rand, sess.KeySize)
	var results bitarray.Dense
	var res qkd.Result

	detected := 0
	measure := func(q *quantum.Qubit) error {
		if detected >= sess.KeySize {
			return nil
		}
		bit, ok, err := mem.Detect(q, measureBasis(bases.Get(detected)))
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		results.AppendBit(bit == 1)
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

	announced, err := bases.Slice(0, detected)
	if err != nil {
		return qkd.Result{}, err
	}
	return r.finish(ctx, qkd.BasisBytes(announced), results, res, true)
}

// finish runs the tail shared by both receiver variants: announce bases,
// await the surviving index set, and build the key.
func (r *Receiver) finish(ctx context.Context, bases []byte, results bitarray.Dense, res qkd.Result, loose bool) (qkd.Result, error) {
	sess := r.sess
	sess.Node.Classical.Send(qkd.BasisAnnouncement{Bases: bases})
	res.MessagesSent++

	m, err := sess.AwaitMessage(ctx)
	if err != nil {
		return qkd.Result{}, fmt.Errorf("awaiting matched indices: %w", err)
	}
	res.MessagesReceived++
	ia, ok := m.(qkd.IndexAnnouncement)
	if !ok {
		return qkd.Result{}, fmt.Errorf("expected index announcement, got %T", m)
	}
	res.Sifted = len(ia.Indices)

	if loose {
		res.Key = qkd.SelectIndicesLoose(results, ia.Indices)
	} else {
		res.Key, err = qkd.SelectIndices(results, ia.Indices)
		if err != nil {
			return qkd.Result{}, fmt.Errorf("building receiver key: %w", err)
		}
	}
	sess.Log.WithFields(logrus.Fields{
		"detected": res.Detected,
		"sifted":   res.Sifted,
	}).Debug("bb84 receiver complete")
	return res, nil
}

func measureBasis(b bool) quantum.Basis {
	if b {
		return quantum.X
	}
	return quantum.Z
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
