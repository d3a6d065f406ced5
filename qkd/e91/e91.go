// Package e91 implements the sender and receiver state machines for the
// entanglement-based E91 protocol. The sender creates a Bell pair per round,
// keeps one half, and transmits the other; both parties measure in one of
// three bases drawn from a shared table, where the third basis carries an
// inverted readout convention. Sifting then proceeds as in BB84 over the
// indices where the basis draws agree. The strict variant paces pairs on
// per-qubit acknowledgments; the free-running variant streams halves from an
// entangled-pair source and measures arrivals on passive detectors.
package e91

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/qkdlab/qkdsim/bitarray"
	"github.com/qkdlab/qkdsim/qkd"
	"github.com/qkdlab/qkdsim/quantum"
)

const (
	retainSlot   = 0
	transmitSlot = 1
)

// A basisSpec is one entry of the shared three-basis measurement table. The
// CHSH-style basis set needs three settings per side; Inverted flags the
// readout convention that must be flipped to align signs with the other two.
type basisSpec struct {
	Meas     quantum.Basis
	Inverted bool
}

var basisTable = [3]basisSpec{
	{Meas: quantum.Z},
	{Meas: quantum.X},
	{Meas: quantum.X, Inverted: true},
}

// A Sender drives the pair-originating side of an E91 exchange.
type Sender struct {
	sess *qkd.Session
	mode qkd.Mode
}

// NewSender validates the session against the requested mode. Holding an
// entangled half while its partner is in flight needs a second memory slot
// in the strict variant; the free-running variant draws pairs from an
// attached entangled-pair source instead.
func NewSender(sess *qkd.Session, mode qkd.Mode) (*Sender, error) {
	if sess == nil {
		return nil, fmt.Errorf("e91: must provide session")
	}
	if sess.Role != qkd.RoleSender {
		return nil, fmt.Errorf("e91: sender requires a sender session, got %v", sess.Role)
	}
	if mode == qkd.ModeFreeRunning {
		if !sess.Node.Memory.HasSource() {
			return nil, fmt.Errorf("e91: free-running sender requires an entangled-pair source")
		}
	} else if sess.Node.Memory.Capacity() < 2 {
		return nil, fmt.Errorf("e91: sender memory needs capacity >= 2, got %d", sess.Node.Memory.Capacity())
	}
	return &Sender{sess: sess, mode: mode}, nil
}

// A Receiver drives the measuring side of an E91 exchange.
type Receiver struct {
	sess *qkd.Session
	mode qkd.Mode
}

// NewReceiver validates the session against the requested mode.
func NewReceiver(sess *qkd.Session, mode qkd.Mode) (*Receiver, error) {
	if sess == nil {
		return nil, fmt.Errorf("e91: must provide session")
	}
	if sess.Role != qkd.RoleReceiver {
		return nil, fmt.Errorf("e91: receiver requires a receiver session, got %v", sess.Role)
	}
	if mode == qkd.ModeFreeRunning && !sess.Node.Memory.HasDetectors() {
		return nil, fmt.Errorf("e91: free-running receiver requires detectors")
	}
	return &Receiver{sess: sess, mode: mode}, nil
}

// Run executes the sender state machine: entangle, retain, transmit, and
// measure, then reconcile bases and sift.
func (s *Sender) Run(ctx context.Context) (qkd.Result, error) {
	sess := s.sess
	mem := sess.Node.Memory
	bases := make([]byte, sess.KeySize)
	var outcomes bitarray.Dense
	var res qkd.Result

	for i := 0; i < sess.KeySize; i++ {
		var partner *quantum.Qubit
		if s.mode == qkd.ModeFreeRunning {
			a, b, err := mem.SourcePair()
			if err != nil {
				return qkd.Result{}, err
			}
			if err := mem.Put(retainSlot, a); err != nil {
				return qkd.Result{}, err
			}
			partner = b
		} else {
			if err := mem.Entangle(retainSlot, transmitSlot); err != nil {
				return qkd.Result{}, err
			}
		}
		bases[i] = byte(sess.Rand.Intn(len(basisTable)))
		spec := basisTable[bases[i]]
		// Measure the retained half before its partner enters the fibre,
		// so the shared pair state is never driven from both ends at once.
		bit, err := mem.Measure(retainSlot, spec.Meas)
		if err != nil {
			return qkd.Result{}, err
		}
		if spec.Inverted {
			bit = 1 - bit
		}
		outcomes.AppendBit(bit == 1)

		if s.mode != qkd.ModeFreeRunning {
			partner, err = mem.Pop(transmitSlot)
			if err != nil {
				return qkd.Result{}, err
			}
		}
		sess.Node.Quantum.Transmit(partner)
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
		return qkd.Result{}, fmt.Errorf("awaiting basis announcement: %w", err)
	}
	res.MessagesReceived++
	ba, ok := m.(qkd.BasisAnnouncement)
	if !ok {
		return qkd.Result{}, fmt.Errorf("expected basis announcement, got %T", m)
	}

	matched := qkd.MatchedIndices(bases, ba.Bases)
	if s.mode == qkd.ModeFreeRunning && len(matched) > 0 {
		// The final matched bit is reserved as a consistency check and
		// discarded from the key.
		matched = matched[:len(matched)-1]
	}
	sess.Node.Classical.Send(qkd.IndexAnnouncement{Indices: matched})
	res.MessagesSent++
	res.Sifted = len(matched)

	key, err := qkd.SelectIndices(outcomes, matched)
	if err != nil {
		return qkd.Result{}, fmt.Errorf("building sender key: %w", err)
	}
	res.Key = key
	sess.Log.WithFields(logrus.Fields{
		"rounds": res.Rounds,
		"sifted": res.Sifted,
	}).Debug("e91 sender complete")
	return res, nil
}

// Run executes the receiver state machine: measure each arriving half in a
// random basis from the shared table, announce bases, and sift.
func (r *Receiver) Run(ctx context.Context) (qkd.Result, error) {
	if r.mode == qkd.ModeFreeRunning {
		return r.runFreeRunning(ctx)
	}
	return r.runStrict(ctx)
}

func (r *Receiver) runStrict(ctx context.Context) (qkd.Result, error) {
	sess := r.sess
	mem := sess.Node.Memory
	bases := make([]byte, sess.KeySize)
	var outcomes bitarray.Dense
	var res qkd.Result

	for i := 0; i < sess.KeySize; i++ {
		q, err := sess.AwaitQubit(ctx)
		if err != nil {
			return qkd.Result{}, fmt.Errorf("round %d: %w", i, err)
		}
		if err := mem.Put(retainSlot, q); err != nil {
			return qkd.Result{}, err
		}
		bases[i] = byte(sess.Rand.Intn(len(basisTable)))
		spec := basisTable[bases[i]]
		bit, err := mem.Measure(retainSlot, spec.Meas)
		if err != nil {
			return qkd.Result{}, err
		}
		if spec.Inverted {
			bit = 1 - bit
		}
		outcomes.AppendBit(bit == 1)
		res.Rounds++
		res.Detected++
		if i < sess.KeySize-1 {
			sess.Node.Classical.Send(qkd.Ack{})
			res.MessagesSent++
		}
	}

	return r.finish(ctx, bases, outcomes, res, false)
}

func (r *Receiver) runFreeRunning(ctx context.Context) (qkd.Result, error) {
	sess := r.sess
	mem := sess.Node.Memory
	// Basis draws are pre-computed and consumed in arrival order.
	bases := make([]byte, sess.KeySize)
	for i := range bases {
		bases[i] = byte(sess.Rand.Intn(len(basisTable)))
	}
	var outcomes bitarray.Dense
	var res qkd.Result

	detected := 0
	measure := func(q *quantum.Qubit) error {
		if detected >= sess.KeySize {
			return nil
		}
		spec := basisTable[bases[detected]]
		bit, ok, err := mem.Detect(q, spec.Meas)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if spec.Inverted {
			bit = 1 - bit
		}
		outcomes.AppendBit(bit == 1)
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

	return r.finish(ctx, bases[:detected], outcomes, res, true)
}

// finish runs the tail shared by both receiver variants: announce bases,
// await the matched index set, and build the key.
func (r *Receiver) finish(ctx context.Context, bases []byte, outcomes bitarray.Dense, res qkd.Result, loose bool) (qkd.Result, error) {
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
		res.Key = qkd.SelectIndicesLoose(outcomes, ia.Indices)
	} else {
		res.Key, err = qkd.SelectIndices(outcomes, ia.Indices)
		if err != nil {
			return qkd.Result{}, fmt.Errorf("building receiver key: %w", err)
		}
	}
	sess.Log.WithFields(logrus.Fields{
		"detected": res.Detected,
		"sifted":   res.Sifted,
	}).Debug("e91 receiver complete")
	return res, nil
}
