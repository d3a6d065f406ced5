// Package qkd provides the scaffolding shared by the BB84, B92 and E91
// protocol engines: sessions, classical message types, sifting helpers, and
// the per-run result.
//
// Each engine is a pair of sender/receiver state machines driving one
// Session to completion. A session is single-use; a new run requires a fresh
// session over a fresh network.
package qkd

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/qkdlab/qkdsim/netsim"
	"github.com/qkdlab/qkdsim/quantum"
)

// DefaultAckTimeout bounds how long a strict-variant state machine waits for
// a qubit or classical message before declaring the handshake stalled. A
// lost qubit in the strict variant would otherwise deadlock both parties.
const DefaultAckTimeout = 3 * time.Second

// ErrStalled reports that a handshake wait timed out, most likely because a
// qubit whose acknowledgment gates the next transmission was lost in the
// fibre. The free-running variants are the loss-tolerant alternative.
var ErrStalled = errors.New("qkd: handshake stalled")

// A Role names which side of the exchange a state machine drives.
type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleReceiver {
		return "receiver"
	}
	return "sender"
}

// A Session owns one party's endpoints for a single protocol run. It is
// mutated only by the state machine that owns it and is discarded after the
// run completes.
type Session struct {
	// ID identifies the run in logs and experiment records.
	ID uuid.UUID

	// KeySize is the target number of raw bits to exchange.
	KeySize int

	// Role selects the sender or receiver state machine.
	Role Role

	// Node supplies the memory handle and both channel endpoints.
	Node *netsim.Node

	// Rand drives this party's protocol-level randomness: secret bits and
	// basis choices.
	Rand *rand.Rand

	// AckTimeout bounds strict-variant waits. Zero selects
	// DefaultAckTimeout.
	AckTimeout time.Duration

	Log *logrus.Entry
}

// NewSession validates the session parameters, filling in defaults.
func NewSession(node *netsim.Node, role Role, keySize int, r *rand.Rand) (*Session, error) {
	if node == nil {
		return nil, errors.New("qkd: must provide node")
	}
	if keySize < 1 {
		return nil, fmt.Errorf("qkd: key size must be at least 1, got %d", keySize)
	}
	if r == nil {
		return nil, errors.New("qkd: must provide randomness source")
	}
	id := uuid.New()
	return &Session{
		ID:         id,
		KeySize:    keySize,
		Role:       role,
		Node:       node,
		Rand:       r,
		AckTimeout: DefaultAckTimeout,
		Log: logrus.WithFields(logrus.Fields{
			"session": id,
			"node":    node.Name,
			"role":    role.String(),
		}),
	}, nil
}

func (s *Session) ackTimeout() time.Duration {
	if s.AckTimeout <= 0 {
		return DefaultAckTimeout
	}
	return s.AckTimeout
}

// AwaitMessage blocks until a classical message arrives, the context is
// cancelled, or the ack timeout elapses.
func (s *Session) AwaitMessage(ctx context.Context) (netsim.Message, error) {
	select {
	case m := <-s.Node.Classical.C():
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.ackTimeout()):
		return nil, fmt.Errorf("awaiting classical message: %w", ErrStalled)
	}
}

// AwaitQubit blocks until a qubit is delivered, the context is cancelled, or
// the ack timeout elapses. A timeout here usually means the expected qubit
// was lost in the fibre.
func (s *Session) AwaitQubit(ctx context.Context) (*quantum.Qubit, error) {
	select {
	case q := <-s.Node.Quantum.C():
		return q, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.ackTimeout()):
		return nil, fmt.Errorf("awaiting qubit: %w", ErrStalled)
	}
}

// CollectStream receives free-running qubit deliveries, invoking handle per
// arrival, until the end-of-stream marker comes in on the classical link.
// Qubits still queued at that point were transmitted before the marker was
// sent, so they are drained before returning. The count of deliveries seen
// is returned even on error.
func (s *Session) CollectStream(ctx context.Context, handle func(*quantum.Qubit) error) (int, error) {
	rounds := 0
	for {
		select {
		case q := <-s.Node.Quantum.C():
			rounds++
			if err := handle(q); err != nil {
				return rounds, err
			}
		case m := <-s.Node.Classical.C():
			if _, ok := m.(EndOfStream); !ok {
				return rounds, fmt.Errorf("expected end of stream, got %T", m)
			}
			for {
				q, ok := s.Node.Quantum.TryReceive()
				if !ok {
					return rounds, nil
				}
				rounds++
				if err := handle(q); err != nil {
					return rounds, err
				}
			}
		case <-ctx.Done():
			return rounds, ctx.Err()
		}
	}
}

// AwaitAck consumes the next classical message and requires it to be an Ack.
func (s *Session) AwaitAck(ctx context.Context) error {
	m, err := s.AwaitMessage(ctx)
	if err != nil {
		return err
	}
	if _, ok := m.(Ack); !ok {
		return fmt.Errorf("expected ack, got %T", m)
	}
	return nil
}
