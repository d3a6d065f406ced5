package netsim

import (
	"math"

	"github.com/sirupsen/logrus"
	exprand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/qkdlab/qkdsim/quantum"
)

// channelBuffer bounds the number of undelivered qubits or classical
// messages in flight. Free-running senders stream an entire key's worth of
// qubits before the receiver drains, so this must comfortably exceed any
// reasonable key size.
const channelBuffer = 1 << 13

// fibreSpeed is the signal propagation speed in fibre, km per second.
const fibreSpeed = 2e5

// A QuantumChannel is the unidirectional, lossy, dephasing qubit transport
// between the two nodes. Transmission either schedules a delayed delivery or
// silently loses the qubit; loss is a non-event, never an error.
type QuantumChannel struct {
	cfg      ChannelConfig
	ch       chan *quantum.Qubit
	loss     distuv.Bernoulli
	rand     *exprand.Rand
	pDephase float64
	delay    int64

	sent int
	lost int
}

func newQuantumChannel(cfg ChannelConfig, seed uint64) *QuantumChannel {
	src := exprand.NewSource(seed)
	pLoss := 1 - (1-cfg.LossInit)*math.Pow(10, -cfg.LossPerLength*cfg.Length/10)
	transit := cfg.Length / fibreSpeed
	return &QuantumChannel{
		cfg:      cfg,
		ch:       make(chan *quantum.Qubit, channelBuffer),
		loss:     distuv.Bernoulli{P: pLoss, Src: src},
		rand:     exprand.New(src),
		pDephase: 1 - math.Exp(-cfg.DephaseRate*transit),
		delay:    int64(transit * 1e9),
	}
}

// Transmit sends a qubit towards the receiving node. A lost qubit produces
// no receive event at the far end.
func (c *QuantumChannel) Transmit(q *quantum.Qubit) {
	c.sent++
	if c.loss.Rand() == 1 {
		c.lost++
		logrus.WithFields(logrus.Fields{
			"sent": c.sent,
			"lost": c.lost,
		}).Debug("qubit lost in fibre")
		return
	}
	if c.pDephase > 0 && c.rand.Float64() < c.pDephase {
		q.ApplyZ()
	}
	c.ch <- q
}

// C exposes the delivery queue for use in select loops. Receivers own this
// end exclusively.
func (c *QuantumChannel) C() <-chan *quantum.Qubit { return c.ch }

// TryReceive performs a non-blocking receive, used to drain deliveries that
// were already in flight when an end-of-stream marker arrived.
func (c *QuantumChannel) TryReceive() (*quantum.Qubit, bool) {
	select {
	case q := <-c.ch:
		return q, true
	default:
		return nil, false
	}
}

// Delay returns the one-way propagation delay in simulated nanoseconds.
func (c *QuantumChannel) Delay() int64 { return c.delay }

// Sent and Lost report transmission counters for diagnostics.
func (c *QuantumChannel) Sent() int { return c.sent }
func (c *QuantumChannel) Lost() int { return c.lost }

// A Message is a classical payload exchanged between the two protocol
// engines. Payloads are typed Go values; there is no wire encoding.
type Message any

// An Endpoint is one node's view of the bidirectional classical link: it
// owns the outbound direction towards its peer and an inbound queue of
// arrivals. The link is reliable and FIFO per direction, with a fixed
// positive delay.
type Endpoint struct {
	out   chan<- Message
	in    <-chan Message
	delay int64
}

// Send enqueues a message for delayed delivery to the peer.
func (e *Endpoint) Send(m Message) {
	e.out <- m
}

// C exposes the inbound queue for use in select loops.
func (e *Endpoint) C() <-chan Message { return e.in }

// Delay returns the one-way delay in simulated nanoseconds.
func (e *Endpoint) Delay() int64 { return e.delay }

// newClassicalLink builds the two endpoints of a bidirectional classical
// channel with the given one-way delay.
func newClassicalLink(delay int64) (*Endpoint, *Endpoint) {
	ab := make(chan Message, channelBuffer)
	ba := make(chan Message, channelBuffer)
	a := &Endpoint{out: ab, in: ba, delay: delay}
	b := &Endpoint{out: ba, in: ab, delay: delay}
	return a, b
}
