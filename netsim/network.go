package netsim

import (
	"fmt"
	"math/rand"
)

// A NetworkConfig composes one quantum/classical channel description with
// the two node memories.
type NetworkConfig struct {
	Channel ChannelConfig
	Alice   MemoryConfig
	Bob     MemoryConfig

	// Seed fixes all physical-layer randomness: channel loss and
	// dephasing, memory noise, and source bias sampling. Identical
	// configs with identical seeds reproduce identical runs.
	Seed int64
}

// A Node is one party's endpoint bundle: its quantum memory, the quantum
// channel, and its classical endpoint. Each node's memory is exclusively
// owned by that node's protocol engine.
type Node struct {
	Name      string
	Memory    *Memory
	Quantum   *QuantumChannel
	Classical *Endpoint
}

// A Network is a freshly built two-party topology. Channel and memory state
// is not resettable: every simulation run builds a new Network.
type Network struct {
	Alice *Node
	Bob   *Node
}

// NewNetwork validates the configuration and assembles the topology: one
// quantum transport from Alice to Bob and one bidirectional classical link.
func NewNetwork(cfg NetworkConfig) (*Network, error) {
	if err := cfg.Channel.validate(); err != nil {
		return nil, fmt.Errorf("channel config: %w", err)
	}
	if err := cfg.Alice.validate(); err != nil {
		return nil, fmt.Errorf("alice memory config: %w", err)
	}
	if err := cfg.Bob.validate(); err != nil {
		return nil, fmt.Errorf("bob memory config: %w", err)
	}

	qc := newQuantumChannel(cfg.Channel, uint64(cfg.Seed)+1)
	ca, cb := newClassicalLink(cfg.Channel.ClassicalDelay)
	alice := &Node{
		Name:      "alice",
		Memory:    newMemory(cfg.Alice, rand.New(rand.NewSource(cfg.Seed+2))),
		Quantum:   qc,
		Classical: ca,
	}
	bob := &Node{
		Name:      "bob",
		Memory:    newMemory(cfg.Bob, rand.New(rand.NewSource(cfg.Seed+3))),
		Quantum:   qc,
		Classical: cb,
	}
	return &Network{Alice: alice, Bob: bob}, nil
}
