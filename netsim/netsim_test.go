package netsim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qkdlab/qkdsim/quantum"
)

func validConfig() NetworkConfig {
	return NetworkConfig{
		Channel: ChannelConfig{ClassicalDelay: 10},
		Alice:   MemoryConfig{Capacity: 2},
		Bob:     MemoryConfig{Capacity: 1},
		Seed:    1,
	}
}

func TestNewNetworkValidConfig(t *testing.T) {
	net, err := NewNetwork(validConfig())
	require.NoError(t, err)
	assert.Equal(t, "alice", net.Alice.Name)
	assert.Equal(t, "bob", net.Bob.Name)
	assert.Equal(t, 2, net.Alice.Memory.Capacity())
	assert.Same(t, net.Alice.Quantum, net.Bob.Quantum)
}

func TestNewNetworkRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*NetworkConfig)
	}{
		{"negative length", func(c *NetworkConfig) { c.Channel.Length = -1 }},
		{"negative dephase", func(c *NetworkConfig) { c.Channel.DephaseRate = -0.1 }},
		{"loss above one", func(c *NetworkConfig) { c.Channel.LossInit = 1.5 }},
		{"negative loss per length", func(c *NetworkConfig) { c.Channel.LossPerLength = -2 }},
		{"zero classical delay", func(c *NetworkConfig) { c.Channel.ClassicalDelay = 0 }},
		{"zero capacity", func(c *NetworkConfig) { c.Alice.Capacity = 0 }},
		{"t2 above t1", func(c *NetworkConfig) { c.Bob.T1 = 5; c.Bob.T2 = 10 }},
		{"bad source bias", func(c *NetworkConfig) { c.Alice.SourceBias = 2 }},
		{"negative dead time", func(c *NetworkConfig) { c.Bob.DetectorDeadTime = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			_, err := NewNetwork(cfg)
			assert.Error(t, err)
		})
	}
}

func TestEncodeProgramRoundTrip(t *testing.T) {
	net, err := NewNetwork(validConfig())
	require.NoError(t, err)
	mem := net.Alice.Memory

	for _, tc := range []struct {
		bit, basis int
	}{
		{0, 0}, {1, 0}, {0, 1}, {1, 1},
	} {
		require.NoError(t, mem.Run(EncodeProgram(tc.bit, tc.basis), 0))
		basis := quantum.Z
		if tc.basis == 1 {
			basis = quantum.X
		}
		got, err := mem.Measure(0, basis)
		require.NoError(t, err)
		assert.Equal(t, tc.bit, got, "bit=%d basis=%d", tc.bit, tc.basis)
	}
}

func TestMemorySlotDiscipline(t *testing.T) {
	net, err := NewNetwork(validConfig())
	require.NoError(t, err)
	mem := net.Alice.Memory

	_, err = mem.Pop(0)
	assert.Error(t, err, "popping an empty slot")
	_, err = mem.Measure(0, quantum.Z)
	assert.Error(t, err, "measuring an empty slot")
	assert.Error(t, mem.Run(Program{OpX}, 0), "gate on an empty slot")
	assert.Error(t, mem.Run(Program{OpInit}, 5), "slot out of range")

	require.NoError(t, mem.Run(Program{OpInit}, 0))
	require.NoError(t, mem.Put(1, quantum.NewQubit()))
	assert.Error(t, mem.Put(1, quantum.NewQubit()), "slot occupied")
}

func TestMemoryEntangleCorrelatesSlots(t *testing.T) {
	net, err := NewNetwork(validConfig())
	require.NoError(t, err)
	mem := net.Alice.Memory

	for i := 0; i < 20; i++ {
		require.NoError(t, mem.Entangle(0, 1))
		a, err := mem.Measure(0, quantum.Z)
		require.NoError(t, err)
		b, err := mem.Measure(1, quantum.Z)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	}
	assert.Error(t, mem.Entangle(0, 0), "entangling a slot with itself")
}

func TestSourceBiasIsHonoredExactly(t *testing.T) {
	emit := func(t *testing.T, bias float64) int {
		t.Helper()
		cfg := validConfig()
		cfg.Alice.WithSource = true
		cfg.Alice.SourceBias = bias
		net, err := NewNetwork(cfg)
		require.NoError(t, err)
		mem := net.Alice.Memory
		require.True(t, mem.HasSource())
		ones := 0
		for i := 0; i < 20; i++ {
			q, err := mem.SourceQubit()
			require.NoError(t, err)
			require.NoError(t, mem.Put(0, q))
			bit, err := mem.Measure(0, quantum.Z)
			require.NoError(t, err)
			ones += bit
		}
		return ones
	}

	assert.Zero(t, emit(t, 1), "bias 1 emits only |0>")
	assert.Equal(t, 20, emit(t, 0), "bias 0 emits only |1>")

	net, err := NewNetwork(validConfig())
	require.NoError(t, err)
	_, err = net.Bob.Memory.SourceQubit()
	assert.Error(t, err, "bob has no source")
}

func TestSourcePairIsEntangled(t *testing.T) {
	cfg := validConfig()
	cfg.Alice.WithSource = true
	cfg.Alice.SourceBias = 1
	net, err := NewNetwork(cfg)
	require.NoError(t, err)
	mem := net.Alice.Memory

	for i := 0; i < 20; i++ {
		a, b, err := mem.SourcePair()
		require.NoError(t, err)
		require.NoError(t, mem.Put(0, a))
		require.NoError(t, mem.Put(1, b))
		x, err := mem.Measure(0, quantum.Z)
		require.NoError(t, err)
		y, err := mem.Measure(1, quantum.Z)
		require.NoError(t, err)
		assert.Equal(t, x, y)
	}

	_, _, err = net.Bob.Memory.SourcePair()
	assert.Error(t, err, "bob has no source")
}

func TestDetectRequiresDetectors(t *testing.T) {
	net, err := NewNetwork(validConfig())
	require.NoError(t, err)
	_, _, err = net.Bob.Memory.Detect(quantum.NewQubit(), quantum.Z)
	assert.Error(t, err)
}

func TestDetectorDeadTimeDropsBackToBackArrivals(t *testing.T) {
	cfg := validConfig()
	cfg.Bob.WithDetectors = true
	cfg.Bob.DetectorDeadTime = 1 << 30
	net, err := NewNetwork(cfg)
	require.NoError(t, err)
	mem := net.Bob.Memory

	_, ok, err := mem.Detect(quantum.NewQubit(), quantum.Z)
	require.NoError(t, err)
	assert.True(t, ok, "first arrival detected")
	_, ok, err = mem.Detect(quantum.NewQubit(), quantum.Z)
	require.NoError(t, err)
	assert.False(t, ok, "second arrival inside dead time")
}

func TestQuantumChannelLosslessDelivery(t *testing.T) {
	net, err := NewNetwork(validConfig())
	require.NoError(t, err)
	ch := net.Alice.Quantum

	ch.Transmit(quantum.NewQubit())
	q, ok := ch.TryReceive()
	require.True(t, ok)
	assert.NotNil(t, q)
	assert.Equal(t, 1, ch.Sent())
	assert.Equal(t, 0, ch.Lost())
}

func TestQuantumChannelTotalLoss(t *testing.T) {
	cfg := validConfig()
	cfg.Channel.LossInit = 1
	net, err := NewNetwork(cfg)
	require.NoError(t, err)
	ch := net.Alice.Quantum

	for i := 0; i < 10; i++ {
		ch.Transmit(quantum.NewQubit())
	}
	_, ok := ch.TryReceive()
	assert.False(t, ok, "total loss delivers nothing")
	assert.Equal(t, 10, ch.Lost())
}

func TestClassicalLinkIsBidirectionalFIFO(t *testing.T) {
	net, err := NewNetwork(validConfig())
	require.NoError(t, err)

	net.Alice.Classical.Send("one")
	net.Alice.Classical.Send("two")
	net.Bob.Classical.Send("three")

	assert.Equal(t, "one", <-net.Bob.Classical.C())
	assert.Equal(t, "two", <-net.Bob.Classical.C())
	assert.Equal(t, "three", <-net.Alice.Classical.C())
	assert.Equal(t, int64(10), net.Alice.Classical.Delay())
}

func TestMemoryRelaxationDegradesStoredQubits(t *testing.T) {
	cfg := validConfig()
	cfg.Alice.T1 = 2
	cfg.Alice.T2 = 1
	durs := DefaultOpDurations()
	durs.MeasureZ = 1 << 20 // long readout, so the stored |1> ages out
	cfg.Alice.Durations = &durs
	net, err := NewNetwork(cfg)
	require.NoError(t, err)
	mem := net.Alice.Memory

	decayed := 0
	for i := 0; i < 20; i++ {
		require.NoError(t, mem.Run(Program{OpInit, OpX}, 0))
		bit, err := mem.Measure(0, quantum.Z)
		require.NoError(t, err)
		if bit == 0 {
			decayed++
		}
	}
	assert.Equal(t, 20, decayed, "every stored |1> should relax to ground")
}
