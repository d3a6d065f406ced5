package bb84_test

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qkdlab/qkdsim/netsim"
	"github.com/qkdlab/qkdsim/qkd"
	"github.com/qkdlab/qkdsim/qkd/bb84"
)

type pairResult struct {
	res qkd.Result
	err error
}

// runPair drives a sender/receiver pair to completion, in the spirit of a
// real exchange: two goroutines racing over the simulated channels.
func runPair(t *testing.T, s, r interface {
	Run(context.Context) (qkd.Result, error)
}) (sRes, rRes qkd.Result) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sCh := make(chan pairResult, 1)
	rCh := make(chan pairResult, 1)
	go func() {
		res, err := s.Run(ctx)
		if err != nil {
			cancel()
		}
		sCh <- pairResult{res, err}
	}()
	go func() {
		res, err := r.Run(ctx)
		if err != nil {
			cancel()
		}
		rCh <- pairResult{res, err}
	}()
	sr, rr := <-sCh, <-rCh
	require.NoError(t, sr.err, "sender")
	require.NoError(t, rr.err, "receiver")
	return sr.res, rr.res
}

func noiselessNetwork(t *testing.T, seed int64, freeRunning bool) *netsim.Network {
	t.Helper()
	net, err := netsim.NewNetwork(netsim.NetworkConfig{
		Channel: netsim.ChannelConfig{ClassicalDelay: 10},
		Alice:   netsim.MemoryConfig{Capacity: 2, WithSource: freeRunning, SourceBias: 1},
		Bob:     netsim.MemoryConfig{Capacity: 1, WithDetectors: freeRunning},
		Seed:    seed,
	})
	require.NoError(t, err)
	return net
}

func sessions(t *testing.T, net *netsim.Network, keySize int, seed int64) (*qkd.Session, *qkd.Session) {
	t.Helper()
	ss, err := qkd.NewSession(net.Alice, qkd.RoleSender, keySize, rand.New(rand.NewSource(seed)))
	require.NoError(t, err)
	rs, err := qkd.NewSession(net.Bob, qkd.RoleReceiver, keySize, rand.New(rand.NewSource(seed+1)))
	require.NoError(t, err)
	return ss, rs
}

func TestStrictNoiselessKeysMatch(t *testing.T) {
	net := noiselessNetwork(t, 1, false)
	ss, rs := sessions(t, net, 15, 100)
	s, err := bb84.NewSender(ss, qkd.ModeStrict)
	require.NoError(t, err)
	r, err := bb84.NewReceiver(rs, qkd.ModeStrict)
	require.NoError(t, err)

	sRes, rRes := runPair(t, s, r)
	assert.NotZero(t, sRes.Key.Size(), "fifteen rounds should sift to a non-empty key")
	assert.Equal(t, sRes.Key.Size(), rRes.Key.Size())
	assert.True(t, sRes.Key.Equal(rRes.Key), "keys: %v vs %v", sRes.Key, rRes.Key)
	assert.LessOrEqual(t, sRes.Key.Size(), 15)
	assert.Equal(t, sRes.Sifted, sRes.Key.Size())
	assert.Equal(t, 15, rRes.Detected)
}

func TestStrictRepeatedRunsAllMatch(t *testing.T) {
	matched := 0
	for i := int64(0); i < 10; i++ {
		net := noiselessNetwork(t, i, false)
		ss, rs := sessions(t, net, 100, 1000+i)
		s, err := bb84.NewSender(ss, qkd.ModeStrict)
		require.NoError(t, err)
		r, err := bb84.NewReceiver(rs, qkd.ModeStrict)
		require.NoError(t, err)
		sRes, rRes := runPair(t, s, r)
		if sRes.Key.Equal(rRes.Key) && sRes.Key.Size() > 0 {
			matched++
		}
	}
	assert.Equal(t, 10, matched, "every noiseless run must agree")
}

func TestStrictIsSeedReproducible(t *testing.T) {
	run := func() (string, string) {
		net := noiselessNetwork(t, 7, false)
		ss, rs := sessions(t, net, 50, 77)
		s, err := bb84.NewSender(ss, qkd.ModeStrict)
		require.NoError(t, err)
		r, err := bb84.NewReceiver(rs, qkd.ModeStrict)
		require.NoError(t, err)
		sRes, rRes := runPair(t, s, r)
		return sRes.Key.String(), rRes.Key.String()
	}
	s1, r1 := run()
	s2, r2 := run()
	assert.Equal(t, s1, s2)
	assert.Equal(t, r1, r2)
}

func TestFreeRunningNoiselessKeysMatch(t *testing.T) {
	net := noiselessNetwork(t, 3, true)
	ss, rs := sessions(t, net, 100, 300)
	s, err := bb84.NewSender(ss, qkd.ModeFreeRunning)
	require.NoError(t, err)
	r, err := bb84.NewReceiver(rs, qkd.ModeFreeRunning)
	require.NoError(t, err)

	sRes, rRes := runPair(t, s, r)
	assert.True(t, sRes.Key.Equal(rRes.Key))
	assert.NotZero(t, sRes.Key.Size())
	// One matched index is reserved as the consistency check.
	assert.Equal(t, sRes.Sifted, sRes.Key.Size())
}

func TestFreeRunningToleratesTotalLoss(t *testing.T) {
	net, err := netsim.NewNetwork(netsim.NetworkConfig{
		Channel: netsim.ChannelConfig{LossInit: 1, ClassicalDelay: 10},
		Alice:   netsim.MemoryConfig{Capacity: 1, WithSource: true, SourceBias: 1},
		Bob:     netsim.MemoryConfig{Capacity: 1, WithDetectors: true},
		Seed:    4,
	})
	require.NoError(t, err)
	ss, rs := sessions(t, net, 50, 400)
	s, err := bb84.NewSender(ss, qkd.ModeFreeRunning)
	require.NoError(t, err)
	r, err := bb84.NewReceiver(rs, qkd.ModeFreeRunning)
	require.NoError(t, err)

	sRes, rRes := runPair(t, s, r)
	assert.Zero(t, rRes.Detected, "every qubit was lost")
	assert.Zero(t, sRes.Key.Size(), "an empty key is valid, not an error")
	assert.Zero(t, rRes.Key.Size())
}

func TestStrictStallsOnLossInsteadOfHanging(t *testing.T) {
	net, err := netsim.NewNetwork(netsim.NetworkConfig{
		Channel: netsim.ChannelConfig{LossInit: 1, ClassicalDelay: 10},
		Alice:   netsim.MemoryConfig{Capacity: 1},
		Bob:     netsim.MemoryConfig{Capacity: 1},
		Seed:    5,
	})
	require.NoError(t, err)
	ss, rs := sessions(t, net, 10, 500)
	ss.AckTimeout = 50 * time.Millisecond
	rs.AckTimeout = 50 * time.Millisecond
	s, err := bb84.NewSender(ss, qkd.ModeStrict)
	require.NoError(t, err)
	r, err := bb84.NewReceiver(rs, qkd.ModeStrict)
	require.NoError(t, err)

	ctx := context.Background()
	errCh := make(chan error, 2)
	go func() { _, err := s.Run(ctx); errCh <- err }()
	go func() { _, err := r.Run(ctx); errCh <- err }()
	err1, err2 := <-errCh, <-errCh
	assert.ErrorIs(t, err1, qkd.ErrStalled)
	assert.ErrorIs(t, err2, qkd.ErrStalled)
}

func TestNewSenderValidation(t *testing.T) {
	net := noiselessNetwork(t, 6, false)
	ss, rs := sessions(t, net, 10, 600)

	_, err := bb84.NewSender(nil, qkd.ModeStrict)
	assert.Error(t, err)
	_, err = bb84.NewSender(rs, qkd.ModeStrict)
	assert.Error(t, err, "receiver session in a sender")
	_, err = bb84.NewSender(ss, qkd.ModeFreeRunning)
	assert.Error(t, err, "free-running without a source")
	_, err = bb84.NewReceiver(ss, qkd.ModeStrict)
	assert.Error(t, err, "sender session in a receiver")
	_, err = bb84.NewReceiver(rs, qkd.ModeFreeRunning)
	assert.Error(t, err, "free-running without detectors")
}
