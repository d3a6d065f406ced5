package experiment_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qkdlab/qkdsim/experiment"
)

func TestNoiselessBB84AllRunsMatch(t *testing.T) {
	stats, outcomes, err := experiment.Run(experiment.Config{
		Protocol: experiment.ProtocolBB84,
		KeySize:  100,
		Runs:     10,
		Seed:     7,
	})
	require.NoError(t, err)
	assert.Equal(t, 10, stats.Runs)
	assert.Equal(t, 10, stats.MatchedKeys)
	assert.Equal(t, 0, stats.MismatchedKeys)
	assert.Equal(t, 0, stats.Failed)
	assert.Zero(t, stats.AvgQBER)
	assert.Greater(t, stats.AvgKeyBits, 0.0)
	require.Len(t, outcomes, 10)
	for _, out := range outcomes {
		require.NoError(t, out.Err)
		assert.True(t, out.Matched)
		assert.NotZero(t, out.Run)
	}
}

func TestAllProtocolsRunNoiseless(t *testing.T) {
	for _, protocol := range []string{
		experiment.ProtocolBB84,
		experiment.ProtocolBB84Free,
		experiment.ProtocolB92,
		experiment.ProtocolB92Free,
		experiment.ProtocolE91,
		experiment.ProtocolE91Free,
	} {
		t.Run(protocol, func(t *testing.T) {
			stats, _, err := experiment.Run(experiment.Config{
				Protocol: protocol,
				KeySize:  60,
				Runs:     3,
				Seed:     11,
			})
			require.NoError(t, err)
			assert.Equal(t, 3, stats.MatchedKeys)
			assert.Equal(t, 0, stats.MismatchedKeys)
			assert.Equal(t, 0, stats.Failed)
		})
	}
}

func TestSeedReproducibility(t *testing.T) {
	cfg := experiment.Config{Protocol: experiment.ProtocolBB84, KeySize: 50, Runs: 2, Seed: 13}
	_, o1, err := experiment.Run(cfg)
	require.NoError(t, err)
	_, o2, err := experiment.Run(cfg)
	require.NoError(t, err)
	require.Len(t, o2, len(o1))
	for i := range o1 {
		assert.True(t, o1[i].SenderKey.Equal(o2[i].SenderKey), "run %d", i)
		assert.True(t, o1[i].ReceiverKey.Equal(o2[i].ReceiverKey), "run %d", i)
	}
}

func TestDistinctSeedsDiverge(t *testing.T) {
	_, o1, err := experiment.Run(experiment.Config{Protocol: experiment.ProtocolBB84, KeySize: 80, Runs: 1, Seed: 1})
	require.NoError(t, err)
	_, o2, err := experiment.Run(experiment.Config{Protocol: experiment.ProtocolBB84, KeySize: 80, Runs: 1, Seed: 2})
	require.NoError(t, err)
	assert.False(t, o1[0].SenderKey.Equal(o2[0].SenderKey))
}

func TestCorrectionRepairsNoisyKeys(t *testing.T) {
	stats, outcomes, err := experiment.Run(experiment.Config{
		Protocol:    experiment.ProtocolBB84,
		KeySize:     100,
		Runs:        5,
		Seed:        17,
		FibreLength: 30,
		DephaseRate: 100,
		Correct:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Failed)
	// Dephasing flips some sifted bits; correction should do no worse than
	// the raw comparison.
	assert.GreaterOrEqual(t, stats.CorrectedMatched, stats.MatchedKeys)
	for _, out := range outcomes {
		require.NoError(t, out.Err)
		if out.Matched {
			assert.True(t, out.CorrectedMatched)
		}
	}
}

func matchedKeys(t *testing.T, cfg experiment.Config) int {
	t.Helper()
	stats, _, err := experiment.Run(cfg)
	require.NoError(t, err)
	require.Zero(t, stats.Failed)
	return stats.MatchedKeys
}

func TestMatchRateMonotoneInDephase(t *testing.T) {
	cfg := experiment.Config{
		Protocol:    experiment.ProtocolBB84,
		KeySize:     100,
		Runs:        10,
		Seed:        23,
		FibreLength: 50,
	}
	var got []int
	for _, rate := range []float64{0, 2000, 1e6} {
		cfg.DephaseRate = rate
		got = append(got, matchedKeys(t, cfg))
	}
	assert.Equal(t, 10, got[0], "noiseless runs all match")
	assert.GreaterOrEqual(t, got[0], got[1], "more dephasing must not improve the match rate")
	assert.GreaterOrEqual(t, got[1], got[2])
}

func TestMatchRateMonotoneInLoss(t *testing.T) {
	cfg := experiment.Config{
		Protocol: experiment.ProtocolBB84Free,
		KeySize:  100,
		Runs:     10,
		Seed:     29,
	}
	var got []int
	for _, loss := range []float64{0, 0.25, 0.5} {
		cfg.LossInit = loss
		got = append(got, matchedKeys(t, cfg))
	}
	assert.Equal(t, 10, got[0], "lossless runs all match")
	assert.GreaterOrEqual(t, got[0], got[1], "more loss must not improve the match rate")
	assert.GreaterOrEqual(t, got[1], got[2])
}

func TestCorrectionUnderLossDoesNotFailRun(t *testing.T) {
	// A refused or ineffective correction must not void the run: the match
	// verdict is computed from the raw keys either way.
	stats, outcomes, err := experiment.Run(experiment.Config{
		Protocol: experiment.ProtocolBB84Free,
		KeySize:  100,
		Runs:     5,
		Seed:     31,
		LossInit: 0.4,
		Correct:  true,
	})
	require.NoError(t, err)
	assert.Zero(t, stats.Failed)
	for _, out := range outcomes {
		require.NoError(t, out.Err)
	}
}

func TestUnknownProtocolRejected(t *testing.T) {
	_, _, err := experiment.Run(experiment.Config{Protocol: "sarg04"})
	assert.ErrorContains(t, err, "unknown protocol")
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"protocol: b92\nkey_size: 250\nruns: 4\nseed: 99\nfibre_length: 12.5\ncorrect: true\n"), 0o644))

	cfg, err := experiment.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, experiment.ProtocolB92, cfg.Protocol)
	assert.Equal(t, 250, cfg.KeySize)
	assert.Equal(t, 4, cfg.Runs)
	assert.Equal(t, int64(99), cfg.Seed)
	assert.Equal(t, 12.5, cfg.FibreLength)
	assert.True(t, cfg.Correct)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := experiment.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("protocol: [unterminated"), 0o644))
	_, err = experiment.LoadConfig(path)
	assert.Error(t, err)
}

func TestInvalidChannelConfigFailsRun(t *testing.T) {
	stats, outcomes, err := experiment.Run(experiment.Config{
		Protocol:       experiment.ProtocolBB84,
		KeySize:        10,
		Runs:           1,
		ClassicalDelay: -5,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	require.Len(t, outcomes, 1)
	assert.Error(t, outcomes[0].Err)
}
