// Package experiment repeatedly instantiates a fresh network and protocol
// pair, runs the pair to completion, and aggregates match/mismatch/QBER
// statistics across runs. Results are returned to the caller per run; there
// is no shared accumulator state.
package experiment

import (
	"context"
	"fmt"
	"math/rand"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"

	"github.com/qkdlab/qkdsim/bitarray"
	"github.com/qkdlab/qkdsim/netsim"
	"github.com/qkdlab/qkdsim/qkd"
	"github.com/qkdlab/qkdsim/qkd/b92"
	"github.com/qkdlab/qkdsim/qkd/bb84"
	"github.com/qkdlab/qkdsim/qkd/e91"
	"github.com/qkdlab/qkdsim/reconcile"
)

// Supported protocol names. The -free variants stream qubits from a source
// without per-qubit acknowledgments.
const (
	ProtocolBB84     = "bb84"
	ProtocolBB84Free = "bb84-free"
	ProtocolB92      = "b92"
	ProtocolB92Free  = "b92-free"
	ProtocolE91      = "e91"
	ProtocolE91Free  = "e91-free"
)

// A Config describes one experiment: a protocol, a channel/memory
// parameterization, and how many runs to aggregate over.
type Config struct {
	Protocol string `yaml:"protocol"`
	KeySize  int    `yaml:"key_size"`
	Runs     int    `yaml:"runs"`
	Seed     int64  `yaml:"seed"`

	FibreLength    float64 `yaml:"fibre_length"`
	DephaseRate    float64 `yaml:"dephase_rate"`
	LossInit       float64 `yaml:"loss_init"`
	LossPerLength  float64 `yaml:"loss_per_length"`
	ClassicalDelay int64   `yaml:"classical_delay"`

	T1         float64 `yaml:"t1"`
	T2         float64 `yaml:"t2"`
	SourceBias float64 `yaml:"source_bias"`

	// Correct runs the reconciliation stage on each key pair.
	Correct bool `yaml:"correct"`
}

// LoadConfig reads an experiment Config from a YAML file.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading experiment config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing experiment config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.KeySize == 0 {
		c.KeySize = 100
	}
	if c.Runs == 0 {
		c.Runs = 1
	}
	if c.ClassicalDelay == 0 {
		c.ClassicalDelay = 10
	}
	if c.Protocol == "" {
		c.Protocol = ProtocolBB84
	}
	// A node memory honors the bias literally, so the perfect-source
	// default is made explicit here.
	if c.SourceBias == 0 {
		c.SourceBias = 1
	}
}

// An Outcome records one run: both raw sifted keys, the optional corrected
// key, and the per-run verdicts the aggregate statistics are built from.
type Outcome struct {
	Run         uuid.UUID
	SenderKey   bitarray.Dense
	ReceiverKey bitarray.Dense
	Corrected   bitarray.Dense

	Matched          bool
	CorrectedMatched bool
	QBER             float64
	Err              error
}

// Stats aggregates outcomes across the runs of one experiment.
type Stats struct {
	Runs             int
	MatchedKeys      int
	MismatchedKeys   int
	CorrectedMatched int
	Failed           int
	AvgQBER          float64
	AvgKeyBits       float64
}

// Run executes the configured experiment. Each run builds a fresh network
// and a fresh session pair; the seed is advanced per run so the whole
// experiment is reproducible from Config alone.
func Run(cfg Config) (Stats, []Outcome, error) {
	cfg.applyDefaults()
	if _, err := engineFactory(cfg.Protocol); err != nil {
		return Stats{}, nil, err
	}

	outcomes := make([]Outcome, 0, cfg.Runs)
	var qbers, keyBits []float64
	stats := Stats{Runs: cfg.Runs}
	for i := 0; i < cfg.Runs; i++ {
		out := runOnce(cfg, cfg.Seed+int64(i)*1000)
		outcomes = append(outcomes, out)
		if out.Err != nil {
			stats.Failed++
			logrus.WithFields(logrus.Fields{
				"run":   out.Run,
				"error": out.Err,
			}).Warn("experiment run failed")
			continue
		}
		if out.Matched {
			stats.MatchedKeys++
		} else {
			stats.MismatchedKeys++
		}
		if out.CorrectedMatched {
			stats.CorrectedMatched++
		}
		qbers = append(qbers, out.QBER)
		keyBits = append(keyBits, float64(out.SenderKey.Size()))
	}
	if len(qbers) > 0 {
		stats.AvgQBER = stat.Mean(qbers, nil)
		stats.AvgKeyBits = stat.Mean(keyBits, nil)
	}
	return stats, outcomes, nil
}

// An engine is either half of a protocol pair.
type engine interface {
	Run(ctx context.Context) (qkd.Result, error)
}

type factory func(sender, receiver *qkd.Session) (engine, engine, error)

func engineFactory(protocol string) (factory, error) {
	switch protocol {
	case ProtocolBB84:
		return func(ss, rs *qkd.Session) (engine, engine, error) {
			s, err := bb84.NewSender(ss, qkd.ModeStrict)
			if err != nil {
				return nil, nil, err
			}
			r, err := bb84.NewReceiver(rs, qkd.ModeStrict)
			return s, r, err
		}, nil
	case ProtocolBB84Free:
		return func(ss, rs *qkd.Session) (engine, engine, error) {
			s, err := bb84.NewSender(ss, qkd.ModeFreeRunning)
			if err != nil {
				return nil, nil, err
			}
			r, err := bb84.NewReceiver(rs, qkd.ModeFreeRunning)
			return s, r, err
		}, nil
	case ProtocolB92:
		return func(ss, rs *qkd.Session) (engine, engine, error) {
			s, err := b92.NewSender(ss, qkd.ModeStrict)
			if err != nil {
				return nil, nil, err
			}
			r, err := b92.NewReceiver(rs, qkd.ModeStrict)
			return s, r, err
		}, nil
	case ProtocolB92Free:
		return func(ss, rs *qkd.Session) (engine, engine, error) {
			s, err := b92.NewSender(ss, qkd.ModeFreeRunning)
			if err != nil {
				return nil, nil, err
			}
			r, err := b92.NewReceiver(rs, qkd.ModeFreeRunning)
			return s, r, err
		}, nil
	case ProtocolE91:
		return func(ss, rs *qkd.Session) (engine, engine, error) {
			s, err := e91.NewSender(ss, qkd.ModeStrict)
			if err != nil {
				return nil, nil, err
			}
			r, err := e91.NewReceiver(rs, qkd.ModeStrict)
			return s, r, err
		}, nil
	case ProtocolE91Free:
		return func(ss, rs *qkd.Session) (engine, engine, error) {
			s, err := e91.NewSender(ss, qkd.ModeFreeRunning)
			if err != nil {
				return nil, nil, err
			}
			r, err := e91.NewReceiver(rs, qkd.ModeFreeRunning)
			return s, r, err
		}, nil
	}
	return nil, fmt.Errorf("unknown protocol %q", protocol)
}

func (c Config) networkConfig(seed int64) netsim.NetworkConfig {
	free := c.Protocol == ProtocolBB84Free || c.Protocol == ProtocolB92Free || c.Protocol == ProtocolE91Free
	return netsim.NetworkConfig{
		Channel: netsim.ChannelConfig{
			Length:         c.FibreLength,
			DephaseRate:    c.DephaseRate,
			LossInit:       c.LossInit,
			LossPerLength:  c.LossPerLength,
			ClassicalDelay: c.ClassicalDelay,
		},
		Alice: netsim.MemoryConfig{
			Capacity:   2, // E91 holds the retained half in a second slot
			T1:         c.T1,
			T2:         c.T2,
			SourceBias: c.SourceBias,
			WithSource: free,
		},
		Bob: netsim.MemoryConfig{
			Capacity:      1,
			T1:            c.T1,
			T2:            c.T2,
			WithDetectors: free,
		},
		Seed: seed,
	}
}

type runResult struct {
	res qkd.Result
	err error
}

func runOnce(cfg Config, seed int64) Outcome {
	out := Outcome{Run: uuid.New()}

	net, err := netsim.NewNetwork(cfg.networkConfig(seed))
	if err != nil {
		out.Err = fmt.Errorf("building network: %w", err)
		return out
	}
	senderSess, err := qkd.NewSession(net.Alice, qkd.RoleSender, cfg.KeySize, rand.New(rand.NewSource(seed+10)))
	if err != nil {
		out.Err = err
		return out
	}
	receiverSess, err := qkd.NewSession(net.Bob, qkd.RoleReceiver, cfg.KeySize, rand.New(rand.NewSource(seed+11)))
	if err != nil {
		out.Err = err
		return out
	}
	build, err := engineFactory(cfg.Protocol)
	if err != nil {
		out.Err = err
		return out
	}
	sender, receiver, err := build(senderSess, receiverSess)
	if err != nil {
		out.Err = err
		return out
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sCh := make(chan runResult, 1)
	rCh := make(chan runResult, 1)
	go func() {
		res, err := sender.Run(ctx)
		if err != nil {
			cancel() // release the peer from any pending wait
		}
		sCh <- runResult{res, err}
	}()
	go func() {
		res, err := receiver.Run(ctx)
		if err != nil {
			cancel()
		}
		rCh <- runResult{res, err}
	}()
	sRes, rRes := <-sCh, <-rCh

	if sRes.err != nil {
		out.Err = fmt.Errorf("sender: %w", sRes.err)
		return out
	}
	if rRes.err != nil {
		out.Err = fmt.Errorf("receiver: %w", rRes.err)
		return out
	}

	out.SenderKey = sRes.res.Key
	out.ReceiverKey = rRes.res.Key
	out.Matched = out.SenderKey.Equal(out.ReceiverKey)
	out.QBER = qkd.QBER(out.SenderKey, out.ReceiverKey)

	if cfg.Correct {
		corrected, err := reconcile.Syndrome{}.Reconcile(out.SenderKey, out.ReceiverKey)
		if err != nil {
			// The run's match verdict stands; only the correction is lost.
			logrus.WithFields(logrus.Fields{
				"run":   out.Run,
				"error": err,
			}).Warn("reconciliation failed")
		} else {
			out.Corrected = corrected
			out.CorrectedMatched = out.SenderKey.Equal(corrected)
		}
	}
	return out
}
