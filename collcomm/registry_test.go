package collcomm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistrySelect(t *testing.T) {
	cfg := DefaultConfig()
	reg, err := NewRegistry(cfg)
	require.NoError(t, err)

	for _, tc := range []struct {
		op       Operation
		bytes    int
		ranks    int
		expected AlgorithmID
	}{
		{OpBcast, 1024, 1, AlgPt2pt},
		{OpBcast, 1024, 4, AlgFlat},
		{OpBcast, cfg.FlatMaxBytes + 1, 4, AlgBinomial},
		{OpBcast, 1024, cfg.FlatMaxRanks + 1, AlgBinomial},
		{OpBcast, cfg.ScratchThreshold + 1, 8, AlgPt2pt},
		{OpReduce, 0, 2, AlgLinear},
		{OpReduce, cfg.ScratchThreshold, 16, AlgTree},
		{OpReduce, cfg.ScratchThreshold + 1, 16, AlgPt2pt},
		{OpAllreduce, 64, 1, AlgPt2pt},
		{OpAllreduce, 64, 3, AlgReduceBcast},
		{OpAllreduce, cfg.ScratchThreshold + 1, 3, AlgPt2pt},
	} {
		actual := reg.Select(tc.op, tc.bytes, tc.ranks)
		require.Equal(t, tc.expected, actual, "%s of %d bytes on %d ranks", tc.op, tc.bytes,
			tc.ranks)

		// Selection depends on nothing but its arguments.
		require.Equal(t, actual, reg.Select(tc.op, tc.bytes, tc.ranks))
	}
}

func TestRegistryExplicit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BcastAlgorithm = "binomial"
	cfg.ReduceAlgorithm = "pt2pt"
	reg, err := NewRegistry(cfg)
	require.NoError(t, err)

	require.Equal(t, AlgBinomial, reg.Resolve(OpBcast))
	require.Equal(t, AlgPt2pt, reg.Resolve(OpReduce))
	require.Equal(t, AlgAuto, reg.Resolve(OpAllreduce))

	require.Equal(t, AlgBinomial, reg.Select(OpBcast, 1<<30, 2))
	require.Equal(t, AlgPt2pt, reg.Select(OpReduce, 8, 4))
}

func TestRegistryInvalid(t *testing.T) {
	for _, mod := range []func(c *Config){
		func(c *Config) { c.BcastAlgorithm = "linear" },
		func(c *Config) { c.ReduceAlgorithm = "flat" },
		func(c *Config) { c.AllreduceAlgorithm = "" },
		func(c *Config) { c.BcastAlgorithm = "Auto" },
		func(c *Config) { c.ScratchThreshold = -1 },
	} {
		cfg := DefaultConfig()
		mod(&cfg)
		_, err := NewRegistry(cfg)
		if !errors.Is(err, ErrInvalidConfiguration) {
			t.Errorf("config %+v: unexpected error %v", cfg, err)
		}
	}
}

func TestParseAlgorithm(t *testing.T) {
	for op, ids := range supported {
		for _, id := range ids {
			parsed, err := ParseAlgorithm(op, id.String())
			require.NoError(t, err)
			require.Equal(t, id, parsed)
		}
	}
	_, err := ParseAlgorithm(OpAllreduce, "tree")
	require.ErrorIs(t, err, ErrInvalidConfiguration)
	require.Contains(t, err.Error(), "pt2pt, reduce_bcast")
}
