package collcomm

import (
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(EnvBcastAlgorithm, "binomial")
	t.Setenv(EnvReduceAlgorithm, "tree")
	t.Setenv(EnvScratchThreshold, "1024")
	t.Setenv(EnvFlatMaxRanks, "not-a-number")

	cfg := ConfigFromEnv(testr.New(t))
	expected := DefaultConfig()
	expected.BcastAlgorithm = "binomial"
	expected.ReduceAlgorithm = "tree"
	expected.ScratchThreshold = 1024
	require.Equal(t, expected, cfg)

	reg, err := NewRegistry(cfg)
	require.NoError(t, err)
	require.Equal(t, AlgBinomial, reg.Resolve(OpBcast))
	require.Equal(t, AlgAuto, reg.Resolve(OpAllreduce))
}

func TestConfigFromEnvUnknownAlgorithm(t *testing.T) {
	t.Setenv(EnvAllreduceAlgorithm, "ring")
	_, err := NewRegistry(ConfigFromEnv(testr.New(t)))
	require.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestConfigFlags(t *testing.T) {
	cfg := DefaultConfig()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--reduce-algorithm=linear", "--flat-max-bytes", "16"}))
	require.Equal(t, "linear", cfg.ReduceAlgorithm)
	require.Equal(t, 16, cfg.FlatMaxBytes)
	require.Equal(t, AutoAlgorithm, cfg.BcastAlgorithm)
}
