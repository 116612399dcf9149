package collcomm

import (
	"fmt"
	"os"
	"reflect"
	"strconv"

	"github.com/go-logr/logr"
	"github.com/spf13/pflag"

	"github.com/unixpickle/shmcoll/logging"
	"github.com/unixpickle/shmcoll/rendezvous"
)

// Control variable names read by ConfigFromEnv.
const (
	EnvBcastAlgorithm     = "MPIR_CVAR_BCAST_POSIX_INTRA_ALGORITHM"
	EnvReduceAlgorithm    = "MPIR_CVAR_REDUCE_POSIX_INTRA_ALGORITHM"
	EnvAllreduceAlgorithm = "MPIR_CVAR_ALLREDUCE_POSIX_INTRA_ALGORITHM"
	EnvScratchSize        = "SHMCOLL_SCRATCH_SIZE"
	EnvScratchThreshold   = "SHMCOLL_SCRATCH_THRESHOLD"
	EnvFlatMaxBytes       = "SHMCOLL_FLAT_MAX_BYTES"
	EnvFlatMaxRanks       = "SHMCOLL_FLAT_MAX_RANKS"
	EnvSpinsPerYield      = "SHMCOLL_SPINS_PER_YIELD"
)

// AutoAlgorithm is the algorithm name that defers the
// choice to call time.
const AutoAlgorithm = "auto"

// Config is the process-wide configuration of the
// collectives.
//
// Every process on a node must use an identical Config,
// since processes never negotiate which algorithm to run.
type Config struct {
	// Algorithm names per operation, or AutoAlgorithm.
	//
	// The reduce_bcast allreduce runs its two halves with
	// ReduceAlgorithm and BcastAlgorithm when those are set.
	BcastAlgorithm     string
	ReduceAlgorithm    string
	AllreduceAlgorithm string

	// ScratchSize is the number of bytes of the shared
	// region available to a single call.
	ScratchSize int

	// ScratchThreshold is the largest payload that the
	// automatic choice runs through shared memory.
	ScratchThreshold int

	// FlatMaxBytes and FlatMaxRanks bound the calls for
	// which the automatic choice prefers the flat broadcast
	// and the linear reduction over tree algorithms.
	FlatMaxBytes int
	FlatMaxRanks int

	// SpinsPerYield controls busy-waiting; see
	// rendezvous.Spinner.
	SpinsPerYield int
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		BcastAlgorithm:     AutoAlgorithm,
		ReduceAlgorithm:    AutoAlgorithm,
		AllreduceAlgorithm: AutoAlgorithm,
		ScratchSize:        4 << 20,
		ScratchThreshold:   256 << 10,
		FlatMaxBytes:       8 << 10,
		FlatMaxRanks:       8,
		SpinsPerYield:      rendezvous.DefaultSpinsPerYield,
	}
}

// ConfigFromEnv reads the configuration from environment
// variables, falling back to DefaultConfig for unset or
// malformed values.
//
// Algorithm names are not validated here; NewRegistry
// does that.
func ConfigFromEnv(logger logr.Logger) Config {
	c := DefaultConfig()
	c.BcastAlgorithm = getEnvString(EnvBcastAlgorithm, c.BcastAlgorithm, logger)
	c.ReduceAlgorithm = getEnvString(EnvReduceAlgorithm, c.ReduceAlgorithm, logger)
	c.AllreduceAlgorithm = getEnvString(EnvAllreduceAlgorithm, c.AllreduceAlgorithm, logger)
	c.ScratchSize = getEnvInt(EnvScratchSize, c.ScratchSize, logger)
	c.ScratchThreshold = getEnvInt(EnvScratchThreshold, c.ScratchThreshold, logger)
	c.FlatMaxBytes = getEnvInt(EnvFlatMaxBytes, c.FlatMaxBytes, logger)
	c.FlatMaxRanks = getEnvInt(EnvFlatMaxRanks, c.FlatMaxRanks, logger)
	c.SpinsPerYield = getEnvInt(EnvSpinsPerYield, c.SpinsPerYield, logger)
	return c
}

// AddFlags binds the Config fields to command-line flags.
func (c *Config) AddFlags(fs *pflag.FlagSet) {
	if fs == nil {
		fs = pflag.CommandLine
	}
	fs.StringVar(&c.BcastAlgorithm, "bcast-algorithm", c.BcastAlgorithm,
		"Intra-node broadcast algorithm: auto, flat, binomial or pt2pt.")
	fs.StringVar(&c.ReduceAlgorithm, "reduce-algorithm", c.ReduceAlgorithm,
		"Intra-node reduce algorithm: auto, linear, tree or pt2pt.")
	fs.StringVar(&c.AllreduceAlgorithm, "allreduce-algorithm", c.AllreduceAlgorithm,
		"Intra-node allreduce algorithm: auto, reduce_bcast or pt2pt.")
	fs.IntVar(&c.ScratchSize, "scratch-size", c.ScratchSize,
		"Bytes of shared scratch space available to one call.")
	fs.IntVar(&c.ScratchThreshold, "scratch-threshold", c.ScratchThreshold,
		"Largest payload the automatic choice moves through shared memory.")
	fs.IntVar(&c.FlatMaxBytes, "flat-max-bytes", c.FlatMaxBytes,
		"Largest payload for which flat/linear algorithms are preferred.")
	fs.IntVar(&c.FlatMaxRanks, "flat-max-ranks", c.FlatMaxRanks,
		"Largest node size for which flat/linear algorithms are preferred.")
	fs.IntVar(&c.SpinsPerYield, "spins-per-yield", c.SpinsPerYield,
		"Polls between scheduler yields while busy-waiting (0 never yields).")
}

func (c Config) validateTuning() error {
	if c.ScratchSize < 0 || c.ScratchThreshold < 0 || c.FlatMaxBytes < 0 || c.FlatMaxRanks < 0 ||
		c.SpinsPerYield < 0 {
		return fmt.Errorf("%w: negative tuning value in %+v", ErrInvalidConfiguration, c)
	}
	return nil
}

func getEnvWithParser[T any](key string, defaultVal T, parser func(string) (T, error),
	logger logr.Logger) T {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		logger.V(logging.DEBUG).Info("Environment variable not set, using default value",
			"key", key, "defaultValue", defaultVal)
		return defaultVal
	}
	parsedValue, err := parser(valueStr)
	if err != nil {
		logger.Info(fmt.Sprintf("Failed to parse environment variable as %s, using default value",
			reflect.TypeOf(defaultVal)), "key", key, "rawValue", valueStr, "error", err,
			"defaultValue", defaultVal)
		return defaultVal
	}
	logger.V(logging.VERBOSE).Info("Loaded environment variable", "key", key, "value", parsedValue)
	return parsedValue
}

func getEnvInt(key string, defaultVal int, logger logr.Logger) int {
	return getEnvWithParser(key, defaultVal, strconv.Atoi, logger)
}

func getEnvString(key string, defaultVal string, logger logr.Logger) string {
	parser := func(s string) (string, error) { return s, nil }
	return getEnvWithParser(key, defaultVal, parser, logger)
}
