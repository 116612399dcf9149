package collcomm

import (
	"fmt"
	"sort"
	"strings"
)

// An Operation is a kind of collective call.
type Operation int

const (
	OpBcast Operation = iota
	OpReduce
	OpAllreduce
)

var operations = []Operation{OpBcast, OpReduce, OpAllreduce}

func (o Operation) String() string {
	switch o {
	case OpBcast:
		return "bcast"
	case OpReduce:
		return "reduce"
	case OpAllreduce:
		return "allreduce"
	}
	return fmt.Sprintf("Operation(%d)", int(o))
}

// An AlgorithmID identifies one engine for one or more
// operations.
type AlgorithmID int

const (
	// AlgAuto defers the choice to call time.
	AlgAuto AlgorithmID = iota

	// AlgFlat broadcasts through a single shared buffer.
	AlgFlat

	// AlgBinomial broadcasts down a binomial tree of shared
	// buffers.
	AlgBinomial

	// AlgLinear reduces by letting the root combine one
	// shared slot per process.
	AlgLinear

	// AlgTree reduces pairwise along a binomial tree.
	AlgTree

	// AlgReduceBcast runs an allreduce as a shared-memory
	// reduce followed by a shared-memory broadcast.
	AlgReduceBcast

	// AlgPt2pt runs a Plan of point-to-point messages.
	AlgPt2pt
)

var algorithmNames = map[AlgorithmID]string{
	AlgAuto:        AutoAlgorithm,
	AlgFlat:        "flat",
	AlgBinomial:    "binomial",
	AlgLinear:      "linear",
	AlgTree:        "tree",
	AlgReduceBcast: "reduce_bcast",
	AlgPt2pt:       "pt2pt",
}

// supported lists the algorithms that may be configured
// for each operation.
var supported = map[Operation][]AlgorithmID{
	OpBcast:     {AlgAuto, AlgFlat, AlgBinomial, AlgPt2pt},
	OpReduce:    {AlgAuto, AlgLinear, AlgTree, AlgPt2pt},
	OpAllreduce: {AlgAuto, AlgReduceBcast, AlgPt2pt},
}

func (a AlgorithmID) String() string {
	if name, ok := algorithmNames[a]; ok {
		return name
	}
	return fmt.Sprintf("AlgorithmID(%d)", int(a))
}

// ParseAlgorithm looks up an algorithm name for op.
func ParseAlgorithm(op Operation, name string) (AlgorithmID, error) {
	for _, id := range supported[op] {
		if algorithmNames[id] == name {
			return id, nil
		}
	}
	var names []string
	for _, id := range supported[op] {
		names = append(names, algorithmNames[id])
	}
	sort.Strings(names)
	return 0, fmt.Errorf("%w: unknown %s algorithm %q (expected one of %s)",
		ErrInvalidConfiguration, op, name, strings.Join(names, ", "))
}

// A Registry maps each operation to an algorithm.
//
// The configured choice is resolved once, when the Registry
// is created, and the Registry is read-only afterwards.
type Registry struct {
	cfg     Config
	choices map[Operation]AlgorithmID
}

// NewRegistry resolves the algorithm names in cfg.
//
// It fails with ErrInvalidConfiguration for an unknown
// name or a negative tuning value.
func NewRegistry(cfg Config) (*Registry, error) {
	if err := cfg.validateTuning(); err != nil {
		return nil, err
	}
	names := map[Operation]string{
		OpBcast:     cfg.BcastAlgorithm,
		OpReduce:    cfg.ReduceAlgorithm,
		OpAllreduce: cfg.AllreduceAlgorithm,
	}
	choices := map[Operation]AlgorithmID{}
	for _, op := range operations {
		id, err := ParseAlgorithm(op, names[op])
		if err != nil {
			return nil, err
		}
		choices[op] = id
	}
	return &Registry{cfg: cfg, choices: choices}, nil
}

// Config returns the configuration the Registry was built
// from.
func (r *Registry) Config() Config {
	return r.cfg
}

// Resolve returns the configured algorithm for op, which
// may be AlgAuto.
func (r *Registry) Resolve(op Operation) AlgorithmID {
	id, ok := r.choices[op]
	if !ok {
		panic("unknown operation: " + op.String())
	}
	return id
}

// Select returns the concrete algorithm to run op with on
// a payload of the given number of bytes among n
// processes.
//
// It is a pure function of its arguments, so every process
// that makes the same call selects the same engine.
func (r *Registry) Select(op Operation, bytes, n int) AlgorithmID {
	if id := r.Resolve(op); id != AlgAuto {
		return id
	}
	if n <= 1 || bytes > r.cfg.ScratchThreshold {
		return AlgPt2pt
	}
	return r.sharedChoice(op, bytes, n)
}

// sharedChoice picks between the shared-memory engines for
// op without considering the scratch threshold.
func (r *Registry) sharedChoice(op Operation, bytes, n int) AlgorithmID {
	small := bytes <= r.cfg.FlatMaxBytes && n <= r.cfg.FlatMaxRanks
	switch op {
	case OpBcast:
		if small {
			return AlgFlat
		}
		return AlgBinomial
	case OpReduce:
		if small {
			return AlgLinear
		}
		return AlgTree
	case OpAllreduce:
		return AlgReduceBcast
	}
	panic("unknown operation: " + op.String())
}
