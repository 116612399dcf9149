package collcomm

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"github.com/unixpickle/shmcoll/logging"
	"github.com/unixpickle/shmcoll/metrics"
	"github.com/unixpickle/shmcoll/p2p"
	"github.com/unixpickle/shmcoll/rendezvous"
	"github.com/unixpickle/shmcoll/shmem"
)

// Env holds the collaborators of a Subsystem.
type Env struct {
	// Mapper maps the node's shared region.
	// If nil, a default shmem.FileMapper is used.
	Mapper shmem.Mapper

	// Transport carries point-to-point plans.
	// It may be nil if no call ever needs one, in which case
	// such calls fail with ErrNoTransport.
	Transport p2p.Transport

	// Logger defaults to a discarding logger.
	Logger logr.Logger
}

// A Subsystem runs collectives among the processes of one
// node from the point of view of one of them.
//
// Every process of the node must open its own Subsystem
// with the same Config and then make the same sequence of
// collective calls with matching arguments.
// A Subsystem is not safe for concurrent use.
type Subsystem struct {
	comm     *NodeComm
	registry *Registry
	env      Env
	logger   logr.Logger

	region *shmem.Region
	ctl    *control
	epoch  uint64
}

// Open attaches the calling process to its node's shared
// region, creating it if necessary.
//
// Configuration errors are reported before any shared
// memory is touched.
// Open returns once every process of the node has
// attached.
func Open(comm *NodeComm, cfg Config, env Env) (*Subsystem, error) {
	registry, err := NewRegistry(cfg)
	if err != nil {
		return nil, err
	}
	if env.Mapper == nil {
		env.Mapper = &shmem.FileMapper{}
	}
	logger := env.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}
	logger = logger.WithValues("node", comm.Name(), "rank", comm.Rank())

	n := comm.Size()
	region, err := shmem.Acquire(env.Mapper, comm.Name(), controlSize(n)+cfg.ScratchSize, n)
	if err != nil {
		return nil, err
	}
	off, err := region.Suballocate(controlSize(n))
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("%w: %v", ErrResourceExhausted, err), region.Release())
	}
	s := &Subsystem{
		comm:     comm,
		registry: registry,
		env:      env,
		logger:   logger,
		region:   region,
		ctl:      newControl(region, off, n, rendezvous.Spinner{SpinsPerYield: cfg.SpinsPerYield}),
	}
	s.logChoices()
	metrics.SetRegionBytes(region.Capacity())

	if err := s.ctl.barrier.Wait(); err != nil {
		return nil, multierr.Append(err, region.Release())
	}
	return s, nil
}

// Close waits for every process of the node and then
// detaches from the shared region.
func (s *Subsystem) Close() error {
	err := s.ctl.barrier.Wait()
	return multierr.Append(err, s.region.Release())
}

// Comm returns the communicator the Subsystem serves.
func (s *Subsystem) Comm() *NodeComm {
	return s.comm
}

// Registry returns the current algorithm registry.
func (s *Subsystem) Registry() *Registry {
	return s.registry
}

// Reconfigure replaces the algorithm choices and
// thresholds.
//
// Every process of the node must reconfigure at the same
// point in its sequence of calls.
// The shape of the shared region cannot change, so
// ScratchSize and SpinsPerYield must stay the same.
func (s *Subsystem) Reconfigure(cfg Config) error {
	old := s.registry.Config()
	if cfg.ScratchSize != old.ScratchSize || cfg.SpinsPerYield != old.SpinsPerYield {
		return fmt.Errorf("%w: cannot change scratch size or spinning while attached",
			ErrInvalidConfiguration)
	}
	registry, err := NewRegistry(cfg)
	if err != nil {
		return err
	}
	s.registry = registry
	s.logChoices()
	return nil
}

// Bcast copies the root's buffer into the buffer of every
// other process.
func (s *Subsystem) Bcast(ctx context.Context, buf Buffer, root int) error {
	s.checkRoot(root)
	data := buf.Bytes()
	algo := s.registry.Select(OpBcast, len(data), s.comm.Size())
	s.recordCall(OpBcast, algo, len(data))
	return s.bcast(ctx, algo, data, root)
}

// Reduce combines the inputs of all processes with fn,
// lower ranks on the left, and stores the result in the
// root's output buffer.
//
// The output is only used on the root, where it must have
// the same size as the input.
// It may alias the input.
func (s *Subsystem) Reduce(ctx context.Context, in, out Buffer, fn ReduceFn, root int) error {
	s.checkRoot(root)
	data := in.Bytes()
	var result []byte
	if s.comm.Rank() == root {
		result = s.checkOutput(data, out)
	}
	algo := s.registry.Select(OpReduce, len(data), s.comm.Size())
	s.recordCall(OpReduce, algo, len(data))
	return s.reduce(ctx, algo, data, result, fn, root)
}

// Allreduce is like Reduce, except that every process
// receives the result.
func (s *Subsystem) Allreduce(ctx context.Context, in, out Buffer, fn ReduceFn) error {
	data := in.Bytes()
	result := s.checkOutput(data, out)
	n := s.comm.Size()
	algo := s.registry.Select(OpAllreduce, len(data), n)
	s.recordCall(OpAllreduce, algo, len(data))

	if n == 1 {
		copy(result, data)
		return nil
	}
	switch algo {
	case AlgReduceBcast:
		reduceAlgo := s.sharedStep(OpReduce, len(data))
		if err := s.reduce(ctx, reduceAlgo, data, result, fn, 0); err != nil {
			return err
		}
		return s.bcast(ctx, s.sharedStep(OpBcast, len(data)), result, 0)
	case AlgPt2pt:
		return s.pt2ptAllreduce(ctx, data, result, fn)
	}
	panic("unsupported allreduce algorithm: " + algo.String())
}

// Barrier returns once every process of the node has
// called it.
func (s *Subsystem) Barrier(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	metrics.RecordCall("barrier", "counter_flag", 0)
	return s.ctl.barrier.Wait()
}

func (s *Subsystem) bcast(ctx context.Context, algo AlgorithmID, data []byte, root int) error {
	if s.comm.Size() == 1 {
		return nil
	}
	var err error
	switch algo {
	case AlgFlat:
		err = s.flatBcast(data, root)
	case AlgBinomial:
		err = s.binomialBcast(data, root)
	case AlgPt2pt:
		return s.pt2ptBcast(ctx, data, root)
	default:
		panic("unsupported bcast algorithm: " + algo.String())
	}
	if errors.Is(err, errNoScratch) {
		s.degrade(OpBcast, algo, len(data))
		return s.pt2ptBcast(ctx, data, root)
	}
	return err
}

func (s *Subsystem) reduce(ctx context.Context, algo AlgorithmID, in, out []byte, fn ReduceFn,
	root int) error {
	if s.comm.Size() == 1 {
		copy(out, in)
		return nil
	}
	var err error
	switch algo {
	case AlgLinear:
		err = s.linearReduce(in, out, fn, root)
	case AlgTree:
		err = s.treeReduce(in, out, fn, root)
	case AlgPt2pt:
		return s.pt2ptReduce(ctx, in, out, fn, root)
	default:
		panic("unsupported reduce algorithm: " + algo.String())
	}
	if errors.Is(err, errNoScratch) {
		s.degrade(OpReduce, algo, len(in))
		return s.pt2ptReduce(ctx, in, out, fn, root)
	}
	return err
}

func (s *Subsystem) pt2ptBcast(ctx context.Context, data []byte, root int) error {
	plan := BcastPlan(s.comm.Size(), s.comm.Rank(), root)
	return Execute(ctx, s.env.Transport, plan, data, nil, nil)
}

func (s *Subsystem) pt2ptReduce(ctx context.Context, in, out []byte, fn ReduceFn, root int) error {
	acc := make([]byte, len(in))
	plan := ReducePlan(s.comm.Size(), s.comm.Rank(), root)
	if err := Execute(ctx, s.env.Transport, plan, acc, in, fn); err != nil {
		return err
	}
	if s.comm.Rank() == root {
		copy(out, acc)
	}
	return nil
}

func (s *Subsystem) pt2ptAllreduce(ctx context.Context, in, out []byte, fn ReduceFn) error {
	acc := make([]byte, len(in))
	plan := AllreducePlan(s.comm.Size(), s.comm.Rank())
	if err := Execute(ctx, s.env.Transport, plan, acc, in, fn); err != nil {
		return err
	}
	copy(out, acc)
	return nil
}

// sharedStep picks the engine for one half of a
// reduce-then-broadcast allreduce.
//
// An algorithm configured for op is used as is, including
// pt2pt. Otherwise the half runs in shared memory whatever
// the payload size, unless scratch runs out.
func (s *Subsystem) sharedStep(op Operation, bytes int) AlgorithmID {
	if algo := s.registry.Resolve(op); algo != AlgAuto {
		return algo
	}
	return s.registry.sharedChoice(op, bytes, s.comm.Size())
}

// runShared runs one shared-memory engine under a fresh
// epoch and closes the call with a barrier, after which
// the scratch it allocated can be reused.
func (s *Subsystem) runShared(f func(epoch uint64) error) error {
	mark := s.region.Mark()
	defer s.region.Rewind(mark)
	s.epoch++
	if err := f(s.epoch); err != nil {
		return err
	}
	return s.ctl.barrier.Wait()
}

func (s *Subsystem) degrade(op Operation, algo AlgorithmID, bytes int) {
	s.logger.V(logging.VERBOSE).Info("Shared scratch exhausted, using point-to-point plan",
		"operation", op.String(), "algorithm", algo.String(), "bytes", bytes,
		"scratchFree", s.region.Free())
	metrics.RecordDegradation(op.String(), "scratch_exhausted")
}

func (s *Subsystem) recordCall(op Operation, algo AlgorithmID, bytes int) {
	s.logger.V(logging.DEBUG).Info("Selected algorithm", "operation", op.String(),
		"algorithm", algo.String(), "bytes", bytes, "size", s.comm.Size())
	metrics.RecordCall(op.String(), algo.String(), bytes)
}

func (s *Subsystem) logChoices() {
	var keysAndValues []interface{}
	for _, op := range operations {
		keysAndValues = append(keysAndValues, op.String(), s.registry.Resolve(op).String())
	}
	s.logger.V(logging.DEFAULT).Info("Resolved collective algorithms", keysAndValues...)
}

func (s *Subsystem) checkRoot(root int) {
	if root < 0 || root >= s.comm.Size() {
		panic(fmt.Sprintf("root %d out of range for %d processes", root, s.comm.Size()))
	}
}

func (s *Subsystem) checkOutput(in []byte, out Buffer) []byte {
	res := out.Bytes()
	if len(res) != len(in) {
		panic(fmt.Sprintf("output has %d bytes but input has %d", len(res), len(in)))
	}
	return res
}
