package main

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/unixpickle/shmcoll/collcomm"
	"github.com/unixpickle/shmcoll/logging"
	"github.com/unixpickle/shmcoll/metrics"
	"github.com/unixpickle/shmcoll/p2p"
	"github.com/unixpickle/shmcoll/shmem"
	"github.com/unixpickle/shmcoll/simnet"
)

// RunInfo describes a simulated network configuration.
type RunInfo struct {
	NumRanks int
	Latency  float64
	Rate     float64
}

// Run executes one plan per rank on a simulated network
// and returns the virtual time it took.
func (r *RunInfo) Run(size int, plan func(rank int) collcomm.Plan) (float64, error) {
	loop := simnet.NewEventLoop()
	network := simnet.NewNetwork(loop, r.NumRanks, r.Latency, r.Rate)
	var lock sync.Mutex
	var firstErr error
	network.Spawn(func(e *simnet.Endpoint) {
		acc := make([]byte, size)
		err := collcomm.Execute(context.Background(), e, plan(e.Rank()), acc, acc,
			collcomm.BitXor)
		lock.Lock()
		defer lock.Unlock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	})
	if err := loop.Run(); err != nil {
		return 0, err
	}
	return loop.Time(), firstErr
}

func main() {
	cfg := collcomm.DefaultConfig()
	cfg.AddFlags(pflag.CommandLine)
	var verbosity int
	var iters int
	pflag.IntVarP(&verbosity, "verbosity", "v", logging.DEFAULT, "Log verbosity.")
	pflag.IntVar(&iters, "iters", 20, "Calls per measurement of the shared-memory engines.")
	pflag.Parse()

	logger, err := logging.NewLogger(verbosity, true)
	if err != nil {
		panic(err)
	}
	metrics.Register(prometheus.DefaultRegisterer)

	fmt.Println("Shared-memory engines (wall-clock microseconds per call)")
	fmt.Println()
	if err := sharedTable(cfg, iters); err != nil {
		logging.Fatal(logger, err, "Shared-memory benchmark failed")
	}
	fmt.Println()
	fmt.Println("Point-to-point plans (virtual time)")
	fmt.Println()
	if err := planTable(); err != nil {
		logging.Fatal(logger, err, "Plan benchmark failed")
	}
}

func sharedTable(cfg collcomm.Config, iters int) error {
	engines := []struct {
		Name      string
		Bcast     string
		Reduce    string
		Allreduce string
	}{
		{"Flat/Linear", "flat", "linear", "reduce_bcast"},
		{"Binomial/Tree", "binomial", "tree", "reduce_bcast"},
		{"Pt2pt", "pt2pt", "pt2pt", "pt2pt"},
	}

	fmt.Print("| Ranks | Size | Op ")
	for _, engine := range engines {
		fmt.Printf("| %s ", engine.Name)
	}
	fmt.Println("|")
	for i := 0; i < 3+len(engines); i++ {
		fmt.Print("|:--")
	}
	fmt.Println("|")

	for _, numRanks := range []int{2, 4, 8} {
		for _, size := range []int{64, 8 << 10, 1 << 20} {
			for _, op := range []collcomm.Operation{collcomm.OpBcast, collcomm.OpReduce} {
				fmt.Printf("| %d | %d | %s ", numRanks, size, op)
				for _, engine := range engines {
					c := cfg
					c.BcastAlgorithm = engine.Bcast
					c.ReduceAlgorithm = engine.Reduce
					c.AllreduceAlgorithm = engine.Allreduce
					if c.ScratchSize < numRanks*size {
						c.ScratchSize = numRanks * size
					}
					elapsed, err := timeShared(c, op, numRanks, size, iters)
					if err != nil {
						return err
					}
					fmt.Printf("| %.1f ", float64(elapsed.Microseconds())/float64(iters))
				}
				fmt.Println("|")
			}
		}
	}
	return nil
}

func timeShared(cfg collcomm.Config, op collcomm.Operation, numRanks, size,
	iters int) (time.Duration, error) {
	mapper := &shmem.HeapMapper{}
	mailbox := p2p.NewMailbox(numRanks)
	var elapsed time.Duration
	err := collcomm.Spawn(shmem.NewName(), numRanks, func(c *collcomm.NodeComm) error {
		env := collcomm.Env{Mapper: mapper, Transport: mailbox.Endpoint(c.Rank())}
		s, err := collcomm.Open(c, cfg, env)
		if err != nil {
			return err
		}
		ctx := context.Background()
		in := make([]byte, size)
		out := make([]byte, size)
		if err := s.Barrier(ctx); err != nil {
			return err
		}
		start := time.Now()
		for i := 0; i < iters; i++ {
			root := i % numRanks
			switch op {
			case collcomm.OpBcast:
				err = s.Bcast(ctx, collcomm.Bytes(in), root)
			case collcomm.OpReduce:
				err = s.Reduce(ctx, collcomm.Bytes(in), collcomm.Bytes(out), collcomm.BitXor, root)
			}
			if err != nil {
				return err
			}
		}
		if err := s.Barrier(ctx); err != nil {
			return err
		}
		if c.Rank() == 0 {
			elapsed = time.Since(start)
		}
		return s.Close()
	})
	return elapsed, err
}

func planTable() error {
	runs := []RunInfo{
		{NumRanks: 2, Latency: 1e-6, Rate: 1e10},
		{NumRanks: 8, Latency: 1e-6, Rate: 1e10},
		{NumRanks: 16, Latency: 1e-6, Rate: 1e10},
		{NumRanks: 16, Latency: 1e-4, Rate: 1e9},
	}
	planNames := []string{"Bcast", "Reduce", "Allreduce"}

	fmt.Print("| Ranks | Latency | Rate | Size ")
	for _, name := range planNames {
		fmt.Printf("| %s ", name)
	}
	fmt.Println("|")
	for i := 0; i < 4+len(planNames); i++ {
		fmt.Print("|:--")
	}
	fmt.Println("|")

	for _, runInfo := range runs {
		n := runInfo.NumRanks
		plans := []func(rank int) collcomm.Plan{
			func(rank int) collcomm.Plan { return collcomm.BcastPlan(n, rank, 0) },
			func(rank int) collcomm.Plan { return collcomm.ReducePlan(n, rank, 0) },
			func(rank int) collcomm.Plan { return collcomm.AllreducePlan(n, rank) },
		}
		for _, size := range []int{64, 1 << 16, 1 << 22} {
			fmt.Printf(
				"| %d | %s | %s | %d ",
				n,
				strconv.FormatFloat(runInfo.Latency, 'E', -1, 64),
				strconv.FormatFloat(runInfo.Rate, 'E', -1, 64),
				size,
			)
			for _, plan := range plans {
				elapsed, err := runInfo.Run(size, plan)
				if err != nil {
					return err
				}
				fmt.Printf("| %f ", elapsed)
			}
			fmt.Println("|")
		}
	}
	return nil
}
