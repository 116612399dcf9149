package collcomm

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/unixpickle/shmcoll/p2p"
	"github.com/unixpickle/shmcoll/shmem"
)

// RunCollectiveTests runs a battery of tests on every
// collective under a configuration.
//
// Ranks are Goroutines that share a shmem.HeapMapper and a
// p2p.Mailbox.
func RunCollectiveTests(t *testing.T, cfg Config) {
	for _, numRanks := range []int{1, 2, 3, 5, 8, 17} {
		for _, count := range []int{0, 1, 300} {
			testName := fmt.Sprintf("Ranks=%d,Count=%d", numRanks, count)
			t.Run(testName, func(t *testing.T) {
				runCollectiveBattery(t, cfg, numRanks, count)
			})
		}
	}
}

func runCollectiveBattery(t *testing.T, cfg Config, numRanks, count int) {
	inputs := make([][]int64, numRanks)
	sum := make([]int64, count)
	for i := range inputs {
		inputs[i] = make([]int64, count)
		for j := range inputs[i] {
			inputs[i][j] = rand.Int63n(1000) - 500
			sum[j] += inputs[i][j]
		}
	}
	roots := []int{0, numRanks - 1, numRanks / 2}

	mapper := &shmem.HeapMapper{}
	mailbox := p2p.NewMailbox(numRanks)
	err := Spawn(shmem.NewName(), numRanks, func(c *NodeComm) error {
		ctx := context.Background()
		s, err := Open(c, cfg, Env{Mapper: mapper, Transport: mailbox.Endpoint(c.Rank())})
		if err != nil {
			return err
		}
		for _, root := range roots {
			buf := make([]int64, count)
			if c.Rank() == root {
				copy(buf, inputs[root])
			}
			if err := s.Bcast(ctx, Int64s(buf), root); err != nil {
				return err
			}
			if diff := cmp.Diff(inputs[root], buf); diff != "" {
				t.Errorf("bcast from %d: rank %d mismatch (-want +got):\n%s", root, c.Rank(), diff)
			}

			in := append([]int64{}, inputs[c.Rank()]...)
			out := make([]int64, count)
			if err := s.Reduce(ctx, Int64s(in), Int64s(out), SumInt64, root); err != nil {
				return err
			}
			if diff := cmp.Diff(inputs[c.Rank()], in); diff != "" {
				t.Errorf("reduce to %d: rank %d input modified:\n%s", root, c.Rank(), diff)
			}
			if c.Rank() == root {
				if diff := cmp.Diff(sum, out); diff != "" {
					t.Errorf("reduce to %d: wrong sum (-want +got):\n%s", root, diff)
				}
			}
		}

		out := make([]int64, count)
		if err := s.Allreduce(ctx, Int64s(inputs[c.Rank()]), Int64s(out), SumInt64); err != nil {
			return err
		}
		if diff := cmp.Diff(sum, out); diff != "" {
			t.Errorf("allreduce: rank %d has wrong sum (-want +got):\n%s", c.Rank(), diff)
		}

		if err := s.Barrier(ctx); err != nil {
			return err
		}
		return s.Close()
	})
	if err != nil {
		t.Fatal(err)
	}
}
