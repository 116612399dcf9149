package collcomm

import (
	"fmt"

	"github.com/unixpickle/essentials"
	"golang.org/x/sync/errgroup"
)

// A NodeComm describes the processes that share one
// machine, from the point of view of one of them.
//
// A NodeComm is immutable.
type NodeComm struct {
	name  string
	ranks []int
	rank  int
}

// NewNodeComm creates a communicator from the global ranks
// of every process on the node and the global rank of the
// calling process.
//
// Node-local ranks are assigned in increasing order of
// global rank, so every member computes the same mapping.
// The name identifies the node's shared region and must be
// the same in every member.
func NewNodeComm(name string, globalRanks []int, self int) (*NodeComm, error) {
	if len(globalRanks) == 0 {
		return nil, fmt.Errorf("node communicator %s has no members", name)
	}
	ranks := append([]int{}, globalRanks...)
	essentials.VoodooSort(ranks, func(i, j int) bool {
		return ranks[i] < ranks[j]
	})
	local := -1
	for i, r := range ranks {
		if i > 0 && ranks[i-1] == r {
			return nil, fmt.Errorf("node communicator %s: duplicate global rank %d", name, r)
		}
		if r == self {
			local = i
		}
	}
	if local < 0 {
		return nil, fmt.Errorf("node communicator %s: global rank %d is not a member", name, self)
	}
	return &NodeComm{name: name, ranks: ranks, rank: local}, nil
}

// Name returns the name shared by every member.
func (c *NodeComm) Name() string {
	return c.name
}

// Size gets the number of processes on the node.
func (c *NodeComm) Size() int {
	return len(c.ranks)
}

// Rank returns the node-local rank of the calling process.
func (c *NodeComm) Rank() int {
	return c.rank
}

// GlobalRank maps a node-local rank to a global rank.
func (c *NodeComm) GlobalRank(local int) int {
	return c.ranks[local]
}

// LocalRank maps a global rank to a node-local rank.
// The second result is false if the process is not on
// this node.
func (c *NodeComm) LocalRank(global int) (int, bool) {
	for i, r := range c.ranks {
		if r == global {
			return i, true
		}
	}
	return 0, false
}

// Spawn creates a NodeComm for every one of n ranks and
// calls f for each of them in its own Goroutine.
//
// It returns the first error returned by any f once all of
// them have returned.
func Spawn(name string, n int, f func(c *NodeComm) error) error {
	globals := make([]int, n)
	for i := range globals {
		globals[i] = i
	}
	var g errgroup.Group
	for i := 0; i < n; i++ {
		comm, err := NewNodeComm(name, globals, i)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return f(comm)
		})
	}
	return g.Wait()
}
