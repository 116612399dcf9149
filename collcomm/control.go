package collcomm

import (
	"errors"
	"math/bits"

	"github.com/unixpickle/shmcoll/rendezvous"
	"github.com/unixpickle/shmcoll/shmem"
)

// errNoScratch signals that a shared-memory engine could
// not place its buffers and the call must degrade.
var errNoScratch = errors.New("collcomm: shared scratch exhausted")

// control is the rendezvous state of a node, placed at the
// start of the region at a statically known offset.
//
// Every word sits on its own cache line.
type control struct {
	barrier  *rendezvous.Barrier
	ready    *rendezvous.Flag
	arrivals *rendezvous.Counter
	flags    []*rendezvous.Flag
}

const (
	barrierCountWord = iota
	barrierReleaseWord
	readyWord
	arrivalsWord
	rankFlagWords
)

func controlSize(n int) int {
	return (rankFlagWords + n) * shmem.CacheLine
}

func newControl(region *shmem.Region, off, n int, spin rendezvous.Spinner) *control {
	word := func(i int) *uint64 {
		return region.Word(off + i*shmem.CacheLine)
	}
	c := &control{
		barrier: rendezvous.NewBarrier(word(barrierCountWord), word(barrierReleaseWord), n,
			spin),
		ready:    rendezvous.NewFlag(word(readyWord), spin),
		arrivals: rendezvous.NewCounter(word(arrivalsWord), spin),
		flags:    make([]*rendezvous.Flag, n),
	}
	for i := range c.flags {
		c.flags[i] = rendezvous.NewFlag(word(rankFlagWords+i), spin)
	}
	return c
}

// slots is a run of equally sized scratch buffers
// allocated for one call.
type slots struct {
	region *shmem.Region
	base   int
	stride int
	size   int
}

func allocSlots(region *shmem.Region, count, size int) (*slots, error) {
	stride := shmem.AlignUp(size)
	base, err := region.Suballocate(stride * count)
	if err != nil {
		return nil, errNoScratch
	}
	return &slots{region: region, base: base, stride: stride, size: size}, nil
}

func (s *slots) at(i int) []byte {
	return s.region.Slice(s.base+i*s.stride, s.size)
}

// treeParent returns the parent of a relative rank in a
// binomial tree rooted at 0, which is the rank with its
// highest set bit cleared.
func treeParent(rel int) int {
	if rel == 0 {
		panic("the root has no parent")
	}
	return rel &^ (1 << (bits.Len(uint(rel)) - 1))
}

// treeChildren returns the children of a relative rank in a
// binomial tree of n nodes rooted at 0, largest subtree
// first.
func treeChildren(rel, n int) []int {
	var res []int
	for j := bits.Len(uint(rel)); rel+(1<<j) < n; j++ {
		res = append([]int{rel + (1 << j)}, res...)
	}
	return res
}

func relativeRank(rank, root, n int) int {
	return (rank - root + n) % n
}

func absoluteRank(rel, root, n int) int {
	return (rel + root) % n
}
