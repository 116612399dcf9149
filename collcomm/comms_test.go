package collcomm

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNodeComm(t *testing.T) {
	c, err := NewNodeComm("node", []int{40, 7, 13, 22}, 22)
	require.NoError(t, err)
	require.Equal(t, 4, c.Size())
	require.Equal(t, 2, c.Rank())
	require.Equal(t, 7, c.GlobalRank(0))
	require.Equal(t, 40, c.GlobalRank(3))

	local, ok := c.LocalRank(13)
	require.True(t, ok)
	require.Equal(t, 1, local)
	_, ok = c.LocalRank(8)
	require.False(t, ok)

	_, err = NewNodeComm("node", []int{1, 2, 1}, 1)
	require.Error(t, err)
	_, err = NewNodeComm("node", []int{1, 2}, 3)
	require.Error(t, err)
	_, err = NewNodeComm("node", nil, 0)
	require.Error(t, err)
}

func TestSpawn(t *testing.T) {
	var seen [5]int32
	err := Spawn("spawn", 5, func(c *NodeComm) error {
		atomic.AddInt32(&seen[c.Rank()], 1)
		if c.Size() != 5 || c.Name() != "spawn" {
			return errors.New("unexpected communicator")
		}
		return nil
	})
	require.NoError(t, err)
	for i, x := range seen {
		require.EqualValues(t, 1, x, "rank %d", i)
	}

	failure := errors.New("rank failed")
	err = Spawn("spawn", 3, func(c *NodeComm) error {
		if c.Rank() == 1 {
			return failure
		}
		return nil
	})
	require.ErrorIs(t, err, failure)
}
