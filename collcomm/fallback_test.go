package collcomm

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/unixpickle/shmcoll/p2p"
	"github.com/unixpickle/shmcoll/simnet"
)

// runPlans executes one plan per rank on a synchronous
// simulated network, so that any mismatched send or
// receive shows up as a deadlock.
func runPlans(t *testing.T, numRanks int, plan func(rank int) Plan, accs, inputs [][]byte,
	fn ReduceFn) float64 {
	loop := simnet.NewEventLoop()
	network := simnet.NewNetwork(loop, numRanks, 0.1, 1000)
	network.Synchronous = true
	network.Spawn(func(e *simnet.Endpoint) {
		rank := e.Rank()
		if err := Execute(context.Background(), e, plan(rank), accs[rank], inputs[rank], fn); err != nil {
			t.Errorf("rank %d: %v", rank, err)
		}
	})
	require.NoError(t, loop.Run())
	return loop.Time()
}

func TestBcastPlan(t *testing.T) {
	for _, numRanks := range []int{1, 2, 3, 7, 8, 13} {
		for root := 0; root < numRanks; root++ {
			t.Run(fmt.Sprintf("Ranks=%d,Root=%d", numRanks, root), func(t *testing.T) {
				accs := make([][]byte, numRanks)
				for i := range accs {
					accs[i] = []byte{byte(i), byte(i * 2)}
				}
				expected := append([]byte{}, accs[root]...)
				runPlans(t, numRanks, func(rank int) Plan {
					return BcastPlan(numRanks, rank, root)
				}, accs, make([][]byte, numRanks), nil)
				for i, acc := range accs {
					require.Equal(t, expected, acc, "rank %d", i)
				}
			})
		}
	}
}

func TestReduceAndAllreducePlans(t *testing.T) {
	for _, numRanks := range []int{1, 2, 3, 4, 6, 8, 16} {
		inputs := make([][]byte, numRanks)
		expected := make([]byte, 4)
		for i := range inputs {
			inputs[i] = []byte{byte(i), byte(3 * i), byte(i * i), 0xf0}
			BitXor(expected, inputs[i])
		}
		newAccs := func() [][]byte {
			accs := make([][]byte, numRanks)
			for i := range accs {
				accs[i] = make([]byte, 4)
			}
			return accs
		}
		t.Run(fmt.Sprintf("Reduce,Ranks=%d", numRanks), func(t *testing.T) {
			for root := 0; root < numRanks; root++ {
				accs := newAccs()
				runPlans(t, numRanks, func(rank int) Plan {
					return ReducePlan(numRanks, rank, root)
				}, accs, inputs, BitXor)
				require.Equal(t, expected, accs[root])
			}
		})
		t.Run(fmt.Sprintf("Allreduce,Ranks=%d", numRanks), func(t *testing.T) {
			accs := newAccs()
			runPlans(t, numRanks, func(rank int) Plan {
				return AllreducePlan(numRanks, rank)
			}, accs, inputs, BitXor)
			for i, acc := range accs {
				require.Equal(t, expected, acc, "rank %d", i)
			}
		})
	}
}

func TestPlanMessageCounts(t *testing.T) {
	for _, numRanks := range []int{1, 2, 5, 8} {
		var bcast, reduce, allreduce int
		for rank := 0; rank < numRanks; rank++ {
			bcast += BcastPlan(numRanks, rank, numRanks-1).NumMessages()
			reduce += ReducePlan(numRanks, rank, 0).NumMessages()
			allreduce += AllreducePlan(numRanks, rank).NumMessages()
		}
		require.Equal(t, numRanks-1, bcast)
		require.Equal(t, numRanks-1, reduce)
		if numRanks == 8 {
			require.Equal(t, 8*3, allreduce)
		} else if numRanks == 5 {
			require.Equal(t, 2*4, allreduce)
		}
	}
}

func TestPlanSteps(t *testing.T) {
	actual := ReducePlan(4, 2, 2).Steps
	expected := []Step{
		{Kind: StepRecv, Peer: 0},
		{Kind: StepRecvHold, Peer: 1},
		{Kind: StepReduceHeld},
		{Kind: StepReduceInput},
		{Kind: StepRecvHold, Peer: 3},
		{Kind: StepReduceHeld},
	}
	if diff := cmp.Diff(expected, actual); diff != "" {
		t.Errorf("unexpected plan (-want +got):\n%s", diff)
	}

	actual = BcastPlan(8, 0, 0).Steps
	expected = []Step{
		{Kind: StepSend, Peer: 4},
		{Kind: StepSend, Peer: 2},
		{Kind: StepSend, Peer: 1},
	}
	if diff := cmp.Diff(expected, actual); diff != "" {
		t.Errorf("unexpected plan (-want +got):\n%s", diff)
	}
}

func TestExecuteErrors(t *testing.T) {
	err := Execute(context.Background(), nil, BcastPlan(2, 0, 0), make([]byte, 1), nil, nil)
	require.ErrorIs(t, err, ErrNoTransport)

	mailbox := p2p.NewMailbox(2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = Execute(ctx, mailbox.Endpoint(1), BcastPlan(2, 1, 0), make([]byte, 1), nil, nil)
	require.True(t, errors.Is(err, context.Canceled), "unexpected error: %v", err)

	// Plans without messages need no transport.
	acc := make([]byte, 2)
	require.NoError(t, Execute(context.Background(), nil, ReducePlan(1, 0, 0), acc, []byte{1, 2},
		BitXor))
	require.Equal(t, []byte{1, 2}, acc)
}
