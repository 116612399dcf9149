package collcomm

import (
	"context"
	"fmt"

	"github.com/unixpickle/shmcoll/p2p"
)

// A StepKind is one kind of action in a Plan.
type StepKind int

const (
	// StepLoad copies the input into the accumulator.
	StepLoad StepKind = iota

	// StepSend sends the accumulator to Peer.
	StepSend

	// StepRecv receives from Peer into the accumulator.
	StepRecv

	// StepRecvHold receives from Peer into a holding
	// buffer.
	StepRecvHold

	// StepReduceHeld sets acc = acc (op) held.
	StepReduceHeld

	// StepReduceHeldFront sets acc = held (op) acc.
	StepReduceHeldFront

	// StepReduceInput sets acc = acc (op) input.
	StepReduceInput
)

func (k StepKind) String() string {
	switch k {
	case StepLoad:
		return "load"
	case StepSend:
		return "send"
	case StepRecv:
		return "recv"
	case StepRecvHold:
		return "recv_hold"
	case StepReduceHeld:
		return "reduce_held"
	case StepReduceHeldFront:
		return "reduce_held_front"
	case StepReduceInput:
		return "reduce_input"
	}
	return fmt.Sprintf("StepKind(%d)", int(k))
}

// A Step is one action of a Plan.
// Peer is only meaningful for sends and receives.
type Step struct {
	Kind StepKind
	Peer int
}

func (s Step) String() string {
	switch s.Kind {
	case StepSend, StepRecv, StepRecvHold:
		return fmt.Sprintf("%s(%d)", s.Kind, s.Peer)
	}
	return s.Kind.String()
}

// A Plan is the sequence of steps one process executes to
// carry out a collective with point-to-point messages.
//
// The plans built for the processes of a node match up:
// every send has exactly one receive, and executing them
// with synchronous sends cannot deadlock.
type Plan struct {
	Steps []Step
}

func (p *Plan) add(kind StepKind, peer int) {
	p.Steps = append(p.Steps, Step{Kind: kind, Peer: peer})
}

// NumMessages counts the sends in the plan.
func (p Plan) NumMessages() int {
	var res int
	for _, s := range p.Steps {
		if s.Kind == StepSend {
			res++
		}
	}
	return res
}

// BcastPlan creates a binomial-tree broadcast plan.
//
// The accumulator holds the root's data before the plan
// runs and every process's copy afterwards.
func BcastPlan(n, rank, root int) Plan {
	checkPlanArgs(n, rank, root)
	var p Plan
	rel := relativeRank(rank, root, n)
	if rel != 0 {
		p.add(StepRecv, absoluteRank(treeParent(rel), root, n))
	}
	for _, child := range treeChildren(rel, n) {
		p.add(StepSend, absoluteRank(child, root, n))
	}
	return p
}

// ReducePlan creates an all-to-root reduction plan.
//
// The root receives operands in increasing rank order and
// folds each one in as it arrives, leaving the result in
// its accumulator.
func ReducePlan(n, rank, root int) Plan {
	checkPlanArgs(n, rank, root)
	var p Plan
	if rank != root {
		p.add(StepLoad, 0)
		p.add(StepSend, root)
		return p
	}
	for i := 0; i < n; i++ {
		switch {
		case i == 0 && i == root:
			p.add(StepLoad, 0)
		case i == 0:
			p.add(StepRecv, i)
		case i == root:
			p.add(StepReduceInput, 0)
		default:
			p.add(StepRecvHold, i)
			p.add(StepReduceHeld, 0)
		}
	}
	return p
}

// AllreducePlan creates a plan that leaves the reduction
// of every input in every accumulator.
//
// For a power of two number of processes, it uses
// recursive doubling, where the lower rank of each pair
// sends first.
// Otherwise, it reduces to rank 0 and broadcasts from
// there.
func AllreducePlan(n, rank int) Plan {
	checkPlanArgs(n, rank, 0)
	if n&(n-1) != 0 {
		p := ReducePlan(n, rank, 0)
		p.Steps = append(p.Steps, BcastPlan(n, rank, 0).Steps...)
		return p
	}
	var p Plan
	p.add(StepLoad, 0)
	for mask := 1; mask < n; mask <<= 1 {
		partner := rank ^ mask
		if rank < partner {
			p.add(StepSend, partner)
			p.add(StepRecvHold, partner)
			p.add(StepReduceHeld, 0)
		} else {
			p.add(StepRecvHold, partner)
			p.add(StepSend, partner)
			p.add(StepReduceHeldFront, 0)
		}
	}
	return p
}

// Execute runs a plan over t.
//
// The input is only read by load and reduce steps, and fn
// is only needed by reduce steps.
// Transport errors are returned unchanged.
func Execute(ctx context.Context, t p2p.Transport, p Plan, acc, input []byte, fn ReduceFn) error {
	var held []byte
	for _, step := range p.Steps {
		switch step.Kind {
		case StepSend, StepRecv, StepRecvHold:
			if t == nil {
				return ErrNoTransport
			}
		}
		switch step.Kind {
		case StepLoad:
			copy(acc, input)
		case StepSend:
			if err := t.Send(ctx, step.Peer, acc); err != nil {
				return err
			}
		case StepRecv:
			if err := t.Recv(ctx, step.Peer, acc); err != nil {
				return err
			}
		case StepRecvHold:
			if held == nil {
				held = make([]byte, len(acc))
			}
			if err := t.Recv(ctx, step.Peer, held); err != nil {
				return err
			}
		case StepReduceHeld:
			fn(acc, held)
		case StepReduceHeldFront:
			fn(held, acc)
			copy(acc, held)
		case StepReduceInput:
			fn(acc, input)
		default:
			panic("unknown step: " + step.String())
		}
	}
	return nil
}

func checkPlanArgs(n, rank, root int) {
	if n <= 0 {
		panic("plan needs at least one process")
	}
	if rank < 0 || rank >= n {
		panic("rank out of range")
	}
	if root < 0 || root >= n {
		panic("root out of range")
	}
}
