package simnet

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/unixpickle/essentials"

	"github.com/unixpickle/shmcoll/p2p"
)

// A Network connects a fixed number of simulated ranks.
//
// Every ordered pair of ranks has its own link.
// A link transmits one message at a time at Rate bytes per
// unit of virtual time, and each message additionally pays
// Latency before it arrives.
type Network struct {
	// Latency is added to every delivery.
	Latency float64

	// Rate is the bandwidth of a link.
	// If it is 0, transmission is instantaneous.
	Rate float64

	// Synchronous makes Send wait until the receiver has
	// matched the message, like a rendezvous protocol.
	Synchronous bool

	loop      *EventLoop
	endpoints []*Endpoint

	lock      sync.Mutex
	busyUntil map[link]float64
}

type link struct {
	src, dst int
}

type packet struct {
	src  int
	seq  uint64
	data []byte
	ack  *Stream
}

// NewNetwork creates a network of size ranks on a loop.
func NewNetwork(loop *EventLoop, size int, latency, rate float64) *Network {
	n := &Network{
		Latency:   latency,
		Rate:      rate,
		loop:      loop,
		busyUntil: map[link]float64{},
	}
	n.endpoints = make([]*Endpoint, size)
	for i := range n.endpoints {
		n.endpoints[i] = &Endpoint{
			net:      n,
			rank:     i,
			incoming: loop.Stream(),
			acks:     loop.Stream(),
			sendSeq:  make([]uint64, size),
			recvSeq:  make([]uint64, size),
		}
	}
	return n
}

// Size returns the number of ranks.
func (n *Network) Size() int {
	return len(n.endpoints)
}

// Spawn calls f for every rank, each in its own Goroutine
// on the network's EventLoop.
//
// Spawn must be called at most once.
func (n *Network) Spawn(f func(e *Endpoint)) {
	for _, e := range n.endpoints {
		e := e
		n.loop.Go(func(h *Handle) {
			e.handle = h
			f(e)
		})
	}
}

// arrival computes the virtual delay until a message of
// the given size reaches dst.
func (n *Network) arrival(h *Handle, src, dst, size int) float64 {
	n.lock.Lock()
	defer n.lock.Unlock()

	now := h.Time()
	l := link{src: src, dst: dst}
	start := math.Max(now, n.busyUntil[l])
	var transfer float64
	if n.Rate > 0 {
		transfer = float64(size) / n.Rate
	}
	n.busyUntil[l] = start + transfer
	return n.busyUntil[l] + n.Latency - now
}

// An Endpoint is one simulated rank's p2p.Transport.
//
// It may only be used from the Goroutine that Spawn
// started for it.
type Endpoint struct {
	net    *Network
	rank   int
	handle *Handle

	incoming *Stream
	acks     *Stream

	sendSeq []uint64
	recvSeq []uint64
	pending []*packet
}

// Rank returns the rank that owns the Endpoint.
func (e *Endpoint) Rank() int {
	return e.rank
}

// Handle returns the Goroutine's handle on the loop.
func (e *Endpoint) Handle() *Handle {
	return e.handle
}

// Send schedules a copy of data for delivery to dst.
//
// The context is only checked before the message is sent;
// a virtual-time wait cannot be interrupted.
func (e *Endpoint) Send(ctx context.Context, dst int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dst < 0 || dst >= e.net.Size() || dst == e.rank {
		return fmt.Errorf("%w: send from %d to %d", p2p.ErrBadRank, e.rank, dst)
	}
	pkt := &packet{
		src:  e.rank,
		seq:  e.sendSeq[dst],
		data: append([]byte{}, data...),
	}
	e.sendSeq[dst]++
	if e.net.Synchronous {
		pkt.ack = e.acks
	}
	delay := e.net.arrival(e.handle, e.rank, dst, len(data))
	e.handle.Send(e.net.endpoints[dst].incoming, pkt, delay)
	if pkt.ack != nil {
		e.handle.Wait(e.acks)
	}
	return nil
}

// Recv waits for the next message from src.
//
// Messages from other ranks that arrive in the meantime
// are kept until they are asked for.
func (e *Endpoint) Recv(ctx context.Context, src int, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if src < 0 || src >= e.net.Size() || src == e.rank {
		return fmt.Errorf("%w: receive on %d from %d", p2p.ErrBadRank, e.rank, src)
	}
	for {
		for i, pkt := range e.pending {
			if pkt.src == src && pkt.seq == e.recvSeq[src] {
				essentials.OrderedDelete(&e.pending, i)
				return e.accept(pkt, buf)
			}
		}
		e.pending = append(e.pending, e.handle.Wait(e.incoming).(*packet))
	}
}

func (e *Endpoint) accept(pkt *packet, buf []byte) error {
	e.recvSeq[pkt.src]++
	if pkt.ack != nil {
		e.handle.Send(pkt.ack, nil, 0)
	}
	if len(pkt.data) != len(buf) {
		return fmt.Errorf("%w: got %d bytes from %d, expected %d", p2p.ErrTruncated,
			len(pkt.data), pkt.src, len(buf))
	}
	copy(buf, pkt.data)
	return nil
}
