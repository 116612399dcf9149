// Package p2p defines the point-to-point primitive that
// collective fallbacks are built on, along with an
// in-process implementation.
package p2p

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTruncated is returned when a received message does
	// not have the length the receiver expected.
	ErrTruncated = errors.New("p2p: message length mismatch")

	// ErrBadRank is returned for a peer outside the node.
	ErrBadRank = errors.New("p2p: rank out of range")
)

// A Transport sends and receives byte messages between the
// processes of a node, addressed by node-local rank.
//
// Send and Recv block until the buffer may be reused.
// Messages between one ordered pair of ranks are received
// in the order they were sent.
type Transport interface {
	Send(ctx context.Context, dst int, data []byte) error
	Recv(ctx context.Context, src int, buf []byte) error
}

// A Mailbox connects a fixed set of in-process ranks.
//
// Sends are synchronous: Send does not return until the
// matching Recv has taken the message.
// This makes any ordering mistake in a communication
// pattern show up as a hang instead of being hidden by
// buffering.
type Mailbox struct {
	// links[src][dst] carries messages from src to dst.
	links [][]chan []byte
}

// NewMailbox creates a Mailbox for size ranks.
func NewMailbox(size int) *Mailbox {
	links := make([][]chan []byte, size)
	for i := range links {
		links[i] = make([]chan []byte, size)
		for j := range links[i] {
			links[i][j] = make(chan []byte)
		}
	}
	return &Mailbox{links: links}
}

// Size returns the number of ranks.
func (m *Mailbox) Size() int {
	return len(m.links)
}

// Endpoint returns the Transport used by rank.
func (m *Mailbox) Endpoint(rank int) *Endpoint {
	if rank < 0 || rank >= len(m.links) {
		panic("rank out of range")
	}
	return &Endpoint{mailbox: m, rank: rank}
}

// An Endpoint is one rank's Transport on a Mailbox.
type Endpoint struct {
	mailbox *Mailbox
	rank    int
}

// Rank returns the rank that owns the Endpoint.
func (e *Endpoint) Rank() int {
	return e.rank
}

// Send delivers a copy of data to dst.
func (e *Endpoint) Send(ctx context.Context, dst int, data []byte) error {
	if dst < 0 || dst >= e.mailbox.Size() || dst == e.rank {
		return fmt.Errorf("%w: send from %d to %d", ErrBadRank, e.rank, dst)
	}
	msg := append([]byte{}, data...)
	select {
	case e.mailbox.links[e.rank][dst] <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv receives the next message from src into buf.
func (e *Endpoint) Recv(ctx context.Context, src int, buf []byte) error {
	if src < 0 || src >= e.mailbox.Size() || src == e.rank {
		return fmt.Errorf("%w: receive on %d from %d", ErrBadRank, e.rank, src)
	}
	select {
	case msg := <-e.mailbox.links[src][e.rank]:
		if len(msg) != len(buf) {
			return fmt.Errorf("%w: got %d bytes from %d, expected %d", ErrTruncated, len(msg),
				src, len(buf))
		}
		copy(buf, msg)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
