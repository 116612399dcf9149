package simnet

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/unixpickle/shmcoll/p2p"
)

var _ p2p.Transport = (*Endpoint)(nil)

func TestNetworkTiming(t *testing.T) {
	loop := NewEventLoop()
	network := NewNetwork(loop, 2, 0.5, 100)

	var arrivals []float64
	network.Spawn(func(e *Endpoint) {
		ctx := context.Background()
		if e.Rank() == 0 {
			for i := 0; i < 3; i++ {
				if err := e.Send(ctx, 1, make([]byte, 100)); err != nil {
					t.Error(err)
				}
			}
			return
		}
		for i := 0; i < 3; i++ {
			if err := e.Recv(ctx, 0, make([]byte, 100)); err != nil {
				t.Error(err)
			}
			arrivals = append(arrivals, e.Handle().Time())
		}
	})
	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}

	// The link sends one message per time unit, and every
	// message pays the latency once.
	expected := []float64{1.5, 2.5, 3.5}
	for i, x := range expected {
		if math.Abs(arrivals[i]-x) > 1e-9 {
			t.Errorf("arrival %d: expected %f but got %f", i, x, arrivals[i])
		}
	}
}

func TestNetworkMatching(t *testing.T) {
	loop := NewEventLoop()
	network := NewNetwork(loop, 3, 0.1, 0)

	network.Spawn(func(e *Endpoint) {
		ctx := context.Background()
		switch e.Rank() {
		case 0, 1:
			for i := 0; i < 5; i++ {
				msg := []byte{byte(e.Rank()), byte(i)}
				if err := e.Send(ctx, 2, msg); err != nil {
					t.Error(err)
				}
			}
		case 2:
			// Drain rank 1 first, even though rank 0's
			// messages arrive interleaved with it.
			for _, src := range []int{1, 0} {
				for i := 0; i < 5; i++ {
					buf := make([]byte, 2)
					if err := e.Recv(ctx, src, buf); err != nil {
						t.Error(err)
					} else if buf[0] != byte(src) || buf[1] != byte(i) {
						t.Errorf("expected (%d, %d) but got %v", src, i, buf)
					}
				}
			}
		}
	})
	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
}

func TestNetworkSynchronousDeadlock(t *testing.T) {
	for _, synchronous := range []bool{false, true} {
		loop := NewEventLoop()
		network := NewNetwork(loop, 2, 1, 0)
		network.Synchronous = synchronous

		// Both ranks send before receiving, which only
		// works if sends are buffered.
		network.Spawn(func(e *Endpoint) {
			ctx := context.Background()
			peer := 1 - e.Rank()
			if err := e.Send(ctx, peer, []byte{1}); err != nil {
				t.Error(err)
			}
			if err := e.Recv(ctx, peer, make([]byte, 1)); err != nil {
				t.Error(err)
			}
		})
		err := loop.Run()
		if synchronous && !errors.Is(err, ErrDeadlock) {
			t.Errorf("synchronous exchange should deadlock, got %v", err)
		} else if !synchronous && err != nil {
			t.Errorf("buffered exchange failed: %v", err)
		}
	}
}

func TestNetworkTruncation(t *testing.T) {
	loop := NewEventLoop()
	network := NewNetwork(loop, 2, 1, 0)
	network.Synchronous = true
	network.Spawn(func(e *Endpoint) {
		ctx := context.Background()
		if e.Rank() == 0 {
			if err := e.Send(ctx, 1, []byte("abc")); err != nil {
				t.Error(err)
			}
		} else if err := e.Recv(ctx, 0, make([]byte, 2)); !errors.Is(err, p2p.ErrTruncated) {
			t.Errorf("expected ErrTruncated but got %v", err)
		}
	})
	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
}
