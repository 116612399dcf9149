// Package simnet runs point-to-point communication between
// simulated ranks in virtual time.
//
// It is used to check that a communication pattern cannot
// deadlock, and to estimate how long a pattern would take
// on a link with a given latency and bandwidth.
package simnet

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/unixpickle/essentials"
)

// ErrDeadlock is returned by EventLoop.Run when every
// Goroutine is waiting and nothing is in flight.
var ErrDeadlock = errors.New("simnet: deadlock: every Goroutine is waiting")

// A Stream is a queue of messages that at most one
// Goroutine waits on at a time.
type Stream struct {
	loop    *EventLoop
	pending []interface{}
	waiter  chan<- interface{}
}

// A delivery is a message in flight to a Stream.
//
// Deliveries are ordered by arrival time, and deliveries
// that arrive at the same time by the order they were
// sent in, so a simulation is deterministic.
type delivery struct {
	time   float64
	seq    uint64
	stream *Stream
	msg    interface{}
}

type deliveryQueue []*delivery

func (d deliveryQueue) Len() int {
	return len(d)
}

func (d deliveryQueue) Less(i, j int) bool {
	if d[i].time == d[j].time {
		return d[i].seq < d[j].seq
	}
	return d[i].time < d[j].time
}

func (d deliveryQueue) Swap(i, j int) {
	d[i], d[j] = d[j], d[i]
}

func (d *deliveryQueue) Push(x interface{}) {
	*d = append(*d, x.(*delivery))
}

func (d *deliveryQueue) Pop() interface{} {
	old := *d
	res := old[len(old)-1]
	*d = old[:len(old)-1]
	return res
}

// A Handle is one Goroutine's access to an EventLoop.
// Handles must not be shared between Goroutines.
type Handle struct {
	loop *EventLoop
}

// Time returns the current virtual time.
func (h *Handle) Time() float64 {
	return h.loop.Time()
}

// Wait blocks until a message is available on stream and
// returns it.
//
// Virtual time only passes while every Goroutine of the
// loop is inside Wait.
func (h *Handle) Wait(stream *Stream) interface{} {
	h.checkStream(stream)
	ch := make(chan interface{}, 1)
	h.loop.update(func() {
		if stream.waiter != nil {
			panic("two Goroutines wait on one Stream")
		}
		if len(stream.pending) > 0 {
			ch <- stream.pending[0]
			essentials.OrderedDelete(&stream.pending, 0)
			return
		}
		stream.waiter = ch
		h.loop.waiting++
	})
	return <-ch
}

// Send delivers msg on stream after delay units of virtual
// time.
func (h *Handle) Send(stream *Stream, msg interface{}, delay float64) {
	h.checkStream(stream)
	if delay < 0 || math.IsInf(delay, 0) || math.IsNaN(delay) {
		panic(fmt.Sprintf("invalid delay: %f", delay))
	}
	e := h.loop
	e.lock.Lock()
	defer e.lock.Unlock()
	e.seq++
	heap.Push(&e.queue, &delivery{time: e.time + delay, seq: e.seq, stream: stream, msg: msg})
}

// Sleep waits for delay units of virtual time.
func (h *Handle) Sleep(delay float64) {
	stream := h.loop.Stream()
	h.Send(stream, nil, delay)
	h.Wait(stream)
}

func (h *Handle) checkStream(stream *Stream) {
	if stream.loop != h.loop {
		panic("Stream belongs to a different EventLoop")
	}
}

// An EventLoop owns the virtual clock of a simulation.
//
// The clock only advances while every Goroutine started
// with Go is blocked in Wait, so real computation between
// two communication calls takes no virtual time.
type EventLoop struct {
	lock  sync.Mutex
	queue deliveryQueue
	seq   uint64
	time  float64

	// live counts the Goroutines started with Go that have
	// not returned, and waiting those of them inside Wait.
	live    int
	waiting int

	running  bool
	notifyCh chan struct{}
}

// NewEventLoop creates an event loop whose clock starts
// at 0.
func NewEventLoop() *EventLoop {
	return &EventLoop{notifyCh: make(chan struct{}, 1)}
}

// Stream creates a new Stream.
func (e *EventLoop) Stream() *Stream {
	return &Stream{loop: e}
}

// Go runs f in a new Goroutine with its own Handle.
func (e *EventLoop) Go(f func(h *Handle)) {
	e.lock.Lock()
	e.live++
	e.lock.Unlock()
	go func() {
		defer e.update(func() {
			e.live--
		})
		f(&Handle{loop: e})
	}()
}

// Run runs the loop until every Goroutine started with Go
// has returned.
//
// It returns ErrDeadlock if the Goroutines wait on each
// other forever.
// In that case they are left blocked.
func (e *EventLoop) Run() error {
	e.lock.Lock()
	if e.running {
		e.lock.Unlock()
		panic("EventLoop is already running")
	}
	e.running = true
	e.lock.Unlock()

	defer func() {
		e.lock.Lock()
		e.running = false
		e.lock.Unlock()
	}()

	for {
		if done, err := e.step(); done {
			return err
		}
		<-e.notifyCh
	}
}

// MustRun is like Run, but it panics on deadlock.
func (e *EventLoop) MustRun() {
	if err := e.Run(); err != nil {
		panic(err)
	}
}

// Time returns the current virtual time.
func (e *EventLoop) Time() float64 {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.time
}

// update runs f with the loop locked and then wakes up Run
// to check whether time can advance.
func (e *EventLoop) update(f func()) {
	e.lock.Lock()
	f()
	e.lock.Unlock()
	select {
	case e.notifyCh <- struct{}{}:
	default:
	}
}

// step advances the clock to the next delivery that wakes
// up a Goroutine, if every Goroutine is waiting.
//
// The first result is true once the loop is finished,
// either because every Goroutine returned or because of a
// deadlock.
func (e *EventLoop) step() (bool, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.live == 0 {
		return true, nil
	}
	if e.waiting < e.live {
		// Somebody is still computing in real time.
		return false, nil
	}
	for e.queue.Len() > 0 {
		d := heap.Pop(&e.queue).(*delivery)
		e.time = math.Max(e.time, d.time)
		if w := d.stream.waiter; w != nil {
			d.stream.waiter = nil
			e.waiting--
			w <- d.msg
			return false, nil
		}
		d.stream.pending = append(d.stream.pending, d.msg)
	}
	return true, ErrDeadlock
}
