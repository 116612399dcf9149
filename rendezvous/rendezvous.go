// Package rendezvous implements busy-wait synchronization
// between the processes of a node.
//
// Every primitive is a single 64-bit word inside a shared
// region, accessed only through sync/atomic.
// Waiting never blocks on an operating system object and
// never times out.
package rendezvous

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
)

// ErrProtocolViolation is returned when a primitive
// observes a state that correct peers can never produce.
var ErrProtocolViolation = errors.New("rendezvous: protocol violation")

// DefaultSpinsPerYield is the number of polls between two
// calls to runtime.Gosched.
const DefaultSpinsPerYield = 64

// A Spinner polls a condition until it holds.
type Spinner struct {
	// SpinsPerYield is the number of polls between
	// scheduler yields.
	// If it is 0, the Spinner never yields.
	SpinsPerYield int
}

// Until polls cond until it returns true.
func (s Spinner) Until(cond func() bool) {
	for i := 1; !cond(); i++ {
		if s.SpinsPerYield > 0 && i%s.SpinsPerYield == 0 {
			runtime.Gosched()
		}
	}
}

// A Counter is an arrival counter.
//
// Processes arrive by incrementing it, and one process
// waits for the count to reach an expected value.
// Its baseline is 0.
type Counter struct {
	word *uint64
	spin Spinner
}

// NewCounter creates a Counter backed by word.
func NewCounter(word *uint64, spin Spinner) *Counter {
	return &Counter{word: word, spin: spin}
}

// Arrive increments the counter and returns the new count.
func (c *Counter) Arrive() uint64 {
	return atomic.AddUint64(c.word, 1)
}

// Load returns the current count.
func (c *Counter) Load() uint64 {
	return atomic.LoadUint64(c.word)
}

// Wait polls until the count reaches expected.
func (c *Counter) Wait(expected uint64) error {
	var count uint64
	c.spin.Until(func() bool {
		count = c.Load()
		return count >= expected
	})
	if count > expected {
		return fmt.Errorf("%w: counter reached %d, expected %d", ErrProtocolViolation, count, expected)
	}
	return nil
}

// Reset restores the counter to its baseline.
//
// Nobody may arrive for the next round until the reset is
// visible, which is normally enforced by a release flag
// that is set after the reset.
func (c *Counter) Reset() {
	atomic.StoreUint64(c.word, 0)
}

// A Flag is a release flag set by exactly one process and
// polled by the others.
//
// Flags are tagged with an epoch, which must increase
// from one use to the next and start above 0.
// This way a flag never needs to be cleared, and a flag
// left over from an earlier epoch cannot release a later
// wait.
type Flag struct {
	word *uint64
	spin Spinner
}

// NewFlag creates a Flag backed by word.
func NewFlag(word *uint64, spin Spinner) *Flag {
	return &Flag{word: word, spin: spin}
}

// Set releases every process waiting for epoch.
//
// All data written before Set is visible to a process
// whose Wait for the same epoch has returned.
func (f *Flag) Set(epoch uint64) {
	atomic.StoreUint64(f.word, epoch)
}

// IsSet checks if the flag has been set for epoch.
func (f *Flag) IsSet(epoch uint64) bool {
	return atomic.LoadUint64(f.word) == epoch
}

// Wait polls until the flag is set for epoch.
func (f *Flag) Wait(epoch uint64) error {
	var value uint64
	f.spin.Until(func() bool {
		value = atomic.LoadUint64(f.word)
		return value >= epoch
	})
	if value != epoch {
		return fmt.Errorf("%w: flag is at epoch %d while waiting for %d", ErrProtocolViolation,
			value, epoch)
	}
	return nil
}

// A Barrier holds every participant until all of them
// have arrived.
//
// It combines a Counter and a Flag.
// The last process to arrive restores the counter to its
// baseline before it sets the flag, so the barrier can be
// reused immediately.
//
// Each process needs its own Barrier value backed by the
// same two words, and every process must call Wait the
// same number of times.
type Barrier struct {
	count   *Counter
	release *Flag
	size    uint64
	epoch   uint64
}

// NewBarrier creates a Barrier for size participants.
func NewBarrier(count, release *uint64, size int, spin Spinner) *Barrier {
	if size <= 0 {
		panic("barrier needs at least one participant")
	}
	return &Barrier{
		count:   NewCounter(count, spin),
		release: NewFlag(release, spin),
		size:    uint64(size),
	}
}

// Wait blocks until every participant has called Wait.
func (b *Barrier) Wait() error {
	b.epoch++
	arrived := b.count.Arrive()
	if arrived > b.size {
		return fmt.Errorf("%w: %d arrivals at a barrier of %d", ErrProtocolViolation, arrived, b.size)
	}
	if arrived == b.size {
		b.count.Reset()
		b.release.Set(b.epoch)
		return nil
	}
	return b.release.Wait(b.epoch)
}

// Epoch returns the number of times Wait has been called.
func (b *Barrier) Epoch() uint64 {
	return b.epoch
}
