// Package shmem manages the memory region that every
// process on a node maps in order to run collective
// operations without going through the network.
//
// Nothing stored in a Region is a pointer.
// Every process agrees on the meaning of a byte offset,
// so a Region may be mapped at a different address in
// each process.
package shmem

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/google/uuid"
)

var (
	// ErrResourceExhausted is returned when a shared mapping
	// cannot be created or attached.
	// Retrying will not help.
	ErrResourceExhausted = errors.New("shmem: resource exhausted")

	// ErrNoSpace is returned by Suballocate when a Region
	// does not have enough free bytes left.
	ErrNoSpace = errors.New("shmem: not enough space in region")
)

// A Mapping is one process's attachment to a block of
// shared memory.
type Mapping interface {
	// Bytes returns the mapped memory.
	Bytes() []byte

	// Created reports whether this attachment created the
	// underlying memory, as opposed to opening memory that
	// another process had already created.
	Created() bool

	// Unlink removes the name, so that the next MapShared
	// for it creates new memory.
	// Existing attachments stay valid until they are closed.
	Unlink() error

	// Close detaches from the memory.
	Close() error
}

// A Mapper creates or attaches to named shared memory.
//
// Every process that calls MapShared with the same name
// observes the same bytes.
// Exactly one of them sees Created() == true.
type Mapper interface {
	MapShared(name string, size int) (Mapping, error)
}

// NewName generates a segment name that is very unlikely
// to collide with any other segment on the machine.
func NewName() string {
	return uuid.NewString()
}

// A HeapMapper shares ordinary Go memory between callers
// in the same process, which is enough when each rank of
// a node is a Goroutine.
//
// The zero value is ready to use.
type HeapMapper struct {
	lock     sync.Mutex
	segments map[string]*heapSegment
}

type heapSegment struct {
	mem  []byte
	refs int
}

// MapShared attaches to the named segment, creating it if
// this is the first attachment.
func (h *HeapMapper) MapShared(name string, size int) (Mapping, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: invalid segment size %d", ErrResourceExhausted, size)
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.segments == nil {
		h.segments = map[string]*heapSegment{}
	}
	seg, ok := h.segments[name]
	if ok {
		if len(seg.mem) < size {
			return nil, fmt.Errorf("%w: segment %s has %d bytes but %d were requested",
				ErrResourceExhausted, name, len(seg.mem), size)
		}
		seg.refs++
		return &heapMapping{mapper: h, name: name, seg: seg}, nil
	}

	// Back the bytes with words so that atomic accesses
	// are always aligned.
	words := make([]uint64, (size+7)/8)
	seg = &heapSegment{
		mem:  unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size),
		refs: 1,
	}
	h.segments[name] = seg
	return &heapMapping{mapper: h, name: name, seg: seg, created: true}, nil
}

func (h *HeapMapper) release(name string, seg *heapSegment) {
	h.lock.Lock()
	defer h.lock.Unlock()
	seg.refs--
	if seg.refs == 0 && h.segments[name] == seg {
		delete(h.segments, name)
	}
}

func (h *HeapMapper) unlink(name string, seg *heapSegment) {
	h.lock.Lock()
	defer h.lock.Unlock()
	if h.segments[name] == seg {
		delete(h.segments, name)
	}
}

type heapMapping struct {
	mapper  *HeapMapper
	name    string
	seg     *heapSegment
	created bool
	closed  bool
}

func (h *heapMapping) Bytes() []byte {
	return h.seg.mem
}

func (h *heapMapping) Created() bool {
	return h.created
}

func (h *heapMapping) Unlink() error {
	h.mapper.unlink(h.name, h.seg)
	return nil
}

func (h *heapMapping) Close() error {
	if h.closed {
		return errors.New("shmem: mapping already closed")
	}
	h.closed = true
	h.mapper.release(h.name, h.seg)
	return nil
}
