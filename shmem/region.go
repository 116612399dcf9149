package shmem

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"go.uber.org/multierr"
)

const (
	// HeaderSize is the number of bytes at the start of a
	// segment that hold the region header.
	HeaderSize = 128

	// CacheLine is the alignment of every sub-allocation.
	CacheLine = 64

	// Version is the layout version written to the header.
	Version = uint32(1)
)

var regionMagic = [8]byte{'S', 'H', 'M', 'C', 'O', 'L', 'L', 0}

// regionHeader is the layout of the first HeaderSize
// bytes of every segment.
type regionHeader struct {
	magic    [8]byte  // 0x00
	version  uint32   // 0x08
	nodeSize uint32   // 0x0C
	capacity uint64   // 0x10
	ready    uint32   // 0x18
	detached uint32   // 0x1C
	reserved [96]byte // 0x20-0x7F
}

func (h *regionHeader) Version() uint32 {
	return atomic.LoadUint32(&h.version)
}

func (h *regionHeader) NodeSize() uint32 {
	return atomic.LoadUint32(&h.nodeSize)
}

func (h *regionHeader) Capacity() uint64 {
	return atomic.LoadUint64(&h.capacity)
}

func (h *regionHeader) Ready() bool {
	return atomic.LoadUint32(&h.ready) != 0
}

// Retiring reports whether any process has started to
// detach, after which nobody may attach anymore.
func (h *regionHeader) Retiring() bool {
	return atomic.LoadUint32(&h.detached) != 0
}

// detach records one detaching process and returns how
// many have detached so far.
func (h *regionHeader) detach() int {
	return int(atomic.AddUint32(&h.detached, 1))
}

func (h *regionHeader) init(nodeSize int, capacity uint64) {
	h.magic = regionMagic
	atomic.StoreUint32(&h.version, Version)
	atomic.StoreUint32(&h.nodeSize, uint32(nodeSize))
	atomic.StoreUint64(&h.capacity, capacity)

	// Publishing ready last makes the other fields visible
	// to any process that observes it.
	atomic.StoreUint32(&h.ready, 1)
}

func (h *regionHeader) validate(nodeSize int, capacity uint64) error {
	if h.magic != regionMagic {
		return fmt.Errorf("invalid magic bytes %q", h.magic[:])
	}
	if v := h.Version(); v != Version {
		return fmt.Errorf("unsupported version %d, expected %d", v, Version)
	}
	if n := h.NodeSize(); n != uint32(nodeSize) {
		return fmt.Errorf("region built for %d processes, attaching with %d", n, nodeSize)
	}
	if c := h.Capacity(); c != capacity {
		return fmt.Errorf("region capacity is %d, expected %d", c, capacity)
	}
	return nil
}

// A Region is this process's view of a fixed-capacity
// shared segment.
//
// Offsets returned by Suballocate refer to the usable area
// that follows the header, and they are identical in every
// process that performs the same sequence of calls.
type Region struct {
	mapping  Mapping
	header   *regionHeader
	mem      []byte
	capacity int
	nodeSize int
	next     int
}

// Acquire attaches to the named region, creating it if no
// other process has yet.
//
// Every process on the node must pass the same name,
// capacity and node size.
// If the processes that last used the name are still
// releasing it, Acquire waits until the last of them is
// done and then creates a fresh region, so that every use
// of a name starts from zeroed memory.
func Acquire(m Mapper, name string, capacity, nodeSize int) (*Region, error) {
	if capacity < 0 || nodeSize <= 0 {
		return nil, fmt.Errorf("%w: invalid region shape (capacity=%d, nodeSize=%d)",
			ErrResourceExhausted, capacity, nodeSize)
	}
	capacity = AlignUp(capacity)
	for {
		mapping, err := m.MapShared(name, HeaderSize+capacity)
		if err != nil {
			return nil, err
		}
		mem := mapping.Bytes()
		if len(mem) < HeaderSize+capacity {
			return nil, multierr.Append(
				fmt.Errorf("%w: mapping has %d bytes, need %d", ErrResourceExhausted, len(mem),
					HeaderSize+capacity),
				mapping.Close(),
			)
		}

		hdr := (*regionHeader)(unsafe.Pointer(&mem[0]))
		if mapping.Created() {
			hdr.init(nodeSize, uint64(capacity))
		} else {
			for !hdr.Ready() {
				runtime.Gosched()
			}
			if hdr.Retiring() {
				if err := mapping.Close(); err != nil {
					return nil, fmt.Errorf("%w: region %s: %v", ErrResourceExhausted, name, err)
				}
				runtime.Gosched()
				continue
			}
			if err := hdr.validate(nodeSize, uint64(capacity)); err != nil {
				return nil, multierr.Append(
					fmt.Errorf("%w: region %s: %v", ErrResourceExhausted, name, err),
					mapping.Close(),
				)
			}
		}

		return &Region{
			mapping:  mapping,
			header:   hdr,
			mem:      mem[HeaderSize : HeaderSize+capacity],
			capacity: capacity,
			nodeSize: nodeSize,
		}, nil
	}
}

// Release detaches from the region.
//
// No process may be inside a rendezvous on the region when
// any process releases it.
// The last of the node's processes to release the region
// unlinks its name.
func (r *Region) Release() error {
	if r.mem == nil {
		return fmt.Errorf("shmem: region already released")
	}
	r.mem = nil
	var err error
	if r.header.detach() == r.nodeSize {
		err = r.mapping.Unlink()
	}
	r.header = nil
	return multierr.Append(err, r.mapping.Close())
}

// Created reports whether this process created the region.
func (r *Region) Created() bool {
	return r.mapping.Created()
}

// Capacity returns the number of usable bytes.
func (r *Region) Capacity() int {
	return r.capacity
}

// Free returns the number of bytes Suballocate can still
// hand out.
func (r *Region) Free() int {
	return r.capacity - r.next
}

// Suballocate reserves size bytes, aligned to CacheLine,
// and returns their offset.
//
// Allocation is a deterministic function of the call
// sequence, so processes never need to exchange offsets.
func (r *Region) Suballocate(size int) (int, error) {
	if size < 0 {
		panic("negative allocation size")
	}
	aligned := AlignUp(size)
	if aligned > r.capacity-r.next {
		return 0, fmt.Errorf("%w: want %d bytes, have %d", ErrNoSpace, aligned, r.capacity-r.next)
	}
	off := r.next
	r.next += aligned
	return off, nil
}

// A Mark records the allocation state of a Region.
type Mark int

// Mark returns the current allocation state.
func (r *Region) Mark() Mark {
	return Mark(r.next)
}

// Rewind frees every sub-allocation made after m.
//
// Callers must make sure that no process still uses the
// freed bytes, usually by passing a barrier first.
func (r *Region) Rewind(m Mark) {
	if int(m) > r.next || m < 0 {
		panic("rewind past the allocation cursor")
	}
	r.next = int(m)
}

// Slice returns the bytes at [off, off+size).
func (r *Region) Slice(off, size int) []byte {
	return r.mem[off : off+size : off+size]
}

// Word returns the 64-bit word at off for use with
// sync/atomic.
// The offset must be 8-byte aligned.
func (r *Region) Word(off int) *uint64 {
	if off%8 != 0 {
		panic("unaligned word offset")
	}
	return (*uint64)(unsafe.Pointer(&r.mem[off]))
}

// AlignUp rounds size up to a multiple of CacheLine.
func AlignUp(size int) int {
	return (size + CacheLine - 1) &^ (CacheLine - 1)
}
