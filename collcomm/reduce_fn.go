package collcomm

import (
	"encoding/binary"
	"math"
	"unsafe"
)

// A Buffer describes the data of one collective call: a
// base address and a number of fixed-size elements.
//
// The contents are opaque to everything except ReduceFns.
type Buffer struct {
	Data     []byte
	Count    int
	ElemSize int
}

// Bytes wraps a byte slice as a Buffer of single bytes.
func Bytes(data []byte) Buffer {
	return Buffer{Data: data, Count: len(data), ElemSize: 1}
}

// Int64s views a slice of integers as a Buffer.
func Int64s(v []int64) Buffer {
	return Buffer{Data: asBytes(unsafe.Pointer(unsafe.SliceData(v)), len(v)*8), Count: len(v), ElemSize: 8}
}

// Float64s views a slice of floats as a Buffer.
func Float64s(v []float64) Buffer {
	return Buffer{Data: asBytes(unsafe.Pointer(unsafe.SliceData(v)), len(v)*8), Count: len(v), ElemSize: 8}
}

func asBytes(ptr unsafe.Pointer, size int) []byte {
	if size == 0 {
		return []byte{}
	}
	return unsafe.Slice((*byte)(ptr), size)
}

// Len returns the number of bytes described.
func (b Buffer) Len() int {
	return b.Count * b.ElemSize
}

// Bytes returns the described bytes.
func (b Buffer) Bytes() []byte {
	if b.Count < 0 || b.ElemSize < 0 {
		panic("negative buffer shape")
	}
	if len(b.Data) < b.Len() {
		panic("buffer is shorter than count*elemSize")
	}
	return b.Data[:b.Len()]
}

// A ReduceFn combines operand into acc element by element,
// leaving acc = acc (op) operand.
//
// The two slices always have the same length.
// A ReduceFn must be associative.
// It need not be commutative: collectives always apply it
// with lower node-local ranks on the left.
type ReduceFn func(acc, operand []byte)

// SumInt64 adds 64-bit signed integers.
func SumInt64(acc, operand []byte) {
	checkLengths(acc, operand, 8)
	for i := 0; i < len(acc); i += 8 {
		x := int64(binary.NativeEndian.Uint64(acc[i:]))
		y := int64(binary.NativeEndian.Uint64(operand[i:]))
		binary.NativeEndian.PutUint64(acc[i:], uint64(x+y))
	}
}

// MaxInt64 keeps the larger of two 64-bit signed integers.
func MaxInt64(acc, operand []byte) {
	checkLengths(acc, operand, 8)
	for i := 0; i < len(acc); i += 8 {
		x := int64(binary.NativeEndian.Uint64(acc[i:]))
		y := int64(binary.NativeEndian.Uint64(operand[i:]))
		if y > x {
			binary.NativeEndian.PutUint64(acc[i:], uint64(y))
		}
	}
}

// SumFloat64 adds 64-bit floats.
func SumFloat64(acc, operand []byte) {
	checkLengths(acc, operand, 8)
	for i := 0; i < len(acc); i += 8 {
		x := math.Float64frombits(binary.NativeEndian.Uint64(acc[i:]))
		y := math.Float64frombits(binary.NativeEndian.Uint64(operand[i:]))
		binary.NativeEndian.PutUint64(acc[i:], math.Float64bits(x+y))
	}
}

// ProdFloat64 multiplies 64-bit floats.
func ProdFloat64(acc, operand []byte) {
	checkLengths(acc, operand, 8)
	for i := 0; i < len(acc); i += 8 {
		x := math.Float64frombits(binary.NativeEndian.Uint64(acc[i:]))
		y := math.Float64frombits(binary.NativeEndian.Uint64(operand[i:]))
		binary.NativeEndian.PutUint64(acc[i:], math.Float64bits(x*y))
	}
}

// BitXor combines raw bytes with exclusive or.
func BitXor(acc, operand []byte) {
	checkLengths(acc, operand, 1)
	for i, x := range operand {
		acc[i] ^= x
	}
}

func checkLengths(acc, operand []byte, elemSize int) {
	if len(acc) != len(operand) {
		panic("mismatching lengths")
	}
	if len(acc)%elemSize != 0 {
		panic("length is not a multiple of the element size")
	}
}
