package collcomm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReduceFns(t *testing.T) {
	ints := []int64{3, -7, 1 << 40}
	other := []int64{-5, 2, 1}

	acc := append([]int64{}, ints...)
	SumInt64(Int64s(acc).Bytes(), Int64s(other).Bytes())
	require.Equal(t, []int64{-2, -5, 1<<40 + 1}, acc)

	acc = append([]int64{}, ints...)
	MaxInt64(Int64s(acc).Bytes(), Int64s(other).Bytes())
	require.Equal(t, []int64{3, 2, 1 << 40}, acc)

	floats := []float64{1.5, -2, 0.25}
	acc2 := append([]float64{}, floats...)
	SumFloat64(Float64s(acc2).Bytes(), Float64s([]float64{0.5, 2, 0.25}).Bytes())
	require.Equal(t, []float64{2, 0, 0.5}, acc2)

	acc2 = append([]float64{}, floats...)
	ProdFloat64(Float64s(acc2).Bytes(), Float64s([]float64{2, 3, 4}).Bytes())
	require.Equal(t, []float64{3, -6, 1}, acc2)

	bytes := []byte{0xff, 0x0f}
	BitXor(bytes, []byte{0x0f, 0x0f})
	require.Equal(t, []byte{0xf0, 0x00}, bytes)
}

func TestBuffer(t *testing.T) {
	buf := Buffer{Data: make([]byte, 40), Count: 3, ElemSize: 8}
	require.Equal(t, 24, buf.Len())
	require.Len(t, buf.Bytes(), 24)

	require.Equal(t, 0, Int64s(nil).Len())
	require.NotNil(t, Int64s(nil).Bytes())

	require.Panics(t, func() {
		Buffer{Data: make([]byte, 4), Count: 1, ElemSize: 8}.Bytes()
	})
	require.Panics(t, func() {
		SumInt64(make([]byte, 8), make([]byte, 16))
	})
}
