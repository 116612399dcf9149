package rendezvous

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

func TestCounter(t *testing.T) {
	var word uint64
	c := NewCounter(&word, Spinner{SpinsPerYield: DefaultSpinsPerYield})

	var wg sync.WaitGroup
	for i := 0; i < 7; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Arrive()
		}()
	}
	if err := c.Wait(7); err != nil {
		t.Fatal(err)
	}
	wg.Wait()

	c.Reset()
	if c.Load() != 0 {
		t.Errorf("counter should be back at 0 but is %d", c.Load())
	}

	c.Arrive()
	c.Arrive()
	if err := c.Wait(1); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("expected protocol violation but got %v", err)
	}
}

func TestFlagEpochs(t *testing.T) {
	var word uint64
	f := NewFlag(&word, Spinner{SpinsPerYield: 1})
	if f.IsSet(1) {
		t.Fatal("fresh flag should not be set")
	}

	var data [16]byte
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := f.Wait(1); err != nil {
			t.Error(err)
			return
		}
		if string(data[:5]) != "ready" {
			t.Errorf("data not visible after flag: %q", data[:5])
		}
	}()
	copy(data[:], "ready")
	f.Set(1)
	<-done

	if f.IsSet(2) {
		t.Error("flag from epoch 1 released epoch 2")
	}

	f.Set(3)
	if err := f.Wait(2); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("expected protocol violation but got %v", err)
	}
}

func TestBarrier(t *testing.T) {
	for _, size := range []int{1, 2, 3, 8, 17} {
		t.Run(fmt.Sprintf("Size=%d", size), func(t *testing.T) {
			var count, release uint64
			const rounds = 50

			// phase[i] is the number of rounds process i has
			// finished; nobody may get more than one round
			// ahead of anybody else.
			phase := make([]int64, size)

			var wg sync.WaitGroup
			for i := 0; i < size; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					b := NewBarrier(&count, &release, size, Spinner{SpinsPerYield: 8})
					for r := 0; r < rounds; r++ {
						atomic.StoreInt64(&phase[i], int64(r))
						if err := b.Wait(); err != nil {
							t.Error(err)
							return
						}
						for j := range phase {
							if p := atomic.LoadInt64(&phase[j]); p < int64(r) {
								t.Errorf("process %d passed round %d while %d was at %d", i, r, j, p)
							}
						}
					}
					if b.Epoch() != rounds {
						t.Errorf("epoch should be %d but is %d", rounds, b.Epoch())
					}
				}(i)
			}
			wg.Wait()

			if atomic.LoadUint64(&count) != 0 {
				t.Errorf("counter not restored to baseline: %d", count)
			}
			if atomic.LoadUint64(&release) != rounds {
				t.Errorf("release flag should be %d but is %d", rounds, release)
			}
		})
	}
}

func TestBarrierOverflow(t *testing.T) {
	var count, release uint64
	atomic.StoreUint64(&count, 2)
	b := NewBarrier(&count, &release, 2, Spinner{})
	if err := b.Wait(); !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("expected protocol violation but got %v", err)
	}
}
