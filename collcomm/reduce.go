package collcomm

// linearReduce lets every non-root process deposit its
// operand in a per-rank slot, after which the root folds
// all operands in rank order.
func (s *Subsystem) linearReduce(in, out []byte, fn ReduceFn, root int) error {
	n := s.comm.Size()
	rank := s.comm.Rank()
	return s.runShared(func(epoch uint64) error {
		buf, err := allocSlots(s.region, n, len(in))
		if err != nil {
			return err
		}
		if rank != root {
			copy(buf.at(rank), in)
			s.ctl.arrivals.Arrive()
			return nil
		}
		if err := s.ctl.arrivals.Wait(uint64(n - 1)); err != nil {
			return err
		}
		s.ctl.arrivals.Reset()

		acc := make([]byte, len(in))
		for i := 0; i < n; i++ {
			operand := in
			if i != root {
				operand = buf.at(i)
			}
			if i == 0 {
				copy(acc, operand)
			} else {
				fn(acc, operand)
			}
		}
		copy(out, acc)
		return nil
	})
}

// treeReduce combines partial results pairwise along a
// binomial tree rooted at rank 0.
//
// At step k, a process with bit k set publishes its partial
// result and drops out, while its partner folds that
// result in on the right.
// Rank 0 ends up with the complete result and hands it to
// the root if the root is another process.
func (s *Subsystem) treeReduce(in, out []byte, fn ReduceFn, root int) error {
	n := s.comm.Size()
	rank := s.comm.Rank()
	return s.runShared(func(epoch uint64) error {
		buf, err := allocSlots(s.region, n, len(in))
		if err != nil {
			return err
		}
		acc := append([]byte{}, in...)
		for mask := 1; mask < n; mask <<= 1 {
			if rank&mask != 0 {
				copy(buf.at(rank), acc)
				s.ctl.flags[rank].Set(epoch)
				break
			}
			child := rank | mask
			if child >= n {
				continue
			}
			if err := s.ctl.flags[child].Wait(epoch); err != nil {
				return err
			}
			fn(acc, buf.at(child))
		}

		switch {
		case rank == 0 && root == 0:
			copy(out, acc)
		case rank == 0:
			// Rank 0 never publishes during the tree, so its
			// slot and flag are free for the hand-off.
			copy(buf.at(0), acc)
			s.ctl.flags[0].Set(epoch)
		case rank == root:
			if err := s.ctl.flags[0].Wait(epoch); err != nil {
				return err
			}
			copy(out, buf.at(0))
		}
		return nil
	})
}
