package collcomm

// flatBcast stages the root's buffer in a single shared
// slot that every other process copies out of.
func (s *Subsystem) flatBcast(data []byte, root int) error {
	return s.runShared(func(epoch uint64) error {
		buf, err := allocSlots(s.region, 1, len(data))
		if err != nil {
			return err
		}
		slot := buf.at(0)
		if s.comm.Rank() == root {
			copy(slot, data)
			s.ctl.ready.Set(epoch)
			return nil
		}
		if err := s.ctl.ready.Wait(epoch); err != nil {
			return err
		}
		copy(data, slot)
		return nil
	})
}

// binomialBcast forwards the root's buffer down a binomial
// tree.
//
// A process with children publishes its copy in its own
// slot and releases each child through the child's flag.
func (s *Subsystem) binomialBcast(data []byte, root int) error {
	n := s.comm.Size()
	rel := relativeRank(s.comm.Rank(), root, n)
	return s.runShared(func(epoch uint64) error {
		buf, err := allocSlots(s.region, (n+1)/2, len(data))
		if err != nil {
			return err
		}
		if rel != 0 {
			if err := s.ctl.flags[rel].Wait(epoch); err != nil {
				return err
			}
			copy(data, buf.at(treeParent(rel)))
		}
		children := treeChildren(rel, n)
		if len(children) == 0 {
			return nil
		}
		copy(buf.at(rel), data)
		for _, child := range children {
			s.ctl.flags[child].Set(epoch)
		}
		return nil
	})
}
