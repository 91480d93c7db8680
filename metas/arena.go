package metas

// GroupHandle refers to a ContainerProcessGroup owned by the manager. A
// handle outlives its group safely: once the group is released the slot
// generation moves on and the handle no longer resolves.
type GroupHandle struct {
	index uint32
	gen   uint32
}

func (h GroupHandle) Valid() bool { return h.gen != 0 }

type groupSlot struct {
	gen   uint32
	group *ContainerProcessGroup
}

type groupArena struct {
	slots []groupSlot
	free  []uint32
	live  int
}

func (a *groupArena) alloc(g *ContainerProcessGroup) GroupHandle {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, groupSlot{})
	}
	s := &a.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.group = g
	a.live++
	return GroupHandle{index: idx, gen: s.gen}
}

func (a *groupArena) get(h GroupHandle) (*ContainerProcessGroup, bool) {
	if !h.Valid() || int(h.index) >= len(a.slots) {
		return nil, false
	}
	s := &a.slots[h.index]
	if s.gen != h.gen || s.group == nil {
		return nil, false
	}
	return s.group, true
}

func (a *groupArena) release(h GroupHandle) bool {
	if _, ok := a.get(h); !ok {
		return false
	}
	s := &a.slots[h.index]
	s.group = nil
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	a.free = append(a.free, h.index)
	a.live--
	return true
}

func (a *groupArena) len() int { return a.live }
