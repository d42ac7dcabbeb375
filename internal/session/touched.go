package session

// touchedSet keeps record ids in first-seen order without duplicates.
type touchedSet struct {
	seen  map[string]struct{}
	order []string
}

func newTouchedSet() *touchedSet {
	return &touchedSet{seen: make(map[string]struct{})}
}

func (s *touchedSet) add(ids ...string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := s.seen[id]; ok {
			continue
		}
		s.seen[id] = struct{}{}
		s.order = append(s.order, id)
	}
}

func (s *touchedSet) len() int { return len(s.order) }

func (s *touchedSet) ids() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}
