package heap

// rootEntry is either a plain temporary root (loc == nil, ref holds the
// value directly) or a "root-with-base" entry protecting an interior
// pointer (spec.md §4.1: "(−1, &location, base_object) means '*location
// points into base_object; rewrite *location by the same delta the
// collector applies to base_object'").
type rootEntry struct {
	ref  Ref
	loc  *Ref
	base Ref
}

// rootStack is the growable array backing pushRoot/popRoot; spec.md
// §4.1 describes it as "a single growable array indexed by a saved
// length", which Go's append-based slice models directly.
type rootStack struct {
	entries []rootEntry
}

func newRootStack() *rootStack { return &rootStack{} }

func (s *rootStack) push(ref Ref) {
	s.entries = append(s.entries, rootEntry{ref: ref})
}

func (s *rootStack) pushInBase(loc *Ref, base Ref) {
	s.entries = append(s.entries, rootEntry{loc: loc, base: base})
}

func (s *rootStack) mark() int { return len(s.entries) }

func (s *rootStack) popTo(mark int) {
	s.entries = s.entries[:mark]
}
