package heap

// WeakPointerList layout: cell0 = referent, cell1 = finalizer-registered
// flag (0/1). WeakReference is the single-slot analogue used by
// java.lang.ref-style host objects: cell0 = referent. Both are linked
// into collectState.weakLists during mark instead of having their
// referent followed (spec.md §4.1 phase 4: "their referents are not
// followed during marking").
const (
	weakReferentOff = 0
	weakFlagOff     = 1
)

// cleanupWeak implements spec.md §4.1 phase 4: every weak entry seen
// during mark is forwarded if its referent survived, or cleared — and,
// if a finalizer was registered for a cleared entry, queued to run
// exactly once.
func (cs *collectState) cleanupWeak() {
	h := cs.h
	for _, ref := range cs.weakLists {
		referent := Ref(h.cell(ref, weakReferentOff))
		if referent == 0 {
			continue
		}
		if referent < h.collectedEnd && !h.headerAt(referent).marked() {
			h.setCellAt(ref, weakReferentOff, 0)
			if fn, ok := h.finalizers[referent]; ok {
				delete(h.finalizers, referent)
				h.finalQueue = append(h.finalQueue, FinalizerJob{Ref: referent, Run: fn})
			}
		}
	}
}
