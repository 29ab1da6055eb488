package hazard

import "sync/atomic"

// Hazard-pointer reclamation, per-cell variant of the scheme by Maged Michael
// https://www.cs.otago.ac.nz/cosc440/readings/hazard-pointers.pdf

// Each cell owns a published atomic pointer to its current value, a registry
// of hazard slots (one per active reader) and a list of retired values.
// A reader pins the value it is about to use by publishing the pointer into
// its slot; a writer swaps the published pointer and retires the old one;
// reclamation frees every retired value no slot currently pins.

// hazardSlot is one reader's hazard pointer.
// nil: free, available for any reader to claim.
// registry sentinel: owned by a reader, nothing pinned.
// any other value: owned by a reader, pinning that value.
type hazardSlot[T any] struct {
	ptr  atomic.Pointer[T]
	next *hazardSlot[T] // older slots; immutable once linked
	_    [48]byte       // pad to a cache line
}
