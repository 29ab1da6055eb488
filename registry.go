package hazard

import (
	"runtime"
	"sync/atomic"
)

// freeRingCapacity bounds the slot reuse cache. Must be a power of 2.
// A full cache is harmless: the released slot stays discoverable by the
// list walk in acquire.
const freeRingCapacity = 64

// registry mints hazard slots. Storage is an append-only linked list: slots
// are pushed at the head and never removed, so a *hazardSlot handed to a
// reader stays valid across any amount of growth. A bounded MPMC ring of
// recently released slots serves as the O(1) reuse fast path.
type registry[T any] struct {
	_        [64]byte
	head     atomic.Pointer[hazardSlot[T]]
	count    atomic.Uint64 // slots ever created
	_        [64]byte
	free     freeRing[T]
	sentinel *T // "owned, nothing pinned" marker; never dereferenced
}

func newRegistry[T any]() *registry[T] {
	r := &registry[T]{sentinel: new(T)}
	r.free.init()
	return r
}

// acquire returns a slot exclusively owned by the caller, in the
// "nothing pinned" state. Grows the registry if no slot is free.
// Safe to call concurrently from many goroutines.
func (r *registry[T]) acquire() *hazardSlot[T] {
	// Fast path: a recently released slot from the reuse cache.
	for {
		s, ok := r.free.pop()
		if !ok {
			break
		}
		// A list walker may have claimed it already; if so, drop the
		// stale cache entry and try the next one.
		if s.ptr.CompareAndSwap(nil, r.sentinel) {
			return s
		}
	}

	// Walk the list for any free slot.
	for s := r.head.Load(); s != nil; s = s.next {
		if s.ptr.Load() == nil && s.ptr.CompareAndSwap(nil, r.sentinel) {
			return s
		}
	}

	// None free: grow. The new slot is born owned.
	s := &hazardSlot[T]{}
	s.ptr.Store(r.sentinel)
	for {
		old := r.head.Load()
		s.next = old
		if r.head.CompareAndSwap(old, s) {
			r.count.Add(1)
			return s
		}
	}
}

// release returns s to the free state. The caller must not access s again.
func (r *registry[T]) release(s *hazardSlot[T]) {
	s.ptr.Store(nil)
	// Best effort: a full ring just leaves the slot for walkers to find.
	r.free.push(s)
}

// snapshot collects every currently pinned value into dst. Slots may change
// while the walk runs; per-slot atomic loads are all the reclaim protocol
// needs (see core.reclaim).
func (r *registry[T]) snapshot(dst map[*T]struct{}) {
	for s := r.head.Load(); s != nil; s = s.next {
		if p := s.ptr.Load(); p != nil && p != r.sentinel {
			dst[p] = struct{}{}
		}
	}
}

// slots returns the number of slots ever created.
func (r *registry[T]) slots() uint64 {
	return r.count.Load()
}

// active returns the number of slots currently owned by some reader.
func (r *registry[T]) active() uint64 {
	var n uint64
	for s := r.head.Load(); s != nil; s = s.next {
		if s.ptr.Load() != nil {
			n++
		}
	}
	return n
}

// freeRing is a bounded MPMC ring of released slots.
// Original algorithm by Dmitry Vyukov
// https://www.1024cores.net/home/lock-free-algorithms/queues/bounded-mpmc-queue
type freeRing[T any] struct {
	// Optional padding to avoid false sharing between hot fields.
	_       [64]byte
	mask    uint64
	entries []freeEntry[T]
	_       [64]byte
	enqueue atomic.Uint64 // logical tail index (releasing readers)
	_       [64]byte
	dequeue atomic.Uint64 // logical head index (acquiring readers)
	_       [64]byte
}

type freeEntry[T any] struct {
	seq atomic.Uint64 // sequence number (controls visibility and entry ownership)
	val *hazardSlot[T]
}

func (q *freeRing[T]) init() {
	entries := make([]freeEntry[T], freeRingCapacity)
	for i := uint64(0); i < freeRingCapacity; i++ {
		// initial sequence for each entry matches its index
		entries[i].seq.Store(i)
	}
	q.mask = freeRingCapacity - 1
	q.entries = entries
}

// push offers a released slot to the cache.
// Returns false if the cache is full.
// Safe to call concurrently from many goroutines.
func (q *freeRing[T]) push(s *hazardSlot[T]) bool {
	var spins uint32
	for {
		pos := q.enqueue.Load()
		e := &q.entries[pos&q.mask]

		seq := e.seq.Load()
		diff := int64(seq) - int64(pos)

		if diff == 0 {
			// Entry is free for this position, try to reserve it.
			if q.enqueue.CompareAndSwap(pos, pos+1) {
				e.val = s
				// Publish the value: seq = pos+1
				e.seq.Store(pos + 1)
				return true
			}
		} else if diff < 0 {
			// diff < 0 => cache is full.
			return false
		}
		// diff > 0 => another releasing reader already claimed this position, retry.
		spins++
		if spins%goschedEvery == 0 {
			runtime.Gosched()
		}
	}
}

// pop takes a released slot from the cache.
// Returns (nil, false) if the cache is empty.
// Safe to call concurrently from many goroutines.
func (q *freeRing[T]) pop() (*hazardSlot[T], bool) {
	var spins uint32
	for {
		pos := q.dequeue.Load()
		e := &q.entries[pos&q.mask]

		seq := e.seq.Load()
		diff := int64(seq) - int64(pos+1)

		if diff == 0 {
			// Entry is ready for this position, try to claim it.
			if !q.dequeue.CompareAndSwap(pos, pos+1) {
				continue
			}
			s := e.val
			e.val = nil
			// Free the entry for the next cycle.
			e.seq.Store(pos + freeRingCapacity)
			return s, true
		}

		if diff < 0 {
			// Cache is logically empty (a releasing reader that reserved
			// this entry but has not published it yet also lands here).
			return nil, false
		}
		// diff > 0 => another acquiring reader already claimed this position, retry.
		spins++
		if spins%goschedEvery == 0 {
			runtime.Gosched()
		}
	}
}
