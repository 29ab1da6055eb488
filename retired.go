package hazard

import (
	"sync"
	"sync/atomic"
)

// retiredRingCapacity bounds the retire fast path. Must be a power of 2.
// Overflow spills to a mutex-guarded slice, so the list itself is unbounded.
const retiredRingCapacity = 256

// retiredList holds superseded values until reclamation proves no hazard
// slot pins them. Appends come from any number of writers; draining is done
// by a single reclaimer at a time (serialized by the core's reclaim lock).
type retiredList[T any] struct {
	ring  retiredRing[T]
	mu    sync.Mutex
	over  []*T // overflow when the ring is full; also holds sweep survivors
	count atomic.Int64
	freed atomic.Uint64
	drop  func(*T)
}

func newRetiredList[T any](drop func(*T)) *retiredList[T] {
	l := &retiredList[T]{drop: drop}
	l.ring.init()
	return l
}

// append records v for later reclamation. Safe to call concurrently.
func (l *retiredList[T]) append(v *T) {
	l.count.Add(1)
	if l.ring.push(v) {
		return
	}
	l.mu.Lock()
	l.over = append(l.over, v)
	l.mu.Unlock()
}

// len returns the number of values awaiting reclamation.
func (l *retiredList[T]) len() int {
	return int(l.count.Load())
}

// take drains the ring and the overflow into one batch.
// Caller must hold the reclaim lock (single consumer of the ring).
func (l *retiredList[T]) take() []*T {
	var batch []*T
	for {
		v, ok := l.ring.pop()
		if !ok {
			break
		}
		batch = append(batch, v)
	}
	l.mu.Lock()
	if len(l.over) > 0 {
		batch = append(batch, l.over...)
		l.over = l.over[:0]
	}
	l.mu.Unlock()
	return batch
}

// sweep frees every batch entry not in pinned and keeps the rest for a
// later pass. Returns the number freed.
func (l *retiredList[T]) sweep(batch []*T, pinned map[*T]struct{}) int {
	kept := batch[:0]
	n := 0
	for _, v := range batch {
		if _, ok := pinned[v]; ok {
			kept = append(kept, v)
			continue
		}
		l.free(v)
		n++
	}
	if len(kept) > 0 {
		l.mu.Lock()
		l.over = append(l.over, kept...)
		l.mu.Unlock()
	}
	return n
}

// drainAll frees every entry unconditionally. Destruction only; caller must
// hold the reclaim lock.
func (l *retiredList[T]) drainAll() int {
	n := 0
	for _, v := range l.take() {
		l.free(v)
		n++
	}
	return n
}

func (l *retiredList[T]) free(v *T) {
	l.dispose(v)
	l.count.Add(-1)
}

// dispose releases a value the list never counted (the published value at
// destruction goes through here directly).
func (l *retiredList[T]) dispose(v *T) {
	if l.drop != nil {
		l.drop(v)
	}
	l.freed.Add(1)
}

// retiredRing is a bounded MPSC ring of retired values: many writers retire,
// one reclaimer drains. Same sequence discipline as freeRing, with a plain
// dequeue index owned by the single consumer.
type retiredRing[T any] struct {
	// Optional padding to avoid false sharing between frequently accessed fields
	_       [64]byte
	mask    uint64
	entries []retiredEntry[T]
	_       [64]byte
	enqueue atomic.Uint64 // logical "tail", updated by multiple writers
	_       [64]byte
	dequeue uint64 // logical "head", updated only under the reclaim lock
	_       [64]byte
}

type retiredEntry[T any] struct {
	seq atomic.Uint64
	val *T
}

func (q *retiredRing[T]) init() {
	entries := make([]retiredEntry[T], retiredRingCapacity)
	for i := uint64(0); i < retiredRingCapacity; i++ {
		entries[i].seq.Store(i)
	}
	q.mask = retiredRingCapacity - 1
	q.entries = entries
}

// push adds a retired value.
// Returns false if the ring is full (caller spills to the overflow slice).
// Safe to call concurrently from many writers.
func (q *retiredRing[T]) push(v *T) bool {
	for {
		pos := q.enqueue.Load()
		e := &q.entries[pos&q.mask]

		seq := e.seq.Load()
		diff := int64(seq) - int64(pos)

		if diff == 0 {
			// entry is free for this position, try to reserve it
			if q.enqueue.CompareAndSwap(pos, pos+1) {
				e.val = v
				// publish the value: seq = pos+1
				e.seq.Store(pos + 1)
				return true
			}
			// contention, retry
		} else if diff < 0 {
			// the reclaimer has not drained this entry yet => ring is full
			return false
		}
		// diff > 0 => another writer already claimed this position, retry
	}
}

// pop removes one retired value.
// Returns (nil, false) if the ring is empty or the producer of the head
// entry has not finished publishing.
// IMPORTANT: single consumer only (the reclaim lock).
func (q *retiredRing[T]) pop() (*T, bool) {
	pos := q.dequeue
	e := &q.entries[pos&q.mask]

	seq := e.seq.Load()
	diff := int64(seq) - int64(pos+1)

	if diff == 0 {
		q.dequeue = pos + 1
		v := e.val
		e.val = nil
		// free the entry for the next cycle
		e.seq.Store(pos + retiredRingCapacity)
		return v, true
	}

	// diff < 0: empty, or the producer of this entry has reserved it but not
	// yet published it; both are treated as empty (the entry is picked up by
	// the next reclamation pass).
	return nil, false
}
