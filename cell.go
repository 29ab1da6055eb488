package hazard

import (
	"runtime"
	"sync"
	"sync/atomic"
)

const (
	// minReclaimThreshold is the floor for the adaptive reclaim trigger.
	minReclaimThreshold = 8

	goschedEvery = 64 // reduce runtime.Gosched() frequency in hot loops
)

// Config carries the optional knobs of a cell.
type Config[T any] struct {
	// ReclaimThreshold is the retired-list length at which Set runs a
	// reclamation pass. 0 means adaptive: max(8, 2 × hazard slot count).
	ReclaimThreshold int

	// Drop is invoked exactly once for every value the cell releases: each
	// reclaimed retired value and, on Close, the published value and any
	// remaining retired ones. Use it to return buffers to pools, unmap
	// regions, or count releases. May be nil. Must not call back into the
	// cell.
	Drop func(*T)
}

// core binds the published pointer, the slot registry and the retired list
// into the hazard-pointer protocol. Both presentations share it.
type core[T any] struct {
	_       [64]byte
	value   atomic.Pointer[T] // always non-nil from New to Close
	_       [64]byte
	reg     *registry[T]
	retired *retiredList[T]

	threshold int        // 0 => adaptive
	reclaimMu sync.Mutex // serializes reclamation passes; TryLock, losers skip
	closed    atomic.Bool

	sets          uint64
	reads         uint64
	reclaimPasses uint64
}

func newCore[T any](value T, cfg Config[T]) *core[T] {
	if cfg.ReclaimThreshold < 0 {
		panic("hazard: reclaim threshold must be >= 0")
	}
	c := &core[T]{
		reg:       newRegistry[T](),
		retired:   newRetiredList[T](cfg.Drop),
		threshold: cfg.ReclaimThreshold,
	}
	v := value
	c.value.Store(&v)
	return c
}

// protect publishes the current value into s, then validates that the
// published pointer did not change under our feet; if it did, re-publish and
// retry. On return the value is pinned: it will not be released until s is
// cleared or overwritten.
func (c *core[T]) protect(s *hazardSlot[T]) *T {
	var spins uint32
	ptr := c.value.Load()
	for {
		s.ptr.Store(ptr)
		again := c.value.Load()
		if again == ptr {
			atomic.AddUint64(&c.reads, 1)
			return ptr
		}
		ptr = again
		spins++
		if spins%goschedEvery == 0 {
			runtime.Gosched()
		}
	}
}

// clear resets s to "owned, nothing pinned".
func (c *core[T]) clear(s *hazardSlot[T]) {
	s.ptr.Store(c.reg.sentinel)
}

// set swaps in a new published value and retires the old one. Safe to call
// concurrently: each swap linearizes one publication, and each caller
// retires exactly the value it swapped out.
func (c *core[T]) set(value T, andReclaim bool) {
	c.checkOpen()
	v := value
	old := c.value.Swap(&v)
	atomic.AddUint64(&c.sets, 1)
	c.retired.append(old)
	if andReclaim && c.retired.len() >= c.reclaimThreshold() {
		c.reclaim()
	}
}

func (c *core[T]) reclaimThreshold() int {
	if c.threshold > 0 {
		return c.threshold
	}
	n := 2 * int(c.reg.slots())
	if n < minReclaimThreshold {
		n = minReclaimThreshold
	}
	return n
}

// reclaim runs one reclamation pass; concurrent callers that lose the
// try-lock return 0 without blocking.
//
// The retired batch is drained before the slots are snapshotted. Any reader
// that can still return a batch entry published it into its slot before
// re-reading the pre-swap published pointer, and the swap that retired the
// entry precedes the drain. The snapshot therefore observes the pin, and the
// entry survives the sweep.
func (c *core[T]) reclaim() int {
	if !c.reclaimMu.TryLock() {
		return 0
	}
	defer c.reclaimMu.Unlock()
	atomic.AddUint64(&c.reclaimPasses, 1)

	batch := c.retired.take()
	if len(batch) == 0 {
		return 0
	}
	pinned := make(map[*T]struct{}, c.reg.slots())
	c.reg.snapshot(pinned)
	return c.retired.sweep(batch, pinned)
}

// close releases every value the cell still owns: all retired values and the
// published one, regardless of slot contents. The caller must have ensured
// all reader and writer activity is done.
func (c *core[T]) close() {
	if c.closed.Swap(true) {
		return
	}
	c.reclaimMu.Lock()
	defer c.reclaimMu.Unlock()
	c.retired.drainAll()
	if old := c.value.Swap(nil); old != nil {
		c.retired.dispose(old)
	}
}

func (c *core[T]) checkOpen() {
	if c.closed.Load() {
		panic("hazard: use after Close")
	}
}

func (c *core[T]) stats() CellStats {
	return CellStats{
		Slots:         c.reg.slots(),
		ActiveSlots:   c.reg.active(),
		Retired:       uint64(c.retired.len()),
		Freed:         c.retired.freed.Load(),
		Sets:          atomic.LoadUint64(&c.sets),
		Reads:         atomic.LoadUint64(&c.reads),
		ReclaimPasses: atomic.LoadUint64(&c.reclaimPasses),
	}
}

// CellStats is a point-in-time snapshot of a cell's counters.
type CellStats struct {
	Slots         uint64 // hazard slots ever created
	ActiveSlots   uint64 // slots currently owned by a reader
	Retired       uint64 // values awaiting reclamation
	Freed         uint64 // values released so far
	Sets          uint64
	Reads         uint64
	ReclaimPasses uint64
}

// Cell is a shared, mutable container with a lock-free read path. A *Cell
// may be held and used by any number of goroutines concurrently; every
// holder shares one registry and one retired list. Each read claims a
// hazard slot for its duration.
//
// Close releases every value the cell still owns. It must only be called
// once all reads and writes have finished; a cell that is never closed
// simply leaves the remaining values to the garbage collector (the Drop
// hook then never runs for them).
type Cell[T any] struct {
	core *core[T]
}

// New creates a cell holding value.
func New[T any](value T) *Cell[T] {
	return NewWithConfig(value, Config[T]{})
}

// NewWithConfig creates a cell with explicit configuration.
func NewWithConfig[T any](value T, cfg Config[T]) *Cell[T] {
	return &Cell[T]{core: newCore(value, cfg)}
}

// Get returns a copy of the current value.
func (c *Cell[T]) Get() T {
	c.core.checkOpen()
	s := c.core.reg.acquire()
	v := *c.core.protect(s)
	c.core.reg.release(s)
	return v
}

// View calls f with the current value pinned. The pointer is only valid
// during the call; f must not retain or mutate it.
func (c *Cell[T]) View(f func(*T)) {
	c.core.checkOpen()
	s := c.core.reg.acquire()
	defer c.core.reg.release(s) // even if f panics
	f(c.core.protect(s))
}

// Read pins the current value and returns a handle to it. The value stays
// valid, and is not reflected by later Sets, until the handle is closed.
func (c *Cell[T]) Read() *ReadHandle[T] {
	c.core.checkOpen()
	s := c.core.reg.acquire()
	p := c.core.protect(s)
	return &ReadHandle[T]{value: p, slot: s, core: c.core, release: true}
}

// Set replaces the published value, retires the prior one, and reclaims if
// enough garbage has piled up. Safe to call concurrently.
func (c *Cell[T]) Set(value T) {
	c.core.set(value, true)
}

// JustSet replaces the published value without attempting reclamation.
func (c *Cell[T]) JustSet(value T) {
	c.core.set(value, false)
}

// Reclaim forces a reclamation pass and reports how many values it freed.
// Returns 0 immediately if another pass is already running.
func (c *Cell[T]) Reclaim() int {
	c.core.checkOpen()
	return c.core.reclaim()
}

// NumRetired reports the number of values awaiting reclamation.
func (c *Cell[T]) NumRetired() int {
	return c.core.retired.len()
}

// Stats returns a snapshot of the cell's counters.
func (c *Cell[T]) Stats() CellStats {
	return c.core.stats()
}

// Close releases every value the cell still owns. See the type comment.
func (c *Cell[T]) Close() {
	c.core.close()
}

// ReadHandle pins one published value. Close must be called exactly once;
// until then Value stays safe to dereference no matter how many writes land.
type ReadHandle[T any] struct {
	value   *T
	slot    *hazardSlot[T]
	core    *core[T]
	release bool // shared cells give the slot back; pair readers keep theirs
}

// Value returns the pinned value. Must not be called after Close.
func (h *ReadHandle[T]) Value() *T {
	return h.value
}

// Close unpins the value.
func (h *ReadHandle[T]) Close() {
	if h.slot == nil {
		panic("hazard: ReadHandle closed twice")
	}
	if h.release {
		h.core.reg.release(h.slot)
	} else {
		h.core.clear(h.slot)
	}
	h.slot = nil
	h.value = nil
}
