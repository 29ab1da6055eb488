package hazard

// Writer owns a cell exclusively and hands out Readers that carry a
// dedicated hazard slot for their whole lifetime, so their read path skips
// slot acquisition entirely. The pair works well with goroutines scoped to
// the writer:
//
//	w := hazard.NewWriter(false)
//	defer w.Close()
//
//	var wg sync.WaitGroup
//	r := w.NewReader()
//	wg.Add(1)
//	go func() {
//		defer wg.Done()
//		defer r.Close()
//		for !r.Get() {
//			runtime.Gosched()
//		}
//	}()
//	w.Set(true)
//	wg.Wait()
//
// Readers must be closed before the writer; Get, View or Read on a reader
// after Writer.Close panics.
//
// Writer methods are not safe for concurrent use with each other; the
// shared Cell is the presentation for racing writers.
type Writer[T any] struct {
	core *core[T]
	slot *hazardSlot[T] // the writer's own read slot
}

// NewWriter creates a writer owning a cell that holds value.
func NewWriter[T any](value T) *Writer[T] {
	return NewWriterWithConfig(value, Config[T]{})
}

// NewWriterWithConfig creates a writer with explicit configuration.
func NewWriterWithConfig[T any](value T, cfg Config[T]) *Writer[T] {
	c := newCore(value, cfg)
	return &Writer[T]{core: c, slot: c.reg.acquire()}
}

// NewReader returns a reader of the writer's cell, holding a dedicated
// hazard slot until closed. A reader is not safe for concurrent use;
// create one per reading goroutine.
func (w *Writer[T]) NewReader() *Reader[T] {
	w.core.checkOpen()
	return &Reader[T]{core: w.core, slot: w.core.reg.acquire()}
}

// Set replaces the published value, retires the prior one, and reclaims if
// enough garbage has piled up.
func (w *Writer[T]) Set(value T) {
	w.core.set(value, true)
}

// JustSet replaces the published value without attempting reclamation.
func (w *Writer[T]) JustSet(value T) {
	w.core.set(value, false)
}

// Get returns a copy of the current value.
func (w *Writer[T]) Get() T {
	w.core.checkOpen()
	v := *w.core.protect(w.slot)
	w.core.clear(w.slot)
	return v
}

// View calls f with the current value pinned. The pointer is only valid
// during the call.
func (w *Writer[T]) View(f func(*T)) {
	w.core.checkOpen()
	defer w.core.clear(w.slot) // even if f panics
	f(w.core.protect(w.slot))
}

// Read pins the current value through the writer's own slot. The handle
// must be closed before the writer's next Get, View or Read.
func (w *Writer[T]) Read() *ReadHandle[T] {
	w.core.checkOpen()
	p := w.core.protect(w.slot)
	return &ReadHandle[T]{value: p, slot: w.slot, core: w.core, release: false}
}

// Reclaim forces a reclamation pass and reports how many values it freed.
func (w *Writer[T]) Reclaim() int {
	w.core.checkOpen()
	return w.core.reclaim()
}

// NumRetired reports the number of values awaiting reclamation.
func (w *Writer[T]) NumRetired() int {
	return w.core.retired.len()
}

// Stats returns a snapshot of the cell's counters.
func (w *Writer[T]) Stats() CellStats {
	return w.core.stats()
}

// Close releases every value the cell still owns. All readers must be
// closed first.
func (w *Writer[T]) Close() {
	if w.slot != nil {
		w.core.reg.release(w.slot)
		w.slot = nil
	}
	w.core.close()
}

// Reader reads a writer's cell through a dedicated hazard slot. Its read
// path never touches the registry. Not safe for concurrent use.
type Reader[T any] struct {
	core *core[T]
	slot *hazardSlot[T]
}

// Get returns a copy of the current value.
func (r *Reader[T]) Get() T {
	r.core.checkOpen()
	v := *r.core.protect(r.slot)
	r.core.clear(r.slot)
	return v
}

// View calls f with the current value pinned. The pointer is only valid
// during the call.
func (r *Reader[T]) View(f func(*T)) {
	r.core.checkOpen()
	defer r.core.clear(r.slot) // even if f panics
	f(r.core.protect(r.slot))
}

// Read pins the current value. The handle must be closed before the
// reader's next Get, View or Read.
func (r *Reader[T]) Read() *ReadHandle[T] {
	r.core.checkOpen()
	p := r.core.protect(r.slot)
	return &ReadHandle[T]{value: p, slot: r.slot, core: r.core, release: false}
}

// Close releases the reader's slot back to the registry. The reader must
// not be used afterwards.
func (r *Reader[T]) Close() {
	if r.slot == nil {
		panic("hazard: reader closed twice")
	}
	r.core.reg.release(r.slot)
	r.slot = nil
}
