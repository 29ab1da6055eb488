package hazard

import (
	"sync"
	"testing"
)

// Basic sanity: new, get, set, reclaim on a single goroutine.
func TestCellSingleThreaded(t *testing.T) {
	c := New(7)
	if got := c.Get(); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}

	c.Set(9)
	if got := c.Get(); got != 9 {
		t.Fatalf("expected 9, got %d", got)
	}

	c.Reclaim()
	if n := c.NumRetired(); n != 0 {
		t.Fatalf("expected empty retired list after reclaim, got %d entries", n)
	}
	c.Close()
}

func TestCellJustSetSkipsReclaim(t *testing.T) {
	c := New(0)
	for i := 1; i <= 100; i++ {
		c.JustSet(i)
	}
	if n := c.NumRetired(); n != 100 {
		t.Fatalf("expected 100 retired values, got %d", n)
	}

	if freed := c.Reclaim(); freed != 100 {
		t.Fatalf("expected reclaim to free 100 values, freed %d", freed)
	}
	if n := c.NumRetired(); n != 0 {
		t.Fatalf("expected empty retired list, got %d entries", n)
	}
	c.Close()
}

// Set must keep the retired list bounded by the configured threshold.
func TestCellSetTriggersReclaim(t *testing.T) {
	c := NewWithConfig(0, Config[int]{ReclaimThreshold: 4})
	for i := 1; i <= 100; i++ {
		c.Set(i)
	}
	if n := c.NumRetired(); n >= 4 {
		t.Fatalf("retired list not bounded by threshold: %d entries", n)
	}
	c.Close()
}

// A second reclaim with no intervening set must free nothing.
func TestCellReclaimIdempotent(t *testing.T) {
	c := New(0)
	for i := 1; i <= 10; i++ {
		c.JustSet(i)
	}

	if freed := c.Reclaim(); freed != 10 {
		t.Fatalf("first reclaim freed %d values, expected 10", freed)
	}
	if freed := c.Reclaim(); freed != 0 {
		t.Fatalf("second reclaim freed %d values, expected 0", freed)
	}
	c.Close()
}

// A read handle pins the value it observed: later sets do not change it and
// reclamation cannot free it until the handle is closed.
func TestCellReadHandle(t *testing.T) {
	c := New("hello")

	h := c.Read()
	if got := *h.Value(); got != "hello" {
		t.Fatalf("expected %q, got %q", "hello", got)
	}

	c.Set("world")
	if got := *h.Value(); got != "hello" {
		t.Fatalf("pinned value changed after set: %q", got)
	}
	if freed := c.Reclaim(); freed != 0 {
		t.Fatalf("reclaimed %d values while pinned", freed)
	}

	h.Close()
	if freed := c.Reclaim(); freed != 1 {
		t.Fatalf("expected 1 value freed after unpinning, got %d", freed)
	}
	if got := c.Get(); got != "world" {
		t.Fatalf("expected %q, got %q", "world", got)
	}
	c.Close()
}

func TestCellReadHandleDoubleClosePanics(t *testing.T) {
	c := New(1)
	h := c.Read()
	h.Close()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on second ReadHandle.Close")
		}
		c.Close()
	}()
	h.Close()
}

func TestCellView(t *testing.T) {
	c := New([]int{1, 2, 3})
	defer c.Close()

	var sum int
	c.View(func(v *[]int) {
		for _, x := range *v {
			sum += x
		}
	})
	if sum != 6 {
		t.Fatalf("expected sum 6, got %d", sum)
	}
}

func TestCellStats(t *testing.T) {
	c := NewWithConfig(0, Config[int]{})
	c.Set(1)
	c.Set(2)
	c.Get()

	st := c.Stats()
	if st.Sets != 2 {
		t.Fatalf("expected 2 sets, got %d", st.Sets)
	}
	if st.Reads == 0 {
		t.Fatalf("expected at least one read recorded")
	}
	if st.Retired != 2 {
		t.Fatalf("expected 2 retired values, got %d", st.Retired)
	}

	c.Close()
	st = c.Stats()
	if st.Freed != 3 {
		t.Fatalf("expected 3 values freed after close, got %d", st.Freed)
	}
	if st.Retired != 0 {
		t.Fatalf("expected empty retired list after close, got %d", st.Retired)
	}
}

func TestCellUseAfterClosePanics(t *testing.T) {
	c := New(1)
	c.Close()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on Get after Close")
		}
	}()
	c.Get()
}

func TestCellNegativeThresholdPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on negative reclaim threshold")
		}
	}()
	NewWithConfig(0, Config[int]{ReclaimThreshold: -1})
}

// Write totality: W concurrent writers each publish one unique value; after
// close, every value that ever existed is freed exactly once.
func TestCellWriteTotality(t *testing.T) {
	const writers = 32

	var mu sync.Mutex
	freedValues := make(map[int]int)
	c := NewWithConfig(-1, Config[int]{Drop: func(p *int) {
		mu.Lock()
		freedValues[*p]++
		mu.Unlock()
	}})

	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(v int) {
			defer wg.Done()
			c.JustSet(v)
		}(i)
	}
	wg.Wait()
	c.Close()

	total := 0
	for v, n := range freedValues {
		if n != 1 {
			t.Fatalf("value %d freed %d times (expected 1)", v, n)
		}
		if v != -1 && (v < 0 || v >= writers) {
			t.Fatalf("freed unknown value %d", v)
		}
		total += n
	}
	if total != writers+1 {
		t.Fatalf("freed %d values, expected %d", total, writers+1)
	}
}

// One writer, one reader: the reader only ever observes the initial value or
// one of the written values, and the final value wins.
func TestCellOneWriterOneReader(t *testing.T) {
	const (
		writes = 1_000
		reads  = 10_000
	)

	c := New(-1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < writes; i++ {
			c.Set(i)
		}
	}()

	for i := 0; i < reads; i++ {
		if v := c.Get(); v < -1 || v >= writes {
			t.Fatalf("read value %d outside the written range", v)
		}
	}
	<-done

	if got := c.Get(); got != writes-1 {
		t.Fatalf("expected final value %d, got %d", writes-1, got)
	}
	c.Reclaim()
	if n := c.NumRetired(); n != 0 {
		t.Fatalf("expected empty retired list, got %d entries", n)
	}
	c.Close()
}
