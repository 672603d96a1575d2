package buffer

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func fill(b *Buffer, n int) {
	for i := 0; i < n; i++ {
		b.Append(TypeReceived, fmt.Sprintf("%d", i), "/dev/ttyUSB0")
	}
}

func TestAppendCapacityInvariant(t *testing.T) {
	b := New(5)

	for i := 0; i < 20; i++ {
		b.Append(TypeReceived, fmt.Sprintf("%d", i), "/dev/ttyUSB0")
		if b.Len() > 5 {
			t.Fatalf("after %d appends: Len() = %d, exceeds capacity 5", i+1, b.Len())
		}
	}

	if b.Len() != 5 {
		t.Errorf("Len() = %d, want exactly 5 once total inserted > capacity", b.Len())
	}
}

func TestAppendMonotonicIndex(t *testing.T) {
	b := New(3)

	var last uint64
	for i := 0; i < 10; i++ {
		e := b.Append(TypeReceived, "x", "/dev/ttyUSB0")
		if e.Index != uint64(i) {
			t.Fatalf("append %d: Index = %d, want %d (no gaps, no reuse)", i, e.Index, i)
		}
		if i > 0 && e.Index != last+1 {
			t.Fatalf("append %d: Index = %d, want %d", i, e.Index, last+1)
		}
		last = e.Index
	}
}

func TestOldestIndex(t *testing.T) {
	tests := []struct {
		capacity int
		appends  int
		want     uint64
	}{
		{10, 0, 0},
		{10, 5, 0},
		{10, 10, 0},
		{10, 11, 1},
		{10, 25, 15},
		{5, 7, 2},
	}

	for _, tt := range tests {
		b := New(tt.capacity)
		fill(b, tt.appends)
		if got := b.OldestIndex(); got != tt.want {
			t.Errorf("capacity=%d appends=%d: OldestIndex() = %d, want %d",
				tt.capacity, tt.appends, got, tt.want)
		}
	}
}

func TestEvictionScenario(t *testing.T) {
	// capacity 5, 7 appends: entries "2".."6" survive, 2 dropped.
	b := New(5)
	fill(b, 7)

	entries, _ := b.ReadRange(0, 100, "", "")
	if len(entries) != 5 {
		t.Fatalf("got %d entries, want 5", len(entries))
	}
	for i, e := range entries {
		want := fmt.Sprintf("%d", i+2)
		if e.Data != want {
			t.Errorf("entry %d: Data = %q, want %q", i, e.Data, want)
		}
	}

	stats := b.Statistics()
	if stats.EntriesDropped != 2 {
		t.Errorf("EntriesDropped = %d, want 2", stats.EntriesDropped)
	}
	if b.OldestIndex() != 2 {
		t.Errorf("OldestIndex() = %d, want 2", b.OldestIndex())
	}
}

func TestReadRangeIdempotent(t *testing.T) {
	b := New(10)
	fill(b, 6)

	first, firstMore := b.ReadRange(2, 3, "", "")
	for i := 0; i < 5; i++ {
		entries, hasMore := b.ReadRange(2, 3, "", "")
		if len(entries) != len(first) || hasMore != firstMore {
			t.Fatalf("call %d: got %d entries hasMore=%v, want %d/%v",
				i, len(entries), hasMore, len(first), firstMore)
		}
	}
	if b.Statistics().TotalEntries != 6 {
		t.Error("ReadRange mutated buffer state")
	}
}

func TestReadRangeWindow(t *testing.T) {
	b := New(10)
	fill(b, 10)

	entries, hasMore := b.ReadRange(0, 4, "", "")
	if len(entries) != 4 {
		t.Errorf("got %d entries, want 4", len(entries))
	}
	if !hasMore {
		t.Error("hasMore = false, want true (6 raw entries beyond window)")
	}

	entries, hasMore = b.ReadRange(6, 100, "", "")
	if len(entries) != 4 {
		t.Errorf("got %d entries, want 4", len(entries))
	}
	if hasMore {
		t.Error("hasMore = true, want false at end of buffer")
	}
}

func TestReadRangeTypeFilterScanWindow(t *testing.T) {
	// Alternating received/sent. The type filter is a view inside the scan
	// window: limit bounds raw entries scanned, not filtered results, and
	// hasMore reflects raw entries beyond the window.
	b := New(100)
	for i := 0; i < 10; i++ {
		typ := TypeReceived
		if i%2 == 1 {
			typ = TypeSent
		}
		b.Append(typ, fmt.Sprintf("%d", i), "/dev/ttyUSB0")
	}

	entries, hasMore := b.ReadRange(0, 100, "", TypeReceived)
	if len(entries) != 5 {
		t.Fatalf("got %d entries, want 5 received", len(entries))
	}
	for _, e := range entries {
		if e.Type != TypeReceived {
			t.Errorf("entry %d: Type = %q, want received", e.Index, e.Type)
		}
	}
	if hasMore {
		t.Error("hasMore = true, want false: window covered all raw entries")
	}

	// Window of 4 raw entries contains only 2 received, but hasMore is true
	// because raw entries remain beyond the window.
	entries, hasMore = b.ReadRange(0, 4, "", TypeReceived)
	if len(entries) != 2 {
		t.Errorf("got %d entries, want 2 (filter inside 4-entry window)", len(entries))
	}
	if !hasMore {
		t.Error("hasMore = false, want true (raw entries beyond scan window)")
	}
}

func TestReadRangePortFilter(t *testing.T) {
	b := New(100)
	b.Append(TypeReceived, "a", "/dev/ttyUSB0")
	b.Append(TypeReceived, "b", "/dev/ttyACM0")
	b.Append(TypeReceived, "c", "/dev/ttyUSB0")

	entries, _ := b.ReadRange(0, 100, "/dev/ttyACM0", "")
	if len(entries) != 1 || entries[0].Data != "b" {
		t.Errorf("port filter returned %v, want single entry %q", entries, "b")
	}
}

func TestResizeShrinkEviction(t *testing.T) {
	b := New(1000)
	fill(b, 500)

	result, err := b.Resize(100)
	if err != nil {
		t.Fatalf("Resize(100) error: %v", err)
	}
	if result.EntriesDropped != 400 {
		t.Errorf("EntriesDropped = %d, want 400", result.EntriesDropped)
	}
	if b.Len() != 100 {
		t.Errorf("Len() = %d, want 100", b.Len())
	}
	if got := b.Statistics().EntriesDropped; got != 400 {
		t.Errorf("stats EntriesDropped = %d, want 400", got)
	}
	// Newest entries survive.
	if b.OldestIndex() != 400 {
		t.Errorf("OldestIndex() = %d, want 400", b.OldestIndex())
	}
}

func TestResizeGrowNeverDrops(t *testing.T) {
	b := New(200)
	fill(b, 200)

	result, err := b.Resize(500)
	if err != nil {
		t.Fatalf("Resize(500) error: %v", err)
	}
	if result.EntriesDropped != 0 {
		t.Errorf("EntriesDropped = %d, want 0", result.EntriesDropped)
	}
	if b.Len() != 200 {
		t.Errorf("Len() = %d, want 200", b.Len())
	}

	// Appends continue with the same index sequence.
	e := b.Append(TypeReceived, "next", "/dev/ttyUSB0")
	if e.Index != 200 {
		t.Errorf("post-resize Index = %d, want 200", e.Index)
	}
}

func TestResizeBounds(t *testing.T) {
	b := New(1000)

	for _, n := range []int{0, -1, 99, 1_000_001} {
		if _, err := b.Resize(n); !errors.Is(err, ErrValidation) {
			t.Errorf("Resize(%d) error = %v, want ErrValidation", n, err)
		}
	}
	if b.Capacity() != 1000 {
		t.Error("rejected resize mutated capacity")
	}
}

func TestStatistics(t *testing.T) {
	b := New(200)
	fill(b, 100)

	stats := b.Statistics()
	if stats.BufferSize != 100 {
		t.Errorf("BufferSize = %d, want 100", stats.BufferSize)
	}
	if stats.MaxSize != 200 {
		t.Errorf("MaxSize = %d, want 200", stats.MaxSize)
	}
	if stats.UsagePercent != 50 {
		t.Errorf("UsagePercent = %v, want 50", stats.UsagePercent)
	}
	if stats.TotalEntries != 100 {
		t.Errorf("TotalEntries = %d, want 100", stats.TotalEntries)
	}
	if stats.OldestIndex != 0 || stats.NewestIndex != 99 {
		t.Errorf("indexes = [%d, %d], want [0, 99]", stats.OldestIndex, stats.NewestIndex)
	}
}

func TestClearAll(t *testing.T) {
	b := New(100)
	fill(b, 50)

	removed := b.Clear("")
	if removed != 50 {
		t.Errorf("Clear removed %d, want 50", removed)
	}
	if b.Len() != 0 {
		t.Errorf("Len() = %d, want 0", b.Len())
	}

	// Index continuity is preserved across a clear.
	e := b.Append(TypeReceived, "after", "/dev/ttyUSB0")
	if e.Index != 50 {
		t.Errorf("post-clear Index = %d, want 50", e.Index)
	}
}

func TestClearPort(t *testing.T) {
	b := New(100)
	b.Append(TypeReceived, "a", "/dev/ttyUSB0")
	b.Append(TypeReceived, "b", "/dev/ttyACM0")
	b.Append(TypeReceived, "c", "/dev/ttyUSB0")

	removed := b.Clear("/dev/ttyUSB0")
	if removed != 2 {
		t.Errorf("Clear removed %d, want 2", removed)
	}

	entries, _ := b.ReadRange(0, 100, "", "")
	if len(entries) != 1 || entries[0].Data != "b" {
		t.Errorf("surviving entries = %v, want only %q", entries, "b")
	}
	// Surviving entry keeps its original index.
	if entries[0].Index != 1 {
		t.Errorf("surviving Index = %d, want 1", entries[0].Index)
	}
}

func TestLatest(t *testing.T) {
	b := New(100)
	fill(b, 20)

	entries := b.Latest("", 5)
	if len(entries) != 5 {
		t.Fatalf("got %d entries, want 5", len(entries))
	}
	if entries[0].Data != "15" || entries[4].Data != "19" {
		t.Errorf("Latest window = %q..%q, want 15..19", entries[0].Data, entries[4].Data)
	}
}

func TestConcurrentAppendAndRead(t *testing.T) {
	b := New(500)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(port string) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				b.Append(TypeReceived, "line", port)
			}
		}(fmt.Sprintf("/dev/ttyS%d", w))
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				b.ReadRange(0, 50, "", "")
				b.Statistics()
				b.OldestIndex()
			}
		}()
	}
	wg.Wait()

	stats := b.Statistics()
	if stats.TotalEntries != 4000 {
		t.Errorf("TotalEntries = %d, want 4000", stats.TotalEntries)
	}
	if stats.BufferSize != 500 {
		t.Errorf("BufferSize = %d, want 500", stats.BufferSize)
	}
	if stats.EntriesDropped != 3500 {
		t.Errorf("EntriesDropped = %d, want 3500", stats.EntriesDropped)
	}
}

func BenchmarkAppend(b *testing.B) {
	buf := New(10_000)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Append(TypeReceived, "benchmark line of ordinary length\n", "/dev/ttyUSB0")
	}
}
