package buffer

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Capacity bounds for the shared buffer. Resize requests outside this range
// are rejected before any mutation.
const (
	MinCapacity     = 100
	MaxCapacity     = 1_000_000
	DefaultCapacity = 10_000
)

// DefaultReadLimit bounds the scan window when the caller does not specify one.
const DefaultReadLimit = 100

// Buffer is a fixed-capacity, insertion-ordered store of serial traffic
// entries shared by every connection and every cursor consumer. When full,
// appending evicts the oldest entry; eviction is silent and expected under
// sustained overflow, reported only through statistics.
//
// All methods are safe for concurrent use. A single mutex serializes
// mutations (append, resize, cursor movement); pure reads take the read lock.
type Buffer struct {
	mu      sync.RWMutex
	entries []Entry // ring storage, len(entries) == capacity
	head    int     // position of the oldest stored entry
	count   int     // number of stored entries

	nextIndex     uint64 // next global index to assign, never reset
	totalInserted uint64
	totalDropped  uint64

	cursors map[string]*cursorState
}

// New creates a buffer with the given capacity. A non-positive capacity
// falls back to DefaultCapacity; bounds enforcement against
// [MinCapacity, MaxCapacity] is the configuration layer's concern so that
// tests can build small buffers directly.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		entries: make([]Entry, capacity),
		cursors: make(map[string]*cursorState),
	}
}

// Append records one line of traffic, assigns it the next global index and
// returns the stored entry. It always succeeds: at capacity the oldest entry
// is evicted first and counted in the drop statistics.
func (b *Buffer) Append(entryType EntryType, data, port string) Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := Entry{
		Index:     b.nextIndex,
		Timestamp: time.Now().UTC(),
		Type:      entryType,
		Data:      data,
		Port:      port,
	}
	b.nextIndex++
	b.totalInserted++

	if b.count == len(b.entries) {
		// Evict the oldest entry by advancing head.
		b.head = (b.head + 1) % len(b.entries)
		b.count--
		b.totalDropped++
	}

	b.entries[(b.head+b.count)%len(b.entries)] = entry
	b.count++

	return entry
}

// ReadRange returns up to limit raw entries with Index >= start in ascending
// index order. Filters apply inside that window only: limit bounds the scan
// window, not the filtered result count, so callers may receive fewer than
// limit entries even when more raw entries exist. hasMore reports whether raw
// entries exist beyond the scanned window. ReadRange never mutates buffer or
// cursor state.
func (b *Buffer) ReadRange(start uint64, limit int, portFilter string, typeFilter EntryType) ([]Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.readRangeLocked(start, limit, portFilter, typeFilter)
}

func (b *Buffer) readRangeLocked(start uint64, limit int, portFilter string, typeFilter EntryType) ([]Entry, bool) {
	if limit <= 0 {
		limit = DefaultReadLimit
	}

	// Stored entries are sorted by index, so locate the window start with a
	// binary search over logical positions.
	pos := sort.Search(b.count, func(i int) bool {
		return b.at(i).Index >= start
	})

	window := b.count - pos
	if window > limit {
		window = limit
	}

	entries := make([]Entry, 0, window)
	for i := pos; i < pos+window; i++ {
		e := b.at(i)
		if portFilter != "" && e.Port != portFilter {
			continue
		}
		if typeFilter != "" && e.Type != typeFilter {
			continue
		}
		entries = append(entries, e)
	}

	hasMore := pos+window < b.count
	return entries, hasMore
}

// Latest returns the newest limit entries, optionally restricted to one port.
// This is the cursor-less read path.
func (b *Buffer) Latest(port string, limit int) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 {
		limit = DefaultReadLimit
	}

	entries := make([]Entry, 0, limit)
	for i := b.count - 1; i >= 0 && len(entries) < limit; i-- {
		e := b.at(i)
		if port != "" && e.Port != port {
			continue
		}
		entries = append(entries, e)
	}

	// Reverse into ascending index order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries
}

// OldestIndex returns the global index of the oldest stored entry, or the
// next index to assign when the buffer is empty. Entries with a lower index
// no longer exist.
func (b *Buffer) OldestIndex() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.oldestIndexLocked()
}

func (b *Buffer) oldestIndexLocked() uint64 {
	if b.count == 0 {
		return b.nextIndex
	}
	return b.entries[b.head].Index
}

// NextIndex returns the global index the next appended entry will receive.
func (b *Buffer) NextIndex() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nextIndex
}

// Len returns the number of stored entries.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Capacity returns the current maximum number of stored entries.
func (b *Buffer) Capacity() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// ResizeResult reports the outcome of a Resize call.
type ResizeResult struct {
	OldCapacity    int `json:"old_size"`
	NewCapacity    int `json:"new_size"`
	EntriesDropped int `json:"entries_dropped"`
}

// Resize changes the buffer capacity. Shrinking below the current length
// evicts the oldest entries and counts them as dropped; growing never drops.
// Capacities outside [MinCapacity, MaxCapacity] are rejected before any
// mutation.
func (b *Buffer) Resize(newCapacity int) (ResizeResult, error) {
	if newCapacity < MinCapacity || newCapacity > MaxCapacity {
		return ResizeResult{}, fmt.Errorf("%w: capacity %d outside [%d, %d]",
			ErrValidation, newCapacity, MinCapacity, MaxCapacity)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	result := ResizeResult{
		OldCapacity: len(b.entries),
		NewCapacity: newCapacity,
	}

	keep := b.count
	if keep > newCapacity {
		result.EntriesDropped = b.count - newCapacity
		keep = newCapacity
	}

	// Copy the newest keep entries into fresh ring storage.
	entries := make([]Entry, newCapacity)
	skip := b.count - keep
	for i := 0; i < keep; i++ {
		entries[i] = b.at(skip + i)
	}

	b.totalDropped += uint64(result.EntriesDropped)
	b.entries = entries
	b.head = 0
	b.count = keep

	return result, nil
}

// Clear removes stored entries, either for one port or for the whole buffer
// when port is empty. The global index sequence is never reset, so existing
// cursors ahead of the cleared range stay valid. Returns the number of
// entries removed.
func (b *Buffer) Clear(port string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if port == "" {
		removed := b.count
		b.head = 0
		b.count = 0
		b.totalDropped = 0
		return removed
	}

	kept := make([]Entry, 0, b.count)
	for i := 0; i < b.count; i++ {
		e := b.at(i)
		if e.Port != port {
			kept = append(kept, e)
		}
	}
	removed := b.count - len(kept)

	entries := make([]Entry, len(b.entries))
	copy(entries, kept)
	b.entries = entries
	b.head = 0
	b.count = len(kept)

	return removed
}

// Stats is a point-in-time snapshot of buffer and cursor state.
type Stats struct {
	BufferSize     int     `json:"buffer_size"`
	MaxSize        int     `json:"max_size"`
	UsagePercent   float64 `json:"usage_percent"`
	TotalEntries   uint64  `json:"total_entries"`
	EntriesDropped uint64  `json:"entries_dropped"`
	DropRate       float64 `json:"drop_rate"`
	OldestIndex    uint64  `json:"oldest_index"`
	NewestIndex    uint64  `json:"newest_index"`
	ActiveCursors  int     `json:"active_cursors"`
	ValidCursors   int     `json:"valid_cursors"`
	InvalidCursors int     `json:"invalid_cursors"`
}

// Statistics returns a consistent snapshot. Pure read, no mutation.
func (b *Buffer) Statistics() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	stats := Stats{
		BufferSize:     b.count,
		MaxSize:        len(b.entries),
		TotalEntries:   b.totalInserted,
		EntriesDropped: b.totalDropped,
		OldestIndex:    b.oldestIndexLocked(),
		ActiveCursors:  len(b.cursors),
	}
	if len(b.entries) > 0 {
		stats.UsagePercent = float64(b.count) / float64(len(b.entries)) * 100
	}
	if b.totalInserted > 0 {
		stats.DropRate = float64(b.totalDropped) / float64(b.totalInserted) * 100
	}
	if b.count > 0 {
		stats.NewestIndex = b.at(b.count - 1).Index
	}
	for _, c := range b.cursors {
		if b.cursorValidLocked(c) {
			stats.ValidCursors++
		} else {
			stats.InvalidCursors++
		}
	}
	return stats
}

// at returns the stored entry at logical position i (0 = oldest). Callers
// must hold the lock.
func (b *Buffer) at(i int) Entry {
	return b.entries[(b.head+i)%len(b.entries)]
}
