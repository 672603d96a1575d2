package buffer

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrCursorNotFound is returned when an operation references an unknown
	// cursor id.
	ErrCursorNotFound = errors.New("cursor not found")

	// ErrCursorInvalid is returned by reads on an evicted position when
	// auto-recovery is disabled. The concrete error is an InvalidCursorError
	// carrying the current buffer bounds.
	ErrCursorInvalid = errors.New("cursor invalid")

	// ErrValidation is returned for malformed requests (out-of-range resize,
	// unknown start position) before any mutation happens.
	ErrValidation = errors.New("validation error")
)

// InvalidCursorError reports a cursor whose position has been evicted,
// with enough buffer state for the caller to decide how to recover.
type InvalidCursorError struct {
	CursorID    string
	Position    uint64
	OldestIndex uint64
	NextIndex   uint64
}

func (e *InvalidCursorError) Error() string {
	return fmt.Sprintf("cursor %s invalid: position %d evicted (oldest available %d, next %d)",
		e.CursorID, e.Position, e.OldestIndex, e.NextIndex)
}

func (e *InvalidCursorError) Is(target error) bool {
	return target == ErrCursorInvalid
}

// StartFrom selects the initial position of a new cursor.
type StartFrom string

const (
	StartOldest    StartFrom = "oldest"    // oldest available entry
	StartNewest    StartFrom = "newest"    // newest existing entry
	StartNext      StartFrom = "next"      // only future entries
	StartBeginning StartFrom = "beginning" // index 0, may already be evicted
)

// cursorState is a weak positional reference into the buffer's index space.
// It owns no entries; validity is computed against current buffer bounds on
// every use, never cached.
type cursorState struct {
	id         string
	position   uint64
	portFilter string
	createdAt  time.Time
	lastRead   time.Time
	readsCount int64
}

// CursorInfo is the externally visible snapshot of a cursor.
type CursorInfo struct {
	ID            string    `json:"cursor_id"`
	Position      uint64    `json:"position"`
	IsValid       bool      `json:"is_valid"`
	PortFilter    string    `json:"port_filter,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastRead      time.Time `json:"last_read,omitzero"`
	ReadsCount    int64     `json:"reads_count"`
	EntriesBehind uint64    `json:"entries_behind"`
	EntriesAhead  uint64    `json:"entries_ahead"`
}

// ReadResult is the outcome of a cursor read.
type ReadResult struct {
	Entries []Entry    `json:"entries"`
	HasMore bool       `json:"has_more"`
	Cursor  CursorInfo `json:"cursor_state"`
	Warning string     `json:"warning,omitempty"`
}

// CreateCursor registers a new read position and returns its id. portFilter,
// when non-empty, restricts every read through this cursor to one device.
func (b *Buffer) CreateCursor(startFrom StartFrom, portFilter string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var position uint64
	switch startFrom {
	case StartOldest, "":
		position = b.oldestIndexLocked()
	case StartNewest:
		if b.count > 0 {
			position = b.at(b.count - 1).Index
		}
	case StartNext:
		position = b.nextIndex
	case StartBeginning:
		position = 0
	default:
		return "", fmt.Errorf("%w: unknown start position %q", ErrValidation, startFrom)
	}

	c := &cursorState{
		id:         uuid.NewString(),
		position:   position,
		portFilter: portFilter,
		createdAt:  time.Now().UTC(),
	}
	b.cursors[c.id] = c
	return c.id, nil
}

// ReadFromCursor reads up to limit entries starting at the cursor's position
// and advances the cursor past the last returned entry. An invalid cursor is
// silently relocated to the oldest available index when autoRecover is set,
// with a warning describing the jump; otherwise the read fails with an
// InvalidCursorError and the cursor is left untouched.
//
// portFilter overrides the cursor's own filter for this call when non-empty.
// A cursor positioned exactly at the next index is the normal caught-up
// state: it yields zero entries and no error.
func (b *Buffer) ReadFromCursor(cursorID string, limit int, portFilter string, typeFilter EntryType, autoRecover bool) (ReadResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.cursors[cursorID]
	if !ok {
		return ReadResult{}, fmt.Errorf("%w: %s", ErrCursorNotFound, cursorID)
	}

	var warning string
	if !b.cursorValidLocked(c) {
		if !autoRecover {
			return ReadResult{}, &InvalidCursorError{
				CursorID:    c.id,
				Position:    c.position,
				OldestIndex: b.oldestIndexLocked(),
				NextIndex:   b.nextIndex,
			}
		}
		oldest := b.oldestIndexLocked()
		skipped := oldest - c.position
		c.position = oldest
		warning = fmt.Sprintf("cursor recovered: %d entries skipped due to buffer overflow", skipped)
	}

	filter := portFilter
	if filter == "" {
		filter = c.portFilter
	}

	entries, hasMore := b.readRangeLocked(c.position, limit, filter, typeFilter)

	if len(entries) > 0 {
		c.position = entries[len(entries)-1].Index + 1
		c.lastRead = time.Now().UTC()
		c.readsCount++
	}

	return ReadResult{
		Entries: entries,
		HasMore: hasMore,
		Cursor:  b.cursorInfoLocked(c),
		Warning: warning,
	}, nil
}

// DeleteCursor removes a cursor.
func (b *Buffer) DeleteCursor(cursorID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.cursors[cursorID]; !ok {
		return fmt.Errorf("%w: %s", ErrCursorNotFound, cursorID)
	}
	delete(b.cursors, cursorID)
	return nil
}

// CursorInfo returns the current snapshot of one cursor.
func (b *Buffer) CursorInfo(cursorID string) (CursorInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	c, ok := b.cursors[cursorID]
	if !ok {
		return CursorInfo{}, fmt.Errorf("%w: %s", ErrCursorNotFound, cursorID)
	}
	return b.cursorInfoLocked(c), nil
}

// ListCursors returns snapshots of every registered cursor.
func (b *Buffer) ListCursors() []CursorInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()

	infos := make([]CursorInfo, 0, len(b.cursors))
	for _, c := range b.cursors {
		infos = append(infos, b.cursorInfoLocked(c))
	}
	return infos
}

// CleanupInvalidCursors removes every cursor whose position has been evicted
// and returns the number removed. The sweep is atomic with respect to
// concurrent reads and appends.
func (b *Buffer) CleanupInvalidCursors() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for id, c := range b.cursors {
		if !b.cursorValidLocked(c) {
			delete(b.cursors, id)
			removed++
		}
	}
	return removed
}

// cursorValidLocked computes validity against current buffer bounds: a
// cursor is valid iff its position has not been evicted and does not point
// past the next index to assign.
func (b *Buffer) cursorValidLocked(c *cursorState) bool {
	return c.position >= b.oldestIndexLocked() && c.position <= b.nextIndex
}

func (b *Buffer) cursorInfoLocked(c *cursorState) CursorInfo {
	info := CursorInfo{
		ID:         c.id,
		Position:   c.position,
		IsValid:    b.cursorValidLocked(c),
		PortFilter: c.portFilter,
		CreatedAt:  c.createdAt,
		LastRead:   c.lastRead,
		ReadsCount: c.readsCount,
	}
	if info.IsValid {
		info.EntriesBehind = c.position - b.oldestIndexLocked()
		if b.nextIndex > c.position {
			info.EntriesAhead = b.nextIndex - c.position
		}
	}
	return info
}
