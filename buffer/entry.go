package buffer

import "time"

// EntryType classifies a single unit of serial traffic.
type EntryType string

const (
	TypeReceived EntryType = "received"
	TypeSent     EntryType = "sent"
	TypeSystem   EntryType = "system"
	TypeError    EntryType = "error"
)

// Valid reports whether t is one of the known entry types.
func (t EntryType) Valid() bool {
	switch t {
	case TypeReceived, TypeSent, TypeSystem, TypeError:
		return true
	}
	return false
}

// Entry is one recorded line of serial traffic. Entries are immutable once
// appended; the buffer owns them and consumers only ever see copies.
type Entry struct {
	Index     uint64    `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Type      EntryType `json:"type"`
	Data      string    `json:"data"`
	Port      string    `json:"port"`
}
