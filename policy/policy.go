// Package policy holds the per-entry LRU state shared by the entries map
// and the CLOCK list, and the eviction actions a bounded map may apply.
package policy

import (
	"fmt"
	"strings"
	"sync/atomic"
)

const (
	bitRecentlyUsed uint32 = 1 << iota
	bitEvicted
	bitLinked
)

// Bits is the LRU state word embedded in every cache entry.
// All operations are lock-free and idempotent; the zero value is an
// unmarked entry that is not on any list.
type Bits struct {
	w atomic.Uint32
}

func (b *Bits) set(mask uint32) {
	for {
		old := b.w.Load()
		if old&mask == mask {
			return
		}
		if b.w.CompareAndSwap(old, old|mask) {
			return
		}
	}
}

func (b *Bits) clear(mask uint32) {
	for {
		old := b.w.Load()
		if old&mask == 0 {
			return
		}
		if b.w.CompareAndSwap(old, old&^mask) {
			return
		}
	}
}

func (b *Bits) test(mask uint32) bool { return b.w.Load()&mask != 0 }

// SetRecentlyUsed marks the entry as touched since the last CLOCK sweep.
func (b *Bits) SetRecentlyUsed() { b.set(bitRecentlyUsed) }

// ClearRecentlyUsed consumes the entry's second chance.
func (b *Bits) ClearRecentlyUsed() { b.clear(bitRecentlyUsed) }

// TestRecentlyUsed reports whether the recently-used bit is set.
func (b *Bits) TestRecentlyUsed() bool { return b.test(bitRecentlyUsed) }

// SetEvicted marks the entry as logically removed from its list.
func (b *Bits) SetEvicted() { b.set(bitEvicted) }

// ClearEvicted revives an entry that is still linked.
func (b *Bits) ClearEvicted() { b.clear(bitEvicted) }

// TestEvicted reports whether the evicted bit is set.
func (b *Bits) TestEvicted() bool { return b.test(bitEvicted) }

// MarkLinked sets the linked bit and reports whether it was previously clear.
// Only list implementations should call it.
func (b *Bits) MarkLinked() bool {
	for {
		old := b.w.Load()
		if old&bitLinked != 0 {
			return false
		}
		if b.w.CompareAndSwap(old, old|bitLinked) {
			return true
		}
	}
}

// ClearLinked drops list ownership. Only list implementations should call it.
func (b *Bits) ClearLinked() { b.clear(bitLinked) }

// Linked reports whether some list currently holds a node for the entry.
func (b *Bits) Linked() bool { return b.test(bitLinked) }

// Entry is the minimal contract a value must satisfy to live on an LRU list.
type Entry interface {
	LRUBits() *Bits
}

// Action is what a bounded map does with a victim chosen by the LRU list.
type Action uint8

const (
	// LocalDestroy removes the entry from the local map.
	LocalDestroy Action = iota
	// LocalInvalidate keeps the key but drops the value.
	LocalInvalidate
	// OverflowToDisk moves the value to the overflow store and keeps the key.
	OverflowToDisk
)

// String returns the configuration spelling of the action.
func (a Action) String() string {
	switch a {
	case LocalDestroy:
		return "local-destroy"
	case LocalInvalidate:
		return "local-invalidate"
	case OverflowToDisk:
		return "overflow-to-disk"
	default:
		return fmt.Sprintf("Action(%d)", uint8(a))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (a Action) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler; it accepts the
// String spelling, case-insensitively, with '_' or '-' separators.
func (a *Action) UnmarshalText(text []byte) error {
	s := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(string(text))), "_", "-")
	switch s {
	case "local-destroy", "destroy":
		*a = LocalDestroy
	case "local-invalidate", "invalidate":
		*a = LocalInvalidate
	case "overflow-to-disk", "overflow":
		*a = OverflowToDisk
	default:
		return fmt.Errorf("policy: unknown eviction action %q", string(text))
	}
	return nil
}

// Overflows reports whether victims keep their key with the value moved out.
func (a Action) Overflows() bool { return a == OverflowToDisk }
