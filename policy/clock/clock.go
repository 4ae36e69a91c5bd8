// Package clock implements the CLOCK (second-chance) approximation of LRU
// used by bounded entries maps.
//
// The list is a FIFO of entries. Pop walks from the head: entries marked
// evicted are dropped, recently-used entries lose their mark and go to the
// tail, and the first unmarked entry is the victim. Removal is lazy: callers
// set the evicted bit and the next Pop unlinks the node.
package clock

import (
	"sync"

	"git.lukeshu.com/go/typedsync"

	"github.com/IvanBrykalov/gridclient/policy"
)

type node[E policy.Entry] struct {
	entry E
	next  *node[E]
}

// List is a CLOCK list. The zero value is ready to use.
// All methods are safe for concurrent use.
type List[E policy.Entry] struct {
	mu   sync.Mutex
	head *node[E] // oldest
	tail *node[E] // newest
	size int
	pool typedsync.Pool[*node[E]]
}

// Append links e at the tail. An entry that is still linked (for example
// lazily removed but not yet swept) is revived in place rather than linked
// a second time, so the list never holds two nodes for one entry.
func (l *List[E]) Append(e E) {
	b := e.LRUBits()

	l.mu.Lock()
	defer l.mu.Unlock()

	if !b.MarkLinked() {
		b.ClearEvicted()
		return
	}
	b.ClearEvicted()
	l.pushLocked(e)
}

// Pop returns the next victim, or false when the list has no eligible entry.
// The returned entry is no longer linked.
func (l *List[E]) Pop() (E, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for l.head != nil {
		n := l.head
		l.head = n.next
		if l.head == nil {
			l.tail = nil
		}
		l.size--

		e := n.entry
		l.release(n)

		b := e.LRUBits()
		switch {
		case b.TestEvicted():
			b.ClearLinked()
		case b.TestRecentlyUsed():
			b.ClearRecentlyUsed()
			l.pushLocked(e)
		default:
			b.ClearLinked()
			return e, true
		}
	}
	var zero E
	return zero, false
}

// Len returns the number of linked nodes, including lazily removed ones.
func (l *List[E]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Clear unlinks every node.
func (l *List[E]) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for n := l.head; n != nil; {
		next := n.next
		n.entry.LRUBits().ClearLinked()
		l.release(n)
		n = next
	}
	l.head, l.tail, l.size = nil, nil, 0
}

func (l *List[E]) pushLocked(e E) {
	n, ok := l.pool.Get()
	if !ok {
		n = new(node[E])
	}
	n.entry = e
	n.next = nil
	if l.tail == nil {
		l.head = n
	} else {
		l.tail.next = n
	}
	l.tail = n
	l.size++
}

func (l *List[E]) release(n *node[E]) {
	var zero E
	n.entry = zero
	n.next = nil
	l.pool.Put(n)
}
