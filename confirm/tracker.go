// Package confirm tracks the piece identifiers an operator has confirmed.
package confirm

import (
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Tracker is a set of confirmed piece identifiers. Membership changes only
// through explicit operator actions; it never follows the per-cycle
// detection list. No operation fails.
type Tracker struct {
	mu  sync.Mutex
	ids map[int]struct{}
}

func NewTracker() *Tracker {
	return &Tracker{ids: make(map[int]struct{})}
}

// Toggle flips membership of pieceID and reports whether it is now
// confirmed.
func (t *Tracker) Toggle(pieceID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.ids[pieceID]; ok {
		delete(t.ids, pieceID)
		return false
	}
	t.ids[pieceID] = struct{}{}
	return true
}

// ConfirmedSet returns a sorted snapshot.
func (t *Tracker) ConfirmedSet() []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := lo.Keys(t.ids)
	sort.Ints(out)
	return out
}

func (t *Tracker) Contains(pieceID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.ids[pieceID]
	return ok
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ids)
}

// Reset empties the set.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ids = make(map[int]struct{})
}

// Replace swaps the whole set for ids, dropping duplicates.
func (t *Tracker) Replace(ids []int) {
	next := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		next[id] = struct{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.ids = next
}
