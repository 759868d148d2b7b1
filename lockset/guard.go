package lockset

import (
	"slices"

	"github.com/iotaledger/hive.go/constraints"
	"github.com/iotaledger/hive.go/ierrors"
	"go.uber.org/atomic"
)

// ErrAlreadyReleased is returned when a Guard is released more than once.
var ErrAlreadyReleased = ierrors.New("guard was already released")

// Guard represents ownership of a successfully acquired set of locks. It is handed out by LockSet.Acquire and
// releases all locks of the set at once when Release is called.
type Guard[K constraints.Ordered] struct {
	// set is the LockSet that handed out this Guard.
	set *LockSet[K]

	// sortedKeys are the held keys in acquisition order.
	sortedKeys []K

	// entries are the held lock entries in acquisition order.
	entries []*keyLock

	// released is set when the Guard is released.
	released atomic.Bool
}

// newGuard creates a Guard for the given acquired lock entries.
func newGuard[K constraints.Ordered](set *LockSet[K], sortedKeys []K, entries []*keyLock) *Guard[K] {
	return &Guard[K]{
		set:        set,
		sortedKeys: sortedKeys,
		entries:    entries,
	}
}

// Release releases all locks held by this Guard in the reverse order of their acquisition.
//
// A Guard must be released exactly once: releasing it a second time is a programming error that is reported with
// ErrAlreadyReleased instead of being silently ignored, since it usually hides a broken ownership transfer.
func (g *Guard[K]) Release() (err error) {
	if !g.released.CompareAndSwap(false, true) {
		return ErrAlreadyReleased
	}

	for i := len(g.entries) - 1; i >= 0; i-- {
		<-g.entries[i].ch
	}

	g.set.unpin(g.sortedKeys, g.entries)

	return nil
}

// Keys returns the keys held by this Guard in ascending order.
func (g *Guard[K]) Keys() (keys []K) {
	return slices.Clone(g.sortedKeys)
}

// Holds returns true if the given key is part of the held set.
func (g *Guard[K]) Holds(key K) (holds bool) {
	_, found := slices.BinarySearch(g.sortedKeys, key)

	return found
}
