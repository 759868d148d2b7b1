package lockset

import (
	"context"
	"slices"

	"github.com/iotaledger/hive.go/constraints"
	"github.com/iotaledger/hive.go/ds/shrinkingmap"
	"github.com/iotaledger/hive.go/ierrors"
	"github.com/iotaledger/hive.go/runtime/syncutils"
)

// region LockSet //////////////////////////////////////////////////////////////////////////////////////////////////////

// LockSet is a registry of per-key locks that can be acquired together as a single atomic set.
//
// Acquisition always happens in ascending key order, so two callers that both need an overlapping set of keys can
// never wait on each other in a cycle, regardless of the order in which they name their keys:
//
//	Goroutine 1          Goroutine 2
//	Acquire(a, c)        Acquire(c, a) <- blocks on a (both sort to [a, c])
//	     work                 wait
//	  release                 wait
//	        -            Acquire(c, a) <- successful
//
// Keys only consume memory while at least one caller holds or waits for them; entries are dropped again once the
// last interested caller releases its Guard.
type LockSet[K constraints.Ordered] struct {
	// locks holds the lock entry for every key that is currently held or waited for.
	locks *shrinkingmap.ShrinkingMap[K, *keyLock]

	// mutex guards the reference counts of the lock entries.
	mutex syncutils.Mutex
}

// New creates a new LockSet.
func New[K constraints.Ordered]() *LockSet[K] {
	return &LockSet[K]{
		locks: shrinkingmap.New[K, *keyLock](),
	}
}

// Acquire blocks until the locks for all given keys are held by the caller and returns a Guard that releases them
// again. Duplicate keys are deduplicated, so every key is acquired exactly once per request.
//
// Internally the keys are sorted ascending and locked one at a time, which makes concurrent overlapping requests
// deadlock-free (see the type documentation). Waiters on a contended key are served in arrival order, so no caller
// can starve.
//
// If the given context is canceled or its deadline expires while waiting for any of the locks, all locks that were
// already acquired for this request are released again before the error is returned (all-or-nothing acquisition).
//
// Acquire must not be called again while the caller still holds an overlapping Guard: the second acquisition would
// wait for the caller's own locks. Callers that need additional keys release their Guard and re-acquire the union.
func (l *LockSet[K]) Acquire(ctx context.Context, keys ...K) (guard *Guard[K], err error) {
	if err = ctx.Err(); err != nil {
		return nil, ierrors.Wrap(err, "lock set acquisition aborted")
	}

	sortedKeys := sortedUnique(keys)
	entries := l.reserve(sortedKeys)

	for i, entry := range entries {
		select {
		case entry.ch <- struct{}{}:
			// lock acquired without blocking
		default:
			select {
			case entry.ch <- struct{}{}:
				// lock acquired after waiting
			case <-ctx.Done():
				l.rollback(sortedKeys, entries, i)

				return nil, ierrors.Wrapf(ctx.Err(), "lock set acquisition aborted while waiting for key %v", sortedKeys[i])
			}
		}
	}

	return newGuard(l, sortedKeys, entries), nil
}

// TryAcquire attempts to acquire the locks for all given keys without blocking. It either returns a Guard holding
// every requested lock or releases everything again and reports false as soon as a single key is contended.
func (l *LockSet[K]) TryAcquire(keys ...K) (guard *Guard[K], acquired bool) {
	sortedKeys := sortedUnique(keys)
	entries := l.reserve(sortedKeys)

	for i, entry := range entries {
		select {
		case entry.ch <- struct{}{}:
			// lock acquired
		default:
			l.rollback(sortedKeys, entries, i)

			return nil, false
		}
	}

	return newGuard(l, sortedKeys, entries), true
}

// HeldKeys returns the keys that are currently held or waited for by at least one caller.
func (l *LockSet[K]) HeldKeys() (keys []K) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	keys = make([]K, 0, l.locks.Size())
	l.locks.ForEachKey(func(key K) bool {
		keys = append(keys, key)

		return true
	})

	return keys
}

// reserve looks up (or creates) the lock entries for the given sorted keys and pins them by increasing their
// reference counts, so they survive until the request releases them again.
func (l *LockSet[K]) reserve(sortedKeys []K) (entries []*keyLock) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	entries = make([]*keyLock, len(sortedKeys))
	for i, key := range sortedKeys {
		entry, _ := l.locks.GetOrCreate(key, newKeyLock)
		entry.refs++

		entries[i] = entry
	}

	return entries
}

// rollback releases the first lockedCount locks of a partially acquired request in reverse order and unpins all of
// its lock entries.
func (l *LockSet[K]) rollback(sortedKeys []K, entries []*keyLock, lockedCount int) {
	for i := lockedCount - 1; i >= 0; i-- {
		<-entries[i].ch
	}

	l.unpin(sortedKeys, entries)
}

// unpin decreases the reference counts of the given lock entries and drops the entries that are no longer used.
func (l *LockSet[K]) unpin(sortedKeys []K, entries []*keyLock) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	for i, entry := range entries {
		if entry.refs--; entry.refs == 0 {
			l.locks.Delete(sortedKeys[i])
		}
	}
}

// sortedUnique returns the given keys sorted ascending with duplicates removed.
func sortedUnique[K constraints.Ordered](keys []K) (sortedKeys []K) {
	sortedKeys = slices.Clone(keys)
	slices.Sort(sortedKeys)

	return slices.Compact(sortedKeys)
}

// endregion ///////////////////////////////////////////////////////////////////////////////////////////////////////////

// region keyLock //////////////////////////////////////////////////////////////////////////////////////////////////////

// keyLock is the lock entry for a single key.
//
// The lock is modeled as a channel with a single slot: sending into the channel acquires the lock, receiving from it
// releases the lock. Blocked senders are queued by the runtime in arrival order, which gives waiters on a contended
// key starvation-freedom.
type keyLock struct {
	// ch holds one element while the lock is held.
	ch chan struct{}

	// refs counts the requests that currently hold or wait for this entry (guarded by the LockSet's mutex).
	refs int
}

// newKeyLock creates a new keyLock.
func newKeyLock() *keyLock {
	return &keyLock{
		ch: make(chan struct{}, 1),
	}
}

// endregion ///////////////////////////////////////////////////////////////////////////////////////////////////////////
