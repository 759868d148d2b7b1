package resource

import (
	"context"

	"github.com/iotaledger/hive.go/ds/shrinkingmap"
	"github.com/iotaledger/hive.go/ierrors"
	"go.uber.org/atomic"

	"github.com/threadloom/loom/lockset"
)

var (
	// ErrNotFound is returned when an operation names a resource identity that is not (or no longer) registered.
	ErrNotFound = ierrors.New("resource not found")

	// ErrStillLinked is returned when a resource with remaining links is removed.
	ErrStillLinked = ierrors.New("resource is still linked")

	// ErrSelfLink is returned when a resource is linked to itself.
	ErrSelfLink = ierrors.New("a resource can not be linked to itself")
)

// region Registry /////////////////////////////////////////////////////////////////////////////////////////////////////

// Registry owns a collection of Resources and provides the only sanctioned path to mutate them.
//
// Every Resource is protected by its own lock and all mutations happen inside a WithLocked scope, which acquires the
// locks for all named resources through a single ordered LockSet. Since resource IDs are handed out strictly
// increasing and the LockSet acquires them ascending, overlapping scopes on different goroutines can never deadlock.
type Registry[V any] struct {
	// resources maps the identity of every registered Resource to its instance.
	resources *shrinkingmap.ShrinkingMap[ID, *Resource[V]]

	// locks coordinates exclusive access to the registered Resources.
	locks *lockset.LockSet[ID]

	// idCounter is the source of the strictly increasing resource identities.
	idCounter atomic.Uint64
}

// NewRegistry creates an empty Registry.
func NewRegistry[V any]() *Registry[V] {
	return &Registry[V]{
		resources: shrinkingmap.New[ID, *Resource[V]](),
		locks:     lockset.New[ID](),
	}
}

// Create registers a new Resource holding the given payload and returns its freshly assigned identity.
//
// Identities are strictly increasing and are never reused, not even after the Resource was removed again.
func (r *Registry[V]) Create(payload V) (id ID) {
	id = ID(r.idCounter.Inc())
	r.resources.Set(id, newResource(id, payload))

	return id
}

// WithLocked resolves the given identities, acquires the locks for exactly these resources (in ascending identity
// order) and invokes fn with exclusive access to all of them. The locks are released again on every exit path,
// whether fn succeeds, fails or panics; fn's error is returned unchanged.
//
// Identities are validated before any lock is taken: an unknown identity fails fast with ErrNotFound and leaves no
// locks behind. An empty identity set is not an error - fn is invoked with an empty map without acquiring anything.
//
// fn must not call back into the Registry with an overlapping identity set (the nested acquisition would wait on
// the locks the scope already holds) and must not retain the passed resources beyond its return.
func (r *Registry[V]) WithLocked(ctx context.Context, ids []ID, fn func(locked map[ID]*Resource[V]) error) (err error) {
	// fail fast before acquiring anything, so no locks are held while reporting an unknown identity.
	for _, id := range ids {
		if !r.resources.Has(id) {
			return ierrors.Wrapf(ErrNotFound, "can not lock resource %d", id)
		}
	}

	guard, err := r.locks.Acquire(ctx, ids...)
	if err != nil {
		return ierrors.Wrap(err, "failed to acquire resource locks")
	}
	defer guard.Release() //nolint:errcheck // the guard is released exactly once

	// re-resolve under the locks: a resource may have been removed between validation and acquisition.
	locked := make(map[ID]*Resource[V], len(ids))
	for _, id := range guard.Keys() {
		resource, exists := r.resources.Get(id)
		if !exists {
			return ierrors.Wrapf(ErrNotFound, "resource %d was removed before the locks were acquired", id)
		}

		locked[id] = resource
	}

	return fn(locked)
}

// Link connects the two given resources by adding each one to the other's link set, keeping link membership
// symmetric. Linking already linked resources is a no-op.
func (r *Registry[V]) Link(ctx context.Context, a ID, b ID) (err error) {
	if a == b {
		return ierrors.Wrapf(ErrSelfLink, "can not link resource %d", a)
	}

	return r.WithLocked(ctx, []ID{a, b}, func(locked map[ID]*Resource[V]) error {
		locked[a].addLink(b)
		locked[b].addLink(a)

		return nil
	})
}

// Unlink disconnects the two given resources, removing each one from the other's link set. Unlinking resources that
// are not linked is a no-op.
func (r *Registry[V]) Unlink(ctx context.Context, a ID, b ID) (err error) {
	if a == b {
		return ierrors.Wrapf(ErrSelfLink, "can not unlink resource %d", a)
	}

	return r.WithLocked(ctx, []ID{a, b}, func(locked map[ID]*Resource[V]) error {
		locked[a].removeLink(b)
		locked[b].removeLink(a)

		return nil
	})
}

// Remove unregisters the resource with the given identity. A resource can only be removed once all of its links
// were removed through Unlink; removing a still-linked resource fails with ErrStillLinked.
func (r *Registry[V]) Remove(ctx context.Context, id ID) (err error) {
	return r.WithLocked(ctx, []ID{id}, func(locked map[ID]*Resource[V]) error {
		if linkCount := locked[id].LinkCount(); linkCount != 0 {
			return ierrors.Wrapf(ErrStillLinked, "resource %d still has %d links", id, linkCount)
		}

		r.resources.Delete(id)

		return nil
	})
}

// Payload returns a snapshot of the payload of the given resource, taken under its lock.
func (r *Registry[V]) Payload(ctx context.Context, id ID) (payload V, err error) {
	err = r.WithLocked(ctx, []ID{id}, func(locked map[ID]*Resource[V]) error {
		payload = locked[id].Payload()

		return nil
	})

	return payload, err
}

// Links returns a snapshot of the link set of the given resource, taken under its lock.
func (r *Registry[V]) Links(ctx context.Context, id ID) (linkedIDs []ID, err error) {
	err = r.WithLocked(ctx, []ID{id}, func(locked map[ID]*Resource[V]) error {
		linkedIDs = locked[id].Links()

		return nil
	})

	return linkedIDs, err
}

// Has returns true if a resource with the given identity is registered.
func (r *Registry[V]) Has(id ID) (has bool) {
	return r.resources.Has(id)
}

// Size returns the number of registered resources.
func (r *Registry[V]) Size() (size int) {
	return r.resources.Size()
}

// HeldLocks returns the identities whose locks are currently held or waited for (used for introspection and tests).
func (r *Registry[V]) HeldLocks() (ids []ID) {
	return r.locks.HeldKeys()
}

// endregion ///////////////////////////////////////////////////////////////////////////////////////////////////////////
