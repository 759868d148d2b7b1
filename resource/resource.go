package resource

import (
	"slices"

	"github.com/iotaledger/hive.go/ds/types"
	"github.com/iotaledger/hive.go/lo"
)

// ID is the identity of a Resource. IDs are handed out by the Registry from a strictly increasing counter and are
// never reused, which makes them double as the total order in which locks on resources are acquired.
type ID uint64

// Resource is a single unit of shared mutable state: an opaque payload plus the set of resources it is linked to.
//
// A Resource is owned by the Registry that created it and must only be read or mutated inside a WithLocked scope
// that names its ID. The Registry hands the same *Resource to every callback, so access outside a locked scope is
// a data race.
type Resource[V any] struct {
	id      ID
	payload V
	links   map[ID]types.Empty
}

// newResource creates a Resource with the given identity and payload.
func newResource[V any](id ID, payload V) *Resource[V] {
	return &Resource[V]{
		id:      id,
		payload: payload,
		links:   make(map[ID]types.Empty),
	}
}

// ID returns the identity of the Resource.
func (r *Resource[V]) ID() (id ID) {
	return r.id
}

// Payload returns the current payload of the Resource.
func (r *Resource[V]) Payload() (payload V) {
	return r.payload
}

// SetPayload replaces the payload of the Resource.
func (r *Resource[V]) SetPayload(payload V) {
	r.payload = payload
}

// Links returns the identities of all linked resources in ascending order.
func (r *Resource[V]) Links() (linkedIDs []ID) {
	linkedIDs = lo.Keys(r.links)
	slices.Sort(linkedIDs)

	return linkedIDs
}

// IsLinkedTo returns true if the Resource is linked to the resource with the given identity.
func (r *Resource[V]) IsLinkedTo(other ID) (isLinked bool) {
	_, isLinked = r.links[other]

	return isLinked
}

// LinkCount returns the number of linked resources.
func (r *Resource[V]) LinkCount() (count int) {
	return len(r.links)
}

// addLink records a link to the given identity.
func (r *Resource[V]) addLink(other ID) {
	r.links[other] = types.Void
}

// removeLink removes the link to the given identity (if any).
func (r *Resource[V]) removeLink(other ID) {
	delete(r.links, other)
}
